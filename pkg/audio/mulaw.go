// Package audio converts telephony audio into the format speech recognizers expect.
package audio

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// SampleRate is the telephony narrowband rate used on both sides of the transcoder.
	SampleRate = 8000
	// FrameDuration of a single media frame in milliseconds.
	FrameDuration = 20
)

// ErrMalformedFrame is returned when a media payload cannot be decoded.
var ErrMalformedFrame = errors.New("malformed media frame")

var mulawTable [256]int16

func init() {
	for i := range mulawTable {
		mulawTable[i] = decodeMulaw(byte(i))
	}
}

// G.711 μ-law expansion.
func decodeMulaw(b byte) int16 {
	mu := ^b
	exponent := (mu >> 4) & 0x07
	mantissa := int32(mu & 0x0f)
	sample := (((mantissa << 3) + 0x84) << exponent) - 0x84
	if mu&0x80 != 0 {
		sample = -sample
	}
	return int16(sample)
}

// MulawToPCM16 decodes μ-law bytes into signed 16-bit little-endian PCM.
// The output is always exactly twice the input length.
func MulawToPCM16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(mulawTable[b]))
	}
	return out
}

// DecodeFrame turns a base64 media payload into PCM16 samples.
func DecodeFrame(payload string) ([]byte, error) {
	if payload == "" {
		return nil, errors.Wrap(ErrMalformedFrame, "empty payload")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "base64: %v", err)
	}
	return MulawToPCM16(raw), nil
}
