// Package voice turns reply text into audio the phone provider can fetch.
package voice

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrSynthesisFailed = errors.New("speech synthesis failed")
	ErrInvalidVoice    = errors.New("invalid voice")
)

// Clip is a synthesized audio file exposed over HTTP.
type Clip struct {
	Path     string
	Filename string
	URL      string
}

// Synthesizer renders text with a voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) (Clip, error)
}
