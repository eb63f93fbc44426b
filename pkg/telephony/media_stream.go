package telephony

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Media stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
)

// StreamMessage is one JSON frame on the provider's media websocket.
type StreamMessage struct {
	Event          string         `json:"event"`
	SequenceNumber string         `json:"sequenceNumber,omitempty"`
	StreamSid      string         `json:"streamSid,omitempty"`
	CallSid        string         `json:"callSid,omitempty"`
	Start          *StreamStart   `json:"start,omitempty"`
	Media          *StreamMedia   `json:"media,omitempty"`
	Stop           *StreamStop    `json:"stop,omitempty"`
	Mark           *StreamMarkRef `json:"mark,omitempty"`
}

type StreamStart struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type StreamMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type StreamStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

type StreamMarkRef struct {
	Name string `json:"name"`
}

func ParseStreamMessage(raw []byte) (StreamMessage, error) {
	var m StreamMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return StreamMessage{}, errors.Wrap(err, "decode media stream message")
	}
	return m, nil
}

// CallID returns the call id a message names, if any.
func (m StreamMessage) CallID() string {
	if m.Start != nil {
		if m.Start.CallSid != "" {
			return m.Start.CallSid
		}
		if v := m.Start.CustomParameters["callSid"]; v != "" {
			return v
		}
	}
	if m.Stop != nil && m.Stop.CallSid != "" {
		return m.Stop.CallSid
	}
	return m.CallSid
}
