// Package stt streams call audio to a speech recognizer and returns final
// transcripts.
package stt

import (
	"context"

	"github.com/pkg/errors"
)

var ErrRecognizerUnavailable = errors.New("speech recognizer unavailable")

// ErrNotConfigured marks a recognizer that will never start. Callers should
// not retry it.
var ErrNotConfigured = errors.Wrap(ErrRecognizerUnavailable, "not configured")

type Options struct {
	Language   string
	SampleRate int
	// Encoding of the audio passed to Send, e.g. pcm_s16le.
	Encoding string
}

type Result struct {
	Text  string
	Final bool
}

// Provider opens recognition streams.
type Provider interface {
	Start(ctx context.Context, opts Options) (Stream, error)
}

// Stream is one continuous recognition session.
type Stream interface {
	Send(pcm []byte) error
	// Results is closed when the stream ends.
	Results() <-chan Result
	// Close flushes buffered audio. Final results produced by the flush are
	// delivered on Results before it is closed.
	Close() error
}

// Unavailable is a Provider that always fails to start.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Start(context.Context, Options) (Stream, error) {
	return nil, errors.Wrap(ErrNotConfigured, u.Reason)
}
