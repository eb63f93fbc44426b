// Package llm defines the minimal text completion contract used for reply
// suggestions and call summaries, plus provider backends in subpackages.
package llm

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrProviderError = errors.New("llm provider error")
	ErrRateLimited   = errors.New("llm rate limited")
	ErrEmptyResponse = errors.New("llm returned empty response")
)

type Request struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Completer produces a single text completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ClassifyStatus maps an HTTP status from a provider onto the package sentinels.
func ClassifyStatus(status int, err error) error {
	if status == 429 {
		return errors.Wrap(ErrRateLimited, err.Error())
	}
	return errors.Wrap(ErrProviderError, err.Error())
}
