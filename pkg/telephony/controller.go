// Package telephony talks to the phone provider: placing and steering calls,
// rendering call instructions and decoding the media stream protocol.
package telephony

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrCallNotFound        = errors.New("call not found")
	ErrProviderUnavailable = errors.New("telephony provider unavailable")
	ErrPlaybackFailed      = errors.New("playback failed")
)

type ActionKind string

const (
	ActionPlay      ActionKind = "play"
	ActionTerminate ActionKind = "terminate"
)

// Action is an instruction applied to a live call.
type Action struct {
	Kind     ActionKind
	AudioURL string
}

func PlayAudio(url string) Action { return Action{Kind: ActionPlay, AudioURL: url} }

func Terminate() Action { return Action{Kind: ActionTerminate} }

type DialRequest struct {
	To string
	// AnswerURL is fetched by the provider once the callee picks up.
	AnswerURL         string
	StatusCallbackURL string
}

// Controller steers calls on the telephony provider.
type Controller interface {
	UpdateCall(ctx context.Context, callSid string, action Action) error
	Dial(ctx context.Context, req DialRequest) (string, error)
}
