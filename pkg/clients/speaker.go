package clients

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/callpilot/pkg/session"
	"github.com/go-go-golems/callpilot/pkg/telephony"
	"github.com/go-go-golems/callpilot/pkg/voice"
)

const defaultSpeakTimeout = 30 * time.Second

// VoiceResolver picks a voice id for a user and optional preset.
type VoiceResolver interface {
	Resolve(ctx context.Context, userID, preset string) string
}

// Speaker synthesizes text and plays it into a live call.
type Speaker struct {
	synth   voice.Synthesizer
	voices  VoiceResolver
	calls   telephony.Controller
	timeout time.Duration
}

func NewSpeaker(synth voice.Synthesizer, voices VoiceResolver, calls telephony.Controller) *Speaker {
	return &Speaker{synth: synth, voices: voices, calls: calls, timeout: defaultSpeakTimeout}
}

// Speak plays text into sess's call. A preset overrides the voice chosen when
// the call was placed, which overrides the user's stored voice.
func (s *Speaker) Speak(ctx context.Context, sess *session.Session, userID, text, preset string) (voice.Clip, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if userID == "" {
		userID = sess.UserID()
	}
	voiceID := sess.VoiceID()
	if preset != "" || voiceID == "" {
		voiceID = s.voices.Resolve(ctx, userID, preset)
	}
	clip, err := s.synth.Synthesize(ctx, text, voiceID)
	if err != nil {
		return voice.Clip{}, err
	}
	if err := s.calls.UpdateCall(ctx, sess.ID, telephony.PlayAudio(clip.URL)); err != nil {
		return clip, errors.Wrap(err, "play into call")
	}
	sess.RecordPlayed(session.Played{Text: text, AudioURL: clip.URL, At: time.Now()})
	log.Info().Str("component", "clients").Str("call_sid", sess.ID).Str("file", clip.Filename).Msg("played reply into call")
	return clip, nil
}

// errorCode maps a speak failure onto a client error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, voice.ErrSynthesisFailed), errors.Is(err, voice.ErrInvalidVoice):
		return CodeSynthesisFailed
	case errors.Is(err, session.ErrSessionEnded):
		return CodeCallEnded
	default:
		return CodePlaybackFailed
	}
}
