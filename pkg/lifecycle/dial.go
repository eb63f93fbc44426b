package lifecycle

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/callpilot/pkg/callstore"
	"github.com/go-go-golems/callpilot/pkg/session"
	"github.com/go-go-golems/callpilot/pkg/telephony"
)

var ErrInvalidDial = errors.New("invalid dial request")

// OpeningAudioParam names the answer URL query parameter carrying the
// opening clip's file name.
const OpeningAudioParam = "audio"

type DialRequest struct {
	UserID string `json:"userId"`
	Phone  string `json:"phone"`
	Intent string `json:"intentText"`
	Voice  string `json:"voice,omitempty"`
}

type DialResult struct {
	CallSid  string `json:"callSid"`
	To       string `json:"to"`
	VoiceID  string `json:"voiceId"`
	AudioURL string `json:"audioUrl"`
}

// OpeningScript is what the callee hears on pickup.
func OpeningScript(intent string) string {
	return fmt.Sprintf("안녕하세요. 고객님을 대신해 간단히 문의드립니다. %s. 가능/불가능만 알려주시면 감사하겠습니다.", strings.TrimRight(strings.TrimSpace(intent), "."))
}

// Dial places a call that opens with a synthesized statement of intent.
func (c *Coordinator) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	if strings.TrimSpace(req.Intent) == "" {
		return DialResult{}, errors.Wrap(ErrInvalidDial, "intentText is required")
	}
	to, err := telephony.NormalizeKR(req.Phone)
	if err != nil {
		return DialResult{}, errors.Wrap(ErrInvalidDial, err.Error())
	}

	voiceID := c.Voices.Resolve(ctx, req.UserID, req.Voice)
	clip, err := c.Synth.Synthesize(ctx, OpeningScript(req.Intent), voiceID)
	if err != nil {
		return DialResult{}, errors.Wrap(err, "synthesize opening")
	}

	answer := c.Endpoints.AnswerURL() + "?" + url.Values{OpeningAudioParam: {clip.Filename}}.Encode()
	sid, err := c.Calls.Dial(ctx, telephony.DialRequest{
		To:                to,
		AnswerURL:         answer,
		StatusCallbackURL: c.Endpoints.StatusURL(),
	})
	if err != nil {
		return DialResult{}, errors.Wrap(err, "place call")
	}

	sess, _ := c.Registry.Upsert(sid)
	sess.SetUserID(req.UserID)
	sess.SetVoiceID(voiceID)
	sess.SetPhone(to)

	if c.Store != nil {
		err := c.Store.CreateCall(ctx, callstore.CallRecord{
			CallSid:   sid,
			UserID:    req.UserID,
			Phone:     to,
			Intent:    req.Intent,
			VoiceID:   voiceID,
			Status:    string(session.StateDialing),
			CreatedAt: c.now(),
			UpdatedAt: c.now(),
		})
		if err != nil {
			log.Warn().Err(err).Str("component", "lifecycle").Str("call_sid", sid).Msg("store call record failed")
		}
	}
	log.Info().Str("component", "lifecycle").Str("call_sid", sid).Str("to", to).Str("user_id", req.UserID).Msg("call placed")
	return DialResult{CallSid: sid, To: to, VoiceID: voiceID, AudioURL: clip.URL}, nil
}

// AnswerTwiML renders the instructions returned when the callee picks up.
// audio is the opening clip's file name from the answer URL.
func (c *Coordinator) AnswerTwiML(callSid, audio string) (string, error) {
	if callSid != "" {
		if sess, _ := c.Registry.Upsert(callSid); !sess.IsCompleted() {
			sess.Touch(c.now())
		}
	}
	var opening string
	if name := path.Base(strings.TrimSpace(audio)); audio != "" && name != "." && name != "/" {
		opening = c.Endpoints.AudioURL(name)
	}
	return c.Endpoints.AnswerTwiML(callSid, opening)
}

func (c *Coordinator) HoldTwiML(callSid string) (string, error) {
	return c.Endpoints.HoldTwiML(callSid)
}
