package telephony

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/twilio/twilio-go/twiml"
)

const (
	HoldPath   = "/twilio/hold"
	AnswerPath = "/twilio/answer"
	MediaPath  = "/media"
	StatusPath = "/call-status"
)

// Endpoints derives the callback URLs the provider needs from the public base URL.
type Endpoints struct {
	PublicBaseURL string
}

func (e Endpoints) base() string {
	return strings.TrimRight(e.PublicBaseURL, "/")
}

// MediaStreamURL is the websocket URL the provider streams call audio to.
func (e Endpoints) MediaStreamURL(callSid string) string {
	b := e.base()
	switch {
	case strings.HasPrefix(b, "https://"):
		b = "wss://" + strings.TrimPrefix(b, "https://")
	case strings.HasPrefix(b, "http://"):
		b = "ws://" + strings.TrimPrefix(b, "http://")
	}
	return b + MediaPath + "?callSid=" + url.QueryEscape(callSid)
}

func (e Endpoints) HoldURL() string   { return e.base() + HoldPath }
func (e Endpoints) AnswerURL() string { return e.base() + AnswerPath }
func (e Endpoints) StatusURL() string { return e.base() + StatusPath }

func (e Endpoints) AudioURL(filename string) string {
	return e.base() + "/audio/" + url.PathEscape(filename)
}

func (e Endpoints) stream(callSid string) twiml.Element {
	return &twiml.VoiceStart{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: e.MediaStreamURL(callSid)},
		},
	}
}

// AnswerTwiML starts the media stream, optionally plays an opening clip and
// keeps the call parked on the hold loop.
func (e Endpoints) AnswerTwiML(callSid, openingAudioURL string) (string, error) {
	verbs := []twiml.Element{e.stream(callSid)}
	if openingAudioURL != "" {
		verbs = append(verbs, &twiml.VoicePlay{Url: openingAudioURL})
	}
	verbs = append(verbs,
		&twiml.VoicePause{Length: "60"},
		&twiml.VoiceRedirect{Url: e.HoldURL(), Method: "POST"},
	)
	return render(verbs)
}

// HoldTwiML keeps an idle call open with its media stream running.
func (e Endpoints) HoldTwiML(callSid string) (string, error) {
	return render([]twiml.Element{
		e.stream(callSid),
		&twiml.VoicePause{Length: "60"},
		&twiml.VoiceRedirect{Url: e.HoldURL(), Method: "POST"},
	})
}

// PlayTwiML plays one clip into the call and returns to the hold loop.
// The stream is restarted because replacing the call's TwiML ends the old one.
func (e Endpoints) PlayTwiML(callSid, audioURL string) (string, error) {
	return render([]twiml.Element{
		e.stream(callSid),
		&twiml.VoicePlay{Url: audioURL},
		&twiml.VoicePause{Length: "1"},
		&twiml.VoiceRedirect{Url: e.HoldURL(), Method: "POST"},
	})
}

func render(verbs []twiml.Element) (string, error) {
	out, err := twiml.Voice(verbs)
	if err != nil {
		return "", errors.Wrap(err, "render twiml")
	}
	return out, nil
}
