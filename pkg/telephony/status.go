package telephony

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	twclient "github.com/twilio/twilio-go/client"

	"github.com/go-go-golems/callpilot/pkg/session"
)

var ErrInvalidStatus = errors.New("invalid call status callback")

// StatusUpdate is a normalized call progress callback.
type StatusUpdate struct {
	CallSid   string
	RawStatus string
	State     session.State
	// Failed is set for terminal statuses where the call never connected.
	Failed bool
	To     string
	From   string
}

// ParseStatus reads a provider status callback form.
func ParseStatus(form url.Values) (StatusUpdate, error) {
	u := StatusUpdate{
		CallSid:   strings.TrimSpace(form.Get("CallSid")),
		RawStatus: strings.ToLower(strings.TrimSpace(form.Get("CallStatus"))),
		To:        form.Get("To"),
		From:      form.Get("From"),
	}
	if u.CallSid == "" {
		return u, errors.Wrap(ErrInvalidStatus, "missing CallSid")
	}
	switch u.RawStatus {
	case "queued", "initiated":
		u.State = session.StateDialing
	case "ringing":
		u.State = session.StateRinging
	case "in-progress", "answered":
		u.State = session.StateInProgress
	case "completed":
		u.State = session.StateCompleted
	case "busy", "failed", "no-answer", "canceled":
		u.State = session.StateCompleted
		u.Failed = true
	default:
		return u, errors.Wrapf(ErrInvalidStatus, "unknown CallStatus %q", u.RawStatus)
	}
	return u, nil
}

// SignatureValidator checks the provider's request signature header.
type SignatureValidator struct {
	validator     twclient.RequestValidator
	publicBaseURL string
}

func NewSignatureValidator(authToken, publicBaseURL string) *SignatureValidator {
	return &SignatureValidator{
		validator:     twclient.NewRequestValidator(authToken),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Valid reports whether r carries a correct signature. r.ParseForm must have
// been called.
func (v *SignatureValidator) Valid(r *http.Request) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.validator.Validate(v.publicBaseURL+r.URL.RequestURI(), params, sig)
}
