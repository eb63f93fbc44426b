package telephony

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// statusCallbackEvents are the call progress events requested on dial.
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

type TwilioSettings struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioController implements Controller on the Twilio REST API.
type TwilioController struct {
	api       *openapi.ApiService
	from      string
	endpoints Endpoints
}

func NewTwilioController(s TwilioSettings, endpoints Endpoints) (*TwilioController, error) {
	if s.AccountSID == "" || s.AuthToken == "" {
		return nil, errors.New("twilio account sid and auth token are required")
	}
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: s.AccountSID,
		Password: s.AuthToken,
	})
	return &TwilioController{api: c.Api, from: s.FromNumber, endpoints: endpoints}, nil
}

func (t *TwilioController) UpdateCall(ctx context.Context, callSid string, action Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	switch action.Kind {
	case ActionPlay:
		doc, err := t.endpoints.PlayTwiML(callSid, action.AudioURL)
		if err != nil {
			return errors.Wrap(ErrPlaybackFailed, err.Error())
		}
		params.SetTwiml(doc)
	case ActionTerminate:
		params.SetStatus("completed")
	default:
		return errors.Errorf("unknown call action %q", action.Kind)
	}

	if _, err := t.api.UpdateCall(callSid, params); err != nil {
		mapped := mapTwilioError(err)
		if action.Kind == ActionPlay && !errors.Is(mapped, ErrCallNotFound) && !errors.Is(mapped, ErrProviderUnavailable) {
			mapped = errors.Wrap(ErrPlaybackFailed, err.Error())
		}
		log.Warn().Err(err).Str("component", "telephony").Str("call_sid", callSid).Str("action", string(action.Kind)).Msg("call update failed")
		return mapped
	}
	log.Debug().Str("component", "telephony").Str("call_sid", callSid).Str("action", string(action.Kind)).Msg("call updated")
	return nil
}

func (t *TwilioController) Dial(ctx context.Context, req DialRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.from == "" {
		return "", errors.New("twilio from number is not configured")
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(t.from)
	params.SetUrl(req.AnswerURL)
	params.SetMethod("POST")
	params.SetStatusCallback(req.StatusCallbackURL)
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent(statusCallbackEvents)

	call, err := t.api.CreateCall(params)
	if err != nil {
		return "", mapTwilioError(err)
	}
	if call == nil || call.Sid == nil {
		return "", errors.Wrap(ErrProviderUnavailable, "create call returned no sid")
	}
	return *call.Sid, nil
}

func mapTwilioError(err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Status == http.StatusNotFound:
			return errors.Wrap(ErrCallNotFound, restErr.Message)
		case restErr.Status >= 500:
			return errors.Wrap(ErrProviderUnavailable, restErr.Message)
		}
		return errors.Wrapf(err, "twilio error %d", restErr.Code)
	}
	return errors.Wrap(ErrProviderUnavailable, err.Error())
}
