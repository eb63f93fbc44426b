package clients

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/callpilot/pkg/events"
)

var ErrNotBound = errors.New("client is not bound to a call")

// Inbound command types.
const (
	CmdBind        = "bind"
	CmdSelectReply = "selectReply"
	CmdSayText     = "sayText"
	CmdEndCall     = "endCall"
	CmdPing        = "ping"
)

// Outbound types sent only to the requesting client.
const (
	TypeBound     events.Type = "bound"
	TypeSayResult events.Type = "sayResult"
	TypeError     events.Type = "error"
	TypePong      events.Type = "pong"
)

// Error codes carried by error messages.
const (
	CodeNotBound        = "not_bound"
	CodeBadRequest      = "bad_request"
	CodeSynthesisFailed = "synthesis_failed"
	CodePlaybackFailed  = "playback_failed"
	CodeEndCallFailed   = "end_call_failed"
	CodeCallEnded       = "call_ended"
	CodeBusy            = "busy"
)

// Command is a message from an interactive client.
type Command struct {
	Type    string `json:"type"`
	CallSid string `json:"callSid,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Text    string `json:"text,omitempty"`
	// Voice optionally names a voice preset for this utterance.
	Voice string `json:"voice,omitempty"`
}

func parseCommand(raw []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return Command{}, errors.Wrap(err, "decode command")
	}
	if c.Type == "" {
		return Command{}, errors.New("command type is empty")
	}
	return c, nil
}

func encode(ev events.Event) ([]byte, error) {
	if ev.TS == 0 {
		ev.TS = time.Now().UnixMilli()
	}
	return json.Marshal(ev)
}

func errorMessage(callSid, code, message string) events.Event {
	return events.Event{Type: TypeError, CallSid: callSid, Data: map[string]any{"code": code, "message": message}}
}

func sayResult(callSid string, err error, code string) events.Event {
	data := map[string]any{"ok": err == nil}
	if err != nil {
		data["error"] = err.Error()
		data["code"] = code
	}
	return events.Event{Type: TypeSayResult, CallSid: callSid, Data: data}
}

var (
	errEmptyText      = errors.New("text is empty")
	errSpeakQueueFull = errors.New("too many pending replies")
)
