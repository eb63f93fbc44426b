// Package events defines the session events fanned out to interactive clients
// and the watermill bus that carries them.
package events

import (
	"context"
	"time"

	"github.com/go-go-golems/callpilot/pkg/conversation"
)

type Type string

const (
	TypeTranscript      Type = "transcript"
	TypeRecommendations Type = "recommendations"
	TypeSummaryReady    Type = "summaryReady"
	TypeCallEnded       Type = "callEnded"
	TypeCallAccepted    Type = "callAccepted"
	TypeCallRinging     Type = "callRinging"
)

// End reasons carried by callEnded.
const (
	EndReasonRemote   = "remote"
	EndReasonOperator = "operator"
	EndReasonFailed   = "failed"
)

// Event is the envelope sent to every client bound to CallSid.
type Event struct {
	Type    Type           `json:"type"`
	CallSid string         `json:"callSid"`
	Data    map[string]any `json:"data,omitempty"`
	TS      int64          `json:"ts"`
}

// Publisher delivers events to all clients of a session.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func newEvent(t Type, callSid string, data map[string]any) Event {
	return Event{Type: t, CallSid: callSid, Data: data, TS: time.Now().UnixMilli()}
}

func Transcript(callSid, text string, role conversation.Role) Event {
	return newEvent(TypeTranscript, callSid, map[string]any{"text": text, "role": string(role)})
}

// Recommendations carries a reply set. seq orders sets within a session.
func Recommendations(callSid string, replies []string, seq uint64) Event {
	out := append([]string(nil), replies...)
	return newEvent(TypeRecommendations, callSid, map[string]any{"replies": out, "seq": seq})
}

func SummaryReady(callSid, summary string) Event {
	return newEvent(TypeSummaryReady, callSid, map[string]any{"summary": summary})
}

func CallEnded(callSid, reason string) Event {
	return newEvent(TypeCallEnded, callSid, map[string]any{"reason": reason})
}

func CallAccepted(callSid string) Event {
	return newEvent(TypeCallAccepted, callSid, nil)
}

func CallRinging(callSid string) Event {
	return newEvent(TypeCallRinging, callSid, nil)
}
