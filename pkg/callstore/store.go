// Package callstore persists call records, transcripts, summaries and user
// voice settings.
package callstore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/callpilot/pkg/conversation"
)

var ErrNotFound = errors.New("call record not found")

type CallRecord struct {
	CallSid    string               `json:"callSid" yaml:"callSid"`
	UserID     string               `json:"userId,omitempty" yaml:"userId,omitempty"`
	Phone      string               `json:"phone,omitempty" yaml:"phone,omitempty"`
	Intent     string               `json:"intent,omitempty" yaml:"intent,omitempty"`
	VoiceID    string               `json:"voiceId,omitempty" yaml:"voiceId,omitempty"`
	Status     string               `json:"status" yaml:"status"`
	EndReason  string               `json:"endReason,omitempty" yaml:"endReason,omitempty"`
	Transcript string               `json:"transcript,omitempty" yaml:"transcript,omitempty"`
	History    []conversation.Entry `json:"history,omitempty" yaml:"history,omitempty"`
	Summary    string               `json:"summary,omitempty" yaml:"summary,omitempty"`
	CreatedAt  time.Time            `json:"createdAt" yaml:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt" yaml:"updatedAt"`
	EndedAt    time.Time            `json:"endedAt,omitempty" yaml:"endedAt,omitempty"`
}

// Outcome is written when a call finishes.
type Outcome struct {
	EndReason string
	History   []conversation.Entry
	EndedAt   time.Time
}

type Store interface {
	CreateCall(ctx context.Context, rec CallRecord) error
	UpdateStatus(ctx context.Context, callSid, status string, at time.Time) error
	SaveOutcome(ctx context.Context, callSid string, o Outcome) error
	SaveSummary(ctx context.Context, callSid, summary string) error
	GetCall(ctx context.Context, callSid string) (CallRecord, error)
	ListCalls(ctx context.Context, limit int) ([]CallRecord, error)

	VoicePreference(ctx context.Context, userID string) (string, error)
	SetVoicePreference(ctx context.Context, userID, voiceID, preset string) error

	Close() error
}
