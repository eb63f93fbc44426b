// Package conversation holds the per-call history types shared by reply
// generation, summarization and persistence.
package conversation

import (
	"strings"
	"time"
)

// Role identifies who spoke an entry.
type Role string

const (
	// RoleOperator is the remote party on the phone line.
	RoleOperator Role = "operator"
	// RoleCaller is the user on whose behalf the bridge speaks.
	RoleCaller Role = "caller"
)

func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleCaller
}

type Entry struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Labels maps roles to the prefixes used when rendering a transcript.
type Labels struct {
	Caller   string
	Operator string
}

// PromptLabels render the history from the caller's point of view.
var PromptLabels = Labels{Caller: "나", Operator: "직원"}

// TranscriptLabels are used for stored transcripts and summaries.
var TranscriptLabels = Labels{Caller: "손님", Operator: "직원"}

func (l Labels) For(r Role) string {
	if r == RoleCaller {
		return l.Caller
	}
	return l.Operator
}

// Format renders entries one per line as "label: text".
func Format(entries []Entry, labels Labels) string {
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(labels.For(e.Role))
		sb.WriteString(": ")
		sb.WriteString(e.Text)
	}
	return sb.String()
}
