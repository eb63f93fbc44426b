// Package session tracks live calls: their lifecycle state, conversation
// history, reply suggestions and the media channel bound to each call.
package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/callpilot/pkg/conversation"
	"github.com/go-go-golems/callpilot/pkg/utterance"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
)

type State string

const (
	StateDialing    State = "dialing"
	StateRinging    State = "ringing"
	StateInProgress State = "in-progress"
	StateCompleted  State = "completed"
)

func (s State) rank() int {
	switch s {
	case StateDialing:
		return 0
	case StateRinging:
		return 1
	case StateInProgress:
		return 2
	case StateCompleted:
		return 3
	default:
		return -1
	}
}

// PlayedCapacity bounds the per-session playback log.
const PlayedCapacity = 20

// MediaChannel is the audio socket currently feeding a session.
type MediaChannel interface {
	ID() string
	Close() error
}

type Played struct {
	Text     string    `json:"text"`
	AudioURL string    `json:"audioUrl"`
	At       time.Time `json:"at"`
}

type historyItem struct {
	id      uint64
	entry   conversation.Entry
	pending bool
}

// Reservation holds a position in the history for an entry whose text is
// known but whose delivery has not finished yet.
type Reservation struct {
	id uint64
}

// Session is the per-call record. All methods are safe for concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	// emitMu serializes state changes that must reach clients in order.
	emitMu sync.Mutex

	mu              sync.Mutex
	state           State
	userID          string
	voiceID         string
	phone           string
	history         []historyItem
	nextItem        uint64
	recIssued       uint64
	recApplied      uint64
	recommendations []string
	played          []Played
	media           MediaChannel
	summarized      bool
	lastActivity    time.Time
	endedAt         time.Time

	dedup *utterance.Deduplicator
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    now,
		state:        StateDialing,
		lastActivity: now,
		dedup:        utterance.NewDeduplicator(),
	}
}

// AcceptUtterance applies duplicate suppression across every media channel
// the session has had.
func (s *Session) AcceptUtterance(text string, at time.Time) bool {
	return s.dedup.Accept(text, at)
}

// Emit runs fn while holding the session's emission lock. Callers mutate the
// session and publish the resulting event inside fn so that events for one
// session leave in the order their mutations happened.
func (s *Session) Emit(fn func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	fn()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsCompleted() bool {
	return s.State() == StateCompleted
}

// Advance moves the session forward to next. Repeated or backwards
// transitions are ignored, and completion goes through Complete.
func (s *Session) Advance(next State) bool {
	if next == StateCompleted || next.rank() < 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.rank() <= s.state.rank() {
		return false
	}
	s.state = next
	return true
}

// Complete marks the session completed. Only the first call returns true.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompleted {
		return false
	}
	s.state = StateCompleted
	s.endedAt = time.Now()
	return true
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) SetUserID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

func (s *Session) VoiceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceID
}

func (s *Session) SetVoiceID(id string) {
	s.mu.Lock()
	s.voiceID = id
	s.mu.Unlock()
}

func (s *Session) Phone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phone
}

func (s *Session) SetPhone(p string) {
	s.mu.Lock()
	s.phone = p
	s.mu.Unlock()
}

// AppendHistory records an entry. It fails once the session has completed.
func (s *Session) AppendHistory(role conversation.Role, text string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompleted {
		return false
	}
	s.nextItem++
	s.history = append(s.history, historyItem{id: s.nextItem, entry: conversation.Entry{Role: role, Text: text, At: at}})
	return true
}

// Reserve appends a pending entry that stays hidden until committed.
func (s *Session) Reserve(role conversation.Role, text string, at time.Time) (Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompleted {
		return Reservation{}, false
	}
	s.nextItem++
	s.history = append(s.history, historyItem{
		id:      s.nextItem,
		entry:   conversation.Entry{Role: role, Text: text, At: at},
		pending: true,
	})
	return Reservation{id: s.nextItem}, true
}

// Commit makes a reserved entry visible in its original position. Entries
// committed after completion are discarded since history is frozen by then.
func (s *Session) Commit(r Reservation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(r.id)
	if idx < 0 {
		return false
	}
	if s.state == StateCompleted {
		s.history = append(s.history[:idx], s.history[idx+1:]...)
		return false
	}
	s.history[idx].pending = false
	return true
}

func (s *Session) Discard(r Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexLocked(r.id); idx >= 0 {
		s.history = append(s.history[:idx], s.history[idx+1:]...)
	}
}

func (s *Session) indexLocked(id uint64) int {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].id == id {
			if !s.history[i].pending {
				return -1
			}
			return i
		}
	}
	return -1
}

// History returns the committed entries in order.
func (s *Session) History() []conversation.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Entry, 0, len(s.history))
	for _, it := range s.history {
		if !it.pending {
			out = append(out, it.entry)
		}
	}
	return out
}

// NextRecommendationSeq issues a sequence number for a reply request.
func (s *Session) NextRecommendationSeq() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompleted {
		return 0, false
	}
	s.recIssued++
	return s.recIssued, true
}

// ApplyRecommendations stores replies unless the session completed or a
// newer set was already applied.
func (s *Session) ApplyRecommendations(seq uint64, replies []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompleted || seq <= s.recApplied {
		return false
	}
	s.recApplied = seq
	s.recommendations = append([]string(nil), replies...)
	return true
}

func (s *Session) Recommendations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recommendations...)
}

// RecordPlayed appends to the playback log, keeping the newest PlayedCapacity.
func (s *Session) RecordPlayed(p Played) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, p)
	if over := len(s.played) - PlayedCapacity; over > 0 {
		s.played = append([]Played(nil), s.played[over:]...)
	}
}

func (s *Session) Played() []Played {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Played(nil), s.played...)
}

// BindMedia makes ch the session's only media channel, closing any other
// channel bound before it.
func (s *Session) BindMedia(ch MediaChannel) (previous MediaChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.media
	if previous != nil && previous != ch {
		_ = previous.Close()
	}
	s.media = ch
	s.lastActivity = time.Now()
	return previous
}

// UnbindMedia clears ch if it is still the bound channel.
func (s *Session) UnbindMedia(ch MediaChannel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media != ch {
		return false
	}
	s.media = nil
	return true
}

func (s *Session) Media() MediaChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// MarkSummarized returns true only for the first caller.
func (s *Session) MarkSummarized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summarized {
		return false
	}
	s.summarized = true
	return true
}

func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Snapshot is a point-in-time copy used by clients joining late and by tools.
type Snapshot struct {
	ID              string               `json:"callSid"`
	State           State                `json:"state"`
	UserID          string               `json:"userId,omitempty"`
	History         []conversation.Entry `json:"history"`
	Recommendations []string             `json:"recommendations"`
	Played          []Played             `json:"played"`
	CreatedAt       time.Time            `json:"createdAt"`
}

func (s *Session) Snapshot() Snapshot {
	hist := s.History()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:              s.ID,
		State:           s.state,
		UserID:          s.userID,
		History:         hist,
		Recommendations: append([]string(nil), s.recommendations...),
		Played:          append([]Played(nil), s.played...),
		CreatedAt:       s.CreatedAt,
	}
}
