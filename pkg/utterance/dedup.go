// Package utterance filters repeated or fragmentary recognizer output.
package utterance

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	DefaultWindow = 4 * time.Second
	// DefaultFragmentRunes is the longest text treated as a fragment.
	DefaultFragmentRunes = 3
)

// Deduplicator decides whether a final recognition result should be kept.
// It holds state for one media channel; only accepted utterances move it forward.
type Deduplicator struct {
	mu            sync.Mutex
	window        time.Duration
	fragmentRunes int
	lastText      string
	lastAt        time.Time
	seen          bool
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{window: DefaultWindow, fragmentRunes: DefaultFragmentRunes}
}

// WithWindow overrides the suppression window.
func (d *Deduplicator) WithWindow(w time.Duration) *Deduplicator {
	d.mu.Lock()
	d.window = w
	d.mu.Unlock()
	return d
}

// Accept reports whether text recognized at the given time is a new utterance.
// Identical text inside the window is dropped, as is any short fragment that
// follows an accepted utterance inside the window.
func (d *Deduplicator) Accept(text string, at time.Time) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen {
		within := at.Sub(d.lastAt) < d.window
		if within && text == d.lastText {
			return false
		}
		if within && utf8.RuneCountInString(text) <= d.fragmentRunes {
			return false
		}
	}

	d.lastText = text
	d.lastAt = at
	d.seen = true
	return true
}

// Reset forgets the last accepted utterance.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	d.lastText = ""
	d.lastAt = time.Time{}
	d.seen = false
	d.mu.Unlock()
}
