// Package media terminates the provider's call audio websocket, feeds the
// speech recognizer and turns final transcripts into session events.
package media

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/callpilot/pkg/conversation"
	"github.com/go-go-golems/callpilot/pkg/events"
	"github.com/go-go-golems/callpilot/pkg/session"
	"github.com/go-go-golems/callpilot/pkg/stt"
)

const (
	defaultFrameQueue        = 250 // 5s of 20ms frames
	defaultReplyTimeout      = 20 * time.Second
	defaultRestartBackoff    = 500 * time.Millisecond
	defaultMaxRestartBackoff = 30 * time.Second
)

// ReplyGenerator produces reply suggestions for the latest operator utterance.
type ReplyGenerator interface {
	Generate(ctx context.Context, history []conversation.Entry, latest string) ([]string, error)
}

// SummaryTrigger is told when a session's audio stream stopped.
type SummaryTrigger interface {
	TriggerSummary(callSid string)
}

// Conn is the server side of the media websocket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type Config struct {
	Language     string
	FrameQueue   int
	ReplyTimeout time.Duration
	// RestartBackoff is the first delay before a failed recognizer is
	// restarted. It doubles up to MaxRestartBackoff.
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
}

type Bridge struct {
	registry  *session.Registry
	stt       stt.Provider
	replies   ReplyGenerator
	publisher events.Publisher
	summaries SummaryTrigger
	cfg       Config
	now       func() time.Time
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	closing  bool
	channels map[*channel]struct{}
	active   sync.WaitGroup
}

func NewBridge(registry *session.Registry, recognizer stt.Provider, replies ReplyGenerator, publisher events.Publisher, summaries SummaryTrigger, cfg Config) *Bridge {
	if cfg.Language == "" {
		cfg.Language = "ko"
	}
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = defaultFrameQueue
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = defaultRestartBackoff
	}
	if cfg.MaxRestartBackoff < cfg.RestartBackoff {
		cfg.MaxRestartBackoff = defaultMaxRestartBackoff
		if cfg.MaxRestartBackoff < cfg.RestartBackoff {
			cfg.MaxRestartBackoff = cfg.RestartBackoff
		}
	}
	return &Bridge{
		registry:  registry,
		stt:       recognizer,
		replies:   replies,
		publisher: publisher,
		summaries: summaries,
		cfg:       cfg,
		now:       time.Now,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		channels:  map[*channel]struct{}{},
	}
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "media").Msg("media websocket upgrade failed")
		return
	}
	b.Serve(r.Context(), conn, r.URL.Query().Get("callSid"))
}

// Serve handles one media socket until it closes. callSid may be empty, in
// which case the stream's start frame binds it.
func (b *Bridge) Serve(ctx context.Context, conn Conn, callSid string) {
	ch := b.newChannel(ctx, conn)
	if !b.track(ch) {
		log.Debug().Str("component", "media").Str("call_sid", callSid).Msg("shutting down, refusing media socket")
		_ = conn.Close()
		return
	}
	defer b.untrack(ch)
	log.Debug().Str("component", "media").Str("channel_id", ch.id).Str("call_sid", callSid).Msg("media socket opened")
	if callSid != "" {
		ch.bind(callSid)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		ch.handle(data)
	}
	ch.stop("socket closed")
}

func (b *Bridge) track(ch *channel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.channels[ch] = struct{}{}
	b.active.Add(1)
	return true
}

func (b *Bridge) untrack(ch *channel) {
	b.mu.Lock()
	delete(b.channels, ch)
	b.mu.Unlock()
	b.active.Done()
}

// Shutdown closes every media socket and waits until their channels have
// stopped, so stream-stop summaries are triggered before the caller drains
// background work. New sockets are refused afterwards.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closing = true
	open := make([]*channel, 0, len(b.channels))
	for ch := range b.channels {
		open = append(open, ch)
	}
	b.mu.Unlock()

	for _, ch := range open {
		_ = ch.Close()
	}
	done := make(chan struct{})
	go func() {
		b.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "media sockets did not stop")
	}
}
