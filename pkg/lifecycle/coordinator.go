// Package lifecycle drives a call from dial to teardown: it reacts to the
// provider's status callbacks and operator hang-ups, finalizes sessions and
// runs the end-of-call summary.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/callpilot/pkg/callstore"
	"github.com/go-go-golems/callpilot/pkg/conversation"
	"github.com/go-go-golems/callpilot/pkg/events"
	"github.com/go-go-golems/callpilot/pkg/session"
	"github.com/go-go-golems/callpilot/pkg/telephony"
	"github.com/go-go-golems/callpilot/pkg/voice"
)

const (
	DefaultSummaryGrace   = 3 * time.Second
	DefaultSummaryTimeout = 30 * time.Second
	DefaultClientLinger   = 10 * time.Second
)

type Summarizer interface {
	Summarize(ctx context.Context, history []conversation.Entry) (string, error)
}

type VoiceResolver interface {
	Resolve(ctx context.Context, userID, preset string) string
}

// ClientCloser disconnects the interactive clients of a call.
type ClientCloser interface {
	CloseCall(callSid string)
}

type Deps struct {
	Registry   *session.Registry
	Calls      telephony.Controller
	Publisher  events.Publisher
	Summarizer Summarizer
	// Store is optional.
	Store     callstore.Store
	Synth     voice.Synthesizer
	Voices    VoiceResolver
	Endpoints telephony.Endpoints
	// Clients is optional.
	Clients ClientCloser
}

type Coordinator struct {
	Deps

	summaryGrace   time.Duration
	summaryTimeout time.Duration
	clientLinger   time.Duration
	now            func() time.Time

	// wgMu orders wg.Add against Wait.
	wgMu    sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

type Option func(*Coordinator)

// WithSummaryGrace sets how long a stopped media stream waits for a
// replacement before the call is summarized.
func WithSummaryGrace(d time.Duration) Option {
	return func(c *Coordinator) { c.summaryGrace = d }
}

func WithSummaryTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.summaryTimeout = d }
}

// WithClientLinger sets how long clients stay connected after teardown so
// they receive the summary.
func WithClientLinger(d time.Duration) Option {
	return func(c *Coordinator) { c.clientLinger = d }
}

func New(d Deps, opts ...Option) *Coordinator {
	c := &Coordinator{
		Deps:           d,
		summaryGrace:   DefaultSummaryGrace,
		summaryTimeout: DefaultSummaryTimeout,
		clientLinger:   DefaultClientLinger,
		now:            time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HandleStatus applies a provider status callback.
func (c *Coordinator) HandleStatus(ctx context.Context, u telephony.StatusUpdate) error {
	c.recordStatus(ctx, u.CallSid, u.RawStatus)

	if u.State == session.StateCompleted {
		reason := events.EndReasonRemote
		if u.Failed {
			reason = events.EndReasonFailed
		}
		err := c.Finalize(ctx, u.CallSid, reason)
		if errors.Is(err, session.ErrSessionNotFound) {
			log.Warn().Str("component", "lifecycle").Str("call_sid", u.CallSid).Str("status", u.RawStatus).Msg("completion for unknown call ignored")
			return nil
		}
		return err
	}

	sess, _ := c.Registry.Upsert(u.CallSid)
	if sess.IsCompleted() {
		log.Debug().Str("component", "lifecycle").Str("call_sid", u.CallSid).Str("status", u.RawStatus).Msg("late status for finished call")
		return nil
	}
	sess.Touch(c.now())
	sess.Emit(func() {
		if !sess.Advance(u.State) {
			return
		}
		log.Info().Str("component", "lifecycle").Str("call_sid", u.CallSid).Str("state", string(u.State)).Msg("call state changed")
		var ev events.Event
		switch u.State {
		case session.StateRinging:
			ev = events.CallRinging(u.CallSid)
		case session.StateInProgress:
			ev = events.CallAccepted(u.CallSid)
		default:
			return
		}
		c.publish(ctx, ev)
	})
	return nil
}

// EndCall hangs up a call on the operator's request.
func (c *Coordinator) EndCall(ctx context.Context, callSid string) error {
	if _, ok := c.Registry.Get(callSid); !ok {
		return errors.Wrapf(session.ErrSessionNotFound, "end call %s", callSid)
	}
	if err := c.Calls.UpdateCall(ctx, callSid, telephony.Terminate()); err != nil {
		return errors.Wrap(err, "terminate call")
	}
	log.Info().Str("component", "lifecycle").Str("call_sid", callSid).Msg("call terminated by operator")
	return c.Finalize(ctx, callSid, events.EndReasonOperator)
}

// Finalize completes the session, announces the end of the call and starts
// teardown. Finalizing an already finished call is a no-op.
func (c *Coordinator) Finalize(ctx context.Context, callSid, reason string) error {
	sess, ok := c.Registry.Get(callSid)
	if !ok {
		if _, ended := c.Registry.Lookup(callSid); ended {
			return nil
		}
		return errors.Wrapf(session.ErrSessionNotFound, "finalize %s", callSid)
	}
	var first bool
	sess.Emit(func() {
		first = sess.Complete()
		if first {
			c.publish(ctx, events.CallEnded(callSid, reason))
		}
	})
	if !first {
		return nil
	}
	log.Info().Str("component", "lifecycle").Str("call_sid", callSid).Str("reason", reason).Msg("call finalized")

	if !c.track() {
		c.teardown(context.WithoutCancel(ctx), sess, reason)
		return nil
	}
	go func() {
		defer c.wg.Done()
		c.teardown(context.WithoutCancel(ctx), sess, reason)
	}()
	return nil
}

// Evict is the registry's idle eviction callback.
func (c *Coordinator) Evict(sess *session.Session) {
	if err := c.Finalize(context.Background(), sess.ID, events.EndReasonFailed); err != nil {
		log.Warn().Err(err).Str("component", "lifecycle").Str("call_sid", sess.ID).Msg("evict finalize failed")
		c.Registry.Purge(sess.ID)
	}
}

func (c *Coordinator) teardown(ctx context.Context, sess *session.Session, reason string) {
	history := sess.History()
	if c.Store != nil {
		err := c.Store.SaveOutcome(ctx, sess.ID, callstore.Outcome{EndReason: reason, History: history, EndedAt: c.now()})
		if err != nil {
			log.Warn().Err(err).Str("component", "lifecycle").Str("call_sid", sess.ID).Msg("save call outcome failed")
		}
	}
	c.summarize(ctx, sess)
	c.Registry.Purge(sess.ID)

	if c.Clients != nil {
		sid := sess.ID
		time.AfterFunc(c.clientLinger, func() { c.Clients.CloseCall(sid) })
	}
}

// track registers one piece of background work. It refuses once Shutdown
// has been called.
func (c *Coordinator) track() bool {
	c.wgMu.Lock()
	defer c.wgMu.Unlock()
	if c.closing {
		return false
	}
	c.wg.Add(1)
	return true
}

// Wait blocks until running teardowns and pending summaries finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown stops accepting background work and waits for what is running.
// Calls finalized afterwards tear down synchronously; summary triggers are
// dropped.
func (c *Coordinator) Shutdown() {
	c.wgMu.Lock()
	c.closing = true
	c.wgMu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) recordStatus(ctx context.Context, callSid, status string) {
	if c.Store == nil {
		return
	}
	if err := c.Store.UpdateStatus(ctx, callSid, status, c.now()); err != nil && !errors.Is(err, callstore.ErrNotFound) {
		log.Warn().Err(err).Str("component", "lifecycle").Str("call_sid", callSid).Msg("update call status failed")
	}
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) {
	if err := c.Publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("component", "lifecycle").Str("call_sid", ev.CallSid).Str("type", string(ev.Type)).Msg("publish failed")
	}
}
