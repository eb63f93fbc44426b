package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/callpilot/pkg/events"
	"github.com/go-go-golems/callpilot/pkg/session"
)

// TriggerSummary is called when a media stream stops. Replacing a call's
// instructions for playback restarts its stream, so the summary only runs if
// no new stream is bound after the grace period.
func (c *Coordinator) TriggerSummary(callSid string) {
	if !c.track() {
		log.Warn().Str("component", "lifecycle").Str("call_sid", callSid).Msg("shutting down, summary trigger ignored")
		return
	}
	time.AfterFunc(c.summaryGrace, func() {
		defer c.wg.Done()
		sess, ok := c.Registry.Get(callSid)
		if !ok || sess.IsCompleted() {
			return
		}
		if sess.Media() != nil {
			log.Debug().Str("component", "lifecycle").Str("call_sid", callSid).Msg("stream resumed, summary deferred")
			return
		}
		c.summarize(context.Background(), sess)
	})
}

// summarize runs at most once per session.
func (c *Coordinator) summarize(ctx context.Context, sess *session.Session) {
	history := sess.History()
	if len(history) == 0 || c.Summarizer == nil {
		return
	}
	if !sess.MarkSummarized() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.summaryTimeout)
	defer cancel()

	text, err := c.Summarizer.Summarize(ctx, history)
	if err != nil {
		log.Warn().Err(err).Str("component", "lifecycle").Str("call_sid", sess.ID).Msg("summary failed")
		return
	}
	if c.Store != nil {
		if err := c.Store.SaveSummary(ctx, sess.ID, text); err != nil {
			log.Warn().Err(err).Str("component", "lifecycle").Str("call_sid", sess.ID).Msg("save summary failed")
		}
	}
	c.publish(ctx, events.SummaryReady(sess.ID, text))
	log.Info().Str("component", "lifecycle").Str("call_sid", sess.ID).Int("entries", len(history)).Msg("call summarized")
}
