package media

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/callpilot/pkg/audio"
	"github.com/go-go-golems/callpilot/pkg/conversation"
	"github.com/go-go-golems/callpilot/pkg/events"
	"github.com/go-go-golems/callpilot/pkg/session"
	"github.com/go-go-golems/callpilot/pkg/stt"
	"github.com/go-go-golems/callpilot/pkg/telephony"
)

type channelState int

const (
	stateAwaitingBind channelState = iota
	stateBound
	stateClosed
)

// channel is one media socket. It implements session.MediaChannel.
type channel struct {
	id     string
	b      *Bridge
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
	// work outlives the socket so in-flight reply generation can finish.
	work context.Context

	mu          sync.Mutex
	state       channelState
	sess        *session.Session
	stream      stt.Stream
	recognizing bool
	dropped     int

	frames         chan []byte
	recognizerDone chan struct{}
	stopOnce       sync.Once
}

func (b *Bridge) newChannel(ctx context.Context, conn Conn) *channel {
	cctx, cancel := context.WithCancel(ctx)
	return &channel{
		id:     uuid.NewString(),
		b:      b,
		conn:   conn,
		ctx:    cctx,
		cancel: cancel,
		work:   context.WithoutCancel(ctx),
		frames: make(chan []byte, b.cfg.FrameQueue),

		recognizerDone: make(chan struct{}),
	}
}

func (ch *channel) ID() string { return ch.id }

// Close disconnects the socket. The read loop then stops the channel.
func (ch *channel) Close() error {
	return ch.conn.Close()
}

func (ch *channel) session() *session.Session {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.sess
}

func (ch *channel) handle(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "media").Str("channel_id", ch.id).Interface("panic", r).Msg("media frame handler panicked")
		}
	}()
	msg, err := telephony.ParseStreamMessage(raw)
	if err != nil {
		log.Debug().Err(err).Str("component", "media").Str("channel_id", ch.id).Msg("ignoring undecodable media message")
		return
	}
	switch msg.Event {
	case telephony.EventStart:
		if sid := msg.CallID(); sid != "" {
			ch.bind(sid)
		}
	case telephony.EventMedia:
		ch.ingest(msg.Media)
	case telephony.EventStop:
		ch.stop("stream stopped")
	}
}

// bind attaches the channel to callSid, displacing any other channel bound to
// that session.
func (ch *channel) bind(callSid string) {
	ch.mu.Lock()
	if ch.state == stateClosed || (ch.sess != nil && ch.sess.ID == callSid) {
		ch.mu.Unlock()
		return
	}
	sess, _ := ch.b.registry.Upsert(callSid)
	if sess.IsCompleted() {
		ch.mu.Unlock()
		log.Info().Str("component", "media").Str("call_sid", callSid).Msg("media for finished call, closing socket")
		_ = ch.Close()
		return
	}
	prev := ch.sess
	ch.sess = sess
	ch.state = stateBound
	start := !ch.recognizing
	ch.recognizing = true
	ch.mu.Unlock()

	if prev != nil {
		prev.UnbindMedia(ch)
	}
	if displaced := sess.BindMedia(ch); displaced != nil && displaced != session.MediaChannel(ch) {
		log.Info().Str("component", "media").Str("call_sid", callSid).Str("displaced", displaced.ID()).Msg("replaced older media socket")
	}
	log.Info().Str("component", "media").Str("call_sid", callSid).Str("channel_id", ch.id).Msg("media socket bound")
	if start {
		go ch.runRecognizer()
	}
}

// ingest decodes a frame and queues it for the recognizer without blocking.
func (ch *channel) ingest(m *telephony.StreamMedia) {
	if m == nil || m.Payload == "" || m.Track == "outbound" {
		return
	}
	pcm, err := audio.DecodeFrame(m.Payload)
	if err != nil {
		log.Debug().Err(err).Str("component", "media").Str("channel_id", ch.id).Msg("skipping malformed frame")
		return
	}
	if sess := ch.session(); sess != nil {
		sess.Touch(ch.b.now())
	}
	select {
	case ch.frames <- pcm:
	default:
		ch.mu.Lock()
		ch.dropped++
		n := ch.dropped
		ch.mu.Unlock()
		if n == 1 || n%250 == 0 {
			log.Warn().Str("component", "media").Str("channel_id", ch.id).Int("dropped", n).Msg("recognizer backlog full, dropping frames")
		}
	}
}

// runRecognizer keeps a recognizer stream attached while the channel is
// bound. A stream that fails is closed and replaced after a backoff.
func (ch *channel) runRecognizer() {
	defer close(ch.recognizerDone)
	backoff := ch.b.cfg.RestartBackoff
	for {
		started := ch.b.now()
		stream, err := ch.b.stt.Start(ch.ctx, stt.Options{
			Language:   ch.b.cfg.Language,
			SampleRate: audio.SampleRate,
			Encoding:   "pcm_s16le",
		})
		switch {
		case errors.Is(err, stt.ErrNotConfigured):
			log.Warn().Err(err).Str("component", "media").Str("channel_id", ch.id).Msg("no speech recognizer, continuing without transcripts")
			return
		case err != nil:
			if ch.ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("component", "media").Str("channel_id", ch.id).Dur("retry_in", backoff).Msg("recognizer failed to start")
		default:
			if !ch.attach(stream) {
				_ = stream.Close()
				return
			}
			consumed := make(chan struct{})
			go func() {
				defer close(consumed)
				ch.consumeResults(stream)
			}()
			ch.feed(stream, consumed)
			if ch.ctx.Err() != nil {
				// stop closes the stream; its flushed finals still arrive.
				<-consumed
				return
			}
			ch.detach(stream)
			if err := stream.Close(); err != nil {
				log.Debug().Err(err).Str("component", "media").Str("channel_id", ch.id).Msg("recognizer close")
			}
			<-consumed
			if ch.b.now().Sub(started) >= ch.b.cfg.MaxRestartBackoff {
				backoff = ch.b.cfg.RestartBackoff
			}
			log.Warn().Str("component", "media").Str("channel_id", ch.id).Dur("retry_in", backoff).Msg("recognizer stream lost, restarting")
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ch.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > ch.b.cfg.MaxRestartBackoff {
			backoff = ch.b.cfg.MaxRestartBackoff
		}
	}
}

func (ch *channel) attach(stream stt.Stream) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == stateClosed {
		return false
	}
	ch.stream = stream
	return true
}

func (ch *channel) detach(stream stt.Stream) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.stream == stream {
		ch.stream = nil
	}
}

// feed forwards queued frames until the channel stops, a send fails or the
// provider ends the stream.
func (ch *channel) feed(stream stt.Stream, consumed <-chan struct{}) {
	for {
		select {
		case <-ch.ctx.Done():
			return
		case <-consumed:
			log.Warn().Str("component", "media").Str("channel_id", ch.id).Msg("recognizer ended the stream")
			return
		case pcm := <-ch.frames:
			if err := stream.Send(pcm); err != nil {
				log.Warn().Err(err).Str("component", "media").Str("channel_id", ch.id).Msg("recognizer feed failed")
				return
			}
		}
	}
}

func (ch *channel) consumeResults(stream stt.Stream) {
	for res := range stream.Results() {
		if !res.Final {
			continue
		}
		ch.onFinal(res.Text, ch.b.now())
	}
}

// onFinal handles one final recognition result.
func (ch *channel) onFinal(text string, at time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	sess := ch.session()
	if sess == nil {
		log.Debug().Str("component", "media").Str("channel_id", ch.id).Msg("transcript before bind dropped")
		return
	}
	if !sess.AcceptUtterance(text, at) {
		log.Debug().Str("component", "media").Str("call_sid", sess.ID).Str("text", text).Msg("duplicate utterance suppressed")
		return
	}

	prior := sess.History()
	var (
		seq uint64
		ok  bool
	)
	sess.Emit(func() {
		if !sess.AppendHistory(conversation.RoleOperator, text, at) {
			return
		}
		if err := ch.b.publisher.Publish(ch.work, events.Transcript(sess.ID, text, conversation.RoleOperator)); err != nil {
			log.Warn().Err(err).Str("component", "media").Str("call_sid", sess.ID).Msg("publish transcript failed")
		}
		seq, ok = sess.NextRecommendationSeq()
	})
	if !ok {
		return
	}
	log.Info().Str("component", "media").Str("call_sid", sess.ID).Str("text", text).Msg("operator utterance")
	go ch.recommend(sess, seq, prior, text)
}

func (ch *channel) recommend(sess *session.Session, seq uint64, history []conversation.Entry, latest string) {
	ctx, cancel := context.WithTimeout(ch.work, ch.b.cfg.ReplyTimeout)
	defer cancel()
	replies, err := ch.b.replies.Generate(ctx, history, latest)
	if err != nil {
		log.Warn().Err(err).Str("component", "media").Str("call_sid", sess.ID).Uint64("seq", seq).Msg("reply generation failed")
		return
	}
	sess.Emit(func() {
		if !sess.ApplyRecommendations(seq, replies) {
			log.Debug().Str("component", "media").Str("call_sid", sess.ID).Uint64("seq", seq).Msg("discarding stale recommendations")
			return
		}
		if err := ch.b.publisher.Publish(ch.work, events.Recommendations(sess.ID, replies, seq)); err != nil {
			log.Warn().Err(err).Str("component", "media").Str("call_sid", sess.ID).Msg("publish recommendations failed")
		}
	})
}

// stop releases the recognizer and unbinds the session. It is idempotent.
func (ch *channel) stop(reason string) {
	ch.stopOnce.Do(func() {
		ch.mu.Lock()
		ch.state = stateClosed
		sess := ch.sess
		stream := ch.stream
		ch.stream = nil
		recognizing := ch.recognizing
		ch.mu.Unlock()

		ch.cancel()
		if stream != nil {
			if err := stream.Close(); err != nil {
				log.Debug().Err(err).Str("component", "media").Str("channel_id", ch.id).Msg("recognizer close")
			}
		}
		if recognizing {
			// finals flushed by Close land in history before the summary runs
			<-ch.recognizerDone
		}
		if sess == nil {
			log.Debug().Str("component", "media").Str("channel_id", ch.id).Str("reason", reason).Msg("unbound media socket stopped")
			return
		}
		sess.UnbindMedia(ch)
		log.Info().Str("component", "media").Str("call_sid", sess.ID).Str("channel_id", ch.id).Str("reason", reason).Msg("media stream stopped")
		if ch.b.summaries != nil && len(sess.History()) > 0 {
			ch.b.summaries.TriggerSummary(sess.ID)
		}
	})
}

var _ session.MediaChannel = (*channel)(nil)
