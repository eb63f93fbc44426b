package clients

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/callpilot/pkg/conversation"
	"github.com/go-go-golems/callpilot/pkg/events"
	"github.com/go-go-golems/callpilot/pkg/session"
)

const endCallTimeout = 15 * time.Second

// CallEnder terminates a call on behalf of a client.
type CallEnder interface {
	EndCall(ctx context.Context, callSid string) error
}

// Conn is the client side of a websocket.
type Conn interface {
	wsConn
	ReadMessage() (messageType int, p []byte, err error)
}

type Config struct {
	SendBuffer   int
	WriteTimeout time.Duration
	// SpeakQueue bounds pending reply playbacks per client.
	SpeakQueue int
}

// Handler serves interactive client connections.
type Handler struct {
	hub      *Hub
	registry *session.Registry
	speaker  *Speaker
	ender    CallEnder
	cfg      Config
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, registry *session.Registry, speaker *Speaker, ender CallEnder, cfg Config) *Handler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.SpeakQueue <= 0 {
		cfg.SpeakQueue = 8
	}
	return &Handler{
		hub:      hub,
		registry: registry,
		speaker:  speaker,
		ender:    ender,
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "clients").Msg("client websocket upgrade failed")
		return
	}
	h.Serve(r.Context(), conn)
}

type speakJob struct {
	kind   string
	text   string
	preset string
	userID string
	sess   *session.Session
	res    session.Reservation
}

type client struct {
	id   string
	h    *Handler
	out  *Outbox
	jobs chan speakJob

	mu      sync.Mutex
	callSid string
	userID  string
}

// Serve runs a client connection until it closes.
func (h *Handler) Serve(ctx context.Context, conn Conn) {
	id := uuid.NewString()
	c := &client{
		id:   id,
		h:    h,
		out:  NewOutbox(id, conn, h.cfg.SendBuffer, h.cfg.WriteTimeout),
		jobs: make(chan speakJob, h.cfg.SpeakQueue),
	}
	logger := log.With().Str("component", "clients").Str("client_id", c.id).Logger()
	logger.Debug().Msg("client connected")

	// playback started by a client finishes even if it disconnects
	workCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for job := range c.jobs {
			c.runSpeak(workCtx, job)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		cmd, err := parseCommand(data)
		if err != nil {
			sendTo(c.out, errorMessage(c.boundCallSid(), CodeBadRequest, err.Error()))
			continue
		}
		c.dispatch(workCtx, cmd)
	}

	if sid := c.boundCallSid(); sid != "" {
		h.hub.Leave(sid, c.out)
	}
	close(c.jobs)
	_ = c.out.Close()
	wg.Wait()
	logger.Debug().Msg("client disconnected")
}

func (c *client) boundCallSid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callSid
}

func (c *client) bound() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callSid, c.userID
}

func (c *client) dispatch(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case CmdBind:
		c.bind(cmd)
	case CmdSelectReply, CmdSayText:
		c.enqueueSpeak(cmd)
	case CmdEndCall:
		go c.endCall(ctx)
	case CmdPing:
		sendTo(c.out, events.Event{Type: TypePong, CallSid: c.boundCallSid()})
	default:
		sendTo(c.out, errorMessage(c.boundCallSid(), CodeBadRequest, "unknown command "+cmd.Type))
	}
}

func (c *client) bind(cmd Command) {
	sid := strings.TrimSpace(cmd.CallSid)
	if sid == "" {
		sendTo(c.out, errorMessage("", CodeBadRequest, "bind requires callSid"))
		return
	}
	sess, _ := c.h.registry.Upsert(sid)
	if cmd.UserID != "" {
		sess.SetUserID(cmd.UserID)
	}
	sess.Touch(time.Now())

	c.mu.Lock()
	prev := c.callSid
	c.callSid = sid
	if cmd.UserID != "" {
		c.userID = cmd.UserID
	}
	c.mu.Unlock()

	if prev != "" && prev != sid {
		c.h.hub.Leave(prev, c.out)
	}
	c.h.hub.Join(sid, c.out)

	snap := sess.Snapshot()
	sendTo(c.out, events.Event{Type: TypeBound, CallSid: sid, Data: map[string]any{
		"state":           string(snap.State),
		"recommendations": snap.Recommendations,
		"history":         snap.History,
	}})
	log.Info().Str("component", "clients").Str("client_id", c.id).Str("call_sid", sid).Str("user_id", cmd.UserID).Msg("client bound")
}

func (c *client) reject(kind, callSid, code string, err error) {
	if kind == CmdSayText {
		sendTo(c.out, sayResult(callSid, err, code))
		return
	}
	sendTo(c.out, errorMessage(callSid, code, err.Error()))
}

func (c *client) enqueueSpeak(cmd Command) {
	sid, userID := c.bound()
	if sid == "" {
		c.reject(cmd.Type, "", CodeNotBound, ErrNotBound)
		return
	}
	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		c.reject(cmd.Type, sid, CodeBadRequest, errEmptyText)
		return
	}
	sess, ok := c.h.registry.Lookup(sid)
	if !ok {
		c.reject(cmd.Type, sid, CodeCallEnded, session.ErrSessionEnded)
		return
	}
	now := time.Now()
	sess.Touch(now)
	res, ok := sess.Reserve(conversation.RoleCaller, text, now)
	if !ok {
		c.reject(cmd.Type, sid, CodeCallEnded, session.ErrSessionEnded)
		return
	}
	job := speakJob{kind: cmd.Type, text: text, preset: cmd.Voice, userID: userID, sess: sess, res: res}
	select {
	case c.jobs <- job:
	default:
		sess.Discard(res)
		c.reject(cmd.Type, sid, CodeBusy, errSpeakQueueFull)
	}
}

func (c *client) runSpeak(ctx context.Context, job speakJob) {
	_, err := c.h.speaker.Speak(ctx, job.sess, job.userID, job.text, job.preset)
	if err != nil {
		job.sess.Discard(job.res)
		log.Warn().Err(err).Str("component", "clients").Str("call_sid", job.sess.ID).Str("command", job.kind).Msg("reply playback failed")
		c.reject(job.kind, job.sess.ID, errorCode(err), err)
		return
	}
	job.sess.Commit(job.res)
	if job.kind == CmdSayText {
		sendTo(c.out, sayResult(job.sess.ID, nil, ""))
	}
}

func (c *client) endCall(ctx context.Context) {
	sid := c.boundCallSid()
	if sid == "" {
		sendTo(c.out, errorMessage("", CodeNotBound, ErrNotBound.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, endCallTimeout)
	defer cancel()
	if err := c.h.ender.EndCall(ctx, sid); err != nil {
		log.Warn().Err(err).Str("component", "clients").Str("call_sid", sid).Msg("end call failed")
		sendTo(c.out, errorMessage(sid, CodeEndCallFailed, err.Error()))
	}
}
