package clients

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/callpilot/pkg/conversation"
	"github.com/go-go-golems/callpilot/pkg/events"
	"github.com/go-go-golems/callpilot/pkg/session"
	"github.com/go-go-golems/callpilot/pkg/telephony"
	"github.com/go-go-golems/callpilot/pkg/voice"
)

type fakeSynth struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSynth) Synthesize(_ context.Context, text, voiceID string) (voice.Clip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, voiceID+"|"+text)
	if f.err != nil {
		return voice.Clip{}, f.err
	}
	name := "clip.mp3"
	return voice.Clip{Filename: name, URL: "https://example.com/audio/" + name}, nil
}

type fakeController struct {
	mu      sync.Mutex
	actions []telephony.Action
}

func (f *fakeController) UpdateCall(_ context.Context, _ string, a telephony.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return nil
}

func (f *fakeController) Dial(context.Context, telephony.DialRequest) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeController) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actions)
}

type fakeEnder struct {
	mu    sync.Mutex
	ended []string
	err   error
}

func (f *fakeEnder) EndCall(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sid)
	return f.err
}

type staticVoices string

func (s staticVoices) Resolve(context.Context, string, string) string { return string(s) }

type harness struct {
	hub      *Hub
	registry *session.Registry
	synth    *fakeSynth
	calls    *fakeController
	ender    *fakeEnder
	url      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		hub:      NewHub(0),
		registry: session.NewRegistry(),
		synth:    &fakeSynth{},
		calls:    &fakeController{},
		ender:    &fakeEnder{},
	}
	handler := NewHandler(h.hub, h.registry, NewSpeaker(h.synth, staticVoices("default-voice"), h.calls), h.ender, Config{})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd Command) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

func read(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

// expectSilence asserts nothing arrives within a short window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message %s", string(data))
}

func bind(t *testing.T, conn *websocket.Conn, sid, user string) events.Event {
	t.Helper()
	send(t, conn, Command{Type: CmdBind, CallSid: sid, UserID: user})
	ev := read(t, conn)
	require.Equal(t, TypeBound, ev.Type)
	return ev
}

func TestSelectReplyPlaysOnceForTwoClients(t *testing.T) {
	h := newHarness(t)
	a, b := h.dial(t), h.dial(t)
	bind(t, a, "CA1", "u1")
	bind(t, b, "CA1", "u1")
	require.Eventually(t, func() bool { return h.hub.Count("CA1") == 2 }, time.Second, 5*time.Millisecond)

	send(t, a, Command{Type: CmdSelectReply, Text: "네, 가능할까요?"})

	require.Eventually(t, func() bool { return h.calls.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	sess, ok := h.registry.Get("CA1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(sess.History()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, conversation.RoleCaller, sess.History()[0].Role)
	require.Len(t, sess.Played(), 1)

	h.calls.mu.Lock()
	require.Equal(t, telephony.ActionPlay, h.calls.actions[0].Kind)
	require.Equal(t, "https://example.com/audio/clip.mp3", h.calls.actions[0].AudioURL)
	h.calls.mu.Unlock()

	expectSilence(t, a)
	expectSilence(t, b)
	require.Equal(t, 1, h.calls.count())
}

func TestBroadcastReachesBoundClients(t *testing.T) {
	h := newHarness(t)
	a, b, other := h.dial(t), h.dial(t), h.dial(t)
	bind(t, a, "CA1", "")
	bind(t, b, "CA1", "")
	bind(t, other, "CA2", "")
	require.Eventually(t, func() bool { return h.hub.Count("CA1") == 2 }, time.Second, 5*time.Millisecond)

	h.hub.Deliver(events.Transcript("CA1", "예약 가능합니다", conversation.RoleOperator))

	for _, c := range []*websocket.Conn{a, b} {
		ev := read(t, c)
		require.Equal(t, events.TypeTranscript, ev.Type)
		require.Equal(t, "예약 가능합니다", ev.Data["text"])
	}
	expectSilence(t, other)
}

func TestBindReturnsCurrentRecommendations(t *testing.T) {
	h := newHarness(t)
	sess, _ := h.registry.Upsert("CA1")
	seq, _ := sess.NextRecommendationSeq()
	sess.ApplyRecommendations(seq, []string{"a", "b", "c"})

	ev := bind(t, h.dial(t), "CA1", "u1")
	require.Equal(t, []any{"a", "b", "c"}, ev.Data["recommendations"])
	require.Equal(t, "dialing", ev.Data["state"])
	require.Equal(t, "u1", sess.UserID())
}

func TestRebindMovesClient(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	bind(t, c, "CA1", "")
	bind(t, c, "CA2", "")
	require.Eventually(t, func() bool { return h.hub.Count("CA1") == 0 && h.hub.Count("CA2") == 1 }, time.Second, 5*time.Millisecond)
}

func TestUnboundCommandsRejected(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	send(t, c, Command{Type: CmdSelectReply, Text: "네"})
	ev := read(t, c)
	require.Equal(t, TypeError, ev.Type)
	require.Equal(t, CodeNotBound, ev.Data["code"])

	send(t, c, Command{Type: CmdSayText, Text: "네"})
	ev = read(t, c)
	require.Equal(t, TypeSayResult, ev.Type)
	require.Equal(t, false, ev.Data["ok"])
	require.Equal(t, CodeNotBound, ev.Data["code"])

	send(t, c, Command{Type: CmdEndCall})
	ev = read(t, c)
	require.Equal(t, CodeNotBound, ev.Data["code"])

	require.Equal(t, 0, h.calls.count())
}

func TestSayTextResult(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	bind(t, c, "CA1", "")

	send(t, c, Command{Type: CmdSayText, Text: "  지금 갈게요  "})
	ev := read(t, c)
	require.Equal(t, TypeSayResult, ev.Type)
	require.Equal(t, true, ev.Data["ok"])

	h.synth.mu.Lock()
	require.Equal(t, []string{"default-voice|지금 갈게요"}, h.synth.calls)
	h.synth.mu.Unlock()
}

func TestSayTextSynthesisFailure(t *testing.T) {
	h := newHarness(t)
	h.synth.err = errors.Wrap(voice.ErrSynthesisFailed, "quota")
	c := h.dial(t)
	bind(t, c, "CA1", "")

	send(t, c, Command{Type: CmdSayText, Text: "지금 갈게요"})
	ev := read(t, c)
	require.Equal(t, TypeSayResult, ev.Type)
	require.Equal(t, false, ev.Data["ok"])
	require.Equal(t, CodeSynthesisFailed, ev.Data["code"])

	sess, _ := h.registry.Get("CA1")
	require.Empty(t, sess.History())
	require.Equal(t, 0, h.calls.count())
}

func TestEndCallFailureReported(t *testing.T) {
	h := newHarness(t)
	h.ender.err = errors.New("provider down")
	c := h.dial(t)
	bind(t, c, "CA1", "")

	send(t, c, Command{Type: CmdEndCall})
	ev := read(t, c)
	require.Equal(t, TypeError, ev.Type)
	require.Equal(t, CodeEndCallFailed, ev.Data["code"])
	h.ender.mu.Lock()
	require.Equal(t, []string{"CA1"}, h.ender.ended)
	h.ender.mu.Unlock()
}

func TestPingAndBadCommands(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	send(t, c, Command{Type: CmdPing})
	require.Equal(t, TypePong, read(t, c).Type)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	ev := read(t, c)
	require.Equal(t, CodeBadRequest, ev.Data["code"])

	send(t, c, Command{Type: "dance"})
	ev = read(t, c)
	require.Equal(t, CodeBadRequest, ev.Data["code"])
}
