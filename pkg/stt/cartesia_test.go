package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCartesiaStreamsFinalTranscripts(t *testing.T) {
	gotQuery := make(chan url.Values, 1)
	gotKey := make(chan string, 1)
	gotAudio := make(chan []byte, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery <- r.URL.Query()
		gotKey <- r.Header.Get("X-API-Key")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			gotAudio <- data
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","text":"예약","is_final":false}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","text":"예약 가능합니다","is_final":true}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"done"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := NewCartesia(CartesiaConfig{APIKey: "secret", URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := c.Start(ctx, Options{Language: "ko", SampleRate: 8000})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	q := <-gotQuery
	require.Equal(t, "secret", <-gotKey)
	require.Equal(t, "ko", q.Get("language"))
	require.Equal(t, "8000", q.Get("sample_rate"))
	require.Equal(t, "pcm_s16le", q.Get("encoding"))
	require.Equal(t, DefaultCartesiaModel, q.Get("model"))
	require.Empty(t, q.Get("api_key"))

	require.NoError(t, stream.Send([]byte{1, 2, 3, 4}))
	require.Equal(t, []byte{1, 2, 3, 4}, <-gotAudio)

	var results []Result
	for r := range stream.Results() {
		results = append(results, r)
	}
	require.Equal(t, []Result{{Text: "예약", Final: false}, {Text: "예약 가능합니다", Final: true}}, results)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	require.Error(t, stream.Send([]byte{0}))
}

// finalizingServer answers "finalize" with reply, if set, and records the
// text commands it received.
func finalizingServer(t *testing.T, reply ...string) (*httptest.Server, chan string) {
	t.Helper()
	commands := make(chan string, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			commands <- string(data)
			if string(data) == "finalize" {
				for _, msg := range reply {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, commands
}

func TestCartesiaCloseDeliversFinalizedTranscript(t *testing.T) {
	srv, commands := finalizingServer(t,
		`{"type":"transcript","text":"마지막 말","is_final":true}`,
		`{"type":"flush_done"}`,
	)
	c, err := NewCartesia(CartesiaConfig{APIKey: "k", URL: "ws" + strings.TrimPrefix(srv.URL, "http"), FlushTimeout: 2 * time.Second})
	require.NoError(t, err)
	stream, err := c.Start(context.Background(), Options{})
	require.NoError(t, err)
	require.NoError(t, stream.Send([]byte{1, 2}))

	require.NoError(t, stream.Close())
	var results []Result
	for r := range stream.Results() {
		results = append(results, r)
	}
	require.Equal(t, []Result{{Text: "마지막 말", Final: true}}, results)
	require.Equal(t, "finalize", <-commands)
}

func TestCartesiaCloseFlushTimeout(t *testing.T) {
	srv, _ := finalizingServer(t)
	c, err := NewCartesia(CartesiaConfig{APIKey: "k", URL: "ws" + strings.TrimPrefix(srv.URL, "http"), FlushTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	stream, err := c.Start(context.Background(), Options{})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, stream.Close())
	require.Less(t, time.Since(start), time.Second)
	_, open := <-stream.Results()
	require.False(t, open)
}

func TestCartesiaStartFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewCartesia(CartesiaConfig{APIKey: "nope", URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, err)
	_, err = c.Start(context.Background(), Options{})
	require.True(t, errors.Is(err, ErrRecognizerUnavailable))
}

func TestUnavailable(t *testing.T) {
	_, err := Unavailable{Reason: "no api key"}.Start(context.Background(), Options{})
	require.True(t, errors.Is(err, ErrRecognizerUnavailable))
	require.True(t, errors.Is(err, ErrNotConfigured))
}
