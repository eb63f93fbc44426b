package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/callpilot/pkg/llm"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New("k", srv.URL+"/v1", "")
	require.NoError(t, err)
	return c
}

func TestCompleteBuildsMessages(t *testing.T) {
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" 1. 네\n2. 아니요 "}}]}`))
	})

	out, err := c.Complete(context.Background(), llm.Request{System: "sys", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "1. 네\n2. 아니요", out)
	require.Equal(t, "/v1/chat/completions", path)
	require.Equal(t, DefaultModel, req.Model)
	require.Len(t, req.Messages, 2)
	require.Equal(t, "system", req.Messages[0].Role)
	require.Equal(t, "hi", req.Messages[1].Content)
}

func TestCompleteErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		code := int(status.Load())
		if code == http.StatusOK {
			_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
			return
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
	})

	_, err := c.Complete(context.Background(), llm.Request{Prompt: "hi"})
	require.True(t, errors.Is(err, llm.ErrRateLimited), "%v", err)

	status.Store(http.StatusInternalServerError)
	_, err = c.Complete(context.Background(), llm.Request{Prompt: "hi"})
	require.True(t, errors.Is(err, llm.ErrProviderError), "%v", err)

	status.Store(http.StatusOK)
	_, err = c.Complete(context.Background(), llm.Request{Prompt: "hi"})
	require.True(t, errors.Is(err, llm.ErrEmptyResponse), "%v", err)
}
