package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/callpilot/pkg/llm"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), "k", "test-model", WithBaseURL(srv.URL+"/"))
	require.NoError(t, err)
	return c
}

func TestCompleteSendsPromptAndSystem(t *testing.T) {
	var body map[string]any
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"  네 가능합니다  "}]}}]}`))
	})

	out, err := c.Complete(context.Background(), llm.Request{System: "sys", Prompt: "hello", MaxTokens: 50})
	require.NoError(t, err)
	require.Equal(t, "네 가능합니다", out)
	require.True(t, strings.HasSuffix(path, "/models/test-model:generateContent"), path)
	require.Contains(t, body, "systemInstruction")
	require.Contains(t, body, "contents")
}

func TestCompleteRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	})

	_, err := c.Complete(context.Background(), llm.Request{Prompt: "hello"})
	require.Error(t, err)
	require.True(t, errors.Is(err, llm.ErrRateLimited), err.Error())
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(context.Background(), " ", "")
	require.Error(t, err)
}
