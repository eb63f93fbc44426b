package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestSynth(t *testing.T, handler http.HandlerFunc) (*ElevenLabs, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	dir := t.TempDir()
	e, err := NewElevenLabs(ElevenLabsConfig{
		APIKey:    "key",
		BaseURL:   srv.URL,
		OutputDir: dir,
		URLFor:    func(f string) string { return "https://example.com/audio/" + f },
	})
	require.NoError(t, err)
	return e, dir
}

func TestElevenLabsWritesClip(t *testing.T) {
	var gotPath, gotKey, gotFormat string
	var gotBody elevenLabsRequest
	e, dir := newTestSynth(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotFormat = r.URL.Query().Get("output_format")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake-mp3"))
	})

	clip, err := e.Synthesize(context.Background(), "네, 가능할까요?", "voice-1")
	require.NoError(t, err)
	require.Equal(t, "/v1/text-to-speech/voice-1", gotPath)
	require.Equal(t, "key", gotKey)
	require.Equal(t, "mp3_44100_128", gotFormat)
	require.Equal(t, "네, 가능할까요?", gotBody.Text)
	require.Equal(t, DefaultElevenLabsModel, gotBody.ModelID)

	require.FileExists(t, clip.Path)
	require.Equal(t, dir, clip.Path[:len(dir)])
	require.Equal(t, "https://example.com/audio/"+clip.Filename, clip.URL)
	data, err := os.ReadFile(clip.Path)
	require.NoError(t, err)
	require.Equal(t, "ID3fake-mp3", string(data))
}

func TestElevenLabsErrors(t *testing.T) {
	e, dir := newTestSynth(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/text-to-speech/missing" {
			http.Error(w, "voice not found", http.StatusNotFound)
			return
		}
		http.Error(w, "quota", http.StatusUnauthorized)
	})

	_, err := e.Synthesize(context.Background(), "hi", "missing")
	require.True(t, errors.Is(err, ErrInvalidVoice))

	_, err = e.Synthesize(context.Background(), "hi", "voice-1")
	require.True(t, errors.Is(err, ErrSynthesisFailed))

	_, err = e.Synthesize(context.Background(), "  ", "voice-1")
	require.True(t, errors.Is(err, ErrSynthesisFailed))

	_, err = e.Synthesize(context.Background(), "hi", "")
	require.True(t, errors.Is(err, ErrInvalidVoice))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

type prefStore map[string]string

func (p prefStore) VoicePreference(_ context.Context, userID string) (string, error) {
	return p[userID], nil
}

func TestResolverPrecedence(t *testing.T) {
	r := NewResolver(map[string]string{"calm_female": "calm-id", "firm_female": ""}, "default-id", prefStore{"u1": "stored-id"})
	ctx := context.Background()

	require.Equal(t, "calm-id", r.Resolve(ctx, "u1", "calm_female"))
	require.Equal(t, "stored-id", r.Resolve(ctx, "u1", ""))
	require.Equal(t, "stored-id", r.Resolve(ctx, "u1", "unknown"))
	require.Equal(t, "stored-id", r.Resolve(ctx, "u1", "firm_female"))
	require.Equal(t, "default-id", r.Resolve(ctx, "u2", ""))
	require.Equal(t, "default-id", r.Resolve(ctx, "", ""))
	require.Equal(t, []string{"calm_female"}, r.Configured())
}
