package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func load(t *testing.T, args ...string) (Settings, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(append([]string{"--env-file", ""}, args...)))
	return Load(viper.New(), fs)
}

func TestDefaults(t *testing.T) {
	s, err := load(t)
	require.NoError(t, err)
	require.Equal(t, ":3003", s.Addr)
	require.Equal(t, "./audio", s.AudioDir)
	require.Equal(t, "ko", s.STT.Language)
	require.Equal(t, "gemini", s.LLM.Provider)
	require.Equal(t, 1500, s.LLM.HistoryTokenBudget)
	require.Equal(t, 30*time.Minute, s.Sessions.EvictIdle)
	require.False(t, s.Redis.Enabled)
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "callpilot.yaml")
	require.NoError(t, os.WriteFile(file, []byte("addr: \":4000\"\nstt-language: en\nredis-enabled: true\n"), 0o644))
	t.Setenv("CALLPILOT_STT_LANGUAGE", "ja")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")

	s, err := load(t, "--config", file, "--gemini-model", "gemini-pro")
	require.NoError(t, err)
	require.Equal(t, ":4000", s.Addr)
	require.Equal(t, "ja", s.STT.Language)
	require.True(t, s.Redis.Enabled)
	require.Equal(t, "gemini-pro", s.LLM.GeminiModel)
	require.Equal(t, "secret", s.Twilio.AuthToken)
}

func TestEnvFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte("CALLPILOT_PUBLIC_HOST=calls.example.com\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("CALLPILOT_PUBLIC_HOST") })

	s, err := load(t, "--env-file", file)
	require.NoError(t, err)
	require.Equal(t, "https://calls.example.com", s.PublicBaseURL())
}

func TestVoicePresets(t *testing.T) {
	s, err := load(t, "--voice-preset", "calm_female=v-calm", "--voice-preset", "warm_female=v-warm")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"calm_female": "v-calm", "warm_female": "v-warm"}, s.Voice.Presets)

	_, err = load(t, "--voice-preset", "loud_male=v1")
	require.Error(t, err)
	_, err = load(t, "--voice-preset", "calm_female")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	s, err := load(t)
	require.NoError(t, err)
	require.Error(t, s.Validate())

	s.PublicHost = "calls.example.com"
	s.Twilio.AccountSID, s.Twilio.AuthToken = "AC1", "tok"
	s.LLM.GeminiKey = "g"
	require.NoError(t, s.Validate())

	s.LLM.Provider = "claude"
	require.Error(t, s.Validate())
}

func TestYAMLRedactsSecrets(t *testing.T) {
	s, err := load(t, "--twilio-auth-token", "tok", "--gemini-api-key", "g")
	require.NoError(t, err)
	out, err := s.YAML()
	require.NoError(t, err)
	require.NotContains(t, string(out), "tok\n")

	var back Settings
	require.NoError(t, yaml.Unmarshal(out, &back))
	require.Equal(t, "****", back.Twilio.AuthToken)
	require.Equal(t, "****", back.LLM.GeminiKey)
	require.Equal(t, ":3003", back.Addr)
}
