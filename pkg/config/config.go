// Package config defines the server settings and loads them from flags,
// environment variables, an optional YAML file and a .env file.
package config

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/callpilot/pkg/voice"
)

const EnvPrefix = "CALLPILOT"

type TwilioSettings struct {
	AccountSID        string `yaml:"accountSid"`
	AuthToken         string `yaml:"authToken"`
	From              string `yaml:"from"`
	ValidateSignature bool   `yaml:"validateSignature"`
}

type STTSettings struct {
	Provider    string `yaml:"provider"`
	CartesiaKey string `yaml:"cartesiaApiKey"`
	Language    string `yaml:"language"`
	Model       string `yaml:"model"`
}

type LLMSettings struct {
	Provider      string `yaml:"provider"`
	GeminiKey     string `yaml:"geminiApiKey"`
	GeminiModel   string `yaml:"geminiModel"`
	OpenAIKey     string `yaml:"openaiApiKey"`
	OpenAIModel   string `yaml:"openaiModel"`
	OpenAIBaseURL string `yaml:"openaiBaseUrl,omitempty"`
	// HistoryTokenBudget bounds the history sent with each prompt.
	HistoryTokenBudget int `yaml:"historyTokenBudget"`
}

type VoiceSettings struct {
	ElevenLabsKey string            `yaml:"elevenlabsApiKey"`
	ModelID       string            `yaml:"elevenlabsModelId"`
	Default       string            `yaml:"default"`
	Presets       map[string]string `yaml:"presets,omitempty"`
}

type RedisSettings struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	GroupPrefix string `yaml:"groupPrefix"`
	MaxLen      int64  `yaml:"maxLen"`
}

type SessionSettings struct {
	EvictIdle     time.Duration `yaml:"evictIdle"`
	EvictInterval time.Duration `yaml:"evictInterval"`
}

type Settings struct {
	Addr       string          `yaml:"addr"`
	PublicHost string          `yaml:"publicHost"`
	AudioDir   string          `yaml:"audioDir"`
	DB         string          `yaml:"db"`
	Twilio     TwilioSettings  `yaml:"twilio"`
	STT        STTSettings     `yaml:"stt"`
	LLM        LLMSettings     `yaml:"llm"`
	Voice      VoiceSettings   `yaml:"voice"`
	Redis      RedisSettings   `yaml:"redis"`
	Sessions   SessionSettings `yaml:"sessions"`
}

// AddFlags registers every setting on fs. Logging flags belong to the glazed
// logging section and are not registered here.
func AddFlags(fs *pflag.FlagSet) {
	if fs.Lookup("config") == nil {
		fs.String("config", "", "YAML config file")
	}
	fs.String("env-file", ".env", "dotenv file loaded before reading the environment")

	fs.String("addr", ":3003", "HTTP listen address")
	fs.String("public-host", "", "Public host or base URL the phone provider reaches this server on")
	fs.String("audio-dir", "./audio", "Directory for synthesized audio files")
	fs.String("db", "callpilot.db", "SQLite database file; empty disables persistence")

	fs.String("twilio-account-sid", "", "Twilio account SID")
	fs.String("twilio-auth-token", "", "Twilio auth token")
	fs.String("twilio-from", "", "Caller id for outbound calls")
	fs.Bool("twilio-validate-signature", false, "Reject status callbacks without a valid signature")

	fs.String("stt-provider", "cartesia", "Speech recognizer (cartesia or none)")
	fs.String("cartesia-api-key", "", "Cartesia API key")
	fs.String("stt-language", "ko", "Recognition language")
	fs.String("stt-model", "ink-whisper", "Recognition model")

	fs.String("llm-provider", "gemini", "Completion backend (gemini or openai)")
	fs.String("gemini-api-key", "", "Gemini API key")
	fs.String("gemini-model", "gemini-2.0-flash", "Gemini model")
	fs.String("openai-api-key", "", "OpenAI API key")
	fs.String("openai-model", "gpt-4o-mini", "OpenAI model")
	fs.String("openai-base-url", "", "OpenAI compatible base URL")
	fs.Int("history-token-budget", 1500, "Token budget for conversation history in prompts")

	fs.String("elevenlabs-api-key", "", "ElevenLabs API key")
	fs.String("elevenlabs-model-id", "eleven_multilingual_v2", "ElevenLabs model id")
	fs.String("voice-default", "", "Voice id used when no preset or preference applies")
	fs.StringSlice("voice-preset", nil, "Voice preset as key=voiceID (repeatable; keys: "+strings.Join(voice.PresetKeys, ", ")+")")

	fs.Bool("redis-enabled", false, "Carry session events over Redis Streams")
	fs.String("redis-addr", "localhost:6379", "Redis address host:port")
	fs.String("redis-group-prefix", "callpilot", "Redis consumer group prefix")
	fs.Int64("redis-max-len", 10000, "Approximate cap on the event stream length")

	fs.Duration("session-evict-idle", 30*time.Minute, "Finalize sessions idle for this long")
	fs.Duration("session-evict-interval", 5*time.Minute, "Idle session sweep interval")
}

// providerEnv lets the provider's conventional variable names configure the
// matching settings.
var providerEnv = map[string]string{
	"twilio-account-sid": "TWILIO_ACCOUNT_SID",
	"twilio-auth-token":  "TWILIO_AUTH_TOKEN",
	"twilio-from":        "TWILIO_FROM_NUMBER",
	"public-host":        "PUBLIC_HOST",
	"cartesia-api-key":   "CARTESIA_API_KEY",
	"gemini-api-key":     "GEMINI_API_KEY",
	"openai-api-key":     "OPENAI_API_KEY",
	"elevenlabs-api-key": "ELEVENLABS_API_KEY",
	"voice-default":      "ELEVENLABS_VOICE_ID",
}

// Load resolves settings with precedence flag > env > config file > default.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Settings, error) {
	envFile, _ := fs.GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Settings{}, errors.Wrapf(err, "load %s", envFile)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, env := range providerEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_")), env); err != nil {
			return Settings{}, errors.Wrapf(err, "bind env %s", env)
		}
	}
	if err := v.BindPFlags(fs); err != nil {
		return Settings{}, errors.Wrap(err, "bind flags")
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", file)
		}
	}

	presets, err := ParsePresets(v.GetStringSlice("voice-preset"))
	if err != nil {
		return Settings{}, err
	}

	s := Settings{
		Addr:       v.GetString("addr"),
		PublicHost: v.GetString("public-host"),
		AudioDir:   v.GetString("audio-dir"),
		DB:         v.GetString("db"),
		Twilio: TwilioSettings{
			AccountSID:        v.GetString("twilio-account-sid"),
			AuthToken:         v.GetString("twilio-auth-token"),
			From:              v.GetString("twilio-from"),
			ValidateSignature: v.GetBool("twilio-validate-signature"),
		},
		STT: STTSettings{
			Provider:    v.GetString("stt-provider"),
			CartesiaKey: v.GetString("cartesia-api-key"),
			Language:    v.GetString("stt-language"),
			Model:       v.GetString("stt-model"),
		},
		LLM: LLMSettings{
			Provider:           v.GetString("llm-provider"),
			GeminiKey:          v.GetString("gemini-api-key"),
			GeminiModel:        v.GetString("gemini-model"),
			OpenAIKey:          v.GetString("openai-api-key"),
			OpenAIModel:        v.GetString("openai-model"),
			OpenAIBaseURL:      v.GetString("openai-base-url"),
			HistoryTokenBudget: v.GetInt("history-token-budget"),
		},
		Voice: VoiceSettings{
			ElevenLabsKey: v.GetString("elevenlabs-api-key"),
			ModelID:       v.GetString("elevenlabs-model-id"),
			Default:       v.GetString("voice-default"),
			Presets:       presets,
		},
		Redis: RedisSettings{
			Enabled:     v.GetBool("redis-enabled"),
			Addr:        v.GetString("redis-addr"),
			GroupPrefix: v.GetString("redis-group-prefix"),
			MaxLen:      v.GetInt64("redis-max-len"),
		},
		Sessions: SessionSettings{
			EvictIdle:     v.GetDuration("session-evict-idle"),
			EvictInterval: v.GetDuration("session-evict-interval"),
		},
	}
	return s, nil
}

// ParsePresets reads key=voiceID pairs. Keys must be known preset names.
func ParsePresets(pairs []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range pairs {
		key, id, ok := strings.Cut(p, "=")
		key, id = strings.TrimSpace(key), strings.TrimSpace(id)
		if !ok || key == "" || id == "" {
			return nil, errors.Errorf("voice preset %q: want key=voiceID", p)
		}
		if !knownPreset(key) {
			return nil, errors.Errorf("voice preset %q: unknown key, want one of %s", key, strings.Join(voice.PresetKeys, ", "))
		}
		out[key] = id
	}
	return out, nil
}

func knownPreset(key string) bool {
	for _, k := range voice.PresetKeys {
		if k == key {
			return true
		}
	}
	return false
}

// PublicBaseURL returns the public host as an absolute https URL.
func (s Settings) PublicBaseURL() string {
	h := strings.TrimRight(strings.TrimSpace(s.PublicHost), "/")
	if h == "" || strings.Contains(h, "://") {
		return h
	}
	return "https://" + h
}

// Validate checks what serving calls requires.
func (s Settings) Validate() error {
	var missing []string
	if s.PublicHost == "" {
		missing = append(missing, "public-host")
	}
	if s.Twilio.AccountSID == "" || s.Twilio.AuthToken == "" {
		missing = append(missing, "twilio-account-sid/twilio-auth-token")
	}
	switch s.LLM.Provider {
	case "gemini":
		if s.LLM.GeminiKey == "" {
			missing = append(missing, "gemini-api-key")
		}
	case "openai":
		if s.LLM.OpenAIKey == "" {
			missing = append(missing, "openai-api-key")
		}
	default:
		return errors.Errorf("unknown llm-provider %q", s.LLM.Provider)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Redacted returns a copy with secrets masked.
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "****"
	}
	s.Twilio.AuthToken = mask(s.Twilio.AuthToken)
	s.STT.CartesiaKey = mask(s.STT.CartesiaKey)
	s.LLM.GeminiKey = mask(s.LLM.GeminiKey)
	s.LLM.OpenAIKey = mask(s.LLM.OpenAIKey)
	s.Voice.ElevenLabsKey = mask(s.Voice.ElevenLabsKey)
	return s
}

// YAML renders the redacted settings.
func (s Settings) YAML() ([]byte, error) {
	out, err := yaml.Marshal(s.Redacted())
	return out, errors.Wrap(err, "render settings")
}
