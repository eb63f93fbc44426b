package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/callpilot/pkg/callstore"
	"github.com/go-go-golems/callpilot/pkg/clients"
	"github.com/go-go-golems/callpilot/pkg/config"
	"github.com/go-go-golems/callpilot/pkg/conversation"
	"github.com/go-go-golems/callpilot/pkg/events"
	"github.com/go-go-golems/callpilot/pkg/lifecycle"
	"github.com/go-go-golems/callpilot/pkg/llm"
	"github.com/go-go-golems/callpilot/pkg/llm/gemini"
	"github.com/go-go-golems/callpilot/pkg/llm/openai"
	"github.com/go-go-golems/callpilot/pkg/media"
	"github.com/go-go-golems/callpilot/pkg/replies"
	"github.com/go-go-golems/callpilot/pkg/server"
	"github.com/go-go-golems/callpilot/pkg/session"
	"github.com/go-go-golems/callpilot/pkg/stt"
	"github.com/go-go-golems/callpilot/pkg/summary"
	"github.com/go-go-golems/callpilot/pkg/telephony"
	"github.com/go-go-golems/callpilot/pkg/voice"
)

const clientIdleTimeout = 5 * time.Minute

type ServeCommand struct {
	*cmds.CommandDescription
	app *app
}

type ServeSettings struct {
	CheckOnly bool `glazed.parameter:"check"`
}

func NewServeCommand(a *app) (*ServeCommand, error) {
	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Run the call bridge HTTP server"),
		cmds.WithLong("Serve the phone provider webhooks, the media stream socket and the client socket."),
		cmds.WithFlags(
			parameters.NewParameterDefinition(
				"check",
				parameters.ParameterTypeBool,
				parameters.WithDefault(false),
				parameters.WithHelp("Validate the configuration and exit"),
			),
		),
	)
	return &ServeCommand{CommandDescription: desc, app: a}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	s := &ServeSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init serve settings")
	}
	if s.CheckOnly {
		if err := c.app.settings.Validate(); err != nil {
			return err
		}
		log.Info().Str("public_base_url", c.app.settings.PublicBaseURL()).Msg("configuration ok")
		return nil
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, c.app.settings)
}

var _ cmds.BareCommand = &ServeCommand{}

func serve(ctx context.Context, s config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	endpoints := telephony.Endpoints{PublicBaseURL: s.PublicBaseURL()}

	var store callstore.Store
	if s.DB != "" {
		dsn, err := callstore.DSNForFile(s.DB)
		if err != nil {
			return err
		}
		sqlite, err := callstore.NewSQLiteStore(dsn)
		if err != nil {
			return err
		}
		defer func() { _ = sqlite.Close() }()
		store = sqlite
	} else {
		log.Warn().Msg("call store disabled, records and voice preferences are not kept")
	}

	completer, err := newCompleter(ctx, s.LLM)
	if err != nil {
		return err
	}
	counter, err := conversation.NewTiktokenCounter()
	if err != nil {
		log.Warn().Err(err).Msg("tiktoken unavailable, approximating token counts")
		counter = conversation.ApproxCounter
	}
	generator := replies.NewGenerator(completer,
		replies.WithTokenCounter(counter),
		replies.WithTokenBudget(s.LLM.HistoryTokenBudget),
	)
	summarizer := summary.New(completer, counter)

	recognizer := newRecognizer(s.STT)

	synth, err := voice.NewElevenLabs(voice.ElevenLabsConfig{
		APIKey:    s.Voice.ElevenLabsKey,
		ModelID:   s.Voice.ModelID,
		OutputDir: s.AudioDir,
		URLFor:    endpoints.AudioURL,
	})
	if err != nil {
		return err
	}
	var prefs voice.PreferenceStore
	if store != nil {
		prefs = store
	}
	voices := voice.NewResolver(s.Voice.Presets, s.Voice.Default, prefs)

	calls, err := telephony.NewTwilioController(telephony.TwilioSettings{
		AccountSID: s.Twilio.AccountSID,
		AuthToken:  s.Twilio.AuthToken,
		FromNumber: s.Twilio.From,
	}, endpoints)
	if err != nil {
		return err
	}

	bus, err := newBus(ctx, s.Redis)
	if err != nil {
		return err
	}

	registry := session.NewRegistry()
	hub := clients.NewHub(clientIdleTimeout)
	coord := lifecycle.New(lifecycle.Deps{
		Registry:   registry,
		Calls:      calls,
		Publisher:  bus,
		Summarizer: summarizer,
		Store:      store,
		Synth:      synth,
		Voices:     voices,
		Endpoints:  endpoints,
		Clients:    hub,
	})
	registry.SetEvictionConfig(s.Sessions.EvictIdle, s.Sessions.EvictInterval, coord.Evict)

	bridge := media.NewBridge(registry, recognizer, generator, bus, coord, media.Config{Language: s.STT.Language})
	handler := clients.NewHandler(hub, registry, clients.NewSpeaker(synth, voices, calls), coord, clients.Config{})

	var validator *telephony.SignatureValidator
	if s.Twilio.ValidateSignature {
		validator = telephony.NewSignatureValidator(s.Twilio.AuthToken, s.PublicBaseURL())
	}

	srv := server.New(s.Addr, server.Deps{
		Registry:  registry,
		Bus:       bus,
		Hub:       hub,
		Clients:   handler,
		Media:     bridge,
		Lifecycle: coord,
		Synth:     synth,
		Voices:    voices,
		Store:     store,
		Validator: validator,
		AudioDir:  s.AudioDir,
	})
	log.Info().
		Str("public_base_url", endpoints.PublicBaseURL).
		Str("llm", s.LLM.Provider).
		Str("stt", s.STT.Provider).
		Strs("voice_presets", voices.Configured()).
		Bool("redis", s.Redis.Enabled).
		Msg("callpilot configured")
	return srv.Run(ctx)
}

func newCompleter(ctx context.Context, s config.LLMSettings) (llm.Completer, error) {
	switch s.Provider {
	case "gemini":
		return gemini.New(ctx, s.GeminiKey, s.GeminiModel)
	case "openai":
		return openai.New(s.OpenAIKey, s.OpenAIBaseURL, s.OpenAIModel)
	default:
		return nil, errors.Errorf("unknown llm provider %q", s.Provider)
	}
}

func newRecognizer(s config.STTSettings) stt.Provider {
	if s.Provider != "cartesia" {
		log.Warn().Str("provider", s.Provider).Msg("speech recognition disabled")
		return stt.Unavailable{Reason: "stt-provider is " + s.Provider}
	}
	c, err := stt.NewCartesia(stt.CartesiaConfig{APIKey: s.CartesiaKey, Model: s.Model})
	if err != nil {
		log.Warn().Err(err).Msg("speech recognition disabled")
		return stt.Unavailable{Reason: err.Error()}
	}
	return c
}

func newBus(ctx context.Context, s config.RedisSettings) (*events.Bus, error) {
	logger := events.NewWatermillLogger(log.Logger)
	if !s.Enabled {
		return events.NewInMemoryBus(logger), nil
	}
	return events.NewRedisBus(ctx, events.RedisSettings{Addr: s.Addr, GroupPrefix: s.GroupPrefix, MaxLen: s.MaxLen}, logger)
}
