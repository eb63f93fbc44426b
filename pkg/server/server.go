// Package server mounts the HTTP surface (provider webhooks, media and client
// websockets, call placement, audio files) and runs it with the event bus.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/callpilot/pkg/callstore"
	"github.com/go-go-golems/callpilot/pkg/clients"
	"github.com/go-go-golems/callpilot/pkg/events"
	"github.com/go-go-golems/callpilot/pkg/lifecycle"
	"github.com/go-go-golems/callpilot/pkg/media"
	"github.com/go-go-golems/callpilot/pkg/session"
	"github.com/go-go-golems/callpilot/pkg/telephony"
	"github.com/go-go-golems/callpilot/pkg/voice"
)

const shutdownTimeout = 30 * time.Second

type Deps struct {
	Registry  *session.Registry
	Bus       *events.Bus
	Hub       *clients.Hub
	Clients   *clients.Handler
	Media     *media.Bridge
	Lifecycle *lifecycle.Coordinator
	Synth     voice.Synthesizer
	Voices    *voice.Resolver
	// Store is optional.
	Store callstore.Store
	// Validator is nil when status callbacks are not signature checked.
	Validator *telephony.SignatureValidator
	AudioDir  string
}

type Server struct {
	Deps
	httpSrv *http.Server
}

func New(addr string, d Deps) *Server {
	s := &Server{Deps: d}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle(telephony.MediaPath, s.Media)
	mux.Handle("/ws", s.Clients)
	mux.HandleFunc("POST "+telephony.StatusPath, s.handleStatus)
	mux.HandleFunc(telephony.AnswerPath, s.handleAnswer)
	mux.HandleFunc(telephony.HoldPath, s.handleHold)
	mux.HandleFunc("POST /calls", s.handleDial)
	mux.HandleFunc("GET /calls", s.handleListCalls)
	mux.HandleFunc("GET /calls/{sid}", s.handleGetCall)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("POST /tts-preview", s.handleTTSPreview)
	mux.HandleFunc("POST /voice-preference", s.handleVoicePreference)
	mux.Handle("GET /audio/", http.StripPrefix("/audio/", http.FileServer(http.Dir(s.AudioDir))))
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil || s.Bus == nil {
		return errors.New("server is not initialized")
	}
	eg, gctx := errgroup.WithContext(ctx)

	s.Registry.StartEvictionLoop(gctx)

	eg.Go(func() error { return s.Bus.Run(gctx, s.Hub.Deliver) })

	eg.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if s.Media != nil {
			if err := s.Media.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("media shutdown incomplete")
			}
		}
		s.Lifecycle.Shutdown()
		if err := s.Bus.Close(); err != nil {
			log.Error().Err(err).Msg("event bus close error")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		select {
		case <-s.Bus.Ready():
		case <-gctx.Done():
			return nil
		}
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting callpilot server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
