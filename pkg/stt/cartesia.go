package stt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCartesiaURL   = "wss://api.cartesia.ai/stt/websocket"
	DefaultCartesiaModel = "ink-whisper"
	DefaultFlushTimeout  = 3 * time.Second
	cartesiaVersion      = "2025-04-16"
)

type CartesiaConfig struct {
	APIKey string
	Model  string
	URL    string
	// MinVolume filters background noise below this level.
	MinVolume float64
	// FlushTimeout bounds how long Close waits for the final transcript.
	FlushTimeout time.Duration
}

type Cartesia struct {
	cfg CartesiaConfig
}

func NewCartesia(cfg CartesiaConfig) (*Cartesia, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("cartesia api key is empty")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultCartesiaModel
	}
	if cfg.URL == "" {
		cfg.URL = DefaultCartesiaURL
	}
	if cfg.MinVolume == 0 {
		cfg.MinVolume = 0.01
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	return &Cartesia{cfg: cfg}, nil
}

func (c *Cartesia) Start(ctx context.Context, opts Options) (Stream, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse cartesia url")
	}
	if opts.Language == "" {
		opts.Language = "ko"
	}
	if opts.Encoding == "" {
		opts.Encoding = "pcm_s16le"
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 8000
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	q.Set("language", opts.Language)
	q.Set("encoding", opts.Encoding)
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("min_volume", strconv.FormatFloat(c.cfg.MinVolume, 'f', -1, 64))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", c.cfg.APIKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return nil, errors.Wrapf(ErrRecognizerUnavailable, "connect (status %d): %s", resp.StatusCode, string(body))
		}
		return nil, errors.Wrap(ErrRecognizerUnavailable, err.Error())
	}

	s := &cartesiaStream{
		conn:     conn,
		results:  make(chan Result, 64),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		flush:    c.cfg.FlushTimeout,
	}
	go s.readLoop()
	return s, nil
}

type cartesiaStream struct {
	conn    *websocket.Conn
	results chan Result
	// done aborts delivery once the flush deadline passed.
	done     chan struct{}
	readDone chan struct{}
	flush    time.Duration
	closed   atomic.Bool
	writeMu  sync.Mutex
}

type cartesiaMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error"`
}

func (s *cartesiaStream) readLoop() {
	defer close(s.readDone)
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("component", "stt").Msg("recognizer stream read failed")
			}
			return
		}
		var msg cartesiaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "transcript":
			select {
			case s.results <- Result{Text: msg.Text, Final: msg.IsFinal}:
			case <-s.done:
				return
			}
		case "flush_done":
			if s.closed.Load() {
				return
			}
		case "done":
			return
		case "error":
			log.Warn().Str("component", "stt").Str("error", msg.Error).Msg("recognizer reported error")
			return
		}
	}
}

func (s *cartesiaStream) Send(pcm []byte) error {
	if s.closed.Load() {
		return errors.New("recognizer stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *cartesiaStream) Results() <-chan Result {
	return s.results
}

// Close asks the recognizer to finalize, waits for the transcripts that
// produces (or the flush timeout), then closes the socket.
func (s *cartesiaStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	err := s.conn.WriteMessage(websocket.TextMessage, []byte("finalize"))
	if err == nil {
		err = s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
	}
	s.writeMu.Unlock()

	if err == nil {
		timer := time.NewTimer(s.flush)
		select {
		case <-s.readDone:
		case <-timer.C:
			log.Debug().Str("component", "stt").Dur("timeout", s.flush).Msg("recognizer flush timed out")
		}
		timer.Stop()
	}
	close(s.done)

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
