package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultElevenLabsBaseURL = "https://api.elevenlabs.io"
	DefaultElevenLabsModel   = "eleven_multilingual_v2"
	elevenLabsOutputFormat   = "mp3_44100_128"
)

type ElevenLabsConfig struct {
	APIKey  string
	ModelID string
	BaseURL string
	// OutputDir receives the generated mp3 files.
	OutputDir string
	// URLFor maps a generated filename to the URL the provider will fetch.
	URLFor     func(filename string) string
	HTTPClient *http.Client
}

type ElevenLabs struct {
	cfg ElevenLabsConfig
}

func NewElevenLabs(cfg ElevenLabsConfig) (*ElevenLabs, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("elevenlabs api key is empty")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("audio output dir is empty")
	}
	if cfg.URLFor == nil {
		return nil, errors.New("audio url builder is nil")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultElevenLabsModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultElevenLabsBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create audio dir")
	}
	return &ElevenLabs{cfg: cfg}, nil
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text, voiceID string) (Clip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Clip{}, errors.Wrap(ErrSynthesisFailed, "empty text")
	}
	if voiceID == "" {
		return Clip{}, errors.Wrap(ErrInvalidVoice, "empty voice id")
	}

	body, err := json.Marshal(elevenLabsRequest{Text: text, ModelID: e.cfg.ModelID})
	if err != nil {
		return Clip{}, errors.Wrap(err, "marshal tts request")
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		strings.TrimRight(e.cfg.BaseURL, "/"), url.PathEscape(voiceID), elevenLabsOutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Clip{}, errors.Wrap(err, "build tts request")
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return Clip{}, errors.Wrap(ErrSynthesisFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		log.Warn().Str("component", "voice").Int("status", resp.StatusCode).Str("voice_id", voiceID).Msg("tts request rejected")
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity {
			return Clip{}, errors.Wrapf(ErrInvalidVoice, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		return Clip{}, errors.Wrapf(ErrSynthesisFailed, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	filename := uuid.NewString() + ".mp3"
	path := filepath.Join(e.cfg.OutputDir, filename)
	if err := writeFile(path, resp.Body); err != nil {
		return Clip{}, errors.Wrap(ErrSynthesisFailed, err.Error())
	}
	return Clip{Path: path, Filename: filename, URL: e.cfg.URLFor(filename)}, nil
}

// writeFile streams r into path through a temp file so a half-written clip is never served.
func writeFile(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tts-*")
	if err != nil {
		return err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = errors.New("empty audio response")
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
