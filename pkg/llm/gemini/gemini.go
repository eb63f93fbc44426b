// Package gemini implements llm.Completer on the Google Gen AI SDK.
package gemini

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/go-go-golems/callpilot/pkg/llm"
)

const DefaultModel = "gemini-2.0-flash"

type Client struct {
	models *genai.Models
	model  string
}

type Option func(*genai.ClientConfig)

// WithBaseURL points the client at a different API host.
func WithBaseURL(u string) Option {
	return func(cfg *genai.ClientConfig) {
		cfg.HTTPOptions.BaseURL = u
	}
}

func New(ctx context.Context, apiKey, model string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(cfg)
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create genai client")
	}
	return &Client{models: c.Models, model: model}, nil
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Temperature)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			log.Debug().Str("component", "llm").Str("provider", "gemini").Int("status", apiErr.Code).Msg("generate content failed")
			return "", llm.ClassifyStatus(apiErr.Code, err)
		}
		return "", errors.Wrap(llm.ErrProviderError, err.Error())
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}
