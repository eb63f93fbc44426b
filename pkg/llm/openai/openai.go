// Package openai implements llm.Completer on an OpenAI-compatible chat API.
package openai

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/callpilot/pkg/llm"
)

const DefaultModel = "gpt-4o-mini"

type Client struct {
	client *goopenai.Client
	model  string
}

// New creates a client. baseURL may be empty for the public endpoint.
func New(apiKey, baseURL, model string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai api key is empty")
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{client: goopenai.NewClientWithConfig(cfg), model: model}, nil
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			return "", llm.ClassifyStatus(apiErr.HTTPStatusCode, err)
		}
		return "", errors.Wrap(llm.ErrProviderError, err.Error())
	}
	if len(resp.Choices) == 0 {
		return "", llm.ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}
