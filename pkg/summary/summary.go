// Package summary condenses a finished call into a short note for the user.
package summary

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/callpilot/pkg/conversation"
	"github.com/go-go-golems/callpilot/pkg/llm"
)

const (
	DefaultMaxLines    = 3
	DefaultTokenBudget = 6000
)

var ErrEmptyTranscript = errors.New("transcript is empty")

type Summarizer struct {
	completer llm.Completer
	count     conversation.TokenCounter
	budget    int
	maxLines  int
}

func New(c llm.Completer, count conversation.TokenCounter) *Summarizer {
	if count == nil {
		count = conversation.ApproxCounter
	}
	return &Summarizer{completer: c, count: count, budget: DefaultTokenBudget, maxLines: DefaultMaxLines}
}

// Summarize returns at most maxLines lines describing the outcome of the call.
func (s *Summarizer) Summarize(ctx context.Context, history []conversation.Entry) (string, error) {
	if len(history) == 0 {
		return "", ErrEmptyTranscript
	}
	if s == nil || s.completer == nil {
		return "", errors.New("summarizer is not configured")
	}
	transcript := conversation.Format(
		conversation.Tail(history, conversation.TranscriptLabels, s.count, s.budget),
		conversation.TranscriptLabels,
	)
	prompt := "다음은 손님(나)과 가게 직원의 전화 통화 내용이다.\n" +
		"통화 결과를 손님이 바로 이해할 수 있게 3줄 이내로 요약해라.\n" +
		"가능/불가능, 시간, 금액처럼 확정된 사항을 우선 적는다.\n\n" +
		transcript

	out, err := s.completer.Complete(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: 0.2,
		MaxTokens:   200,
	})
	if err != nil {
		return "", errors.Wrap(err, "summarize call")
	}
	return clampLines(out, s.maxLines), nil
}

func clampLines(s string, n int) string {
	lines := make([]string, 0, n)
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		lines = append(lines, l)
		if len(lines) == n {
			break
		}
	}
	return strings.Join(lines, "\n")
}
