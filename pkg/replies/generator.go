package replies

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/callpilot/pkg/conversation"
	"github.com/go-go-golems/callpilot/pkg/llm"
)

const (
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 120
	DefaultTokenBudget = 1500
)

const systemPrompt = `너는 전화 통화에서 손님 본인 대신 짧게 대답할 문장을 고르는 도우미다.
규칙:
- 손님 본인의 1인칭 입장에서 말한다.
- 직원을 대신하거나 제3자처럼 말하지 않는다.
- 각 답변은 한 문장, 최대 20자 안팎으로 짧게.
- 서로 다른 의도의 답변 3개를 한 줄에 하나씩 출력한다.
- 번호, 따옴표, 설명 없이 문장만 출력한다.`

// Generator asks an LLM for reply candidates given the conversation so far.
type Generator struct {
	completer   llm.Completer
	count       conversation.TokenCounter
	budget      int
	temperature float32
	maxTokens   int
}

type Option func(*Generator)

func WithTokenCounter(c conversation.TokenCounter) Option {
	return func(g *Generator) { g.count = c }
}

func WithTokenBudget(n int) Option {
	return func(g *Generator) { g.budget = n }
}

func NewGenerator(c llm.Completer, opts ...Option) *Generator {
	g := &Generator{
		completer:   c,
		count:       conversation.ApproxCounter,
		budget:      DefaultTokenBudget,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate returns exactly Count distinct replies to the latest operator
// utterance. history holds the conversation before it.
func (g *Generator) Generate(ctx context.Context, history []conversation.Entry, latest string) ([]string, error) {
	if g == nil || g.completer == nil {
		return nil, errors.New("reply generator is not configured")
	}
	raw, err := g.completer.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      g.buildPrompt(history, latest),
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return nil, errors.Wrap(err, "generate replies")
	}
	return Parse(raw), nil
}

func (g *Generator) buildPrompt(history []conversation.Entry, latest string) string {
	recent := conversation.Tail(history, conversation.PromptLabels, g.count, g.budget)
	var sb strings.Builder
	sb.WriteString("[지금까지의 대화]\n")
	if len(recent) == 0 {
		sb.WriteString("(없음)")
	} else {
		sb.WriteString(conversation.Format(recent, conversation.PromptLabels))
	}
	sb.WriteString("\n\n[직원의 마지막 말]\n")
	sb.WriteString(strings.TrimSpace(latest))
	sb.WriteString("\n\n위 말에 이어서 내가 할 답변 3개:")
	return sb.String()
}
