package conversation

import (
	"unicode/utf8"

	"github.com/pkg/errors"
	tiktoken "github.com/weaviate/tiktoken-go"
)

// TokenCounter returns the number of model tokens in a string.
type TokenCounter func(string) int

// NewTiktokenCounter counts with the cl100k_base encoding.
func NewTiktokenCounter() (TokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, errors.Wrap(err, "load cl100k_base encoding")
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}, nil
}

// ApproxCounter estimates tokens from rune count. Hangul runs close to one
// token per syllable, latin text closer to four runes per token.
func ApproxCounter(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return n/2 + 1
}

// Tail returns the longest suffix of entries whose rendered size fits in budget.
// A non-positive budget disables trimming. The newest entry is always kept.
func Tail(entries []Entry, labels Labels, count TokenCounter, budget int) []Entry {
	if budget <= 0 || len(entries) == 0 {
		return entries
	}
	if count == nil {
		count = ApproxCounter
	}
	used := 0
	start := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		n := count(labels.For(e.Role)+": "+e.Text) + 1
		if used+n > budget && start < len(entries) {
			break
		}
		used += n
		start = i
	}
	return entries[start:]
}
