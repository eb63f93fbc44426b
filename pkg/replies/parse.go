// Package replies turns model output into exactly three suggested replies.
package replies

import (
	"regexp"
	"strings"
)

// Count is the number of replies offered to clients.
const Count = 3

// Fallbacks pad short reply sets. The first entry is the neutral acknowledgment
// used when the model gives nothing usable.
var Fallbacks = []string{
	"알겠습니다.",
	"잠시만요.",
	"다시 한 번 말씀해 주시겠어요?",
	"네.",
}

var listMarker = regexp.MustCompile(`^(?:\d+\s*[.)]|[-*•])\s*`)

// Parse splits raw model output into reply lines and normalizes them.
func Parse(raw string) []string {
	return Normalize(strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n"))
}

// Normalize strips list markers and quotes, drops blanks and duplicates,
// truncates to Count and pads with Fallbacks until exactly Count distinct
// replies remain.
func Normalize(lines []string) []string {
	out := make([]string, 0, Count)
	seen := make(map[string]struct{}, Count)
	add := func(s string) {
		if len(out) >= Count {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, line := range lines {
		s := cleanLine(line)
		if s == "" {
			continue
		}
		add(s)
	}
	for _, f := range Fallbacks {
		add(f)
	}
	return out
}

func cleanLine(line string) string {
	s := strings.TrimSpace(line)
	s = listMarker.ReplaceAllString(s, "")
	s = strings.Trim(s, "\"“”'")
	return strings.TrimSpace(s)
}
