package model

import (
	"math"
	"strings"
	"unicode/utf8"
)

const (
	excerptRunes   = 120
	wordsPerMinute = 200
)

// WordCount counts whitespace-separated words.
func WordCount(content string) int { return len(strings.Fields(content)) }

// ReadTime estimates reading minutes: max(1, round(words/200)).
func ReadTime(content string) int {
	n := int(math.Round(float64(WordCount(content)) / wordsPerMinute))
	if n < 1 {
		return 1
	}
	return n
}

// Excerpt returns the first 120 runes of the trimmed content, with "..." when cut.
func Excerpt(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= excerptRunes {
		return content
	}
	r := []rune(content)
	return string(r[:excerptRunes]) + "..."
}

// ParseTags splits a comma-separated tag list, dropping blanks and duplicates.
func ParseTags(s string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		k := strings.ToLower(t)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}
