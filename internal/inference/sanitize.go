package inference

import (
	"strings"
	"unicode"
)

// SanitizePrompt drops control characters and collapses runs of whitespace.
func SanitizePrompt(text string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(clean), " ")
}

func SanitizePrompts(texts []string) []string {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = SanitizePrompt(t)
	}
	return out
}
