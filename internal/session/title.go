package session

import "strings"

const maxDerivedTitleLength = 60

// DeriveTitle produces a short session title from the first user
// prompt, rule-based rather than a model call: first line, trimmed,
// truncated at a word boundary. Returns "" for empty input, leaving
// the caller to keep the current title.
func DeriveTitle(firstPrompt string) string {
	line := firstPrompt
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if len(line) <= maxDerivedTitleLength {
		return line
	}

	truncated := line[:maxDerivedTitleLength]
	if idx := strings.LastIndexByte(truncated, ' '); idx > 0 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated) + "…"
}
