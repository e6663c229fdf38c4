package models

import (
	"regexp"
	"strings"
)

// JLPTLevels lists the level tags recognized by the breakdown readers,
// hardest-last.
var JLPTLevels = []string{"N5", "N4", "N3", "N2", "N1"}

var tagSplit = regexp.MustCompile(`[,\s/|]+`)

// TagTokens normalizes a free-text tag list into clean tokens: split on
// comma, whitespace, slash, or pipe, then strip hash and bracket punctuation.
func TagTokens(tags string) []string {
	parts := tagSplit.Split(tags, -1)
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		token := strings.Trim(strings.TrimSpace(p), "#[]()")
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// HasTagToken reports whether the normalized token set of tags contains want,
// case-insensitively. Level detection is a tag-matching convention: "N4" only
// counts when it appears as its own token, not as a substring.
func HasTagToken(tags, want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return false
	}
	for _, token := range TagTokens(tags) {
		if strings.ToLower(token) == want {
			return true
		}
	}
	return false
}
