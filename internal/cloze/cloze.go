// Package cloze turns a sentence and a target answer into a fill-in-the-blank
// prompt. When the answer does not appear in the sentence it falls through a
// fixed ladder of fallbacks and reports which rung was used.
package cloze

import (
	"regexp"
	"strings"
)

// Placeholder substitutes the blanked span in every generated cloze.
const Placeholder = "____"

// Fallback reasons, in ladder order.
const (
	ReasonExactTerm = "exact-term"
	ReasonJPToken   = "jp-token"
	ReasonPrefix    = "prefix"
	ReasonEmpty     = "empty"
)

// Result is a generated cloze. Answer is the span that was blanked, which is
// the given answer when it matched and the chosen fallback span otherwise.
type Result struct {
	Cloze        string
	Answer       string
	UsedFallback bool
	Reason       string
}

// Common ideographs, hiragana, katakana, the ideographic iteration mark, and
// the katakana long vowel mark.
var jpToken = regexp.MustCompile(`[\x{3400}-\x{9FFF}\x{3040}-\x{30FF}\x{3005}\x{30FC}]+`)

// Build generates a cloze for sentence, trying in order: the exact answer
// text, the first Japanese token, the first one or two characters, and
// finally a bare placeholder for an empty sentence.
func Build(sentence, answer string) Result {
	ans := strings.TrimSpace(answer)
	if ans != "" && strings.Contains(sentence, ans) {
		return Result{
			Cloze:  strings.Replace(sentence, ans, Placeholder, 1),
			Answer: ans,
			Reason: ReasonExactTerm,
		}
	}

	if target := jpToken.FindString(sentence); target != "" {
		resolved := ans
		if resolved == "" {
			resolved = target
		}
		return Result{
			Cloze:        strings.Replace(sentence, target, Placeholder, 1),
			Answer:       resolved,
			UsedFallback: true,
			Reason:       ReasonJPToken,
		}
	}

	if stripped := strings.TrimSpace(sentence); stripped != "" {
		runes := []rune(stripped)
		target := string(runes[:1])
		if len(runes) > 1 {
			target = string(runes[:2])
		}
		resolved := ans
		if resolved == "" {
			resolved = target
		}
		return Result{
			Cloze:        strings.Replace(sentence, target, Placeholder, 1),
			Answer:       resolved,
			UsedFallback: true,
			Reason:       ReasonPrefix,
		}
	}

	return Result{
		Cloze:        Placeholder,
		Answer:       ans,
		UsedFallback: true,
		Reason:       ReasonEmpty,
	}
}
