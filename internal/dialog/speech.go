package dialog

import (
	"regexp"
	"strings"
)

// codePattern matches replies that carry a numeric code to key into the
// call instead of speaking, e.g. "code: 4271#".
var codePattern = regexp.MustCompile(`(?i)^\s*code:\s*([0-9*#]+)[.!]?\s*$`)

// Normalize case-folds a transcript and collapses all whitespace runs so
// that transcripts differing only in casing or spacing compare equal.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// EndsSentence reports whether the trimmed text ends in terminal sentence
// punctuation. Unstable transcripts that do not look sentence-complete are
// not worth speculating on.
func EndsSentence(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// CodeDigits extracts the DTMF digit string from a code reply, if the
// reply is one.
func CodeDigits(text string) (string, bool) {
	m := codePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
