// Package errfmt bounds and cleans strings that originate from an agent
// (error messages, stderr lines, stop reasons, method names) before they
// reach logs or events.
package errfmt

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dmora/acpmux"
)

// MaxLen caps error content to prevent unbounded propagation.
const MaxLen = 4096

// MaxTokenLen caps short identifiers such as method names and stop reasons.
const MaxTokenLen = 64

// truncateUTF8 caps s at limit bytes, backtracking to a valid UTF-8 boundary.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	end := limit
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// Truncate caps a string at MaxLen bytes with UTF-8-safe truncation.
func Truncate(s string) string {
	return truncateUTF8(s, MaxLen)
}

// Line makes s safe for a single log line: control characters other than
// tab are replaced with spaces, trailing whitespace is trimmed, and the
// result is capped at MaxLen.
func Line(s string) string {
	s = strings.Map(func(r rune) rune {
		if r != '\t' && unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return Truncate(strings.TrimRightFunc(s, unicode.IsSpace))
}

// Token validates a short identifier. Returns "" if raw contains control
// characters; otherwise raw capped at MaxTokenLen.
func Token(raw string) string {
	for _, r := range raw {
		if unicode.IsControl(r) {
			return ""
		}
	}
	return truncateUTF8(raw, MaxTokenLen)
}

// StopReason sanitizes a stop reason reported by the agent.
func StopReason(raw string) acpmux.StopReason {
	return acpmux.StopReason(Token(raw))
}
