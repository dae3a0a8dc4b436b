package logutil

import "strings"

// maxLogValue caps user-supplied values so one request cannot flood the log.
const maxLogValue = 256

// SanitizeForLog strips control characters from user-provided strings so a
// crafted path or session id cannot forge extra log lines, and truncates
// overly long values.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n >= maxLogValue {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
