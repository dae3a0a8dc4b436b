package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "/home/user", "/home/user"},
		{"newline injection", "a\nFAKE LOG", "a FAKE LOG"},
		{"carriage return and tab", "a\r\tb", "a  b"},
		{"control chars dropped", "a\x00\x1bb\x7f", "ab"},
		{"unicode kept", "répertoire", "répertoire"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.in); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("x", 1000))
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected truncation marker, got %d chars", len(got))
	}
	if len(got) != maxLogValue+3 {
		t.Errorf("len = %d, want %d", len(got), maxLogValue+3)
	}
}
