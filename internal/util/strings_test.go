package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"longer than max", "0123456789abcdef", 8, "01234567"},
		{"shorter than max", "short", 10, "short"},
		{"exact length", "12345678", 8, "12345678"},
		{"empty string", "", 8, ""},
		{"zero max", "secret", 0, ""},
		{"negative max", "secret", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
