package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"longer than limit", "opaque-handle-abcdef", 8, "opaque-h"},
		{"shorter than limit", "abc", 10, "abc"},
		{"exact length", "abcd", 4, "abcd"},
		{"zero limit", "abcd", 0, ""},
		{"negative limit", "abcd", -1, ""},
		{"empty input", "", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.in, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://auth.example.com/", "https://auth.example.com"},
		{"https://auth.example.com", "https://auth.example.com"},
		{"https://auth.example.com///", "https://auth.example.com"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
