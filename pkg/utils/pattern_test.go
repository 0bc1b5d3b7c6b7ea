package utils

import (
	"fmt"
	"testing"
)

func TestPrefixMatch(t *testing.T) {
	tests := []struct {
		prefix string
		key    string
		want   bool
	}{
		{"user:", "user:123", true},
		{"user:", "session:123", false},
		{"", "any", true}, // Empty prefix matches all
		{"user:123", "user:123", true},
		{"user:123", "user:12", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.prefix, tt.key), func(t *testing.T) {
			got := PrefixMatch(tt.prefix, tt.key)
			if got != tt.want {
				t.Errorf("PrefixMatch(%q, %q) = %v, want %v", tt.prefix, tt.key, got, tt.want)
			}
		})
	}
}
