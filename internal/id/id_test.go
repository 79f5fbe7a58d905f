package id

import (
	"strings"
	"testing"
)

func TestToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := Token()
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if len(tok) != 2*TokenBytes {
			t.Errorf("len(%q) = %d, want %d", tok, len(tok), 2*TokenBytes)
		}
		if strings.ContainsAny(tok, "/.") {
			t.Errorf("token %q contains path characters", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestIsToken(t *testing.T) {
	tok, err := Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	tests := []struct {
		in   string
		want bool
	}{
		{tok, true},
		{"", false},
		{".tmp", false},
		{strings.Repeat("z", 2*TokenBytes), false},
		{tok[:10], false},
	}
	for _, tt := range tests {
		if got := IsToken(tt.in); got != tt.want {
			t.Errorf("IsToken(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
