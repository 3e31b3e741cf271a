package config

import (
	"strings"
	"testing"
)

func TestNormalizeAgentID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "default"},
		{"   ", "default"},
		{"swap-agent", "swap-agent"},
		{"Swap Agent", "swap-agent"},
		{"My_Agent-2", "my_agent-2"},
		{"--weird!!name--", "weird-name"},
		{"émile's agent", "mile-s-agent"},
		{"Ｖｉｂｅ Ｋｉｔ", "vibe-kit"}, // fullwidth folds via NFKC
		{strings.Repeat("a", 100), strings.Repeat("a", 64)},
	}

	for _, tc := range cases {
		if got := NormalizeAgentID(tc.in); got != tc.want {
			t.Errorf("NormalizeAgentID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
