package config

import (
	"testing"
)

func TestNormalizeModelName_StripsDateSuffix(t *testing.T) {
	cases := map[string]string{
		"claude-opus-4-5-20251101": "claude-opus-4-5",
		"Claude-Sonnet-4-20250514": "claude-sonnet-4",
		"claude-haiku-4-5":         "claude-haiku-4-5",
		"claude-sonnet-4-5[1m]":    "claude-sonnet-4-5[1m]",
		"  claude-opus-4-6  ":      "claude-opus-4-6",
		"custom-model-1234":        "custom-model-1234",
	}
	for in, want := range cases {
		if got := NormalizeModelName(in); got != want {
			t.Fatalf("NormalizeModelName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLookupDefaultWindow_PrefersLongestFamily(t *testing.T) {
	tokens, ok := LookupDefaultWindow("claude-sonnet-4-5[1m]")
	if !ok || tokens != 1_000_000 {
		t.Fatalf("1m variant = (%d, %v), want (1000000, true)", tokens, ok)
	}

	tokens, ok = LookupDefaultWindow("claude-sonnet-4-5-20250929")
	if !ok || tokens != 200_000 {
		t.Fatalf("sonnet 4.5 = (%d, %v), want (200000, true)", tokens, ok)
	}

	if _, ok := LookupDefaultWindow("gpt-unknown"); ok {
		t.Fatal("unknown family should not resolve")
	}
}

func TestContextOverride_MatchesNormalizedName(t *testing.T) {
	c := ContextConfig{Overrides: map[string]int64{"claude-opus-4-5": 150_000}}

	got, ok := c.Override("claude-opus-4-5-20251101")
	if !ok || got != 150_000 {
		t.Fatalf("Override = (%d, %v), want (150000, true)", got, ok)
	}
	if _, ok := c.Override("claude-sonnet-4"); ok {
		t.Fatal("unexpected override for unconfigured model")
	}
}
