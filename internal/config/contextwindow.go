package config

import (
	"strings"
)

// GlobalFallbackWindow is used when nothing else identifies a model's window.
const GlobalFallbackWindow int64 = 200_000

// modelWindow is one entry of the built-in table, matched by family prefix.
type modelWindow struct {
	Prefix string
	Tokens int64
}

// defaultWindows maps model families to their context windows.
// Entries are checked in order, so longer prefixes must come first.
var defaultWindows = []modelWindow{
	{Prefix: "claude-sonnet-4-5[1m]", Tokens: 1_000_000},
	{Prefix: "claude-sonnet-4[1m]", Tokens: 1_000_000},
	{Prefix: "claude-opus-4-6", Tokens: 200_000},
	{Prefix: "claude-opus-4-5", Tokens: 200_000},
	{Prefix: "claude-opus-4-1", Tokens: 200_000},
	{Prefix: "claude-opus-4", Tokens: 200_000},
	{Prefix: "claude-sonnet-4-6", Tokens: 200_000},
	{Prefix: "claude-sonnet-4-5", Tokens: 200_000},
	{Prefix: "claude-sonnet-4", Tokens: 200_000},
	{Prefix: "claude-3-7-sonnet", Tokens: 200_000},
	{Prefix: "claude-3-5-sonnet", Tokens: 200_000},
	{Prefix: "claude-haiku-4-5", Tokens: 200_000},
	{Prefix: "claude-3-5-haiku", Tokens: 200_000},
	{Prefix: "claude-haiku-3-5", Tokens: 200_000},
}

// NormalizeModelName lowercases a model id and strips a date suffix.
// e.g., "claude-opus-4-5-20251101" -> "claude-opus-4-5"
func NormalizeModelName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))

	// Models can have date suffixes like -20251101 (8 digits)
	parts := strings.Split(name, "-")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if isAllDigits(last) && len(last) >= 8 {
			return strings.Join(parts[:len(parts)-1], "-")
		}
	}
	return name
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// LookupDefaultWindow returns the built-in context window for a model family.
// Returns false if the family is unknown.
func LookupDefaultWindow(model string) (int64, bool) {
	normalized := NormalizeModelName(model)
	if normalized == "" {
		return 0, false
	}
	for _, w := range defaultWindows {
		if strings.HasPrefix(normalized, w.Prefix) {
			return w.Tokens, true
		}
	}
	return 0, false
}

// Override returns a user-configured window for model, matching either the
// raw or the normalized name.
func (c ContextConfig) Override(model string) (int64, bool) {
	if len(c.Overrides) == 0 {
		return 0, false
	}
	if v, ok := c.Overrides[model]; ok {
		return v, true
	}
	v, ok := c.Overrides[NormalizeModelName(model)]
	return v, ok
}
