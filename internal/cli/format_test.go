package cli

import (
	"strings"
	"testing"
	"time"
)

func TestFormatCost(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "$0.00"},
		{1.5, "$1.50"},
		{12.34, "$12.3"},
		{250, "$250"},
		{1234.6, "$1,235"},
	}
	for _, tt := range tests {
		if got := FormatCost(tt.in); got != tt.want {
			t.Errorf("FormatCost(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatTokens(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{999, "999"},
		{190_000, "190.0K"},
		{1_250_000, "1.2M"},
		{-2_000, "-2.0K"},
	}
	for _, tt := range tests {
		if got := FormatTokens(tt.in); got != tt.want {
			t.Errorf("FormatTokens(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatNumber(t *testing.T) {
	if got := FormatNumber(1234567); got != "1,234,567" {
		t.Errorf("FormatNumber = %q", got)
	}
	if got := FormatNumber(-1000); got != "-1,000" {
		t.Errorf("FormatNumber negative = %q", got)
	}
}

func TestFormatDayKey(t *testing.T) {
	if got := FormatDayKey("2025-06-15"); got != "Sun" {
		t.Errorf("FormatDayKey = %q, want Sun", got)
	}
	if got := FormatDayKey("2025-06"); got != "" {
		t.Errorf("FormatDayKey(month) = %q, want empty", got)
	}
	if got := FormatDayKey("2025-02-30"); got != "" {
		t.Errorf("FormatDayKey(invalid day) = %q, want empty", got)
	}
}

func TestFormatDelta(t *testing.T) {
	if got := FormatDelta(1.5, 1.0); got != "+$0.50" {
		t.Errorf("FormatDelta up = %q", got)
	}
	if got := FormatDelta(1.0, 1.5); got != "-$0.50" {
		t.Errorf("FormatDelta down = %q", got)
	}
}

func TestFormatSinceAndRate(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	if got := FormatSince(now.Add(-65*time.Minute), now); got != "1h 5m ago" {
		t.Errorf("FormatSince = %q", got)
	}
	if got := FormatSince(time.Time{}, now); got != "never" {
		t.Errorf("FormatSince(zero) = %q", got)
	}
	if got := FormatRate(0); got != "-" {
		t.Errorf("FormatRate(0) = %q", got)
	}
	if got := FormatRate(1.5); got != "$1.50/h" {
		t.Errorf("FormatRate = %q", got)
	}
}

func TestRenderTableAlignsColumns(t *testing.T) {
	out := RenderTable(Table{
		Headers: []string{"Date", "Cost"},
		Rows: [][]string{
			{"2025-06-14", "$1.00"},
			{"2025-06-15", "$12.5"},
		},
	})
	if !strings.Contains(out, "2025-06-15") || !strings.Contains(out, "$12.5") {
		t.Fatalf("table missing cells:\n%s", out)
	}
	if lines := strings.Count(out, "\n"); lines != 6 {
		t.Fatalf("table has %d lines, want 6", lines)
	}
}

func TestRenderKV(t *testing.T) {
	out := RenderKV("", []KV{{"Backend", "sqlite"}, {"Sessions", "3"}})
	if !strings.Contains(out, "sqlite") || strings.Count(out, "\n") != 2 {
		t.Fatalf("unexpected KV output:\n%s", out)
	}
}
