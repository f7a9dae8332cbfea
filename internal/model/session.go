// Package model defines domain types for burnline usage accounting.
package model

import "time"

// TokenBreakdown holds the per-type token counts reported for a session.
type TokenBreakdown struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
}

// Total returns the sum of all token types.
func (t TokenBreakdown) Total() int64 {
	return t.InputTokens + t.OutputTokens + t.CacheReadTokens + t.CacheCreationTokens
}

// Session is the persisted state of one work session. Cost and line counts
// are the latest cumulative values reported by the host, not sums.
type Session struct {
	SessionID         string         `json:"session_id"`
	StartTime         time.Time      `json:"start_time"`
	LastUpdated       time.Time      `json:"last_updated"`
	Cost              float64        `json:"cost"`
	LinesAdded        int64          `json:"lines_added"`
	LinesRemoved      int64          `json:"lines_removed"`
	MaxTokensObserved int64          `json:"max_tokens_observed"`
	ModelName         string         `json:"model_name"`
	WorkspaceDir      string         `json:"workspace_dir"`
	Tokens            TokenBreakdown `json:"tokens"`
	DeviceID          string         `json:"device_id"`
	SyncTimestamp     time.Time      `json:"sync_timestamp"`
}

// SessionUpdate is one cumulative usage report for a session.
type SessionUpdate struct {
	SessionID         string
	Cost              float64
	LinesAdded        int64
	LinesRemoved      int64
	ModelName         string
	WorkspaceDir      string
	Tokens            TokenBreakdown
	MaxTokensObserved int64
	DeviceID          string
	At                time.Time
}

// Delta is the change between two successive cumulative readings.
type Delta struct {
	Cost         float64 `json:"cost"`
	LinesAdded   int64   `json:"lines_added"`
	LinesRemoved int64   `json:"lines_removed"`
}

// IsZero reports whether the delta carries no change.
func (d Delta) IsZero() bool {
	return d.Cost == 0 && d.LinesAdded == 0 && d.LinesRemoved == 0
}

// SessionDelta is returned by a session upsert.
type SessionDelta struct {
	Delta
	// Created is true when the report created the session row.
	Created bool
	// PrevMaxTokens is the session's max_tokens_observed before the update.
	PrevMaxTokens int64
	// StartTime is the session's (possibly pre-existing) start time.
	StartTime time.Time
}
