package model

import (
	"math"
	"time"
)

// LearnedContextWindow is the per-model context-window estimate.
// WorkspaceDir and DeviceID are audit metadata only.
type LearnedContextWindow struct {
	ModelName           string    `json:"model_name"`
	ObservedMaxTokens   int64     `json:"observed_max_tokens"`
	CeilingObservations int64     `json:"ceiling_observations"`
	CompactionCount     int64     `json:"compaction_count"`
	LastObservedMax     int64     `json:"last_observed_max"`
	ConfidenceScore     float64   `json:"confidence_score"`
	FirstSeen           time.Time `json:"first_seen"`
	LastUpdated         time.Time `json:"last_updated"`
	WorkspaceDir        string    `json:"workspace_dir"`
	DeviceID            string    `json:"device_id"`
}

// Confidence is min(1, ceilings*0.1 + compactions*0.3).
func Confidence(ceilings, compactions int64) float64 {
	c := float64(ceilings)*0.1 + float64(compactions)*0.3
	return math.Min(1.0, c)
}

// Recompute refreshes ConfidenceScore from the counters.
func (w *LearnedContextWindow) Recompute() {
	w.ConfidenceScore = Confidence(w.CeilingObservations, w.CompactionCount)
}

// MigrationRecord is one row of the schema_migrations ledger.
type MigrationRecord struct {
	Version         int       `json:"version"`
	AppliedAt       time.Time `json:"applied_at"`
	Checksum        string    `json:"checksum"`
	Description     string    `json:"description"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
}
