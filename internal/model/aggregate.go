package model

import "time"

// Aggregate holds the rolled-up totals for one calendar period.
// Totals are the sum of deltas contributed within the period.
type Aggregate struct {
	Key               string    `json:"key"`
	TotalCost         float64   `json:"total_cost"`
	TotalLinesAdded   int64     `json:"total_lines_added"`
	TotalLinesRemoved int64     `json:"total_lines_removed"`
	SessionCount      int64     `json:"session_count"`
	DeviceID          string    `json:"device_id,omitempty"`
	SyncTimestamp     time.Time `json:"sync_timestamp"`
}

// Apply folds a delta into the aggregate and bumps the session count when
// the contributing session is new to the period.
func (a *Aggregate) Apply(d Delta, newSession bool) {
	a.TotalCost += d.Cost
	a.TotalLinesAdded += d.LinesAdded
	a.TotalLinesRemoved += d.LinesRemoved
	if newSession {
		a.SessionCount++
	}
}

// DailyAggregate is keyed by local calendar day (YYYY-MM-DD).
type DailyAggregate = Aggregate

// MonthlyAggregate is keyed by local calendar month (YYYY-MM).
type MonthlyAggregate = Aggregate

// Lifetime holds all-time totals.
type Lifetime struct {
	TotalCost         float64   `json:"total_cost"`
	TotalLinesAdded   int64     `json:"total_lines_added"`
	TotalLinesRemoved int64     `json:"total_lines_removed"`
	SessionCount      int64     `json:"session_count"`
	EarliestSession   time.Time `json:"earliest_session,omitempty"`
}

// CurrentTotals is what a record call hands back to the display layer.
type CurrentTotals struct {
	Session         Session   `json:"session"`
	Today           Aggregate `json:"today"`
	Month           Aggregate `json:"month"`
	Lifetime        Lifetime  `json:"lifetime"`
	SessionStart    time.Time `json:"session_start"`
	LastUpdated     time.Time `json:"last_updated"`
	BurnRatePerHour float64   `json:"burn_rate_per_hour"`
	// Degraded is set when the persistent backend could not be updated and
	// the figures come from memory only.
	Degraded bool `json:"degraded,omitempty"`
}

// Diagnostics is the machine-readable snapshot behind `burnline stats --json`.
type Diagnostics struct {
	Backend       string    `json:"backend"`
	StorePath     string    `json:"store_path"`
	MirrorPath    string    `json:"mirror_path"`
	MirrorEnabled bool      `json:"mirror_enabled"`
	Today         Aggregate `json:"today"`
	Month         Aggregate `json:"month"`
	Lifetime      Lifetime  `json:"lifetime"`
	SessionCount  int64     `json:"session_count"`
	EarliestDate  string    `json:"earliest_date,omitempty"`
	GeneratedAt   time.Time `json:"generated_at"`
}
