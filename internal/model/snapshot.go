package model

import (
	"slices"
	"time"
)

// SnapshotVersion is the current mirror file format.
const SnapshotVersion = 2

// Snapshot is the whole accounting state in one document. It is the shape of
// the JSON mirror and of the legacy pre-database file.
type Snapshot struct {
	Version   int                  `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
	Sessions  map[string]Session   `json:"sessions"`
	Daily     map[string]Aggregate `json:"daily"`
	Monthly   map[string]Aggregate `json:"monthly"`
	// Activity maps "day:<key>" / "month:<key>" to the sessions counted there.
	Activity map[string][]string `json:"activity,omitempty"`
}

// NewSnapshot returns an empty snapshot with allocated maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		Version:  SnapshotVersion,
		Sessions: make(map[string]Session),
		Daily:    make(map[string]Aggregate),
		Monthly:  make(map[string]Aggregate),
		Activity: make(map[string][]string),
	}
}

// IsEmpty reports whether the snapshot holds no usage.
func (s Snapshot) IsEmpty() bool {
	return len(s.Sessions) == 0 && len(s.Daily) == 0 && len(s.Monthly) == 0
}

// Normalize allocates nil maps so a decoded snapshot is safe to mutate.
func (s *Snapshot) Normalize() {
	if s.Sessions == nil {
		s.Sessions = make(map[string]Session)
	}
	if s.Daily == nil {
		s.Daily = make(map[string]Aggregate)
	}
	if s.Monthly == nil {
		s.Monthly = make(map[string]Aggregate)
	}
	if s.Activity == nil {
		s.Activity = make(map[string][]string)
	}
}

func activityKey(p Period) string {
	return string(p.Kind) + ":" + p.Key
}

// Active reports whether the session has been counted in p.
func (s Snapshot) Active(sessionID string, p Period) bool {
	return slices.Contains(s.Activity[activityKey(p)], sessionID)
}

// MarkActive records the session in p and reports whether it was new there.
func (s *Snapshot) MarkActive(sessionID string, p Period) bool {
	if s.Activity == nil {
		s.Activity = make(map[string][]string)
	}
	k := activityKey(p)
	if slices.Contains(s.Activity[k], sessionID) {
		return false
	}
	s.Activity[k] = append(s.Activity[k], sessionID)
	return true
}

// Lifetime sums the monthly rows.
func (s Snapshot) Lifetime() Lifetime {
	var lt Lifetime
	for _, m := range s.Monthly {
		lt.TotalCost += m.TotalCost
		lt.TotalLinesAdded += m.TotalLinesAdded
		lt.TotalLinesRemoved += m.TotalLinesRemoved
	}
	lt.SessionCount = int64(len(s.Sessions))
	for _, sess := range s.Sessions {
		if sess.StartTime.IsZero() {
			continue
		}
		if lt.EarliestSession.IsZero() || sess.StartTime.Before(lt.EarliestSession) {
			lt.EarliestSession = sess.StartTime
		}
	}
	return lt
}
