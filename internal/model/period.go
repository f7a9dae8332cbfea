package model

import "time"

// PeriodKind distinguishes day and month rollups.
type PeriodKind string

const (
	PeriodDay   PeriodKind = "day"
	PeriodMonth PeriodKind = "month"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Period identifies one rollup bucket.
type Period struct {
	Kind PeriodKind
	Key  string
}

// DayKey returns the local calendar day of t in loc.
// Every day key in the system must come from here.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(orLocal(loc)).Format(dayLayout)
}

// MonthKey returns the local calendar month of t in loc.
func MonthKey(t time.Time, loc *time.Location) string {
	return t.In(orLocal(loc)).Format(monthLayout)
}

// Day returns the day period containing t.
func Day(t time.Time, loc *time.Location) Period {
	return Period{Kind: PeriodDay, Key: DayKey(t, loc)}
}

// Month returns the month period containing t.
func Month(t time.Time, loc *time.Location) Period {
	return Period{Kind: PeriodMonth, Key: MonthKey(t, loc)}
}

// ParseDayKey parses a day key back into local midnight.
func ParseDayKey(key string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dayLayout, key, orLocal(loc))
}

func orLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}
	return loc
}
