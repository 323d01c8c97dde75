package internal

import "time"

// Reading is a single accepted submission. It is appended to the backing
// store's partition for Date and never modified afterwards.
type Reading struct {
	Name      string    `json:"name"`
	Count     int64     `json:"count"`
	Date      string    `json:"date"` // effective day key, YYYY-MM-DD
	Timestamp time.Time `json:"timestamp"`
}

// DailyAggregate is derived from the readings of one effective date.
type DailyAggregate struct {
	Date       string           `json:"date"`
	Total      int64            `json:"total"`
	UserCounts map[string]int64 `json:"userCounts"`
}

// NewDailyAggregate sums readings into an aggregate for date. Readings for
// other dates are ignored.
func NewDailyAggregate(date string, readings []Reading) DailyAggregate {
	agg := DailyAggregate{Date: date, UserCounts: make(map[string]int64)}
	for _, r := range readings {
		if r.Date != date {
			continue
		}
		agg.Total += r.Count
		agg.UserCounts[r.Name] += r.Count
	}
	return agg
}

// Clone returns a deep copy so callers can mutate the map freely.
func (a DailyAggregate) Clone() DailyAggregate {
	c := DailyAggregate{Date: a.Date, Total: a.Total, UserCounts: make(map[string]int64, len(a.UserCounts))}
	for k, v := range a.UserCounts {
		c.UserCounts[k] = v
	}
	return c
}

// Settings are edited out of band in the backing store.
type Settings struct {
	DhikrName string `json:"dhikrName"`
	Target    int64  `json:"target"`
	ResetHour int    `json:"resetHour"`
}

const (
	DefaultDhikrName = "İhlas"
	DefaultTarget    = 100000
	DefaultResetHour = 22

	// AnonymousName is used for stored rows that have no name.
	AnonymousName = "Anonim"

	// MaxAmount bounds |count| of a single submission.
	MaxAmount = 10000
)

func DefaultSettings() Settings {
	return Settings{DhikrName: DefaultDhikrName, Target: DefaultTarget, ResetHour: DefaultResetHour}
}

// Normalize replaces out-of-range fields with their defaults.
func (s Settings) Normalize() Settings {
	if s.DhikrName == "" {
		s.DhikrName = DefaultDhikrName
	}
	if s.Target <= 0 {
		s.Target = DefaultTarget
	}
	if s.ResetHour < 0 || s.ResetHour > 23 {
		s.ResetHour = DefaultResetHour
	}
	return s
}

// Totals are the counters read back from a fast-path increment.
type Totals struct {
	Total     int64
	UserCount int64
}
