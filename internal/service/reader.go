package service

import (
	"context"
	"time"

	"github.com/coder/quartz"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/aggregator"
)

// Snapshot is what the read path reports for the current effective date.
type Snapshot struct {
	internal.DailyAggregate
	Settings internal.Settings
	Source   string // "fast" or "aggregator"
}

// Reader serves the daily aggregate from the fast cache when it has counters
// for the day, and from the Read Aggregator otherwise.
type Reader struct {
	Cache    FastCache // may be nil
	Agg      *aggregator.Aggregator
	Clock    quartz.Clock
	Location *time.Location
	Logger   internal.Logger
}

// Today never returns a nil UserCounts map. On failure the snapshot is zeroed
// for the day and err says why.
func (r *Reader) Today(ctx context.Context) (Snapshot, error) {
	date, settings := effectiveToday(ctx, r.Agg, r.Clock, r.Location, r.Logger)
	snap := Snapshot{
		DailyAggregate: internal.DailyAggregate{Date: date, UserCounts: map[string]int64{}},
		Settings:       settings,
	}

	if r.Cache != nil {
		agg, ok, err := r.Cache.Aggregate(ctx, date)
		switch {
		case err != nil:
			r.Logger.Warnw("fast cache read failed, falling back to backing store", "date", date, "error", err)
		case ok:
			snap.DailyAggregate = agg
			snap.Source = "fast"
			return snap, nil
		}
	}

	agg, err := r.Agg.Get(ctx, date)
	if err != nil {
		return snap, err
	}
	snap.DailyAggregate = agg
	snap.Source = "aggregator"
	return snap, nil
}
