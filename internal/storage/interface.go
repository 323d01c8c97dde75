package storage

import (
	"context"
	"sort"

	"github.com/yourname/dailytally/internal"
)

// Partition identifies the per-day container readings are appended to: a
// sheet tab, or a daily_totals row for the SQL backends.
type Partition struct {
	Date    string
	Created bool
}

// BackingStore is the authoritative, slow tier. Every method may fail with an
// error wrapping internal.ErrUnavailable or internal.ErrUnauthenticated.
type BackingStore interface {
	ResolvePartition(ctx context.Context, date string) (Partition, error)
	AppendRow(ctx context.Context, r internal.Reading) error
	// AppendRows writes a batch, grouped by each reading's date.
	AppendRows(ctx context.Context, rs []internal.Reading) error
	ReadAggregate(ctx context.Context, date string) (internal.DailyAggregate, error)
	ReadSettings(ctx context.Context) (internal.Settings, error)
	Close() error
}

// groupByDate splits readings per partition, keeping dates in ascending order
// and readings in their original order.
func groupByDate(rs []internal.Reading) ([]string, map[string][]internal.Reading) {
	groups := make(map[string][]internal.Reading)
	for _, r := range rs {
		groups[r.Date] = append(groups[r.Date], r)
	}
	dates := make([]string, 0, len(groups))
	for d := range groups {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates, groups
}

// reconcileTotal decides the reported total of agg given the partition's
// precomputed total. It reports whether the precomputed value needs to be
// rewritten. The row sum always wins so that total == sum(userCounts).
func reconcileTotal(logger internal.Logger, agg *internal.DailyAggregate, precomputed int64, valid bool) bool {
	if !valid {
		logger.Warnf("storage: total for %s is missing or not a number, recomputed %d from rows", agg.Date, agg.Total)
		return true
	}
	if precomputed != agg.Total {
		logger.Warnf("storage: total for %s is %d but rows sum to %d, using rows", agg.Date, precomputed, agg.Total)
		return true
	}
	return false
}
