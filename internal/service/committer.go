package service

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/aggregator"
	"github.com/yourname/dailytally/internal/storage"
)

const (
	PathFast     = "fast"
	PathFallback = "fallback"
	PathDirect   = "direct"
)

// FastCache is the part of the Redis tier the write and read paths use.
type FastCache interface {
	Increment(ctx context.Context, r internal.Reading) (internal.Totals, error)
	Aggregate(ctx context.Context, date string) (internal.DailyAggregate, bool, error)
	UserCount(ctx context.Context, date, name string) (int64, bool, error)
}

// Committed describes where a reading went. Totals is set only when the
// write path read them back.
type Committed struct {
	Path   string
	Totals *internal.Totals
}

// Committer persists an accepted reading. One implementation is chosen per
// deployment.
type Committer interface {
	Commit(ctx context.Context, r internal.Reading) (Committed, error)
}

// QueuedCommitter increments the fast cache and queues the reading for
// replay. When the fast cache fails it appends to the backing store directly.
type QueuedCommitter struct {
	Cache  FastCache
	Store  storage.BackingStore
	Agg    *aggregator.Aggregator
	Logger internal.Logger
}

func (q *QueuedCommitter) Commit(ctx context.Context, r internal.Reading) (Committed, error) {
	totals, err := q.Cache.Increment(ctx, r)
	if err == nil {
		return Committed{Path: PathFast, Totals: &totals}, nil
	}
	q.Logger.Warnw("fast path failed, writing to backing store", "name", r.Name, "count", r.Count, "date", r.Date, "error", err)

	if err := q.Store.AppendRow(ctx, r); err != nil {
		return Committed{}, xerrors.Errorf("fallback append: %w", err)
	}
	q.Agg.Invalidate()
	return Committed{Path: PathFallback}, nil
}

// DirectCommitter appends to the backing store and patches the cached
// aggregate optimistically.
type DirectCommitter struct {
	Store storage.BackingStore
	Agg   *aggregator.Aggregator
}

func (d *DirectCommitter) Commit(ctx context.Context, r internal.Reading) (Committed, error) {
	if err := d.Store.AppendRow(ctx, r); err != nil {
		return Committed{}, xerrors.Errorf("append: %w", err)
	}
	d.Agg.ApplyDelta(r.Date, r.Name, r.Count)
	return Committed{Path: PathDirect}, nil
}
