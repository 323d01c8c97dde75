package service

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/aggregator"
	"github.com/yourname/dailytally/internal/storage"
)

// SeedTarget receives backing store truth.
type SeedTarget interface {
	Seed(ctx context.Context, agg internal.DailyAggregate) error
	QueueLen(ctx context.Context) (int64, error)
}

type SeedResult struct {
	Date         string
	Total        int64
	UserCount    int
	PendingQueue int64
}

// Seeder overwrites the fast cache counters of the current effective date
// with what the backing store holds.
type Seeder struct {
	Store    storage.BackingStore
	Target   SeedTarget
	Agg      *aggregator.Aggregator
	Clock    quartz.Clock
	Location *time.Location
	Logger   internal.Logger
}

// Seed reads the store directly, bypassing every cache. Readings still
// waiting in the replay queue are not part of the store yet, so seeding while
// the queue is non-empty undercounts until they are replayed.
func (s *Seeder) Seed(ctx context.Context) (SeedResult, error) {
	date, _ := effectiveToday(ctx, s.Agg, s.Clock, s.Location, s.Logger)

	agg, err := s.Store.ReadAggregate(ctx, date)
	if err != nil {
		return SeedResult{}, xerrors.Errorf("read %s: %w", date, err)
	}
	pending, err := s.Target.QueueLen(ctx)
	if err != nil {
		return SeedResult{}, xerrors.Errorf("queue length: %w", err)
	}
	if pending > 0 {
		s.Logger.Warnw("seeding with readings still queued for replay", "date", date, "pending", pending)
	}
	if err := s.Target.Seed(ctx, agg); err != nil {
		return SeedResult{}, xerrors.Errorf("seed %s: %w", date, err)
	}
	s.Agg.Invalidate()
	s.Logger.Infow("fast cache seeded", "date", date, "total", agg.Total, "users", len(agg.UserCounts))

	return SeedResult{Date: date, Total: agg.Total, UserCount: len(agg.UserCounts), PendingQueue: pending}, nil
}
