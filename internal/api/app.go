package api

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/service"
)

type Submitter interface {
	Submit(ctx context.Context, req service.SubmitRequest) (service.Result, error)
}

type TodayReader interface {
	Today(ctx context.Context) (service.Snapshot, error)
	Progress(ctx context.Context) (service.GoalProgress, error)
}

type Replayer interface {
	RunOnce(ctx context.Context) (int, error)
}

type CacheSeeder interface {
	Seed(ctx context.Context) (service.SeedResult, error)
}

// App is what the handlers need from the running service. Replayer and
// Seeder are nil when no fast cache is configured.
type App interface {
	Logger() internal.Logger
	Submitter() Submitter
	Reader() TodayReader
	Replayer() Replayer
	Seeder() CacheSeeder
	Gatherer() prometheus.Gatherer
	CronSecret() string
	// Ping reports whether the fast cache is reachable. It returns nil when
	// there is none.
	Ping(ctx context.Context) error
}
