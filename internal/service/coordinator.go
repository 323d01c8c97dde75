package service

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/aggregator"
	"github.com/yourname/dailytally/internal/metrics"
)

// Result is the outcome of an accepted submission.
type Result struct {
	Name     string
	Date     string
	Count    int64 // the amount actually written
	Adjusted bool  // Count was clamped by a confirmed correction
	Path     string
	Totals   *internal.Totals
}

type CoordinatorDeps struct {
	Committer Committer
	// Cache is consulted for credit. Nil when the deployment has no fast cache.
	Cache    FastCache
	Agg      *aggregator.Aggregator
	Clock    quartz.Clock
	Location *time.Location
	Logger   internal.Logger
	Metrics  *metrics.Metrics
}

// Coordinator validates submissions, runs the correction protocol and hands
// accepted readings to its Committer.
type Coordinator struct {
	CoordinatorDeps
}

func NewCoordinator(deps CoordinatorDeps) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &Coordinator{CoordinatorDeps: deps}
}

// Today is the effective date for the current instant under the cached
// settings.
func (c *Coordinator) Today(ctx context.Context) (string, internal.Settings) {
	return effectiveToday(ctx, c.Agg, c.Clock, c.Location, c.Logger)
}

func effectiveToday(ctx context.Context, agg *aggregator.Aggregator, clock quartz.Clock, loc *time.Location, logger internal.Logger) (string, internal.Settings) {
	settings, err := agg.Settings(ctx)
	if err != nil {
		logger.Warnf("service: settings unavailable, reset hour %d assumed: %v", settings.ResetHour, err)
	}
	return internal.EffectiveDate(clock.Now(), settings.ResetHour, loc), settings
}

// Submit records one reading. Negative counts are checked against the name's
// credit for the day: no credit fails with internal.ErrNoCredit, and asking
// for more than the credit fails with *internal.ConfirmationRequiredError
// unless ConfirmCorrection is set, in which case the amount is clamped.
//
// The credit check and the write are not atomic. Two concurrent corrections
// for the same name can both pass against the same credit.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	name, count, err := req.Parse()
	if err != nil {
		return Result{}, err
	}
	date, _ := c.Today(ctx)
	res := Result{Name: name, Date: date, Count: count}

	if count < 0 {
		credit := c.credit(ctx, date, name)
		switch {
		case credit <= 0:
			c.Metrics.Corrections.WithLabelValues("no_credit").Inc()
			return Result{}, xerrors.Errorf("%s has nothing recorded for %s: %w", name, date, internal.ErrNoCredit)
		case -count > credit && !req.ConfirmCorrection:
			c.Metrics.Corrections.WithLabelValues("confirmation_required").Inc()
			return Result{}, &internal.ConfirmationRequiredError{Name: name, Requested: -count, MaxSubtractable: credit}
		case -count > credit:
			c.Metrics.Corrections.WithLabelValues("clamped").Inc()
			res.Count = -credit
			res.Adjusted = true
		default:
			c.Metrics.Corrections.WithLabelValues("accepted").Inc()
		}
	}

	reading := internal.Reading{Name: name, Count: res.Count, Date: date, Timestamp: c.Clock.Now().UTC()}
	committed, err := c.Committer.Commit(ctx, reading)
	if err != nil {
		return Result{}, err
	}
	c.Metrics.Writes.WithLabelValues(committed.Path).Inc()
	c.Logger.Infow("reading recorded", "name", name, "count", res.Count, "date", date, "path", committed.Path, "adjusted", res.Adjusted)

	res.Path = committed.Path
	res.Totals = committed.Totals
	return res, nil
}

// credit is what name has on record for date, from the fastest source that
// knows about the day. It is 0 when no source can answer.
func (c *Coordinator) credit(ctx context.Context, date, name string) int64 {
	if c.Cache != nil {
		n, ok, err := c.Cache.UserCount(ctx, date, name)
		switch {
		case err != nil:
			c.Logger.Warnw("credit lookup in fast cache failed", "name", name, "error", err)
		case ok:
			return n
		}
	}
	if agg, ok := c.Agg.Peek(date); ok {
		return agg.UserCounts[name]
	}
	agg, err := c.Agg.Refresh(ctx, date)
	if err != nil {
		c.Logger.Warnw("credit lookup in backing store failed, treating credit as 0", "name", name, "error", err)
		return 0
	}
	return agg.UserCounts[name]
}
