// Package replay drains the fast cache's queue into the backing store.
package replay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/fastcache"
	"github.com/yourname/dailytally/internal/metrics"
)

const (
	DefaultBatchSize = 100
	DefaultLockTTL   = 2 * time.Minute
)

// ErrReplayInProgress is returned by RunOnce when another run holds either
// the in-process or the Redis lock.
var ErrReplayInProgress = errors.New("replay already in progress")

// Store is where replayed readings end up.
type Store interface {
	AppendRows(ctx context.Context, rs []internal.Reading) error
}

type Options struct {
	BatchSize int
	LockTTL   time.Duration
	// NewBackOff builds the retry policy for one batch append. The default
	// is exponential and gives up after a minute.
	NewBackOff func() backoff.BackOff
	Clock      quartz.Clock
	Logger     internal.Logger
	Metrics    *metrics.Metrics
}

type Worker struct {
	queue *fastcache.Queue
	store Store
	opts  Options

	// running serialises runs within the process. The Redis lock does the
	// same across processes.
	running sync.Mutex
}

func New(queue *fastcache.Queue, store Store, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.MaxElapsedTime = time.Minute
			return eb
		}
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = internal.NewZapLogger(zap.NewNop().Sugar())
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return &Worker{queue: queue, store: store, opts: opts}
}

// RunOnce replays at most one batch and reports how many readings reached the
// backing store. Entries that cannot be decoded are dropped. When the append
// fails, reliable mode puts the batch back at the head of the queue while
// simple mode loses it.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if !w.running.TryLock() {
		return 0, ErrReplayInProgress
	}
	defer w.running.Unlock()

	unlock, err := w.queue.Lock(ctx, w.opts.LockTTL)
	if errors.Is(err, fastcache.ErrLocked) {
		return 0, ErrReplayInProgress
	}
	if err != nil {
		w.opts.Metrics.ReplayFailures.Inc()
		return 0, xerrors.Errorf("take replay lock: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			w.opts.Logger.Warnw("replay lock not released, it will expire", "ttl", w.opts.LockTTL, "error", err)
		}
	}()

	synced, err := w.run(ctx)
	if err != nil {
		w.opts.Metrics.ReplayFailures.Inc()
	}
	return synced, err
}

func (w *Worker) run(ctx context.Context) (int, error) {
	log := w.opts.Logger

	recovered, err := w.queue.Recover(ctx)
	if err != nil {
		return 0, xerrors.Errorf("recover interrupted batch: %w", err)
	}
	if recovered > 0 {
		log.Warnw("requeued readings left by an interrupted replay", "count", recovered)
	}

	items, err := w.queue.Claim(ctx, w.opts.BatchSize)
	if err != nil {
		// A partial reliable claim stays on the processing list and is
		// recovered by the next run.
		return 0, xerrors.Errorf("claim batch: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	readings := make([]internal.Reading, 0, len(items))
	payloads := make([]string, 0, len(items))
	var dropped []string
	for _, item := range items {
		r, err := fastcache.DecodeReading(item)
		if err != nil {
			log.Errorw("dropping unreadable queue entry", "entry", item, "error", err)
			dropped = append(dropped, item)
			continue
		}
		readings = append(readings, r)
		payloads = append(payloads, item)
	}
	if len(dropped) > 0 {
		w.opts.Metrics.ReplayDropped.Add(float64(len(dropped)))
		if err := w.queue.Ack(ctx, dropped); err != nil {
			log.Warnw("dropped entries not acked", "count", len(dropped), "error", err)
		}
	}
	if len(readings) == 0 {
		return 0, nil
	}

	if err := w.append(ctx, readings); err != nil {
		released, rerr := w.queue.Release(context.WithoutCancel(ctx), payloads)
		switch {
		case rerr != nil:
			log.Errorw("batch not requeued, it will be recovered by the next run", "count", len(payloads), "error", rerr)
		case !released:
			w.opts.Metrics.ReplayLost.Add(float64(len(payloads)))
			log.Errorw("replay batch lost", "count", len(payloads), "error", err)
		}
		return 0, xerrors.Errorf("append %d readings: %w", len(readings), err)
	}

	if err := w.queue.Ack(context.WithoutCancel(ctx), payloads); err != nil {
		// The rows are already stored; recovering them would write them twice.
		log.Errorw("replayed batch not acked, it may be replayed again", "count", len(payloads), "error", err)
	}
	w.opts.Metrics.ReplaySynced.Add(float64(len(readings)))
	log.Infow("replayed readings", "count", len(readings))
	return len(readings), nil
}

// append retries only while the backing store reports itself unavailable.
func (w *Worker) append(ctx context.Context, readings []internal.Reading) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := w.store.AppendRows(ctx, readings)
		if err == nil {
			return nil
		}
		if !errors.Is(err, internal.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		w.opts.Logger.Warnw("backing store unavailable, retrying batch", "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(w.opts.NewBackOff(), ctx))
}

// Start runs RunOnce every interval until ctx is done. Failed runs are logged
// and retried on the next tick.
func (w *Worker) Start(ctx context.Context, interval time.Duration) quartz.Waiter {
	return w.opts.Clock.TickerFunc(ctx, interval, func() error {
		synced, err := w.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrReplayInProgress):
			w.opts.Logger.Debugf("replay: skipped tick, a run is in progress")
		case err != nil:
			w.opts.Logger.Errorw("scheduled replay failed", "error", err)
		case synced > 0:
			w.opts.Logger.Debugf("replay: scheduled run synced %d readings", synced)
		}
		return nil
	}, "replay")
}
