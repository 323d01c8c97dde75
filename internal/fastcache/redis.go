// Package fastcache holds the near-real-time per-day counters in Redis and
// the durable queue of readings waiting to be replayed into the backing store.
package fastcache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/metrics"
)

const DefaultPrefix = "ihlas"

// Cache is the Redis tier. Counters are only ever changed with INCRBY and
// HINCRBY so concurrent writers never lose an update.
type Cache struct {
	rdb     redis.UniversalClient
	prefix  string
	logger  internal.Logger
	metrics *metrics.Metrics
	breaker *gobreaker.CircuitBreaker[any]
}

// New wraps an existing client. prefix namespaces every key.
func New(rdb redis.UniversalClient, prefix string, logger internal.Logger, m *metrics.Metrics, bs BreakerSettings) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{
		rdb:     rdb,
		prefix:  prefix,
		logger:  logger,
		metrics: m,
		breaker: newBreaker("fastcache", bs, logger),
	}
}

// Connect parses a redis:// URL into a client without contacting the server.
func Connect(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, xerrors.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Dial is Connect followed by a PING.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	rdb, err := Connect(url)
	if err != nil {
		return nil, err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, xerrors.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (c *Cache) TotalKey(date string) string { return c.prefix + ":" + date + ":total" }
func (c *Cache) UsersKey(date string) string { return c.prefix + ":" + date + ":users" }
func (c *Cache) QueueKey() string            { return c.prefix + ":sync_queue" }
func (c *Cache) ProcessingKey() string       { return c.prefix + ":sync_queue:processing" }
func (c *Cache) LockKey() string             { return c.prefix + ":sync_lock" }

func (c *Cache) fail(op string, err error) error {
	c.metrics.FastCacheErrors.WithLabelValues(op).Inc()
	return xerrors.Errorf("fast cache %s: %w", op, err)
}

// EncodeReading is the queue payload format.
func EncodeReading(r internal.Reading) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeReading parses a queue entry. Entries without a name or date are
// rejected.
func DecodeReading(s string) (internal.Reading, error) {
	var r internal.Reading
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return r, err
	}
	if r.Name == "" || r.Date == "" {
		return r, xerrors.New("queue entry is missing name or date")
	}
	return r, nil
}

// Increment applies r to the counters of r.Date and enqueues it for replay in
// one MULTI/EXEC. The returned totals come from the INCRBY/HINCRBY replies.
func (c *Cache) Increment(ctx context.Context, r internal.Reading) (internal.Totals, error) {
	payload, err := EncodeReading(r)
	if err != nil {
		return internal.Totals{}, xerrors.Errorf("encode reading: %w", err)
	}
	totals, err := guard(c, func() (internal.Totals, error) {
		var total, user *redis.IntCmd
		_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			total = p.IncrBy(ctx, c.TotalKey(r.Date), r.Count)
			user = p.HIncrBy(ctx, c.UsersKey(r.Date), r.Name, r.Count)
			p.RPush(ctx, c.QueueKey(), payload)
			return nil
		})
		if err != nil {
			return internal.Totals{}, err
		}
		return internal.Totals{Total: total.Val(), UserCount: user.Val()}, nil
	})
	if err != nil {
		return internal.Totals{}, c.fail("increment", err)
	}
	return totals, nil
}

// Aggregate reads the counters for date. ok is false when nothing has been
// counted for date yet.
func (c *Cache) Aggregate(ctx context.Context, date string) (agg internal.DailyAggregate, ok bool, err error) {
	type result struct {
		agg internal.DailyAggregate
		ok  bool
	}
	res, err := guard(c, func() (result, error) {
		var total *redis.StringCmd
		var users *redis.MapStringStringCmd
		_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			total = p.Get(ctx, c.TotalKey(date))
			users = p.HGetAll(ctx, c.UsersKey(date))
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return result{}, err
		}
		out := internal.DailyAggregate{Date: date, UserCounts: make(map[string]int64)}
		if errors.Is(total.Err(), redis.Nil) {
			return result{agg: out}, nil
		}
		if out.Total, err = total.Int64(); err != nil {
			return result{}, xerrors.Errorf("total for %s: %w", date, err)
		}
		for name, v := range users.Val() {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				c.logger.Warnf("fastcache: ignoring non-integer counter %s[%s]=%q", c.UsersKey(date), name, v)
				continue
			}
			out.UserCounts[name] = n
		}
		return result{agg: out, ok: true}, nil
	})
	if err != nil {
		return internal.DailyAggregate{}, false, c.fail("aggregate", err)
	}
	return res.agg, res.ok, nil
}

// UserCount returns name's counter for date. ok is false when the date has no
// counters at all, meaning the cache knows nothing about the day.
func (c *Cache) UserCount(ctx context.Context, date, name string) (count int64, ok bool, err error) {
	type result struct {
		n  int64
		ok bool
	}
	res, err := guard(c, func() (result, error) {
		var exists *redis.IntCmd
		var val *redis.StringCmd
		_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			exists = p.Exists(ctx, c.UsersKey(date))
			val = p.HGet(ctx, c.UsersKey(date), name)
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return result{}, err
		}
		if exists.Val() == 0 {
			return result{}, nil
		}
		if errors.Is(val.Err(), redis.Nil) {
			return result{ok: true}, nil
		}
		n, err := val.Int64()
		if err != nil {
			return result{}, xerrors.Errorf("counter for %s: %w", name, err)
		}
		return result{n: n, ok: true}, nil
	})
	if err != nil {
		return 0, false, c.fail("user_count", err)
	}
	return res.n, res.ok, nil
}

// Seed overwrites the counters of agg.Date with agg.
func (c *Cache) Seed(ctx context.Context, agg internal.DailyAggregate) error {
	_, err := guard(c, func() (struct{}, error) {
		_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, c.TotalKey(agg.Date), agg.Total, 0)
			p.Del(ctx, c.UsersKey(agg.Date))
			if len(agg.UserCounts) > 0 {
				fields := make(map[string]interface{}, len(agg.UserCounts))
				for name, n := range agg.UserCounts {
					fields[name] = n
				}
				p.HSet(ctx, c.UsersKey(agg.Date), fields)
			}
			return nil
		})
		return struct{}{}, err
	})
	if err != nil {
		return c.fail("seed", err)
	}
	return nil
}

// QueueLen counts readings not yet replayed, including claimed ones.
func (c *Cache) QueueLen(ctx context.Context) (int64, error) {
	var pending, processing *redis.IntCmd
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.LLen(ctx, c.QueueKey())
		processing = p.LLen(ctx, c.ProcessingKey())
		return nil
	})
	if err != nil {
		return 0, c.fail("queue_len", err)
	}
	return pending.Val() + processing.Val(), nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return c.fail("ping", err)
	}
	return nil
}
