package fastcache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

const (
	ModeSimple   = "simple"
	ModeReliable = "reliable"
)

// ErrLocked is returned by Lock when another replay holds the lock.
var ErrLocked = errors.New("replay lock is held")

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Queue is the replay queue. In simple mode claimed entries leave Redis
// immediately. In reliable mode they are parked on a processing list until
// acked or released.
type Queue struct {
	c    *Cache
	mode string
}

func (c *Cache) Queue(mode string) *Queue {
	if mode != ModeSimple {
		mode = ModeReliable
	}
	return &Queue{c: c, mode: mode}
}

func (q *Queue) Reliable() bool { return q.mode == ModeReliable }

// Recover moves entries left on the processing list by an interrupted run
// back to the head of the queue. It is a no-op in simple mode.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if !q.Reliable() {
		return 0, nil
	}
	n := 0
	for {
		err := q.c.rdb.LMove(ctx, q.c.ProcessingKey(), q.c.QueueKey(), "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, q.c.fail("recover", err)
		}
		n++
	}
}

// Claim takes up to n entries from the head of the queue, oldest first.
func (q *Queue) Claim(ctx context.Context, n int) ([]string, error) {
	if !q.Reliable() {
		items, err := q.c.rdb.LPopCount(ctx, q.c.QueueKey(), n).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, q.c.fail("claim", err)
		}
		return items, nil
	}

	cmds, err := q.c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i := 0; i < n; i++ {
			p.LMove(ctx, q.c.QueueKey(), q.c.ProcessingKey(), "LEFT", "RIGHT")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, q.c.fail("claim", err)
	}
	items := make([]string, 0, n)
	for _, cmd := range cmds {
		v, err := cmd.(*redis.StringCmd).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return items, q.c.fail("claim", err)
		}
		items = append(items, v)
	}
	return items, nil
}

// Ack removes claimed entries for good.
func (q *Queue) Ack(ctx context.Context, items []string) error {
	if !q.Reliable() || len(items) == 0 {
		return nil
	}
	_, err := q.c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, item := range items {
			p.LRem(ctx, q.c.ProcessingKey(), 1, item)
		}
		return nil
	})
	if err != nil {
		return q.c.fail("ack", err)
	}
	return nil
}

// Release puts claimed entries back at the head of the queue in their
// original order. It reports false in simple mode, where claimed entries
// cannot be returned.
func (q *Queue) Release(ctx context.Context, items []string) (bool, error) {
	if !q.Reliable() {
		return false, nil
	}
	if len(items) == 0 {
		return true, nil
	}
	_, err := q.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i := len(items) - 1; i >= 0; i-- {
			p.LRem(ctx, q.c.ProcessingKey(), 1, items[i])
			p.LPush(ctx, q.c.QueueKey(), items[i])
		}
		return nil
	})
	if err != nil {
		return false, q.c.fail("release", err)
	}
	return true, nil
}

// Lock takes the cross-process replay lock for ttl. The returned func
// releases it if it is still ours.
func (q *Queue) Lock(ctx context.Context, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := q.c.rdb.SetNX(ctx, q.c.LockKey(), token, ttl).Result()
	if err != nil {
		return nil, q.c.fail("lock", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, q.c.rdb, []string{q.c.LockKey()}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return xerrors.Errorf("release replay lock: %w", err)
		}
		return nil
	}, nil
}
