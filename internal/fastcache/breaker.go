package fastcache

import (
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/yourname/dailytally/internal"
)

// BreakerSettings tune when the fast cache is considered down.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 3, OpenTimeout: 10 * time.Second}
}

func newBreaker(name string, s BreakerSettings, logger internal.Logger) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("fast cache breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// guard runs fn through the breaker. An open breaker fails immediately with
// gobreaker.ErrOpenState.
func guard[T any](c *Cache, fn func() (T, error)) (T, error) {
	v, err := c.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
