package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// CourierLimiter counts provider calls per courier in one-minute windows
// shared by every worker process.
type CourierLimiter struct {
	c      *redis.Client
	prefix string
	now    func() time.Time
}

func NewCourierLimiter(c *redis.Client, prefix string) *CourierLimiter {
	if prefix == "" {
		prefix = "rl:carrier:"
	}
	return &CourierLimiter{c: c, prefix: prefix, now: time.Now}
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed bool
	Count   int64
	// RetryAfter is the time left until the current window closes.
	RetryAfter time.Duration
}

// Take registers one call for courier and reports whether it fits into limit.
func (l *CourierLimiter) Take(ctx context.Context, courier string, limit int64) (Decision, error) {
	now := l.now().UTC()
	window := now.Truncate(time.Minute)
	key := fmt.Sprintf("%s%s:%s", l.prefix, courier, window.Format("200601021504"))

	pipe := l.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// TTL с запасом на дрейф часов между процессами
	pipe.Expire(ctx, key, 70*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, errors.Wrapf(err, "redis ratelimit %s", courier)
	}

	n := incr.Val()
	return Decision{
		Allowed:    n <= limit,
		Count:      n,
		RetryAfter: window.Add(time.Minute).Sub(now),
	}, nil
}
