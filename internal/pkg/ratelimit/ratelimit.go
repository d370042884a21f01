// Package ratelimit implements fixed-window counters backed by Redis with an
// in-process fallback for single-node and test runs.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// Window is a fixed window: at most Limit hits per Period.
type Window struct {
	Name   string
	Limit  int
	Period time.Duration
}

// PerMinute and PerDay are the windows used for payouts.
func PerMinute(limit int) Window { return Window{Name: "minute", Limit: limit, Period: time.Minute} }

func PerDay(limit int) Window { return Window{Name: "day", Limit: limit, Period: 24 * time.Hour} }

// Limiter counts one hit against every window. A window with Limit <= 0 is
// unlimited. The first exceeded window is reported in the wrapped error.
type Limiter interface {
	Allow(ctx context.Context, scope, key string, windows ...Window) error
}

// New returns a Redis limiter, or an in-memory one when rdb is nil.
func New(rdb *redis.Client) Limiter {
	if rdb == nil {
		log.Warn().Msg("Rate limiter running in memory mode")
		return NewMemory()
	}
	return NewRedis(rdb)
}

func bucketKey(scope, key string, w Window, now time.Time) string {
	bucket := now.Unix() / int64(w.Period/time.Second)
	return fmt.Sprintf("ratelimit:%s:%s:%s:%d", scope, key, w.Name, bucket)
}

// RedisLimiter uses INCR + EXPIRE per window bucket.
type RedisLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedis(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, scope, key string, windows ...Window) error {
	now := l.now()
	for _, w := range windows {
		if w.Limit <= 0 {
			continue
		}
		k := bucketKey(scope, key, w, now)

		pipe := l.rdb.TxPipeline()
		incr := pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, w.Period)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("rate limit counter: %w", err)
		}
		if incr.Val() > int64(w.Limit) {
			return fmt.Errorf("%w: %d per %s", ErrRateLimited, w.Limit, w.Name)
		}
	}
	return nil
}

// MemoryLimiter keeps counters in a map. Expired buckets are pruned lazily.
type MemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]memoryCounter
	now    func() time.Time
}

type memoryCounter struct {
	n         int
	expiresAt time.Time
}

func NewMemory() *MemoryLimiter {
	return &MemoryLimiter{counts: make(map[string]memoryCounter), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, scope, key string, windows ...Window) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, c := range l.counts {
		if !now.Before(c.expiresAt) {
			delete(l.counts, k)
		}
	}

	for _, w := range windows {
		if w.Limit <= 0 {
			continue
		}
		k := bucketKey(scope, key, w, now)
		c, ok := l.counts[k]
		if !ok {
			c.expiresAt = now.Add(w.Period)
		}
		c.n++
		l.counts[k] = c
		if c.n > w.Limit {
			return fmt.Errorf("%w: %d per %s", ErrRateLimited, w.Limit, w.Name)
		}
	}
	return nil
}
