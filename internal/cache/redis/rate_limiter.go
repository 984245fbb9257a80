package redis

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const waitPollInterval = 50 * time.Millisecond

// Limit is a request budget per sliding window.
type Limit struct {
	Count  int
	Window time.Duration
}

// DefaultLimit applies to keys without a configured Limit.
var DefaultLimit = Limit{Count: 1, Window: time.Second}

// RateLimiter implements domain.RateLimiter with a sliding window kept in
// a sorted set and updated by one atomic Lua script. It is shared by every
// process submitting orders with the same API key.
type RateLimiter struct {
	c             *Client
	slidingWindow *redis.Script
	now           func() time.Time

	mu     sync.RWMutex
	limits map[string]Limit
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		c:             c,
		slidingWindow: redis.NewScript(slidingWindowLua),
		now:           time.Now,
		limits:        make(map[string]Limit),
	}
}

// SetLimit configures the budget Wait applies to key.
func (rl *RateLimiter) SetLimit(key string, l Limit) {
	rl.mu.Lock()
	rl.limits[key] = l
	rl.mu.Unlock()
}

func (rl *RateLimiter) limitFor(key string) Limit {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if l, ok := rl.limits[key]; ok && l.Count > 0 && l.Window > 0 {
		return l
	}
	return DefaultLimit
}

// Allow reports whether one more request for key fits in the window and,
// if so, counts it.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := rl.slidingWindow.Run(ctx, rl.c.rdb,
		[]string{rl.c.key("ratelimit", key)},
		rl.now().UnixMicro(),
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

// Wait blocks until a request for key is allowed under its configured
// Limit, or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	l := rl.limitFor(key)
	for {
		allowed, err := rl.Allow(ctx, key, l.Count, l.Window)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
