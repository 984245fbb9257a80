package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// RiskCache implements domain.RiskStateCache. The latest risk state is
// stored as one JSON document so that a restarted engine can restore its
// breaker, streaks and balance, and the API server can read it.
type RiskCache struct {
	c   *Client
	ttl time.Duration
}

// NewRiskCache creates a RiskCache. A zero ttl keeps the state forever.
func NewRiskCache(c *Client, ttl time.Duration) *RiskCache {
	return &RiskCache{c: c, ttl: ttl}
}

// Save overwrites the cached state.
func (rc *RiskCache) Save(ctx context.Context, st domain.RiskState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis: marshal risk state: %w", err)
	}
	if err := rc.c.rdb.Set(ctx, rc.c.key("risk", "state"), data, rc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: save risk state: %w", err)
	}
	return nil
}

// Load returns the cached state or domain.ErrNotFound.
func (rc *RiskCache) Load(ctx context.Context) (domain.RiskState, error) {
	data, err := rc.c.rdb.Get(ctx, rc.c.key("risk", "state")).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.RiskState{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.RiskState{}, fmt.Errorf("redis: load risk state: %w", err)
	}
	var st domain.RiskState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.RiskState{}, fmt.Errorf("redis: decode risk state: %w", err)
	}
	return st, nil
}

var _ domain.RiskStateCache = (*RiskCache)(nil)
