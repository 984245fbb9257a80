package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const controlTimeout = 2 * time.Second

// cachedRisk serves the risk endpoints from a process that does not run the
// engine. State is read from the shared risk cache and resets are forwarded
// to the engine over the control channel.
type cachedRisk struct {
	cache  domain.RiskStateCache
	bus    domain.SignalBus
	logger *slog.Logger

	mu   sync.Mutex
	last domain.RiskState
}

func newCachedRisk(cache domain.RiskStateCache, bus domain.SignalBus, logger *slog.Logger) *cachedRisk {
	return &cachedRisk{
		cache:  cache,
		bus:    bus,
		logger: logger.With(slog.String("component", "cached_risk")),
	}
}

// State returns the cached state, or the last one read if the cache is
// unavailable.
func (c *cachedRisk) State() domain.RiskState {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	st, err := c.cache.Load(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("load risk state failed", slog.String("error", err.Error()))
		}
		return c.last
	}
	c.last = st
	return st
}

// ResetBreaker asks the engine to close its breaker.
func (c *cachedRisk) ResetBreaker(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	payload, err := json.Marshal(domain.ControlCommand{Action: domain.ControlResetBreaker, Reason: reason})
	if err != nil {
		return
	}
	if err := c.bus.Publish(ctx, domain.ChannelControl, payload); err != nil {
		c.logger.Error("publish breaker reset failed", slog.String("error", err.Error()))
	}
}

// breakerResetter is the part of the risk manager the control loop drives.
type breakerResetter interface {
	ResetBreaker(reason string)
}

// runControl applies control commands to the local risk manager until ctx
// is cancelled.
func runControl(ctx context.Context, bus domain.SignalBus, risk breakerResetter, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "control"))
	msgs, err := bus.Subscribe(ctx, domain.ChannelControl)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			var cmd domain.ControlCommand
			if err := json.Unmarshal(raw, &cmd); err != nil {
				logger.WarnContext(ctx, "malformed control command", slog.String("error", err.Error()))
				continue
			}
			switch cmd.Action {
			case domain.ControlResetBreaker:
				reason := cmd.Reason
				if reason == "" {
					reason = "remote"
				}
				logger.InfoContext(ctx, "remote breaker reset", slog.String("reason", reason))
				risk.ResetBreaker(reason)
			default:
				logger.WarnContext(ctx, "unknown control action", slog.String("action", cmd.Action))
			}
		}
	}
}
