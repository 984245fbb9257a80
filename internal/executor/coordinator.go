// Package executor submits the two legs of an arbitrage pair concurrently
// and classifies the joint outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// ErrLegRejected is returned when the venue refused or killed a leg.
var ErrLegRejected = errors.New("leg rejected")

// MaxSlippage is the hard ceiling on the fill tolerance.
var MaxSlippage = decimal.RequireFromString("0.001")

// Exchange is the order venue used by the Coordinator.
type Exchange interface {
	PostOrder(ctx context.Context, order domain.Order) (domain.OrderResult, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Config holds the coordinator's timing and tolerance settings.
type Config struct {
	PollInterval      time.Duration
	LegTimeout        time.Duration
	CancelTimeout     time.Duration
	SlippageTolerance decimal.Decimal
	RateLimitKey      string
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:      500 * time.Millisecond,
		LegTimeout:        30 * time.Second,
		CancelTimeout:     5 * time.Second,
		SlippageTolerance: MaxSlippage,
		RateLimitKey:      "clob:orders",
	}
}

// PairOutcome is the classified result of one ExecutePair call.
type PairOutcome struct {
	Status      domain.TradeStatus
	LegA        domain.LegFill
	LegB        domain.LegFill
	LegALatency time.Duration
	LegBLatency time.Duration
}

// Coordinator executes paired FOK legs.
type Coordinator struct {
	exchange Exchange
	limiter  domain.RateLimiter
	cfg      Config
	tol      decimal.Decimal
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator. limiter may be nil.
func NewCoordinator(exchange Exchange, limiter domain.RateLimiter, cfg Config, logger *slog.Logger) *Coordinator {
	tol := cfg.SlippageTolerance
	if tol.IsNegative() || tol.GreaterThan(MaxSlippage) {
		tol = MaxSlippage
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LegTimeout <= 0 {
		cfg.LegTimeout = 30 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	return &Coordinator{
		exchange: exchange,
		limiter:  limiter,
		cfg:      cfg,
		tol:      tol,
		logger:   logger.With(slog.String("component", "coordinator")),
	}
}

// Tolerance returns the effective slippage tolerance.
func (c *Coordinator) Tolerance() decimal.Decimal { return c.tol }

// ExecutePair submits both legs concurrently and waits for both to reach a
// terminal state. The error is nil on success, a *domain.CleanFailureError
// when neither leg was accepted and a *domain.PartialFillError when exactly
// one was. Invalid orders are rejected before anything is submitted.
//
// Cancelling ctx stops the pair only before submission. Once the legs are
// sent they run to a terminal state, bounded by LegTimeout and
// CancelTimeout, so that a shutdown cannot leave one side unhedged.
func (c *Coordinator) ExecutePair(ctx context.Context, legA, legB domain.Order) (PairOutcome, error) {
	if err := validatePair(legA, legB); err != nil {
		return PairOutcome{}, fmt.Errorf("executor: validate pair: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return PairOutcome{Status: domain.TradeCleanFailure},
			&domain.CleanFailureError{MarketID: legA.MarketID, Causes: []error{err}}
	}

	var (
		out        PairOutcome
		errA, errB error
	)
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LegTimeout+c.cfg.CancelTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(lctx)
	g.Go(func() error {
		start := time.Now()
		out.LegA, errA = c.runLeg(gctx, legA)
		out.LegALatency = time.Since(start)
		out.LegA.Latency = out.LegALatency
		return errA
	})
	g.Go(func() error {
		start := time.Now()
		out.LegB, errB = c.runLeg(gctx, legB)
		out.LegBLatency = time.Since(start)
		out.LegB.Latency = out.LegBLatency
		return errB
	})
	_ = g.Wait()

	switch {
	case out.LegA.Accepted && out.LegB.Accepted:
		out.Status = domain.TradeSuccess
		c.logger.InfoContext(ctx, "pair filled",
			slog.String("market_id", legA.MarketID),
			slog.String("fill_a", out.LegA.FillPrice.String()),
			slog.String("fill_b", out.LegB.FillPrice.String()),
		)
		return out, nil

	case out.LegA.Accepted || out.LegB.Accepted:
		out.Status = domain.TradePartialFill
		filled, missing := out.LegA, out.LegB
		if out.LegB.Accepted {
			filled, missing = out.LegB, out.LegA
		}
		c.logger.ErrorContext(ctx, "partial fill, position unhedged",
			slog.String("market_id", legA.MarketID),
			slog.String("filled_order", filled.OrderID),
			slog.String("filled_outcome", string(filled.Outcome)),
			slog.String("fill_price", filled.FillPrice.String()),
			slog.String("size", filled.Size.String()),
			slog.String("missing_outcome", string(missing.Outcome)),
			slog.String("missing_error", missing.Error),
		)
		return out, &domain.PartialFillError{MarketID: legA.MarketID, FilledLeg: filled, MissingLeg: missing}

	default:
		out.Status = domain.TradeCleanFailure
		var causes []error
		for _, err := range []error{errA, errB} {
			if err != nil {
				causes = append(causes, err)
			}
		}
		var slipped []domain.LegFill
		for _, leg := range []domain.LegFill{out.LegA, out.LegB} {
			if leg.Filled {
				slipped = append(slipped, leg)
			}
		}
		if len(slipped) > 0 {
			for _, leg := range slipped {
				c.logger.ErrorContext(ctx, "leg filled outside slippage band",
					slog.String("market_id", legA.MarketID),
					slog.String("order_id", leg.OrderID),
					slog.String("outcome", string(leg.Outcome)),
					slog.String("limit_price", leg.LimitPrice.String()),
					slog.String("fill_price", leg.FillPrice.String()),
					slog.String("size", leg.Size.String()),
				)
			}
		} else {
			c.logger.WarnContext(ctx, "pair not filled",
				slog.String("market_id", legA.MarketID),
				slog.String("error_a", out.LegA.Error),
				slog.String("error_b", out.LegB.Error),
			)
		}
		return out, &domain.CleanFailureError{MarketID: legA.MarketID, Causes: causes, Slipped: slipped}
	}
}

// runLeg submits one order and follows it to a terminal state.
func (c *Coordinator) runLeg(ctx context.Context, o domain.Order) (domain.LegFill, error) {
	fill := domain.LegFill{
		TokenID:    o.TokenID,
		Outcome:    o.Outcome,
		Side:       o.Side,
		LimitPrice: o.Price,
		Size:       o.Size,
		Status:     domain.OrderStatusPending,
	}
	fail := func(err error) (domain.LegFill, error) {
		fill.Error = err.Error()
		return fill, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.cfg.RateLimitKey); err != nil {
			return fail(fmt.Errorf("%s leg: rate limit: %w", o.Outcome, err))
		}
	}

	res, err := c.exchange.PostOrder(ctx, o)
	if err != nil {
		fill.Status = domain.OrderStatusFailed
		return fail(fmt.Errorf("%s leg: post order: %w", o.Outcome, err))
	}
	fill.OrderID = res.OrderID
	if !res.Success {
		fill.Status = domain.OrderStatusFailed
		return fail(fmt.Errorf("%s leg: %w: %s", o.Outcome, ErrLegRejected, res.Message))
	}

	final := domain.Order{Status: res.Status, FillPrice: res.FilledPrice, FilledSize: res.FilledSize}
	if !res.Status.Terminal() {
		final, err = c.poll(ctx, res.OrderID)
		if err != nil {
			fill.Status = final.Status
			return fail(fmt.Errorf("%s leg %s: %w", o.Outcome, res.OrderID, err))
		}
	}
	fill.Status = final.Status
	if final.Status != domain.OrderStatusMatched {
		return fail(fmt.Errorf("%s leg %s: %w: status %s", o.Outcome, res.OrderID, ErrLegRejected, final.Status))
	}

	fill.Filled = true
	fill.FillPrice = final.FillPrice
	if fill.FillPrice.IsZero() {
		fill.FillPrice = o.Price
	}
	if final.FilledSize.IsPositive() {
		fill.Size = final.FilledSize
	}
	if !withinSlippage(o.Side, o.Price, fill.FillPrice, c.tol) {
		return fail(fmt.Errorf("%s leg %s: %w: fill %s vs limit %s",
			o.Outcome, res.OrderID, domain.ErrLegSlippageExceeded, fill.FillPrice, o.Price))
	}
	fill.Accepted = true
	return fill, nil
}

// poll queries the order until it is terminal or the leg deadline passes.
// On timeout or cancellation the order is cancelled and checked once more,
// since it may have matched in the meantime.
func (c *Coordinator) poll(ctx context.Context, orderID string) (domain.Order, error) {
	deadline := time.NewTimer(c.cfg.LegTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	last := domain.Order{ID: orderID, Status: domain.OrderStatusOpen}
	for {
		select {
		case <-ctx.Done():
			cause := ctx.Err()
			if errors.Is(cause, context.DeadlineExceeded) {
				cause = domain.ErrLegTimeout
			}
			return c.cancelAndCheck(ctx, last, cause)
		case <-deadline.C:
			return c.cancelAndCheck(ctx, last, domain.ErrLegTimeout)
		case <-ticker.C:
			o, err := c.exchange.GetOrder(ctx, orderID)
			if err != nil {
				c.logger.WarnContext(ctx, "poll order failed",
					slog.String("order_id", orderID),
					slog.String("error", err.Error()),
				)
				continue
			}
			last = o
			if o.Status.Terminal() {
				return o, nil
			}
		}
	}
}

func (c *Coordinator) cancelAndCheck(ctx context.Context, last domain.Order, cause error) (domain.Order, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CancelTimeout)
	defer cancel()

	if err := c.exchange.CancelOrder(cctx, last.ID); err != nil {
		c.logger.WarnContext(ctx, "cancel order failed",
			slog.String("order_id", last.ID),
			slog.String("error", err.Error()),
		)
	}
	o, err := c.exchange.GetOrder(cctx, last.ID)
	if err == nil && o.Status == domain.OrderStatusMatched {
		return o, nil
	}
	last.Status = domain.OrderStatusCancelled
	return last, cause
}
