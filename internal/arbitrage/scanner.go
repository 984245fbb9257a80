package arbitrage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Engine executes one snapshot end to end.
type Engine interface {
	Execute(ctx context.Context, snap domain.Snapshot, bankroll, threshold decimal.Decimal) (domain.TradeResult, error)
	RiskState() domain.RiskState
}

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	Channel         string
	Threshold       decimal.Decimal
	Workers         int
	DedupTTL        time.Duration
	CleanupInterval time.Duration
}

// DefaultScannerConfig returns the production defaults.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		Channel:         domain.ChannelSnapshots,
		Threshold:       decimal.RequireFromString("0.005"),
		Workers:         8,
		DedupTTL:        2 * time.Second,
		CleanupInterval: time.Minute,
	}
}

// ScannerStats counts what happened to received snapshots.
type ScannerStats struct {
	Received   uint64 `json:"received"`
	Malformed  uint64 `json:"malformed"`
	Duplicates uint64 `json:"duplicates"`
	Busy       uint64 `json:"busy"`
	Executed   uint64 `json:"executed"`
	NoOpp      uint64 `json:"no_opportunity"`
	Rejected   uint64 `json:"rejected"`
	Failed     uint64 `json:"failed"`
}

// Scanner consumes market snapshots from the signal bus and hands each one
// to the engine. At most Workers snapshots run at once and a market that
// already has an attempt in flight is skipped, so attempts on one market
// never overlap.
type Scanner struct {
	engine Engine
	cfg    ScannerConfig
	dedup  *Dedup
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}

	received, malformed, duplicates, busy atomic.Uint64
	executed, noOpp, rejected, failed     atomic.Uint64
}

// NewScanner creates a Scanner.
func NewScanner(engine Engine, cfg ScannerConfig, logger *slog.Logger) *Scanner {
	def := DefaultScannerConfig()
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &Scanner{
		engine:   engine,
		cfg:      cfg,
		dedup:    NewDedup(cfg.DedupTTL),
		sem:      make(chan struct{}, cfg.Workers),
		inflight: make(map[string]struct{}),
		logger:   logger.With(slog.String("component", "arb_scanner")),
	}
}

// Run subscribes to the snapshot channel and dispatches snapshots until ctx
// is cancelled. In-flight attempts are waited for before it returns.
func (s *Scanner) Run(ctx context.Context, bus domain.SignalBus) error {
	ch, err := bus.Subscribe(ctx, s.cfg.Channel)
	if err != nil {
		return fmt.Errorf("arb scanner: subscribe %s: %w", s.cfg.Channel, err)
	}
	s.logger.Info("arb scanner started",
		slog.String("channel", s.cfg.Channel),
		slog.Int("workers", s.cfg.Workers),
	)
	defer s.logger.Info("arb scanner stopped")
	defer s.wg.Wait()

	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			s.received.Add(1)
			var snap domain.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil || snap.MarketID == "" {
				s.malformed.Add(1)
				s.logger.Warn("arb scanner: malformed snapshot", slog.String("payload", string(data)))
				continue
			}
			s.Submit(ctx, snap)
		case <-cleanup.C:
			s.dedup.Cleanup()
		}
	}
}

// Submit dispatches snap to a worker. It returns false without blocking when
// the snapshot is a duplicate, its market is already in flight or every
// worker is busy.
func (s *Scanner) Submit(ctx context.Context, snap domain.Snapshot) bool {
	if !s.claim(snap.MarketID) {
		s.busy.Add(1)
		return false
	}
	select {
	case s.sem <- struct{}{}:
	default:
		s.release(snap.MarketID)
		s.busy.Add(1)
		return false
	}
	if s.dedup.IsDuplicate(Fingerprint(snap)) {
		<-s.sem
		s.release(snap.MarketID)
		s.duplicates.Add(1)
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		defer s.release(snap.MarketID)
		s.process(ctx, snap)
	}()
	return true
}

// Wait blocks until every dispatched attempt has finished.
func (s *Scanner) Wait() { s.wg.Wait() }

// Stats returns a snapshot of the scanner counters.
func (s *Scanner) Stats() ScannerStats {
	return ScannerStats{
		Received:   s.received.Load(),
		Malformed:  s.malformed.Load(),
		Duplicates: s.duplicates.Load(),
		Busy:       s.busy.Load(),
		Executed:   s.executed.Load(),
		NoOpp:      s.noOpp.Load(),
		Rejected:   s.rejected.Load(),
		Failed:     s.failed.Load(),
	}
}

func (s *Scanner) process(ctx context.Context, snap domain.Snapshot) {
	bankroll := s.engine.RiskState().CurrentBalance
	_, err := s.engine.Execute(ctx, snap, bankroll, s.cfg.Threshold)
	switch {
	case err == nil:
		s.executed.Add(1)
	case errors.Is(err, domain.ErrNoOpportunity):
		s.noOpp.Add(1)
	case errors.Is(err, domain.ErrRiskRejected), errors.Is(err, domain.ErrSizingZero):
		s.rejected.Add(1)
	default:
		s.failed.Add(1)
		s.logger.WarnContext(ctx, "arb scanner: execute failed",
			slog.String("market_id", snap.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scanner) claim(marketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[marketID]; ok {
		return false
	}
	s.inflight[marketID] = struct{}{}
	return true
}

func (s *Scanner) release(marketID string) {
	s.mu.Lock()
	delete(s.inflight, marketID)
	s.mu.Unlock()
}
