package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyarb/internal/arbitrage"
	"github.com/alanyoungcy/polyarb/internal/cache/redis"
	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/executor"
	"github.com/alanyoungcy/polyarb/internal/fee"
	"github.com/alanyoungcy/polyarb/internal/platform/polymarket"
	"github.com/alanyoungcy/polyarb/internal/risk"
	"github.com/alanyoungcy/polyarb/internal/server"
	"github.com/alanyoungcy/polyarb/internal/server/handler"
	"github.com/alanyoungcy/polyarb/internal/server/ws"
	"github.com/alanyoungcy/polyarb/internal/service"
	"github.com/alanyoungcy/polyarb/internal/sizing"
)

// engine is the trading half of the application.
type engine struct {
	arb      *service.ArbService
	risk     *risk.Manager
	scanner  *arbitrage.Scanner
	recorder *service.TradeRecorder
}

// EngineMode consumes snapshots and trades without serving the API.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, deps, eng)
	return wait(g)
}

// ServerMode serves the API for an engine running in another process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, newCachedRisk(deps.RiskCache, deps.SignalBus, a.logger))
	return wait(g)
}

// FullMode runs the engine and the API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, deps, eng)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng.risk)
	}
	return wait(g)
}

func wait(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildEngine loads the signing key, connects to the venue and assembles
// the detector, risk manager, sizer and coordinator behind an ArbService.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies) (*engine, error) {
	cfg := a.cfg

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: load key: %w", err)
	}
	signer, err := crypto.NewSigner(key, cfg.Polymarket.ChainID, cfg.Polymarket.ExchangeAddress)
	if err != nil {
		return nil, fmt.Errorf("app: signer: %w", err)
	}
	wallet := cfg.Wallet.ProxyAddress
	if wallet == "" {
		wallet = signer.Address().Hex()
	}

	var l2 *crypto.HMACAuth
	if cfg.Polymarket.ApiKey != "" {
		l2 = &crypto.HMACAuth{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		}
	}
	clob := polymarket.NewClobClient(polymarket.ClobConfig{
		BaseURL:    cfg.Polymarket.ClobHost,
		FeeRateBps: cfg.Polymarket.FeeRateBps,
		Timeout:    cfg.Polymarket.Timeout.Duration,
	}, signer, l2, a.logger)
	if l2 == nil {
		if err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, fmt.Errorf("app: derive clob api key: %w", err)
		}
	}

	recorder := service.NewTradeRecorder(service.RecorderDeps{
		Trades:    deps.TradeStore,
		Audit:     deps.AuditStore,
		Bus:       deps.SignalBus,
		RiskCache: deps.RiskCache,
		Notifier:  deps.Notifier,
		Metrics:   metricsSink(deps),
	}, cfg.Engine.TelemetryBuffer, a.logger)

	mgr := risk.NewManager(riskConfig(cfg.Risk), a.logger, risk.WithTelemetry(recorder))
	if cfg.Risk.RestoreState {
		a.restoreRisk(ctx, deps.RiskCache, mgr)
	}
	if deps.Metrics != nil {
		deps.Metrics.ObserveRisk(mgr.State())
	}

	fees := fee.NewModel(fee.WithCurve(
		decimal.NewFromFloat(cfg.Fee.PeakRate),
		decimal.NewFromFloat(cfg.Fee.FloorRate),
	))

	execCfg := executor.DefaultConfig()
	execCfg.PollInterval = cfg.Engine.PollInterval.Duration
	execCfg.LegTimeout = cfg.Engine.LegTimeout.Duration
	execCfg.CancelTimeout = cfg.Engine.CancelTimeout.Duration
	execCfg.SlippageTolerance = decimal.NewFromFloat(cfg.Engine.SlippageTolerance)
	if cfg.Engine.OrdersPerSecond > 0 {
		deps.RateLimiter.SetLimit(execCfg.RateLimitKey, redis.Limit{Count: cfg.Engine.OrdersPerSecond, Window: time.Second})
	}
	coordinator := executor.NewCoordinator(clob, deps.RateLimiter, execCfg, a.logger)

	arbDeps := service.ArbDeps{
		Detector:  arbitrage.NewDetector(fees),
		Risk:      mgr,
		Sizer:     sizing.NewKelly(sizingConfig(cfg.Sizing)),
		Exec:      coordinator,
		Locks:     deps.LockManager,
		Telemetry: recorder,
	}
	if cfg.Builder.ApiKey != "" {
		relayer, err := polymarket.NewRelayerClient(polymarket.RelayerConfig{
			BaseURL:    cfg.Builder.RelayerURL,
			Wallet:     wallet,
			CTF:        cfg.Builder.CTFAddress,
			Collateral: cfg.Builder.CollateralAddress,
			Timeout:    cfg.Polymarket.Timeout.Duration,
		}, &crypto.HMACAuth{
			Key:        cfg.Builder.ApiKey,
			Secret:     cfg.Builder.ApiSecret,
			Passphrase: cfg.Builder.ApiPassphrase,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: relayer: %w", err)
		}
		arbDeps.Settler = relayer
	} else {
		a.logger.WarnContext(ctx, "builder credentials not set, filled pairs will not be merged")
	}

	arb := service.NewArbService(arbDeps, service.ArbConfig{
		Wallet:  wallet,
		GasCost: decimal.NewFromFloat(cfg.Engine.GasCost),
		LockTTL: cfg.Engine.LockTTL.Duration,
	}, a.logger)

	scanner := arbitrage.NewScanner(arb, arbitrage.ScannerConfig{
		Channel:         cfg.Scanner.Channel,
		Threshold:       decimal.NewFromFloat(cfg.Engine.Threshold),
		Workers:         cfg.Scanner.Workers,
		DedupTTL:        cfg.Scanner.DedupTTL.Duration,
		CleanupInterval: cfg.Scanner.CleanupInterval.Duration,
	}, a.logger)

	if deps.Metrics != nil {
		deps.Metrics.RegisterScanner(scanner.Stats)
		deps.Metrics.RegisterFeeCache(fees.Stats)
	}

	a.logger.InfoContext(ctx, "engine ready",
		slog.String("wallet", wallet),
		slog.String("signer", signer.Address().Hex()),
		slog.String("balance", mgr.State().CurrentBalance.String()),
	)
	return &engine{arb: arb, risk: mgr, scanner: scanner, recorder: recorder}, nil
}

func (a *App) restoreRisk(ctx context.Context, cache domain.RiskStateCache, mgr *risk.Manager) {
	st, err := cache.Load(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.logger.InfoContext(ctx, "no cached risk state, starting fresh")
	case err != nil:
		a.logger.WarnContext(ctx, "risk state restore failed", slog.String("error", err.Error()))
	default:
		mgr.Restore(st)
	}
}

// startEngine adds the recorder, scanner, control listener and archival
// loop to g.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	g.Go(func() error {
		return eng.recorder.Run(ctx)
	})
	g.Go(func() error {
		return eng.scanner.Run(ctx, deps.SignalBus)
	})
	g.Go(func() error {
		return runControl(ctx, deps.SignalBus, eng.risk, a.logger)
	})
	if deps.Archiver != nil {
		g.Go(func() error {
			a.runArchival(ctx, deps)
			return nil
		})
	}
}

// runArchival moves trade results older than the retention period to S3
// on start and then every archive_interval. Failures are logged and retried
// on the next tick.
func (a *App) runArchival(ctx context.Context, deps *Dependencies) {
	keep := retention(a.cfg)
	archive := func() {
		n, err := deps.Archiver.ArchiveOlderThan(ctx, keep)
		if err != nil {
			a.logger.ErrorContext(ctx, "archival failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "archival complete", slog.Int64("records", n))
		}
	}

	archive()
	ticker := time.NewTicker(a.cfg.S3.ArchiveInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			archive()
		}
	}
}

// startHTTPServer adds the API server and the WebSocket hub to g. The
// server is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, riskView handler.RiskView) {
	status := handler.NewStatusHandler(a.cfg.Mode, a.startedAt, riskView)
	hub := ws.NewHub(deps.SignalBus, status.Status, a.cfg.Server.CORSOrigins, a.logger)

	h := server.Handlers{
		Health: handler.NewHealthHandler(deps.Health, a.logger),
		Risk:   handler.NewRiskHandler(riskView, deps.AuditStore, a.logger),
		Trades: handler.NewTradeHandler(service.NewStatsService(deps.TradeStore), deps.TradeStore, a.logger),
		Status: status,
	}
	if deps.Metrics != nil {
		h.Metrics = deps.Metrics.Handler()
	}

	srv := server.NewServer(server.Config{
		Addr:        fmt.Sprintf(":%d", a.cfg.Server.Port),
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, h, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// metricsSink avoids handing the recorder a typed nil.
func metricsSink(deps *Dependencies) service.MetricsSink {
	if deps.Metrics == nil {
		return nil
	}
	return deps.Metrics
}

func riskConfig(c config.RiskConfig) risk.Config {
	rc := risk.DefaultConfig(decimal.NewFromFloat(c.StartingBalance))
	rc.Base = domain.Thresholds{
		HeatLimit:            decimal.NewFromFloat(c.HeatLimit),
		DrawdownLimit:        decimal.NewFromFloat(c.DrawdownLimit),
		ConsecutiveLossLimit: c.ConsecutiveLossLimit,
		PerAssetLimit:        c.PerAssetLimit,
	}
	rc.AdaptEvery = c.AdaptEvery
	rc.ConservativeOn = decimal.NewFromFloat(c.ConservativeOn)
	rc.ConservativeOff = decimal.NewFromFloat(c.ConservativeOff)
	rc.MinConfidence = decimal.NewFromFloat(c.MinConfidence)
	rc.MaxSingleExposure = decimal.NewFromFloat(c.MaxSingleExposure)
	rc.MaxCorrelatedExposure = decimal.NewFromFloat(c.MaxCorrelatedExposure)
	rc.DefaultCorrelation = decimal.NewFromFloat(c.DefaultCorrelation)
	rc.DrawdownCooldownHours = c.DrawdownCooldownHours
	if len(c.Tiers) > 0 {
		rc.Tiers = make([]risk.Tier, len(c.Tiers))
		for i, t := range c.Tiers {
			rc.Tiers[i] = risk.Tier{
				MinWinRate: decimal.NewFromFloat(t.MinWinRate),
				Thresholds: domain.Thresholds{
					HeatLimit:            decimal.NewFromFloat(t.HeatLimit),
					DrawdownLimit:        decimal.NewFromFloat(t.DrawdownLimit),
					ConsecutiveLossLimit: t.ConsecutiveLossLimit,
					PerAssetLimit:        t.PerAssetLimit,
				},
			}
		}
	}
	return rc
}

func sizingConfig(c config.SizingConfig) sizing.Config {
	sc := sizing.DefaultConfig()
	sc.WinProbability = decimal.NewFromFloat(c.WinProbability)
	sc.MaxKelly = decimal.NewFromFloat(c.MaxKelly)
	sc.SmallBankroll = decimal.NewFromFloat(c.SmallBankroll)
	sc.SmallMin = decimal.NewFromFloat(c.SmallMin)
	sc.SmallMax = decimal.NewFromFloat(c.SmallMax)
	sc.LargeMax = decimal.NewFromFloat(c.LargeMax)
	sc.MinViable = decimal.NewFromFloat(c.MinViable)
	sc.RecalcEvery = c.RecalcEvery
	return sc
}
