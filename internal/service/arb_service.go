package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/arbitrage"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/executor"
	"github.com/alanyoungcy/polyarb/internal/risk"
	"github.com/alanyoungcy/polyarb/internal/sizing"
)

// ArbConfig holds the tunable parameters of the execution flow.
type ArbConfig struct {
	Wallet  string
	GasCost decimal.Decimal // estimated cost of settling one pair
	LockTTL time.Duration   // market lock lifetime; must exceed one attempt
}

// ArbService is the engine entry point: one snapshot in, one trade result
// out. It wires the detector, risk manager, sizer and coordinator together.
type ArbService struct {
	detector  *arbitrage.Detector
	risk      *risk.Manager
	sizer     *sizing.Kelly
	exec      *executor.Coordinator
	locks     domain.LockManager
	settler   domain.Settler
	advisor   domain.Advisor
	telemetry domain.Telemetry
	cfg       ArbConfig
	now       func() time.Time
	logger    *slog.Logger
}

// ArbDeps groups the collaborators of an ArbService. Locks, Settler,
// Advisor and Telemetry are optional.
type ArbDeps struct {
	Detector  *arbitrage.Detector
	Risk      *risk.Manager
	Sizer     *sizing.Kelly
	Exec      *executor.Coordinator
	Locks     domain.LockManager
	Settler   domain.Settler
	Advisor   domain.Advisor
	Telemetry domain.Telemetry
}

// NewArbService creates an ArbService.
func NewArbService(deps ArbDeps, cfg ArbConfig, logger *slog.Logger) *ArbService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 45 * time.Second
	}
	return &ArbService{
		detector:  deps.Detector,
		risk:      deps.Risk,
		sizer:     deps.Sizer,
		exec:      deps.Exec,
		locks:     deps.Locks,
		settler:   deps.Settler,
		advisor:   deps.Advisor,
		telemetry: deps.Telemetry,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "arb_service")),
	}
}

// RiskState returns a read-only copy of the risk state.
func (s *ArbService) RiskState() domain.RiskState { return s.risk.State() }

// Thresholds returns the adaptive thresholds currently in force.
func (s *ArbService) Thresholds() domain.Thresholds { return s.risk.Thresholds() }

// Execute evaluates snap and, when it holds a profitable opportunity that
// passes every risk gate, executes it. ErrNoOpportunity and
// ErrRiskRejected are expected control flow. The returned TradeResult is
// populated whenever orders were submitted, including on partial fills.
func (s *ArbService) Execute(ctx context.Context, snap domain.Snapshot, bankroll, threshold decimal.Decimal) (domain.TradeResult, error) {
	if snap.Expired(s.now()) {
		return domain.TradeResult{}, fmt.Errorf("%w: snapshot for %s expired at %s",
			domain.ErrNoOpportunity, snap.MarketID, snap.Deadline.UTC().Format(time.RFC3339))
	}

	opp, err := s.detector.Detect(snap, threshold)
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("arb_service: detect: %w", err)
	}
	if opp == nil {
		s.logger.DebugContext(ctx, "no opportunity", slog.String("market_id", snap.MarketID))
		return domain.TradeResult{}, domain.ErrNoOpportunity
	}

	switch opp.Kind {
	case domain.OpportunityInternal:
		return s.executeInternal(ctx, opp, bankroll)
	default:
		return domain.TradeResult{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedOpportunity, opp.Kind)
	}
}

func (s *ArbService) executeInternal(ctx context.Context, opp *domain.Opportunity, bankroll decimal.Decimal) (domain.TradeResult, error) {
	log := s.logger.With(
		slog.String("market_id", opp.MarketID),
		slog.String("asset", string(opp.Asset)),
		slog.String("profit_pct", opp.ProfitPct.StringFixed(4)),
	)

	if dec := s.risk.Check(opp.Asset); !dec.Allowed {
		return s.reject(ctx, log, dec)
	}
	if dec := s.advise(ctx, opp); !dec.Allowed {
		return s.reject(ctx, log, dec)
	}

	size := s.sizer.Size(*opp, bankroll)
	if err := opp.AssignSize(size); err != nil {
		log.InfoContext(ctx, "size below minimum", slog.String("bankroll", bankroll.String()))
		return domain.TradeResult{}, fmt.Errorf("arb_service: size: %w", err)
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "market:"+opp.MarketID, s.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return s.reject(ctx, log, domain.Reject(domain.ReasonMarketInFlight, opp.MarketID))
		}
		if err != nil {
			return domain.TradeResult{}, fmt.Errorf("arb_service: lock market: %w", err)
		}
		defer unlock()
	}

	notional := opp.TotalCost.Mul(opp.Size)
	adm, dec := s.risk.Admit(ctx, opp.Asset, notional)
	if !dec.Allowed {
		return s.reject(ctx, log, dec)
	}
	if err := ctx.Err(); err != nil {
		adm.Release()
		return domain.TradeResult{}, fmt.Errorf("arb_service: cancelled before submission: %w", err)
	}

	legA, legB := s.orders(opp)
	started := s.now()
	out, execErr := s.exec.ExecutePair(ctx, legA, legB)
	if errors.Is(execErr, domain.ErrInvalidOrder) {
		adm.Release()
		return domain.TradeResult{}, fmt.Errorf("arb_service: %w", execErr)
	}

	result := domain.TradeResult{
		ID:             uuid.NewString(),
		MarketID:       opp.MarketID,
		Asset:          opp.Asset,
		Kind:           opp.Kind.String(),
		Status:         out.Status,
		LegA:           out.LegA,
		LegB:           out.LegB,
		Size:           opp.Size,
		ExpectedProfit: opp.ExpectedProfit.Mul(opp.Size),
		ActualCost:     decimal.Zero,
		ActualProfit:   decimal.Zero,
		GasCost:        decimal.Zero,
		NetProfit:      decimal.Zero,
		StartedAt:      started,
	}

	switch out.Status {
	case domain.TradeSuccess:
		s.settle(ctx, log, opp, &result)
		adm.Settle(result.NetProfit)
		s.sizer.RecordSettled(s.risk.State().CurrentBalance)
		log.InfoContext(ctx, "arbitrage executed",
			slog.String("trade_id", result.ID),
			slog.String("size", result.Size.String()),
			slog.String("net_profit", result.NetProfit.String()),
		)

	case domain.TradePartialFill:
		filled, rate := result.LegA, opp.LegA.FeeRate
		if !filled.Accepted {
			filled, rate = result.LegB, opp.LegB.FeeRate
		}
		result.ActualCost = legCost(filled, rate)
		result.ActualProfit = result.ActualCost.Neg()
		result.NetProfit = result.ActualProfit
		result.FailureReason = execErr.Error()
		adm.Settle(result.NetProfit)
		s.sizer.RecordSettled(s.risk.State().CurrentBalance)
		log.ErrorContext(ctx, "partial fill requires remediation",
			slog.String("trade_id", result.ID),
			slog.String("exposure", result.ActualCost.String()),
			slog.String("error", execErr.Error()),
		)

	default:
		if !result.LegA.Filled && !result.LegB.Filled {
			adm.Close()
			if execErr != nil {
				result.FailureReason = execErr.Error()
			}
			log.WarnContext(ctx, "arbitrage not filled", slog.String("trade_id", result.ID))
			break
		}
		s.bookSlipped(ctx, log, opp, &result)
		if execErr != nil {
			result.FailureReason = strings.TrimSuffix(execErr.Error()+"; "+result.FailureReason, "; ")
		}
		adm.Settle(result.NetProfit)
		s.sizer.RecordSettled(s.risk.State().CurrentBalance)
	}

	result.CompletedAt = s.now()
	if s.telemetry != nil {
		s.telemetry.RecordTrade(ctx, result)
	}
	return result, execErr
}

// bookSlipped realizes legs that filled outside the slippage band. A pair
// that filled on both sides is still hedged and is merged like a success;
// a single filled leg is a loss of its cost plus fee.
func (s *ArbService) bookSlipped(ctx context.Context, log *slog.Logger, opp *domain.Opportunity, result *domain.TradeResult) {
	if result.LegA.Filled && result.LegB.Filled {
		s.settle(ctx, log, opp, result)
	} else {
		filled, rate := result.LegA, opp.LegA.FeeRate
		if !filled.Filled {
			filled, rate = result.LegB, opp.LegB.FeeRate
		}
		result.ActualCost = legCost(filled, rate)
		result.ActualProfit = result.ActualCost.Neg()
		result.NetProfit = result.ActualProfit
	}
	log.ErrorContext(ctx, "slipped fill booked",
		slog.String("trade_id", result.ID),
		slog.String("cost", result.ActualCost.String()),
		slog.String("net_profit", result.NetProfit.String()),
	)
}

// legCost is the collateral spent on a filled leg, fee included.
func legCost(leg domain.LegFill, feeRate decimal.Decimal) decimal.Decimal {
	cost := leg.FillPrice.Mul(leg.Size)
	return cost.Add(cost.Mul(feeRate))
}

// advise consults the advisory filter while conservative mode is active.
func (s *ArbService) advise(ctx context.Context, opp *domain.Opportunity) domain.Decision {
	if !s.risk.ConservativeActive() {
		return domain.Allow()
	}
	if s.advisor == nil {
		return domain.Reject(domain.ReasonConservativeConfidence, "no advisor configured")
	}
	advice, err := s.advisor.Review(ctx, *opp)
	if err != nil {
		return domain.Reject(domain.ReasonAdvisorRejected, err.Error())
	}
	return s.risk.ConfidenceGate(advice)
}

// settle computes realized figures for a filled pair and merges both legs.
func (s *ArbService) settle(ctx context.Context, log *slog.Logger, opp *domain.Opportunity, result *domain.TradeResult) {
	costA := result.LegA.FillPrice.Mul(result.LegA.Size)
	costB := result.LegB.FillPrice.Mul(result.LegB.Size)
	fees := costA.Mul(opp.LegA.FeeRate).Add(costB.Mul(opp.LegB.FeeRate))
	result.ActualCost = costA.Add(costB).Add(fees)

	redeemed := decimal.Min(result.LegA.Size, result.LegB.Size)
	result.ActualProfit = redeemed.Mul(arbitrage.Redemption).Sub(result.ActualCost)
	result.GasCost = s.cfg.GasCost
	result.NetProfit = result.ActualProfit.Sub(result.GasCost)

	if s.settler == nil {
		return
	}
	tx, err := s.settler.Merge(ctx, opp.MarketID, redeemed)
	if err != nil {
		result.FailureReason = "settlement: " + err.Error()
		log.ErrorContext(ctx, "settlement failed",
			slog.String("trade_id", result.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	result.SettlementTx = tx
}

func (s *ArbService) orders(opp *domain.Opportunity) (domain.Order, domain.Order) {
	now := s.now()
	leg := func(l domain.OpportunityLeg) domain.Order {
		return domain.Order{
			MarketID:  opp.MarketID,
			TokenID:   l.TokenID,
			Outcome:   l.Outcome,
			Wallet:    s.cfg.Wallet,
			Side:      domain.OrderSideBuy,
			Type:      domain.OrderTypeFOK,
			Price:     l.Price,
			Size:      opp.Size,
			Status:    domain.OrderStatusPending,
			CreatedAt: now,
		}
	}
	return leg(opp.LegA), leg(opp.LegB)
}

func (s *ArbService) reject(ctx context.Context, log *slog.Logger, dec domain.Decision) (domain.TradeResult, error) {
	log.InfoContext(ctx, "risk rejected",
		slog.String("reason", string(dec.Reason)),
		slog.String("detail", dec.Detail),
	)
	return domain.TradeResult{}, dec.Err()
}
