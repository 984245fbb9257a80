package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// TradeStore implements domain.TradeResultStore using PostgreSQL. Decimal
// columns are NUMERIC; legs are stored as JSONB.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `SELECT id, market_id, asset, kind, status, leg_a, leg_b,
	size, expected_profit, actual_cost, actual_profit, gas_cost, net_profit,
	settlement_tx, failure_reason, started_at, completed_at FROM trade_results`

func scanTrade(row pgx.Row) (domain.TradeResult, error) {
	var (
		t          domain.TradeResult
		legA, legB []byte
	)
	if err := row.Scan(
		&t.ID, &t.MarketID, &t.Asset, &t.Kind, &t.Status, &legA, &legB,
		&t.Size, &t.ExpectedProfit, &t.ActualCost, &t.ActualProfit, &t.GasCost, &t.NetProfit,
		&t.SettlementTx, &t.FailureReason, &t.StartedAt, &t.CompletedAt,
	); err != nil {
		return domain.TradeResult{}, err
	}
	if err := json.Unmarshal(legA, &t.LegA); err != nil {
		return domain.TradeResult{}, fmt.Errorf("decode leg_a: %w", err)
	}
	if err := json.Unmarshal(legB, &t.LegB); err != nil {
		return domain.TradeResult{}, fmt.Errorf("decode leg_b: %w", err)
	}
	return t, nil
}

func collectTrades(rows pgx.Rows) ([]domain.TradeResult, error) {
	defer rows.Close()
	var out []domain.TradeResult
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Create inserts a trade result. A duplicate ID returns domain.ErrAlreadyExists.
func (s *TradeStore) Create(ctx context.Context, t domain.TradeResult) error {
	legA, err := json.Marshal(t.LegA)
	if err != nil {
		return fmt.Errorf("postgres: marshal leg_a: %w", err)
	}
	legB, err := json.Marshal(t.LegB)
	if err != nil {
		return fmt.Errorf("postgres: marshal leg_b: %w", err)
	}

	const query = `
		INSERT INTO trade_results (
			id, market_id, asset, kind, status, leg_a, leg_b,
			size, expected_profit, actual_cost, actual_profit, gas_cost, net_profit,
			settlement_tx, failure_reason, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17
		) ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.MarketID, string(t.Asset), t.Kind, string(t.Status), legA, legB,
		t.Size, t.ExpectedProfit, t.ActualCost, t.ActualProfit, t.GasCost, t.NetProfit,
		t.SettlementTx, t.FailureReason, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create trade result %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create trade result %s: %w", t.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// GetByID returns one trade result or domain.ErrNotFound.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.TradeResult, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, tradeSelectCols+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradeResult{}, fmt.Errorf("postgres: get trade result %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("postgres: get trade result %s: %w", id, err)
	}
	return t, nil
}

// ListRecent returns trade results newest first, filtered by opts.
func (s *TradeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.TradeResult, error) {
	q := newListQuery(tradeSelectCols)
	q.window("completed_at", opts.Since, opts.Until)
	if opts.Asset != "" {
		q.where("asset = $%d", string(opts.Asset))
	}
	if opts.Status != "" {
		q.where("status = $%d", string(opts.Status))
	}
	q.order("completed_at DESC")
	q.page(opts)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trade results: %w", err)
	}
	out, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent trade results: %w", err)
	}
	return out, nil
}

// ListSince returns every trade result completed at or after since, oldest
// first.
func (s *TradeStore) ListSince(ctx context.Context, since time.Time) ([]domain.TradeResult, error) {
	rows, err := s.pool.Query(ctx, tradeSelectCols+` WHERE completed_at >= $1 ORDER BY completed_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade results since: %w", err)
	}
	out, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade results since: %w", err)
	}
	return out, nil
}

// ListBefore returns up to limit trade results completed strictly before
// the given time, oldest first. A non-positive limit returns all of them.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeResult, error) {
	q := newListQuery(tradeSelectCols)
	q.where("completed_at < $%d", before)
	q.order("completed_at ASC")
	q.page(domain.ListOpts{Limit: limit})

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade results before: %w", err)
	}
	out, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade results before: %w", err)
	}
	return out, nil
}

// DeleteBefore deletes trade results completed before the given time and
// returns the number deleted.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_results WHERE completed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trade results before: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.TradeResultStore = (*TradeStore)(nil)
