package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	Asset  Asset
	Status TradeStatus
}

// TradeResultStore persists executed trade results.
type TradeResultStore interface {
	Create(ctx context.Context, result TradeResult) error
	GetByID(ctx context.Context, id string) (TradeResult, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]TradeResult, error)
	ListSince(ctx context.Context, since time.Time) ([]TradeResult, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]TradeResult, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
