package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

func TestListQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := newListQuery("SELECT id FROM trade_results")
	q.window("completed_at", &since, nil)
	q.where("asset = $%d", "BTC")
	q.order("completed_at DESC")
	q.page(domain.ListOpts{Limit: 10, Offset: 20})

	assert.Equal(t,
		"SELECT id FROM trade_results WHERE 1=1 AND completed_at >= $1 AND asset = $2 ORDER BY completed_at DESC LIMIT $3 OFFSET $4",
		q.String())
	assert.Equal(t, []any{since, "BTC", 10, 20}, q.args)
}

func TestListQuery_NoFilters(t *testing.T) {
	q := newListQuery("SELECT id FROM audit_log")
	q.order("created_at DESC")
	q.page(domain.ListOpts{})
	assert.Equal(t, "SELECT id FROM audit_log WHERE 1=1 ORDER BY created_at DESC", q.String())
	assert.Empty(t, q.args)
}

func TestDSNQuery(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/arb?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "arb"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}
