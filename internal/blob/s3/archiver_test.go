package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

type upload struct {
	path      string
	body      []byte
	multipart bool
}

type fakeWriter struct {
	uploads []upload
	err     error
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	return w.record(path, data, false)
}

func (w *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	return w.record(path, data, true)
}

func (w *fakeWriter) record(path string, data io.Reader, multipart bool) error {
	if w.err != nil {
		return w.err
	}
	b, _ := io.ReadAll(data)
	w.uploads = append(w.uploads, upload{path: path, body: b, multipart: multipart})
	return nil
}

type fakeObjects map[string]bool

func (o fakeObjects) Exists(_ context.Context, path string) (bool, error) { return o[path], nil }

type fakeTrades struct {
	domain.TradeResultStore
	rows    []domain.TradeResult
	deleted time.Time
}

func (f *fakeTrades) ListBefore(_ context.Context, before time.Time, _ int) ([]domain.TradeResult, error) {
	var out []domain.TradeResult
	for _, r := range f.rows {
		if r.CompletedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeTrades) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	f.deleted = before
	var kept []domain.TradeResult
	for _, r := range f.rows {
		if !r.CompletedAt.Before(before) {
			kept = append(kept, r)
		}
	}
	n := int64(len(f.rows) - len(kept))
	f.rows = kept
	return n, nil
}

type fakeAudit struct {
	domain.AuditStore
	events []string
	detail []map[string]any
}

func (a *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.events = append(a.events, event)
	a.detail = append(a.detail, detail)
	return nil
}

var cutoff = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func tradeRows() []domain.TradeResult {
	mk := func(id string, completed time.Time) domain.TradeResult {
		return domain.TradeResult{
			ID: id, MarketID: "m-1", Asset: domain.Asset("BTC"), Status: domain.TradeSuccess,
			Size: decimal.NewFromInt(5), NetProfit: decimal.RequireFromString("0.06"),
			StartedAt: completed.Add(-time.Second), CompletedAt: completed,
		}
	}
	return []domain.TradeResult{
		mk("old-1", cutoff.Add(-48*time.Hour)),
		mk("old-2", cutoff.Add(-time.Minute)),
		mk("new-1", cutoff.Add(time.Hour)),
	}
}

func newTestArchiver(w *fakeWriter, objects fakeObjects, trades *fakeTrades, audit domain.AuditStore, cfg ArchiverConfig) *Archiver {
	return NewArchiver(w, objects, trades, audit, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestArchiveTrades_UploadsThenPrunes(t *testing.T) {
	w, trades, audit := &fakeWriter{}, &fakeTrades{rows: tradeRows()}, &fakeAudit{}
	a := newTestArchiver(w, fakeObjects{}, trades, audit, DefaultArchiverConfig())

	n, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.Len(t, w.uploads, 1)
	assert.Equal(t, "archive/trade_results/2026-03-02.jsonl", w.uploads[0].path)
	assert.False(t, w.uploads[0].multipart)

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(w.uploads[0].body))
	for sc.Scan() {
		var r domain.TradeResult
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"old-1", "old-2"}, ids)

	require.Len(t, trades.rows, 1)
	assert.Equal(t, "new-1", trades.rows[0].ID)
	assert.Equal(t, []string{"archive.trade_results"}, audit.events)
	assert.Equal(t, int64(2), audit.detail[0]["deleted"])
}

func TestArchiveTrades_NothingToArchive(t *testing.T) {
	w, trades := &fakeWriter{}, &fakeTrades{rows: tradeRows()[2:]}
	a := newTestArchiver(w, nil, trades, nil, DefaultArchiverConfig())

	n, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.uploads)
	assert.True(t, trades.deleted.IsZero())
}

func TestArchiveTrades_UploadFailureKeepsRows(t *testing.T) {
	w, trades := &fakeWriter{err: errors.New("bucket gone")}, &fakeTrades{rows: tradeRows()}
	a := newTestArchiver(w, nil, trades, nil, DefaultArchiverConfig())

	_, err := a.ArchiveTrades(context.Background(), cutoff)
	require.Error(t, err)
	assert.Len(t, trades.rows, 3)
}

func TestArchiveTrades_DoesNotOverwrite(t *testing.T) {
	w := &fakeWriter{}
	objects := fakeObjects{
		"archive/trade_results/2026-03-02.jsonl":   true,
		"archive/trade_results/2026-03-02.1.jsonl": true,
	}
	a := newTestArchiver(w, objects, &fakeTrades{rows: tradeRows()}, nil, DefaultArchiverConfig())

	_, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, w.uploads, 1)
	assert.Equal(t, "archive/trade_results/2026-03-02.2.jsonl", w.uploads[0].path)
}

func TestArchiveTrades_MultipartAboveThreshold(t *testing.T) {
	w := &fakeWriter{}
	cfg := DefaultArchiverConfig()
	cfg.MultipartThreshold = 10
	cfg.KeepRows = true
	trades := &fakeTrades{rows: tradeRows()}
	a := newTestArchiver(w, nil, trades, nil, cfg)

	_, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, w.uploads, 1)
	assert.True(t, w.uploads[0].multipart)
	assert.Len(t, trades.rows, 3)
}

func TestArchiveOlderThan_UsesMidnightCutoff(t *testing.T) {
	trades := &fakeTrades{rows: tradeRows()}
	a := newTestArchiver(&fakeWriter{}, nil, trades, nil, DefaultArchiverConfig())
	a.now = func() time.Time { return cutoff.Add(30*time.Hour + 17*time.Minute) }

	_, err := a.ArchiveOlderThan(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, cutoff, trades.deleted)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}
