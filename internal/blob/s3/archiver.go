package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// ArchiverConfig tunes the archival run.
type ArchiverConfig struct {
	// MultipartThreshold is the payload size above which uploads go through
	// the multipart manager.
	MultipartThreshold int64
	PartSize           int64
	// KeepRows skips the delete from the primary store after upload.
	KeepRows bool
}

// DefaultArchiverConfig returns the production archival settings.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		MultipartThreshold: 16 * 1024 * 1024,
		PartSize:           minPartSize,
	}
}

// Archiver implements domain.Archiver. Trade results completed before the
// cutoff are serialized to JSONL, uploaded, recorded in the audit log and
// then pruned from the primary store. Rows are deleted only after the
// upload succeeded.
type Archiver struct {
	writer  domain.BlobWriter
	objects domain.BlobReader
	trades  domain.TradeResultStore
	audit   domain.AuditStore
	cfg     ArchiverConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewArchiver creates an Archiver. objects and audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	objects domain.BlobReader,
	trades domain.TradeResultStore,
	audit domain.AuditStore,
	cfg ArchiverConfig,
	logger *slog.Logger,
) *Archiver {
	if cfg.PartSize <= 0 {
		cfg.PartSize = minPartSize
	}
	return &Archiver{
		writer:  writer,
		objects: objects,
		trades:  trades,
		audit:   audit,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades archives every trade result completed before the cutoff and
// returns the number of records uploaded.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	results, err := a.trades.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(results)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path, err := a.freePath(ctx, archivePath("trade_results", before))
	if err != nil {
		return 0, err
	}
	if int64(len(buf)) > a.cfg.MultipartThreshold && a.cfg.MultipartThreshold > 0 {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.cfg.PartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	count := int64(len(results))
	var deleted int64
	if !a.cfg.KeepRows {
		if deleted, err = a.trades.DeleteBefore(ctx, before); err != nil {
			return count, fmt.Errorf("s3blob: archive trades prune: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "trade results archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int64("deleted", deleted),
		slog.Int("bytes", len(buf)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.trade_results", map[string]any{
			"path":    path,
			"count":   count,
			"deleted": deleted,
			"before":  before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive trades audit log: %w", err)
		}
	}
	return count, nil
}

// ArchiveOlderThan archives results older than retention, measured back
// from midnight UTC so that repeated runs on one day use the same cutoff.
func (a *Archiver) ArchiveOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := a.now().UTC().Truncate(24 * time.Hour).Add(-retention)
	return a.ArchiveTrades(ctx, cutoff)
}

// freePath returns path, or path with a numeric suffix when an earlier run
// already wrote that object.
func (a *Archiver) freePath(ctx context.Context, path string) (string, error) {
	if a.objects == nil {
		return path, nil
	}
	base := path[:len(path)-len(".jsonl")]
	for i := 0; i < 100; i++ {
		candidate := path
		if i > 0 {
			candidate = fmt.Sprintf("%s.%d.jsonl", base, i)
		}
		exists, err := a.objects.Exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive trades: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("s3blob: archive trades: no free object key for %s", path)
}

// archivePath builds the object key, partitioned by the cutoff date:
//
//	archive/trade_results/2026-03-02.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
