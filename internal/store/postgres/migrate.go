package postgres

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID serialises migrations across processes sharing a
// database. The engine and the API server may start together.
const migrationLockID int64 = 0x706f6c7961726201

type migration struct {
	name     string
	sql      string
	checksum string
}

// loadMigrations reads every .sql file under dir in lexicographic order.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("postgres: read migrations: %w", err)
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("postgres: read migration %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(data)
		out = append(out, migration{name: e.Name(), sql: string(data), checksum: hex.EncodeToString(sum[:])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// pending returns the migrations not yet in applied. A migration whose
// file changed after it was applied is an error.
func pending(all []migration, applied map[string]string) ([]migration, error) {
	var out []migration
	for _, m := range all {
		sum, ok := applied[m.name]
		switch {
		case !ok:
			out = append(out, m)
		case sum != "" && sum != m.checksum:
			return nil, fmt.Errorf("postgres: migration %s was modified after it was applied", m.name)
		}
	}
	return out, nil
}

// RunMigrations applies the embedded migrations that have not run yet, in
// one transaction guarded by an advisory lock.
func (c *Client) RunMigrations(ctx context.Context) error {
	all, err := loadMigrations(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("postgres: migration lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				filename   TEXT PRIMARY KEY,
				checksum   TEXT NOT NULL DEFAULT '',
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`); err != nil {
			return fmt.Errorf("postgres: create schema_migrations: %w", err)
		}

		rows, err := tx.Query(ctx, `SELECT filename, checksum FROM schema_migrations`)
		if err != nil {
			return fmt.Errorf("postgres: list applied migrations: %w", err)
		}
		applied := make(map[string]string)
		for rows.Next() {
			var name, sum string
			if err := rows.Scan(&name, &sum); err != nil {
				rows.Close()
				return fmt.Errorf("postgres: scan applied migration: %w", err)
			}
			applied[name] = sum
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("postgres: list applied migrations: %w", err)
		}

		todo, err := pending(all, applied)
		if err != nil {
			return err
		}
		for _, m := range todo {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return fmt.Errorf("postgres: exec migration %s: %w", m.name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)`,
				m.name, m.checksum,
			); err != nil {
				return fmt.Errorf("postgres: record migration %s: %w", m.name, err)
			}
		}
		return nil
	})
}
