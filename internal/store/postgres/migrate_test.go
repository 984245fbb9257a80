package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsOrdersAndHashes(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_b.sql": {Data: []byte("CREATE TABLE b ();")},
		"m/001_a.sql": {Data: []byte("CREATE TABLE a ();")},
		"m/README.md": {Data: []byte("notes")},
		"m/003_c.sql": {Data: []byte("CREATE TABLE c ();")},
		"m/sub/x.sql": {Data: []byte("ignored")},
	}
	all, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "001_a.sql", all[0].name)
	assert.Equal(t, "003_c.sql", all[2].name)
	assert.Len(t, all[0].checksum, 64)
	assert.NotEqual(t, all[0].checksum, all[1].checksum)
}

func TestPendingMigrations(t *testing.T) {
	all := []migration{
		{name: "001_a.sql", checksum: "aa"},
		{name: "002_b.sql", checksum: "bb"},
	}

	todo, err := pending(all, map[string]string{})
	require.NoError(t, err)
	assert.Len(t, todo, 2)

	todo, err = pending(all, map[string]string{"001_a.sql": "aa"})
	require.NoError(t, err)
	require.Len(t, todo, 1)
	assert.Equal(t, "002_b.sql", todo[0].name)

	// rows recorded before checksums existed are trusted
	todo, err = pending(all, map[string]string{"001_a.sql": "", "002_b.sql": "bb"})
	require.NoError(t, err)
	assert.Empty(t, todo)

	_, err = pending(all, map[string]string{"001_a.sql": "changed"})
	assert.ErrorContains(t, err, "001_a.sql was modified")
}

func TestEmbeddedMigrations(t *testing.T) {
	all, err := loadMigrations(migrationsFS, "migrations")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "001_trade_results.sql", all[0].name)
	assert.Equal(t, "002_audit_log.sql", all[1].name)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: " postgres://x "}))
	assert.Equal(t,
		"postgres://arb:p%40ss@db:5433/polyarb?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 5433, Database: "polyarb", User: "arb", Password: "p@ss", SSLMode: "require"}))
	assert.Equal(t,
		"postgres://u:@localhost:5432/d?sslmode=disable",
		DSN(ClientConfig{Host: "localhost", Database: "d", User: "u"}))
}
