// Package testutil wires integration tests to a throwaway Postgres
// database. Tests call Setup and are skipped when SYNC_TEST_DB_URL is
// not set, so the unit suite stays runnable without infrastructure.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Setup connects to the test database, applies the schema and returns
// a pool that is closed when the test finishes. Tables are truncated
// first so every test starts from an empty state.
func Setup(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("SYNC_TEST_DB_URL")
	if url == "" {
		t.Skip("SYNC_TEST_DB_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect test db: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("test db unreachable: %v", err)
	}
	t.Cleanup(pool.Close)

	applySchema(t, pool)
	truncate(t, pool)
	return pool
}

func applySchema(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("resolve migrations path")
	}
	path := filepath.Join(filepath.Dir(file), "..", "..", "migrations", "0001_sync_engine.sql")
	schema, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func truncate(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := pool.Exec(ctx, `TRUNCATE exchange_accounts, balances, trades, sync_run_logs, portfolio_snapshots CASCADE`)
	if err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}
