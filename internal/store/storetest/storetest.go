// Package storetest provides migrated databases for package tests.
package storetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"librarydesk/internal/store"
)

// New returns a migrated sqlite database living in t.TempDir().
func New(t testing.TB) *store.DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "librarydesk.db")
	db, err := store.Open(ctx, store.Config{
		Driver:       store.DriverSQLite,
		DSN:          store.SQLiteDSN(path),
		MaxOpenConns: 8,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate sqlite database: %v", err)
	}
	return db
}

// Postgres connects to the server described by the PG* environment
// variables, migrates it and empties every table. The test is skipped when
// no server is reachable.
func Postgres(t testing.TB) *store.DB {
	t.Helper()

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("PGHOST", "localhost"),
		getEnv("PGPORT", "5432"),
		getEnv("PGUSER", "user"),
		getEnv("PGPASSWORD", "password"),
		getEnv("PGDATABASE", "testdb"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := store.Open(ctx, store.Config{Driver: store.DriverPostgres, DSN: connStr})
	if err != nil {
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate postgres database: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE notifications, audit_records, borrows, books`); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
	return db
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
