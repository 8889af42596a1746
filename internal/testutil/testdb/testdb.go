// Package testdb provides migrated databases for tests.
package testdb

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/tullo/inbox/internal/database"
)

// NewSQLite returns a migrated SQLite database in a temporary directory.
func NewSQLite(tb testing.TB) *database.DB {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "inbox.db")
	db, err := database.Open(database.DriverSQLite, fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	tb.Cleanup(func() { db.Close() })

	if err := database.RunMigrations(context.Background(), db); err != nil {
		tb.Fatalf("migrate sqlite: %v", err)
	}
	return db
}

// NewPostgres starts a disposable Postgres container and returns a migrated
// database. The test is skipped when no container runtime is reachable or
// when running with -short.
func NewPostgres(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("inbox"),
		postgres.WithUsername("inbox"),
		postgres.WithPassword("inbox"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("build postgres connection string: %v", err)
	}

	db, err := database.NewPostgresDB(dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.RunMigrations(ctx, db); err != nil {
		t.Fatalf("migrate postgres: %v", err)
	}
	return db
}
