package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      string
	Down    string
}

// PostgresMigrations contains the schema for Postgres deployments.
var PostgresMigrations = []Migration{
	{
		Version: 1,
		Up: `
			CREATE TABLE IF NOT EXISTS users (
				id BIGSERIAL PRIMARY KEY,
				email VARCHAR(255) UNIQUE NOT NULL,
				display_name VARCHAR(255) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
		Down: `
			DROP TABLE IF EXISTS users;
		`,
	},
	{
		Version: 2,
		Up: `
			CREATE TABLE IF NOT EXISTS conversations (
				id BIGSERIAL PRIMARY KEY,
				user_a_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				user_b_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				CONSTRAINT conversations_pair_ordered CHECK (user_a_id < user_b_id),
				CONSTRAINT conversations_pair_unique UNIQUE (user_a_id, user_b_id)
			);

			CREATE INDEX IF NOT EXISTS idx_conversations_user_b ON conversations(user_b_id);
			CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);
		`,
		Down: `
			DROP TABLE IF EXISTS conversations;
		`,
	},
	{
		Version: 3,
		Up: `
			CREATE TABLE IF NOT EXISTS conversation_requests (
				id BIGSERIAL PRIMARY KEY,
				requester_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				recipient_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				pair_low BIGINT NOT NULL,
				pair_high BIGINT NOT NULL,
				status VARCHAR(16) NOT NULL DEFAULT 'pending',
				message TEXT NOT NULL DEFAULT '',
				conversation_id BIGINT REFERENCES conversations(id) ON DELETE SET NULL,
				created_at TIMESTAMPTZ NOT NULL,
				responded_at TIMESTAMPTZ,
				CONSTRAINT conversation_requests_status CHECK (status IN ('pending', 'accepted', 'denied')),
				CONSTRAINT conversation_requests_not_self CHECK (requester_id <> recipient_id),
				CONSTRAINT conversation_requests_pair_ordered CHECK (pair_low < pair_high)
			);

			-- at most one pending or accepted request per unordered pair
			CREATE UNIQUE INDEX IF NOT EXISTS ux_conversation_requests_active_pair
				ON conversation_requests(pair_low, pair_high) WHERE status <> 'denied';
			CREATE INDEX IF NOT EXISTS idx_conversation_requests_recipient ON conversation_requests(recipient_id, status);
			CREATE INDEX IF NOT EXISTS idx_conversation_requests_requester ON conversation_requests(requester_id, status);
		`,
		Down: `
			DROP TABLE IF EXISTS conversation_requests;
		`,
	},
	{
		Version: 4,
		Up: `
			CREATE TABLE IF NOT EXISTS messages (
				id BIGSERIAL PRIMARY KEY,
				conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				content TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				read_at TIMESTAMPTZ
			);

			CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id);
			CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(conversation_id, sender_id) WHERE read_at IS NULL;
		`,
		Down: `
			DROP TABLE IF EXISTS messages;
		`,
	},
}

// SQLiteMigrations mirrors PostgresMigrations for single-node and test deployments.
var SQLiteMigrations = []Migration{
	{
		Version: 1,
		Up: `
			CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				email TEXT UNIQUE NOT NULL,
				display_name TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`,
		Down: `
			DROP TABLE IF EXISTS users;
		`,
	},
	{
		Version: 2,
		Up: `
			CREATE TABLE IF NOT EXISTS conversations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_a_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				user_b_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				CHECK (user_a_id < user_b_id),
				UNIQUE (user_a_id, user_b_id)
			);

			CREATE INDEX IF NOT EXISTS idx_conversations_user_b ON conversations(user_b_id);
			CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);
		`,
		Down: `
			DROP TABLE IF EXISTS conversations;
		`,
	},
	{
		Version: 3,
		Up: `
			CREATE TABLE IF NOT EXISTS conversation_requests (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				requester_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				recipient_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				pair_low INTEGER NOT NULL,
				pair_high INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'accepted', 'denied')),
				message TEXT NOT NULL DEFAULT '',
				conversation_id INTEGER REFERENCES conversations(id) ON DELETE SET NULL,
				created_at TIMESTAMP NOT NULL,
				responded_at TIMESTAMP,
				CHECK (requester_id <> recipient_id),
				CHECK (pair_low < pair_high)
			);

			CREATE UNIQUE INDEX IF NOT EXISTS ux_conversation_requests_active_pair
				ON conversation_requests(pair_low, pair_high) WHERE status <> 'denied';
			CREATE INDEX IF NOT EXISTS idx_conversation_requests_recipient ON conversation_requests(recipient_id, status);
			CREATE INDEX IF NOT EXISTS idx_conversation_requests_requester ON conversation_requests(requester_id, status);
		`,
		Down: `
			DROP TABLE IF EXISTS conversation_requests;
		`,
	},
	{
		Version: 4,
		Up: `
			CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				sender_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				content TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				read_at TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, id);
			CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(conversation_id, sender_id) WHERE read_at IS NULL;
		`,
		Down: `
			DROP TABLE IF EXISTS messages;
		`,
	},
}

// MigrationsFor returns the migration set for a driver.
func MigrationsFor(driver string) ([]Migration, error) {
	switch driver {
	case DriverPostgres:
		return PostgresMigrations, nil
	case DriverSQLite:
		return SQLiteMigrations, nil
	default:
		return nil, fmt.Errorf("no migrations for driver %q", driver)
	}
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	AppliedAt time.Time
}

// RunMigrations runs all pending migrations
func RunMigrations(ctx context.Context, db *DB) error {
	migrations, err := MigrationsFor(db.Driver)
	if err != nil {
		return err
	}

	// Ensure migrations table exists
	if err := ensureMigrationsTable(ctx, db.DB); err != nil {
		return err
	}

	// Get current version
	currentVersion, err := getCurrentVersion(ctx, db.DB)
	if err != nil {
		return err
	}

	// Run pending migrations in ascending order by version
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, migration := range sorted {
		if migration.Version <= currentVersion {
			continue
		}

		log.Info("Running migration", "version", migration.Version, "driver", db.Driver)

		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)",
				migration.Version, time.Now().UTC(),
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// AppliedMigrations lists the recorded migrations in version order.
func AppliedMigrations(ctx context.Context, db *DB) ([]AppliedMigration, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer rows.Close()

	applied := []AppliedMigration{}
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Version, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		applied = append(applied, m)
	}
	return applied, rows.Err()
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	return err
}

func getCurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
