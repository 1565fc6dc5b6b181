// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and runs column migrations

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer at a time; concurrent writers would otherwise hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id     TEXT PRIMARY KEY,
			address      TEXT NOT NULL UNIQUE,
			name         TEXT NOT NULL,
			tenant_id    TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			last_seen_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant_id);

		CREATE TABLE IF NOT EXISTS api_keys (
			key_hash   TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			address    TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			is_test    INTEGER NOT NULL DEFAULT 0,
			issued_at  TEXT NOT NULL,
			revoked_at TEXT,
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_agent ON api_keys(agent_id);

		CREATE TABLE IF NOT EXISTS agent_keypairs (
			agent_id    TEXT PRIMARY KEY,
			public_key  BLOB NOT NULL,
			fingerprint TEXT NOT NULL,
			algorithm   TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS agent_private_keys (
			agent_id    TEXT PRIMARY KEY,
			sealed_key  BLOB NOT NULL,
			updated_at  TEXT NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS pending_messages (
			seq               INTEGER PRIMARY KEY AUTOINCREMENT,
			id                TEXT NOT NULL UNIQUE,
			agent_id          TEXT NOT NULL,
			envelope          BLOB NOT NULL,
			payload           BLOB NOT NULL,
			sender_public_key TEXT,
			enqueued_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pending_agent_seq ON pending_messages(agent_id, seq);
		CREATE INDEX IF NOT EXISTS idx_pending_enqueued ON pending_messages(enqueued_at);

		CREATE TABLE IF NOT EXISTS hosts (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			url            TEXT NOT NULL,
			type           TEXT NOT NULL,
			enabled        INTEGER NOT NULL DEFAULT 1,
			synced_at      TEXT,
			sync_source    TEXT,
			last_health_at TEXT,
			healthy        INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,

			CHECK (type IN ('local', 'remote'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_hosts_remote_url ON hosts(url) WHERE type = 'remote';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_hosts_single_local ON hosts(type) WHERE type = 'local';
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after a table was first created.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agents",
			column: "last_seen_at",
			apply:  `ALTER TABLE agents ADD COLUMN last_seen_at TEXT`,
		},
		{
			table:  "hosts",
			column: "last_health_at",
			apply:  `ALTER TABLE hosts ADD COLUMN last_health_at TEXT`,
		},
		{
			table:  "hosts",
			column: "healthy",
			apply:  `ALTER TABLE hosts ADD COLUMN healthy INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullTime converts an optional time into a nullable column value.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseNullTime converts a nullable column value into an optional time.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
