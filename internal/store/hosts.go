// ABOUTME: SQLite persistence for the mesh host registry
// ABOUTME: Enforces unique ids, unique remote URLs and a single local host

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const hostColumns = `id, name, url, type, enabled, synced_at, sync_source, last_health_at, healthy, created_at`

// CreateHost inserts a host. Returns ErrDuplicate when the id or, for remote
// hosts, the URL is already registered.
func (s *SQLiteStore) CreateHost(ctx context.Context, h *Host) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hosts (`+hostColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		h.ID,
		h.Name,
		h.URL,
		string(h.Type),
		boolToInt(h.Enabled),
		nullTime(h.SyncedAt),
		nullString(h.SyncSource),
		nullTime(h.LastHealthAt),
		boolToInt(h.Healthy),
		formatTime(h.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting host: %w", err)
	}

	s.logger.Debug("created host", "id", h.ID, "url", h.URL, "type", h.Type)
	return nil
}

// UpsertLocalHost makes h the single local host, replacing any previous local
// entry.
func (s *SQLiteStore) UpsertLocalHost(ctx context.Context, h *Host) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM hosts WHERE type = 'local' AND id != ?`, h.ID); err != nil {
			return fmt.Errorf("clearing stale local host: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hosts (`+hostColumns+`)
			VALUES (?, ?, ?, 'local', 1, NULL, NULL, NULL, 1, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				url = excluded.url,
				type = 'local',
				enabled = 1,
				healthy = 1
		`, h.ID, h.Name, h.URL, formatTime(h.CreatedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("upserting local host: %w", err)
		}
		return nil
	})
}

// GetHost retrieves a host by id.
func (s *SQLiteStore) GetHost(ctx context.Context, id string) (*Host, error) {
	return scanHost(s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id))
}

// GetRemoteHostByURL retrieves the remote host registered under url.
func (s *SQLiteStore) GetRemoteHostByURL(ctx context.Context, url string) (*Host, error) {
	return scanHost(s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE type = 'remote' AND url = ?`, url))
}

// GetLocalHost retrieves this host's own entry.
func (s *SQLiteStore) GetLocalHost(ctx context.Context) (*Host, error) {
	return scanHost(s.db.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE type = 'local'`))
}

// ListHosts returns all hosts, local first, then by creation time.
func (s *SQLiteStore) ListHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hostColumns+` FROM hosts
		ORDER BY CASE type WHEN 'local' THEN 0 ELSE 1 END, created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hosts: %w", err)
	}
	return hosts, nil
}

// DeleteHost removes a host by id.
func (s *SQLiteStore) DeleteHost(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting host: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHostHealth records the outcome of a health probe.
func (s *SQLiteStore) UpdateHostHealth(ctx context.Context, id string, healthy bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hosts SET healthy = ?, last_health_at = ? WHERE id = ?
	`, boolToInt(healthy), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating host health: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanHost(row rowScanner) (*Host, error) {
	var (
		h          Host
		hostType   string
		enabled    int
		healthy    int
		syncedAt   sql.NullString
		syncSource sql.NullString
		healthAt   sql.NullString
		createdAt  string
	)
	err := row.Scan(&h.ID, &h.Name, &h.URL, &hostType, &enabled, &syncedAt, &syncSource, &healthAt, &healthy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying host: %w", err)
	}

	h.Type = HostType(hostType)
	h.Enabled = enabled != 0
	h.Healthy = healthy != 0
	h.SyncSource = syncSource.String

	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if h.SyncedAt, err = parseNullTime(syncedAt); err != nil {
		return nil, fmt.Errorf("parsing synced_at: %w", err)
	}
	if h.LastHealthAt, err = parseNullTime(healthAt); err != nil {
		return nil, fmt.Errorf("parsing last_health_at: %w", err)
	}
	return &h, nil
}
