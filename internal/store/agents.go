// ABOUTME: SQLite persistence for agents, API keys and keypairs
// ABOUTME: Registration writes the agent and all credentials in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RegisterAgent inserts the agent, its API key, its public keypair and its
// sealed private key atomically. Returns ErrDuplicate if the address is taken.
func (s *SQLiteStore) RegisterAgent(ctx context.Context, p RegisterParams) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (agent_id, address, name, tenant_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, p.Agent.ID, p.Agent.Address, p.Agent.Name, p.Agent.TenantID, formatTime(p.Agent.CreatedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting agent: %w", err)
		}

		if err := insertAPIKey(ctx, tx, p.Key); err != nil {
			return err
		}
		return saveKeyPair(ctx, tx, p.KeyPair, p.SealedPriv)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("registered agent", "agent_id", p.Agent.ID, "address", p.Agent.Address)
	return nil
}

// GetAgent retrieves an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, `
		SELECT agent_id, address, name, tenant_id, created_at, last_seen_at
		FROM agents WHERE agent_id = ?
	`, id))
}

// GetAgentByAddress retrieves an agent by its normalized address.
func (s *SQLiteStore) GetAgentByAddress(ctx context.Context, address string) (*Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, `
		SELECT agent_id, address, name, tenant_id, created_at, last_seen_at
		FROM agents WHERE address = ?
	`, strings.ToLower(address)))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanAgent(row rowScanner) (*Agent, error) {
	var (
		a         Agent
		createdAt string
		lastSeen  sql.NullString
	)
	err := row.Scan(&a.ID, &a.Address, &a.Name, &a.TenantID, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.LastSeenAt, err = parseNullTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	return &a, nil
}

// ListAgents returns agents in a tenant, optionally filtered by a substring of
// the name or address. A limit <= 0 returns everything.
func (s *SQLiteStore) ListAgents(ctx context.Context, tenantID, query string, limit int) ([]*Agent, error) {
	q := `
		SELECT agent_id, address, name, tenant_id, created_at, last_seen_at
		FROM agents WHERE tenant_id = ?
	`
	args := []any{tenantID}

	if query != "" {
		q += ` AND (address LIKE ? ESCAPE '\' OR name LIKE ? ESCAPE '\')`
		pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
		args = append(args, pattern, pattern)
	}
	q += ` ORDER BY address`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// TouchAgent records the last time the agent was seen.
func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = ? WHERE agent_id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating last_seen_at: %w", err)
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

func insertAPIKey(ctx context.Context, tx *sql.Tx, k *APIKey) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO api_keys (key_hash, agent_id, address, tenant_id, is_test, issued_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, k.KeyHash, k.AgentID, k.Address, k.TenantID, boolToInt(k.IsTest), formatTime(k.IssuedAt), nullTime(k.RevokedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash retrieves a key record, revoked or not.
func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var (
		k        APIKey
		isTest   int
		issuedAt string
		revoked  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key_hash, agent_id, address, tenant_id, is_test, issued_at, revoked_at
		FROM api_keys WHERE key_hash = ?
	`, hash).Scan(&k.KeyHash, &k.AgentID, &k.Address, &k.TenantID, &isTest, &issuedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}

	k.IsTest = isTest != 0
	if k.IssuedAt, err = parseTime(issuedAt); err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	if k.RevokedAt, err = parseNullTime(revoked); err != nil {
		return nil, fmt.Errorf("parsing revoked_at: %w", err)
	}
	return &k, nil
}

// ReplaceAPIKeyHash swaps an active key's hash in place. The old hash stops
// resolving in the same statement. Returns ErrNotFound if oldHash is unknown
// or revoked.
func (s *SQLiteStore) ReplaceAPIKeyHash(ctx context.Context, oldHash, newHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET key_hash = ?, issued_at = ?
		WHERE key_hash = ? AND revoked_at IS NULL
	`, newHash, formatTime(at), oldHash)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("rotating api key: %w", err)
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

// RevokeAPIKey marks a key revoked. Revoking twice keeps the first timestamp.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, hash string, at time.Time) (bool, error) {
	var alreadyRevoked bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var revoked sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT revoked_at FROM api_keys WHERE key_hash = ?`, hash).Scan(&revoked)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying api key: %w", err)
		}
		if revoked.Valid {
			alreadyRevoked = true
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE key_hash = ?`, formatTime(at), hash); err != nil {
			return fmt.Errorf("revoking api key: %w", err)
		}
		return nil
	})
	return alreadyRevoked, err
}

// SaveKeyPair replaces the agent's keypair. Public and private halves are
// written to separate tables in one transaction.
func (s *SQLiteStore) SaveKeyPair(ctx context.Context, pair *KeyPair, sealedPriv []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return saveKeyPair(ctx, tx, pair, sealedPriv)
	})
}

func saveKeyPair(ctx context.Context, tx *sql.Tx, pair *KeyPair, sealedPriv []byte) error {
	created := formatTime(pair.CreatedAt)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_keypairs (agent_id, public_key, fingerprint, algorithm, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			public_key = excluded.public_key,
			fingerprint = excluded.fingerprint,
			algorithm = excluded.algorithm,
			created_at = excluded.created_at
	`, pair.AgentID, pair.PublicKey, pair.Fingerprint, pair.Algorithm, created)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return ErrNotFound
		}
		return fmt.Errorf("saving keypair: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_private_keys (agent_id, sealed_key, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			sealed_key = excluded.sealed_key,
			updated_at = excluded.updated_at
	`, pair.AgentID, sealedPriv, created)
	if err != nil {
		return fmt.Errorf("saving private key: %w", err)
	}
	return nil
}

// GetKeyPair returns the agent's public keypair metadata.
func (s *SQLiteStore) GetKeyPair(ctx context.Context, agentID string) (*KeyPair, error) {
	var (
		p         KeyPair
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, public_key, fingerprint, algorithm, created_at
		FROM agent_keypairs WHERE agent_id = ?
	`, agentID).Scan(&p.AgentID, &p.PublicKey, &p.Fingerprint, &p.Algorithm, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying keypair: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

// GetSealedPrivateKey returns the encrypted private key bytes.
func (s *SQLiteStore) GetSealedPrivateKey(ctx context.Context, agentID string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT sealed_key FROM agent_private_keys WHERE agent_id = ?`, agentID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying private key: %w", err)
	}
	return sealed, nil
}
