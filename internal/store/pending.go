// ABOUTME: SQLite persistence for the per-agent pending message queue
// ABOUTME: FIFO order follows an autoincrement sequence column

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnqueuePending appends msg to its agent's queue. When maxPerAgent > 0 and the
// queue grows past it, the oldest entries are removed and their ids returned.
func (s *SQLiteStore) EnqueuePending(ctx context.Context, msg *PendingMessage, maxPerAgent int) ([]string, error) {
	var dropped []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_messages (id, agent_id, envelope, payload, sender_public_key, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.AgentID, msg.Envelope, msg.Payload, nullString(msg.SenderPublicKey), formatTime(msg.EnqueuedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting pending message: %w", err)
		}

		if maxPerAgent <= 0 {
			return nil
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_messages WHERE agent_id = ?`, msg.AgentID).Scan(&count); err != nil {
			return fmt.Errorf("counting pending messages: %w", err)
		}
		excess := count - maxPerAgent
		if excess <= 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM pending_messages WHERE agent_id = ? ORDER BY seq LIMIT ?
		`, msg.AgentID, excess)
		if err != nil {
			return fmt.Errorf("selecting overflow: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scanning overflow id: %w", err)
			}
			dropped = append(dropped, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating overflow: %w", err)
		}

		for _, id := range dropped {
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending_messages WHERE id = ?`, id); err != nil {
				return fmt.Errorf("dropping overflow message: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}

// ListPending returns up to limit of the agent's oldest messages and the total
// queue length.
func (s *SQLiteStore) ListPending(ctx context.Context, agentID string, limit int) ([]*PendingMessage, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_messages WHERE agent_id = ?`, agentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting pending messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, envelope, payload, sender_public_key, enqueued_at
		FROM pending_messages
		WHERE agent_id = ?
		ORDER BY seq
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("querying pending messages: %w", err)
	}
	defer rows.Close()

	var msgs []*PendingMessage
	for rows.Next() {
		var (
			m          PendingMessage
			senderKey  sql.NullString
			enqueuedAt string
		)
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Envelope, &m.Payload, &senderKey, &enqueuedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning pending message: %w", err)
		}
		m.SenderPublicKey = senderKey.String
		if m.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, 0, fmt.Errorf("parsing enqueued_at: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating pending messages: %w", err)
	}

	return msgs, total, nil
}

// DeletePending removes one message from the agent's queue. Returns false when
// nothing matched.
func (s *SQLiteStore) DeletePending(ctx context.Context, agentID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE agent_id = ? AND id = ?`, agentID, id)
	if err != nil {
		return false, fmt.Errorf("deleting pending message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// CountPending returns the agent's queue length.
func (s *SQLiteStore) CountPending(ctx context.Context, agentID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_messages WHERE agent_id = ?`, agentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending messages: %w", err)
	}
	return n, nil
}

// PurgePendingBefore deletes every message enqueued before the cutoff.
func (s *SQLiteStore) PurgePendingBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_messages WHERE enqueued_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purging pending messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
