// ABOUTME: Pending message queue service over a pluggable backend
// ABOUTME: Applies id assignment, page limits, capacity and TTL policies

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/mesh-gateway/internal/metrics"
	"github.com/2389/mesh-gateway/internal/protocol"
	"github.com/2389/mesh-gateway/internal/store"
)

// Page limits for Pending.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Backend persists queue entries. store.SQLiteStore and RedisBackend implement it.
type Backend = store.PendingStore

// PendingMessage is a queued envelope and payload.
type PendingMessage struct {
	ID              string             `json:"id"`
	Envelope        *protocol.Envelope `json:"envelope"`
	Payload         protocol.Payload   `json:"payload"`
	SenderPublicKey string             `json:"sender_public_key,omitempty"`
	EnqueuedAt      time.Time          `json:"enqueued_at"`
}

// Options tune the queue policies. Zero values disable the policy.
type Options struct {
	MaxPendingPerAgent int
	MessageTTL         time.Duration
}

// Service is the message relay.
type Service struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a relay over backend.
func NewService(backend Backend, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		backend: backend,
		opts:    opts,
		logger:  logger.With("component", "relay"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue appends a message to agentID's queue. The envelope id becomes the
// entry id; an envelope without one gets a new ULID.
func (s *Service) Enqueue(ctx context.Context, agentID string, env *protocol.Envelope, payload protocol.Payload, senderPublicKey string) (*PendingMessage, error) {
	if env.ID == "" {
		env.ID = ulid.Make().String()
	}

	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	msg := &PendingMessage{
		ID:              env.ID,
		Envelope:        env,
		Payload:         payload,
		SenderPublicKey: senderPublicKey,
		EnqueuedAt:      s.now(),
	}

	dropped, err := s.backend.EnqueuePending(ctx, &store.PendingMessage{
		ID:              msg.ID,
		AgentID:         agentID,
		Envelope:        envBytes,
		Payload:         payload,
		SenderPublicKey: senderPublicKey,
		EnqueuedAt:      msg.EnqueuedAt,
	}, s.opts.MaxPendingPerAgent)
	if err != nil {
		return nil, fmt.Errorf("enqueueing message: %w", err)
	}

	metrics.MessagesQueued.Inc()
	if len(dropped) > 0 {
		metrics.MessagesDropped.WithLabelValues("capacity").Add(float64(len(dropped)))
		s.logger.Warn("pending queue over capacity, dropped oldest",
			"agent_id", agentID,
			"dropped", len(dropped),
			"limit", s.opts.MaxPendingPerAgent,
		)
	}

	s.logger.Debug("message queued", "agent_id", agentID, "id", msg.ID)
	return msg, nil
}

// Pending returns the oldest messages for agentID and how many remain after
// this page. limit <= 0 means DefaultPageSize; larger than MaxPageSize is capped.
func (s *Service) Pending(ctx context.Context, agentID string, limit int) ([]*PendingMessage, int, error) {
	limit = clampLimit(limit)

	rows, total, err := s.backend.ListPending(ctx, agentID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("listing pending messages: %w", err)
	}

	msgs := make([]*PendingMessage, 0, len(rows))
	for _, row := range rows {
		m, err := decode(row)
		if err != nil {
			// an undecodable entry would block the queue head forever
			s.logger.Error("dropping corrupt pending message", "agent_id", agentID, "id", row.ID, "error", err)
			if _, derr := s.backend.DeletePending(ctx, agentID, row.ID); derr != nil {
				return nil, 0, fmt.Errorf("removing corrupt message: %w", derr)
			}
			total--
			continue
		}
		msgs = append(msgs, m)
	}

	remaining := total - len(msgs)
	if remaining < 0 {
		remaining = 0
	}
	return msgs, remaining, nil
}

// Acknowledge removes one entry. Unknown or already acknowledged ids return false
// without error.
func (s *Service) Acknowledge(ctx context.Context, agentID, id string) (bool, error) {
	removed, err := s.backend.DeletePending(ctx, agentID, id)
	if err != nil {
		return false, fmt.Errorf("acknowledging message: %w", err)
	}
	if removed {
		metrics.MessagesAcknowledged.Inc()
	}
	return removed, nil
}

// Count returns the length of agentID's queue.
func (s *Service) Count(ctx context.Context, agentID string) (int, error) {
	n, err := s.backend.CountPending(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("counting pending messages: %w", err)
	}
	return n, nil
}

// Sweep removes entries older than the message TTL.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	if s.opts.MessageTTL <= 0 {
		return 0, nil
	}
	n, err := s.backend.PurgePendingBefore(ctx, s.now().Add(-s.opts.MessageTTL))
	if err != nil {
		return 0, fmt.Errorf("sweeping expired messages: %w", err)
	}
	if n > 0 {
		metrics.MessagesDropped.WithLabelValues("expired").Add(float64(n))
		s.logger.Info("expired pending messages removed", "count", n)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.opts.MessageTTL <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func decode(row *store.PendingMessage) (*PendingMessage, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(row.Envelope, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	payload, err := protocol.ParsePayload(row.Payload)
	if err != nil {
		return nil, err
	}
	return &PendingMessage{
		ID:              row.ID,
		Envelope:        &env,
		Payload:         payload,
		SenderPublicKey: row.SenderPublicKey,
		EnqueuedAt:      row.EnqueuedAt,
	}, nil
}
