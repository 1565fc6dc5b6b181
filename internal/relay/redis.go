// ABOUTME: Redis backend for the pending queue
// ABOUTME: Stores a list of ids and a hash of bodies per agent with key-level TTL

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/mesh-gateway/internal/store"
)

// RedisBackend keeps each agent's queue in two keys.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects to redisURL. A positive ttl is applied to both keys
// of an agent's queue and refreshed on every enqueue.
func NewRedisBackend(ctx context.Context, redisURL string, ttl time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisBackend{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Ping checks the Redis connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// queueKey holds the ordered ids.
func queueKey(agentID string) string {
	return fmt.Sprintf("relay:%s:queue", agentID)
}

// messagesKey holds id -> body.
func messagesKey(agentID string) string {
	return fmt.Sprintf("relay:%s:messages", agentID)
}

type redisRecord struct {
	ID              string          `json:"id"`
	AgentID         string          `json:"agent_id"`
	Envelope        json.RawMessage `json:"envelope"`
	Payload         json.RawMessage `json:"payload"`
	SenderPublicKey string          `json:"sender_public_key,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
}

// EnqueuePending appends msg and trims the oldest entries beyond maxPerAgent.
func (b *RedisBackend) EnqueuePending(ctx context.Context, msg *store.PendingMessage, maxPerAgent int) ([]string, error) {
	data, err := json.Marshal(redisRecord{
		ID:              msg.ID,
		AgentID:         msg.AgentID,
		Envelope:        msg.Envelope,
		Payload:         msg.Payload,
		SenderPublicKey: msg.SenderPublicKey,
		EnqueuedAt:      msg.EnqueuedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding pending message: %w", err)
	}

	qKey, mKey := queueKey(msg.AgentID), messagesKey(msg.AgentID)

	added, err := b.client.HSetNX(ctx, mKey, msg.ID, data).Result()
	if err != nil {
		return nil, fmt.Errorf("storing pending message: %w", err)
	}
	if !added {
		return nil, store.ErrDuplicate
	}

	pipe := b.client.TxPipeline()
	lenCmd := pipe.RPush(ctx, qKey, msg.ID)
	if b.ttl > 0 {
		pipe.Expire(ctx, qKey, b.ttl)
		pipe.Expire(ctx, mKey, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("appending to queue: %w", err)
	}

	if maxPerAgent <= 0 {
		return nil, nil
	}
	excess := int(lenCmd.Val()) - maxPerAgent
	if excess <= 0 {
		return nil, nil
	}

	dropped, err := b.client.LPopCount(ctx, qKey, excess).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("trimming queue: %w", err)
	}
	if len(dropped) > 0 {
		if err := b.client.HDel(ctx, mKey, dropped...).Err(); err != nil {
			return nil, fmt.Errorf("removing trimmed bodies: %w", err)
		}
	}
	return dropped, nil
}

// ListPending returns up to limit of the oldest entries and the queue length.
// Ids whose body has vanished are skipped.
func (b *RedisBackend) ListPending(ctx context.Context, agentID string, limit int) ([]*store.PendingMessage, int, error) {
	qKey, mKey := queueKey(agentID), messagesKey(agentID)

	total, err := b.client.LLen(ctx, qKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("counting queue: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	ids, err := b.client.LRange(ctx, qKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("reading queue: %w", err)
	}
	if len(ids) == 0 {
		return nil, int(total), nil
	}

	bodies, err := b.client.HMGet(ctx, mKey, ids...).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("reading bodies: %w", err)
	}

	msgs := make([]*store.PendingMessage, 0, len(ids))
	for i, raw := range bodies {
		s, ok := raw.(string)
		if !ok {
			// orphaned id; drop it so it stops counting
			b.client.LRem(ctx, qKey, 1, ids[i])
			total--
			continue
		}
		var rec redisRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, 0, fmt.Errorf("decoding pending message %s: %w", ids[i], err)
		}
		msgs = append(msgs, &store.PendingMessage{
			ID:              rec.ID,
			AgentID:         rec.AgentID,
			Envelope:        rec.Envelope,
			Payload:         rec.Payload,
			SenderPublicKey: rec.SenderPublicKey,
			EnqueuedAt:      rec.EnqueuedAt,
		})
	}
	return msgs, int(total), nil
}

// DeletePending removes one entry. Returns false when the id is unknown.
func (b *RedisBackend) DeletePending(ctx context.Context, agentID, id string) (bool, error) {
	n, err := b.client.HDel(ctx, messagesKey(agentID), id).Result()
	if err != nil {
		return false, fmt.Errorf("deleting pending message: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := b.client.LRem(ctx, queueKey(agentID), 1, id).Err(); err != nil {
		return true, fmt.Errorf("removing id from queue: %w", err)
	}
	return true, nil
}

// CountPending returns the queue length.
func (b *RedisBackend) CountPending(ctx context.Context, agentID string) (int, error) {
	n, err := b.client.LLen(ctx, queueKey(agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return int(n), nil
}

// PurgePendingBefore is a no-op; expiry is handled by Redis key TTLs.
func (b *RedisBackend) PurgePendingBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
