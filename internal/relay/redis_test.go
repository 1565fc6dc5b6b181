// ABOUTME: Tests for the Redis relay backend
// ABOUTME: Skipped unless MESH_TEST_REDIS_URL points at a scratch Redis

package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	url := os.Getenv("MESH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MESH_TEST_REDIS_URL not set")
	}

	b, err := NewRedisBackend(context.Background(), url, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisBackend_Queue(t *testing.T) {
	b := newRedisBackend(t)
	svc := NewService(b, Options{MaxPendingPerAgent: 3}, nil)
	ctx := context.Background()
	agent := "agent-" + uuid.NewString()

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		_, err := svc.Enqueue(ctx, agent, testEnvelope(id), textPayload, "")
		require.NoError(t, err)
	}

	msgs, remaining, err := svc.Pending(ctx, agent, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID, "m1 dropped by capacity")
	assert.Equal(t, 1, remaining)

	removed, err := svc.Acknowledge(ctx, agent, "m2")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = svc.Acknowledge(ctx, agent, "m2")
	require.NoError(t, err)
	assert.False(t, removed)

	n, err := svc.Count(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ttl, err := b.client.TTL(ctx, queueKey(agent)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
