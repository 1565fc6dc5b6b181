// ABOUTME: Tests for the host registry
// ABOUTME: Self entry, manual add/remove, duplicate detection and health records

package mesh

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-gateway/internal/filelock"
	"github.com/2389/mesh-gateway/internal/store"
)

func TestEnsureSelf(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	reg := newTestRegistry(t, s, newScriptedProber())
	self, err := reg.Self(ctx)
	require.NoError(t, err)
	assert.Equal(t, selfID, self.ID)
	assert.Equal(t, store.HostTypeLocal, self.Type)
	assert.Equal(t, selfURL, self.URL)

	// running again is idempotent
	_, err = reg.EnsureSelf(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, hostCount(t, reg))
}

func TestEnsureSelf_KeepsGeneratedID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cfg := SelfConfig{URL: selfURL}

	first, err := NewRegistry(s, filelock.New(), newScriptedProber(), time.Second, cfg, nil).EnsureSelf(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	assert.Equal(t, first.ID, first.Name, "name defaults to id")

	second, err := NewRegistry(s, filelock.New(), newScriptedProber(), time.Second, cfg, nil).EnsureSelf(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestEnsureSelf_RejectsBadURL(t *testing.T) {
	reg := NewRegistry(newTestStore(t), filelock.New(), newScriptedProber(), time.Second, SelfConfig{URL: "self.test"}, nil)
	_, err := reg.EnsureSelf(context.Background())
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIsSelf(t *testing.T) {
	reg := newTestRegistry(t, newTestStore(t), newScriptedProber())

	assert.True(t, reg.IsSelf(HostInfo{ID: selfID}))
	assert.True(t, reg.IsSelf(HostInfo{ID: strings.ToUpper(selfID)}))
	assert.True(t, reg.IsSelf(HostInfo{ID: "SELF-ALIAS"}))
	assert.True(t, reg.IsSelf(HostInfo{ID: "x", URL: "HTTPS://self.test/"}))
	assert.False(t, reg.IsSelf(HostInfo{ID: "x", URL: "https://other.test"}))
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	prober := newScriptedProber("https://up.test")
	reg := newTestRegistry(t, newTestStore(t), prober)

	h, err := reg.Add(ctx, AddRequest{Name: "up", URL: "https://up.test/", Probe: true})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, "https://up.test", h.URL)
	assert.Equal(t, SourceManual, h.SyncSource)
	assert.True(t, h.Healthy)

	t.Run("duplicate url", func(t *testing.T) {
		_, err := reg.Add(ctx, AddRequest{ID: "other", URL: "https://up.test"})
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("duplicate id", func(t *testing.T) {
		_, err := reg.Add(ctx, AddRequest{ID: h.ID, URL: "https://new.test"})
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})

	t.Run("self", func(t *testing.T) {
		_, err := reg.Add(ctx, AddRequest{ID: "x", URL: selfURL})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unreachable with probe", func(t *testing.T) {
		_, err := reg.Add(ctx, AddRequest{ID: "down", URL: "https://down.test", Probe: true})
		assert.ErrorIs(t, err, ErrUnreachable)
		_, err = reg.Get(ctx, "down")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := reg.Add(ctx, AddRequest{ID: "bad id", URL: "https://bad.test"})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestAdd_ConcurrentSameURL(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, newTestStore(t), newScriptedProber())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = reg.Add(ctx, AddRequest{URL: "https://same.test"})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, store.ErrDuplicate)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, hostCount(t, reg))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, newTestStore(t), newScriptedProber())

	_, err := reg.Add(ctx, AddRequest{ID: "gone", URL: "https://gone.test"})
	require.NoError(t, err)

	require.NoError(t, reg.Remove(ctx, "gone"))
	assert.ErrorIs(t, reg.Remove(ctx, "gone"), store.ErrNotFound)
	assert.ErrorIs(t, reg.Remove(ctx, selfID), ErrValidation)
}

func TestRecordHealth(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, newTestStore(t), newScriptedProber())

	_, err := reg.Add(ctx, AddRequest{ID: "h", URL: "https://h.test"})
	require.NoError(t, err)

	require.NoError(t, reg.RecordHealth(ctx, "h", true))
	h, err := reg.Get(ctx, "h")
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	require.NotNil(t, h.LastHealthAt)

	assert.ErrorIs(t, reg.RecordHealth(ctx, "missing", true), store.ErrNotFound)
}
