// ABOUTME: Shared fixtures for mesh tests
// ABOUTME: SQLite-backed registries, scripted probers and recording peers

package mesh

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-gateway/internal/filelock"
	"github.com/2389/mesh-gateway/internal/store"
)

const (
	selfID  = "host-self"
	selfURL = "https://self.test"
)

// scriptedProber answers from a set of reachable urls. URLs listed in hang
// block until the probe context ends.
type scriptedProber struct {
	mu        sync.Mutex
	reachable map[string]bool
	hang      map[string]bool
	calls     atomic.Int32
	probed    []string
}

func newScriptedProber(reachable ...string) *scriptedProber {
	p := &scriptedProber{reachable: map[string]bool{}, hang: map[string]bool{}}
	for _, u := range reachable {
		p.reachable[u] = true
	}
	return p
}

func (p *scriptedProber) Probe(ctx context.Context, baseURL string) error {
	p.calls.Add(1)
	p.mu.Lock()
	p.probed = append(p.probed, baseURL)
	hang, ok := p.hang[baseURL], p.reachable[baseURL]
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if !ok {
		return ErrUnreachable
	}
	return nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mesh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRegistry(t *testing.T, hs store.HostStore, prober Prober) *Registry {
	t.Helper()
	r := NewRegistry(hs, filelock.New(), prober, time.Second, SelfConfig{
		ID:      selfID,
		Name:    "self",
		URL:     selfURL,
		Aliases: []string{"self-alias"},
	}, nil)
	_, err := r.EnsureSelf(context.Background())
	require.NoError(t, err)
	return r
}

type exchangeCall struct {
	url string
	req ExchangeRequest
}

// recordingPeers records outgoing exchanges and serves canned host lists.
type recordingPeers struct {
	mu        sync.Mutex
	exchanges []exchangeCall
	hosts     map[string]*HostsResponse
}

func (p *recordingPeers) Exchange(_ context.Context, peerURL string, req ExchangeRequest) (*ExchangeResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges = append(p.exchanges, exchangeCall{url: peerURL, req: req})
	return &ExchangeResponse{Success: true, ExchangeResult: *newExchangeResult()}, nil
}

func (p *recordingPeers) Hosts(_ context.Context, peerURL string) (*HostsResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if resp, ok := p.hosts[peerURL]; ok {
		return resp, nil
	}
	return nil, errors.New("connection refused")
}

func (p *recordingPeers) calls() []exchangeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]exchangeCall(nil), p.exchanges...)
}

// failingStore fails CreateHost for one id.
type failingStore struct {
	store.HostStore
	failID string
}

func (f *failingStore) CreateHost(ctx context.Context, h *store.Host) error {
	if h.ID == f.failID {
		return errors.New("disk full")
	}
	return f.HostStore.CreateHost(ctx, h)
}
