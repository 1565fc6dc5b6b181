// ABOUTME: Tests for sync rounds and health checks
// ABOUTME: Uses recording peers and scripted probers instead of real gateways

package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncOnce_BootstrapPeer(t *testing.T) {
	ctx := context.Background()
	prober := newScriptedProber("https://r.test")
	peers := &recordingPeers{hosts: map[string]*HostsResponse{
		"https://p.test": {
			Self: peer,
			Hosts: []HostView{
				{HostInfo: peer},
				{HostInfo: HostInfo{ID: "host-r", URL: "https://r.test"}},
				{HostInfo: HostInfo{ID: selfID, URL: selfURL}},
			},
		},
	}}
	x, reg := newTestExchange(t, newTestStore(t), prober, peers)
	syncer := NewSyncer(reg, x, peers, []string{"https://P.test/", selfURL}, nil)

	report, err := syncer.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Peers, "self url is skipped")
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, 1, report.Pulled)
	assert.ElementsMatch(t, []string{peer.ID, "host-r"}, report.Added)
	assert.Empty(t, report.Errors)

	p, err := reg.Get(ctx, peer.ID)
	require.NoError(t, err)
	assert.Equal(t, SourceBootstrap, p.SyncSource)

	r, err := reg.Get(ctx, "host-r")
	require.NoError(t, err)
	assert.Equal(t, "peer-exchange:"+peer.ID, r.SyncSource)

	calls := peers.calls()
	require.NotEmpty(t, calls)
	push := calls[0]
	assert.Equal(t, "https://p.test", push.url)
	assert.Equal(t, selfID, push.req.FromHost.ID)
	assert.NotEmpty(t, push.req.PropagationID)
}

func TestSyncOnce_CollectsPeerErrors(t *testing.T) {
	ctx := context.Background()
	peers := &recordingPeers{}
	x, reg := newTestExchange(t, newTestStore(t), newScriptedProber(), peers)

	_, err := reg.Add(ctx, AddRequest{ID: "host-q", URL: "https://q.test"})
	require.NoError(t, err)

	report, err := NewSyncer(reg, x, peers, nil, nil).SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Peers)
	assert.Equal(t, 1, report.Pushed)
	assert.Zero(t, report.Pulled)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "pull https://q.test")
}

func TestSyncerRun_ZeroIntervalReturns(t *testing.T) {
	peers := &recordingPeers{}
	x, reg := newTestExchange(t, newTestStore(t), newScriptedProber(), peers)

	done := make(chan struct{})
	go func() {
		NewSyncer(reg, x, peers, nil, nil).Run(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero interval should return")
	}
}

func TestHealthChecker(t *testing.T) {
	ctx := context.Background()
	prober := newScriptedProber("https://up.test")
	prober.hang["https://slow.test"] = true
	reg := newTestRegistry(t, newTestStore(t), prober)

	for _, h := range []AddRequest{
		{ID: "up", URL: "https://up.test"},
		{ID: "down", URL: "https://down.test"},
		{ID: "slow", URL: "https://slow.test"},
	} {
		_, err := reg.Add(ctx, h)
		require.NoError(t, err)
	}

	hc := NewHealthChecker(reg, prober, 50*time.Millisecond, nil)
	healthy, err := hc.CheckOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, healthy)

	for id, want := range map[string]bool{"up": true, "down": false, "slow": false} {
		h, err := reg.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, h.Healthy, id)
		assert.NotNil(t, h.LastHealthAt, id)
	}
	assert.Equal(t, int32(3), prober.calls.Load(), "the local host is never probed")
}
