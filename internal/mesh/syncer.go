// ABOUTME: Periodic push/pull synchronization with peer gateways
// ABOUTME: Pushes this host's list to each peer and merges theirs locally

package mesh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncReport summarizes one sync round.
type SyncReport struct {
	Peers  int      `json:"peers"`
	Pushed int      `json:"pushed"`
	Pulled int      `json:"pulled"`
	Added  []string `json:"added"`
	Errors []string `json:"errors,omitempty"`
}

// Syncer runs sync rounds against enabled remotes and bootstrap peers.
type Syncer struct {
	registry  *Registry
	exchange  *Exchange
	peers     Peers
	bootstrap []string
	logger    *slog.Logger

	mu sync.Mutex // one round at a time
}

// NewSyncer creates a Syncer. bootstrap lists peer URLs contacted even when
// they are not yet in the registry.
func NewSyncer(registry *Registry, exchange *Exchange, peers Peers, bootstrap []string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		registry:  registry,
		exchange:  exchange,
		peers:     peers,
		bootstrap: bootstrap,
		logger:    logger.With("component", "mesh.syncer"),
	}
}

// SyncOnce pushes to and pulls from every target. Peer failures are collected
// in the report; only local failures return an error.
func (s *Syncer) SyncOnce(ctx context.Context) (*SyncReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	push, targets, err := s.exchange.outgoing(ctx, uuid.NewString())
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Added: []string{}}
	seen := make(map[string]bool)
	var urls []string
	for _, h := range targets {
		if !seen[h.URL] {
			seen[h.URL] = true
			urls = append(urls, h.URL)
		}
	}
	for _, raw := range s.bootstrap {
		u, err := normalizeURL(raw)
		if err != nil || seen[u] || s.registry.IsSelf(HostInfo{URL: u}) {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	report.Peers = len(urls)

	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := s.peers.Exchange(ctx, u, push); err != nil {
			report.Errors = append(report.Errors, "push "+u+": "+err.Error())
		} else {
			report.Pushed++
		}

		added, err := s.pull(ctx, u)
		if err != nil {
			report.Errors = append(report.Errors, "pull "+u+": "+err.Error())
			continue
		}
		report.Pulled++
		report.Added = append(report.Added, added...)
	}

	s.logger.Info("sync round complete",
		"peers", report.Peers,
		"pushed", report.Pushed,
		"pulled", report.Pulled,
		"added", len(report.Added),
		"errors", len(report.Errors),
	)
	return report, nil
}

// pull merges the peer's registry. A bootstrap peer that is not registered
// yet is added first, since an exchange never adds its own sender.
func (s *Syncer) pull(ctx context.Context, peerURL string) ([]string, error) {
	resp, err := s.peers.Hosts(ctx, peerURL)
	if err != nil {
		return nil, err
	}
	if err := resp.Self.Validate(); err != nil {
		return nil, err
	}

	var added []string
	if !s.registry.IsSelf(resp.Self) {
		known, err := s.registry.known(ctx, resp.Self)
		if err != nil {
			return nil, err
		}
		if !known {
			info := resp.Self.sanitized()
			ok, err := s.registry.addDiscovered(ctx, info, SourceBootstrap)
			if err != nil {
				return nil, err
			}
			if ok {
				added = append(added, info.ID)
			}
		}
	}

	req := ExchangeRequest{FromHost: resp.Self, PropagationID: uuid.NewString()}
	for _, h := range resp.Hosts {
		if len(req.KnownHosts) == MaxKnownHosts {
			break
		}
		req.KnownHosts = append(req.KnownHosts, h.HostInfo)
	}
	res, err := s.exchange.Merge(ctx, req)
	if err != nil {
		return added, err
	}
	return append(added, res.NewlyAdded...), nil
}

// Run calls SyncOnce immediately and then every interval until ctx is done.
// A zero interval disables it.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sync failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sync failed", "error", err)
			}
		}
	}
}
