// ABOUTME: Periodic health probes of remote hosts
// ABOUTME: Records healthy and last_health_at on each registry entry

package mesh

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mesh-gateway/internal/store"
)

const maxHealthProbes = 32

// HealthChecker probes enabled remotes.
type HealthChecker struct {
	registry *Registry
	prober   Prober
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHealthChecker creates a HealthChecker; each probe is bounded by timeout.
func NewHealthChecker(registry *Registry, prober Prober, timeout time.Duration, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		registry: registry,
		prober:   prober,
		timeout:  timeout,
		logger:   logger.With("component", "mesh.health"),
	}
}

// CheckOnce probes every enabled remote and returns how many were healthy.
func (h *HealthChecker) CheckOnce(ctx context.Context) (int, error) {
	hosts, err := h.registry.List(ctx)
	if err != nil {
		return 0, err
	}

	var remotes []*store.Host
	for _, host := range hosts {
		if host.Type == store.HostTypeRemote && host.Enabled {
			remotes = append(remotes, host)
		}
	}

	results := make([]bool, len(remotes))
	var g errgroup.Group
	g.SetLimit(maxHealthProbes)
	for i, host := range remotes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			results[i] = h.prober.Probe(pctx, host.URL) == nil
			return nil
		})
	}
	_ = g.Wait()

	healthy := 0
	for i, host := range remotes {
		if results[i] {
			healthy++
		}
		if host.Healthy != results[i] {
			h.logger.Info("host health changed", "id", host.ID, "healthy", results[i])
		}
		if err := h.registry.RecordHealth(ctx, host.ID, results[i]); err != nil {
			// removed while probing
			h.logger.Debug("recording health", "id", host.ID, "error", err)
		}
	}
	return healthy, nil
}

// Run calls CheckOnce every interval until ctx is done. A zero interval
// disables it.
func (h *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.CheckOnce(ctx); err != nil && ctx.Err() == nil {
				h.logger.Error("health check failed", "error", err)
			}
		}
	}
}
