// ABOUTME: Peer exchange: merges a peer's known-host list into the registry
// ABOUTME: Dedupes propagation ids, probes candidates concurrently and forwards news

package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/mesh-gateway/internal/metrics"
	"github.com/2389/mesh-gateway/internal/store"
)

const (
	// MaxKnownHosts bounds one exchange batch; every candidate is probed at once.
	MaxKnownHosts  = 256
	forwardTimeout = 30 * time.Second
)

// ExchangeRequest is the body of POST /api/mesh/exchange.
type ExchangeRequest struct {
	FromHost      HostInfo   `json:"fromHost"`
	KnownHosts    []HostInfo `json:"knownHosts"`
	PropagationID string     `json:"propagationId,omitempty"`
}

// Validate checks the sender and every candidate.
func (r ExchangeRequest) Validate() error {
	if err := r.FromHost.Validate(); err != nil {
		return fmt.Errorf("fromHost: %w", err)
	}
	if len(r.KnownHosts) > MaxKnownHosts {
		return fmt.Errorf("%w: %d knownHosts exceeds limit of %d", ErrValidation, len(r.KnownHosts), MaxKnownHosts)
	}
	for i, h := range r.KnownHosts {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("knownHosts[%d]: %w", i, err)
		}
	}
	if len(r.PropagationID) > 128 {
		return fmt.Errorf("%w: propagationId too long", ErrValidation)
	}
	return nil
}

// ExchangeResult lists candidate ids by outcome.
type ExchangeResult struct {
	NewlyAdded   []string `json:"newlyAdded"`
	AlreadyKnown []string `json:"alreadyKnown"`
	Unreachable  []string `json:"unreachable"`
	Failed       []string `json:"failed"`
}

func newExchangeResult() *ExchangeResult {
	return &ExchangeResult{
		NewlyAdded:   []string{},
		AlreadyKnown: []string{},
		Unreachable:  []string{},
		Failed:       []string{},
	}
}

// ExchangeResponse is the wire form of an exchange outcome.
type ExchangeResponse struct {
	Success bool `json:"success"`
	ExchangeResult
	Error string `json:"error,omitempty"`
}

// Exchange merges peer host lists.
type Exchange struct {
	registry     *Registry
	prober       Prober
	log          *PropagationLog
	peers        Peers
	probeTimeout time.Duration
	logger       *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewExchange creates an Exchange. peers may be nil to disable forwarding.
func NewExchange(registry *Registry, prober Prober, log *PropagationLog, peers Peers, probeTimeout time.Duration, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Exchange{
		registry:     registry,
		prober:       prober,
		log:          log,
		peers:        peers,
		probeTimeout: probeTimeout,
		logger:       logger.With("component", "mesh.exchange"),
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// Merge applies req to the registry. Invalid requests fail with ErrValidation
// before the propagation id is recorded. Probe failures and insert failures
// are reported per candidate, not as errors.
func (x *Exchange) Merge(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res := newExchangeResult()
	if req.PropagationID != "" && x.log.CheckAndMark(req.PropagationID) {
		metrics.ExchangeReplays.Inc()
		x.logger.Debug("propagation already processed", "propagation_id", req.PropagationID, "from", req.FromHost.ID)
		return res, nil
	}

	var toProbe []HostInfo
	seen := make(map[string]bool, len(req.KnownHosts))
	for _, c := range req.KnownHosts {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true

		if x.registry.IsSelf(c) || c.ID == req.FromHost.ID {
			res.AlreadyKnown = append(res.AlreadyKnown, c.ID)
			continue
		}
		known, err := x.registry.known(ctx, c)
		if err != nil {
			x.logger.Error("looking up candidate", "id", c.ID, "error", err)
			res.Failed = append(res.Failed, c.ID)
			continue
		}
		if known {
			res.AlreadyKnown = append(res.AlreadyKnown, c.ID)
			continue
		}
		toProbe = append(toProbe, c.sanitized())
	}

	reachable := x.probeAll(ctx, toProbe)

	source := sourcePeerExchange + req.FromHost.ID
	for i, c := range toProbe {
		if !reachable[i] {
			res.Unreachable = append(res.Unreachable, c.ID)
			continue
		}
		added, err := x.registry.addDiscovered(ctx, c, source)
		switch {
		case err != nil:
			x.logger.Error("adding discovered host", "id", c.ID, "url", c.URL, "error", err)
			res.Failed = append(res.Failed, c.ID)
		case added:
			res.NewlyAdded = append(res.NewlyAdded, c.ID)
		default:
			res.AlreadyKnown = append(res.AlreadyKnown, c.ID)
		}
	}

	metrics.ExchangeCandidates.WithLabelValues("added").Add(float64(len(res.NewlyAdded)))
	metrics.ExchangeCandidates.WithLabelValues("known").Add(float64(len(res.AlreadyKnown)))
	metrics.ExchangeCandidates.WithLabelValues("unreachable").Add(float64(len(res.Unreachable)))
	metrics.ExchangeCandidates.WithLabelValues("failed").Add(float64(len(res.Failed)))

	x.logger.Info("peer exchange merged",
		"from", req.FromHost.ID,
		"propagation_id", req.PropagationID,
		"added", len(res.NewlyAdded),
		"known", len(res.AlreadyKnown),
		"unreachable", len(res.Unreachable),
		"failed", len(res.Failed),
	)

	if len(res.NewlyAdded) > 0 && req.PropagationID != "" {
		x.forward(req.FromHost.ID, req.PropagationID)
	}
	return res, nil
}

// probeAll probes every candidate at once and waits for all of them.
func (x *Exchange) probeAll(ctx context.Context, hosts []HostInfo) []bool {
	out := make([]bool, len(hosts))
	if len(hosts) == 0 {
		return out
	}

	var g errgroup.Group
	for i, h := range hosts {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, x.probeTimeout)
			defer cancel()
			if err := x.prober.Probe(pctx, h.URL); err != nil {
				x.logger.Debug("candidate probe failed", "id", h.ID, "url", h.URL, "error", err)
				return nil
			}
			out[i] = true
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// forward relays the round to every enabled remote except the sender.
// It runs in the background; Close waits for it.
func (x *Exchange) forward(senderID, propagationID string) {
	if x.peers == nil {
		return
	}

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()

		ctx, cancel := context.WithTimeout(x.baseCtx, forwardTimeout)
		defer cancel()

		req, targets, err := x.outgoing(ctx, propagationID)
		if err != nil {
			x.logger.Error("preparing forward", "error", err)
			return
		}
		for _, t := range targets {
			if t.ID == senderID {
				continue
			}
			if _, err := x.peers.Exchange(ctx, t.URL, req); err != nil {
				x.logger.Warn("forwarding exchange failed", "peer", t.ID, "error", err)
				continue
			}
			x.logger.Debug("exchange forwarded", "peer", t.ID, "propagation_id", propagationID)
		}
	}()
}

// outgoing builds the request this host sends to peers and the enabled
// remotes to send it to.
func (x *Exchange) outgoing(ctx context.Context, propagationID string) (ExchangeRequest, []*store.Host, error) {
	hosts, err := x.registry.List(ctx)
	if err != nil {
		return ExchangeRequest{}, nil, err
	}

	req := ExchangeRequest{PropagationID: propagationID, KnownHosts: make([]HostInfo, 0, len(hosts))}
	var remotes []*store.Host
	for _, h := range hosts {
		// List puts self first, so a truncated list still names this host
		if len(req.KnownHosts) < MaxKnownHosts {
			req.KnownHosts = append(req.KnownHosts, hostInfo(h))
		}
		switch {
		case h.Type == store.HostTypeLocal:
			req.FromHost = hostInfo(h)
		case h.Enabled:
			remotes = append(remotes, h)
		}
	}
	if req.FromHost.ID == "" {
		return ExchangeRequest{}, nil, fmt.Errorf("self host not registered")
	}
	return req, remotes, nil
}

// Close cancels in-flight forwards and waits for them.
func (x *Exchange) Close() {
	x.cancel()
	x.wg.Wait()
}
