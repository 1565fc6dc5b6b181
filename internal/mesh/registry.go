// ABOUTME: Host registry over the store, serialized by the "hosts" lock
// ABOUTME: Owns the self entry, manual edits, discovered inserts and health updates

package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mesh-gateway/internal/filelock"
	"github.com/2389/mesh-gateway/internal/metrics"
	"github.com/2389/mesh-gateway/internal/store"
)

const hostsLock = "hosts"

// Sync sources recorded on registry entries.
const (
	SourceManual       = "manual"
	SourceBootstrap    = "bootstrap"
	sourcePeerExchange = "peer-exchange:"
)

// SelfConfig describes this host.
type SelfConfig struct {
	ID      string // empty keeps the stored id, or generates one
	Name    string
	URL     string
	Aliases []string
}

// AddRequest is a manual host addition.
type AddRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Probe bool   `json:"probe,omitempty"`
}

// Registry is the set of known hosts.
type Registry struct {
	store        store.HostStore
	locks        *filelock.Locker
	prober       Prober
	probeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	cfg     SelfConfig
	mu      sync.RWMutex
	selfID  string
	selfURL string
}

// NewRegistry creates a registry. Call EnsureSelf before serving.
func NewRegistry(s store.HostStore, locks *filelock.Locker, prober Prober, probeTimeout time.Duration, self SelfConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:        s,
		locks:        locks,
		prober:       prober,
		probeTimeout: probeTimeout,
		cfg:          self,
		logger:       logger.With("component", "mesh.registry"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// EnsureSelf writes the local entry from the configuration and returns it.
func (r *Registry) EnsureSelf(ctx context.Context) (*store.Host, error) {
	selfURL, err := normalizeURL(r.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: self url: %w", ErrValidation, err)
	}

	var self *store.Host
	err = r.locks.WithLock(ctx, hostsLock, func() error {
		id := r.cfg.ID
		if id == "" {
			existing, err := r.store.GetLocalHost(ctx)
			switch {
			case err == nil:
				id = existing.ID
			case errors.Is(err, store.ErrNotFound):
				id = uuid.NewString()
			default:
				return err
			}
		}

		name := r.cfg.Name
		if name == "" {
			name = id
		}
		h := &store.Host{ID: id, Name: name, URL: selfURL, CreatedAt: r.now()}
		if err := r.store.UpsertLocalHost(ctx, h); err != nil {
			return fmt.Errorf("saving self host: %w", err)
		}

		var err error
		self, err = r.store.GetLocalHost(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.selfID = self.ID
	r.selfURL = selfURL
	r.mu.Unlock()

	r.refreshGauge(ctx)
	r.logger.Info("self host registered", "id", self.ID, "url", self.URL)
	return self, nil
}

// Self returns this host's entry.
func (r *Registry) Self(ctx context.Context) (*store.Host, error) {
	return r.store.GetLocalHost(ctx)
}

// SelfID returns the id recorded by EnsureSelf.
func (r *Registry) SelfID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfID
}

// IsSelf reports whether h names this host by id, alias or url.
func (r *Registry) IsSelf(h HostInfo) bool {
	r.mu.RLock()
	selfID, selfURL := r.selfID, r.selfURL
	r.mu.RUnlock()

	// ids and aliases share one case-insensitive rule
	if strings.EqualFold(h.ID, selfID) {
		return true
	}
	for _, alias := range r.cfg.Aliases {
		if strings.EqualFold(h.ID, alias) {
			return true
		}
	}
	u, err := normalizeURL(h.URL)
	return err == nil && u == selfURL
}

// List returns every host, self first.
func (r *Registry) List(ctx context.Context) ([]*store.Host, error) {
	return r.store.ListHosts(ctx)
}

// Get returns one host or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*store.Host, error) {
	return r.store.GetHost(ctx, id)
}

// Add registers a host by hand. With req.Probe set the host must answer its
// health probe first. A clash by id or url returns store.ErrDuplicate.
func (r *Registry) Add(ctx context.Context, req AddRequest) (*store.Host, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	info := HostInfo{ID: req.ID, Name: req.Name, URL: req.URL}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	info = info.sanitized()
	if r.IsSelf(info) {
		return nil, fmt.Errorf("%w: host %s is this gateway", ErrValidation, info.ID)
	}

	now := r.now()
	h := &store.Host{
		ID:         info.ID,
		Name:       info.Name,
		URL:        info.URL,
		Type:       store.HostTypeRemote,
		Enabled:    true,
		SyncSource: SourceManual,
		CreatedAt:  now,
	}

	if req.Probe {
		pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		err := r.prober.Probe(pctx, info.URL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, info.URL, err)
		}
		h.Healthy = true
		h.LastHealthAt = &now
	}

	err := r.locks.WithLock(ctx, hostsLock, func() error {
		known, err := r.known(ctx, info)
		if err != nil {
			return err
		}
		if known {
			return store.ErrDuplicate
		}
		return r.store.CreateHost(ctx, h)
	})
	if err != nil {
		return nil, err
	}

	r.refreshGauge(ctx)
	r.logger.Info("host added", "id", h.ID, "url", h.URL, "probed", req.Probe)
	return h, nil
}

// Remove deletes a remote host. The local entry cannot be removed.
func (r *Registry) Remove(ctx context.Context, id string) error {
	err := r.locks.WithLock(ctx, hostsLock, func() error {
		h, err := r.store.GetHost(ctx, id)
		if err != nil {
			return err
		}
		if h.Type == store.HostTypeLocal {
			return fmt.Errorf("%w: cannot remove the local host", ErrValidation)
		}
		return r.store.DeleteHost(ctx, id)
	})
	if err != nil {
		return err
	}

	r.refreshGauge(ctx)
	r.logger.Info("host removed", "id", id)
	return nil
}

// RecordHealth stores the outcome of a health probe.
func (r *Registry) RecordHealth(ctx context.Context, id string, healthy bool) error {
	return r.locks.WithLock(ctx, hostsLock, func() error {
		return r.store.UpdateHostHealth(ctx, id, healthy, r.now())
	})
}

// known reports whether a host with info's id, or a remote with its url, exists.
func (r *Registry) known(ctx context.Context, info HostInfo) (bool, error) {
	if _, err := r.store.GetHost(ctx, info.ID); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	u, err := normalizeURL(info.URL)
	if err != nil {
		u = info.URL
	}
	if _, err := r.store.GetRemoteHostByURL(ctx, u); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	return false, nil
}

// addDiscovered inserts a probed candidate unless it became known meanwhile.
// It returns false when the host was already present.
func (r *Registry) addDiscovered(ctx context.Context, info HostInfo, source string) (bool, error) {
	now := r.now()
	h := &store.Host{
		ID:           info.ID,
		Name:         info.Name,
		URL:          info.URL,
		Type:         store.HostTypeRemote,
		Enabled:      true,
		SyncedAt:     &now,
		SyncSource:   source,
		LastHealthAt: &now,
		Healthy:      true,
		CreatedAt:    now,
	}
	if h.Name == "" {
		h.Name = h.ID
	}

	added := false
	err := r.locks.WithLock(ctx, hostsLock, func() error {
		known, err := r.known(ctx, info)
		if err != nil || known {
			return err
		}
		if err := r.store.CreateHost(ctx, h); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return nil
			}
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if added {
		r.refreshGauge(ctx)
	}
	return added, nil
}

func (r *Registry) refreshGauge(ctx context.Context) {
	hosts, err := r.store.ListHosts(ctx)
	if err != nil {
		return
	}
	metrics.MeshHosts.Set(float64(len(hosts)))
}
