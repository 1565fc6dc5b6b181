// ABOUTME: Registry of live agent sockets keyed by address
// ABOUTME: Fans out deliveries, nudges drains and closes everything on shutdown

package agent

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/mesh-gateway/internal/filelock"
	"github.com/2389/mesh-gateway/internal/keys"
	"github.com/2389/mesh-gateway/internal/metrics"
	"github.com/2389/mesh-gateway/internal/protocol"
	"github.com/2389/mesh-gateway/internal/relay"
)

// Authenticator resolves an API key to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*keys.Identity, error)
}

// Queue is the slice of the relay the manager drains from.
type Queue interface {
	Pending(ctx context.Context, agentID string, limit int) ([]*relay.PendingMessage, int, error)
	Acknowledge(ctx context.Context, agentID, id string) (bool, error)
	Count(ctx context.Context, agentID string) (int, error)
}

// Options configure connection timing.
type Options struct {
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	DrainPageSize     int

	// OnConnect runs after a socket authenticates. Errors are logged only.
	OnConnect func(ctx context.Context, id *keys.Identity) error
}

// Manager tracks every authenticated socket.
type Manager struct {
	conns  map[protocol.Address]map[string]*Connection
	mu     sync.RWMutex
	closed bool

	auth     Authenticator
	queue    Queue
	locks    *filelock.Locker
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewManager creates a Manager. locks provides the per-address delivery lock.
func NewManager(auth Authenticator, queue Queue, locks *filelock.Locker, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.DrainPageSize <= 0 {
		opts.DrainPageSize = 100
	}
	return &Manager{
		conns: make(map[protocol.Address]map[string]*Connection),
		auth:  auth,
		queue: queue,
		locks: locks,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// agents are not browsers; origin is not meaningful
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "agent"),
	}
}

// register adds c under its address. Returns false once the manager is closed.
func (m *Manager) register(c *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	set, ok := m.conns[c.Address]
	if !ok {
		set = make(map[string]*Connection)
		m.conns[c.Address] = set
	}
	set[c.ID] = c
	metrics.WebSocketConnections.Inc()

	m.logger.Info("agent connected",
		"address", c.Address,
		"conn_id", c.ID,
		"sockets_for_address", len(set),
	)
	return true
}

// unregister removes c; the address disappears with its last socket.
func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.conns[c.Address]
	if !ok {
		return
	}
	if _, ok := set[c.ID]; !ok {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(m.conns, c.Address)
	}
	metrics.WebSocketConnections.Dec()

	m.logger.Info("agent disconnected", "address", c.Address, "conn_id", c.ID)
}

func (m *Manager) snapshot(address protocol.Address) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.conns[address]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Deliver pushes a message to every live socket for address and reports
// whether at least one write succeeded. A failing socket does not stop the rest.
func (m *Manager) Deliver(address protocol.Address, env *protocol.Envelope, payload protocol.Payload, senderPublicKey string) bool {
	conns := m.snapshot(address)
	if len(conns) == 0 {
		return false
	}

	frame := newMessageFrame(env, payload, senderPublicKey)
	delivered := false
	for _, c := range conns {
		if c.deliver(frame) {
			delivered = true
		}
	}

	if delivered {
		metrics.MessagesDelivered.WithLabelValues("live").Inc()
	}
	return delivered
}

// DeliverOrEnqueue tries live delivery and runs enqueue when no socket took
// the message, then nudges the address's sockets to drain. It returns whether
// the message went out live.
func (m *Manager) DeliverOrEnqueue(ctx context.Context, address protocol.Address, env *protocol.Envelope, payload protocol.Payload, senderPublicKey string, enqueue func(context.Context) error) (bool, error) {
	release, err := m.locks.Acquire(ctx, deliveryLockName(address))
	if err != nil {
		return false, err
	}
	defer release()

	if m.Deliver(address, env, payload, senderPublicKey) {
		return true, nil
	}
	if err := enqueue(ctx); err != nil {
		return false, err
	}
	m.Nudge(address)
	return false, nil
}

// IsConnected reports whether address has any authenticated socket.
func (m *Manager) IsConnected(address protocol.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns[address]) > 0
}

// Nudge asks every socket for address to drain the pending queue again.
func (m *Manager) Nudge(address protocol.Address) {
	for _, c := range m.snapshot(address) {
		c.nudge()
	}
}

// ConnectedAddresses lists addresses with at least one socket, sorted.
func (m *Manager) ConnectedAddresses() []protocol.Address {
	m.mu.RLock()
	out := make([]protocol.Address, 0, len(m.conns))
	for addr := range m.conns {
		out = append(out, addr)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of open sockets.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, set := range m.conns {
		n += len(set)
	}
	return n
}

// CloseAll closes every socket with 1001 and refuses new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	var all []*Connection
	for _, set := range m.conns {
		for _, c := range set {
			all = append(all, c)
		}
	}
	m.mu.Unlock()

	for _, c := range all {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	if len(all) > 0 {
		m.logger.Info("closed agent sockets", "count", len(all))
	}
}

func deliveryLockName(address protocol.Address) string {
	return "deliver:" + string(address)
}
