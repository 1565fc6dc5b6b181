// ABOUTME: Gateway orchestrator that wires store, keys, relay, agent sockets and mesh
// ABOUTME: Owns the HTTP server lifecycle and the background sweeper, syncer and health loops

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/mesh-gateway/internal/agent"
	"github.com/2389/mesh-gateway/internal/auth"
	"github.com/2389/mesh-gateway/internal/config"
	"github.com/2389/mesh-gateway/internal/filelock"
	"github.com/2389/mesh-gateway/internal/keys"
	"github.com/2389/mesh-gateway/internal/mesh"
	"github.com/2389/mesh-gateway/internal/relay"
	"github.com/2389/mesh-gateway/internal/store"
)

// DBPathEnv overrides database.path when set.
const DBPathEnv = "MESH_DB_PATH"

// Gateway orchestrates the mesh-gateway server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	keys   *keys.Service
	relay  *relay.Service
	agents *agent.Manager
	locks  *filelock.Locker

	registry    *mesh.Registry
	exchange    *mesh.Exchange
	propagation *mesh.PropagationLog
	syncer      *mesh.Syncer
	health      *mesh.HealthChecker
	tokens      *auth.MeshTokens // nil when mesh.shared_secret is empty

	// redis is the relay backend when relay.backend is "redis"
	redis *relay.RedisBackend

	router      http.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	stopOnce sync.Once
}

// initStore opens the SQLite store, honoring the MESH_DB_PATH override.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(DBPathEnv); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initRelayBackend picks the pending queue backend.
func initRelayBackend(ctx context.Context, cfg *config.Config, sqlStore *store.SQLiteStore) (relay.Backend, *relay.RedisBackend, error) {
	if cfg.Relay.Backend != config.RelayBackendRedis {
		return sqlStore, nil, nil
	}
	rb, err := relay.NewRedisBackend(ctx, cfg.Relay.RedisURL, cfg.Relay.MessageTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing redis relay backend: %w", err)
	}
	return rb, rb, nil
}

// New creates a gateway from cfg. The host registry is initialized, but no
// listener is opened until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config: cfg,
		store:  sqlStore,
		locks:  filelock.New(),
		logger: logger,
	}
	// release whatever was opened if a later step fails
	ok := false
	defer func() {
		if !ok {
			gw.closeResources()
		}
	}()

	hasher, err := keys.NewHasher(cfg.Keys.HashPepper)
	if err != nil {
		return nil, fmt.Errorf("creating key hasher: %w", err)
	}
	sealer, err := keys.NewSealer(cfg.Keys.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("creating key sealer: %w", err)
	}
	gw.keys = keys.NewService(sqlStore, hasher, sealer, cfg.Host.Domain, logger)

	backend, redisBackend, err := initRelayBackend(ctx, cfg, sqlStore)
	if err != nil {
		return nil, err
	}
	gw.redis = redisBackend
	gw.relay = relay.NewService(backend, relay.Options{
		MaxPendingPerAgent: cfg.Relay.MaxPendingPerAgent,
		MessageTTL:         cfg.Relay.MessageTTL,
	}, logger)

	gw.agents = agent.NewManager(gw.keys, gw.relay, gw.locks, agent.Options{
		AuthTimeout:       cfg.WebSocket.AuthTimeout,
		HeartbeatInterval: cfg.WebSocket.HeartbeatInterval,
		DrainPageSize:     cfg.WebSocket.DrainPageSize,
		OnConnect: func(ctx context.Context, id *keys.Identity) error {
			return sqlStore.TouchAgent(ctx, id.AgentID, time.Now().UTC())
		},
	}, logger)

	if err := gw.initMesh(ctx); err != nil {
		return nil, err
	}

	gw.router = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ok = true
	return gw, nil
}

// initMesh builds the host registry, exchange, syncer and health checker.
func (g *Gateway) initMesh(ctx context.Context) error {
	cfg := g.config
	prober := mesh.NewHTTPProber(nil)

	g.registry = mesh.NewRegistry(g.store, g.locks, prober, cfg.Mesh.ProbeTimeout, mesh.SelfConfig{
		ID:      cfg.Host.ID,
		Name:    cfg.Host.Name,
		URL:     cfg.Host.URL,
		Aliases: cfg.Host.Aliases,
	}, g.logger)
	if _, err := g.registry.EnsureSelf(ctx); err != nil {
		return fmt.Errorf("registering self host: %w", err)
	}

	// a typed nil would read as a configured issuer
	var issuer mesh.TokenIssuer
	if cfg.Mesh.SharedSecret != "" {
		g.tokens = auth.NewMeshTokens([]byte(cfg.Mesh.SharedSecret), auth.DefaultMeshTokenTTL)
		issuer = g.tokens
	}
	peers := mesh.NewPeerClient(nil, issuer, g.registry.SelfID)

	g.propagation = mesh.NewPropagationLog(cfg.Mesh.PropagationTTL, cfg.Mesh.PropagationCacheSize)
	g.exchange = mesh.NewExchange(g.registry, prober, g.propagation, peers, cfg.Mesh.ProbeTimeout, g.logger)
	g.syncer = mesh.NewSyncer(g.registry, g.exchange, peers, cfg.Mesh.Peers, g.logger)
	g.health = mesh.NewHealthChecker(g.registry, prober, cfg.Mesh.ProbeTimeout, g.logger)
	return nil
}

// meshVerifier returns the token verifier, or a nil interface when the mesh is open.
func (g *Gateway) meshVerifier() auth.TokenVerifier {
	if g.tokens == nil {
		return nil
	}
	return g.tokens
}

// Handler exposes the HTTP routes, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// setupTCPListener creates the plain TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startBackground launches the relay sweeper, mesh syncer and health checker.
func (g *Gateway) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	g.bgCancel = cancel

	loops := []func(context.Context){
		func(ctx context.Context) { g.relay.RunSweeper(ctx, g.config.Relay.SweepInterval) },
		func(ctx context.Context) { g.syncer.Run(ctx, g.config.Mesh.SyncInterval) },
		func(ctx context.Context) { g.health.Run(ctx, g.config.Mesh.HealthInterval) },
	}
	for _, loop := range loops {
		g.bgWG.Add(1)
		go func() {
			defer g.bgWG.Done()
			loop(ctx)
		}()
	}
}

// Run starts serving and blocks until ctx is canceled or the server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	g.startBackground()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "mesh-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		g.tsnetServer = nil
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeResources releases everything New opened. Safe on a partially built gateway.
func (g *Gateway) closeResources() []error {
	var errs []error
	if g.exchange != nil {
		g.exchange.Close()
	}
	if g.propagation != nil {
		g.propagation.Close()
	}
	g.locks.Close()
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	return appendCloseError(errs, "store close", g.store.Close())
}

// Shutdown stops background loops, closes agent sockets, stops the HTTP
// server and releases resources. Calling it twice is a no-op.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.stopOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		if g.bgCancel != nil {
			g.bgCancel()
		}
		// hijacked websocket connections are not tracked by http.Server
		g.agents.CloseAll()
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.bgWG.Wait()

		errs = append(errs, g.closeResources()...)
	})

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// pingers are the dependencies checked by the readiness probe.
func (g *Gateway) pingers() map[string]interface{ Ping(context.Context) error } {
	p := map[string]interface{ Ping(context.Context) error }{"store": g.store}
	if g.redis != nil {
		p["redis"] = g.redis
	}
	return p
}
