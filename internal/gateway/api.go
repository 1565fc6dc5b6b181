// ABOUTME: HTTP routes and JSON handlers for agents, credentials and the mesh
// ABOUTME: Maps domain errors to status codes with {"error": "..."} bodies

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/mesh-gateway/internal/auth"
	"github.com/2389/mesh-gateway/internal/keys"
	"github.com/2389/mesh-gateway/internal/mesh"
	"github.com/2389/mesh-gateway/internal/metrics"
	"github.com/2389/mesh-gateway/internal/protocol"
	"github.com/2389/mesh-gateway/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// routes builds the HTTP router.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(g.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler())
	}
	r.Get("/ws", g.agents.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Post("/agents/register", g.handleRegister)

		r.Group(func(r chi.Router) {
			r.Use(auth.APIKeyMiddleware(g.keys))

			r.Get("/agents", g.handleListAgents)
			r.Get("/agents/resolve/{address}", g.handleResolve)
			r.Post("/agents/keypair/rotate", g.handleRotateKeyPair)
			r.Post("/keys/rotate", g.handleRotateAPIKey)
			r.Post("/keys/revoke", g.handleRevokeAPIKey)

			r.Post("/messages", g.handleSendMessage)
			r.Get("/messages/pending", g.handlePending)
			r.Post("/messages/{id}/ack", g.handleAck)
		})

		r.Route("/mesh", func(r chi.Router) {
			r.Use(auth.MeshMiddleware(g.meshVerifier(), g.logger))

			r.Get("/hosts", g.handleListHosts)
			r.Post("/hosts", g.handleAddHost)
			r.Delete("/hosts/{id}", g.handleRemoveHost)
			r.Post("/exchange", g.handleExchange)
			r.Post("/sync", g.handleSync)
		})
	})

	return r
}

// writeJSON writes v with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, mesh.ErrValidation),
		errors.Is(err, protocol.ErrInvalidAddress),
		errors.Is(err, protocol.ErrInvalidEnvelope),
		errors.Is(err, protocol.ErrInvalidPayload),
		errors.Is(err, keys.ErrInvalidFormat):
		return http.StatusBadRequest
	case errors.Is(err, keys.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound), errors.Is(err, keys.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, mesh.ErrUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err with its mapped status. Internal errors are logged
// and not echoed to the client.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()),
			"error", err,
		)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// parseLimit reads ?limit=, returning def when absent.
func parseLimit(r *http.Request, def, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, max), true
}

// handleHealth reports liveness. Peer gateways probe this endpoint.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":  "ok",
		"host_id": g.registry.SelfID(),
		"name":    g.config.Host.Name,
	}
	g.writeJSON(w, http.StatusOK, body)
}

// handleReady returns 200 when the store and relay backend answer.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, p := range g.pingers() {
		if err := p.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "dependency", name, "error", err)
			g.sendJSONError(w, http.StatusServiceUnavailable, name+" unavailable")
			return
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"connections": g.agents.Count(),
	})
}

// RegisterAgentRequest is the body of POST /api/agents/register.
type RegisterAgentRequest struct {
	Name     string `json:"name"`
	TenantID string `json:"tenant_id,omitempty"`
	IsTest   bool   `json:"is_test,omitempty"`
}

// RegisterAgentResponse carries the only copy of the raw API key.
type RegisterAgentResponse struct {
	AgentID     string `json:"agent_id"`
	Address     string `json:"address"`
	Name        string `json:"name"`
	TenantID    string `json:"tenant_id"`
	APIKey      string `json:"api_key"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	reg, err := g.keys.Register(r.Context(), keys.RegisterRequest{
		Name:     req.Name,
		TenantID: req.TenantID,
		IsTest:   req.IsTest,
	})
	if errors.Is(err, store.ErrDuplicate) {
		g.sendJSONError(w, http.StatusConflict, "address already registered")
		return
	}
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	metrics.AgentsRegistered.Inc()

	g.writeJSON(w, http.StatusCreated, RegisterAgentResponse{
		AgentID:     reg.Agent.ID,
		Address:     reg.Agent.Address,
		Name:        reg.Agent.Name,
		TenantID:    reg.Agent.TenantID,
		APIKey:      reg.APIKey,
		PublicKey:   reg.PublicKey,
		Fingerprint: reg.Fingerprint,
	})
}

// AgentView is an agent as listed by GET /api/agents.
type AgentView struct {
	AgentID    string     `json:"agent_id"`
	Address    string     `json:"address"`
	Name       string     `json:"name"`
	Online     bool       `json:"online"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	limit, ok := parseLimit(r, defaultListLimit, maxListLimit)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	agents, err := g.store.ListAgents(r.Context(), caller.TenantID, r.URL.Query().Get("q"), limit)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	views := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, AgentView{
			AgentID:    a.ID,
			Address:    a.Address,
			Name:       a.Name,
			Online:     g.agents.IsConnected(protocol.Address(a.Address)),
			CreatedAt:  a.CreatedAt,
			LastSeenAt: a.LastSeenAt,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

// PublicKeyView is the public half of an agent's keypair.
type PublicKeyView struct {
	Address     string    `json:"address"`
	PublicKey   string    `json:"public_key"`
	Fingerprint string    `json:"fingerprint"`
	Algorithm   string    `json:"algorithm"`
	CreatedAt   time.Time `json:"created_at"`
	Online      bool      `json:"online"`
}

func (g *Gateway) publicKeyView(address protocol.Address, info *keys.PublicKeyInfo) PublicKeyView {
	return PublicKeyView{
		Address:     address.String(),
		PublicKey:   keys.EncodePublicKey(info.PublicKey),
		Fingerprint: info.Fingerprint,
		Algorithm:   info.Algorithm,
		CreatedAt:   info.CreatedAt,
		Online:      g.agents.IsConnected(address),
	}
}

func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	address, err := protocol.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	a, err := g.store.GetAgentByAddress(r.Context(), address.String())
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	info, err := g.keys.LoadKeyPair(r.Context(), a.ID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, g.publicKeyView(address, info))
}

func (g *Gateway) handleRotateKeyPair(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	info, err := g.keys.RotateKeyPair(r.Context(), caller.AgentID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, g.publicKeyView(caller.Address, info))
}

// callerKey returns the raw API key the middleware already validated.
func callerKey(r *http.Request) string {
	key, _ := keys.ExtractAPIKeyFromHeader(r.Header.Get("Authorization"))
	return key
}

func (g *Gateway) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	newKey, err := g.keys.RotateAPIKey(r.Context(), callerKey(r))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"api_key": newKey})
}

func (g *Gateway) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := g.keys.RevokeAPIKey(r.Context(), callerKey(r)); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (g *Gateway) handleListHosts(w http.ResponseWriter, r *http.Request) {
	self, err := g.registry.Self(r.Context())
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	hosts, err := g.registry.List(r.Context())
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	resp := mesh.HostsResponse{
		Self:  mesh.NewHostView(self).HostInfo,
		Hosts: make([]mesh.HostView, 0, len(hosts)),
	}
	for _, h := range hosts {
		resp.Hosts = append(resp.Hosts, mesh.NewHostView(h))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleAddHost(w http.ResponseWriter, r *http.Request) {
	var req mesh.AddRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	h, err := g.registry.Add(r.Context(), req)
	if errors.Is(err, store.ErrDuplicate) {
		g.sendJSONError(w, http.StatusConflict, "host already known")
		return
	}
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, mesh.NewHostView(h))
}

func (g *Gateway) handleRemoveHost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := g.registry.Remove(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "host not found")
			return
		}
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req mesh.ExchangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeJSON(w, http.StatusBadRequest, mesh.ExchangeResponse{Error: "invalid JSON body"})
		return
	}

	// an authenticated peer may only speak for itself
	if peer := auth.PeerFromContext(r.Context()); peer != "" && peer != req.FromHost.ID {
		g.writeJSON(w, http.StatusForbidden, mesh.ExchangeResponse{Error: "token subject does not match fromHost"})
		return
	}

	res, err := g.exchange.Merge(r.Context(), req)
	if err != nil {
		status := statusForError(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			g.logger.Error("peer exchange failed", "from", req.FromHost.ID, "error", err)
			msg = "internal server error"
		}
		g.writeJSON(w, status, mesh.ExchangeResponse{Error: msg})
		return
	}
	g.writeJSON(w, http.StatusOK, mesh.ExchangeResponse{Success: true, ExchangeResult: *res})
}

func (g *Gateway) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := g.syncer.SyncOnce(r.Context())
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, report)
}
