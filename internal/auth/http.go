// ABOUTME: HTTP middleware for API-key and mesh-token authentication
// ABOUTME: Puts the agent identity or calling host id into the request context

package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/mesh-gateway/internal/keys"
	"github.com/2389/mesh-gateway/internal/metrics"
)

// Authenticator resolves an API key to an agent identity.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*keys.Identity, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// APIKeyMiddleware authenticates agents by API key and attaches the identity.
func APIKeyMiddleware(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			key, ok := keys.ExtractAPIKeyFromHeader(header)
			if !ok {
				metrics.AuthFailures.WithLabelValues("http").Inc()
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}

			id, err := authn.Authenticate(r.Context(), key)
			if err != nil {
				metrics.AuthFailures.WithLabelValues("http").Inc()
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), id)))
		})
	}
}

// MeshMiddleware authenticates peer gateways by mesh token. A nil verifier
// leaves the routes open.
func MeshMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		logger.Warn("mesh.shared_secret not set, mesh routes accept unauthenticated requests")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r)
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			hostID, err := verifier.Verify(token)
			if err != nil {
				metrics.AuthFailures.WithLabelValues("mesh").Inc()
				logger.Debug("rejected mesh token", "remote", r.RemoteAddr, "error", err)
				writeError(w, http.StatusUnauthorized, "invalid mesh token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPeer(r.Context(), hostID)))
		})
	}
}
