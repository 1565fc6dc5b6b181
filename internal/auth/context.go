// ABOUTME: Request context helpers for the authenticated agent and mesh peer
// ABOUTME: Provides WithAuth/FromContext and WithPeer/PeerFromContext

package auth

import (
	"context"

	"github.com/2389/mesh-gateway/internal/keys"
)

// authContextKey is the key type for storing the agent identity in context.Context.
type authContextKey struct{}

// peerContextKey is the key type for storing the calling host id.
type peerContextKey struct{}

// WithAuth returns a new context with the identity attached.
func WithAuth(ctx context.Context, id *keys.Identity) context.Context {
	return context.WithValue(ctx, authContextKey{}, id)
}

// FromContext retrieves the identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *keys.Identity {
	id, _ := ctx.Value(authContextKey{}).(*keys.Identity)
	return id
}

// MustFromContext retrieves the identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) *keys.Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: identity not found in context")
	}
	return id
}

// WithPeer records the host id a mesh request was signed by.
func WithPeer(ctx context.Context, hostID string) context.Context {
	return context.WithValue(ctx, peerContextKey{}, hostID)
}

// PeerFromContext returns the calling host id, or "" for unauthenticated mesh
// requests.
func PeerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(peerContextKey{}).(string)
	return id
}
