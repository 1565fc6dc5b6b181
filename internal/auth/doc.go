// Package auth authenticates HTTP requests to mesh-gateway.
//
// # Agent API Keys
//
// Agent-facing routes take an API key in the Authorization header, with or
// without a "Bearer " prefix:
//
//	Authorization: Bearer mesh_live_<64 hex>
//
// APIKeyMiddleware resolves the key through the key service and stores the
// resulting identity in the request context:
//
//	id := auth.FromContext(r.Context())
//
// # Mesh Tokens
//
// Gateway-to-gateway routes take a short-lived HS256 JWT signed with the
// shared mesh secret. The sub claim carries the calling host's id:
//
//	tokens := auth.NewMeshTokens(secret, 2*time.Minute)
//	tok, _ := tokens.Issue(selfID)
//
// With no secret configured MeshMiddleware lets every request through and
// logs a warning at startup.
package auth
