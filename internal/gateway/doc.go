// Package gateway orchestrates the mesh-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator. It owns the SQLite store,
// the key service, the message relay, the agent socket manager, the file
// lock, and the mesh registry with its exchange, syncer and health checker.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config      *config.Config
//	    store       store.Store
//	    keys        *keys.Service
//	    relay       *relay.Service
//	    agents      *agent.Manager
//	    locks       *filelock.Locker
//	    registry    *mesh.Registry
//	    exchange    *mesh.Exchange
//	    propagation *mesh.PropagationLog
//	    // ... and more
//	}
//
// # HTTP API
//
// Routes are served by a chi router with request ids, real-ip, request
// logging with Prometheus metrics, and panic recovery:
//
//   - GET /health - Liveness, also the peer probe target
//   - GET /health/ready - Store and relay backend reachability
//   - GET /metrics - Prometheus (when metrics.enabled)
//   - GET /ws - Agent WebSocket
//   - POST /api/agents/register - Create an agent, API key and keypair
//   - GET /api/agents - Tenant-scoped agent list with online flag
//   - GET /api/agents/resolve/{address} - Public key and fingerprint
//   - POST /api/agents/keypair/rotate, /api/keys/rotate, /api/keys/revoke
//   - POST /api/messages - Send; delivered live or queued
//   - GET /api/messages/pending, POST /api/messages/{id}/ack
//   - /api/mesh/hosts, /api/mesh/exchange, /api/mesh/sync - Peer gateways
//
// Errors are JSON objects of the form {"error": "..."}.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run then stops the background loops, closes agent sockets with 1001, shuts
// the HTTP server down and closes the store.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown, tsnet listeners
//   - api.go: routes and JSON handlers
//   - dispatch.go: message sending, pending page and ack
//   - middleware.go: request logging and metrics
package gateway
