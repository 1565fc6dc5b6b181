// Package config handles configuration loading for mesh-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package fills defaults and validates the result.
//
// # Configuration File
//
// The CLI resolves the path in order:
//
//  1. Path from MESH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mesh/gateway.yaml (or ~/.config/mesh/gateway.yaml)
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	keys:
//	  master_secret: "${MESH_MASTER_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  message_ttl: "168h"
//	  sweep_interval: "10m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/mesh/gateway.db"
//
//	host:
//	  name: "alpha"
//	  url: "https://alpha.example.com"
//	  domain: "alpha.example.com"
//	  aliases: ["alpha"]
//
//	keys:
//	  master_secret: "${MESH_MASTER_SECRET}"
//	  hash_pepper: "${MESH_HASH_PEPPER}"
//
//	relay:
//	  backend: "sqlite"            # sqlite, redis
//	  redis_url: "redis://localhost:6379/0"
//	  max_pending_per_agent: 1000
//
//	websocket:
//	  auth_timeout: "10s"
//	  heartbeat_interval: "30s"
//	  drain_page_size: 100
//
//	mesh:
//	  shared_secret: "${MESH_SHARED_SECRET}"
//	  probe_timeout: "5s"
//	  sync_interval: "5m"          # "0s" disables periodic sync
//	  health_interval: "1m"
//	  peers: ["https://beta.example.com"]
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
