// ABOUTME: Configuration loading and parsing for mesh-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values applied when a field is left empty.
const (
	DefaultAuthTimeout        = 10 * time.Second
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultDrainPageSize      = 100
	DefaultMaxPendingPerAgent = 1000
	DefaultMessageTTL         = 7 * 24 * time.Hour
	DefaultSweepInterval      = 10 * time.Minute
	DefaultProbeTimeout       = 5 * time.Second
	DefaultSyncInterval       = 5 * time.Minute
	DefaultHealthInterval     = time.Minute
	DefaultPropagationTTL     = 10 * time.Minute
	DefaultPropagationSize    = 10_000
)

// Relay backends
const (
	RelayBackendSQLite = "sqlite"
	RelayBackendRedis  = "redis"
)

// Config represents the complete mesh-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Host      HostConfig      `yaml:"host" toml:"host"`
	Keys      KeysConfig      `yaml:"keys" toml:"keys"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
	Mesh      MeshConfig      `yaml:"mesh" toml:"mesh"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// HostConfig describes this host's identity in the mesh.
type HostConfig struct {
	// ID is the stable host id. When empty, the id stored in the database is reused,
	// or a new one is generated on first start.
	ID      string   `yaml:"id" toml:"id"`
	Name    string   `yaml:"name" toml:"name"`
	URL     string   `yaml:"url" toml:"url"`
	Domain  string   `yaml:"domain" toml:"domain"` // domain part of agent addresses served here
	Aliases []string `yaml:"aliases" toml:"aliases"`
}

// KeysConfig holds credential settings
type KeysConfig struct {
	// MasterSecret seals agent private keys at rest
	MasterSecret string `yaml:"master_secret" toml:"master_secret"`
	// HashPepper keys the API key digest; empty means unkeyed BLAKE3
	HashPepper string `yaml:"hash_pepper" toml:"hash_pepper"`
}

// RelayConfig holds pending-queue configuration
type RelayConfig struct {
	Backend            string        `yaml:"backend" toml:"backend"`
	RedisURL           string        `yaml:"redis_url" toml:"redis_url"`
	MaxPendingPerAgent int           `yaml:"max_pending_per_agent" toml:"max_pending_per_agent"`
	MessageTTL         time.Duration `yaml:"-" toml:"-"`
	SweepInterval      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	MessageTTLRaw    string `yaml:"message_ttl" toml:"message_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// WebSocketConfig holds agent socket timing configuration
type WebSocketConfig struct {
	AuthTimeout       time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	DrainPageSize     int           `yaml:"drain_page_size" toml:"drain_page_size"`

	AuthTimeoutRaw       string `yaml:"auth_timeout" toml:"auth_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// MeshConfig holds peer exchange configuration
type MeshConfig struct {
	SharedSecret         string        `yaml:"shared_secret" toml:"shared_secret"`
	Peers                []string      `yaml:"peers" toml:"peers"`
	PropagationCacheSize int           `yaml:"propagation_cache_size" toml:"propagation_cache_size"`
	ProbeTimeout         time.Duration `yaml:"-" toml:"-"`
	SyncInterval         time.Duration `yaml:"-" toml:"-"`
	HealthInterval       time.Duration `yaml:"-" toml:"-"`
	PropagationTTL       time.Duration `yaml:"-" toml:"-"`

	ProbeTimeoutRaw   string `yaml:"probe_timeout" toml:"probe_timeout"`
	SyncIntervalRaw   string `yaml:"sync_interval" toml:"sync_interval"`
	HealthIntervalRaw string `yaml:"health_interval" toml:"health_interval"`
	PropagationTTLRaw string `yaml:"propagation_ttl" toml:"propagation_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.Relay.Backend == "" {
		c.Relay.Backend = RelayBackendSQLite
	}
	if c.Relay.MaxPendingPerAgent == 0 {
		c.Relay.MaxPendingPerAgent = DefaultMaxPendingPerAgent
	}
	if c.Relay.MessageTTL == 0 {
		c.Relay.MessageTTL = DefaultMessageTTL
	}
	if c.Relay.SweepInterval == 0 {
		c.Relay.SweepInterval = DefaultSweepInterval
	}

	if c.WebSocket.AuthTimeout == 0 {
		c.WebSocket.AuthTimeout = DefaultAuthTimeout
	}
	if c.WebSocket.HeartbeatInterval == 0 {
		c.WebSocket.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.WebSocket.DrainPageSize == 0 {
		c.WebSocket.DrainPageSize = DefaultDrainPageSize
	}

	if c.Mesh.ProbeTimeout == 0 {
		c.Mesh.ProbeTimeout = DefaultProbeTimeout
	}
	// sync_interval "0s" disables periodic sync, so only an absent value gets the default
	if c.Mesh.SyncIntervalRaw == "" {
		c.Mesh.SyncInterval = DefaultSyncInterval
	}
	if c.Mesh.HealthIntervalRaw == "" {
		c.Mesh.HealthInterval = DefaultHealthInterval
	}
	if c.Mesh.PropagationTTL == 0 {
		c.Mesh.PropagationTTL = DefaultPropagationTTL
	}
	if c.Mesh.PropagationCacheSize == 0 {
		c.Mesh.PropagationCacheSize = DefaultPropagationSize
	}

	if c.Host.Name == "" {
		c.Host.Name = c.Tailscale.Hostname
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Host.Domain == "" {
		return fmt.Errorf("host.domain is required")
	}

	if c.Host.URL == "" {
		return fmt.Errorf("host.url is required")
	}
	u, err := url.Parse(c.Host.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("host.url must be an absolute http(s) URL, got %q", c.Host.URL)
	}

	if len(c.Keys.MasterSecret) < 16 {
		return fmt.Errorf("keys.master_secret must be at least 16 characters")
	}

	switch c.Relay.Backend {
	case RelayBackendSQLite:
	case RelayBackendRedis:
		if c.Relay.RedisURL == "" {
			return fmt.Errorf("relay.redis_url is required when relay.backend is redis")
		}
	default:
		return fmt.Errorf("relay.backend must be %q or %q, got %q", RelayBackendSQLite, RelayBackendRedis, c.Relay.Backend)
	}

	if c.Relay.MaxPendingPerAgent < 0 {
		return fmt.Errorf("relay.max_pending_per_agent must not be negative")
	}

	if c.WebSocket.DrainPageSize < 0 {
		return fmt.Errorf("websocket.drain_page_size must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"message_ttl", cfg.Relay.MessageTTLRaw, &cfg.Relay.MessageTTL},
		{"sweep_interval", cfg.Relay.SweepIntervalRaw, &cfg.Relay.SweepInterval},
		{"auth_timeout", cfg.WebSocket.AuthTimeoutRaw, &cfg.WebSocket.AuthTimeout},
		{"heartbeat_interval", cfg.WebSocket.HeartbeatIntervalRaw, &cfg.WebSocket.HeartbeatInterval},
		{"probe_timeout", cfg.Mesh.ProbeTimeoutRaw, &cfg.Mesh.ProbeTimeout},
		{"sync_interval", cfg.Mesh.SyncIntervalRaw, &cfg.Mesh.SyncInterval},
		{"health_interval", cfg.Mesh.HealthIntervalRaw, &cfg.Mesh.HealthInterval},
		{"propagation_ttl", cfg.Mesh.PropagationTTLRaw, &cfg.Mesh.PropagationTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
