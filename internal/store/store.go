// ABOUTME: Store interface and data types for mesh-gateway persistence
// ABOUTME: Defines agents, API keys, keypairs, pending messages and hosts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with a unique key
var ErrDuplicate = errors.New("already exists")

// Agent is a registered messaging endpoint.
type Agent struct {
	ID         string
	Address    string
	Name       string
	TenantID   string
	CreatedAt  time.Time
	LastSeenAt *time.Time
}

// APIKey is the stored form of an issued key. Only the hash is kept.
type APIKey struct {
	KeyHash   string
	AgentID   string
	Address   string
	TenantID  string
	IsTest    bool
	IssuedAt  time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// KeyPair is the public half of an agent's signing keypair.
type KeyPair struct {
	AgentID     string
	PublicKey   []byte
	Fingerprint string
	Algorithm   string
	CreatedAt   time.Time
}

// PendingMessage is a queued message awaiting delivery.
// Envelope and Payload hold the JSON encodings.
type PendingMessage struct {
	ID              string
	AgentID         string
	Envelope        []byte
	Payload         []byte
	SenderPublicKey string
	EnqueuedAt      time.Time
}

// HostType distinguishes this host from peers.
type HostType string

const (
	HostTypeLocal  HostType = "local"
	HostTypeRemote HostType = "remote"
)

// Host is one entry in the mesh host registry.
type Host struct {
	ID           string
	Name         string
	URL          string
	Type         HostType
	Enabled      bool
	SyncedAt     *time.Time
	SyncSource   string
	LastHealthAt *time.Time
	Healthy      bool
	CreatedAt    time.Time
}

// RegisterParams groups the rows written atomically when an agent registers.
type RegisterParams struct {
	Agent      *Agent
	Key        *APIKey
	KeyPair    *KeyPair
	SealedPriv []byte
}

// AgentStore persists agents and their credentials.
type AgentStore interface {
	RegisterAgent(ctx context.Context, p RegisterParams) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByAddress(ctx context.Context, address string) (*Agent, error)
	ListAgents(ctx context.Context, tenantID, query string, limit int) ([]*Agent, error)
	TouchAgent(ctx context.Context, id string, at time.Time) error
}

// APIKeyStore persists API key hashes.
type APIKeyStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	ReplaceAPIKeyHash(ctx context.Context, oldHash, newHash string, at time.Time) error
	RevokeAPIKey(ctx context.Context, hash string, at time.Time) (alreadyRevoked bool, err error)
}

// KeyPairStore persists public keypair metadata and sealed private keys
// in separate tables.
type KeyPairStore interface {
	SaveKeyPair(ctx context.Context, pair *KeyPair, sealedPriv []byte) error
	GetKeyPair(ctx context.Context, agentID string) (*KeyPair, error)
	GetSealedPrivateKey(ctx context.Context, agentID string) ([]byte, error)
}

// PendingStore persists the per-agent FIFO of undelivered messages.
type PendingStore interface {
	EnqueuePending(ctx context.Context, msg *PendingMessage, maxPerAgent int) (dropped []string, err error)
	ListPending(ctx context.Context, agentID string, limit int) ([]*PendingMessage, int, error)
	DeletePending(ctx context.Context, agentID, id string) (bool, error)
	CountPending(ctx context.Context, agentID string) (int, error)
	PurgePendingBefore(ctx context.Context, before time.Time) (int64, error)
}

// HostStore persists the mesh host registry.
type HostStore interface {
	CreateHost(ctx context.Context, h *Host) error
	UpsertLocalHost(ctx context.Context, h *Host) error
	GetHost(ctx context.Context, id string) (*Host, error)
	GetRemoteHostByURL(ctx context.Context, url string) (*Host, error)
	GetLocalHost(ctx context.Context) (*Host, error)
	ListHosts(ctx context.Context) ([]*Host, error)
	DeleteHost(ctx context.Context, id string) error
	UpdateHostHealth(ctx context.Context, id string, healthy bool, at time.Time) error
}

// Store combines every persistence interface.
type Store interface {
	AgentStore
	APIKeyStore
	KeyPairStore
	PendingStore
	HostStore
	Ping(ctx context.Context) error
	Close() error
}
