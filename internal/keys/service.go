// ABOUTME: Credential service tying API keys and keypairs to stored agents
// ABOUTME: Handles registration, authentication, rotation, revocation and signing

package keys

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mesh-gateway/internal/protocol"
	"github.com/2389/mesh-gateway/internal/store"
)

// DefaultTenant is assigned when registration names no tenant.
const DefaultTenant = "default"

// Store is the persistence the Service needs.
type Store interface {
	store.AgentStore
	store.APIKeyStore
	store.KeyPairStore
}

// Identity is the authenticated caller behind an API key.
type Identity struct {
	AgentID  string
	Address  protocol.Address
	TenantID string
	IsTest   bool
}

// RegisterRequest describes a new agent.
type RegisterRequest struct {
	Name     string
	TenantID string
	IsTest   bool
}

// Registration is returned once at registration. APIKey is never retrievable again.
type Registration struct {
	Agent       *store.Agent
	APIKey      string
	PublicKey   string
	Fingerprint string
}

// PublicKeyInfo is the public half of an agent's keypair.
type PublicKeyInfo struct {
	AgentID     string
	PublicKey   ed25519.PublicKey
	Fingerprint string
	Algorithm   string
	CreatedAt   time.Time
}

// Service issues and checks credentials.
type Service struct {
	store  Store
	hasher *Hasher
	sealer *Sealer
	domain string
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a credential service for agents under domain.
func NewService(s Store, hasher *Hasher, sealer *Sealer, domain string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		hasher: hasher,
		sealer: sealer,
		domain: domain,
		logger: logger.With("component", "keys"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Domain returns the address domain this service registers agents under.
func (s *Service) Domain() string {
	return s.domain
}

// Register creates an agent with an API key and a keypair.
// Returns store.ErrDuplicate if the address is taken.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	addr, err := protocol.NewAddress(req.Name, s.domain)
	if err != nil {
		return nil, err
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = DefaultTenant
	}

	rawKey, err := GenerateAPIKey(req.IsTest)
	if err != nil {
		return nil, err
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	agentID := uuid.NewString()
	sealed, err := s.sealer.Seal(kp.PrivateKey, agentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	agent := &store.Agent{
		ID:        agentID,
		Address:   addr.String(),
		Name:      addr.Name(),
		TenantID:  tenant,
		CreatedAt: now,
	}
	err = s.store.RegisterAgent(ctx, store.RegisterParams{
		Agent: agent,
		Key: &store.APIKey{
			KeyHash:  s.hasher.Hash(rawKey),
			AgentID:  agentID,
			Address:  addr.String(),
			TenantID: tenant,
			IsTest:   req.IsTest,
			IssuedAt: now,
		},
		KeyPair: &store.KeyPair{
			AgentID:     agentID,
			PublicKey:   kp.PublicKey,
			Fingerprint: kp.Fingerprint,
			Algorithm:   kp.Algorithm,
			CreatedAt:   now,
		},
		SealedPriv: sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}

	s.logger.Info("agent registered", "agent_id", agentID, "address", addr, "tenant", tenant)
	return &Registration{
		Agent:       agent,
		APIKey:      rawKey,
		PublicKey:   EncodePublicKey(kp.PublicKey),
		Fingerprint: kp.Fingerprint,
	}, nil
}

// Authenticate resolves a raw API key to its identity.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*Identity, error) {
	if !ValidateAPIKeyFormat(rawKey) {
		return nil, ErrUnauthenticated
	}

	rec, err := s.store.GetAPIKeyByHash(ctx, s.hasher.Hash(rawKey))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	if rec.Revoked() {
		return nil, ErrUnauthenticated
	}

	return &Identity{
		AgentID:  rec.AgentID,
		Address:  protocol.Address(rec.Address),
		TenantID: rec.TenantID,
		IsTest:   rec.IsTest,
	}, nil
}

// RotateAPIKey issues a new key of the same kind for the same identity.
// The old key stops validating in the same write.
func (s *Service) RotateAPIKey(ctx context.Context, oldKey string) (string, error) {
	id, err := s.Authenticate(ctx, oldKey)
	if err != nil {
		return "", err
	}

	newKey, err := GenerateAPIKey(id.IsTest)
	if err != nil {
		return "", err
	}

	err = s.store.ReplaceAPIKeyHash(ctx, s.hasher.Hash(oldKey), s.hasher.Hash(newKey), s.now())
	if errors.Is(err, store.ErrNotFound) {
		// revoked or rotated concurrently
		return "", ErrUnauthenticated
	}
	if err != nil {
		return "", fmt.Errorf("rotating api key: %w", err)
	}

	s.logger.Info("api key rotated", "agent_id", id.AgentID)
	return newKey, nil
}

// RevokeAPIKey permanently disables key. Revoking twice succeeds.
func (s *Service) RevokeAPIKey(ctx context.Context, key string) error {
	if !ValidateAPIKeyFormat(key) {
		return ErrInvalidFormat
	}

	already, err := s.store.RevokeAPIKey(ctx, s.hasher.Hash(key), s.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}

	if !already {
		s.logger.Info("api key revoked")
	}
	return nil
}

// SaveKeyPair stores kp as the agent's active keypair.
func (s *Service) SaveKeyPair(ctx context.Context, agentID string, kp *KeyPair) error {
	sealed, err := s.sealer.Seal(kp.PrivateKey, agentID)
	if err != nil {
		return err
	}
	err = s.store.SaveKeyPair(ctx, &store.KeyPair{
		AgentID:     agentID,
		PublicKey:   kp.PublicKey,
		Fingerprint: kp.Fingerprint,
		Algorithm:   kp.Algorithm,
		CreatedAt:   s.now(),
	}, sealed)
	if err != nil {
		return fmt.Errorf("saving keypair: %w", err)
	}
	return nil
}

// LoadKeyPair returns the agent's public key information.
func (s *Service) LoadKeyPair(ctx context.Context, agentID string) (*PublicKeyInfo, error) {
	rec, err := s.store.GetKeyPair(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &PublicKeyInfo{
		AgentID:     rec.AgentID,
		PublicKey:   ed25519.PublicKey(rec.PublicKey),
		Fingerprint: rec.Fingerprint,
		Algorithm:   rec.Algorithm,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// RotateKeyPair replaces the agent's keypair. Signatures by the old key no
// longer verify against the stored public key.
func (s *Service) RotateKeyPair(ctx context.Context, agentID string) (*PublicKeyInfo, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := s.SaveKeyPair(ctx, agentID, kp); err != nil {
		return nil, err
	}

	s.logger.Info("keypair rotated", "agent_id", agentID, "fingerprint", kp.Fingerprint)
	return s.LoadKeyPair(ctx, agentID)
}

// Sign signs data with the agent's stored private key and returns the public
// half of that same key, so a concurrent rotation cannot pair the signature
// with a different public key.
func (s *Service) Sign(ctx context.Context, agentID string, data []byte) ([]byte, ed25519.PublicKey, error) {
	sealed, err := s.store.GetSealedPrivateKey(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	priv, err := s.sealer.Open(sealed, agentID)
	if err != nil {
		return nil, nil, err
	}
	defer clear(priv)

	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv.Public().(ed25519.PublicKey))
	return ed25519.Sign(priv, data), pub, nil
}

// VerifyAgentSignature checks sig against the agent's current public key.
func (s *Service) VerifyAgentSignature(ctx context.Context, agentID string, data, sig []byte) (bool, error) {
	info, err := s.LoadKeyPair(ctx, agentID)
	if err != nil {
		return false, err
	}
	return Verify(info.PublicKey, data, sig), nil
}
