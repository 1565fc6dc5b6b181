// ABOUTME: Tests for the credential service against a SQLite store
// ABOUTME: Covers registration, authentication, rotation, revocation and signing

package keys

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-gateway/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	hasher, err := NewHasher("test-pepper")
	require.NoError(t, err)
	sealer, err := NewSealer("test-master-secret-0123")
	require.NoError(t, err)

	return NewService(s, hasher, sealer, "alpha.test", nil)
}

func TestService_RegisterAndAuthenticate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterRequest{Name: "Alice", TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "alice@alpha.test", reg.Agent.Address)
	assert.True(t, ValidateAPIKeyFormat(reg.APIKey))
	assert.False(t, IsTestKey(reg.APIKey))
	assert.NotEmpty(t, reg.PublicKey)
	assert.Contains(t, reg.Fingerprint, "SHA256:")

	id, err := svc.Authenticate(ctx, reg.APIKey)
	require.NoError(t, err)
	assert.Equal(t, reg.Agent.ID, id.AgentID)
	assert.Equal(t, "alice@alpha.test", id.Address.String())
	assert.Equal(t, "acme", id.TenantID)

	_, err = svc.Register(ctx, RegisterRequest{Name: "alice"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	_, err = svc.Register(ctx, RegisterRequest{Name: "bad name"})
	assert.Error(t, err)
}

func TestService_AuthenticateFailures(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "not-a-key")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	unknown, err := GenerateAPIKey(false)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, unknown)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestService_RotateAPIKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterRequest{Name: "bot", IsTest: true})
	require.NoError(t, err)

	newKey, err := svc.RotateAPIKey(ctx, reg.APIKey)
	require.NoError(t, err)
	assert.True(t, IsTestKey(newKey), "rotation keeps the key kind")
	assert.NotEqual(t, reg.APIKey, newKey)

	_, err = svc.Authenticate(ctx, reg.APIKey)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	id, err := svc.Authenticate(ctx, newKey)
	require.NoError(t, err)
	assert.Equal(t, reg.Agent.ID, id.AgentID)

	_, err = svc.RotateAPIKey(ctx, reg.APIKey)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestService_RevokeAPIKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterRequest{Name: "bot"})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeAPIKey(ctx, reg.APIKey))
	require.NoError(t, svc.RevokeAPIKey(ctx, reg.APIKey), "second revoke is a no-op")

	_, err = svc.Authenticate(ctx, reg.APIKey)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = svc.RotateAPIKey(ctx, reg.APIKey)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	unknown, err := GenerateAPIKey(false)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.RevokeAPIKey(ctx, unknown), ErrKeyNotFound)
	assert.ErrorIs(t, svc.RevokeAPIKey(ctx, "junk"), ErrInvalidFormat)
}

func TestService_SignAndRotateKeyPair(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterRequest{Name: "signer"})
	require.NoError(t, err)
	agentID := reg.Agent.ID

	data := []byte("canonical bytes")
	sig, pub, err := svc.Sign(ctx, agentID, data)
	require.NoError(t, err)

	ok, err := svc.VerifyAgentSignature(ctx, agentID, data, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	before, err := svc.LoadKeyPair(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, reg.Fingerprint, before.Fingerprint)
	assert.Equal(t, before.PublicKey, pub)

	after, err := svc.RotateKeyPair(ctx, agentID)
	require.NoError(t, err)
	assert.NotEqual(t, before.Fingerprint, after.Fingerprint)

	ok, err = svc.VerifyAgentSignature(ctx, agentID, data, sig)
	require.NoError(t, err)
	assert.False(t, ok, "old signature must not verify after rotation")
	assert.True(t, Verify(before.PublicKey, data, sig))

	newSig, newPub, err := svc.Sign(ctx, agentID, data)
	require.NoError(t, err)
	assert.True(t, Verify(after.PublicKey, data, newSig))
	assert.Equal(t, after.PublicKey, newPub)

	_, _, err = svc.Sign(ctx, "missing-agent", data)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// rotatingStore rotates the agent's keypair right after the sealed private
// key has been read, as a concurrent rotate request would.
type rotatingStore struct {
	*store.SQLiteStore
	afterRead func(agentID string)
}

func (s *rotatingStore) GetSealedPrivateKey(ctx context.Context, agentID string) ([]byte, error) {
	sealed, err := s.SQLiteStore.GetSealedPrivateKey(ctx, agentID)
	if err == nil && s.afterRead != nil {
		hook := s.afterRead
		s.afterRead = nil
		hook(agentID)
	}
	return sealed, err
}

func TestService_SignReturnsMatchingKeyDuringRotation(t *testing.T) {
	ctx := context.Background()

	sqlStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	rs := &rotatingStore{SQLiteStore: sqlStore}

	hasher, err := NewHasher("test-pepper")
	require.NoError(t, err)
	sealer, err := NewSealer("test-master-secret-0123")
	require.NoError(t, err)
	svc := NewService(rs, hasher, sealer, "alpha.test", nil)

	reg, err := svc.Register(ctx, RegisterRequest{Name: "signer"})
	require.NoError(t, err)

	var rotated *PublicKeyInfo
	rs.afterRead = func(agentID string) {
		info, rerr := svc.RotateKeyPair(ctx, agentID)
		require.NoError(t, rerr)
		rotated = info
	}

	data := []byte("canonical bytes")
	sig, pub, err := svc.Sign(ctx, reg.Agent.ID, data)
	require.NoError(t, err)
	require.NotNil(t, rotated, "rotation ran between read and sign")

	assert.True(t, Verify(pub, data, sig), "signature must verify against the returned key")
	assert.NotEqual(t, rotated.PublicKey, pub)
}
