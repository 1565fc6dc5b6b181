// ABOUTME: Tests for API key format, hashing, keypairs and sealing
// ABOUTME: Pure functions only; the service is covered in service_test.go

package keys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey_Format(t *testing.T) {
	live, err := GenerateAPIKey(false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(live, LivePrefix))
	assert.Len(t, live, len(LivePrefix)+64)
	assert.True(t, ValidateAPIKeyFormat(live))
	assert.False(t, IsTestKey(live))

	test, err := GenerateAPIKey(true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(test, TestPrefix))
	assert.True(t, ValidateAPIKeyFormat(test))
	assert.True(t, IsTestKey(test))

	other, err := GenerateAPIKey(false)
	require.NoError(t, err)
	assert.NotEqual(t, live, other)
}

func TestValidateAPIKeyFormat(t *testing.T) {
	hex64 := strings.Repeat("a1", 32)
	tests := []struct {
		key  string
		want bool
	}{
		{"mesh_live_" + hex64, true},
		{"mesh_test_" + hex64, true},
		{"mesh_prod_" + hex64, false},
		{"mesh_live_" + strings.ToUpper(hex64), false},
		{"mesh_live_" + hex64[:63], false},
		{"mesh_live_" + hex64 + "0", false},
		{" mesh_live_" + hex64, false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidateAPIKeyFormat(tt.key), "key %q", tt.key)
	}
}

func TestExtractAPIKeyFromHeader(t *testing.T) {
	key, err := GenerateAPIKey(false)
	require.NoError(t, err)

	for _, header := range []string{key, "Bearer " + key, "bearer " + key, "BEARER   " + key + "  "} {
		got, ok := ExtractAPIKeyFromHeader(header)
		assert.True(t, ok, header)
		assert.Equal(t, key, got)
	}

	for _, header := range []string{"", "Bearer", "Bearer nope", "Basic " + key} {
		_, ok := ExtractAPIKeyFromHeader(header)
		assert.False(t, ok, header)
	}
}

func TestHasher(t *testing.T) {
	plain, err := NewHasher("")
	require.NoError(t, err)
	peppered, err := NewHasher("pepper")
	require.NoError(t, err)

	key, err := GenerateAPIKey(false)
	require.NoError(t, err)

	h := plain.Hash(key)
	assert.Len(t, h, 64)
	assert.Equal(t, h, plain.Hash(key), "hash is deterministic")
	assert.NotContains(t, h, key[len(LivePrefix):])
	assert.True(t, plain.Verify(key, h))

	other, err := GenerateAPIKey(false)
	require.NoError(t, err)
	assert.False(t, plain.Verify(other, h))

	ph := peppered.Hash(key)
	assert.NotEqual(t, h, ph, "pepper changes the digest")
	assert.True(t, peppered.Verify(key, ph))
	assert.False(t, plain.Verify(key, ph))
}

func TestKeyPair_SignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.Equal(t, AlgorithmEd25519, kp.Algorithm)
	assert.True(t, strings.HasPrefix(kp.Fingerprint, "SHA256:"))

	fp, err := Fingerprint(kp.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, kp.Fingerprint, fp)

	decoded, err := DecodePublicKey(EncodePublicKey(kp.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, decoded)

	_, err = DecodePublicKey("c2hvcnQ=")
	assert.Error(t, err)

	assert.False(t, Verify(nil, []byte("x"), []byte("y")))
}

func TestSealer(t *testing.T) {
	sealer, err := NewSealer("a-long-master-secret")
	require.NoError(t, err)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := sealer.Seal(kp.PrivateKey, "agent-1")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(kp.PrivateKey.Seed()))

	opened, err := sealer.Open(sealed, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, kp.PrivateKey, opened)

	_, err = sealer.Open(sealed, "agent-2")
	assert.Error(t, err, "sealed key is bound to its agent")

	other, err := NewSealer("a-different-master-secret")
	require.NoError(t, err)
	_, err = other.Open(sealed, "agent-1")
	assert.Error(t, err)

	_, err = sealer.Open(sealed[:10], "agent-1")
	assert.Error(t, err)

	_, err = NewSealer("")
	assert.Error(t, err)
}
