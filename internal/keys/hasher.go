// ABOUTME: Deterministic one-way digests for API keys using BLAKE3
// ABOUTME: Keyed with an HKDF-derived pepper key when one is configured

package keys

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

var hkdfInfoKeyHash = []byte("mesh.apikey.hash.v1")

// Hasher digests API keys.
type Hasher struct {
	key []byte // nil means unkeyed
}

// NewHasher builds a Hasher. An empty pepper selects plain BLAKE3-256.
func NewHasher(pepper string) (*Hasher, error) {
	if pepper == "" {
		return &Hasher{}, nil
	}
	key, err := deriveKey([]byte(pepper), hkdfInfoKeyHash)
	if err != nil {
		return nil, err
	}
	return &Hasher{key: key}, nil
}

// Hash returns the hex digest of secret.
func (h *Hasher) Hash(secret string) string {
	if h.key == nil {
		sum := blake3.Sum256([]byte(secret))
		return hex.EncodeToString(sum[:])
	}

	hasher, err := blake3.NewKeyed(h.key)
	if err != nil {
		// key length is fixed by deriveKey
		panic("keys: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Verify re-hashes secret and compares in constant time.
func (h *Hasher) Verify(secret, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Hash(secret)), []byte(hash)) == 1
}

// deriveKey expands input key material into a 32-byte key with HKDF-SHA256.
func deriveKey(ikm, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, nil, info)
	derived := make([]byte, 32)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return derived, nil
}
