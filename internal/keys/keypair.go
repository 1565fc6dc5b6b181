// ABOUTME: Ed25519 keypair generation, fingerprints and signature checks
// ABOUTME: Also seals private keys at rest with XChaCha20-Poly1305

package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/ssh"
)

// AlgorithmEd25519 is the only supported keypair algorithm.
const AlgorithmEd25519 = "Ed25519"

// KeyPair is a freshly generated signing keypair.
type KeyPair struct {
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey
	Fingerprint string
	Algorithm   string
}

// GenerateKeyPair creates a new Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	fp, err := Fingerprint(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		PublicKey:   pub,
		PrivateKey:  priv,
		Fingerprint: fp,
		Algorithm:   AlgorithmEd25519,
	}, nil
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of pub.
func Fingerprint(pub ed25519.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("converting public key: %w", err)
	}
	return ssh.FingerprintSHA256(sshPub), nil
}

// EncodePublicKey returns the standard base64 form used on the wire.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a base64 Ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// EncodeSignature returns the base64 form carried in Envelope.Signature.
func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// DecodeSignature parses an envelope signature.
func DecodeSignature(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding signature: %w", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature is %d bytes, want %d", len(raw), ed25519.SignatureSize)
	}
	return raw, nil
}

// Verify reports whether sig is a valid signature of data by pub.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// sealedVersion is prepended to every sealed key and covered by the AAD.
const sealedVersion byte = 0x01

var hkdfInfoPrivateKey = []byte("mesh.agent.privkey.v1")

// Sealer encrypts private keys at rest.
type Sealer struct {
	key []byte
}

// NewSealer derives the sealing key from the master secret.
func NewSealer(masterSecret string) (*Sealer, error) {
	if masterSecret == "" {
		return nil, errors.New("master secret is required")
	}
	key, err := deriveKey([]byte(masterSecret), hkdfInfoPrivateKey)
	if err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts priv bound to agentID:
//
//	[version:1][nonce:24][ciphertext+tag]
func (s *Sealer) Seal(priv ed25519.PrivateKey, agentID string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(priv)+aead.Overhead())
	out[0] = sealedVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], priv, sealAAD(agentID)), nil
}

// Open decrypts a sealed key. Fails if the blob was sealed for another agent.
func (s *Sealer) Open(sealed []byte, agentID string) (ed25519.PrivateKey, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("sealed key is %d bytes, too short", len(sealed))
	}
	if sealed[0] != sealedVersion {
		return nil, fmt.Errorf("sealed key version %d is not supported", sealed[0])
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], sealAAD(agentID))
	if err != nil {
		return nil, fmt.Errorf("opening sealed key: %w", err)
	}
	if len(plain) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sealed key has %d bytes, want %d", len(plain), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(plain), nil
}

func sealAAD(agentID string) []byte {
	aad := make([]byte, 1+len(agentID))
	aad[0] = sealedVersion
	copy(aad[1:], agentID)
	return aad
}
