// Package keys issues and checks agent credentials.
//
// # API Keys
//
// Keys look like mesh_live_<64 hex> or mesh_test_<64 hex>. Only a digest is
// persisted: BLAKE3 keyed with a key derived from the configured pepper, or
// plain BLAKE3-256 when no pepper is set. The digest is deterministic so it
// doubles as the lookup key.
//
// Rotation swaps the stored digest in place, so the old key stops working in
// the same write that makes the new one valid. Revocation is permanent.
//
// # Keypairs
//
// Every agent owns one Ed25519 keypair. Private keys are sealed with
// XChaCha20-Poly1305 under a key derived from the master secret, bound to the
// agent id, and stored apart from the public metadata. Signing happens inside
// Service so private key bytes never leave the package.
//
// Fingerprints use the OpenSSH form, SHA256:<base64>.
package keys
