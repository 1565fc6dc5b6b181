// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The package is interface driven. Store composes the narrower interfaces
// consumed by other packages:
//
//   - AgentStore: agents and atomic registration
//   - APIKeyStore: hashed API keys, rotation and revocation
//   - KeyPairStore: public key metadata and sealed private keys, kept in separate tables
//   - PendingStore: per-agent FIFO of undelivered messages
//   - HostStore: the mesh host registry
//
// SQLiteStore implements all of them in one struct.
//
// # Invariants
//
//   - Only API key hashes are stored, never the raw secret
//   - A revoked key keeps its revoked_at timestamp forever
//   - Pending messages are ordered by an autoincrement sequence per agent
//   - Host ids are unique; at most one remote host per URL; at most one local host
//
// # Timestamps
//
// Times are stored as fixed-width UTC RFC3339 text so range comparisons in SQL
// work lexically.
//
// # Errors
//
//   - ErrNotFound: the row does not exist
//   - ErrDuplicate: a unique key is already taken
package store
