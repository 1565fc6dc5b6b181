// Package relay is the durable per-recipient queue for messages that could
// not be delivered live.
//
// Each agent's queue is strictly FIFO; nothing is promised across agents.
// Entries leave the queue only by acknowledgment, by the capacity policy
// (oldest dropped first once an agent exceeds relay.max_pending_per_agent)
// or by the TTL sweeper. Acknowledging the same id twice is harmless.
//
// Two backends exist. The SQLite store is the default and shares the
// gateway database. The Redis backend keeps a list of ids plus a hash of
// bodies per agent and relies on key expiry instead of the sweeper.
package relay
