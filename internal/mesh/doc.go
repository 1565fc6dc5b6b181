// Package mesh keeps the registry of known hosts and grows it by gossip.
//
// # Registry
//
// Every gateway holds exactly one local entry describing itself plus any
// number of remote entries. Ids are unique and no two remotes share a URL.
// All writes go through the "hosts" lock so check-then-insert sequences
// never interleave.
//
// # Peer Exchange
//
// A peer posts its known-host list to /api/mesh/exchange. Each candidate is
// classified as already known, unreachable, newly added or failed:
//
//   - this host (id, alias or URL) and the sender itself are already known
//   - a candidate whose id, or whose URL as a remote, is registered is already known
//   - the rest are probed concurrently, each probe bounded by mesh.probe_timeout
//   - reachable candidates are sanitized and inserted with
//     syncSource "peer-exchange:<sender id>"
//
// A request carrying a propagation id is processed at most once per host;
// a replay returns empty lists and probes nothing. When a merge adds hosts,
// the request is forwarded to the other enabled remotes with the same
// propagation id, which stops it once every host has seen it.
//
// # Background Work
//
// The Syncer pushes this host's list to each peer and pulls theirs every
// mesh.sync_interval. The HealthChecker probes remotes every
// mesh.health_interval and records the outcome.
package mesh
