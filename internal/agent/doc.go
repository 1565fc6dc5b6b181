// Package agent manages live WebSocket connections from agents.
//
// # Overview
//
// Agents connect to GET /ws and must authenticate with their API key in the
// first frame. After that the connection drains the agent's pending queue
// and then receives messages live until it closes.
//
// # Connection Lifecycle
//
//	connecting -> authenticated (draining -> live) -> closed
//
//  1. The first client frame must be {"type":"auth","token":"..."} and must
//     arrive within websocket.auth_timeout. Silence closes with 4001, any
//     other frame closes with 4002.
//  2. An invalid token gets an error frame and close 4003. A valid one
//     registers the socket under its address and replies with
//     {"type":"connected","address":...,"pending_count":N}.
//  3. The pending queue is pushed page by page, each entry acknowledged once
//     its frame is written. While draining, live delivery to the socket
//     reports false so senders queue instead.
//  4. Pings go out every heartbeat interval. A socket silent for two
//     intervals is dropped.
//  5. {"type":"ack","id":...} removes a pending entry; {"type":"ping"} gets
//     {"type":"pong"}.
//
// # Manager
//
// The Manager maps each address to its set of sockets. An address may have
// several sockets at once; Deliver fans out to all of them and reports
// whether any write succeeded. Manager methods are safe for concurrent use.
//
// DeliverOrEnqueue and the drain loop share a per-address lock so a message
// queued while a socket finishes draining is never overtaken by a later
// live delivery.
package agent
