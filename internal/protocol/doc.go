// Package protocol defines the wire types exchanged between agents: addresses,
// envelopes and payloads, plus the canonical byte form that envelope
// signatures cover.
//
// An Address is "name@domain" and does not depend on which host serves it.
// An Envelope carries routing and signature data; its Payload is a JSON object
// tagged by a required "type" field and is opaque to the relay.
package protocol
