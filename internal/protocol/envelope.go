// ABOUTME: Envelope and payload types for agent-to-agent messages
// ABOUTME: Includes validation and the canonical bytes covered by signatures

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the envelope format written by this gateway.
const Version = "1.0"

// Priority orders nothing in the relay; it is advisory for recipients.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ErrInvalidEnvelope and ErrInvalidPayload mark malformed messages.
var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// Envelope is the routing and signature wrapper around a payload.
type Envelope struct {
	Version   string    `json:"version"`
	ID        string    `json:"id"`
	From      Address   `json:"from"`
	To        Address   `json:"to"`
	Subject   string    `json:"subject"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"`
	ThreadID  string    `json:"thread_id,omitempty"`
	InReplyTo string    `json:"in_reply_to,omitempty"`
}

// Validate checks required fields.
func (e *Envelope) Validate() error {
	switch {
	case e.Version == "":
		return fmt.Errorf("%w: version is required", ErrInvalidEnvelope)
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEnvelope)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEnvelope)
	case !e.Priority.Valid():
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidEnvelope, e.Priority)
	}
	if _, err := ParseAddress(string(e.From)); err != nil {
		return fmt.Errorf("%w: from: %w", ErrInvalidEnvelope, err)
	}
	if _, err := ParseAddress(string(e.To)); err != nil {
		return fmt.Errorf("%w: to: %w", ErrInvalidEnvelope, err)
	}
	return nil
}

// Payload is a JSON object with a non-empty string "type" field.
type Payload json.RawMessage

// ParsePayload validates data and returns it as a Payload.
func ParsePayload(data []byte) (Payload, error) {
	var head struct {
		Type *string `json:"type"`
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: must be a JSON object", ErrInvalidPayload)
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if head.Type == nil || *head.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidPayload)
	}
	return Payload(append([]byte(nil), trimmed...)), nil
}

// Type returns the payload's type tag, or "" if p is malformed.
func (p Payload) Type() string {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(p, &head)
	return head.Type
}

// MarshalJSON emits the raw object.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON validates the object before accepting it.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	parsed, err := ParsePayload(data)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// signedFields mirrors Envelope without the signature. Field order is fixed by
// the struct, and the payload is re-encoded through a map so keys are sorted.
type signedFields struct {
	Version   string   `json:"version"`
	ID        string   `json:"id"`
	From      Address  `json:"from"`
	To        Address  `json:"to"`
	Subject   string   `json:"subject"`
	Priority  Priority `json:"priority"`
	Timestamp string   `json:"timestamp"`
	ThreadID  string   `json:"thread_id,omitempty"`
	InReplyTo string   `json:"in_reply_to,omitempty"`
	Payload   any      `json:"payload"`
}

// SigningBytes returns the canonical bytes an envelope signature covers.
// The result is independent of the signature field and of payload key order.
func SigningBytes(env *Envelope, payload Payload) ([]byte, error) {
	var body any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
	}

	return json.Marshal(signedFields{
		Version:   env.Version,
		ID:        env.ID,
		From:      env.From,
		To:        env.To,
		Subject:   env.Subject,
		Priority:  env.Priority,
		Timestamp: env.Timestamp.UTC().Format(time.RFC3339Nano),
		ThreadID:  env.ThreadID,
		InReplyTo: env.InReplyTo,
		Payload:   body,
	})
}
