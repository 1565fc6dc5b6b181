// ABOUTME: Message dispatch: builds and signs envelopes, delivers live or queues
// ABOUTME: Also serves the pending queue page and acknowledgment endpoints

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/2389/mesh-gateway/internal/auth"
	"github.com/2389/mesh-gateway/internal/keys"
	"github.com/2389/mesh-gateway/internal/protocol"
	"github.com/2389/mesh-gateway/internal/relay"
	"github.com/2389/mesh-gateway/internal/store"
)

const maxSubjectLen = 256

// ErrRecipientNotFound is returned when the recipient is not registered on this host.
var ErrRecipientNotFound = errors.New("recipient not found")

// SendMessageRequest is the JSON body of POST /api/messages.
type SendMessageRequest struct {
	To        string            `json:"to"`
	Subject   string            `json:"subject,omitempty"`
	Priority  protocol.Priority `json:"priority,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	InReplyTo string            `json:"in_reply_to,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
}

// SendMessageResponse reports how the message left the gateway.
type SendMessageResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"` // "delivered" or "queued"
	Timestamp time.Time `json:"timestamp"`
}

// Send outcomes
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
)

// validate checks the request and returns the parsed recipient and payload.
func (req *SendMessageRequest) validate() (protocol.Address, protocol.Payload, error) {
	to, err := protocol.ParseAddress(req.To)
	if err != nil {
		return "", nil, fmt.Errorf("to: %w", err)
	}
	if req.Priority == "" {
		req.Priority = protocol.PriorityNormal
	}
	if !req.Priority.Valid() {
		return "", nil, fmt.Errorf("%w: unknown priority %q", protocol.ErrInvalidEnvelope, req.Priority)
	}
	if len(req.Subject) > maxSubjectLen {
		return "", nil, fmt.Errorf("%w: subject longer than %d bytes", protocol.ErrInvalidEnvelope, maxSubjectLen)
	}
	payload, err := protocol.ParsePayload(req.Payload)
	if err != nil {
		return "", nil, err
	}
	return to, payload, nil
}

// Dispatch signs a message from sender and hands it to the recipient: live
// when a socket takes it, otherwise into the relay queue.
func (g *Gateway) Dispatch(ctx context.Context, sender *keys.Identity, req SendMessageRequest) (*SendMessageResponse, error) {
	to, payload, err := req.validate()
	if err != nil {
		return nil, err
	}

	recipient, err := g.store.GetAgentByAddress(ctx, to.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, to)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up recipient: %w", err)
	}

	env := &protocol.Envelope{
		Version:   protocol.Version,
		ID:        ulid.Make().String(),
		From:      sender.Address,
		To:        to,
		Subject:   req.Subject,
		Priority:  req.Priority,
		Timestamp: time.Now().UTC(),
		ThreadID:  req.ThreadID,
		InReplyTo: req.InReplyTo,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	senderKey, err := g.sign(ctx, sender.AgentID, env, payload)
	if err != nil {
		return nil, err
	}

	delivered, err := g.agents.DeliverOrEnqueue(ctx, to, env, payload, senderKey, func(ctx context.Context) error {
		_, err := g.relay.Enqueue(ctx, recipient.ID, env, payload, senderKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dispatching message: %w", err)
	}

	resp := &SendMessageResponse{ID: env.ID, Status: StatusQueued, Timestamp: env.Timestamp}
	if delivered {
		resp.Status = StatusDelivered
	}
	g.logger.Debug("message dispatched", "id", env.ID, "from", env.From, "to", env.To, "status", resp.Status)
	return resp, nil
}

// sign fills env.Signature with the sender's key and returns the encoded public key.
func (g *Gateway) sign(ctx context.Context, agentID string, env *protocol.Envelope, payload protocol.Payload) (string, error) {
	data, err := protocol.SigningBytes(env, payload)
	if err != nil {
		return "", err
	}
	sig, pub, err := g.keys.Sign(ctx, agentID, data)
	if err != nil {
		return "", fmt.Errorf("signing envelope: %w", err)
	}
	env.Signature = keys.EncodeSignature(sig)
	return keys.EncodePublicKey(pub), nil
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := g.Dispatch(r.Context(), caller, req)
	if errors.Is(err, ErrRecipientNotFound) {
		g.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, resp)
}

// PendingResponse is one page of the caller's queue.
type PendingResponse struct {
	Messages  []*relay.PendingMessage `json:"messages"`
	Remaining int                     `json:"remaining"`
}

func (g *Gateway) handlePending(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	limit, ok := parseLimit(r, relay.DefaultPageSize, relay.MaxPageSize)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	msgs, remaining, err := g.relay.Pending(r.Context(), caller.AgentID, limit)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, PendingResponse{Messages: msgs, Remaining: remaining})
}

func (g *Gateway) handleAck(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	removed, err := g.relay.Acknowledge(r.Context(), caller.AgentID, chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": removed})
}
