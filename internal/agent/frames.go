// ABOUTME: WebSocket frame types exchanged with agents
// ABOUTME: Client frames are parsed into a closed set; server frames are plain structs

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/mesh-gateway/internal/protocol"
)

// FrameType tags every frame.
type FrameType string

// Client frames
const (
	FrameAuth FrameType = "auth"
	FrameAck  FrameType = "ack"
	FramePing FrameType = "ping"
)

// Server frames
const (
	FrameConnected FrameType = "connected"
	FrameMessage   FrameType = "message"
	FrameError     FrameType = "error"
	FramePong      FrameType = "pong"
)

// Close codes sent to agents.
const (
	CloseAuthTimeout  = 4001
	CloseExpectedAuth = 4002
	CloseInvalidToken = 4003
)

// ErrMalformedFrame is returned for frames that do not parse as a known client frame.
var ErrMalformedFrame = errors.New("malformed frame")

// ClientFrame is a parsed frame from an agent. Only the fields for its Type are set.
type ClientFrame struct {
	Type  FrameType
	Token string // auth
	ID    string // ack
}

// ParseClientFrame decodes data and checks the fields each type requires.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var raw struct {
		Type  FrameType `json:"type"`
		Token string    `json:"token"`
		ID    string    `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	switch raw.Type {
	case FrameAuth:
		if raw.Token == "" {
			return ClientFrame{}, fmt.Errorf("%w: auth frame without token", ErrMalformedFrame)
		}
		return ClientFrame{Type: FrameAuth, Token: raw.Token}, nil
	case FrameAck:
		if raw.ID == "" {
			return ClientFrame{}, fmt.Errorf("%w: ack frame without id", ErrMalformedFrame)
		}
		return ClientFrame{Type: FrameAck, ID: raw.ID}, nil
	case FramePing:
		return ClientFrame{Type: FramePing}, nil
	case "":
		return ClientFrame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return ClientFrame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, raw.Type)
	}
}

// ConnectedFrame confirms authentication.
type ConnectedFrame struct {
	Type         FrameType        `json:"type"`
	Address      protocol.Address `json:"address"`
	PendingCount int              `json:"pending_count"`
}

// MessageFrame carries one message to the agent.
type MessageFrame struct {
	Type            FrameType          `json:"type"`
	ID              string             `json:"id"`
	Envelope        *protocol.Envelope `json:"envelope"`
	Payload         protocol.Payload   `json:"payload"`
	SenderPublicKey string             `json:"sender_public_key,omitempty"`
	DeliveredAt     time.Time          `json:"delivered_at"`
}

// ErrorFrame reports a problem without closing the socket, except during auth.
type ErrorFrame struct {
	Type  FrameType `json:"type"`
	Error string    `json:"error"`
}

// PongFrame answers a client ping frame.
type PongFrame struct {
	Type FrameType `json:"type"`
}

func newMessageFrame(env *protocol.Envelope, payload protocol.Payload, senderPublicKey string) MessageFrame {
	return MessageFrame{
		Type:            FrameMessage,
		ID:              env.ID,
		Envelope:        env,
		Payload:         payload,
		SenderPublicKey: senderPublicKey,
		DeliveredAt:     time.Now().UTC(),
	}
}

func newErrorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Error: msg}
}
