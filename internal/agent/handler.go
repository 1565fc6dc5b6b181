// ABOUTME: HTTP handler upgrading /ws requests into agent connections
// ABOUTME: Runs the auth handshake, the drain loop, heartbeats and the read loop

package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/mesh-gateway/internal/keys"
	"github.com/2389/mesh-gateway/internal/metrics"
	"github.com/2389/mesh-gateway/internal/relay"
)

// ServeHTTP upgrades the request and serves the socket until it closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	id, code := m.handshake(r.Context(), ws)
	if id == nil {
		closeRaw(ws, code)
		metrics.WebSocketClosures.WithLabelValues(strconv.Itoa(code)).Inc()
		return
	}

	c := newConnection(uuid.NewString(), ws, id.Address, id.AgentID, id.TenantID, m.logger)
	if !m.register(c) {
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		m.unregister(c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	if m.opts.OnConnect != nil {
		if err := m.opts.OnConnect(ctx, id); err != nil {
			m.logger.Warn("connect hook failed", "address", id.Address, "error", err)
		}
	}

	pending, err := m.queue.Count(ctx, id.AgentID)
	if err != nil {
		m.logger.Error("counting pending messages", "address", id.Address, "error", err)
	}
	if err := c.send(ConnectedFrame{Type: FrameConnected, Address: id.Address, PendingCount: pending}); err != nil {
		return
	}

	go m.heartbeat(c)
	go m.drainLoop(ctx, c)

	m.readLoop(ctx, c)
}

// handshake waits for the auth frame. It returns the identity, or nil and the
// close code to send.
func (m *Manager) handshake(ctx context.Context, ws *websocket.Conn) (*keys.Identity, int) {
	_ = ws.SetReadDeadline(time.Now().Add(m.opts.AuthTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		code := handshakeReadCode(err)
		m.logger.Debug("auth frame not read", "remote", ws.RemoteAddr(), "code", code, "error", err)
		return nil, code
	}

	frame, err := ParseClientFrame(data)
	if err != nil || frame.Type != FrameAuth {
		m.logger.Debug("first frame was not auth", "remote", ws.RemoteAddr())
		return nil, CloseExpectedAuth
	}

	id, err := m.auth.Authenticate(ctx, frame.Token)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("websocket").Inc()
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(newErrorFrame("invalid token"))
		return nil, CloseInvalidToken
	}

	_ = ws.SetReadDeadline(time.Time{})
	return id, 0
}

// handshakeReadCode maps a failed read of the first frame to a close code.
// Only a peer that hung up gets a normal closure.
func handshakeReadCode(err error) int {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CloseAuthTimeout
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return websocket.CloseNormalClosure
	}
	return CloseExpectedAuth
}

func closeRaw(ws *websocket.Conn, code int) {
	reason := ""
	switch code {
	case CloseAuthTimeout:
		reason = "auth timeout"
	case CloseExpectedAuth:
		reason = "expected auth frame"
	case CloseInvalidToken:
		reason = "invalid token"
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}

// heartbeat pings every interval until the connection is done.
func (m *Manager) heartbeat(c *Connection) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.logger.Debug("ping failed", "conn_id", c.ID, "error", err)
				c.close(websocket.CloseGoingAway, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// drainLoop pushes the pending queue, goes live once it is empty, and repeats
// whenever the connection is nudged.
func (m *Manager) drainLoop(ctx context.Context, c *Connection) {
	lockName := deliveryLockName(c.Address)

	for {
		if err := m.drain(ctx, c); err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("drain failed", "conn_id", c.ID, "error", err)
				c.close(websocket.CloseInternalServerErr, "drain failed")
			}
			return
		}

		// Go live only while holding the delivery lock with an empty queue,
		// so nothing queued before this point is overtaken by live traffic.
		release, err := m.locks.Acquire(ctx, lockName)
		if err != nil {
			return
		}
		n, err := m.queue.Count(ctx, c.AgentID)
		if err != nil {
			release()
			if ctx.Err() == nil {
				m.logger.Warn("counting pending messages", "conn_id", c.ID, "error", err)
			}
			return
		}
		if n > 0 {
			release()
			continue
		}
		c.setState(stateLive)
		release()

		select {
		case <-c.drainCh:
			release, err := m.locks.Acquire(ctx, lockName)
			if err != nil {
				return
			}
			c.setState(stateDraining)
			release()
		case <-c.done:
			return
		}
	}
}

// drain pushes pages until the queue is empty, acknowledging each entry after
// its frame is written.
func (m *Manager) drain(ctx context.Context, c *Connection) error {
	for {
		msgs, _, err := m.queue.Pending(ctx, c.AgentID, m.opts.DrainPageSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		for _, msg := range msgs {
			if err := c.send(drainFrame(msg)); err != nil {
				return err
			}
			if _, err := m.queue.Acknowledge(ctx, c.AgentID, msg.ID); err != nil {
				return err
			}
			metrics.MessagesDelivered.WithLabelValues("drain").Inc()
		}
	}
}

func drainFrame(msg *relay.PendingMessage) MessageFrame {
	return newMessageFrame(msg.Envelope, msg.Payload, msg.SenderPublicKey)
}

// readLoop handles client frames until the socket errors or closes.
func (m *Manager) readLoop(ctx context.Context, c *Connection) {
	pongWait := 2 * m.opts.HeartbeatInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("agent read error", "conn_id", c.ID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := ParseClientFrame(data)
		if err != nil {
			_ = c.send(newErrorFrame(err.Error()))
			continue
		}

		switch frame.Type {
		case FrameAck:
			if _, err := m.queue.Acknowledge(ctx, c.AgentID, frame.ID); err != nil {
				m.logger.Warn("ack failed", "conn_id", c.ID, "id", frame.ID, "error", err)
				_ = c.send(newErrorFrame("ack failed"))
			}
		case FramePing:
			_ = c.send(PongFrame{Type: FramePong})
		case FrameAuth:
			_ = c.send(newErrorFrame("already authenticated"))
		}
	}
}
