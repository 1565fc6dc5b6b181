// ABOUTME: Represents one authenticated agent socket
// ABOUTME: Serializes writes, tracks draining/live state and owns teardown

package agent

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/mesh-gateway/internal/protocol"
)

const writeWait = 10 * time.Second

type connState int32

const (
	stateDraining connState = iota
	stateLive
	stateClosed
)

// Connection is one authenticated socket for an address.
type Connection struct {
	ID       string
	Address  protocol.Address
	AgentID  string
	TenantID string

	conn    *websocket.Conn
	writeMu sync.Mutex
	state   atomic.Int32

	drainCh   chan struct{} // capacity 1; a pending token means "drain again"
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newConnection(id string, conn *websocket.Conn, address protocol.Address, agentID, tenantID string, logger *slog.Logger) *Connection {
	c := &Connection{
		ID:       id,
		Address:  address,
		AgentID:  agentID,
		TenantID: tenantID,
		conn:     conn,
		drainCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}
	c.state.Store(int32(stateDraining))
	return c
}

// send writes one JSON frame.
func (c *Connection) send(frame any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

// deliver writes a live message. Returns false while draining or closed.
func (c *Connection) deliver(frame MessageFrame) bool {
	if connState(c.state.Load()) != stateLive {
		return false
	}
	if err := c.send(frame); err != nil {
		c.logger.Warn("live delivery failed", "conn_id", c.ID, "error", err)
		return false
	}
	return true
}

func (c *Connection) setState(s connState) {
	// closed is terminal
	for {
		cur := c.state.Load()
		if connState(cur) == stateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// IsLive reports whether the socket accepts live deliveries.
func (c *Connection) IsLive() bool {
	return connState(c.state.Load()) == stateLive
}

// nudge asks the drain loop for another pass. Never blocks.
func (c *Connection) nudge() {
	select {
	case c.drainCh <- struct{}{}:
	default:
	}
}

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// close sends a close frame with code and reason, then drops the socket.
// Safe to call more than once; only the first call has effect.
func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}
