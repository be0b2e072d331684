package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawnet/reef/errors"
)

// Connection is one claw's live socket. At most one exists per user at a
// time; a newer connection for the same user displaces it.
type Connection struct {
	userID      string
	transport   Transport
	connectedAt time.Time

	// alive is set by pong receipt and cleared by each heartbeat tick;
	// a connection found cleared at the next tick has missed two probes.
	alive  atomic.Bool
	closed atomic.Bool

	closeOnce sync.Once

	// writeMu serializes transport writes; websocket connections do not
	// tolerate concurrent writers.
	writeMu sync.Mutex
}

func newConnection(userID string, transport Transport) *Connection {
	c := &Connection{
		userID:      userID,
		transport:   transport,
		connectedAt: time.Now(),
	}
	c.alive.Store(true)
	return c
}

// UserID returns the claw identity this connection belongs to
func (c *Connection) UserID() string {
	return c.userID
}

// ConnectedAt returns when the connection was registered
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// MarkAlive records liveness, typically from a pong handler
func (c *Connection) MarkAlive() {
	c.alive.Store(true)
}

// Send writes one frame to the client. Returns ErrConnectionClosed after the
// connection has been terminated.
func (c *Connection) Send(frame Frame) error {
	if c.closed.Load() {
		return errors.ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteFrame(frame)
}

// ping sends a liveness probe outside the caller's heartbeat bookkeeping
func (c *Connection) ping() error {
	if c.closed.Load() {
		return errors.ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Ping()
}

// close terminates the connection exactly once. Terminal: there is no retry.
func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.transport.Close(code, reason)
		c.writeMu.Unlock()
	})
}

// Closed reports whether the connection has been terminated
func (c *Connection) Closed() bool {
	return c.closed.Load()
}
