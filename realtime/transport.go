package realtime

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent when the registry terminates a connection. The
// application-range codes let clients distinguish a displacement (reconnect
// elsewhere took over) from a liveness eviction; every other removal uses a
// standard code.
const (
	CloseNormal           = websocket.CloseNormalClosure
	CloseGoingAway        = websocket.CloseGoingAway
	CloseReplaced         = 4001
	CloseHeartbeatTimeout = 4002
)

// writeWait bounds a single transport write
const writeWait = 10 * time.Second

// Transport is the registry's view of one client socket. Implementations
// need not be safe for concurrent writes; the Connection serializes access.
type Transport interface {
	// WriteFrame sends one frame to the client
	WriteFrame(frame Frame) error
	// Ping sends a liveness probe
	Ping() error
	// Close sends a close frame with the given status code and closes the
	// underlying socket
	Close(code int, reason string) error
}

// wsTransport adapts a gorilla websocket connection to the Transport
// interface
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an upgraded websocket connection
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteFrame(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
	return t.conn.Close()
}
