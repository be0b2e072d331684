package realtime

import (
	"context"
)

// Delivery pushes frames to live client connections. The backend is chosen
// once at startup (direct for single-process deployments, a relay for
// scale-out); callers never branch on which one is active.
//
// All sends are best-effort: delivering to a user with no live connection
// anywhere is a silent no-op. The caller must already have recorded the
// frame durably (with a sequence number) before handing it to Delivery, so
// an offline recipient recovers through catch-up.
type Delivery interface {
	// SendToUser delivers one frame to the user's live connection, if any
	SendToUser(ctx context.Context, userID string, frame Frame) error
	// SendToUsers is a parallel fan-out of SendToUser
	SendToUsers(ctx context.Context, userIDs []string, frame Frame) error
	// BroadcastToRoom fans the frame out to every member of a room
	BroadcastToRoom(ctx context.Context, roomID string, frame Frame) error

	// JoinRoom and LeaveRoom mutate realtime room membership. JoinRoom
	// requires a live connection; LeaveRoom is idempotent.
	JoinRoom(userID, roomID string) error
	LeaveRoom(userID, roomID string)

	// Connected and Disconnected are invoked on connection lifecycle
	// transitions. Relay backends use them to subscribe/unsubscribe the
	// user's channel; failures are absorbed per the best-effort contract.
	Connected(ctx context.Context, userID string)
	Disconnected(ctx context.Context, userID string)

	// Close releases backend resources
	Close(ctx context.Context) error
}
