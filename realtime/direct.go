package realtime

import (
	"context"
	"log/slog"
	"sync"
)

// Direct is the single-process delivery backend: frames go straight to the
// local transport handle.
type Direct struct {
	registry *Registry
	logger   *slog.Logger
}

var _ Delivery = (*Direct)(nil)

// NewDirect creates a direct delivery backend over the given registry
func NewDirect(registry *Registry) *Direct {
	return &Direct{
		registry: registry,
		logger:   slog.Default().With("component", "delivery-direct"),
	}
}

// SendToUser hands the frame to the user's local connection. Offline users
// are a silent no-op; a transport write failure unregisters the connection
// and is likewise absorbed (the recipient catches up on reconnect).
func (d *Direct) SendToUser(_ context.Context, userID string, frame Frame) error {
	conn := d.registry.Get(userID)
	if conn == nil {
		return nil
	}

	if err := conn.Send(frame); err != nil {
		d.logger.Debug("send failed, dropping connection", "user", userID, "error", err)
		d.registry.Unregister(userID, conn)
	}
	return nil
}

// SendToUsers fans out over the single-user primitive in parallel
func (d *Direct) SendToUsers(ctx context.Context, userIDs []string, frame Frame) error {
	var wg sync.WaitGroup
	for _, userID := range userIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = d.SendToUser(ctx, id, frame)
		}(userID)
	}
	wg.Wait()
	return nil
}

// BroadcastToRoom fans out to the room's current members
func (d *Direct) BroadcastToRoom(ctx context.Context, roomID string, frame Frame) error {
	return d.SendToUsers(ctx, d.registry.RoomMembers(roomID), frame)
}

// JoinRoom delegates to the registry
func (d *Direct) JoinRoom(userID, roomID string) error {
	return d.registry.JoinRoom(userID, roomID)
}

// LeaveRoom delegates to the registry
func (d *Direct) LeaveRoom(userID, roomID string) {
	d.registry.LeaveRoom(userID, roomID)
}

// Connected is a no-op: there is no external channel to subscribe
func (d *Direct) Connected(_ context.Context, _ string) {}

// Disconnected is a no-op
func (d *Direct) Disconnected(_ context.Context, _ string) {}

// Close is a no-op; the registry owns connection shutdown
func (d *Direct) Close(_ context.Context) error {
	return nil
}
