package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisRelay(t *testing.T) (*RedisRelay, *Registry) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := NewRegistry(time.Hour, nil)
	t.Cleanup(reg.Stop)

	relay := NewRedisRelay(client, reg, "", nil)
	t.Cleanup(func() { _ = relay.Close(context.Background()) })

	return relay, reg
}

// waitForFrames polls until the transport has received n frames or the
// deadline passes
func waitForFrames(t *testing.T, transport *fakeTransport, n int) []Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := transport.sentFrames()
		if len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, got %d", n, len(transport.sentFrames()))
	return nil
}

func TestRedisRelay_RoundTrip(t *testing.T) {
	relay, reg := newTestRedisRelay(t)
	ctx := context.Background()

	// Registering fires the lifecycle hook that subscribes the channel
	transport := &fakeTransport{}
	reg.Register("claw-a", transport)

	frame, err := NewFrame(FrameMessageNew, map[string]string{"text": "over the wire"})
	require.NoError(t, err)
	require.NoError(t, relay.SendToUser(ctx, "claw-a", frame))

	frames := waitForFrames(t, transport, 1)
	assert.Equal(t, FrameMessageNew, frames[0].Type)
	assert.JSONEq(t, `{"text":"over the wire"}`, string(frames[0].Data))
}

func TestRedisRelay_OfflineRecipientIsAbsorbed(t *testing.T) {
	relay, _ := newTestRedisRelay(t)

	// Nobody subscribed anywhere: publish lands on an empty channel
	err := relay.SendToUser(context.Background(), "claw-offline", Frame{Type: FrameMessageNew})
	assert.NoError(t, err)
}

func TestRedisRelay_DisconnectedStopsForwarding(t *testing.T) {
	relay, reg := newTestRedisRelay(t)
	ctx := context.Background()

	transport := &fakeTransport{}
	conn := reg.Register("claw-a", transport)
	reg.Unregister("claw-a", conn)

	relay.mu.Lock()
	_, subscribed := relay.subs["claw-a"]
	relay.mu.Unlock()
	assert.False(t, subscribed)

	require.NoError(t, relay.SendToUser(ctx, "claw-a", Frame{Type: FrameMessageNew}))

	// Give a would-be forward time to arrive
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, transport.sentFrames())
}

func TestRedisRelay_DisconnectedWithoutSubscriptionIsNoOp(t *testing.T) {
	relay, _ := newTestRedisRelay(t)
	relay.Disconnected(context.Background(), "claw-never-connected")
}

func TestRedisRelay_ReconnectReplacesSubscription(t *testing.T) {
	relay, reg := newTestRedisRelay(t)
	ctx := context.Background()

	// Same node, fresh socket: the second Register displaces the first and
	// its lifecycle hook re-subscribes, replacing the old subscription
	reg.Register("claw-a", &fakeTransport{})
	transport := &fakeTransport{}
	reg.Register("claw-a", transport)

	require.NoError(t, relay.SendToUser(ctx, "claw-a", Frame{Type: FrameMessageNew}))

	frames := waitForFrames(t, transport, 1)
	// Exactly one subscription survives; the frame is not duplicated
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, transport.sentFrames(), len(frames))
}

func TestRedisRelay_DisplacedSocketTeardownKeepsLiveSubscription(t *testing.T) {
	relay, reg := newTestRedisRelay(t)
	ctx := context.Background()

	first := reg.Register("claw-a", &fakeTransport{})
	transport := &fakeTransport{}
	reg.Register("claw-a", transport)

	// The displaced socket's read loop tears down late. The Unregister is
	// stale and must not fire the disconnect hook, so the replacement's
	// channel subscription stays up.
	reg.Unregister("claw-a", first)

	require.NoError(t, relay.SendToUser(ctx, "claw-a", Frame{Type: FrameMessageNew}))

	frames := waitForFrames(t, transport, 1)
	assert.Equal(t, FrameMessageNew, frames[0].Type)
}

func TestRedisRelay_RoomOpsUseLocalRegistry(t *testing.T) {
	relay, reg := newTestRedisRelay(t)

	reg.Register("claw-a", &fakeTransport{})
	require.NoError(t, relay.JoinRoom("claw-a", "room-1"))
	assert.True(t, reg.InRoom("claw-a", "room-1"))

	relay.LeaveRoom("claw-a", "room-1")
	assert.False(t, reg.InRoom("claw-a", "room-1"))
}
