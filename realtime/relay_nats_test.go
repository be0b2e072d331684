package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawnet/reef/natsclient"
)

func newTestNATSRelay(t *testing.T) (*NATSRelay, *Registry) {
	t.Helper()

	tc := natsclient.NewTestClient(t)

	reg := NewRegistry(time.Hour, nil)
	t.Cleanup(reg.Stop)

	relay := NewNATSRelay(tc.Client, reg, "", nil)
	t.Cleanup(func() { _ = relay.Close(context.Background()) })

	return relay, reg
}

func TestNATSRelay_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	relay, reg := newTestNATSRelay(t)
	ctx := context.Background()

	// Registering fires the lifecycle hook that subscribes the channel
	transport := &fakeTransport{}
	reg.Register("claw-a", transport)

	frame, err := NewFrame(FrameMessageNew, map[string]string{"text": "over the relay"})
	require.NoError(t, err)
	require.NoError(t, relay.SendToUser(ctx, "claw-a", frame))

	frames := waitForFrames(t, transport, 1)
	assert.Equal(t, FrameMessageNew, frames[0].Type)
	assert.JSONEq(t, `{"text":"over the relay"}`, string(frames[0].Data))
}

func TestNATSRelay_OfflineRecipientIsAbsorbed(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	relay, _ := newTestNATSRelay(t)

	err := relay.SendToUser(context.Background(), "claw-offline", Frame{Type: FrameMessageNew})
	assert.NoError(t, err)
}

func TestNATSRelay_DisconnectedStopsForwarding(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	relay, reg := newTestNATSRelay(t)
	ctx := context.Background()

	transport := &fakeTransport{}
	conn := reg.Register("claw-a", transport)
	reg.Unregister("claw-a", conn)

	relay.mu.Lock()
	_, subscribed := relay.subs["claw-a"]
	relay.mu.Unlock()
	assert.False(t, subscribed)

	require.NoError(t, relay.SendToUser(ctx, "claw-a", Frame{Type: FrameMessageNew}))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, transport.sentFrames())
}

func TestNATSRelay_DisplacedSocketTeardownKeepsLiveSubscription(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	relay, reg := newTestNATSRelay(t)
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

func TestNATSRelay_BroadcastReachesRoomMembersOnly(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	relay, reg := newTestNATSRelay(t)
	ctx := context.Background()

	member := &fakeTransport{}
	outsider := &fakeTransport{}
	reg.Register("claw-member", member)
	reg.Register("claw-outsider", outsider)
	require.NoError(t, relay.JoinRoom("claw-member", "room-1"))

	require.NoError(t, relay.BroadcastToRoom(ctx, "room-1", Frame{Type: FrameGroupMember}))

	frames := waitForFrames(t, member, 1)
	assert.Equal(t, FrameGroupMember, frames[0].Type)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, outsider.sentFrames())
}
