package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawnet/reef/inbox"
)

func TestDirect_SendToUser(t *testing.T) {
	reg := NewRegistry(time.Hour, nil)
	defer reg.Stop()
	delivery := NewDirect(reg)

	transport := &fakeTransport{}
	reg.Register("claw-a", transport)

	frame, err := NewFrame(FrameMessageNew, map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, delivery.SendToUser(context.Background(), "claw-a", frame))

	frames := transport.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, FrameMessageNew, frames[0].Type)
}

func TestDirect_OfflineUserIsSilentNoOp(t *testing.T) {
	reg := NewRegistry(time.Hour, nil)
	defer reg.Stop()
	delivery := NewDirect(reg)

	err := delivery.SendToUser(context.Background(), "claw-offline", Frame{Type: FrameMessageNew})
	assert.NoError(t, err, "offline recipients are not an error")
}

func TestDirect_WriteFailureDropsConnection(t *testing.T) {
	reg := NewRegistry(time.Hour, nil)
	defer reg.Stop()
	delivery := NewDirect(reg)

	transport := &fakeTransport{writeErr: assert.AnError}
	reg.Register("claw-a", transport)

	err := delivery.SendToUser(context.Background(), "claw-a", Frame{Type: FrameMessageNew})
	assert.NoError(t, err, "best-effort delivery absorbs transport failures")
	assert.Nil(t, reg.Get("claw-a"), "a broken connection is unregistered")
}

func TestDirect_SendToUsersMixedPresence(t *testing.T) {
	reg := NewRegistry(time.Hour, nil)
	defer reg.Stop()
	delivery := NewDirect(reg)

	online := &fakeTransport{}
	reg.Register("claw-a", online)

	err := delivery.SendToUsers(context.Background(),
		[]string{"claw-a", "claw-offline"}, Frame{Type: FrameReactionAdded})
	require.NoError(t, err)
	assert.Len(t, online.sentFrames(), 1)
}

func TestDirect_BroadcastToRoom(t *testing.T) {
	reg := NewRegistry(time.Hour, nil)
	defer reg.Stop()
	delivery := NewDirect(reg)

	inRoom := &fakeTransport{}
	outside := &fakeTransport{}
	reg.Register("claw-a", inRoom)
	reg.Register("claw-b", outside)
	require.NoError(t, delivery.JoinRoom("claw-a", "room-1"))

	err := delivery.BroadcastToRoom(context.Background(), "room-1", Frame{Type: FrameGroupUpdated})
	require.NoError(t, err)

	assert.Len(t, inRoom.sentFrames(), 1)
	assert.Empty(t, outside.sentFrames(), "non-members receive nothing")
}

func TestCatchUp_ReplaysOnlyFramesAfterLastSeq(t *testing.T) {
	reg := NewRegistry(time.Hour, nil)
	defer reg.Stop()
	delivery := NewDirect(reg)
	store := inbox.NewMemory()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		_, err := store.Append(ctx, "claw-a", FrameMessageNew, payload)
		require.NoError(t, err)
	}

	transport := &fakeTransport{}
	reg.Register("claw-a", transport)

	catchup := NewCatchUp(store, delivery, 0)
	sent, err := catchup.Resolve(ctx, "claw-a", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	frames := transport.sentFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(4), frames[0].Seq)
	assert.Equal(t, uint64(5), frames[1].Seq, "replay is ascending with no duplicates")
}

func TestCatchUp_NothingMissedSendsNothing(t *testing.T) {
	reg := NewRegistry(time.Hour, nil)
	defer reg.Stop()
	delivery := NewDirect(reg)
	store := inbox.NewMemory()

	transport := &fakeTransport{}
	reg.Register("claw-a", transport)

	catchup := NewCatchUp(store, delivery, 0)
	sent, err := catchup.Resolve(context.Background(), "claw-a", 0)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, transport.sentFrames())
}

func TestCatchUp_HonorsLimit(t *testing.T) {
	reg := NewRegistry(time.Hour, nil)
	defer reg.Stop()
	delivery := NewDirect(reg)
	store := inbox.NewMemory()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, "claw-a", FrameMessageNew, nil)
		require.NoError(t, err)
	}

	transport := &fakeTransport{}
	reg.Register("claw-a", transport)

	catchup := NewCatchUp(store, delivery, 4)
	sent, err := catchup.Resolve(ctx, "claw-a", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, sent)
}
