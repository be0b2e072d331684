package inbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawnet/reef/natsclient"
)

func newTestKV(t *testing.T) *KV {
	t.Helper()

	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	store, err := NewKV(context.Background(), tc.Client, "REEF_INBOX_TEST")
	require.NoError(t, err)
	return store
}

func TestKV_AppendAssignsGapFreeSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	store := newTestKV(t)
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		seq, err := store.Append(ctx, "claw-a", "message.new", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
}

func TestKV_SequencesArePerRecipient(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	store := newTestKV(t)
	ctx := context.Background()

	seqA, err := store.Append(ctx, "claw-a", "message.new", json.RawMessage(`{}`))
	require.NoError(t, err)
	seqB, err := store.Append(ctx, "claw-b", "message.new", json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seqA)
	assert.Equal(t, uint64(1), seqB, "each recipient has its own sequence")
}

func TestKV_AfterReturnsMissedEntriesAscending(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	store := newTestKV(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, "claw-a", "message.new", json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
	}

	entries, err := store.After(ctx, "claw-a", 3, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Seq)
	assert.Equal(t, uint64(5), entries[1].Seq)

	limited, err := store.After(ctx, "claw-a", 0, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, uint64(1), limited[0].Seq)
	assert.Equal(t, uint64(2), limited[1].Seq)
}

func TestKV_AfterUnknownRecipientIsEmpty(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	store := newTestKV(t)

	entries, err := store.After(context.Background(), "claw-never-seen", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestKV_ConcurrentAppendsNeverGapOrDuplicate(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	store := newTestKV(t)
	ctx := context.Background()

	const writers = 5
	const perWriter = 10

	var wg sync.WaitGroup
	seqs := make(chan uint64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq, err := store.Append(ctx, "claw-a", "message.new", json.RawMessage(`{}`))
				assert.NoError(t, err)
				seqs <- seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	// CAS on the head key must hand out each sequence exactly once
	seen := make(map[uint64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	for want := uint64(1); want <= writers*perWriter; want++ {
		assert.True(t, seen[want], "sequence %d never assigned", want)
	}
}
