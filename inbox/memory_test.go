package inbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_AppendAssignsSequence(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	seq1, err := store.Append(ctx, "claw-a", "message.new", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	seq2, err := store.Append(ctx, "claw-a", "message.new", json.RawMessage(`{"text":"again"}`))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
}

func TestMemory_SequencesIndependentPerRecipient(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	seqA, err := store.Append(ctx, "claw-a", "message.new", nil)
	require.NoError(t, err)
	seqB, err := store.Append(ctx, "claw-b", "message.new", nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seqA)
	assert.Equal(t, uint64(1), seqB)
}

func TestMemory_AfterReturnsStrictlyGreater(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, "claw-a", "message.new", nil)
		require.NoError(t, err)
	}

	entries, err := store.After(ctx, "claw-a", 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(3), entries[0].Seq)
	assert.Equal(t, uint64(4), entries[1].Seq)
	assert.Equal(t, uint64(5), entries[2].Seq)
}

func TestMemory_AfterHonorsLimit(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, "claw-a", "message.new", nil)
		require.NoError(t, err)
	}

	entries, err := store.After(ctx, "claw-a", 0, 4)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, uint64(4), entries[3].Seq)
}

func TestMemory_AfterUnknownRecipient(t *testing.T) {
	store := NewMemory()

	entries, err := store.After(context.Background(), "claw-missing", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemory_ConcurrentAppendsGapFree(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	const appenders = 8
	const perAppender = 50

	var wg sync.WaitGroup
	for i := 0; i < appenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perAppender; j++ {
				_, err := store.Append(ctx, "claw-a", "message.new", nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entries, err := store.After(ctx, "claw-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, appenders*perAppender)

	// No gaps, no duplicates: sequences are exactly 1..N ascending
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}
