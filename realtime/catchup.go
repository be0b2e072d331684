package realtime

import (
	"context"
	"log/slog"

	"github.com/clawnet/reef/errors"
	"github.com/clawnet/reef/inbox"
)

// DefaultCatchUpLimit bounds one catch-up resolution
const DefaultCatchUpLimit = 100

// InboxReader is the slice of the inbox store the catch-up path needs
type InboxReader interface {
	After(ctx context.Context, userID string, seq uint64, limit int) ([]inbox.Entry, error)
}

// CatchUp replays missed sequenced frames after a reconnect. Replayed
// frames go through the same SendToUser path as live delivery, each tagged
// with its original sequence number, so ordering relative to new events
// cannot diverge between the two paths.
type CatchUp struct {
	store    InboxReader
	delivery Delivery
	limit    int
	logger   *slog.Logger
}

// NewCatchUp creates a catch-up resolver. limit <= 0 selects the default.
func NewCatchUp(store InboxReader, delivery Delivery, limit int) *CatchUp {
	if limit <= 0 {
		limit = DefaultCatchUpLimit
	}
	return &CatchUp{
		store:    store,
		delivery: delivery,
		limit:    limit,
		logger:   slog.Default().With("component", "catchup"),
	}
}

// Resolve re-delivers every inbox entry after lastSeq, in ascending
// sequence order, and returns how many were sent.
func (c *CatchUp) Resolve(ctx context.Context, userID string, lastSeq uint64) (int, error) {
	entries, err := c.store.After(ctx, userID, lastSeq, c.limit)
	if err != nil {
		return 0, errors.Wrap(err, "CatchUp", "Resolve", "read inbox entries")
	}

	sent := 0
	for _, entry := range entries {
		frame := Frame{
			Type: entry.Type,
			Data: entry.Data,
			Seq:  entry.Seq,
		}
		if err := c.delivery.SendToUser(ctx, userID, frame); err != nil {
			return sent, errors.Wrap(err, "CatchUp", "Resolve", "re-deliver entry")
		}
		sent++
	}

	if sent > 0 {
		c.logger.Debug("catch-up resolved", "user", userID, "after", lastSeq, "sent", sent)
	}
	return sent, nil
}
