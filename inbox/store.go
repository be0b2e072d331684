// Package inbox provides the per-recipient sequenced inbox store behind the
// catch-up protocol. Every live delivery corresponds 1:1 with an appended
// entry; the sequence is atomic and gap-free per recipient, which is what
// lets a reconnecting client ask for "everything after sequence N".
package inbox

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one sequenced frame recorded for a recipient. Data carries the
// frame payload exactly as it was (or will be) delivered live.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store records sequenced entries per recipient and serves catch-up reads.
//
// Append assigns the next sequence number for the recipient atomically:
// concurrent appends for the same recipient never produce gaps or
// duplicates. After returns entries with sequence strictly greater than seq,
// in ascending sequence order, at most limit entries.
type Store interface {
	Append(ctx context.Context, userID, frameType string, data json.RawMessage) (uint64, error)
	After(ctx context.Context, userID string, seq uint64, limit int) ([]Entry, error)
}
