package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/clawnet/reef/errors"
	"github.com/clawnet/reef/natsclient"
)

// DefaultBucket is the JetStream KV bucket backing the inbox store
const DefaultBucket = "REEF_INBOX"

// appendAttempts bounds the optimistic-concurrency retry loop on the head key
const appendAttempts = 10

// KV is a Store backed by a NATS JetStream key-value bucket, so a restarted
// node can keep serving catch-up reads. The per-recipient head key is
// advanced with compare-and-swap updates, which preserves the gap-free
// sequence guarantee across concurrent appenders.
//
// Layout: "head.<user>" holds the recipient's latest sequence,
// "entry.<user>.<seq>" holds one serialized Entry.
type KV struct {
	bucket jetstream.KeyValue
}

var _ Store = (*KV)(nil)

// NewKV opens (or creates) the inbox bucket on the given client
func NewKV(ctx context.Context, client *natsclient.Client, bucket string) (*KV, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}

	b, err := client.KeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "sequenced inbox entries for catch-up delivery",
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "KV", "NewKV", "open inbox bucket")
	}

	return &KV{bucket: b}, nil
}

func headKey(userID string) string {
	return "head." + userID
}

func entryKey(userID string, seq uint64) string {
	return fmt.Sprintf("entry.%s.%d", userID, seq)
}

// Append assigns the next sequence via CAS on the head key, then writes the
// entry. A CAS conflict means another appender won that sequence; retry.
func (k *KV) Append(ctx context.Context, userID, frameType string, data json.RawMessage) (uint64, error) {
	for attempt := 0; attempt < appendAttempts; attempt++ {
		seq, err := k.advanceHead(ctx, userID)
		if err != nil {
			if errors.IsTransient(err) {
				continue
			}
			return 0, err
		}

		entry := Entry{
			Seq:       seq,
			Type:      frameType,
			Data:      data,
			CreatedAt: time.Now().UTC(),
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return 0, errors.WrapInvalid(err, "KV", "Append", "marshal entry")
		}

		if _, err := k.bucket.Put(ctx, entryKey(userID, seq), raw); err != nil {
			return 0, errors.WrapTransient(err, "KV", "Append", "write entry")
		}
		return seq, nil
	}

	return 0, errors.WrapTransient(
		fmt.Errorf("gave up after %d attempts", appendAttempts),
		"KV", "Append", "advance head for "+userID)
}

// advanceHead performs one CAS increment of the recipient's head key
func (k *KV) advanceHead(ctx context.Context, userID string) (uint64, error) {
	key := headKey(userID)

	current, err := k.bucket.Get(ctx, key)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			// First entry for this recipient
			if _, createErr := k.bucket.Create(ctx, key, encodeSeq(1)); createErr != nil {
				return 0, errors.WrapTransient(createErr, "KV", "advanceHead", "create head key")
			}
			return 1, nil
		}
		return 0, errors.WrapTransient(err, "KV", "advanceHead", "read head key")
	}

	head, err := decodeSeq(current.Value())
	if err != nil {
		return 0, errors.WrapInvalid(err, "KV", "advanceHead", "decode head value")
	}

	next := head + 1
	if _, err := k.bucket.Update(ctx, key, encodeSeq(next), current.Revision()); err != nil {
		return 0, errors.WrapTransient(err, "KV", "advanceHead", "CAS head key")
	}
	return next, nil
}

// After reads entries seq+1..head directly by key, ascending
func (k *KV) After(ctx context.Context, userID string, seq uint64, limit int) ([]Entry, error) {
	current, err := k.bucket.Get(ctx, headKey(userID))
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KV", "After", "read head key")
	}

	head, err := decodeSeq(current.Value())
	if err != nil {
		return nil, errors.WrapInvalid(err, "KV", "After", "decode head value")
	}

	if limit <= 0 {
		limit = int(head - seq)
	}

	out := make([]Entry, 0, limit)
	for s := seq + 1; s <= head && len(out) < limit; s++ {
		kvEntry, err := k.bucket.Get(ctx, entryKey(userID, s))
		if err != nil {
			if err == jetstream.ErrKeyNotFound {
				// Head advanced but the entry write lost a race with a crash;
				// skip rather than fail the whole catch-up.
				continue
			}
			return nil, errors.WrapTransient(err, "KV", "After", "read entry")
		}

		var entry Entry
		if err := json.Unmarshal(kvEntry.Value(), &entry); err != nil {
			return nil, errors.WrapInvalid(err, "KV", "After", "decode entry")
		}
		out = append(out, entry)
	}
	return out, nil
}

func encodeSeq(seq uint64) []byte {
	return []byte(fmt.Sprintf("%d", seq))
}

func decodeSeq(raw []byte) (uint64, error) {
	var seq uint64
	if _, err := fmt.Sscanf(string(raw), "%d", &seq); err != nil {
		return 0, fmt.Errorf("malformed sequence %q: %w", raw, err)
	}
	return seq, nil
}
