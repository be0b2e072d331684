package reflex

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawnet/reef/errors"
	"github.com/clawnet/reef/eventbus"
)

type itemState int

const (
	stateQueued itemState = iota
	stateDispatched
	stateAcknowledged
)

// QueuedItem is one layer-1 match awaiting acknowledgment
type QueuedItem struct {
	ID       string
	Rule     Rule
	Event    eventbus.Event
	QueuedAt time.Time

	state itemState
}

// Queue holds layer-1 matches per owner until a human or agent
// acknowledges them. Items accumulate without timeout; retention policy
// belongs to the collaborator that surfaces the queue.
type Queue struct {
	mu     sync.Mutex
	items  map[string][]*QueuedItem // owner -> items in enqueue order
	byID   map[string]*QueuedItem
	ledger *Ledger
}

// NewQueue creates an escalation queue writing transitions to the ledger
func NewQueue(ledger *Ledger) *Queue {
	return &Queue{
		items:  make(map[string][]*QueuedItem),
		byID:   make(map[string]*QueuedItem),
		ledger: ledger,
	}
}

// Enqueue records a layer-1 match. Writes the QueuedForL1 ledger row.
func (q *Queue) Enqueue(rule Rule, ev eventbus.Event) *QueuedItem {
	item := &QueuedItem{
		ID:       uuid.NewString(),
		Rule:     rule,
		Event:    ev,
		QueuedAt: time.Now().UTC(),
		state:    stateQueued,
	}

	q.mu.Lock()
	q.items[rule.Owner] = append(q.items[rule.Owner], item)
	q.byID[item.ID] = item
	q.mu.Unlock()

	q.ledger.Record(rule.ID, rule.Owner, ev.Type, ResultQueuedForL1, "")
	return item
}

// Pending returns the owner's items still awaiting acknowledgment, in
// enqueue order
func (q *Queue) Pending(owner string) []QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []QueuedItem
	for _, item := range q.items[owner] {
		if item.state != stateAcknowledged {
			out = append(out, *item)
		}
	}
	return out
}

// Dispatch hands every queued item for the owner to the acknowledgment
// surface and returns them. Each transitions QueuedForL1 -> DispatchedToL1
// with a ledger row; already-dispatched items are not re-dispatched.
func (q *Queue) Dispatch(owner string) []QueuedItem {
	q.mu.Lock()
	var dispatched []*QueuedItem
	for _, item := range q.items[owner] {
		if item.state == stateQueued {
			item.state = stateDispatched
			dispatched = append(dispatched, item)
		}
	}
	q.mu.Unlock()

	out := make([]QueuedItem, 0, len(dispatched))
	for _, item := range dispatched {
		q.ledger.Record(item.Rule.ID, item.Rule.Owner, item.Event.Type, ResultDispatchedToL1, "")
		out = append(out, *item)
	}
	return out
}

// Acknowledge completes a dispatched item, writing the L1Acknowledged
// ledger row. Acknowledging an unknown or not-yet-dispatched item is an
// error: the transition order QueuedForL1 -> DispatchedToL1 ->
// L1Acknowledged is fixed.
func (q *Queue) Acknowledge(itemID string) error {
	q.mu.Lock()
	item, ok := q.byID[itemID]
	if !ok {
		q.mu.Unlock()
		return errors.WrapInvalid(errors.ErrItemNotQueued, "Queue", "Acknowledge",
			fmt.Sprintf("item %s", itemID))
	}
	if item.state != stateDispatched {
		q.mu.Unlock()
		return errors.WrapInvalid(errors.ErrItemNotQueued, "Queue", "Acknowledge",
			fmt.Sprintf("item %s not dispatched", itemID))
	}
	item.state = stateAcknowledged
	q.mu.Unlock()

	q.ledger.Record(item.Rule.ID, item.Rule.Owner, item.Event.Type, ResultL1Acknowledged, "")
	return nil
}
