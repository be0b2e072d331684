package reflex

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawnet/reef/errors"
	"github.com/clawnet/reef/eventbus"
)

// Condition kind discriminators. The set is closed: anything else is
// rejected at decode time, and a condition that slips past decoding but
// matches no supported shape never fires.
const (
	KindEventType       = "event_type"
	KindTimer           = "timer"
	KindTagIntersection = "tag_intersection"
	KindThreshold       = "threshold"
	KindCounter         = "counter"
	KindDeadline        = "deadline"
)

// EventTimerTick is the synthetic event type emitted by timer schedulers
const EventTimerTick = "timer.tick"

// Condition is one variant of the trigger condition union. Matching is
// pure: no side effects, no clock reads beyond the now argument.
type Condition interface {
	Kind() string
	Matches(ev eventbus.Event, now time.Time) bool
}

// EventTypeCondition fires on an exact event type. The optional Condition
// qualifier "downgrade" additionally requires the event's oldLayer to rank
// above its newLayer (lower layer numbers rank higher).
type EventTypeCondition struct {
	EventType string `json:"eventType"`
	Condition string `json:"condition,omitempty"`
}

func (c EventTypeCondition) Kind() string { return KindEventType }

func (c EventTypeCondition) Matches(ev eventbus.Event, _ time.Time) bool {
	if ev.Type != c.EventType {
		return false
	}

	switch c.Condition {
	case "":
		return true
	case "downgrade":
		oldLayer, okOld := ev.Float("oldLayer")
		newLayer, okNew := ev.Float("newLayer")
		return okOld && okNew && oldLayer < newLayer
	default:
		// Unknown qualifier: inert, not an error
		return false
	}
}

// TimerCondition fires on synthetic timer.tick events of the same interval
type TimerCondition struct {
	IntervalMs int64 `json:"intervalMs"`
}

func (c TimerCondition) Kind() string { return KindTimer }

func (c TimerCondition) Matches(ev eventbus.Event, _ time.Time) bool {
	if ev.Type != EventTimerTick {
		return false
	}
	interval, ok := ev.Float("intervalMs")
	return ok && int64(interval) == c.IntervalMs
}

// TagIntersectionCondition fires when the event type matches and the two
// tag arrays on the event share at least MinCommonTags entries
type TagIntersectionCondition struct {
	EventType     string `json:"eventType"`
	MinCommonTags int    `json:"minCommonTags"`
}

func (c TagIntersectionCondition) Kind() string { return KindTagIntersection }

func (c TagIntersectionCondition) Matches(ev eventbus.Event, _ time.Time) bool {
	if ev.Type != c.EventType {
		return false
	}

	tagsA, okA := ev.Strings("tagsA")
	tagsB, okB := ev.Strings("tagsB")
	if !okA || !okB {
		return false
	}

	seen := make(map[string]struct{}, len(tagsA))
	for _, tag := range tagsA {
		seen[tag] = struct{}{}
	}

	common := 0
	counted := make(map[string]struct{}, len(tagsB))
	for _, tag := range tagsB {
		if _, dup := counted[tag]; dup {
			continue
		}
		counted[tag] = struct{}{}
		if _, ok := seen[tag]; ok {
			common++
		}
	}
	return common >= c.MinCommonTags
}

// ThresholdCondition compares a numeric event field against configured
// bounds. Lt is strict, Gte is inclusive. A missing field never matches,
// and so does a condition with no bound configured.
type ThresholdCondition struct {
	Field string   `json:"field"`
	Lt    *float64 `json:"lt,omitempty"`
	Gte   *float64 `json:"gte,omitempty"`
}

func (c ThresholdCondition) Kind() string { return KindThreshold }

func (c ThresholdCondition) Matches(ev eventbus.Event, _ time.Time) bool {
	value, ok := ev.Float(c.Field)
	if !ok {
		return false
	}
	if c.Lt == nil && c.Gte == nil {
		return false
	}
	if c.Lt != nil && value >= *c.Lt {
		return false
	}
	if c.Gte != nil && value < *c.Gte {
		return false
	}
	return true
}

// CounterCondition fires when a numeric field has reached a count.
// Same comparison shape as threshold's gte bound.
type CounterCondition struct {
	Field string  `json:"field"`
	Gte   float64 `json:"gte"`
}

func (c CounterCondition) Kind() string { return KindCounter }

func (c CounterCondition) Matches(ev eventbus.Event, _ time.Time) bool {
	value, ok := ev.Float(c.Field)
	return ok && value >= c.Gte
}

// DeadlineCondition fires when the event type matches and the event's
// deadline timestamp falls within WithinMs of now, on either side
type DeadlineCondition struct {
	EventType string `json:"eventType"`
	WithinMs  int64  `json:"withinMs"`
}

func (c DeadlineCondition) Kind() string { return KindDeadline }

func (c DeadlineCondition) Matches(ev eventbus.Event, now time.Time) bool {
	if ev.Type != c.EventType {
		return false
	}
	deadline, ok := ev.Time("deadline")
	if !ok {
		return false
	}
	distance := deadline.Sub(now)
	if distance < 0 {
		distance = -distance
	}
	return distance <= time.Duration(c.WithinMs)*time.Millisecond
}

// DecodeCondition parses a JSON condition object by its type discriminator.
// Unknown kinds are rejected here, at the boundary, so a malformed rule is
// surfaced to its owner instead of silently sitting inert.
func DecodeCondition(raw json.RawMessage) (Condition, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.WrapInvalid(err, "Condition", "DecodeCondition", "parse condition object")
	}

	var (
		cond Condition
		err  error
	)
	switch head.Type {
	case KindEventType:
		var c EventTypeCondition
		err = json.Unmarshal(raw, &c)
		cond = c
	case KindTimer:
		var c TimerCondition
		err = json.Unmarshal(raw, &c)
		cond = c
	case KindTagIntersection:
		var c TagIntersectionCondition
		err = json.Unmarshal(raw, &c)
		cond = c
	case KindThreshold:
		var c ThresholdCondition
		err = json.Unmarshal(raw, &c)
		cond = c
	case KindCounter:
		var c CounterCondition
		err = json.Unmarshal(raw, &c)
		cond = c
	case KindDeadline:
		var c DeadlineCondition
		err = json.Unmarshal(raw, &c)
		cond = c
	default:
		return nil, errors.WrapInvalid(errors.ErrUnknownCondition, "Condition", "DecodeCondition",
			fmt.Sprintf("condition kind %q", head.Type))
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "Condition", "DecodeCondition",
			fmt.Sprintf("decode %s condition", head.Type))
	}
	return cond, nil
}
