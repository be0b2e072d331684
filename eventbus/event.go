package eventbus

import (
	"time"
)

// Event is the envelope published on the bus. It is immutable by convention
// once published: handlers must not mutate the payload map.
//
// Owner identifies the claw the event belongs to (the recipient for delivery
// events, the rule owner for reflex evaluation). Seq is non-zero only for
// events that originate from the sequenced inbox stream.
type Event struct {
	Type    string         `json:"type"`
	Owner   string         `json:"ownerId"`
	Payload map[string]any `json:"payload,omitempty"`
	Seq     uint64         `json:"sequence,omitempty"`
}

// Field returns a raw payload field.
func (e Event) Field(name string) (any, bool) {
	if e.Payload == nil {
		return nil, false
	}
	v, ok := e.Payload[name]
	return v, ok
}

// Float returns a numeric payload field. JSON decoding produces float64;
// values set in-process may be any Go numeric type.
func (e Event) Float(name string) (float64, bool) {
	v, ok := e.Field(name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// String returns a string payload field.
func (e Event) String(name string) (string, bool) {
	v, ok := e.Field(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Strings returns a string-array payload field. JSON decoding produces
// []any; values set in-process may be []string directly.
func (e Event) Strings(name string) ([]string, bool) {
	v, ok := e.Field(name)
	if !ok {
		return nil, false
	}
	switch a := v.(type) {
	case []string:
		return a, true
	case []any:
		out := make([]string, 0, len(a))
		for _, item := range a {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// Time returns a timestamp payload field. Accepts time.Time, RFC3339
// strings, and unix-millisecond numbers.
func (e Event) Time(name string) (time.Time, bool) {
	v, ok := e.Field(name)
	if !ok {
		return time.Time{}, false
	}
	switch ts := v.(type) {
	case time.Time:
		return ts, true
	case string:
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case float64:
		return time.UnixMilli(int64(ts)), true
	case int64:
		return time.UnixMilli(ts), true
	default:
		return time.Time{}, false
	}
}
