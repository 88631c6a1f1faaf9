package chatsync

import (
	"time"
)

// Normalizer maps an arbitrary raw server payload to a canonical event, or nil
// for "discard, do not route". It is a capability function: callers substitute
// a custom one wholesale instead of subclassing anything. A normalizer must
// never panic on malformed input.
type Normalizer func(raw any) *NormalizedEvent

// DefaultNormalizer applies an explicit ordered list of fallback field lookups
// per normalized field:
//
//   - type: "type" field, defaulting to "message"
//   - sessionId: "sessionId" then "session_id", defaulting to ""
//   - payload: "payload" then "data" then the whole raw object
//   - timestamp: "timestamp" then "createdAt", defaulting to now
//   - sequence: numeric "sequence" when present
//
// Non-object input yields nil. An empty sessionId leaves the event unroutable
// by session but still deliverable to global subscribers.
func DefaultNormalizer(raw any) *NormalizedEvent {
	obj, ok := raw.(map[string]any)
	if !ok || obj == nil {
		return nil
	}

	ev := &NormalizedEvent{
		Type:      "message",
		Payload:   any(obj),
		Timestamp: time.Now(),
		Raw:       obj,
	}

	if t, ok := stringField(obj, "type"); ok {
		ev.Type = t
	}
	if sid, ok := stringField(obj, "sessionId"); ok {
		ev.SessionID = sid
	} else if sid, ok := stringField(obj, "session_id"); ok {
		ev.SessionID = sid
	}
	if p, ok := obj["payload"]; ok && p != nil {
		ev.Payload = p
	} else if d, ok := obj["data"]; ok && d != nil {
		ev.Payload = d
	}
	if ts, ok := timeField(obj, "timestamp"); ok {
		ev.Timestamp = ts
	} else if ts, ok := timeField(obj, "createdAt"); ok {
		ev.Timestamp = ts
	}
	if seq, ok := numberField(obj, "sequence"); ok {
		s := int64(seq)
		ev.Sequence = &s
	}

	return ev
}

func stringField(obj map[string]any, key string) (string, bool) {
	v, ok := obj[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numberField(obj map[string]any, key string) (float64, bool) {
	v, ok := obj[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// timeField accepts RFC3339 strings and unix-millisecond numbers, the two
// timestamp encodings the backend emits.
func timeField(obj map[string]any, key string) (time.Time, bool) {
	v, ok := obj[key]
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		return time.Time{}, false
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	case time.Time:
		return t, true
	}
	return time.Time{}, false
}
