package chatsync

import (
	"strings"
	"time"
)

// ConnectionStatus is the transport's connection lifecycle state. Exactly one
// value is held at a time and only the transport's internal handlers mutate it.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// ContentBlock is one unit of rich message content (text, code, image, ...).
type ContentBlock struct {
	Type     string         `json:"type"`
	Content  string         `json:"content,omitempty"`
	Language string         `json:"language,omitempty"`
	URL      string         `json:"url,omitempty"`
	Alt      string         `json:"alt,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// BaseMessage is the canonical stored message. Identity is ID; the message
// store enforces uniqueness with last-write-wins semantics. Content carries
// plain text; rich messages use Blocks instead.
type BaseMessage struct {
	ID        string         `json:"id"`
	Sender    string         `json:"sender"`
	Content   string         `json:"content,omitempty"`
	Blocks    []ContentBlock `json:"blocks,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Sequence  *int64         `json:"sequence,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SystemEvent is a non-message timeline entry (joins, status changes).
type SystemEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	Data      map[string]any `json:"data,omitempty"`
	Sequence  *int64         `json:"sequence,omitempty"`
}

// NormalizedEvent is the canonical, transport-agnostic shape of an inbound
// server notification. It is immutable once created and routed, never stored.
type NormalizedEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Payload   any            `json:"payload"`
	Sequence  *int64         `json:"sequence,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Raw       map[string]any `json:"-"`
}

// OutgoingMessage is caller-constructed and consumed once by Transport.Send.
type OutgoingMessage struct {
	SessionID   string         `json:"sessionId"`
	Type        string         `json:"messageType"`
	Content     string         `json:"content"`
	Attachments []string       `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ItemType discriminates timeline entries.
type ItemType string

const (
	ItemTypeMessage ItemType = "message"
	ItemTypeEvent   ItemType = "event"
)

// TimelineItem is a message or system event tagged for presentation. Items are
// produced fresh on every Build call and never mutated in place.
type TimelineItem struct {
	ItemType ItemType     `json:"itemType"`
	Message  *BaseMessage `json:"message,omitempty"`
	Event    *SystemEvent `json:"event,omitempty"`
}

// DedupStrategy selects which occurrence wins for a duplicated field value.
type DedupStrategy string

const (
	DedupFirst DedupStrategy = "first"
	DedupLast  DedupStrategy = "last"
)

// DedupRule removes duplicate timeline items sharing a field value.
type DedupRule struct {
	Field    string
	Strategy DedupStrategy
}

// SortDirection orders a sort rule ascending or descending.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortRule orders timeline items by a dot-separated field path. Lower Priority
// applies first.
type SortRule struct {
	Field     string
	Direction SortDirection
	Priority  int
}

// Resolve walks a dot-separated field path on the item's underlying message or
// event. The second return is false when the path does not resolve to a
// non-nil value, which timeline sorting treats as "sorts after present".
func (it TimelineItem) Resolve(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	if parts[0] == "itemType" {
		return string(it.ItemType), true
	}
	var v any
	var ok bool
	switch it.ItemType {
	case ItemTypeMessage:
		if it.Message == nil {
			return nil, false
		}
		v, ok = it.Message.field(parts[0])
	case ItemTypeEvent:
		if it.Event == nil {
			return nil, false
		}
		v, ok = it.Event.field(parts[0])
	default:
		return nil, false
	}
	if !ok {
		return nil, false
	}
	for _, p := range parts[1:] {
		m, isMap := v.(map[string]any)
		if !isMap {
			return nil, false
		}
		v, ok = m[p]
		if !ok || v == nil {
			return nil, false
		}
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

func (m *BaseMessage) field(name string) (any, bool) {
	switch name {
	case "id":
		return m.ID, true
	case "sender":
		return m.Sender, true
	case "content":
		return m.Content, true
	case "createdAt":
		return m.CreatedAt, true
	case "sequence":
		if m.Sequence == nil {
			return nil, false
		}
		return *m.Sequence, true
	case "metadata":
		if m.Metadata == nil {
			return nil, false
		}
		return m.Metadata, true
	}
	return nil, false
}

func (e *SystemEvent) field(name string) (any, bool) {
	switch name {
	case "id":
		return e.ID, true
	case "type":
		return e.Type, true
	case "createdAt":
		return e.CreatedAt, true
	case "sequence":
		if e.Sequence == nil {
			return nil, false
		}
		return *e.Sequence, true
	case "data":
		if e.Data == nil {
			return nil, false
		}
		return e.Data, true
	}
	return nil, false
}
