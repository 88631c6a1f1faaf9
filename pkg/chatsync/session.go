package chatsync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session binds one session's transport subscription to a message store and a
// streaming tracker, routing canonical events into store mutations and
// streaming transitions:
//
//	message                      -> store add
//	message_update               -> store update (no-op when absent)
//	message_removed              -> store remove
//	stream_start / stream_chunk  -> partial content
//	stream_end                   -> completion, plus a final message when the
//	                                payload carries one
//	anything else                -> recorded as a system event
type Session struct {
	id        string
	transport *Transport
	store     *MessageStore
	streaming *StreamingTracker
	logger    zerolog.Logger

	mu     sync.Mutex
	events []SystemEvent
	unsub  func()
}

func NewSession(transport *Transport, sessionID string) (*Session, error) {
	if transport == nil {
		return nil, errors.New("session transport is nil")
	}
	if sessionID == "" {
		return nil, errors.New("session id is empty")
	}
	return &Session{
		id:        sessionID,
		transport: transport,
		store:     NewMessageStore(),
		streaming: NewStreamingTracker(),
		logger:    log.With().Str("component", "chatsync").Str("session_id", sessionID).Logger(),
	}, nil
}

// Start subscribes the session to its transport events.
func (s *Session) Start() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		return
	}
	s.unsub = s.transport.Subscribe(s.id, s.handleEvent)
}

// Stop unsubscribes and resets in-flight streaming state. Stored messages
// survive until Clear.
func (s *Session) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	s.streaming.Reset()
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) Messages() *MessageStore      { return s.store }
func (s *Session) Streaming() *StreamingTracker { return s.streaming }

// Events returns a snapshot of accumulated system events.
func (s *Session) Events() []SystemEvent {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SystemEvent(nil), s.events...)
}

// Timeline builds the session's current presentation order from stored
// messages, system events, and any in-flight partial content.
func (s *Session) Timeline() []TimelineItem {
	if s == nil {
		return nil
	}
	state := s.streaming.GetState()
	return BuildTimeline(BuildInput{
		Messages:  s.store.Get(),
		Events:    s.Events(),
		Streaming: &state,
	})
}

// SendText sends a plain text message and optimistically stores a local copy.
// The local copy is removed again when the transport rejects the send.
func (s *Session) SendText(content string) (BaseMessage, error) {
	if s == nil {
		return BaseMessage{}, errors.New("session is nil")
	}
	msg := BaseMessage{
		ID:        uuid.NewString(),
		Sender:    "user",
		Content:   content,
		CreatedAt: time.Now(),
		Metadata:  map[string]any{"local": true},
	}
	s.store.Add(msg)
	err := s.transport.Send(OutgoingMessage{
		SessionID: s.id,
		Type:      "text",
		Content:   content,
	})
	if err != nil {
		s.store.Remove(msg.ID)
		return BaseMessage{}, errors.Wrap(err, "send text")
	}
	return msg, nil
}

func (s *Session) handleEvent(ev NormalizedEvent) {
	switch ev.Type {
	case "message":
		msg, ok := messageFromEvent(ev)
		if !ok {
			s.logger.Debug().Msg("message event without usable payload")
			return
		}
		s.store.Add(msg)
	case "message_update":
		patch, ok := ev.Payload.(map[string]any)
		if !ok {
			return
		}
		id, _ := stringField(patch, "id")
		if id == "" {
			return
		}
		s.store.Update(id, func(msg *BaseMessage) { applyMessagePatch(msg, patch) })
	case "message_removed":
		obj, ok := ev.Payload.(map[string]any)
		if !ok {
			return
		}
		if id, _ := stringField(obj, "id"); id != "" {
			s.store.Remove(id)
		}
	case "stream_start", "stream_chunk":
		s.streaming.OnPartialContent(s.id, blocksFromPayload(ev.Payload))
	case "stream_end":
		s.streaming.OnComplete(s.id)
		if msg, ok := messageFromEvent(ev); ok {
			s.store.Add(msg)
		}
	default:
		s.recordSystemEvent(ev)
	}
}

func (s *Session) recordSystemEvent(ev NormalizedEvent) {
	sysEv := SystemEvent{
		ID:        "evt-" + uuid.NewString(),
		Type:      ev.Type,
		CreatedAt: ev.Timestamp,
		Sequence:  ev.Sequence,
	}
	if obj, ok := ev.Payload.(map[string]any); ok {
		sysEv.Data = obj
		if id, _ := stringField(obj, "id"); id != "" {
			sysEv.ID = id
		}
	}
	s.mu.Lock()
	s.events = append(s.events, sysEv)
	s.mu.Unlock()
}

// messageFromEvent decodes a stored message out of an event payload. The
// payload's own id, sender, content, and blocks win; timestamp and sequence
// fall back to the normalized event's.
func messageFromEvent(ev NormalizedEvent) (BaseMessage, bool) {
	obj, ok := ev.Payload.(map[string]any)
	if !ok {
		return BaseMessage{}, false
	}
	if inner, ok := obj["message"].(map[string]any); ok {
		obj = inner
	}
	msg := BaseMessage{
		CreatedAt: ev.Timestamp,
		Sequence:  ev.Sequence,
	}
	msg.ID, _ = stringField(obj, "id")
	if msg.ID == "" {
		return BaseMessage{}, false
	}
	if sender, ok := stringField(obj, "sender"); ok {
		msg.Sender = sender
	} else if role, ok := stringField(obj, "role"); ok {
		msg.Sender = role
	}
	msg.Content, _ = stringField(obj, "content")
	msg.Blocks = blocksFromPayload(obj["blocks"])
	if ts, ok := timeField(obj, "createdAt"); ok {
		msg.CreatedAt = ts
	}
	if seq, ok := numberField(obj, "sequence"); ok {
		n := int64(seq)
		msg.Sequence = &n
	}
	if md, ok := obj["metadata"].(map[string]any); ok {
		msg.Metadata = md
	}
	return msg, true
}

func applyMessagePatch(msg *BaseMessage, patch map[string]any) {
	if content, ok := stringField(patch, "content"); ok {
		msg.Content = content
	}
	if sender, ok := stringField(patch, "sender"); ok {
		msg.Sender = sender
	}
	if blocks := blocksFromPayload(patch["blocks"]); blocks != nil {
		msg.Blocks = blocks
	}
	if md, ok := patch["metadata"].(map[string]any); ok {
		msg.Metadata = md
	}
}

// blocksFromPayload decodes content blocks from either a bare block list or a
// payload object carrying one under "blocks" or "content".
func blocksFromPayload(v any) []ContentBlock {
	if v == nil {
		return nil
	}
	if obj, ok := v.(map[string]any); ok {
		if inner, ok := obj["blocks"]; ok {
			return blocksFromPayload(inner)
		}
		if inner, ok := obj["content"].([]any); ok {
			return blocksFromPayload(inner)
		}
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}
