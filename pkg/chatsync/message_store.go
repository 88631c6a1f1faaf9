package chatsync

import (
	"sync"
)

// MessageStore is a keyed, observable collection of messages. Identity is the
// message ID; Add and AddMany overwrite an existing entry with the same ID
// (last write wins, no field merge) without changing its position. Get returns
// messages in insertion order of first-seen ID.
//
// Every mutating call triggers exactly one notification to all subscribed
// listeners with a full snapshot; AddMany batches into a single notification.
type MessageStore struct {
	mu        sync.Mutex
	byID      map[string]*BaseMessage
	order     []string
	listeners map[int]func([]BaseMessage)
	nextSub   int
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:      map[string]*BaseMessage{},
		listeners: map[int]func([]BaseMessage){},
	}
}

// Get returns a snapshot of all messages in first-seen insertion order.
func (s *MessageStore) Get() []BaseMessage {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// GetByID returns the message with the given ID, if present.
func (s *MessageStore) GetByID(id string) (BaseMessage, bool) {
	if s == nil {
		return BaseMessage{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok || msg == nil {
		return BaseMessage{}, false
	}
	return *msg, true
}

// Count returns the number of stored messages.
func (s *MessageStore) Count() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *MessageStore) Add(msg BaseMessage) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.upsertLocked(msg)
	s.notifyLocked()
}

func (s *MessageStore) AddMany(msgs []BaseMessage) {
	if s == nil {
		return
	}
	s.mu.Lock()
	for _, msg := range msgs {
		s.upsertLocked(msg)
	}
	s.notifyLocked()
}

// Update applies a partial mutation to the message with the given ID. It is a
// no-op when the ID is absent; it never creates a message.
func (s *MessageStore) Update(id string, apply func(*BaseMessage)) {
	if s == nil || apply == nil {
		return
	}
	s.mu.Lock()
	msg, ok := s.byID[id]
	if !ok || msg == nil {
		s.mu.Unlock()
		return
	}
	apply(msg)
	msg.ID = id
	s.notifyLocked()
}

func (s *MessageStore) Remove(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.byID[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.notifyLocked()
}

func (s *MessageStore) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.byID = map[string]*BaseMessage{}
	s.order = nil
	s.notifyLocked()
}

// Subscribe registers a listener receiving a full snapshot after every
// mutation. The returned function removes the listener; removal during a
// notification is safe.
func (s *MessageStore) Subscribe(listener func([]BaseMessage)) func() {
	if s == nil || listener == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = listener
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *MessageStore) upsertLocked(msg BaseMessage) {
	m := msg
	if _, exists := s.byID[m.ID]; !exists {
		s.order = append(s.order, m.ID)
	}
	s.byID[m.ID] = &m
}

func (s *MessageStore) snapshotLocked() []BaseMessage {
	out := make([]BaseMessage, 0, len(s.order))
	for _, id := range s.order {
		if msg := s.byID[id]; msg != nil {
			out = append(out, *msg)
		}
	}
	return out
}

// notifyLocked snapshots both messages and listeners, then releases the lock
// before calling out, so a listener may unsubscribe or mutate re-entrantly.
func (s *MessageStore) notifyLocked() {
	snapshot := s.snapshotLocked()
	listeners := make([]func([]BaseMessage), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(snapshot)
	}
}
