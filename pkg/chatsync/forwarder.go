package chatsync

import (
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Forwarder republishes every normalized inbound event onto a watermill
// publisher, one topic per session, so applications can consume the stream
// through any pub/sub backend (in-memory gochannel by default) instead of
// transport callbacks. Events without a session id go to the global topic.
type Forwarder struct {
	transport *Transport
	publisher message.Publisher

	mu    sync.Mutex
	unsub func()
}

// TopicForSession is the watermill topic carrying one session's events.
func TopicForSession(sessionID string) string {
	if sessionID == "" {
		return "chat.events.global"
	}
	return "chat.events." + sessionID
}

func NewForwarder(transport *Transport, publisher message.Publisher) (*Forwarder, error) {
	if transport == nil {
		return nil, errors.New("forwarder transport is nil")
	}
	if publisher == nil {
		return nil, errors.New("forwarder publisher is nil")
	}
	return &Forwarder{transport: transport, publisher: publisher}, nil
}

// Start attaches the forwarder as a global transport subscriber.
func (f *Forwarder) Start() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsub != nil {
		return
	}
	f.unsub = f.transport.SubscribeAll(f.forward)
}

// Stop detaches from the transport. The publisher is caller-owned and stays
// open.
func (f *Forwarder) Stop() {
	if f == nil {
		return
	}
	f.mu.Lock()
	unsub := f.unsub
	f.unsub = nil
	f.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (f *Forwarder) forward(ev NormalizedEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("component", "chatsync").Msg("forwarder: marshal event failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", ev.Type)
	msg.Metadata.Set("sessionId", ev.SessionID)
	if err := f.publisher.Publish(TopicForSession(ev.SessionID), msg); err != nil {
		log.Warn().Err(err).Str("component", "chatsync").Str("session_id", ev.SessionID).Msg("forwarder: publish failed")
	}
}
