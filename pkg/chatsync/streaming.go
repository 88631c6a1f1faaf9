package chatsync

import (
	"sync"
)

// StreamingState is a snapshot of in-flight streamed message production.
// Exactly one streaming session is tracked at a time.
type StreamingState struct {
	IsStreaming    bool
	PartialContent []ContentBlock
	SessionID      string
}

// StreamingTracker tracks whether a message is currently being incrementally
// produced and its partial content. A partial-content notification for a
// different session silently supersedes the previous session's state; a stale
// completion for a superseded session is a no-op.
type StreamingTracker struct {
	mu        sync.Mutex
	state     StreamingState
	listeners map[int]func(StreamingState)
	nextSub   int
}

func NewStreamingTracker() *StreamingTracker {
	return &StreamingTracker{
		listeners: map[int]func(StreamingState){},
	}
}

// GetState returns the current streaming snapshot.
func (t *StreamingTracker) GetState() StreamingState {
	if t == nil {
		return StreamingState{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cloneLocked()
}

// OnPartialContent records partial content for a session, unconditionally
// overwriting whatever was tracked before.
func (t *StreamingTracker) OnPartialContent(sessionID string, content []ContentBlock) {
	if t == nil {
		return
	}
	t.mu.Lock()
	next := StreamingState{
		IsStreaming:    true,
		PartialContent: append([]ContentBlock(nil), content...),
		SessionID:      sessionID,
	}
	t.setLocked(next)
}

// OnComplete clears the streaming state, but only when the given session
// matches the tracked one or nothing is tracked.
func (t *StreamingTracker) OnComplete(sessionID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.state.SessionID != "" && t.state.SessionID != sessionID {
		t.mu.Unlock()
		return
	}
	t.setLocked(StreamingState{})
}

// Reset unconditionally returns to the initial state.
func (t *StreamingTracker) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.setLocked(StreamingState{})
}

// Subscribe registers a listener notified only on real state changes. The
// returned function removes the listener.
func (t *StreamingTracker) Subscribe(listener func(StreamingState)) func() {
	if t == nil || listener == nil {
		return func() {}
	}
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.listeners[id] = listener
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// setLocked stores the new state and notifies listeners outside the lock, but
// only when a snapshot comparison detects an actual change. This suppresses
// redundant re-renders for identical consecutive partials.
func (t *StreamingTracker) setLocked(next StreamingState) {
	if streamingEqual(t.state, next) {
		t.mu.Unlock()
		return
	}
	t.state = next
	snapshot := t.cloneLocked()
	listeners := make([]func(StreamingState), 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()
	for _, l := range listeners {
		l(snapshot)
	}
}

func (t *StreamingTracker) cloneLocked() StreamingState {
	out := t.state
	out.PartialContent = append([]ContentBlock(nil), t.state.PartialContent...)
	return out
}

// streamingEqual compares isStreaming, sessionId, and block-by-block
// {type, content} equality over partial content.
func streamingEqual(a, b StreamingState) bool {
	if a.IsStreaming != b.IsStreaming || a.SessionID != b.SessionID {
		return false
	}
	if len(a.PartialContent) != len(b.PartialContent) {
		return false
	}
	for i := range a.PartialContent {
		if a.PartialContent[i].Type != b.PartialContent[i].Type ||
			a.PartialContent[i].Content != b.PartialContent[i].Content {
			return false
		}
	}
	return true
}
