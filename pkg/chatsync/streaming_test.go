package chatsync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func blocks(texts ...string) []ContentBlock {
	out := make([]ContentBlock, 0, len(texts))
	for _, txt := range texts {
		out = append(out, ContentBlock{Type: "text", Content: txt})
	}
	return out
}

func TestStreamingTrackerPartialThenComplete(t *testing.T) {
	tr := NewStreamingTracker()

	tr.OnPartialContent("s1", blocks("hel"))
	st := tr.GetState()
	require.True(t, st.IsStreaming)
	require.Equal(t, "s1", st.SessionID)
	require.Equal(t, blocks("hel"), st.PartialContent)

	tr.OnComplete("s1")
	st = tr.GetState()
	require.False(t, st.IsStreaming)
	require.Empty(t, st.SessionID)
	require.Nil(t, st.PartialContent)
}

func TestStreamingTrackerStaleCompleteIsNoOp(t *testing.T) {
	tr := NewStreamingTracker()

	tr.OnPartialContent("s1", blocks("hello"))

	// Completion for a session that is not tracked leaves state unchanged.
	tr.OnComplete("s2")
	st := tr.GetState()
	require.True(t, st.IsStreaming)
	require.Equal(t, "s1", st.SessionID)

	tr.OnComplete("s1")
	require.False(t, tr.GetState().IsStreaming)
}

func TestStreamingTrackerNewSessionSupersedes(t *testing.T) {
	tr := NewStreamingTracker()

	tr.OnPartialContent("s1", blocks("one"))
	tr.OnPartialContent("s2", blocks("two"))

	st := tr.GetState()
	require.Equal(t, "s2", st.SessionID)
	require.Equal(t, blocks("two"), st.PartialContent)

	// The superseded session's completion must not clear s2.
	tr.OnComplete("s1")
	require.True(t, tr.GetState().IsStreaming)
}

func TestStreamingTrackerNotifiesOnlyOnRealChange(t *testing.T) {
	tr := NewStreamingTracker()

	notifications := 0
	tr.Subscribe(func(StreamingState) { notifications++ })

	tr.OnPartialContent("s1", blocks("a"))
	require.Equal(t, 1, notifications)

	// Identical snapshot: suppressed.
	tr.OnPartialContent("s1", blocks("a"))
	require.Equal(t, 1, notifications)

	tr.OnPartialContent("s1", blocks("a", "b"))
	require.Equal(t, 2, notifications)

	tr.OnComplete("s1")
	require.Equal(t, 3, notifications)

	// Already at the initial state: reset changes nothing.
	tr.Reset()
	require.Equal(t, 3, notifications)
}

func TestStreamingTrackerUnsubscribe(t *testing.T) {
	tr := NewStreamingTracker()

	notifications := 0
	unsub := tr.Subscribe(func(StreamingState) { notifications++ })

	tr.OnPartialContent("s1", blocks("a"))
	unsub()
	tr.OnPartialContent("s1", blocks("a", "b"))

	require.Equal(t, 1, notifications)
}
