package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startedSession(t *testing.T, s *wsServer) (*Session, *Transport) {
	t.Helper()
	tr := newTestTransport(t, s, TransportConfig{})
	require.NoError(t, tr.Connect(context.Background()))
	sess, err := NewSession(tr, "s1")
	require.NoError(t, err)
	sess.Start()
	t.Cleanup(sess.Stop)
	s.expectFrame(t, "subscribe")
	return sess, tr
}

func TestSessionStoresInboundMessages(t *testing.T) {
	s := newWSServer(t)
	sess, _ := startedSession(t, s)

	s.send(t, map[string]any{
		"type":      "message",
		"sessionId": "s1",
		"payload": map[string]any{
			"id":       "m1",
			"sender":   "assistant",
			"content":  "hello",
			"sequence": 1.0,
		},
	})

	require.Eventually(t, func() bool {
		return sess.Messages().Count() == 1
	}, time.Second, 5*time.Millisecond)

	got, ok := sess.Messages().GetByID("m1")
	require.True(t, ok)
	require.Equal(t, "assistant", got.Sender)
	require.Equal(t, "hello", got.Content)
	require.NotNil(t, got.Sequence)
	require.Equal(t, int64(1), *got.Sequence)
}

func TestSessionUpdateAndRemove(t *testing.T) {
	s := newWSServer(t)
	sess, _ := startedSession(t, s)

	s.send(t, map[string]any{
		"type": "message", "sessionId": "s1",
		"payload": map[string]any{"id": "m1", "content": "original"},
	})
	require.Eventually(t, func() bool { return sess.Messages().Count() == 1 }, time.Second, 5*time.Millisecond)

	s.send(t, map[string]any{
		"type": "message_update", "sessionId": "s1",
		"payload": map[string]any{"id": "m1", "content": "edited"},
	})
	require.Eventually(t, func() bool {
		got, ok := sess.Messages().GetByID("m1")
		return ok && got.Content == "edited"
	}, time.Second, 5*time.Millisecond)

	s.send(t, map[string]any{
		"type": "message_removed", "sessionId": "s1",
		"payload": map[string]any{"id": "m1"},
	})
	require.Eventually(t, func() bool { return sess.Messages().Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSessionStreamingLifecycle(t *testing.T) {
	s := newWSServer(t)
	sess, _ := startedSession(t, s)

	s.send(t, map[string]any{
		"type": "stream_chunk", "sessionId": "s1",
		"payload": map[string]any{
			"blocks": []any{map[string]any{"type": "text", "content": "par"}},
		},
	})
	require.Eventually(t, func() bool {
		return sess.Streaming().GetState().IsStreaming
	}, time.Second, 5*time.Millisecond)

	// In-flight partials show up at the timeline tail.
	timeline := sess.Timeline()
	require.Len(t, timeline, 1)
	require.Equal(t, "streaming-s1", timeline[0].Message.ID)

	s.send(t, map[string]any{
		"type": "stream_end", "sessionId": "s1",
		"payload": map[string]any{
			"message": map[string]any{"id": "m1", "sender": "assistant", "content": "partial done"},
		},
	})
	require.Eventually(t, func() bool {
		return !sess.Streaming().GetState().IsStreaming && sess.Messages().Count() == 1
	}, time.Second, 5*time.Millisecond)

	timeline = sess.Timeline()
	require.Len(t, timeline, 1)
	require.Equal(t, "m1", timeline[0].Message.ID)
}

func TestSessionRecordsSystemEvents(t *testing.T) {
	s := newWSServer(t)
	sess, _ := startedSession(t, s)

	s.send(t, map[string]any{
		"type": "user_joined", "sessionId": "s1",
		"payload": map[string]any{"id": "e1", "user": "alice"},
	})

	require.Eventually(t, func() bool {
		return len(sess.Events()) == 1
	}, time.Second, 5*time.Millisecond)

	ev := sess.Events()[0]
	require.Equal(t, "user_joined", ev.Type)
	require.Equal(t, "e1", ev.ID)
	require.Equal(t, "alice", ev.Data["user"])

	timeline := sess.Timeline()
	require.Len(t, timeline, 1)
	require.Equal(t, ItemTypeEvent, timeline[0].ItemType)
}

func TestSessionSendTextOptimistic(t *testing.T) {
	s := newWSServer(t)
	sess, _ := startedSession(t, s)

	sent, err := sess.SendText("hi there")
	require.NoError(t, err)
	require.Equal(t, 1, sess.Messages().Count())

	got, ok := sess.Messages().GetByID(sent.ID)
	require.True(t, ok)
	require.Equal(t, "hi there", got.Content)

	frame := s.expectFrame(t, "message")
	require.Equal(t, "hi there", frame["content"])
}

func TestSessionSendTextRollsBackWhenDisconnected(t *testing.T) {
	s := newWSServer(t)
	sess, tr := startedSession(t, s)

	tr.Disconnect()
	_, err := sess.SendText("lost")
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 0, sess.Messages().Count())
}
