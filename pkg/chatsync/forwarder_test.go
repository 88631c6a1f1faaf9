package chatsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"
)

func TestForwarderPublishesPerSessionTopics(t *testing.T) {
	s := newWSServer(t)
	tr := newTestTransport(t, s, TransportConfig{})

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer func() { require.NoError(t, pubSub.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := pubSub.Subscribe(ctx, TopicForSession("s1"))
	require.NoError(t, err)

	fw, err := NewForwarder(tr, pubSub)
	require.NoError(t, err)
	fw.Start()
	defer fw.Stop()

	require.NoError(t, tr.Connect(context.Background()))
	s.expectFrame(t, "subscribe") // forwarder's global subscription

	s.send(t, map[string]any{
		"type": "message", "sessionId": "s1",
		"payload": map[string]any{"id": "m1", "content": "hello"},
	})

	select {
	case msg := <-msgs:
		msg.Ack()
		require.Equal(t, "message", msg.Metadata.Get("type"))
		require.Equal(t, "s1", msg.Metadata.Get("sessionId"))

		var ev NormalizedEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		require.Equal(t, "s1", ev.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message forwarded")
	}
}

func TestForwarderStopDetaches(t *testing.T) {
	s := newWSServer(t)
	tr := newTestTransport(t, s, TransportConfig{})

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer func() { require.NoError(t, pubSub.Close()) }()

	fw, err := NewForwarder(tr, pubSub)
	require.NoError(t, err)
	fw.Start()
	require.NoError(t, tr.Connect(context.Background()))
	s.expectFrame(t, "subscribe")

	fw.Stop()
	// The last global subscriber detaching announces it to the server.
	s.expectFrame(t, "unsubscribe")
}

func TestTopicForSession(t *testing.T) {
	require.Equal(t, "chat.events.s1", TopicForSession("s1"))
	require.Equal(t, "chat.events.global", TopicForSession(""))
}
