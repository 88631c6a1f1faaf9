package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func msg(id string, content string) BaseMessage {
	return BaseMessage{ID: id, Sender: "user", Content: content, CreatedAt: time.Now()}
}

func TestMessageStoreAddManyLastWriteWins(t *testing.T) {
	store := NewMessageStore()

	notifications := 0
	store.Subscribe(func([]BaseMessage) { notifications++ })

	store.AddMany([]BaseMessage{
		msg("a", "first"),
		msg("b", "second"),
		msg("a", "third"),
	})

	require.Equal(t, 1, notifications)

	all := store.Get()
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].ID)
	require.Equal(t, "third", all[0].Content)
	require.Equal(t, "b", all[1].ID)
}

func TestMessageStoreInsertionOrderSurvivesOverwrite(t *testing.T) {
	store := NewMessageStore()
	store.Add(msg("a", "1"))
	store.Add(msg("b", "2"))
	store.Add(msg("c", "3"))

	// Overwriting keeps the first-seen position.
	store.Add(msg("a", "updated"))

	all := store.Get()
	require.Equal(t, []string{"a", "b", "c"}, []string{all[0].ID, all[1].ID, all[2].ID})
	require.Equal(t, "updated", all[0].Content)
}

func TestMessageStoreUpdateAbsentIsNoOp(t *testing.T) {
	store := NewMessageStore()

	notifications := 0
	store.Subscribe(func([]BaseMessage) { notifications++ })

	store.Update("missing", func(m *BaseMessage) { m.Content = "nope" })
	require.Equal(t, 0, notifications)
	require.Equal(t, 0, store.Count())

	store.Add(msg("a", "1"))
	store.Update("a", func(m *BaseMessage) { m.Content = "patched" })

	got, ok := store.GetByID("a")
	require.True(t, ok)
	require.Equal(t, "patched", got.Content)
	require.Equal(t, 2, notifications)
}

func TestMessageStoreRemoveAndClear(t *testing.T) {
	store := NewMessageStore()
	store.AddMany([]BaseMessage{msg("a", "1"), msg("b", "2"), msg("c", "3")})

	store.Remove("b")
	all := store.Get()
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].ID)
	require.Equal(t, "c", all[1].ID)

	_, ok := store.GetByID("b")
	require.False(t, ok)

	store.Clear()
	require.Empty(t, store.Get())
}

func TestMessageStoreSnapshotDelivery(t *testing.T) {
	store := NewMessageStore()

	var lastSnapshot []BaseMessage
	store.Subscribe(func(msgs []BaseMessage) { lastSnapshot = msgs })

	store.Add(msg("a", "1"))
	require.Len(t, lastSnapshot, 1)

	store.Add(msg("b", "2"))
	require.Len(t, lastSnapshot, 2)
}

// A listener unsubscribing during notification must not skip or duplicate
// other listeners.
func TestMessageStoreReentrantUnsubscribe(t *testing.T) {
	store := NewMessageStore()

	var calls []string
	var unsubA func()
	unsubA = store.Subscribe(func([]BaseMessage) {
		calls = append(calls, "a")
		unsubA()
	})
	store.Subscribe(func([]BaseMessage) { calls = append(calls, "b") })

	store.Add(msg("m1", "x"))
	require.Len(t, calls, 2)
	require.Contains(t, calls, "a")
	require.Contains(t, calls, "b")

	calls = nil
	store.Add(msg("m2", "y"))
	require.Equal(t, []string{"b"}, calls)
}
