// Package chatsync is a chat-session synchronization core. It keeps a live
// websocket connection to a message-event backend, normalizes heterogeneous
// wire events into a canonical shape, stores messages in an observable
// collection, tracks in-progress streamed message content, and merges it all
// into an ordered, deduplicated timeline.
//
// Composition:
//   - Transport owns one connection: reconnect policy, heartbeat, and fan-out
//     of normalized events to per-session and global subscribers.
//   - MessageStore and StreamingTracker hold the mutable session state.
//   - BuildTimeline derives the presentation order on demand; it is pure and
//     re-invoked on every relevant change rather than patched incrementally.
//   - Session wires the above together for one session id.
//   - Forwarder optionally republishes events onto a watermill publisher.
package chatsync
