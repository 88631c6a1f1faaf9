package chatsync

// Subscriber fan-out for the transport: two independent registries, one keyed
// by session and one global. Every inbound event is delivered to both the
// callbacks registered for its session and all global callbacks.
//
// The first callback added for a session announces it to the server with a
// subscribe control frame; removing the last one sends unsubscribe. The
// global registry behaves symmetrically with {"all": true} frames.

// Subscribe registers a callback for one session's events. The returned
// function removes it.
func (t *Transport) Subscribe(sessionID string, handler EventHandler) func() {
	if t == nil || sessionID == "" || handler == nil {
		return func() {}
	}
	t.mu.Lock()
	set := t.sessionSubs[sessionID]
	first := len(set) == 0
	if set == nil {
		set = map[int]EventHandler{}
		t.sessionSubs[sessionID] = set
	}
	id := t.nextSub
	t.nextSub++
	set[id] = handler
	conn := t.conn
	connected := t.status == StatusConnected
	t.mu.Unlock()

	if first && connected {
		if err := t.writeJSON(conn, subscribeFrame(sessionID, true)); err != nil {
			t.logger.Warn().Err(err).Str("session_id", sessionID).Msg("subscribe control frame failed")
		}
	}
	return func() { t.removeSessionHandler(sessionID, id) }
}

// SubscribeAll registers a callback receiving every event regardless of
// session. The returned function removes it.
func (t *Transport) SubscribeAll(handler EventHandler) func() {
	if t == nil || handler == nil {
		return func() {}
	}
	t.mu.Lock()
	first := len(t.globalSubs) == 0
	id := t.nextSub
	t.nextSub++
	t.globalSubs[id] = handler
	conn := t.conn
	connected := t.status == StatusConnected
	t.mu.Unlock()

	if first && connected {
		if err := t.writeJSON(conn, globalFrame(true)); err != nil {
			t.logger.Warn().Err(err).Msg("global subscribe control frame failed")
		}
	}
	return func() { t.removeGlobalHandler(id) }
}

func (t *Transport) removeSessionHandler(sessionID string, id int) {
	t.mu.Lock()
	set := t.sessionSubs[sessionID]
	if set == nil {
		t.mu.Unlock()
		return
	}
	if _, ok := set[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(t.sessionSubs, sessionID)
	}
	conn := t.conn
	connected := t.status == StatusConnected
	t.mu.Unlock()

	if last && connected {
		if err := t.writeJSON(conn, subscribeFrame(sessionID, false)); err != nil {
			t.logger.Warn().Err(err).Str("session_id", sessionID).Msg("unsubscribe control frame failed")
		}
	}
}

func (t *Transport) removeGlobalHandler(id int) {
	t.mu.Lock()
	if _, ok := t.globalSubs[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.globalSubs, id)
	last := len(t.globalSubs) == 0
	conn := t.conn
	connected := t.status == StatusConnected
	t.mu.Unlock()

	if last && connected {
		if err := t.writeJSON(conn, globalFrame(false)); err != nil {
			t.logger.Warn().Err(err).Msg("global unsubscribe control frame failed")
		}
	}
}

// dispatch delivers one normalized event to a snapshot of the session and
// global registries, so a handler that unsubscribes mid-notification neither
// skips nor duplicates another handler.
func (t *Transport) dispatch(ev NormalizedEvent) {
	t.mu.Lock()
	var handlers []EventHandler
	if ev.SessionID != "" {
		if set := t.sessionSubs[ev.SessionID]; set != nil {
			for _, h := range set {
				handlers = append(handlers, h)
			}
		}
	}
	for _, h := range t.globalSubs {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// subscriptionFramesLocked returns the control frames re-announcing every
// active subscription, sent after each successful open.
func (t *Transport) subscriptionFramesLocked() []map[string]any {
	var frames []map[string]any
	for sessionID, set := range t.sessionSubs {
		if len(set) > 0 {
			frames = append(frames, subscribeFrame(sessionID, true))
		}
	}
	if len(t.globalSubs) > 0 {
		frames = append(frames, globalFrame(true))
	}
	return frames
}

func subscribeFrame(sessionID string, subscribe bool) map[string]any {
	typ := "unsubscribe"
	if subscribe {
		typ = "subscribe"
	}
	return map[string]any{"type": typ, "sessionId": sessionID}
}

func globalFrame(subscribe bool) map[string]any {
	typ := "unsubscribe"
	if subscribe {
		typ = "subscribe"
	}
	return map[string]any{"type": typ, "all": true}
}
