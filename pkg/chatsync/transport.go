package chatsync

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotConnected is returned by Send when the transport is not in the
	// connected state. Messages are never queued for later delivery.
	ErrNotConnected = errors.New("transport is not connected")
	// ErrConnectionSuperseded is returned when a dial completes after the
	// connection it belonged to was cancelled by Disconnect or a newer Connect.
	ErrConnectionSuperseded = errors.New("connection superseded")
)

// ReconnectConfig controls automatic recovery from unclean closes. The delay
// before attempt n is min(BaseDelay * 2^n, MaxDelay). Exhausting MaxAttempts
// moves the transport to the terminal error status until Connect is called
// again.
type ReconnectConfig struct {
	Enabled     bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// TransportConfig configures a Transport. Zero values select the defaults
// documented on each field.
type TransportConfig struct {
	// URL is the websocket endpoint, e.g. ws://host/ws.
	URL string
	// Token, when set, is passed as an opaque `token` query parameter.
	Token string
	// Reconnect policy; nil enables reconnection with 1s base delay, 30s max
	// delay, and 10 attempts.
	Reconnect *ReconnectConfig
	// HeartbeatInterval between ping frames while connected; default 30s.
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds automatic reconnect dials; default 10s.
	HandshakeTimeout time.Duration
	// Normalizer maps raw inbound frames to canonical events; default
	// DefaultNormalizer.
	Normalizer Normalizer
	// Dialer; default websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Logger; default the global zerolog logger.
	Logger *zerolog.Logger
}

// EventHandler receives a normalized inbound event.
type EventHandler func(NormalizedEvent)

// Transport owns exactly one websocket connection's full lifecycle: dialing,
// reconnection with exponential backoff, heartbeat, and demultiplexing of
// inbound events to per-session and global subscribers.
//
// Every timer and background goroutine carries the epoch it was started
// under; Disconnect and Connect bump the epoch, so a stale reconnect timer or
// read loop can never revive a cancelled connection.
type Transport struct {
	cfg       TransportConfig
	reconnect ReconnectConfig
	logger    zerolog.Logger

	mu             sync.Mutex
	status         ConnectionStatus
	conn           *websocket.Conn
	epoch          uint64
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}

	sessionSubs map[string]map[int]EventHandler
	globalSubs  map[int]EventHandler
	statusSubs  map[int]func(ConnectionStatus)
	nextSub     int

	writeMu sync.Mutex
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport URL is empty")
	}
	reconnect := ReconnectConfig{Enabled: true}
	if cfg.Reconnect != nil {
		reconnect = *cfg.Reconnect
	}
	if reconnect.BaseDelay <= 0 {
		reconnect.BaseDelay = time.Second
	}
	if reconnect.MaxDelay <= 0 {
		reconnect.MaxDelay = 30 * time.Second
	}
	if reconnect.MaxAttempts <= 0 {
		reconnect.MaxAttempts = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = DefaultNormalizer
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Transport{
		cfg:         cfg,
		reconnect:   reconnect,
		logger:      logger.With().Str("component", "chatsync").Str("url", cfg.URL).Logger(),
		status:      StatusDisconnected,
		sessionSubs: map[string]map[int]EventHandler{},
		globalSubs:  map[int]EventHandler{},
		statusSubs:  map[int]func(ConnectionStatus){},
	}, nil
}

// Status returns the current connection status.
func (t *Transport) Status() ConnectionStatus {
	if t == nil {
		return StatusDisconnected
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// OnStatusChange registers a callback invoked on every status transition. The
// returned function removes it.
func (t *Transport) OnStatusChange(cb func(ConnectionStatus)) func() {
	if t == nil || cb == nil {
		return func() {}
	}
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.statusSubs[id] = cb
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.statusSubs, id)
		t.mu.Unlock()
	}
}

// Connect dials the configured URL and blocks until the socket opens or
// errors. It resets the reconnect attempt counter, so it also recovers a
// transport stuck in the terminal error status.
func (t *Transport) Connect(ctx context.Context) error {
	if t == nil {
		return errors.New("transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	if t.status == StatusConnected || t.status == StatusConnecting {
		status := t.status
		t.mu.Unlock()
		return errors.Errorf("connect: transport is already %s", status)
	}
	t.epoch++
	epoch := t.epoch
	t.attempts = 0
	t.cancelReconnectTimerLocked()
	notify := t.setStatusLocked(StatusConnecting)
	t.mu.Unlock()
	notify()

	if err := t.open(ctx, epoch); err != nil {
		t.mu.Lock()
		if epoch == t.epoch {
			notify = t.setStatusLocked(StatusError)
		} else {
			notify = func() {}
		}
		t.mu.Unlock()
		notify()
		return err
	}
	return nil
}

// Disconnect unconditionally moves to disconnected from any state, cancelling
// any pending reconnect timer and stopping the heartbeat.
func (t *Transport) Disconnect() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.epoch++
	t.cancelReconnectTimerLocked()
	t.stopHeartbeatLocked()
	conn := t.conn
	t.conn = nil
	t.attempts = 0
	notify := t.setStatusLocked(StatusDisconnected)
	t.mu.Unlock()
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	notify()
}

// Send serializes one outbound message frame. It fails immediately with
// ErrNotConnected when the transport is not connected; it never queues.
func (t *Transport) Send(msg OutgoingMessage) error {
	if t == nil {
		return errors.New("transport is nil")
	}
	t.mu.Lock()
	conn := t.conn
	connected := t.status == StatusConnected
	t.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	frame := map[string]any{
		"type":        "message",
		"sessionId":   msg.SessionID,
		"content":     msg.Content,
		"messageType": msg.Type,
	}
	if len(msg.Attachments) > 0 {
		frame["attachments"] = msg.Attachments
	}
	if len(msg.Metadata) > 0 {
		frame["metadata"] = msg.Metadata
	}
	return errors.Wrap(t.writeJSON(conn, frame), "send message")
}

func (t *Transport) connectURL() string {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return t.cfg.URL
	}
	if t.cfg.Token != "" {
		q := u.Query()
		q.Set("token", t.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// open dials and, when the epoch is still current, installs the connection:
// status connected, attempt counter reset, heartbeat started, subscriptions
// re-announced, read loop spawned.
func (t *Transport) open(ctx context.Context, epoch uint64) error {
	conn, resp, err := t.cfg.Dialer.DialContext(ctx, t.connectURL(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return errors.Wrap(err, "websocket dial")
	}

	t.mu.Lock()
	if epoch != t.epoch {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrConnectionSuperseded
	}
	t.conn = conn
	t.attempts = 0
	notify := t.setStatusLocked(StatusConnected)
	t.startHeartbeatLocked(conn)
	frames := t.subscriptionFramesLocked()
	t.mu.Unlock()

	notify()
	for _, frame := range frames {
		if err := t.writeJSON(conn, frame); err != nil {
			t.logger.Warn().Err(err).Msg("re-announcing subscription failed")
		}
	}
	go t.readLoop(epoch, conn)
	t.logger.Info().Msg("websocket connected")
	return nil
}

func (t *Transport) readLoop(epoch uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(epoch, err)
			return
		}
		t.handleFrame(data)
	}
}

// handleFrame parses one inbound frame, swallows heartbeat pongs before
// normalization, and routes the normalized event. A malformed frame is logged
// and dropped; it must never crash the stream or reach subscribers.
func (t *Transport) handleFrame(data []byte) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.logger.Debug().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		return
	}
	if obj, ok := raw.(map[string]any); ok {
		if typ, _ := obj["type"].(string); typ == "pong" {
			return
		}
	}
	ev := t.cfg.Normalizer(raw)
	if ev == nil {
		t.logger.Debug().Msg("dropping unnormalizable frame")
		return
	}
	t.dispatch(*ev)
}

// handleClose runs when the read loop ends. An explicit Disconnect bumps the
// epoch first, so reaching here with a current epoch means the server closed
// the socket or the connection failed.
func (t *Transport) handleClose(epoch uint64, err error) {
	t.mu.Lock()
	if epoch != t.epoch {
		t.mu.Unlock()
		return
	}
	t.stopHeartbeatLocked()
	t.conn = nil

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		notify := t.setStatusLocked(StatusDisconnected)
		t.mu.Unlock()
		t.logger.Info().Msg("websocket closed cleanly")
		notify()
		return
	}

	t.logger.Warn().Err(err).Msg("websocket closed uncleanly")
	if !t.reconnect.Enabled {
		notify := t.setStatusLocked(StatusDisconnected)
		t.mu.Unlock()
		notify()
		return
	}
	t.scheduleReconnectLocked(epoch)
}

// scheduleReconnectLocked is entered with the mutex held and releases it.
// The delay uses the attempt count before increment; exceeding MaxAttempts
// moves to the terminal error status with no further retries.
func (t *Transport) scheduleReconnectLocked(epoch uint64) {
	if t.attempts >= t.reconnect.MaxAttempts {
		notify := t.setStatusLocked(StatusError)
		t.mu.Unlock()
		t.logger.Error().Int("attempts", t.reconnect.MaxAttempts).Msg("reconnect attempts exhausted")
		notify()
		return
	}
	delay := backoffDelay(t.reconnect.BaseDelay, t.reconnect.MaxDelay, t.attempts)
	t.attempts++
	attempt := t.attempts
	notify := t.setStatusLocked(StatusReconnecting)
	t.reconnectTimer = time.AfterFunc(delay, func() { t.retry(epoch) })
	t.mu.Unlock()
	t.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
	notify()
}

func (t *Transport) retry(epoch uint64) {
	t.mu.Lock()
	if epoch != t.epoch || t.status != StatusReconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnectTimer = nil
	notify := t.setStatusLocked(StatusConnecting)
	t.mu.Unlock()
	notify()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
	defer cancel()
	if err := t.open(ctx, epoch); err != nil {
		t.logger.Warn().Err(err).Msg("reconnect attempt failed")
		t.mu.Lock()
		if epoch != t.epoch {
			t.mu.Unlock()
			return
		}
		t.scheduleReconnectLocked(epoch)
	}
}

func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (t *Transport) cancelReconnectTimerLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}

func (t *Transport) startHeartbeatLocked(conn *websocket.Conn) {
	t.stopHeartbeatLocked()
	stop := make(chan struct{})
	t.heartbeatStop = stop
	interval := t.cfg.HeartbeatInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := t.writeJSON(conn, map[string]any{"type": "ping"}); err != nil {
					t.logger.Debug().Err(err).Msg("heartbeat ping failed")
					return
				}
			}
		}
	}()
}

func (t *Transport) stopHeartbeatLocked() {
	if t.heartbeatStop != nil {
		close(t.heartbeatStop)
		t.heartbeatStop = nil
	}
}

// setStatusLocked updates the status and returns the notification closure to
// run after the mutex is released, so callbacks can call back into the
// transport.
func (t *Transport) setStatusLocked(s ConnectionStatus) func() {
	if t.status == s {
		return func() {}
	}
	t.status = s
	subs := make([]func(ConnectionStatus), 0, len(t.statusSubs))
	for _, cb := range t.statusSubs {
		subs = append(subs, cb)
	}
	return func() {
		for _, cb := range subs {
			cb(s)
		}
	}
}

func (t *Transport) writeJSON(conn *websocket.Conn, v any) error {
	if conn == nil {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(v)
}
