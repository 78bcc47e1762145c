package realtime

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/telemetry"
)

const (
	defaultBackoffInitial   = 500 * time.Millisecond
	defaultBackoffMax       = 5 * time.Second
	defaultKeepAlive        = 30 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 20 * time.Second
	defaultEventBuffer      = 256
)

// Client emissions.
const (
	emitJoinRoom     = "join_room"
	emitPlayerReady  = "player_ready"
	emitStartGame    = "start_game"
	emitSendMessage  = "send_message"
	emitTypingStart  = "typing_start"
	emitTypingStop   = "typing_stop"
	emitSubmitAnswer = "submit_answer"
	emitGetGameState = "get_game_state"
	emitPing         = "ping"
)

// ErrNotConnected is returned by emissions while the connection is down.
var ErrNotConnected = errors.New(errors.CodeUnavailable, errors.WithMessagef("realtime: not connected"))

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}

	return "disconnected"
}

// TokenProvider supplies the bearer token. It is asked again before every connection attempt.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenRefresher is implemented by providers that can replace a token the server rejected. A
// rejected handshake is retried once with the refreshed token.
type TokenRefresher interface {
	Refresh(ctx context.Context) (string, error)
}

type Config struct {
	URL              string
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	KeepAlive        time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	EventBuffer      int
	Clock            clockwork.Clock
	Dialer           *websocket.Dialer
}

// Manager owns one realtime connection. It reconnects with capped exponential backoff until
// Disconnect is called or the server ends the session, and re-joins the last room on every
// successful connect.
type Manager struct {
	c      Config
	tokens TokenProvider
	dialer *websocket.Dialer
	clock  clockwork.Clock

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	reconnecting bool
	lastRoom     string

	writeMu sync.Mutex
}

// Connect starts the connection loop and returns immediately. Failures are reported on Events,
// never returned. Cancelling ctx has the same effect as Disconnect.
func Connect(ctx context.Context, c Config, tokens TokenProvider) *Manager {
	c = withDefaults(c)

	dialer := c.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.HandshakeTimeout,
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		c:      c,
		tokens: tokens,
		dialer: dialer,
		clock:  c.Clock,
		events: make(chan Event, c.EventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go m.run(ctx)
	return m
}

func withDefaults(c Config) Config {
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = defaultKeepAlive
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	return c
}

// Events returns the event stream. It is closed once the manager has stopped.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the connection state and whether the manager is recovering from a drop.
func (m *Manager) State() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state, m.reconnecting
}

// Disconnect stops the manager and waits for it to release the connection. It is safe to call
// more than once.
func (m *Manager) Disconnect() {
	m.once.Do(m.cancel)
	<-m.done
}

// Done is closed once the manager has stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// JoinRoom records the room for automatic re-join and emits a join. While disconnected only the
// record is kept: the join is sent on the next connect.
func (m *Manager) JoinRoom(code string) error {
	m.mu.Lock()
	m.lastRoom = code
	connected := m.conn != nil
	m.mu.Unlock()

	if !connected {
		return nil
	}

	err := m.send(emitJoinRoom, map[string]string{"roomCode": code})
	if stderrors.Is(err, ErrNotConnected) {
		return nil
	}

	return err
}

// LeaveRoom forgets the last room so the next connect does not re-join it.
func (m *Manager) LeaveRoom() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastRoom = ""
}

func (m *Manager) LastRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastRoom
}

func (m *Manager) SetReady(ready bool) error {
	return m.send(emitPlayerReady, map[string]bool{"isReady": ready})
}

func (m *Manager) StartGame() error {
	return m.send(emitStartGame, struct{}{})
}

func (m *Manager) SendMessage(text, messageType string) error {
	if messageType == "" {
		messageType = "text"
	}

	return m.send(emitSendMessage, map[string]string{"message": text, "messageType": messageType})
}

func (m *Manager) StartTyping() error {
	return m.send(emitTypingStart, struct{}{})
}

func (m *Manager) StopTyping() error {
	return m.send(emitTypingStop, struct{}{})
}

// SubmitAnswer sends the chosen option. The server expects the answer as a string.
func (m *Manager) SubmitAnswer(questionID, answer string) error {
	return m.send(emitSubmitAnswer, map[string]string{"answer": answer, "questionId": questionID})
}

func (m *Manager) RequestGameState() error {
	return m.send(emitGetGameState, struct{}{})
}

func (m *Manager) send(name string, data any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	return m.write(conn, name, data)
}

func (m *Manager) write(conn *websocket.Conn, name string, data any) error {
	b, err := json.Marshal(outgoing{Event: name, Data: data})
	if err != nil {
		return fmt.Errorf("realtime: marshal %s: %w", name, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	// Socket deadlines are wall-clock, independent of the injected clock.
	_ = conn.SetWriteDeadline(time.Now().Add(m.c.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Unavailable(fmt.Errorf("realtime: write %s: %w", name, err))
	}

	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer close(m.events)
	defer m.setState(StateDisconnected, false)

	var (
		attempt   int
		connected bool
	)

	for {
		if attempt > 0 {
			d := Backoff(attempt, m.c.BackoffInitial, m.c.BackoffMax)
			slog.InfoContext(ctx, "realtime: reconnect scheduled", "attempt", attempt, "delay", d)

			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(d):
			}

			telemetry.IncReconnectAttempts()
		}

		m.setState(StateConnecting, attempt > 0)

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			slog.WarnContext(ctx, "realtime: connect failed", "attempt", attempt, "error", err)
			m.setState(StateDisconnected, true)

			if attempt == 0 && !connected {
				m.emit(ctx, ConnectError{Err: err})
			} else {
				m.emit(ctx, ReconnectError{Attempt: attempt, Err: err})
			}

			attempt++
			continue
		}

		reconnected := connected
		connected = true
		attempt = 0

		cause, reason := m.serve(ctx, conn, reconnected)
		if ctx.Err() != nil {
			return
		}

		slog.InfoContext(ctx, "realtime: disconnected", "cause", cause, "reason", reason)
		m.setState(StateDisconnected, cause == CauseNetwork)
		m.emit(ctx, Disconnected{Cause: cause, Reason: reason})

		if cause == CauseServer {
			return
		}

		attempt = 1
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("realtime: resolve token: %w", err)
	}

	conn, err := m.handshake(ctx, token)
	if !rejected(err) {
		return conn, err
	}

	r, ok := m.tokens.(TokenRefresher)
	if !ok {
		return nil, err
	}

	slog.InfoContext(ctx, "realtime: handshake rejected, refreshing token", "error", err)
	if token, err = r.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("realtime: refresh token: %w", err)
	}

	return m.handshake(ctx, token)
}

func rejected(err error) bool {
	return errors.Is(err, errors.CodeUnauthenticated) || errors.Is(err, errors.CodePermissionDenied)
}

func (m *Manager) handshake(ctx context.Context, token string) (*websocket.Conn, error) {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := m.dialer.DialContext(ctx, m.c.URL, h)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.FromHTTP(resp.StatusCode, "realtime: handshake rejected")
		}
		return nil, errors.Unavailable(fmt.Errorf("realtime: dial: %w", err))
	}

	return conn, nil
}

// serve runs one connection until it drops and reports why it ended.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn, reconnected bool) (DisconnectCause, string) {
	m.mu.Lock()
	m.conn = conn
	room := m.lastRoom
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	m.setState(StateConnected, false)
	slog.InfoContext(ctx, "realtime: connected", "reconnected", reconnected)

	if room != "" {
		slog.InfoContext(ctx, "realtime: re-joining room", "room", room)
		if err := m.write(conn, emitJoinRoom, map[string]string{"roomCode": room}); err != nil {
			slog.WarnContext(ctx, "realtime: re-join failed", "room", room, "error", err)
		}
	}

	m.emit(ctx, Connected{Reconnected: reconnected})

	kaCtx, cancel := context.WithCancel(ctx)
	kaDone := make(chan struct{})
	go func() {
		defer close(kaDone)
		m.keepAlive(kaCtx, conn)
	}()
	defer func() {
		cancel()
		<-kaDone
	}()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return disconnectCause(err)
		}

		m.handle(ctx, b)
	}
}

func (m *Manager) handle(ctx context.Context, b []byte) {
	e, err := Decode(b)
	switch {
	case stderrors.Is(err, ErrUnknownEvent):
		slog.DebugContext(ctx, "realtime: unknown event ignored", "error", err)
		return
	case err != nil:
		slog.WarnContext(ctx, "realtime: malformed event dropped", "error", err)
		return
	}

	telemetry.IncEventsReceived(e.Name())
	m.emit(ctx, e)
}

func (m *Manager) keepAlive(ctx context.Context, conn *websocket.Conn) {
	t := m.clock.NewTicker(m.c.KeepAlive)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if err := m.write(conn, emitPing, nil); err != nil {
				slog.WarnContext(ctx, "realtime: keep-alive failed", "error", err)
				return
			}
		}
	}
}

func (m *Manager) emit(ctx context.Context, e Event) {
	select {
	case m.events <- e:
	case <-ctx.Done():
	}
}

func (m *Manager) setState(s State, reconnecting bool) {
	m.mu.Lock()
	m.state = s
	m.reconnecting = reconnecting
	m.mu.Unlock()

	telemetry.SetConnectionState(int(s))
}

// disconnectCause separates drops the manager should recover from and closes that end the session.
func disconnectCause(err error) (DisconnectCause, string) {
	var ce *websocket.CloseError
	if stderrors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseServiceRestart, websocket.CloseTryAgainLater:
			return CauseNetwork, closeReason(ce)
		}

		return CauseServer, closeReason(ce)
	}

	return CauseNetwork, err.Error()
}

func closeReason(ce *websocket.CloseError) string {
	if ce.Text != "" {
		return ce.Text
	}

	return fmt.Sprintf("close %d", ce.Code)
}

// Backoff returns the delay before reconnect attempt n (starting at 1): initial doubled per
// attempt, capped at max.
func Backoff(n int, initial, max time.Duration) time.Duration {
	if n < 1 {
		return 0
	}

	d := initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}

	if d > max {
		return max
	}

	return d
}

// URLFromBase derives the websocket URL from the REST base URL: http becomes ws, https becomes wss.
func URLFromBase(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("realtime: parse base url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}

	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path += path

	return u.String(), nil
}
