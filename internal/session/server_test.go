package session_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/gateway"
)

const waitTimeout = 5 * time.Second

// roomServer is a fake realtime endpoint handing every accepted connection to the test.
type roomServer struct {
	*httptest.Server
	conns chan *roomConn

	mu      sync.Mutex
	revoked map[string]bool
}

type roomConn struct {
	conn   *websocket.Conn
	frames chan frame
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newRoomServer(t *testing.T) *roomServer {
	t.Helper()

	s := &roomServer{conns: make(chan *roomConn, 4)}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isRevoked(r.Header.Get("Authorization")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		rc := &roomConn{conn: conn, frames: make(chan frame, 32)}
		go func() {
			defer close(rc.frames)
			for {
				_, b, err := conn.ReadMessage()
				if err != nil {
					return
				}

				var f frame
				if json.Unmarshal(b, &f) == nil && f.Event != "ping" {
					rc.frames <- f
				}
			}
		}()

		s.conns <- rc
	}))
	t.Cleanup(s.Close)

	return s
}

// revoke makes the server refuse the handshake for token with a 401.
func (s *roomServer) revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked == nil {
		s.revoked = make(map[string]bool)
	}
	s.revoked["Bearer "+token] = true
}

func (s *roomServer) isRevoked(header string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revoked[header]
}

func (s *roomServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *roomServer) accept(t *testing.T) *roomConn {
	t.Helper()

	select {
	case rc := <-s.conns:
		return rc
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (rc *roomConn) push(t *testing.T, event string, data any) {
	t.Helper()

	b, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	require.NoError(t, rc.conn.WriteMessage(websocket.TextMessage, b))
}

func (rc *roomConn) next(t *testing.T) frame {
	t.Helper()

	select {
	case f, ok := <-rc.frames:
		require.True(t, ok, "connection closed while waiting for a frame")
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame")
		return frame{}
	}
}

func (rc *roomConn) closeWith(t *testing.T, code int, text string) {
	t.Helper()

	msg := websocket.FormatCloseMessage(code, text)
	require.NoError(t, rc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
}

// fakeGateway answers every join with the configured result.
type fakeGateway struct {
	mu     sync.Mutex
	result gateway.JoinResult
	err    error
	calls  []string
}

func (g *fakeGateway) record(call string) (*gateway.JoinResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, call)
	if g.err != nil {
		return nil, g.err
	}

	res := g.result
	res.Session = res.Session.Clone()
	return &res, nil
}

func (g *fakeGateway) Join(_ context.Context, code, _ string) (*gateway.JoinResult, error) {
	return g.record("join " + code)
}

func (g *fakeGateway) JoinOrReconnect(_ context.Context, code, _ string) (*gateway.JoinResult, error) {
	return g.record("join-or-reconnect " + code)
}

func (g *fakeGateway) SmartJoin(_ context.Context, code string, opts gateway.SmartJoinOptions) (*gateway.JoinResult, error) {
	call := "smart-join " + code
	if opts.IsHost {
		call += " host"
	}
	return g.record(call)
}

func (g *fakeGateway) LeaveRoom(_ context.Context, code string) error {
	_, err := g.record("leave " + code)
	return err
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]string(nil), g.calls...)
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

type failingToken struct{}

func (failingToken) Token(context.Context) (string, error) {
	return "", errors.New(errors.CodeUnauthenticated, errors.WithMessagef("Session expired. Please log in again."))
}

// refreshingToken hands out current until Refresh replaces it with next, or fails with err.
type refreshingToken struct {
	mu      sync.Mutex
	current string
	next    string
	err     error
}

func (r *refreshingToken) Token(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.current, nil
}

func (r *refreshingToken) Refresh(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return "", r.err
	}

	r.current = r.next
	return r.current, nil
}

// breakableConn fails every write once broken is set. Reads keep working.
type breakableConn struct {
	net.Conn
	broken *atomic.Bool
}

func (c *breakableConn) Write(b []byte) (int, error) {
	if c.broken.Load() {
		return 0, io.ErrClosedPipe
	}

	return c.Conn.Write(b)
}

func breakableDialer(broken *atomic.Bool) *websocket.Dialer {
	return &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}

			return &breakableConn{Conn: conn, broken: broken}, nil
		},
	}
}

// recorder collects the notifications published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
	ch     chan event.Event
}

func record(eb *event.Bus, names ...string) *recorder {
	r := &recorder{ch: make(chan event.Event, 64)}
	for _, name := range names {
		eb.Subscribe(name, func(_ context.Context, e event.Event) error {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
			r.ch <- e
			return nil
		})
	}

	return r
}

// wait returns the first recorded event with the given name.
func (r *recorder) wait(t *testing.T, name string) event.Event {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case e := <-r.ch:
			if e.Name() == name {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
			return nil
		}
	}
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Name() == name {
			n++
		}
	}

	return n
}

func waitingRoom(code string) domain.Session {
	return domain.Session{
		RoomCode: code,
		Status:   domain.StatusWaiting,
		Configuration: domain.Configuration{
			MaxPlayers:      4,
			QuestionCount:   10,
			TimePerQuestion: 15 * time.Second,
		},
	}
}
