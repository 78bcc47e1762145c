package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/realtime"
)

const waitTimeout = 5 * time.Second

// gameServer is a fake realtime endpoint. Every accepted connection is handed to the test on conns.
type gameServer struct {
	*httptest.Server

	conns  chan *serverConn
	reject atomic.Bool

	mu      sync.Mutex
	auths   []string
	revoked map[string]bool
}

type serverConn struct {
	conn   *websocket.Conn
	frames chan frame
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newGameServer(t *testing.T) *gameServer {
	t.Helper()

	s := &gameServer{conns: make(chan *serverConn, 8)}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auths = append(s.auths, r.Header.Get("Authorization"))
		s.mu.Unlock()

		if s.isRevoked(r.Header.Get("Authorization")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if s.reject.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		sc := &serverConn{conn: conn, frames: make(chan frame, 32)}
		go func() {
			defer close(sc.frames)
			for {
				_, b, err := conn.ReadMessage()
				if err != nil {
					return
				}

				var f frame
				if err := json.Unmarshal(b, &f); err != nil {
					t.Errorf("client sent invalid frame %q: %v", b, err)
					continue
				}
				sc.frames <- f
			}
		}()

		s.conns <- sc
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *gameServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// revoke makes the server refuse the handshake for token with a 401.
func (s *gameServer) revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked == nil {
		s.revoked = make(map[string]bool)
	}
	s.revoked["Bearer "+token] = true
}

func (s *gameServer) isRevoked(header string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revoked[header]
}

func (s *gameServer) authHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.auths...)
}

func (s *gameServer) accept(t *testing.T) *serverConn {
	t.Helper()

	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (sc *serverConn) push(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, sc.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (sc *serverConn) closeWith(t *testing.T, code int, text string) {
	t.Helper()
	msg := websocket.FormatCloseMessage(code, text)
	require.NoError(t, sc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
}

// drop kills the TCP connection without a close frame.
func (sc *serverConn) drop() {
	sc.conn.UnderlyingConn().Close()
}

func (sc *serverConn) next(t *testing.T) frame {
	t.Helper()

	select {
	case f, ok := <-sc.frames:
		require.True(t, ok, "connection closed while waiting for a frame")
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a frame")
		return frame{}
	}
}

// nextExcept returns the next frame whose event is not in skip.
func (sc *serverConn) nextExcept(t *testing.T, skip ...string) frame {
	t.Helper()

	for {
		f := sc.next(t)
		if !contains(skip, f.Event) {
			return f
		}
	}
}

func nextEvent(t *testing.T, m *realtime.Manager) realtime.Event {
	t.Helper()

	select {
	case e, ok := <-m.Events():
		require.True(t, ok, "event stream closed")
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func waitClosed(t *testing.T, m *realtime.Manager) {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-m.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for the event stream to close")
		}
	}
}

// tokenSeq returns its tokens in order, repeating the last one.
type tokenSeq struct {
	mu     sync.Mutex
	tokens []string
	calls  int
}

func (s *tokenSeq) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	if i >= len(s.tokens) {
		i = len(s.tokens) - 1
	}
	s.calls++

	return s.tokens[i], nil
}

// refreshingToken hands out current until Refresh replaces it with next, or fails with err.
type refreshingToken struct {
	mu        sync.Mutex
	current   string
	next      string
	err       error
	refreshes int
}

func (r *refreshingToken) Token(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.current, nil
}

func (r *refreshingToken) Refresh(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refreshes++
	if r.err != nil {
		return "", r.err
	}

	r.current = r.next
	return r.current, nil
}

func (r *refreshingToken) Refreshes() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.refreshes
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}

	return false
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}
