package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/gateway"
	"github.com/victornm/quizroom/internal/leaderboard"
	"github.com/victornm/quizroom/internal/realtime"
	"github.com/victornm/quizroom/internal/score"
	"github.com/victornm/quizroom/internal/telemetry"
)

// JoinMode selects which REST join variant is used.
type JoinMode string

const (
	JoinSmart     JoinMode = "smart"
	JoinDirect    JoinMode = "join"
	JoinReconnect JoinMode = "reconnect"
)

// ErrSessionInvalidated is returned by Run when the server ends the session. The user has to
// authenticate again.
var ErrSessionInvalidated = errors.New(errors.CodeUnauthenticated, errors.WithMessagef("session: invalidated by server"))

// Gateway is the part of the REST gateway the controller needs.
type Gateway interface {
	Join(ctx context.Context, code, password string) (*gateway.JoinResult, error)
	JoinOrReconnect(ctx context.Context, code, password string) (*gateway.JoinResult, error)
	SmartJoin(ctx context.Context, code string, opts gateway.SmartJoinOptions) (*gateway.JoinResult, error)
	LeaveRoom(ctx context.Context, code string) error
}

type Config struct {
	Gateway  Gateway
	Tokens   realtime.TokenProvider
	EventBus *event.Bus
	Realtime realtime.Config
	Clock    clockwork.Clock
	// SelfID is the user ID of the current user.
	SelfID string
}

// Controller owns everything one room needs: the realtime connection, the reconciled view, the
// round timer and the local stats. It is created per session and discarded when the session ends.
type Controller struct {
	gw     Gateway
	tokens realtime.TokenProvider
	eb     *event.Bus
	rc     realtime.Config
	clock  clockwork.Clock
	selfID string

	round   *Round
	tracker *score.Tracker

	mu   sync.Mutex
	room string
	rec  *Reconciler
	mgr  *realtime.Manager
}

func NewController(c Config) *Controller {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	c.Realtime.Clock = c.Clock

	ctrl := &Controller{
		gw:      c.Gateway,
		tokens:  c.Tokens,
		eb:      c.EventBus,
		rc:      c.Realtime,
		clock:   c.Clock,
		selfID:  c.SelfID,
		tracker: score.NewTracker(),
		rec:     NewReconciler(c.SelfID, c.Clock),
	}
	ctrl.round = NewRound(c.Clock, ctrl.timeUp)

	return ctrl
}

type JoinRequest struct {
	RoomCode string
	Password string
	Mode     JoinMode
	// IsHost is passed to smart join when the caller created the room.
	IsHost bool
}

// Join calls the REST join variant selected by req.Mode and seeds the view with its snapshot.
// Failures are returned as is; errors.UserMessage turns them into user-facing text.
func (c *Controller) Join(ctx context.Context, req JoinRequest) (*gateway.JoinResult, error) {
	code := gateway.NormalizeRoomCode(req.RoomCode)

	var (
		res *gateway.JoinResult
		err error
	)
	switch req.Mode {
	case JoinDirect:
		res, err = c.gw.Join(ctx, code, req.Password)
	case JoinReconnect:
		res, err = c.gw.JoinOrReconnect(ctx, code, req.Password)
	case JoinSmart, "":
		res, err = c.gw.SmartJoin(ctx, code, gateway.SmartJoinOptions{IsHost: req.IsHost, Password: req.Password})
	default:
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown join mode: %s", req.Mode))
	}
	if err != nil {
		return nil, fmt.Errorf("session: join %s: %w", code, err)
	}

	if res.Session.RoomCode == "" {
		res.Session.RoomCode = code
	}

	c.mu.Lock()
	if c.room != "" && c.room != res.Session.RoomCode {
		c.rec = NewReconciler(c.selfID, c.clock)
		c.tracker.Reset()
		c.round.Stop()
	}
	c.room = res.Session.RoomCode
	o := c.rec.Seed(res.Session, res.IsHost)
	mgr := c.mgr
	c.mu.Unlock()

	if !o.Applied {
		slog.InfoContext(ctx, "session: join snapshot ignored", "room", res.Session.RoomCode, "reason", o.Reason)
		telemetry.IncEventsDiscarded("join_snapshot", o.Reason)
	}

	if mgr != nil {
		if err := mgr.JoinRoom(res.Session.RoomCode); err != nil {
			slog.WarnContext(ctx, "session: emit join failed", "room", res.Session.RoomCode, "error", err)
		}
	}

	slog.InfoContext(ctx, "session: joined",
		"room", res.Session.RoomCode,
		"is_host", res.IsHost,
		"already_in_room", res.AlreadyInRoom,
		"was_reconnected", res.WasReconnected,
	)

	c.eb.Publish(ctx, domain.EventRoomJoined{
		RoomCode:       res.Session.RoomCode,
		IsHost:         res.IsHost,
		AlreadyInRoom:  res.AlreadyInRoom,
		WasReconnected: res.WasReconnected,
	})

	return res, nil
}

// Run connects the realtime channel and applies its events until ctx is done, Leave is called,
// or the server ends the session. It returns ErrSessionInvalidated in the last case.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.room == "" {
		c.mu.Unlock()
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session: join a room before running"))
	}
	if c.mgr != nil {
		c.mu.Unlock()
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session: already running"))
	}

	mgr := realtime.Connect(ctx, c.rc, c.tokens)
	_ = mgr.JoinRoom(c.room)
	c.mgr = mgr
	c.mu.Unlock()

	defer func() {
		mgr.Disconnect()
		c.round.Stop()

		c.mu.Lock()
		c.mgr = nil
		c.mu.Unlock()
	}()

	for e := range mgr.Events() {
		if err := c.handle(ctx, e); err != nil {
			return err
		}
	}

	return nil
}

func (c *Controller) handle(ctx context.Context, e realtime.Event) error {
	switch e := e.(type) {
	case realtime.Connected:
		c.eb.Publish(ctx, domain.EventConnectionChanged{State: realtime.StateConnected.String()})
		if e.Reconnected {
			c.resync(ctx)
		}
		return nil

	case realtime.Disconnected:
		if e.Cause == realtime.CauseServer {
			return c.invalidate(ctx, e.Reason)
		}

		slog.WarnContext(ctx, "session: connection lost", "room", c.Room(), "reason", e.Reason)
		c.eb.Publish(ctx, domain.EventConnectionChanged{
			State:        realtime.StateDisconnected.String(),
			Reconnecting: true,
			Reason:       e.Reason,
		})
		return nil

	case realtime.ConnectError:
		return c.connectFailed(ctx, e.Err)

	case realtime.ReconnectError:
		return c.connectFailed(ctx, e.Err)

	case realtime.ServerError:
		slog.WarnContext(ctx, "session: server error", "room", c.Room(), "message", e.Message)
		return nil

	case realtime.AnswerResult:
		c.tracker.Result(e.QuestionID, e.Correct, e.Points)
		return nil
	}

	c.apply(ctx, e)
	return nil
}

func (c *Controller) apply(ctx context.Context, e realtime.Event) {
	c.mu.Lock()
	if c.room == "" {
		c.mu.Unlock()
		return
	}
	o := c.rec.Apply(ctx, e)
	room := c.room
	var players []domain.Player
	if o.PhaseChanged() && o.To == domain.PhaseFinished {
		players = c.rec.Session().Players
	}
	c.mu.Unlock()

	if !o.Applied {
		slog.DebugContext(ctx, "session: event discarded", "room", room, "event", e.Name(), "reason", o.Reason)
		telemetry.IncEventsDiscarded(e.Name(), o.Reason)
		return
	}

	if o.Joined != "" {
		c.eb.Publish(ctx, domain.EventPlayerJoined{RoomCode: room, Player: o.Joined})
	}
	if o.Left != "" {
		c.eb.Publish(ctx, domain.EventPlayerLeft{RoomCode: room, Player: o.Left})
	}
	if o.Message != nil {
		c.eb.Publish(ctx, domain.EventChatReceived{RoomCode: room, Message: *o.Message})
	}

	if o.PhaseChanged() {
		slog.InfoContext(ctx, "session: phase changed", "room", room, "from", o.From, "to", o.To)
		c.eb.Publish(ctx, domain.EventPhaseChanged{RoomCode: room, From: o.From, To: o.To})
	}

	if o.Question != nil {
		q := *o.Question
		c.round.Start(q)
		c.tracker.Delivered(q)
		c.eb.Publish(ctx, domain.EventQuestionDelivered{
			RoomCode: room,
			Question: q,
			Deadline: c.round.Deadline(),
		})
	}

	if o.PhaseChanged() && o.To == domain.PhaseFinished {
		c.round.Stop()
		c.eb.Publish(ctx, domain.EventGameCompleted{
			RoomCode:    room,
			Standings:   leaderboard.Standings(players),
			Stats:       c.tracker.Stats(),
			CompletedAt: c.clock.Now(),
		})
	}
}

func (c *Controller) connectFailed(ctx context.Context, err error) error {
	if errors.Is(err, errors.CodeUnauthenticated) || errors.Is(err, errors.CodePermissionDenied) {
		return c.invalidate(ctx, errors.Convert(err).Message)
	}

	slog.WarnContext(ctx, "session: connect failed", "room", c.Room(), "error", err)
	c.eb.Publish(ctx, domain.EventConnectionChanged{
		State:        realtime.StateConnecting.String(),
		Reconnecting: true,
		Reason:       err.Error(),
	})
	return nil
}

func (c *Controller) invalidate(ctx context.Context, reason string) error {
	room := c.Room()
	slog.WarnContext(ctx, "session: invalidated", "room", room, "reason", reason)

	c.round.Stop()
	c.eb.Publish(ctx, domain.EventConnectionChanged{State: realtime.StateDisconnected.String(), Reason: reason})
	c.eb.Publish(ctx, domain.EventSessionInvalidated{RoomCode: room, Reason: reason})
	return ErrSessionInvalidated
}

// resync asks the server for its current state after a reconnect. Anything stale is discarded by
// the reconciler.
func (c *Controller) resync(ctx context.Context) {
	if err := c.manager().RequestGameState(); err != nil {
		slog.WarnContext(ctx, "session: request game state failed", "room", c.Room(), "error", err)
	}
}

func (c *Controller) timeUp(q domain.Question) {
	ctx := context.Background()
	room := c.Room()

	slog.InfoContext(ctx, "session: time is up", "room", room, "question", q.ID)
	c.tracker.TimedOut(q.ID)
	c.eb.Publish(ctx, domain.EventRoundTimeUp{RoomCode: room, QuestionID: q.ID})
}

// Leave leaves the room on the server and discards the session. Run returns once the connection
// is released.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	room, mgr := c.room, c.mgr
	c.mu.Unlock()

	if room == "" {
		return nil
	}

	c.round.Stop()
	if mgr != nil {
		mgr.LeaveRoom()
		mgr.Disconnect()
	}

	if err := c.gw.LeaveRoom(ctx, room); err != nil {
		return fmt.Errorf("session: leave %s: %w", room, err)
	}

	c.mu.Lock()
	c.room = ""
	c.rec = NewReconciler(c.selfID, c.clock)
	c.mu.Unlock()
	c.tracker.Reset()

	slog.InfoContext(ctx, "session: left", "room", room)
	return nil
}

func (c *Controller) SetReady(ready bool) error {
	return c.send(func(m *realtime.Manager) error { return m.SetReady(ready) })
}

func (c *Controller) StartGame() error {
	return c.send(func(m *realtime.Manager) error { return m.StartGame() })
}

func (c *Controller) SendMessage(text string) error {
	return c.send(func(m *realtime.Manager) error { return m.SendMessage(text, string(domain.ChatText)) })
}

func (c *Controller) StartTyping() error {
	return c.send(func(m *realtime.Manager) error { return m.StartTyping() })
}

func (c *Controller) StopTyping() error {
	return c.send(func(m *realtime.Manager) error { return m.StopTyping() })
}

// SelectAnswer replaces the pending choice for the current question.
func (c *Controller) SelectAnswer(answer int) error {
	return c.round.Select(answer)
}

// Submit sends the pending choice. A question accepts one submission; a send that fails leaves the
// question open.
func (c *Controller) Submit(ctx context.Context) (Attempt, error) {
	m := c.manager()
	if m == nil {
		return Attempt{}, realtime.ErrNotConnected
	}
	if s, _ := m.State(); s != realtime.StateConnected {
		return Attempt{}, realtime.ErrNotConnected
	}

	a, err := c.round.Submit()
	if err != nil {
		return Attempt{}, err
	}

	if err := m.SubmitAnswer(a.QuestionID, strconv.Itoa(a.Answer)); err != nil {
		c.round.Unsubmit(a.QuestionID)
		return Attempt{}, fmt.Errorf("session: submit answer: %w", err)
	}

	c.tracker.Answered(a.QuestionID, a.Answer, a.ResponseTime)
	c.eb.Publish(ctx, domain.EventAnswerSubmitted{RoomCode: c.Room(), QuestionID: a.QuestionID, Answer: a.Answer})

	slog.InfoContext(ctx, "session: answer submitted",
		"room", c.Room(),
		"question", a.QuestionID,
		"answer", a.Answer,
		"response_time", a.ResponseTime,
	)

	return a, nil
}

// SubmitAnswer selects answer and submits it.
func (c *Controller) SubmitAnswer(ctx context.Context, answer int) (Attempt, error) {
	if err := c.round.Select(answer); err != nil {
		return Attempt{}, err
	}

	return c.Submit(ctx)
}

// Replay takes a finished game back to the lobby and asks the server for its state.
func (c *Controller) Replay(ctx context.Context) error {
	c.mu.Lock()
	o := c.rec.Replay()
	room := c.room
	c.mu.Unlock()

	if !o.Applied {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session: game is not finished"))
	}

	c.round.Stop()
	c.tracker.Reset()
	c.eb.Publish(ctx, domain.EventPhaseChanged{RoomCode: room, From: o.From, To: o.To})

	if m := c.manager(); m != nil {
		if err := m.RequestGameState(); err != nil {
			slog.WarnContext(ctx, "session: request game state failed", "room", room, "error", err)
		}
	}

	return nil
}

func (c *Controller) send(fn func(m *realtime.Manager) error) error {
	m := c.manager()
	if m == nil {
		return realtime.ErrNotConnected
	}

	return fn(m)
}

func (c *Controller) manager() *realtime.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mgr
}

func (c *Controller) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.room
}

// View is a read-only snapshot of the session for presentation.
type View struct {
	Session          domain.Session       `json:"session"`
	Phase            domain.Phase         `json:"phase"`
	IsHost           bool                 `json:"isHost"`
	Question         *domain.Question     `json:"question,omitempty"`
	RemainingSeconds int                  `json:"remainingSeconds"`
	Answered         bool                 `json:"answered"`
	Chat             []domain.ChatMessage `json:"chat"`
	Typing           []string             `json:"typing"`
	Connection       string               `json:"connection"`
	Reconnecting     bool                 `json:"reconnecting"`
	Stats            domain.Stats         `json:"stats"`
	At               time.Time            `json:"at"`
}

func (c *Controller) View() View {
	c.mu.Lock()
	v := View{
		Session: c.rec.Session(),
		Phase:   c.rec.Phase(),
		IsHost:  c.rec.IsHost(),
		Chat:    c.rec.Chat(),
		Typing:  c.rec.Typing(),
	}
	if q, ok := c.rec.Question(); ok {
		v.Question = &q
	}
	mgr := c.mgr
	c.mu.Unlock()

	if v.Question != nil {
		v.RemainingSeconds = c.round.RemainingSeconds()
		v.Answered = c.round.Answered()
	}

	v.Connection = realtime.StateDisconnected.String()
	if mgr != nil {
		s, reconnecting := mgr.State()
		v.Connection, v.Reconnecting = s.String(), reconnecting
	}

	v.Stats = c.tracker.Stats()
	v.At = c.clock.Now()
	return v
}

// Round exposes the round timer, for countdown display.
func (c *Controller) Round() *Round {
	return c.round
}
