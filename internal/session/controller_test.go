package session_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/gateway"
	"github.com/victornm/quizroom/internal/realtime"
	"github.com/victornm/quizroom/internal/session"
)

func TestController_FullRoundTrip(t *testing.T) {
	srv := newRoomServer(t)
	clock := clockwork.NewFakeClock()
	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	rec := record(eb,
		domain.EventNameRoomJoined,
		domain.EventNameConnectionChanged,
		domain.EventNamePlayerJoined,
		domain.EventNamePhaseChanged,
		domain.EventNameQuestionDelivered,
		domain.EventNameAnswerSubmitted,
		domain.EventNameGameCompleted,
	)

	gw := &fakeGateway{result: gateway.JoinResult{Session: waitingRoom("ABC123"), IsHost: true}}
	ctrl := session.NewController(session.Config{
		Gateway:  gw,
		Tokens:   staticToken("A"),
		EventBus: eb,
		Realtime: realtime.Config{URL: srv.wsURL()},
		Clock:    clock,
		SelfID:   "me",
	})

	res, err := ctrl.Join(context.Background(), session.JoinRequest{RoomCode: "abc123", Mode: session.JoinSmart, IsHost: true})
	require.NoError(t, err)
	assert.True(t, res.IsHost)
	assert.False(t, res.AlreadyInRoom)
	assert.Equal(t, []string{"smart-join ABC123 host"}, gw.Calls())
	assert.Equal(t, domain.EventRoomJoined{RoomCode: "ABC123", IsHost: true}, rec.wait(t, domain.EventNameRoomJoined))

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(context.Background()) }()

	sc := srv.accept(t)
	f := sc.next(t)
	assert.Equal(t, "join_room", f.Event)
	assert.JSONEq(t, `{"roomCode":"ABC123"}`, string(f.Data))
	assert.Equal(t, domain.EventConnectionChanged{State: "connected"}, rec.wait(t, domain.EventNameConnectionChanged))

	sc.push(t, "player_joined", map[string]any{
		"players": []any{map[string]any{"userId": "me", "username": "me", "displayName": "Me", "isHost": true, "score": 0}},
		"player":  map[string]any{"userId": "me", "username": "me", "displayName": "Me"},
	})
	assert.Equal(t, domain.EventPlayerJoined{RoomCode: "ABC123", Player: "Me"}, rec.wait(t, domain.EventNamePlayerJoined))
	assert.Len(t, ctrl.View().Session.Players, 1)

	sc.push(t, "question_delivered", map[string]any{
		"id":              "q0",
		"text":            "Capital of France?",
		"options":         []string{"Berlin", "Paris", "Rome", "Madrid"},
		"correctAnswer":   1,
		"index":           0,
		"total":           10,
		"timePerQuestion": 15000,
	})

	assert.Equal(t, domain.EventPhaseChanged{RoomCode: "ABC123", From: domain.PhaseLobby, To: domain.PhasePlaying},
		rec.wait(t, domain.EventNamePhaseChanged))
	qd := rec.wait(t, domain.EventNameQuestionDelivered).(domain.EventQuestionDelivered)
	assert.Equal(t, "q0", qd.Question.ID)
	assert.Equal(t, clock.Now().Add(15*time.Second), qd.Deadline)

	v := ctrl.View()
	assert.Equal(t, domain.PhasePlaying, v.Phase)
	assert.Equal(t, 0, v.Session.CurrentQuestionIndex)
	assert.Equal(t, 15, v.RemainingSeconds)
	assert.True(t, v.IsHost)

	clock.Advance(3 * time.Second)

	a, err := ctrl.SubmitAnswer(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, a.ResponseTime)

	f = sc.next(t)
	assert.Equal(t, "submit_answer", f.Event)
	assert.JSONEq(t, `{"answer":"1","questionId":"q0"}`, string(f.Data))
	assert.Equal(t, domain.EventAnswerSubmitted{RoomCode: "ABC123", QuestionID: "q0", Answer: 1},
		rec.wait(t, domain.EventNameAnswerSubmitted))

	_, err = ctrl.SubmitAnswer(context.Background(), 2)
	assert.True(t, errors.Is(err, errors.CodeAlreadyExists), "second submission is a no-op")

	sc.push(t, "answer_result", map[string]any{"questionId": "q0", "correct": true, "points": 100, "score": 100})
	sc.push(t, "game_completed", map[string]any{
		"players": []any{map[string]any{"userId": "me", "username": "me", "isHost": true, "score": 100}},
	})

	gc := rec.wait(t, domain.EventNameGameCompleted).(domain.EventGameCompleted)
	assert.Equal(t, "ABC123", gc.RoomCode)
	require.Len(t, gc.Standings, 1)
	assert.Equal(t, 1, gc.Standings[0].Rank)
	assert.Equal(t, 1, gc.Stats.CorrectAnswers)
	assert.Equal(t, 10, gc.Stats.TotalQuestions)
	assert.Equal(t, "100", gc.Stats.Points.String())
	assert.Equal(t, domain.PhaseFinished, ctrl.View().Phase)

	require.NoError(t, ctrl.Leave(context.Background()))
	assert.Equal(t, "leave ABC123", gw.Calls()[len(gw.Calls())-1])

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("run did not return after leave")
	}

	assert.Empty(t, ctrl.Room(), "leaving discards the session")
	v = ctrl.View()
	assert.Empty(t, v.Session.RoomCode)
	assert.Empty(t, v.Session.Players)
	assert.Equal(t, domain.PhaseLobby, v.Phase)
	assert.Zero(t, v.Stats.TotalQuestions)

	err = ctrl.Run(context.Background())
	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition), "a room that was left is not joined again")
}

func TestController_ServerCloseInvalidatesSession(t *testing.T) {
	srv := newRoomServer(t)
	eb := event.NewBus()
	t.Cleanup(eb.Stop)
	rec := record(eb, domain.EventNameSessionInvalidated)

	ctrl := session.NewController(session.Config{
		Gateway:  &fakeGateway{result: gateway.JoinResult{Session: waitingRoom("ABC123")}},
		Tokens:   staticToken("A"),
		EventBus: eb,
		Realtime: realtime.Config{URL: srv.wsURL()},
		Clock:    clockwork.NewFakeClock(),
		SelfID:   "me",
	})

	_, err := ctrl.Join(context.Background(), session.JoinRequest{RoomCode: "ABC123", Mode: session.JoinDirect})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(context.Background()) }()

	sc := srv.accept(t)
	sc.next(t)
	sc.closeWith(t, websocket.ClosePolicyViolation, "session revoked")

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, session.ErrSessionInvalidated)
	case <-time.After(waitTimeout):
		t.Fatal("run did not return after a server close")
	}

	assert.Equal(t, domain.EventSessionInvalidated{RoomCode: "ABC123", Reason: "session revoked"},
		rec.wait(t, domain.EventNameSessionInvalidated))
}

func TestController_RejectedToken(t *testing.T) {
	expired := errors.New(errors.CodeUnauthenticated, errors.WithMessagef("Session expired. Please log in again."))

	tests := map[string]struct {
		arrange func(srv *roomServer) realtime.TokenProvider
		assert  func(t *testing.T, srv *roomServer, rec *recorder, stop context.CancelFunc, runErr <-chan error)
	}{
		"refreshed token keeps the session": {
			arrange: func(srv *roomServer) realtime.TokenProvider {
				srv.revoke("A")
				return &refreshingToken{current: "A", next: "B"}
			},
			assert: func(t *testing.T, srv *roomServer, rec *recorder, stop context.CancelFunc, runErr <-chan error) {
				sc := srv.accept(t)
				assert.Equal(t, "join_room", sc.next(t).Event)
				assert.Equal(t, domain.EventConnectionChanged{State: "connected"}, rec.wait(t, domain.EventNameConnectionChanged))

				stop()
				assert.NoError(t, waitRun(t, runErr))
				assert.Zero(t, rec.count(domain.EventNameSessionInvalidated))
			},
		},

		"failed refresh invalidates the session": {
			arrange: func(srv *roomServer) realtime.TokenProvider {
				srv.revoke("A")
				return &refreshingToken{current: "A", err: expired}
			},
			assert: func(t *testing.T, srv *roomServer, rec *recorder, stop context.CancelFunc, runErr <-chan error) {
				assert.ErrorIs(t, waitRun(t, runErr), session.ErrSessionInvalidated)
				assert.Equal(t, domain.EventSessionInvalidated{RoomCode: "ABC123", Reason: "Session expired. Please log in again."},
					rec.wait(t, domain.EventNameSessionInvalidated))
			},
		},

		"token that cannot be resolved invalidates the session": {
			arrange: func(srv *roomServer) realtime.TokenProvider {
				return failingToken{}
			},
			assert: func(t *testing.T, srv *roomServer, rec *recorder, stop context.CancelFunc, runErr <-chan error) {
				assert.ErrorIs(t, waitRun(t, runErr), session.ErrSessionInvalidated)
				rec.wait(t, domain.EventNameSessionInvalidated)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			srv := newRoomServer(t)
			eb := event.NewBus()
			t.Cleanup(eb.Stop)
			rec := record(eb, domain.EventNameConnectionChanged, domain.EventNameSessionInvalidated)

			ctrl := session.NewController(session.Config{
				Gateway:  &fakeGateway{result: gateway.JoinResult{Session: waitingRoom("ABC123")}},
				Tokens:   tt.arrange(srv),
				EventBus: eb,
				Realtime: realtime.Config{URL: srv.wsURL()},
				Clock:    clockwork.NewFakeClock(),
				SelfID:   "me",
			})

			_, err := ctrl.Join(context.Background(), session.JoinRequest{RoomCode: "ABC123", Mode: session.JoinReconnect})
			require.NoError(t, err)

			ctx, stop := context.WithCancel(context.Background())
			t.Cleanup(stop)

			runErr := make(chan error, 1)
			go func() { runErr <- ctrl.Run(ctx) }()

			tt.assert(t, srv, rec, stop, runErr)
		})
	}
}

func TestController_FailedSubmitKeepsQuestionOpen(t *testing.T) {
	srv := newRoomServer(t)
	eb := event.NewBus()
	t.Cleanup(eb.Stop)
	rec := record(eb, domain.EventNameQuestionDelivered, domain.EventNameAnswerSubmitted)

	var broken atomic.Bool
	ctrl := session.NewController(session.Config{
		Gateway:  &fakeGateway{result: gateway.JoinResult{Session: waitingRoom("ABC123")}},
		Tokens:   staticToken("A"),
		EventBus: eb,
		Realtime: realtime.Config{URL: srv.wsURL(), Dialer: breakableDialer(&broken)},
		Clock:    clockwork.NewFakeClock(),
		SelfID:   "me",
	})

	_, err := ctrl.Join(context.Background(), session.JoinRequest{RoomCode: "ABC123", Mode: session.JoinDirect})
	require.NoError(t, err)

	ctx, stop := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		stop()
		<-runErr
	})

	sc := srv.accept(t)
	require.Equal(t, "join_room", sc.next(t).Event)

	sc.push(t, "question_delivered", map[string]any{
		"id":              "q0",
		"text":            "Capital of France?",
		"options":         []string{"Berlin", "Paris", "Rome", "Madrid"},
		"index":           0,
		"total":           10,
		"timePerQuestion": 15000,
	})
	rec.wait(t, domain.EventNameQuestionDelivered)

	broken.Store(true)

	_, err = ctrl.SubmitAnswer(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeUnavailable), "got %v", err)

	v := ctrl.View()
	assert.False(t, v.Answered)
	assert.Zero(t, v.Stats.Answered)
	assert.Zero(t, rec.count(domain.EventNameAnswerSubmitted))

	assert.NoError(t, ctrl.SelectAnswer(2), "the question still accepts an answer")
}

func waitRun(t *testing.T, runErr <-chan error) error {
	t.Helper()

	select {
	case err := <-runErr:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("run did not return")
		return nil
	}
}

func TestController_Join(t *testing.T) {
	tests := map[string]struct {
		arrange func(gw *fakeGateway) session.JoinRequest
		assert  func(t *testing.T, gw *fakeGateway, res *gateway.JoinResult, err error)
	}{
		"join mode uses plain join": {
			arrange: func(gw *fakeGateway) session.JoinRequest {
				return session.JoinRequest{RoomCode: " xyz789 ", Mode: session.JoinDirect}
			},
			assert: func(t *testing.T, gw *fakeGateway, res *gateway.JoinResult, err error) {
				require.NoError(t, err)
				assert.Equal(t, []string{"join XYZ789"}, gw.Calls())
			},
		},

		"reconnect mode surfaces was reconnected": {
			arrange: func(gw *fakeGateway) session.JoinRequest {
				gw.result.WasReconnected = true
				return session.JoinRequest{RoomCode: "XYZ789", Mode: session.JoinReconnect}
			},
			assert: func(t *testing.T, gw *fakeGateway, res *gateway.JoinResult, err error) {
				require.NoError(t, err)
				assert.True(t, res.WasReconnected)
				assert.Equal(t, []string{"join-or-reconnect XYZ789"}, gw.Calls())
			},
		},

		"empty mode is smart join": {
			arrange: func(gw *fakeGateway) session.JoinRequest {
				gw.result.AlreadyInRoom = true
				return session.JoinRequest{RoomCode: "XYZ789"}
			},
			assert: func(t *testing.T, gw *fakeGateway, res *gateway.JoinResult, err error) {
				require.NoError(t, err)
				assert.True(t, res.AlreadyInRoom)
				assert.Equal(t, []string{"smart-join XYZ789"}, gw.Calls())
			},
		},

		"unknown mode is rejected": {
			arrange: func(gw *fakeGateway) session.JoinRequest {
				return session.JoinRequest{RoomCode: "XYZ789", Mode: "teleport"}
			},
			assert: func(t *testing.T, gw *fakeGateway, res *gateway.JoinResult, err error) {
				assert.True(t, errors.Is(err, errors.CodeInvalidArgument))
				assert.Empty(t, gw.Calls())
			},
		},

		"gateway failures keep their kind": {
			arrange: func(gw *fakeGateway) session.JoinRequest {
				gw.err = errors.FromHTTP(409, "Room is full")
				return session.JoinRequest{RoomCode: "XYZ789", Mode: session.JoinDirect}
			},
			assert: func(t *testing.T, gw *fakeGateway, res *gateway.JoinResult, err error) {
				require.Error(t, err)
				assert.Equal(t, "Room is full or the game already started.", errors.UserMessage(err))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			eb := event.NewBus()
			t.Cleanup(eb.Stop)

			gw := &fakeGateway{result: gateway.JoinResult{Session: waitingRoom("")}}
			ctrl := session.NewController(session.Config{Gateway: gw, EventBus: eb, SelfID: "me"})

			req := tt.arrange(gw)
			res, err := ctrl.Join(context.Background(), req)
			tt.assert(t, gw, res, err)

			if err == nil {
				assert.Equal(t, "XYZ789", ctrl.View().Session.RoomCode, "room code falls back to the requested one")
			}
		})
	}
}

func TestController_IntentsNeedAConnection(t *testing.T) {
	ctrl := session.NewController(session.Config{
		Gateway:  &fakeGateway{},
		EventBus: event.NewBus(),
	})

	assert.ErrorIs(t, ctrl.SetReady(true), realtime.ErrNotConnected)
	assert.ErrorIs(t, ctrl.StartGame(), realtime.ErrNotConnected)
	assert.ErrorIs(t, ctrl.SendMessage("hi"), realtime.ErrNotConnected)

	_, err := ctrl.Submit(context.Background())
	assert.ErrorIs(t, err, realtime.ErrNotConnected)

	err = ctrl.Run(context.Background())
	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition), "run needs a joined room")

	err = ctrl.Replay(context.Background())
	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition), "replay needs a finished game")
}
