package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizroom/internal/auth"
	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/invitation"
	"github.com/victornm/quizroom/internal/realtime"
	"github.com/victornm/quizroom/internal/session"
)

const (
	leaveTimeout      = 10 * time.Second
	invitationTimeout = 30 * time.Second
)

// play logs in, joins the configured room and answers until the game is over.
func (s *Client) play(ctx context.Context) error {
	user, err := s.login(ctx)
	if err != nil {
		return err
	}

	ctrl := session.NewController(session.Config{
		Gateway:  s.service.gateway,
		Tokens:   s.auth.source,
		EventBus: s.eb,
		Realtime: s.realtime,
		SelfID:   user.ID,
	})
	s.setSession(ctrl)

	code, created, err := s.room(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := &bot{
		ctx:        ctx,
		c:          s.c,
		ctrl:       ctrl,
		clock:      clockwork.NewRealClock(),
		user:       user,
		invitation: s.service.invitation,
		done:       make(chan struct{}),
	}
	defer b.subscribe(s.eb)()

	if _, err := ctrl.Join(ctx, session.JoinRequest{
		RoomCode: code,
		Password: s.c.Room.Password,
		Mode:     session.JoinMode(s.c.Room.Mode),
		IsHost:   created,
	}); err != nil {
		slog.ErrorContext(ctx, "client: join failed", "room", code, "reason", errors.UserMessage(err))
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return ctrl.Run(ctx)
	})

	eg.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		defer cancel()

		room := ctrl.Room()
		s.setLastView(ctrl.View())
		if err := ctrl.Leave(ctx); err != nil {
			slog.WarnContext(ctx, "client: leave failed", "room", room, "error", err)
		}
		return nil
	})

	return eg.Wait()
}

// login reuses the stored token when the server still accepts it, and logs in otherwise.
func (s *Client) login(ctx context.Context) (auth.User, error) {
	res, err := s.auth.source.Me(ctx)
	if err == nil {
		slog.InfoContext(ctx, "client: reusing stored session", "user", res.User.Username)
		return res.User, nil
	}

	if !errors.Is(err, errors.CodeUnauthenticated) {
		return auth.User{}, fmt.Errorf("client: get current user: %w", err)
	}

	if s.c.Auth.Identifier == "" {
		return auth.User{}, fmt.Errorf("client: no stored session and no credentials configured: %w", err)
	}

	res, err = s.auth.source.Login(ctx, s.c.Auth.Identifier, s.c.Auth.Password)
	if err != nil {
		return auth.User{}, fmt.Errorf("client: login: %w", err)
	}

	slog.InfoContext(ctx, "client: logged in", "user", res.User.Username)
	return res.User, nil
}

// room returns the code to join, creating the room first when none is configured.
func (s *Client) room(ctx context.Context) (code string, created bool, err error) {
	if s.c.Room.Code != "" {
		return s.c.Room.Code, false, nil
	}

	rc := s.c.Room.Create
	cfg := domain.Configuration{
		MaxPlayers:      rc.MaxPlayers,
		QuestionCount:   rc.QuestionCount,
		TimePerQuestion: rc.TimePerQuestion,
		IsPrivate:       rc.IsPrivate,
		RoomName:        rc.RoomName,
		Password:        rc.Password,
	}
	for _, c := range rc.Categories {
		cfg.Categories = append(cfg.Categories, domain.Category(c))
	}
	for _, d := range rc.Difficulties {
		cfg.DifficultyRange = append(cfg.DifficultyRange, domain.Difficulty(d))
	}

	res, err := s.service.gateway.CreateRoom(ctx, cfg)
	if err != nil {
		return "", false, fmt.Errorf("client: create room: %w", err)
	}

	slog.InfoContext(ctx, "client: room created", "room", res.RoomCode)
	return res.RoomCode, true, nil
}

// bot reacts to session notifications the way a player would. Work that outlives a handler runs
// under ctx, which ends with the game.
type bot struct {
	ctx        context.Context
	c          Config
	ctrl       *session.Controller
	clock      clockwork.Clock
	user       auth.User
	invitation invitation.Generator

	ready    sync.Once
	invited  sync.Once
	finished sync.Once
	done     chan struct{}
}

func (b *bot) subscribe(eb *event.Bus) (unsubscribe func()) {
	subs := []func(){
		eb.Subscribe(domain.EventNameConnectionChanged, b.onConnectionChanged),
		eb.Subscribe(domain.EventNameQuestionDelivered, b.onQuestion),
		eb.Subscribe(domain.EventNameRoundTimeUp, b.onTimeUp),
		eb.Subscribe(domain.EventNameChatReceived, b.onChat),
		eb.Subscribe(domain.EventNameGameCompleted, b.onGameCompleted),
		eb.Subscribe(domain.EventNameSessionInvalidated, b.onInvalidated),
		eb.Subscribe(domain.EventNameLeaderboardUpdated, b.onLeaderboard),
	}

	return func() {
		for _, unsubscribe := range subs {
			unsubscribe()
		}
	}
}

func (b *bot) onConnectionChanged(ctx context.Context, e event.Event) error {
	if e.(domain.EventConnectionChanged).State != realtime.StateConnected.String() {
		return nil
	}

	v := b.ctrl.View()
	if v.Phase != domain.PhaseLobby {
		return nil
	}

	if b.c.Bot.AutoReady {
		b.ready.Do(func() {
			if err := b.ctrl.SetReady(true); err != nil {
				slog.WarnContext(ctx, "client: set ready failed", "error", err)
			}
		})
	}

	if !v.IsHost {
		return nil
	}

	if b.c.Bot.AutoStart {
		if err := b.ctrl.StartGame(); err != nil {
			slog.WarnContext(ctx, "client: start game failed", "error", err)
		}
	}

	if b.invitation != nil {
		b.invited.Do(func() { b.invite(ctx, v.Session) })
	}

	return nil
}

// invite posts an invitation to the room chat. A failed generator falls back to the template.
func (b *bot) invite(ctx context.Context, s domain.Session) {
	ctx, cancel := context.WithTimeout(ctx, invitationTimeout)
	defer cancel()

	in := invitation.Input{
		RoomName:          s.Configuration.RoomName,
		ScheduledTime:     b.c.Invitation.ScheduledTime,
		NumberOfQuestions: s.Configuration.QuestionCount,
		QuestionCategory:  b.c.Invitation.Category,
		RoomCreatorName:   b.user.Username,
	}
	if in.RoomName == "" {
		in.RoomName = s.RoomCode
	}
	if len(s.Configuration.Categories) > 0 {
		in.QuestionCategory = strings.ReplaceAll(string(s.Configuration.Categories[0]), "_", " ")
	}

	msg, err := b.invitation.Generate(ctx, in)
	if err != nil {
		slog.WarnContext(ctx, "client: generate invitation failed, using template", "error", err)
		if msg, err = (invitation.Template{}).Generate(ctx, in); err != nil {
			return
		}
	}

	if err := b.ctrl.SendMessage(msg); err != nil {
		slog.WarnContext(ctx, "client: send invitation failed", "error", err)
	}
}

// onQuestion answers after the think time. The countdown is only logged.
func (b *bot) onQuestion(_ context.Context, e event.Event) error {
	q := e.(domain.EventQuestionDelivered).Question

	go b.ctrl.Round().Countdown(b.ctx, time.Second, func(remaining int) {
		slog.DebugContext(b.ctx, "client: countdown", "question", q.ID, "remaining", remaining)
	})

	go func() {
		select {
		case <-b.ctx.Done():
			return
		case <-b.clock.After(b.c.Bot.ThinkTime):
		}

		if _, err := b.ctrl.SubmitAnswer(b.ctx, b.choose(q)); err != nil {
			slog.WarnContext(b.ctx, "client: answer failed", "question", q.ID, "error", err)
		}
	}()

	return nil
}

func (b *bot) choose(q domain.Question) int {
	if b.c.Bot.Answer >= 0 && b.c.Bot.Answer < len(q.Options) {
		return b.c.Bot.Answer
	}

	return 0
}

func (b *bot) onTimeUp(ctx context.Context, e event.Event) error {
	slog.InfoContext(ctx, "client: question timed out", "question", e.(domain.EventRoundTimeUp).QuestionID)
	return nil
}

func (b *bot) onChat(ctx context.Context, e event.Event) error {
	m := e.(domain.EventChatReceived).Message
	slog.DebugContext(ctx, "client: chat", "from", m.DisplayName, "text", m.Text)
	return nil
}

func (b *bot) onGameCompleted(ctx context.Context, e event.Event) error {
	ev := e.(domain.EventGameCompleted)

	for _, st := range ev.Standings {
		slog.InfoContext(ctx, "client: standing", "rank", st.Rank, "player", st.Player.Name(st.Rank-1), "score", st.Player.Score)
	}

	slog.InfoContext(ctx, "client: game completed",
		"room", ev.RoomCode,
		"correct", ev.Stats.CorrectAnswers,
		"total", ev.Stats.TotalQuestions,
		"longest_streak", ev.Stats.LongestStreak,
		"average_response_time", ev.Stats.AverageResponseTime,
		"points", ev.Stats.Points,
	)

	b.finished.Do(func() { close(b.done) })
	return nil
}

func (b *bot) onInvalidated(ctx context.Context, e event.Event) error {
	slog.ErrorContext(ctx, "client: session invalidated, log in again", "reason", e.(domain.EventSessionInvalidated).Reason)
	return nil
}

func (b *bot) onLeaderboard(ctx context.Context, e event.Event) error {
	l := e.(domain.EventLeaderboardUpdated).Leaderboard
	for i, entry := range l.Entries {
		slog.InfoContext(ctx, "client: leaderboard", "room", l.RoomCode, "position", i+1, "user", entry.Username, "score", entry.Score)
	}
	return nil
}
