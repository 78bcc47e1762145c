// Package relay forwards session notifications to Redis pub/sub so that a presentation process
// can follow a headless session.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/event"
)

const maxConcurrent = 100

type Config struct {
	EventBus *event.Bus
	Redis    Redis
	Prefix   string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Relay struct {
	redis  Redis
	prefix string
}

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		RoomCode string             `json:"room_code"`
		Entries  []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		Username string `json:"username"`
		Score    string `json:"score"`
	}

	Phase struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	Player struct {
		Name string `json:"name"`
	}

	Question struct {
		ID       string   `json:"id"`
		Text     string   `json:"text"`
		Options  []string `json:"options"`
		Index    int      `json:"index"`
		Total    int      `json:"total"`
		Deadline int64    `json:"deadline"`
	}

	ChatMessage struct {
		ID          string `json:"id"`
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
		Text        string `json:"text"`
		Timestamp   int64  `json:"timestamp"`
		Kind        string `json:"kind"`
	}

	Standing struct {
		Rank     int    `json:"rank"`
		Username string `json:"username"`
		Score    string `json:"score"`
	}

	Results struct {
		Standings      []Standing `json:"standings"`
		CorrectAnswers int        `json:"correct_answers"`
		TotalQuestions int        `json:"total_questions"`
		AverageMillis  int64      `json:"average_response_ms"`
		LongestStreak  int        `json:"longest_streak"`
		Points         string     `json:"points"`
	}

	Invalidated struct {
		Reason string `json:"reason"`
	}
)

func New(c Config) *Relay {
	r := &Relay{
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	c.EventBus.Subscribe(domain.EventNamePhaseChanged, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventPhaseChanged)
		return r.publishRoom(ctx, ev.RoomCode, ev.Name(), Phase{From: string(ev.From), To: string(ev.To)})
	})
	c.EventBus.Subscribe(domain.EventNamePlayerJoined, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventPlayerJoined)
		return r.publishRoom(ctx, ev.RoomCode, ev.Name(), Player{Name: ev.Player})
	})
	c.EventBus.Subscribe(domain.EventNamePlayerLeft, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventPlayerLeft)
		return r.publishRoom(ctx, ev.RoomCode, ev.Name(), Player{Name: ev.Player})
	})
	c.EventBus.Subscribe(domain.EventNameQuestionDelivered, func(ctx context.Context, e event.Event) error {
		return r.PublishQuestionDelivered(ctx, e.(domain.EventQuestionDelivered))
	})
	c.EventBus.Subscribe(domain.EventNameChatReceived, func(ctx context.Context, e event.Event) error {
		return r.PublishChatReceived(ctx, e.(domain.EventChatReceived))
	})
	c.EventBus.Subscribe(domain.EventNameGameCompleted, func(ctx context.Context, e event.Event) error {
		return r.PublishGameCompleted(ctx, e.(domain.EventGameCompleted))
	})
	c.EventBus.Subscribe(domain.EventNameSessionInvalidated, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventSessionInvalidated)
		return r.publishRoom(ctx, ev.RoomCode, ev.Name(), Invalidated{Reason: ev.Reason})
	})
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return r.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return r
}

// PublishQuestionDelivered forwards the question without its answer.
func (r *Relay) PublishQuestionDelivered(ctx context.Context, e domain.EventQuestionDelivered) error {
	q := e.Question

	return r.publishRoom(ctx, e.RoomCode, e.Name(), Question{
		ID:       q.ID,
		Text:     q.Text,
		Options:  q.Options,
		Index:    q.Index,
		Total:    q.Total,
		Deadline: e.Deadline.UnixMilli(),
	})
}

func (r *Relay) PublishChatReceived(ctx context.Context, e domain.EventChatReceived) error {
	m := e.Message

	return r.publishRoom(ctx, e.RoomCode, e.Name(), ChatMessage{
		ID:          m.ID,
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		Text:        m.Text,
		Timestamp:   m.Timestamp.UnixMilli(),
		Kind:        string(m.Kind),
	})
}

func (r *Relay) PublishGameCompleted(ctx context.Context, e domain.EventGameCompleted) error {
	data := Results{
		Standings:      make([]Standing, 0, len(e.Standings)),
		CorrectAnswers: e.Stats.CorrectAnswers,
		TotalQuestions: e.Stats.TotalQuestions,
		AverageMillis:  e.Stats.AverageResponseTime.Round(time.Millisecond).Milliseconds(),
		LongestStreak:  e.Stats.LongestStreak,
		Points:         e.Stats.Points.String(),
	}

	for i, st := range e.Standings {
		data.Standings = append(data.Standings, Standing{
			Rank:     st.Rank,
			Username: st.Player.Name(i),
			Score:    st.Player.Score.String(),
		})
	}

	return r.publishRoom(ctx, e.RoomCode, e.Name(), data)
}

// PublishLeaderboardUpdated notifies the room and every user on the board.
func (r *Relay) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard
	data := NewLeaderboard(l)

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	eg.Go(func() error {
		return r.publishRoom(ctx, l.RoomCode, e.Name(), data)
	})

	for _, entry := range data.Entries {
		eg.Go(func() error {
			return r.publish(ctx, r.UserChannel(entry.Username), e.Name(), data)
		})
	}

	return eg.Wait()
}

// NewLeaderboard converts a leaderboard to its wire form.
func NewLeaderboard(l domain.Leaderboard) Leaderboard {
	data := Leaderboard{
		RoomCode: l.RoomCode,
		Entries:  make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			Username: entry.Username,
			Score:    strconv.FormatFloat(entry.Score, 'f', -1, 64),
		})
	}

	return data
}

func (r *Relay) publishRoom(ctx context.Context, room, event string, data any) error {
	return r.publish(ctx, r.RoomChannel(room), event, data)
}

func (r *Relay) publish(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("relay: marshal %s: %v", event, err)
	}

	return r.redis.Publish(ctx, channel, b).Err()
}

func (r *Relay) RoomChannel(room string) string {
	return fmt.Sprintf("%s:room:%s", r.prefix, room)
}

func (r *Relay) UserChannel(user string) string {
	return fmt.Sprintf("%s:user:%s", r.prefix, user)
}
