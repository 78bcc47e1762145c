package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
)

const (
	// recordWindow is how long a room's results are considered recorded. Every client in the room
	// sees game_completed; only the first one within the window writes the scores.
	recordWindow = 30 * time.Second

	defaultGlobalLimit = 10
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameGameCompleted, func(ctx context.Context, e event.Event) error {
		return s.RecordGame(ctx, e.(domain.EventGameCompleted))
	})

	return s
}

type GetLeaderboardRequest struct {
	RoomCode string
}

// GetLeaderboard returns the final scores of a room, highest first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	entries, err := s.entries(ctx, s.roomKey(req.RoomCode), -1)
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(entries) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: room=%s", req.RoomCode))
	}

	return &domain.Leaderboard{
		RoomCode: req.RoomCode,
		Entries:  entries,
	}, nil
}

// GetGlobalLeaderboard returns the best accumulated scores across every recorded game.
func (s *Service) GetGlobalLeaderboard(ctx context.Context, limit int) (*domain.Leaderboard, error) {
	if limit <= 0 {
		limit = defaultGlobalLimit
	}

	entries, err := s.entries(ctx, s.globalKey(), int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("get global leaderboard: %w", err)
	}

	return &domain.Leaderboard{Entries: entries}, nil
}

func (s *Service) entries(ctx context.Context, key string, stop int64) ([]domain.LeaderboardEntry, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			Username: z.Member.(string),
			Score:    z.Score,
		})
	}

	return entries, nil
}

// RecordGame writes the final scores of a room and adds them to the all-time board, then
// publishes the room's leaderboard.
func (s *Service) RecordGame(ctx context.Context, e domain.EventGameCompleted) error {
	if len(e.Standings) == 0 {
		return nil
	}

	// Several clients of the same room may share this Redis; the first one records.
	ok, err := s.redis.SetNX(ctx, s.recordedKey(e.RoomCode), e.CompletedAt.UnixMilli(), recordWindow).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		slog.DebugContext(ctx, "leaderboard: room already recorded", "room", e.RoomCode)
		return nil
	}

	room := make([]redis.Z, 0, len(e.Standings))
	for i, st := range e.Standings {
		room = append(room, redis.Z{
			Score:  st.Player.Score.InexactFloat64(),
			Member: member(st.Player, i),
		})
	}

	// TODO: retry on error
	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.roomKey(e.RoomCode), room...)
		for _, z := range room {
			p.ZIncrBy(ctx, s.globalKey(), z.Score, z.Member.(string))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record game: room=%s: %w", e.RoomCode, err)
	}

	slog.InfoContext(ctx, "leaderboard: game recorded", "room", e.RoomCode, "players", len(room))
	return s.publishLeaderboard(ctx, e.RoomCode)
}

func (s *Service) publishLeaderboard(ctx context.Context, room string) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		RoomCode: room,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: room=%s: %w", room, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

// member is the sorted-set member of a player: the username when known.
func member(p domain.Player, i int) string {
	if p.Username != "" {
		return p.Username
	}
	if p.UserID != "" {
		return p.UserID
	}

	return p.Name(i)
}

func (s *Service) roomKey(room string) string {
	return fmt.Sprintf("%s:room:%s:leaderboard", s.prefix, room)
}

func (s *Service) recordedKey(room string) string {
	return fmt.Sprintf("%s:room:%s:recorded", s.prefix, room)
}

func (s *Service) globalKey() string {
	return fmt.Sprintf("%s:global:leaderboard", s.prefix)
}
