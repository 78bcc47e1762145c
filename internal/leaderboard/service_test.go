package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/leaderboard"
)

func TestService_RecordGame(t *testing.T) {
	s, _ := makeService(t)

	err := s.RecordGame(context.Background(), completed("ABC123",
		player("u1", "1.1"),
		player("u2", "7"),
	))
	require.NoError(t, err)

	resp, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{
		RoomCode: "ABC123",
	})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		RoomCode: "ABC123",
		Entries: []domain.LeaderboardEntry{
			{Username: "u2", Score: 7},
			{Username: "u1", Score: 1.1},
		},
	}
	require.Equal(t, want, resp)
}

func TestService_GetLeaderboard_NotFound(t *testing.T) {
	s, _ := makeService(t)

	_, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{RoomCode: "NOPE00"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestService_GlobalLeaderboard(t *testing.T) {
	s, rs := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.RecordGame(ctx, completed("ROOM01", player("u1", "10"), player("u2", "4"))))
	require.NoError(t, s.RecordGame(ctx, completed("ROOM02", player("u2", "9"), player("u3", "1"))))

	// A second client of ROOM01 reporting the same game does not count twice.
	require.NoError(t, s.RecordGame(ctx, completed("ROOM01", player("u1", "10"), player("u2", "4"))))

	l, err := s.GetGlobalLeaderboard(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []domain.LeaderboardEntry{
		{Username: "u2", Score: 13},
		{Username: "u1", Score: 10},
	}, l.Entries)

	// Once the window passes the room can be recorded again.
	rs.FastForward(time.Minute)
	require.NoError(t, s.RecordGame(ctx, completed("ROOM01", player("u1", "1"))))

	l, err = s.GetGlobalLeaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, l.Entries, 3)
	assert.Equal(t, domain.LeaderboardEntry{Username: "u2", Score: 13}, l.Entries[0])
	assert.Equal(t, domain.LeaderboardEntry{Username: "u1", Score: 11}, l.Entries[1])
}

func TestService_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventGameCompleted
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish leaderboard.updated after receiving game.completed": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventGameCompleted{
						completed("ABC123", player("u1", "1.1")),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					RoomCode: "ABC123",
					Entries: []domain.LeaderboardEntry{
						{Username: "u1", Score: 1.1},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"should publish 2 events for 2 different rooms": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventGameCompleted{
						completed("ROOM01", player("u1", "1.1")),
						completed("ROOM02", player("u2", "2.2")),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated events")
			},
		},

		"should publish once when the same room completes twice within the record window": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventGameCompleted{
						completed("ABC123", player("u1", "1.1")),
						completed("ABC123", player("u1", "1.1")),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},

		"should publish nothing for a game without players": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventGameCompleted{
						completed("ABC123"),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Empty(t, out.publishedEvents)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s, _ := makeService(t,
				withEventBus(eb),
			)

			for _, e := range in.receivedEvents {
				err := s.RecordGame(context.Background(), e)
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func TestService_SubscribesToGameCompleted(t *testing.T) {
	eb := event.NewBus()
	s, _ := makeService(t, withEventBus(eb))

	eb.Publish(context.Background(), completed("ABC123", player("u1", "3")))
	eb.Stop()

	l, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{RoomCode: "ABC123"})
	require.NoError(t, err)
	assert.Equal(t, []domain.LeaderboardEntry{{Username: "u1", Score: 3}}, l.Entries)
}

func completed(room string, players ...domain.Player) domain.EventGameCompleted {
	return domain.EventGameCompleted{
		RoomCode:    room,
		Standings:   leaderboard.Standings(players),
		CompletedAt: time.Now(),
	}
}

func player(username, score string) domain.Player {
	return domain.Player{
		UserID:   "id-" + username,
		Username: username,
		Score:    decimal.RequireFromString(score),
	}
}

func makeService(t *testing.T, opts ...options) (*leaderboard.Service, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "quizroom",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c), rs
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}
