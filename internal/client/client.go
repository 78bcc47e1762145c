package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizroom/internal/auth"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/gateway"
	"github.com/victornm/quizroom/internal/invitation"
	"github.com/victornm/quizroom/internal/leaderboard"
	"github.com/victornm/quizroom/internal/realtime"
	"github.com/victornm/quizroom/internal/relay"
	"github.com/victornm/quizroom/internal/rest"
	"github.com/victornm/quizroom/internal/session"
	"github.com/victornm/quizroom/internal/telemetry"
)

type Config struct {
	BaseURL string

	Realtime struct {
		Path             string
		BackoffInitial   time.Duration
		BackoffMax       time.Duration
		KeepAlive        time.Duration
		WriteTimeout     time.Duration
		HandshakeTimeout time.Duration
	}

	Auth struct {
		Identifier string
		Password   string
	}

	Room struct {
		// Code of the room to join. A room is created when it is empty.
		Code     string
		Mode     string
		Password string

		Create struct {
			RoomName        string
			MaxPlayers      int
			QuestionCount   int
			TimePerQuestion time.Duration
			Categories      []string
			Difficulties    []string
			IsPrivate       bool
			Password        string
		}
	}

	Bot struct {
		ThinkTime time.Duration
		// Answer is the option index picked for every question.
		Answer    int
		AutoReady bool
		AutoStart bool
	}

	Invitation struct {
		Enabled       bool
		URL           string
		APIKey        string
		Model         string
		ScheduledTime string
		Category      string
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	// HTTP serves diagnostics. Port 0 disables it.
	HTTP struct {
		Port int32
	}
}

// DefaultConfig returns the values used for keys missing from the config file and environment.
func DefaultConfig() Config {
	var c Config
	c.BaseURL = "http://localhost:3001"
	c.Realtime.Path = "/ws"
	c.Room.Mode = string(session.JoinSmart)
	c.Room.Create.MaxPlayers = 8
	c.Room.Create.QuestionCount = 10
	c.Room.Create.TimePerQuestion = 30 * time.Second
	c.Bot.ThinkTime = 2 * time.Second
	c.Bot.AutoReady = true
	c.Bot.AutoStart = true
	c.Invitation.URL = "https://api.openai.com/v1"
	c.Invitation.Model = "gpt-4o-mini"
	c.Invitation.ScheduledTime = "right now"
	c.Invitation.Category = "general knowledge"
	c.Redis.Prefix = "quizroom"
	c.HTTP.Port = 8080
	return c
}

// Client plays one room with the configured account and serves its diagnostics.
type Client struct {
	c Config

	eb *event.Bus

	infra struct {
		redis redis.UniversalClient
	}

	auth struct {
		store  auth.Store
		source *auth.Source
	}

	service struct {
		gateway     *gateway.Gateway
		leaderboard *leaderboard.Service
		relay       *relay.Relay
		invitation  invitation.Generator
	}

	realtime realtime.Config

	mu      sync.Mutex
	session *session.Controller
	// last is the view of the game played before leaving the room.
	last *session.View

	engine *gin.Engine
	http   *http.Server
}

func Init(c Config) (*Client, error) {
	s := &Client{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("client: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("client: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Client) initInfra() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(s.c.Redis.Addrs) == 0 {
		slog.InfoContext(ctx, "client: redis not configured, tokens are kept in memory and no leaderboard is recorded")
		return nil
	}

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	s.infra.redis = r
	return nil
}

func (s *Client) initService() error {
	url, err := realtime.URLFromBase(s.c.BaseURL, s.c.Realtime.Path)
	if err != nil {
		return err
	}

	s.realtime = realtime.Config{
		URL:              url,
		BackoffInitial:   s.c.Realtime.BackoffInitial,
		BackoffMax:       s.c.Realtime.BackoffMax,
		KeepAlive:        s.c.Realtime.KeepAlive,
		WriteTimeout:     s.c.Realtime.WriteTimeout,
		HandshakeTimeout: s.c.Realtime.HandshakeTimeout,
	}

	rc := rest.NewClient(rest.Config{BaseURL: s.c.BaseURL})

	s.auth.store = auth.NewMemoryStore()
	if s.infra.redis != nil {
		s.auth.store = auth.NewRedisStore(s.infra.redis, s.c.Redis.Prefix)
	}

	s.auth.source = auth.NewSource(auth.SourceConfig{
		Client: auth.NewClient(rc),
		Store:  s.auth.store,
	})

	s.service.gateway = gateway.New(gateway.Config{
		REST:   rc,
		Tokens: s.auth.source,
	})

	if s.infra.redis != nil {
		s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
			EventBus: s.eb,
			Redis:    s.infra.redis,
			Prefix:   s.c.Redis.Prefix,
		})

		s.service.relay = relay.New(relay.Config{
			EventBus: s.eb,
			Redis:    s.infra.redis,
			Prefix:   s.c.Redis.Prefix,
		})
	}

	if s.c.Invitation.Enabled {
		s.service.invitation = invitation.Template{}
		if s.c.Invitation.APIKey != "" {
			s.service.invitation = invitation.NewHTTPGenerator(invitation.HTTPConfig{
				URL:    s.c.Invitation.URL,
				APIKey: s.c.Invitation.APIKey,
				Model:  s.c.Invitation.Model,
			})
		}
	}

	return nil
}

func (s *Client) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	e.GET("/healthz", s.health)
	e.GET("/session", s.view)
	e.GET("/leaderboard", s.globalLeaderboard)
	e.GET("/leaderboard/:room", s.roomLeaderboard)

	s.engine = e

	if s.c.HTTP.Port == 0 {
		return
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// Handler returns the diagnostics handler, whether or not the HTTP server is enabled.
func (s *Client) Handler() http.Handler {
	return s.engine
}

// Start plays the configured room and blocks until the game is over, the session is invalidated,
// or ctx is done.
func (s *Client) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	if s.http != nil {
		eg.Go(func() error {
			slog.InfoContext(ctx, fmt.Sprintf("client: HTTP listening on port %d", s.c.HTTP.Port))
			if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	eg.Go(func() error {
		defer s.stopHTTP()
		return s.play(ctx)
	})

	err := eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "client: stopped with error", "error", err)
	}

	return err
}

func (s *Client) Shutdown() {
	ctx := context.Background()

	s.stopHTTP()
	s.eb.Stop()

	if s.infra.redis != nil {
		if err := s.infra.redis.Close(); err != nil {
			slog.ErrorContext(ctx, "client: close redis failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "client: shutdown completed")
}

func (s *Client) stopHTTP() {
	if s.http == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "client: shutdown HTTP failed", "error", err)
	}
}

func (s *Client) setSession(c *session.Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = c
}

func (s *Client) setLastView(v session.View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = &v
}

func (s *Client) lastView() (session.View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil {
		return session.View{}, false
	}
	return *s.last, true
}

// Session returns the controller of the room being played, nil before the bot has logged in.
func (s *Client) Session() *session.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.session
}
