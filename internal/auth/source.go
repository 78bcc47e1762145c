package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/victornm/quizroom/internal/errors"
)

const (
	expiryLeeway   = 5 * time.Second
	refreshTimeout = 10 * time.Second
)

const msgSessionExpired = "Session expired. Please log in again."

type SourceConfig struct {
	Client *Client
	Store  Store
	Clock  clockwork.Clock
}

// Source hands out the current bearer token and renews it. At most one refresh is in flight:
// concurrent callers that find the token expired share the same refresh and its result.
type Source struct {
	client *Client
	store  Store
	clock  clockwork.Clock
	group  singleflight.Group
}

func NewSource(c SourceConfig) *Source {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	return &Source{
		client: c.Client,
		store:  c.Store,
		clock:  c.Clock,
	}
}

// Login authenticates and stores the returned tokens.
func (s *Source) Login(ctx context.Context, identifier, password string) (*Result, error) {
	res, err := s.client.Login(ctx, identifier, password)
	if err != nil {
		return nil, err
	}

	if res.Tokens.AccessToken == "" {
		return nil, errors.New(errors.CodeInternal, errors.WithMessagef("auth: login response has no access token"))
	}

	if err := s.store.SetTokens(ctx, res.Tokens); err != nil {
		return nil, err
	}

	return res, nil
}

// Me returns the user behind the current token.
func (s *Source) Me(ctx context.Context) (*Result, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.client.Me(ctx, token)
	if err != nil {
		return nil, err
	}

	if res.Tokens.AccessToken != "" {
		if err := s.store.SetTokens(ctx, res.Tokens); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// Token returns the current access token, refreshing it first when its expiry has passed.
// Tokens that are not JWTs are returned as they are.
func (s *Source) Token(ctx context.Context) (string, error) {
	t, err := s.store.Tokens(ctx)
	if err != nil {
		return "", err
	}

	if t.AccessToken == "" {
		if t.RefreshToken != "" {
			return s.Refresh(ctx)
		}
		return "", errors.New(errors.CodeUnauthenticated, errors.WithMessagef("not logged in"))
	}

	if s.expired(t.AccessToken) {
		return s.Refresh(ctx)
	}

	return t.AccessToken, nil
}

// Refresh exchanges the refresh token for a new access token. A failed refresh clears the store.
func (s *Source) Refresh(ctx context.Context) (string, error) {
	ch := s.group.DoChan("refresh", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		return s.refresh(ctx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

func (s *Source) refresh(ctx context.Context) (string, error) {
	t, err := s.store.Tokens(ctx)
	if err != nil {
		return "", err
	}

	if t.RefreshToken == "" {
		return "", s.expire(ctx, fmt.Errorf("no refresh token available"))
	}

	res, err := s.client.Refresh(ctx, t.RefreshToken)
	if err != nil {
		return "", s.expire(ctx, err)
	}

	if res.Tokens.AccessToken == "" {
		return "", s.expire(ctx, fmt.Errorf("refresh response has no access token"))
	}

	if err := s.store.SetTokens(ctx, res.Tokens); err != nil {
		return "", err
	}

	slog.InfoContext(ctx, "auth: access token refreshed")
	return res.Tokens.AccessToken, nil
}

func (s *Source) expire(ctx context.Context, cause error) error {
	slog.WarnContext(ctx, "auth: token refresh failed", "error", cause)

	if err := s.store.Clear(ctx); err != nil {
		slog.ErrorContext(ctx, "auth: clear tokens failed", "error", err)
	}

	return errors.New(errors.CodeUnauthenticated, errors.WithMessagef(msgSessionExpired), errors.WithCause(cause))
}

func (s *Source) expired(token string) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}

	if claims.ExpiresAt == nil {
		return false
	}

	return !s.clock.Now().Add(expiryLeeway).Before(claims.ExpiresAt.Time)
}
