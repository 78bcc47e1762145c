package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store keeps the current token pair. A missing pair is reported as zero Tokens, not an error.
type Store interface {
	Tokens(ctx context.Context) (Tokens, error)
	// SetTokens replaces the access token. The refresh token is only replaced when set.
	SetTokens(ctx context.Context, t Tokens) error
	Clear(ctx context.Context) error
}

type MemoryStore struct {
	mu sync.RWMutex
	t  Tokens
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Tokens(context.Context) (Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.t, nil
}

func (s *MemoryStore) SetTokens(_ context.Context, t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.t.AccessToken = t.AccessToken
	if t.RefreshToken != "" {
		s.t.RefreshToken = t.RefreshToken
	}

	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.t = Tokens{}
	return nil
}

const (
	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"
)

// RedisStore keeps the token pair in a hash, so several bot processes can share one login.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStore(r redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{redis: r, prefix: prefix}
}

func (s *RedisStore) Tokens(ctx context.Context) (Tokens, error) {
	m, err := s.redis.HGetAll(ctx, s.key()).Result()
	if err != nil {
		return Tokens{}, fmt.Errorf("auth: get tokens: %w", err)
	}

	return Tokens{
		AccessToken:  m[fieldAccessToken],
		RefreshToken: m[fieldRefreshToken],
	}, nil
}

func (s *RedisStore) SetTokens(ctx context.Context, t Tokens) error {
	values := []any{fieldAccessToken, t.AccessToken}
	if t.RefreshToken != "" {
		values = append(values, fieldRefreshToken, t.RefreshToken)
	}

	if err := s.redis.HSet(ctx, s.key(), values...).Err(); err != nil {
		return fmt.Errorf("auth: set tokens: %w", err)
	}

	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("auth: clear tokens: %w", err)
	}

	return nil
}

func (s *RedisStore) key() string {
	return fmt.Sprintf("%s:tokens", s.prefix)
}
