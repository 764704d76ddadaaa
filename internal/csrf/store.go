// Package csrf issues per-session anti-forgery tokens.
package csrf

import (
	"context"
	"crypto/subtle"
	"time"

	"access-guard/internal/common/cache"
	"access-guard/internal/common/clock"
	"access-guard/internal/common/errors"
	"access-guard/internal/common/utils"
)

// DefaultTTL is how long an issued token stays valid
const DefaultTTL = time.Hour

// Token as stored per session
type Token struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

// Store keeps one token per session id
type Store struct {
	tokens cache.Cache[Token]
	ttl    time.Duration
	clock  clock.Clock
}

// NewStore creates a store over tokens (nil uses a local cache)
func NewStore(tokens cache.Cache[Token], ttl time.Duration, clk clock.Clock) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if tokens == nil {
		tokens = cache.NewLocal[Token](ttl, 0)
	}
	return &Store{tokens: tokens, ttl: ttl, clock: clock.OrSystem(clk)}
}

// Issue creates a fresh token for sessionID, replacing any previous one
func (s *Store) Issue(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.ValidationError("session id is required")
	}
	value, err := utils.GenerateToken(32)
	if err != nil {
		return "", errors.InternalError("generate csrf token", err)
	}
	if err := s.tokens.Set(ctx, sessionID, Token{Value: value, IssuedAt: s.clock.Now()}, s.ttl); err != nil {
		return "", errors.StoreError("store csrf token", err)
	}
	return value, nil
}

// Validate compares token with the one issued for sessionID in constant time
func (s *Store) Validate(ctx context.Context, sessionID, token string) bool {
	if sessionID == "" || token == "" {
		return false
	}
	stored, found, err := s.tokens.Get(ctx, sessionID)
	if err != nil || !found {
		return false
	}
	if !s.valid(stored) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored.Value), []byte(token)) == 1
}

// Known reports whether sessionID holds a live token issued by this store
func (s *Store) Known(ctx context.Context, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	stored, found, err := s.tokens.Get(ctx, sessionID)
	return err == nil && found && s.valid(stored)
}

func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	return s.tokens.Delete(ctx, sessionID)
}

// Sweep drops expired tokens
func (s *Store) Sweep(ctx context.Context) (int, error) {
	var expired []string
	err := s.tokens.Range(ctx, func(key string, t Token) bool {
		if !s.valid(t) {
			expired = append(expired, key)
		}
		return true
	})
	if err != nil {
		return 0, errors.StoreError("sweep csrf tokens", err)
	}
	for _, key := range expired {
		if err := s.tokens.Delete(ctx, key); err != nil {
			return 0, errors.StoreError("sweep csrf tokens", err)
		}
	}
	return len(expired), nil
}

func (s *Store) valid(t Token) bool {
	return s.clock.Now().Sub(t.IssuedAt) < s.ttl
}
