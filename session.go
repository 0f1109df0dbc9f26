package capsule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session reads and writes the signed-in user's token and profile.
type Session struct {
	store Store
}

// NewSession wraps store.
func NewSession(store Store) *Session {
	return &Session{store: store}
}

// Token returns the stored bearer token, or "" when signed out. A stored value
// that does not decode yields ErrMalformedToken.
func (s *Session) Token(ctx context.Context) (string, error) {
	raw, ok, err := s.store.Get(ctx, KeyAuthTokens)
	if err != nil || !ok {
		return "", err
	}
	var token string
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return token, nil
}

func (s *Session) SetToken(ctx context.Context, token string) error {
	return setJSON(ctx, s.store, KeyAuthTokens, token)
}

// ClearToken removes only the token, leaving the cached profile.
func (s *Session) ClearToken(ctx context.Context) error {
	return s.store.Remove(ctx, KeyAuthTokens)
}

// User returns the cached profile, or nil when none is stored.
func (s *Session) User(ctx context.Context) (*User, error) {
	var u User
	ok, err := getJSON(ctx, s.store, KeyUser, &u)
	if err != nil || !ok {
		return nil, err
	}
	return &u, nil
}

func (s *Session) SetUser(ctx context.Context, u *User) error {
	return setJSON(ctx, s.store, KeyUser, u)
}

// Save stores a successful login or registration.
func (s *Session) Save(ctx context.Context, auth *AuthData) error {
	if err := s.SetToken(ctx, auth.Token); err != nil {
		return err
	}
	return s.SetUser(ctx, &auth.User)
}

// Clear signs out locally.
func (s *Session) Clear(ctx context.Context) error {
	return errors.Join(
		s.store.Remove(ctx, KeyAuthTokens),
		s.store.Remove(ctx, KeyUser),
	)
}

// IsAuthenticated reports whether a well-formed token is stored.
func (s *Session) IsAuthenticated(ctx context.Context) bool {
	token, err := s.Token(ctx)
	return err == nil && token != ""
}

// ExpiresAt reads the exp claim without verifying the signature. ok is false
// when there is no token or it carries no expiry.
func (s *Session) ExpiresAt(ctx context.Context) (time.Time, bool) {
	token, err := s.Token(ctx)
	if err != nil || token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
