// Package session holds the signed-in front desk session and keeps it usable:
// a cheap local liveness check on the access token and a refresh through GoTrue.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gymdesk/frontdesk/supabase/client"
)

// Session errors
var (
	ErrNoSession      = errors.New("no active session")
	ErrSessionExpired = errors.New("session expired")
	ErrNoRefreshToken = errors.New("session has no refresh token")
)

// Authenticator is the subset of the GoTrue client the store needs.
type Authenticator interface {
	SignInWithPassword(ctx context.Context, email, password string) (*client.Session, error)
	RefreshToken(ctx context.Context, refreshToken string) (*client.Session, error)
	GetUser(ctx context.Context, accessToken string) (*client.User, error)
}

// Config configures a Store.
type Config struct {
	// Leeway treats a token as expired this long before its exp claim.
	Leeway time.Duration
	// ProbeRemote also asks GoTrue whether the token is accepted.
	ProbeRemote bool
}

// Store owns the current session. It is safe for concurrent use and
// implements client.TokenSource.
type Store struct {
	mu        sync.RWMutex
	auth      Authenticator
	cfg       Config
	current   *client.Session
	expiresAt time.Time
	now       func() time.Time

	hooksMu sync.Mutex
	hooks   []func(accessToken string)
}

// NewStore creates an empty session store.
func NewStore(auth Authenticator, cfg Config) *Store {
	if cfg.Leeway <= 0 {
		cfg.Leeway = 10 * time.Second
	}
	return &Store{
		auth: auth,
		cfg:  cfg,
		now:  time.Now,
	}
}

// SignIn obtains a session with email/password and stores it.
func (s *Store) SignIn(ctx context.Context, email, password string) error {
	sess, err := s.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	s.Set(sess)
	return nil
}

// Set replaces the stored session.
func (s *Store) Set(sess *client.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = sess
	s.expiresAt = time.Time{}
	if sess == nil {
		return
	}
	s.expiresAt = expiryOf(sess, s.now())
}

// Clear drops the stored session.
func (s *Store) Clear() {
	s.Set(nil)
}

// AccessToken returns the current access token, or "" without a session.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.AccessToken
}

// ExpiresAt returns when the current access token stops being usable.
func (s *Store) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// CheckSession reports whether the stored session is usable right now.
func (s *Store) CheckSession(ctx context.Context) error {
	s.mu.RLock()
	sess := s.current
	expiresAt := s.expiresAt
	s.mu.RUnlock()

	if sess == nil || sess.AccessToken == "" {
		return ErrNoSession
	}
	if !expiresAt.IsZero() && !s.now().Add(s.cfg.Leeway).Before(expiresAt) {
		return ErrSessionExpired
	}

	if s.cfg.ProbeRemote {
		if _, err := s.auth.GetUser(ctx, sess.AccessToken); err != nil {
			return fmt.Errorf("probe session: %w", err)
		}
	}
	return nil
}

// RefreshSession exchanges the refresh token for a new session.
func (s *Store) RefreshSession(ctx context.Context) error {
	s.mu.RLock()
	var refresh string
	if s.current != nil {
		refresh = s.current.RefreshToken
	}
	s.mu.RUnlock()

	if refresh == "" {
		return ErrNoRefreshToken
	}

	sess, err := s.auth.RefreshToken(ctx, refresh)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	s.Set(sess)

	s.hooksMu.Lock()
	hooks := append([]func(string){}, s.hooks...)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(sess.AccessToken)
	}
	return nil
}

// OnRefresh registers fn to run with the new access token after every
// successful refresh. Long-lived connections use it to re-authorize.
func (s *Store) OnRefresh(fn func(accessToken string)) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

// expiryOf prefers the token's exp claim, then expires_at, then expires_in.
func expiryOf(sess *client.Session, now time.Time) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(sess.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	if sess.ExpiresAt > 0 {
		return time.Unix(sess.ExpiresAt, 0)
	}
	if sess.ExpiresIn > 0 {
		return now.Add(time.Duration(sess.ExpiresIn) * time.Second)
	}
	return time.Time{}
}
