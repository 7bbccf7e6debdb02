// Package guard decides whether a remote call should be attempted at all:
// the network has to be reachable and the session has to be usable.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/gymdesk/frontdesk/pkg/logger"
)

// Sentinel errors matched with errors.Is.
var (
	ErrOffline            = errors.New("no network connection")
	ErrSessionUnavailable = errors.New("session unavailable")
)

// ConnectivityError means the network is unreachable. No remote call was made.
type ConnectivityError struct {
	Reason string
}

func (e *ConnectivityError) Error() string {
	if e.Reason == "" {
		return ErrOffline.Error()
	}
	return fmt.Sprintf("%s: %s", ErrOffline, e.Reason)
}

// Is matches ErrOffline.
func (e *ConnectivityError) Is(target error) bool {
	return target == ErrOffline
}

// SessionError means the session was invalid and could not be refreshed.
type SessionError struct {
	Cause error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %v", ErrSessionUnavailable, e.Cause)
}

// Unwrap returns the refresh failure.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Is matches ErrSessionUnavailable.
func (e *SessionError) Is(target error) bool {
	return target == ErrSessionUnavailable
}

// Reachability reports the local network reachability flag.
type Reachability interface {
	Online() bool
}

// SessionProber validates and refreshes the current session.
type SessionProber interface {
	CheckSession(ctx context.Context) error
	RefreshSession(ctx context.Context) error
}

// Guard runs the pre-flight checks before each remote attempt.
type Guard struct {
	reach    Reachability
	sessions SessionProber
	log      *logger.Logger
}

// New creates a guard. A nil reach is treated as always online and a nil
// sessions skips the session check.
func New(reach Reachability, sessions SessionProber, log *logger.Logger) *Guard {
	if log == nil {
		log = logger.NewNop()
	}
	return &Guard{
		reach:    reach,
		sessions: sessions,
		log:      log,
	}
}

// EnsureReady fails fast when offline, otherwise probes the session and
// refreshes it exactly once if the probe fails.
func (g *Guard) EnsureReady(ctx context.Context) error {
	if g.reach != nil && !g.reach.Online() {
		return &ConnectivityError{}
	}
	if g.sessions == nil {
		return nil
	}

	probeErr := g.sessions.CheckSession(ctx)
	if probeErr == nil {
		return nil
	}

	g.log.WithError(probeErr).Warn("session check failed, refreshing")
	if err := g.sessions.RefreshSession(ctx); err != nil {
		return &SessionError{Cause: err}
	}
	return nil
}
