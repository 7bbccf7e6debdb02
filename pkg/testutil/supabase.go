// Package testutil provides common testing utilities shared by the frontdesk
// packages: a Supabase client bound to a fake server, sleepers and clocks.
package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gymdesk/frontdesk/supabase/client"
)

// AnonKey is the API key every test client sends.
const AnonKey = "anon"

// NewSupabaseClient starts an httptest server running handler and returns a
// client pointed at it. Both are torn down when the test ends.
func NewSupabaseClient(t testing.TB, handler http.Handler) *client.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := client.New(client.Config{URL: srv.URL, APIKey: AnonKey})
	if err != nil {
		t.Fatalf("create supabase client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// NoSleep returns immediately unless ctx is already done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// RecordingSleeper records every requested wait without sleeping.
type RecordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

// Sleep records d.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

// Waits returns a copy of the recorded waits.
func (s *RecordingSleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

// FixedClock returns a clock stuck at t.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
