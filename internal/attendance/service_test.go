package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymdesk/frontdesk/internal/realtime"
)

type stubSource struct {
	mu       sync.Mutex
	emitters map[string]func(realtime.FeedEvent)
	stopped  map[string]int
}

func newStubSource() *stubSource {
	return &stubSource{
		emitters: make(map[string]func(realtime.FeedEvent)),
		stopped:  make(map[string]int),
	}
}

func (s *stubSource) Listen(ctx context.Context, streamID string, emit func(realtime.FeedEvent)) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitters[streamID] = emit
	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stopped[streamID]++
		return nil
	}, nil
}

func (s *stubSource) emit(streamID, id string) {
	s.mu.Lock()
	emit := s.emitters[streamID]
	s.mu.Unlock()
	emit(realtime.FeedEvent{ID: id, Payload: map[string]any{"id": id}})
}

func (s *stubSource) stops(streamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped[streamID]
}

func newTestService(t *testing.T, fetch Fetcher) (*Service, *stubSource) {
	t.Helper()
	src := newStubSource()
	hub := realtime.NewHub(src, realtime.Config{})
	t.Cleanup(func() { _ = hub.Close() })
	return NewService(NewReconciler(fetch, ReconcilerConfig{}), hub, ServiceConfig{}), src
}

func TestService_LoadRecentCheckInsDefaultsLimit(t *testing.T) {
	fetch := &fakeFetcher{recent: items("7", "6", "5", "4", "3", "2", "1")}
	svc, _ := newTestService(t, fetch)

	st, err := svc.LoadRecentCheckIns(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, st.Items, RecentLimit)
}

func TestService_SubscribeMergesAndCallsHookFirst(t *testing.T) {
	fetch := &fakeFetcher{recent: items("2", "1")}
	svc, src := newTestService(t, fetch)
	ctx := context.Background()

	_, err := svc.LoadRecentCheckIns(ctx, 5)
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		hookSawID string
		hookItems []string
	)
	unsub, err := svc.SubscribeToAttendanceInserts(ctx, SubscribeOptions{
		OnInsert: func(ev realtime.FeedEvent) {
			mu.Lock()
			defer mu.Unlock()
			hookSawID = ev.ID
			hookItems = ids(svc.Reconciler().Items())
		},
	})
	require.NoError(t, err)
	defer unsub()

	src.emit(DefaultChannel, "3")

	require.Eventually(t, func() bool {
		return len(svc.Reconciler().Items()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"3", "2", "1"}, ids(svc.Reconciler().Items()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "3", hookSawID)
	assert.Equal(t, []string{"2", "1"}, hookItems, "hook runs before the merge")
}

func TestService_HookPanicDoesNotBlockMerge(t *testing.T) {
	svc, src := newTestService(t, &fakeFetcher{})

	_, err := svc.SubscribeToAttendanceInserts(context.Background(), SubscribeOptions{
		OnInsert: func(ev realtime.FeedEvent) { panic("stats exploded") },
	})
	require.NoError(t, err)

	src.emit(DefaultChannel, "1")
	require.Eventually(t, func() bool {
		return len(svc.Reconciler().Items()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestService_ResubscribeTearsDownPrevious(t *testing.T) {
	svc, src := newTestService(t, &fakeFetcher{})
	ctx := context.Background()

	_, err := svc.SubscribeToAttendanceInserts(ctx, SubscribeOptions{ChannelName: "front"})
	require.NoError(t, err)
	_, err = svc.SubscribeToAttendanceInserts(ctx, SubscribeOptions{ChannelName: "back"})
	require.NoError(t, err)

	assert.Equal(t, 1, src.stops("front"))
	assert.Zero(t, src.stops("back"))
}

func TestService_UnsubscribeClearsList(t *testing.T) {
	fetch := &fakeFetcher{recent: items("2", "1")}
	svc, src := newTestService(t, fetch)
	ctx := context.Background()

	_, err := svc.LoadRecentCheckIns(ctx, 5)
	require.NoError(t, err)
	unsub, err := svc.SubscribeToAttendanceInserts(ctx, SubscribeOptions{})
	require.NoError(t, err)

	unsub()
	unsub()
	svc.Unsubscribe()

	assert.Empty(t, svc.Reconciler().Items())
	assert.Equal(t, 1, src.stops(DefaultChannel))
}

func TestService_StaleHandleDoesNotEndNewSubscription(t *testing.T) {
	fetch := &fakeFetcher{recent: items("1")}
	svc, src := newTestService(t, fetch)
	ctx := context.Background()

	first, err := svc.SubscribeToAttendanceInserts(ctx, SubscribeOptions{})
	require.NoError(t, err)
	_, err = svc.SubscribeToAttendanceInserts(ctx, SubscribeOptions{})
	require.NoError(t, err)

	_, err = svc.LoadRecentCheckIns(ctx, 5)
	require.NoError(t, err)

	first()
	assert.Equal(t, []string{"1"}, ids(svc.Reconciler().Items()))
	assert.Equal(t, 1, src.stops(DefaultChannel))
}
