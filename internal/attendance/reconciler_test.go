package attendance

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymdesk/frontdesk/internal/realtime"
)

// fakeFetcher serves items from memory and counts calls.
type fakeFetcher struct {
	mu          sync.Mutex
	recent      []RecentItem
	recentErr   error
	byIDErr     error
	recentCalls int
	byIDCalls   int
	// release, when set, blocks FetchRecent until closed.
	release chan struct{}
}

func (f *fakeFetcher) FetchRecent(ctx context.Context, limit int) ([]RecentItem, error) {
	f.mu.Lock()
	f.recentCalls++
	release := f.release
	items, err := cloneItems(f.recent), f.recentErr
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeFetcher) FetchByID(ctx context.Context, id string) (RecentItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byIDCalls++
	if f.byIDErr != nil {
		return RecentItem{}, f.byIDErr
	}
	return item(id), nil
}

func item(id string) RecentItem {
	return RecentItem{ID: id, Name: "Socio " + id, DNI: "-", Time: "10:00", Status: StatusActive, StatusLabel: StatusLabelActive}
}

func items(ids ...string) []RecentItem {
	out := make([]RecentItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, item(id))
	}
	return out
}

func ids(list []RecentItem) []string {
	out := make([]string, 0, len(list))
	for _, it := range list {
		out = append(out, it.ID)
	}
	return out
}

func event(id string) realtime.FeedEvent {
	return realtime.FeedEvent{ID: id, Payload: map[string]any{"id": id}}
}

func TestReconciler_Scenario(t *testing.T) {
	fetch := &fakeFetcher{recent: items("5", "4", "3", "2", "1")}
	rec := NewReconciler(fetch, ReconcilerConfig{})
	ctx := context.Background()

	_, err := rec.ReplaceAll(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "4", "3", "2", "1"}, ids(rec.Items()))

	assert.Equal(t, OutcomeMerged, rec.MergeEvent(ctx, event("6"), 5))
	assert.Equal(t, []string{"6", "5", "4", "3", "2"}, ids(rec.Items()))

	assert.Equal(t, OutcomeDuplicate, rec.MergeEvent(ctx, event("3"), 5))
	assert.Equal(t, []string{"6", "5", "4", "3", "2"}, ids(rec.Items()))
}

func TestReconciler_IdempotentDedup(t *testing.T) {
	rec := NewReconciler(&fakeFetcher{}, ReconcilerConfig{})
	ctx := context.Background()

	rec.MergeEvent(ctx, event("7"), 5)
	rec.MergeEvent(ctx, event("7"), 5)

	assert.Equal(t, []string{"7"}, ids(rec.Items()))
}

func TestReconciler_BoundedSizeAndRecencyOrder(t *testing.T) {
	fetch := &fakeFetcher{recent: items("a", "b", "c", "d", "e", "f", "g")}
	rec := NewReconciler(fetch, ReconcilerConfig{})
	ctx := context.Background()
	const limit = 3

	_, err := rec.ReplaceAll(ctx, limit)
	require.NoError(t, err)
	assert.Len(t, rec.Items(), limit)

	for i := 1; i <= 10; i++ {
		rec.MergeEvent(ctx, event(strconv.Itoa(i)), limit)
		assert.LessOrEqual(t, len(rec.Items()), limit)
	}
	assert.Equal(t, []string{"10", "9", "8"}, ids(rec.Items()))
}

func TestReconciler_FallbackReloadsExactlyOnce(t *testing.T) {
	fetch := &fakeFetcher{
		recent:  items("3", "2", "1"),
		byIDErr: errors.New("query attendance.by_id failed after 4 attempts"),
	}
	rec := NewReconciler(fetch, ReconcilerConfig{})

	outcome := rec.MergeEvent(context.Background(), event("4"), 5)

	assert.Equal(t, OutcomeFallback, outcome)
	assert.Equal(t, 1, fetch.byIDCalls)
	assert.Equal(t, 1, fetch.recentCalls)
	assert.Equal(t, []string{"3", "2", "1"}, ids(rec.Items()))
	assert.Empty(t, rec.State().Error)
}

func TestReconciler_FallbackFailureIsNotPropagated(t *testing.T) {
	fetch := &fakeFetcher{
		byIDErr:   errors.New("offline"),
		recentErr: errors.New("offline"),
	}
	rec := NewReconciler(fetch, ReconcilerConfig{})

	assert.Equal(t, OutcomeFallback, rec.MergeEvent(context.Background(), event("4"), 5))
	assert.Equal(t, 1, fetch.recentCalls)
	assert.Equal(t, "offline", rec.State().Error)
}

func TestReconciler_ReplaceAllFailureClearsList(t *testing.T) {
	fetch := &fakeFetcher{recent: items("2", "1")}
	rec := NewReconciler(fetch, ReconcilerConfig{})
	ctx := context.Background()

	_, err := rec.ReplaceAll(ctx, 5)
	require.NoError(t, err)

	fetch.mu.Lock()
	fetch.recentErr = errors.New("session expired")
	fetch.mu.Unlock()

	st, err := rec.ReplaceAll(ctx, 5)
	require.Error(t, err)
	assert.Empty(t, st.Items)
	assert.Equal(t, "session expired", st.Error)
	assert.False(t, st.Loading)

	fetch.mu.Lock()
	fetch.recentErr = nil
	fetch.mu.Unlock()

	st, err = rec.ReplaceAll(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, st.Error, "a successful reload clears the error")
	assert.Len(t, st.Items, 2)
}

func TestReconciler_SkipsEventsWithoutID(t *testing.T) {
	fetch := &fakeFetcher{}
	rec := NewReconciler(fetch, ReconcilerConfig{})

	assert.Equal(t, OutcomeSkipped, rec.MergeEvent(context.Background(), realtime.FeedEvent{}, 5))
	assert.Zero(t, fetch.byIDCalls)
}

func TestReconciler_LoadingFlagDuringReload(t *testing.T) {
	fetch := &fakeFetcher{recent: items("1"), release: make(chan struct{})}
	rec := NewReconciler(fetch, ReconcilerConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = rec.ReplaceAll(context.Background(), 5)
	}()

	require.Eventually(t, func() bool { return rec.State().Loading }, time.Second, time.Millisecond)
	close(fetch.release)
	<-done
	assert.False(t, rec.State().Loading)
}

func TestReconciler_MergeDuringReplaceAppliesBeforeOrAfter(t *testing.T) {
	fetch := &fakeFetcher{recent: items("3", "2", "1"), release: make(chan struct{})}
	rec := NewReconciler(fetch, ReconcilerConfig{})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = rec.ReplaceAll(ctx, 5)
	}()
	require.Eventually(t, func() bool { return rec.State().Loading }, time.Second, time.Millisecond)

	// Lands on the old list; the pending reload then swaps in its own.
	rec.MergeEvent(ctx, event("9"), 5)
	assert.Equal(t, []string{"9"}, ids(rec.Items()))

	close(fetch.release)
	<-done
	assert.Equal(t, []string{"3", "2", "1"}, ids(rec.Items()))

	rec.MergeEvent(ctx, event("9"), 5)
	assert.Equal(t, []string{"9", "3", "2", "1"}, ids(rec.Items()))
}

func TestReconciler_Watch(t *testing.T) {
	rec := NewReconciler(&fakeFetcher{}, ReconcilerConfig{})
	states, cancel := rec.Watch()

	initial := <-states
	assert.Empty(t, initial.Items)

	rec.MergeEvent(context.Background(), event("1"), 5)
	rec.MergeEvent(context.Background(), event("2"), 5)

	// Only the latest state is kept for a slow reader.
	latest := <-states
	assert.Equal(t, []string{"2", "1"}, ids(latest.Items))

	cancel()
	cancel()
	_, open := <-states
	assert.False(t, open)

	rec.MergeEvent(context.Background(), event("3"), 5)
}

func TestReconciler_ClearAndSnapshotIsolation(t *testing.T) {
	rec := NewReconciler(&fakeFetcher{}, ReconcilerConfig{})
	rec.MergeEvent(context.Background(), event("1"), 5)

	snapshot := rec.Items()
	snapshot[0].Name = "mutated"
	assert.Equal(t, "Socio 1", rec.Items()[0].Name)

	rec.Clear()
	assert.Empty(t, rec.Items())
}
