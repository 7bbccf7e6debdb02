package attendance

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gymdesk/frontdesk/internal/metrics"
	"github.com/gymdesk/frontdesk/internal/realtime"
	"github.com/gymdesk/frontdesk/pkg/logger"
)

// RecentLimit is the default list length.
const RecentLimit = 5

// Fetcher loads projected check-ins.
type Fetcher interface {
	FetchRecent(ctx context.Context, limit int) ([]RecentItem, error)
	FetchByID(ctx context.Context, id string) (RecentItem, error)
}

// State is a snapshot of the list and its status flags.
type State struct {
	Items   []RecentItem `json:"items"`
	Loading bool         `json:"loading"`
	Error   string       `json:"error,omitempty"`
}

// Outcome describes what MergeEvent did with an event.
type Outcome string

const (
	OutcomeMerged    Outcome = metrics.MergeApplied
	OutcomeDuplicate Outcome = metrics.MergeDuplicate
	OutcomeFallback  Outcome = metrics.MergeFallback
	OutcomeSkipped   Outcome = "skipped"
)

// Reconciler owns the recent-items list. Every read-modify-write of the
// list happens under mu; remote fetches happen outside it.
type Reconciler struct {
	fetch   Fetcher
	metrics metrics.Recorder
	log     *logger.Logger
	stream  string

	mu       sync.Mutex
	items    []RecentItem
	loading  int
	errMsg   string
	watchers map[int]chan State
	nextID   int
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// Stream labels the list in metrics.
	Stream  string
	Metrics metrics.Recorder
	Logger  *logger.Logger
}

// NewReconciler creates an empty list backed by fetch.
func NewReconciler(fetch Fetcher, cfg ReconcilerConfig) *Reconciler {
	if cfg.Stream == "" {
		cfg.Stream = DefaultChannel
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpCollector()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Reconciler{
		fetch:    fetch,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		stream:   cfg.Stream,
		watchers: make(map[int]chan State),
	}
}

// ReplaceAll reloads the latest limit check-ins and swaps them in. On
// failure the list is cleared, the error message recorded and the error
// returned.
func (r *Reconciler) ReplaceAll(ctx context.Context, limit int) (State, error) {
	limit = normalizeLimit(limit)

	r.mu.Lock()
	r.loading++
	r.errMsg = ""
	r.publishLocked()
	r.mu.Unlock()

	items, err := r.fetch.FetchRecent(ctx, limit)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading--
	if err != nil {
		r.log.WithError(err).Error("load recent check-ins")
		r.items = nil
		r.errMsg = err.Error()
	} else {
		r.items = truncate(items, limit)
	}
	r.metrics.RecordFeedMerge(metrics.MergeReload)
	r.metrics.RecordFeedSize(r.stream, len(r.items))
	r.publishLocked()
	return r.stateLocked(), err
}

// MergeEvent fetches the row behind ev and prepends it unless it is
// already listed. A failed fetch falls back to one ReplaceAll; the error
// is logged, never returned.
func (r *Reconciler) MergeEvent(ctx context.Context, ev realtime.FeedEvent, limit int) Outcome {
	if ev.ID == "" {
		return OutcomeSkipped
	}
	limit = normalizeLimit(limit)

	item, err := r.fetch.FetchByID(ctx, ev.ID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"stream": r.stream,
			"id":     ev.ID,
		}).WithError(err).Warn("fetch inserted check-in, reloading recent list")
		r.metrics.RecordFeedMerge(metrics.MergeFallback)
		_, _ = r.ReplaceAll(ctx, limit)
		return OutcomeFallback
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.ID == item.ID {
			r.metrics.RecordFeedMerge(metrics.MergeDuplicate)
			return OutcomeDuplicate
		}
	}

	next := make([]RecentItem, 0, limit)
	next = append(next, item)
	next = append(next, r.items...)
	r.items = truncate(next, limit)

	r.metrics.RecordFeedMerge(metrics.MergeApplied)
	r.metrics.RecordFeedSize(r.stream, len(r.items))
	r.publishLocked()
	return OutcomeMerged
}

// Clear empties the list and resets the status flags.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
	r.errMsg = ""
	r.metrics.RecordFeedSize(r.stream, 0)
	r.publishLocked()
}

// Items returns a copy of the list, newest first.
func (r *Reconciler) Items() []RecentItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneItems(r.items)
}

// State returns a snapshot of the list and flags.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

// Watch returns a channel receiving the current state and every later
// change. Slow readers only see the latest state. cancel closes the channel.
func (r *Reconciler) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = ch
	ch <- r.stateLocked()
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

func (r *Reconciler) stateLocked() State {
	return State{
		Items:   cloneItems(r.items),
		Loading: r.loading > 0,
		Error:   r.errMsg,
	}
}

func (r *Reconciler) publishLocked() {
	if len(r.watchers) == 0 {
		return
	}
	st := r.stateLocked()
	for _, ch := range r.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return RecentLimit
	}
	return limit
}

func truncate(items []RecentItem, limit int) []RecentItem {
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneItems(items []RecentItem) []RecentItem {
	out := make([]RecentItem, len(items))
	copy(out, items)
	return out
}
