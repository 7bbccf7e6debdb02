package attendance

import (
	"context"
	"sync"

	"github.com/gymdesk/frontdesk/internal/realtime"
	"github.com/gymdesk/frontdesk/pkg/logger"
)

// DefaultChannel is the realtime channel the dashboard listens on.
const DefaultChannel = "dashboard-attendance"

// SubscribeOptions configures SubscribeToAttendanceInserts.
type SubscribeOptions struct {
	ChannelName string
	// OnInsert sees every raw insert before the list is updated. It runs
	// on the subscription's consumer and should hand slow work off.
	OnInsert func(ev realtime.FeedEvent)
	Limit    int
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	RecentLimit int
	ChannelName string
	Logger      *logger.Logger
}

// Service is the check-in feed used by the dashboard: an explicit reload
// plus a live subscription that keeps the list current.
type Service struct {
	rec    *Reconciler
	hub    *realtime.Hub
	log    *logger.Logger
	limit  int
	stream string

	mu      sync.Mutex
	current *feedSubscription
}

type feedSubscription struct {
	stream string
	unsub  realtime.Unsubscribe
}

// NewService wires a reconciler to a hub.
func NewService(rec *Reconciler, hub *realtime.Hub, cfg ServiceConfig) *Service {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = RecentLimit
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = DefaultChannel
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Service{
		rec:    rec,
		hub:    hub,
		log:    cfg.Logger,
		limit:  cfg.RecentLimit,
		stream: cfg.ChannelName,
	}
}

// Reconciler exposes the underlying list.
func (s *Service) Reconciler() *Reconciler {
	return s.rec
}

// State returns a snapshot of the list.
func (s *Service) State() State {
	return s.rec.State()
}

// Watch streams list snapshots; see Reconciler.Watch.
func (s *Service) Watch() (<-chan State, func()) {
	return s.rec.Watch()
}

// RecentLimit returns the default list length.
func (s *Service) RecentLimit() int {
	return s.limit
}

// LoadRecentCheckIns replaces the list with the latest limit check-ins.
// A non-positive limit uses the configured default.
func (s *Service) LoadRecentCheckIns(ctx context.Context, limit int) (State, error) {
	if limit <= 0 {
		limit = s.limit
	}
	return s.rec.ReplaceAll(ctx, limit)
}

// SubscribeToAttendanceInserts keeps the list current from live inserts.
// A previous subscription is torn down first. The returned func ends this
// subscription and clears the list.
func (s *Service) SubscribeToAttendanceInserts(ctx context.Context, opts SubscribeOptions) (func(), error) {
	if opts.ChannelName == "" {
		opts.ChannelName = s.stream
	}
	if opts.Limit <= 0 {
		opts.Limit = s.limit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.unsub()
		s.current = nil
	}

	log := s.log.WithField("stream", opts.ChannelName)
	handler := func(ctx context.Context, ev realtime.FeedEvent) error {
		if ev.ID == "" {
			return nil
		}
		if opts.OnInsert != nil {
			s.runHook(opts.OnInsert, ev)
		}
		s.rec.MergeEvent(ctx, ev, opts.Limit)
		return nil
	}

	unsub, err := s.hub.Subscribe(ctx, opts.ChannelName, handler, realtime.SubscribeOptions{
		OnHandlerError: func(ev realtime.FeedEvent, err error) {
			log.WithError(err).WithField("id", ev.ID).Warn("check-in event dropped")
		},
	})
	if err != nil {
		return nil, err
	}

	sub := &feedSubscription{stream: opts.ChannelName, unsub: unsub}
	s.current = sub
	return func() { s.end(sub) }, nil
}

// Unsubscribe ends the live subscription, if any, and clears the list.
func (s *Service) Unsubscribe() {
	s.mu.Lock()
	sub := s.current
	s.mu.Unlock()
	if sub != nil {
		s.end(sub)
		return
	}
	s.rec.Clear()
}

// Close ends the subscription without clearing the list.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.unsub()
		s.current = nil
	}
}

func (s *Service) end(sub *feedSubscription) {
	s.mu.Lock()
	if s.current != sub {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()

	sub.unsub()
	s.rec.Clear()
}

func (s *Service) runHook(hook func(realtime.FeedEvent), ev realtime.FeedEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("id", ev.ID).Errorf("insert hook panicked: %v", r)
		}
	}()
	hook(ev)
}
