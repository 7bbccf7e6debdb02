// Package realtime delivers row-insert notifications to per-stream handlers.
//
// Each subscription owns a buffered queue drained by a single consumer
// goroutine, so a handler never runs concurrently with itself. Handler
// failures are reported and swallowed; only Unsubscribe ends a subscription.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gymdesk/frontdesk/internal/metrics"
	"github.com/gymdesk/frontdesk/pkg/logger"
)

// DefaultBuffer is the queue depth of a subscription.
const DefaultBuffer = 64

var (
	ErrHubClosed     = errors.New("realtime hub closed")
	ErrMissingStream = errors.New("stream id is required")
	ErrNilHandler    = errors.New("event handler is required")
)

// FeedEvent is a new-row notification.
type FeedEvent struct {
	// ID is the primary key of the inserted row.
	ID         string
	Stream     string
	Payload    map[string]any
	ReceivedAt time.Time
}

// Handler processes one event.
type Handler func(ctx context.Context, ev FeedEvent) error

// Source binds a stream to a transport. emit may block while the
// subscription queue is full; stop releases the transport binding.
type Source interface {
	Listen(ctx context.Context, streamID string, emit func(FeedEvent)) (stop func() error, err error)
}

// Unsubscribe ends a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// SubscribeOptions tunes a single subscription.
type SubscribeOptions struct {
	// OnHandlerError receives events whose handler failed or panicked.
	OnHandlerError func(ev FeedEvent, err error)
	// Buffer overrides DefaultBuffer.
	Buffer int
}

// Config configures a Hub.
type Config struct {
	Metrics metrics.Recorder
	Logger  *logger.Logger
}

// Hub keeps at most one live subscription per stream.
type Hub struct {
	source  Source
	metrics metrics.Recorder
	log     *logger.Logger

	// subscribeMu serializes Subscribe so teardown and replacement of a
	// stream happen in order.
	subscribeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

// NewHub creates a hub over source.
func NewHub(source Source, cfg Config) *Hub {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpCollector()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Hub{
		source:  source,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		subs:    make(map[string]*subscription),
	}
}

// Subscribe starts delivering streamID events to handler. An existing
// subscription on the same stream is torn down first.
func (h *Hub) Subscribe(ctx context.Context, streamID string, handler Handler, opts ...SubscribeOptions) (Unsubscribe, error) {
	if streamID == "" {
		return nil, ErrMissingStream
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	var opt SubscribeOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.Buffer <= 0 {
		opt.Buffer = DefaultBuffer
	}

	h.subscribeMu.Lock()
	defer h.subscribeMu.Unlock()

	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		hub:     h,
		stream:  streamID,
		handler: handler,
		onError: opt.OnHandlerError,
		events:  make(chan FeedEvent, opt.Buffer),
		done:    make(chan struct{}),
		ctx:     consumerCtx,
		cancel:  cancel,
	}

	// The consumer is counted under mu so a concurrent Close either
	// rejects this call or waits for the consumer it started.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, ErrHubClosed
	}
	prev := h.subs[streamID]
	delete(h.subs, streamID)
	h.wg.Add(1)
	h.mu.Unlock()

	go sub.consume()

	if prev != nil {
		h.log.WithField("stream", streamID).Info("replacing existing subscription")
		prev.close()
	}

	stop, err := h.source.Listen(ctx, streamID, sub.emit)
	if err != nil {
		sub.close()
		return nil, fmt.Errorf("listen %s: %w", streamID, err)
	}
	sub.setStop(stop)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return nil, ErrHubClosed
	}
	h.subs[streamID] = sub
	h.mu.Unlock()

	h.log.WithField("stream", streamID).Info("subscribed")
	return func() { h.remove(sub) }, nil
}

// Active reports whether streamID has a live subscription.
func (h *Hub) Active(streamID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[streamID]
	return ok
}

// Close ends every subscription and waits for their consumers to drain.
// It must not be called from inside a handler.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[string]*subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	h.wg.Wait()
	return nil
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	if h.subs[sub.stream] == sub {
		delete(h.subs, sub.stream)
	}
	h.mu.Unlock()
	sub.close()
}

// =============================================================================
// Subscription
// =============================================================================

type subscription struct {
	hub     *Hub
	stream  string
	handler Handler
	onError func(FeedEvent, error)

	events chan FeedEvent
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	stop func() error
	once sync.Once
}

func (s *subscription) setStop(stop func() error) {
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
}

// emit is called by the transport; it blocks while the queue is full.
func (s *subscription) emit(ev FeedEvent) {
	if ev.Stream == "" {
		ev.Stream = s.stream
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
		s.hub.metrics.RecordRealtimeEvent(s.stream)
	case <-s.done:
	}
}

func (s *subscription) consume() {
	defer s.hub.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.deliver(ev)
		}
	}
}

func (s *subscription) deliver(ev FeedEvent) {
	err := s.invoke(ev)
	if err == nil {
		return
	}

	s.hub.metrics.RecordHandlerError(s.stream)
	s.hub.log.WithFields(logrus.Fields{
		"stream": s.stream,
		"id":     ev.ID,
	}).WithError(err).Warn("event handler failed")

	if s.onError != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.hub.log.WithField("stream", s.stream).Errorf("handler error callback panicked: %v", r)
				}
			}()
			s.onError(ev, err)
		}()
	}
}

func (s *subscription) invoke(ev FeedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler(s.ctx, ev)
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()

		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop == nil {
			return
		}
		if err := stop(); err != nil {
			s.hub.log.WithField("stream", s.stream).WithError(err).Warn("stop transport binding")
		}
	})
}
