// Package stats computes the dashboard's aggregate counters: members by
// fee status and attendance for today and the current period.
//
// Refreshes are requested from the live check-in feed through Trigger,
// which coalesces bursts and is throttled by a token bucket, and forced on
// a cron schedule to resynchronize after missed events.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gymdesk/frontdesk/internal/metrics"
	"github.com/gymdesk/frontdesk/internal/query"
	"github.com/gymdesk/frontdesk/pkg/logger"
	"github.com/gymdesk/frontdesk/supabase/client"
)

const (
	DefaultThrottle   = 5 * time.Second
	DefaultResyncSpec = "@every 5m"

	membersTable    = "members"
	statusView      = "v_socios_estado"
	attendanceTable = "attendance"
	paymentsTable   = "payments"

	feeActive  = "activo"
	feeExpired = "vencido"
)

var ErrAlreadyStarted = errors.New("stats refresher already started")

// Stats are the aggregate counters shown on the dashboard.
type Stats struct {
	TotalMembers     int64     `json:"totalMembers"`
	ActiveMembers    int64     `json:"activeMembers"`
	ExpiredMembers   int64     `json:"expiredMembers"`
	TodayAttendance  int64     `json:"todayAttendance"`
	PeriodAttendance int64     `json:"periodAttendance"`
	PeriodRevenue    float64   `json:"periodRevenue"`
	PeriodStart      time.Time `json:"periodStart"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Snapshot is the last refresh outcome.
type Snapshot struct {
	Stats Stats  `json:"stats"`
	Error string `json:"error,omitempty"`
}

// Config configures a Service.
type Config struct {
	// Throttle is the minimum spacing between triggered refreshes.
	Throttle time.Duration
	// ResyncSpec is a cron spec for forced refreshes; "-" disables it.
	ResyncSpec string
	Location   *time.Location
	Metrics    metrics.Recorder
	Logger     *logger.Logger
}

// Service refreshes and caches Stats.
type Service struct {
	db      *client.Client
	exec    *query.Executor
	metrics metrics.Recorder
	log     *logger.Logger
	loc     *time.Location
	now     func() time.Time

	limiter    *rate.Limiter
	throttle   time.Duration
	trigger    chan struct{}
	resyncSpec string

	mu      sync.RWMutex
	current Snapshot

	runMu   sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewService creates a stats service.
func NewService(db *client.Client, exec *query.Executor, cfg Config) *Service {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.ResyncSpec == "" {
		cfg.ResyncSpec = DefaultResyncSpec
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpCollector()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Service{
		db:         db,
		exec:       exec,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		loc:        cfg.Location,
		now:        time.Now,
		limiter:    rate.NewLimiter(rate.Every(cfg.Throttle), 1),
		throttle:   cfg.Throttle,
		trigger:    make(chan struct{}, 1),
		resyncSpec: cfg.ResyncSpec,
	}
}

// Current returns the last refresh outcome.
func (s *Service) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Refresh recomputes every counter. On failure the counters reset to zero
// and the error is kept in the snapshot.
func (s *Service) Refresh(ctx context.Context) (Stats, error) {
	start := time.Now()
	st, err := s.compute(ctx)
	s.metrics.RecordStatsRefresh(time.Since(start), err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.current = Snapshot{Stats: Stats{UpdatedAt: st.UpdatedAt}, Error: err.Error()}
		return Stats{}, err
	}
	s.current = Snapshot{Stats: st}
	return st, nil
}

// Trigger asks for a refresh. Calls made while one is pending collapse
// into it. It never blocks.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs the throttled refresher and the resync schedule until Stop
// or ctx ends.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)

	if s.resyncSpec != "-" {
		c := cron.New()
		if _, err := c.AddFunc(s.resyncSpec, s.Trigger); err != nil {
			cancel()
			return err
		}
		c.Start()
		s.cron = c
	}

	s.cancel = cancel
	s.started = true
	s.wg.Add(1)
	go s.loop(ctx)

	s.log.WithFields(logrus.Fields{
		"throttle": s.throttle.String(),
		"resync":   s.resyncSpec,
	}).Info("stats refresher started")
	return nil
}

// Stop halts the refresher and waits for an in-flight refresh to end.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.started {
		return
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	s.cancel()
	s.wg.Wait()
	s.started = false
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("stats refresh failed")
		}
	}
}

// =============================================================================
// Queries
// =============================================================================

type feeStatusRow struct {
	EstadoCuota string `json:"estado_cuota"`
}

type paymentRow struct {
	Monto json.Number `json:"monto"`
}

func (s *Service) compute(ctx context.Context) (Stats, error) {
	now := s.now().In(s.loc)
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	periodStart := time.Date(y, m, 1, 0, 0, 0, 0, s.loc)

	st := Stats{PeriodStart: periodStart, UpdatedAt: now}
	var err error

	st.TotalMembers, err = query.Count(ctx, s.exec, "stats.members",
		query.Counted(s.db.From(membersTable).Select("*")))
	if err != nil {
		return st, err
	}

	statuses, err := query.Execute(ctx, s.exec, "stats.fee_status",
		query.Rows[[]feeStatusRow](s.db.From(statusView).Select("estado_cuota")))
	if err != nil {
		return st, err
	}
	for _, row := range statuses {
		switch row.EstadoCuota {
		case feeActive:
			st.ActiveMembers++
		case feeExpired:
			st.ExpiredMembers++
		}
	}

	st.TodayAttendance, err = query.Count(ctx, s.exec, "stats.today_attendance",
		query.Counted(s.db.From(attendanceTable).Select("*").
			Gte("created_at", timestamp(today))))
	if err != nil {
		return st, err
	}

	st.PeriodAttendance, err = query.Count(ctx, s.exec, "stats.period_attendance",
		query.Counted(s.db.From(attendanceTable).Select("*").
			Gte("created_at", timestamp(periodStart)).
			Lte("created_at", timestamp(now))))
	if err != nil {
		return st, err
	}

	payments, err := query.Execute(ctx, s.exec, "stats.period_revenue",
		query.Rows[[]paymentRow](s.db.From(paymentsTable).Select("monto").
			Gte("created_at", timestamp(periodStart)).
			Lte("created_at", timestamp(now))))
	if err != nil {
		return st, err
	}
	for _, p := range payments {
		if v, err := p.Monto.Float64(); err == nil {
			st.PeriodRevenue += v
		}
	}

	return st, nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
