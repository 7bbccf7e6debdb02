// Package httpapi serves the front desk dashboard: the recent check-ins
// list, manual reloads, aggregate stats and a websocket that pushes every
// list change.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/gymdesk/frontdesk/internal/attendance"
	"github.com/gymdesk/frontdesk/internal/guard"
	"github.com/gymdesk/frontdesk/internal/httputil"
	"github.com/gymdesk/frontdesk/internal/metrics"
	"github.com/gymdesk/frontdesk/internal/stats"
	"github.com/gymdesk/frontdesk/pkg/logger"
)

// CheckIns is the live check-in list.
type CheckIns interface {
	LoadRecentCheckIns(ctx context.Context, limit int) (attendance.State, error)
	State() attendance.State
	Watch() (<-chan attendance.State, func())
}

// StatsSource provides the last computed dashboard stats.
type StatsSource interface {
	Current() stats.Snapshot
	Trigger()
}

// Config wires the server to its collaborators.
type Config struct {
	CheckIns     CheckIns
	Stats        StatsSource
	Reachability guard.Reachability
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Metrics        metrics.Recorder
	Logger         *logger.Logger

	DefaultLimit    int
	ReloadPerMinute int
	AllowedOrigins  []string
	// PingInterval keeps websocket connections alive. Defaults to 30s.
	PingInterval time.Duration
	// ReloadTimeout bounds a manual reload. It runs detached from the
	// request so a client hanging up cannot clear the shared list.
	// Defaults to 30s.
	ReloadTimeout time.Duration
}

// Server is the dashboard HTTP API.
type Server struct {
	cfg      Config
	log      *logger.Logger
	cors     *CORSMiddleware
	limiter  *RateLimiter
	upgrader websocket.Upgrader

	done      chan struct{}
	closeOnce sync.Once
	sockets   sync.WaitGroup
}

// New creates a server.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpCollector()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = attendance.RecentLimit
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		cors:    NewCORSMiddleware(cfg.AllowedOrigins),
		limiter: NewRateLimiter(cfg.ReloadPerMinute, reloadBurst(cfg.ReloadPerMinute), cfg.Logger),
		done:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.cors.Allowed(origin) || sameHost(origin, r.Host)
		},
	}
	return s
}

// reloadBurst allows a tenth of the per-minute budget at once, and never
// less than two so a double click is not rejected.
func reloadBurst(perMinute int) int {
	if b := perMinute / 10; b > 2 {
		return b
	}
	return 2
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(s.log, s.cfg.Metrics))
	r.Use(s.cors.Handler)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.cfg.MetricsHandler != nil {
		r.Handle("/metrics", s.cfg.MetricsHandler).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/checkins/recent", s.recent).Methods(http.MethodGet, http.MethodOptions)
	api.Handle("/checkins/reload", s.limiter.Handler(http.HandlerFunc(s.reload))).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/stats", s.stats).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/ws/checkins", s.checkinsSocket).Methods(http.MethodGet)
	return r
}

// Close ends open websocket streams and waits for them to finish.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.sockets.Wait()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	online := true
	if s.cfg.Reachability != nil {
		online = s.cfg.Reachability.Online()
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"online": online,
	})
}

func (s *Server) recent(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.cfg.CheckIns.State())
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", s.cfg.DefaultLimit)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	// The live subscription trims to DefaultLimit, so a longer list
	// would only shrink again on the next insert.
	if limit <= 0 || limit > s.cfg.DefaultLimit {
		limit = s.cfg.DefaultLimit
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.ReloadTimeout)
	defer cancel()

	st, err := s.cfg.CheckIns.LoadRecentCheckIns(ctx, limit)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadGateway, st)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Stats == nil {
		httputil.WriteJSON(w, http.StatusOK, stats.Snapshot{})
		return
	}
	if r.URL.Query().Get("refresh") == "1" {
		s.cfg.Stats.Trigger()
	}
	httputil.WriteJSON(w, http.StatusOK, s.cfg.Stats.Current())
}
