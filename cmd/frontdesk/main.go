// Command frontdesk runs the gym front desk backend: it keeps the recent
// check-ins list in sync with Supabase, refreshes dashboard stats and
// serves both to the dashboard over HTTP and websockets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gymdesk/frontdesk/internal/attendance"
	"github.com/gymdesk/frontdesk/internal/config"
	"github.com/gymdesk/frontdesk/internal/guard"
	"github.com/gymdesk/frontdesk/internal/httpapi"
	"github.com/gymdesk/frontdesk/internal/metrics"
	"github.com/gymdesk/frontdesk/internal/query"
	"github.com/gymdesk/frontdesk/internal/realtime"
	"github.com/gymdesk/frontdesk/internal/session"
	"github.com/gymdesk/frontdesk/internal/stats"
	"github.com/gymdesk/frontdesk/pkg/logger"
	"github.com/gymdesk/frontdesk/supabase/client"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("FRONTDESK_CONFIG"), "Path to YAML config file (optional)")
		envFile    = flag.String("env", ".env", "Path to .env file (optional)")
	)
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("frontdesk", cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("frontdesk stopped")
	}
	log.Info("frontdesk stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	collector := metrics.NewCollector("frontdesk")

	db, err := client.New(client.Config{
		URL:     cfg.Supabase.URL,
		APIKey:  cfg.Supabase.AnonKey,
		Timeout: cfg.Supabase.Timeout,
	})
	if err != nil {
		return fmt.Errorf("supabase client: %w", err)
	}
	defer db.Close()

	// Session: without credentials every call goes out with the anon key.
	var (
		prober   guard.SessionProber
		sessions *session.Store
	)
	if cfg.Auth.Email != "" {
		sessions = session.NewStore(db.Auth(), session.Config{
			Leeway:      cfg.Auth.Leeway,
			ProbeRemote: cfg.Auth.ProbeRemote,
		})
		if err := sessions.SignIn(ctx, cfg.Auth.Email, cfg.Auth.Password); err != nil {
			return fmt.Errorf("sign in %s: %w", cfg.Auth.Email, err)
		}
		db.SetTokenSource(sessions)
		prober = sessions
		log.WithField("email", cfg.Auth.Email).Info("signed in")
	} else {
		log.Warn("no front desk credentials configured, using the anon key")
	}

	monitor := guard.NewNetworkMonitor(guard.MonitorConfig{
		Address:  cfg.ProbeAddress(),
		Interval: cfg.Reachability.Interval,
		Timeout:  cfg.Reachability.Timeout,
	}, log.Named("reachability"))
	monitor.Start(ctx)
	defer monitor.Stop()

	exec := query.NewExecutor(guard.New(monitor, prober, log.Named("guard")), query.Config{
		Policy:  cfg.Query,
		Metrics: collector,
		Logger:  log.Named("query"),
	})

	rtLog := log.Named("realtime")
	rt := db.NewRealtimeClient(client.RealtimeConfig{
		OnError: func(err error) { rtLog.WithError(err).Warn("realtime connection") },
	})
	defer func() {
		if err := rt.Disconnect(); err != nil {
			rtLog.WithError(err).Debug("realtime disconnect")
		}
	}()
	if sessions != nil {
		sessions.OnRefresh(func(string) {
			if err := rt.SetAuth(); err != nil {
				rtLog.WithError(err).Warn("push refreshed token to realtime channels")
			}
		})
	}

	hub := realtime.NewHub(realtime.NewSupabaseSource(rt, "public", attendance.Table), realtime.Config{
		Metrics: collector,
		Logger:  rtLog,
	})
	defer hub.Close()

	feedLog := log.Named("attendance")
	rec := attendance.NewReconciler(attendance.NewRepository(db, exec, loc), attendance.ReconcilerConfig{
		Stream:  cfg.Feed.ChannelName,
		Metrics: collector,
		Logger:  feedLog,
	})
	feed := attendance.NewService(rec, hub, attendance.ServiceConfig{
		RecentLimit: cfg.Feed.RecentLimit,
		ChannelName: cfg.Feed.ChannelName,
		Logger:      feedLog,
	})
	defer feed.Close()

	dashboardStats := stats.NewService(db, exec, stats.Config{
		Throttle:   cfg.Stats.Throttle,
		ResyncSpec: cfg.Stats.Resync,
		Location:   loc,
		Metrics:    collector,
		Logger:     log.Named("stats"),
	})
	if err := dashboardStats.Start(ctx); err != nil {
		return fmt.Errorf("start stats: %w", err)
	}
	defer dashboardStats.Stop()
	dashboardStats.Trigger()

	if _, err := feed.LoadRecentCheckIns(ctx, 0); err != nil {
		feedLog.WithError(err).Warn("initial check-in load failed, waiting for live events")
	}
	if _, err := feed.SubscribeToAttendanceInserts(ctx, attendance.SubscribeOptions{
		OnInsert: func(realtime.FeedEvent) { dashboardStats.Trigger() },
	}); err != nil {
		return fmt.Errorf("subscribe to check-ins: %w", err)
	}

	api := httpapi.New(httpapi.Config{
		CheckIns:        feed,
		Stats:           dashboardStats,
		Reachability:    monitor,
		MetricsHandler:  collector.Handler(),
		Metrics:         collector,
		Logger:          log.Named("http"),
		DefaultLimit:    cfg.Feed.RecentLimit,
		ReloadPerMinute: cfg.HTTP.ReloadPerMinute,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTP.ListenAddr).Info("dashboard API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	api.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return nil
}
