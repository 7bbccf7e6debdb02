// Package config loads frontdesk settings: built-in defaults, then an
// optional YAML file, then an optional .env file and the process
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/gymdesk/frontdesk/internal/query"
	"github.com/gymdesk/frontdesk/pkg/logger"
)

// Config is the full frontdesk configuration.
type Config struct {
	Supabase     SupabaseConfig     `yaml:"supabase"`
	Auth         AuthConfig         `yaml:"auth"`
	Query        query.Policy       `yaml:"query"`
	Feed         FeedConfig         `yaml:"feed"`
	Stats        StatsConfig        `yaml:"stats"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	HTTP         HTTPConfig         `yaml:"http"`
	Log          logger.Config      `yaml:"log"`
	// Timezone decides what "today" means for check-in times and stats.
	Timezone string `yaml:"timezone" env:"FRONTDESK_TIMEZONE"`
}

// SupabaseConfig locates the Supabase project.
type SupabaseConfig struct {
	URL     string        `yaml:"url" env:"SUPABASE_URL"`
	AnonKey string        `yaml:"anon_key" env:"SUPABASE_ANON_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"SUPABASE_TIMEOUT"`
}

// AuthConfig holds the front desk account.
type AuthConfig struct {
	Email    string `yaml:"email" env:"FRONTDESK_EMAIL"`
	Password string `yaml:"password" env:"FRONTDESK_PASSWORD"`
	// ProbeRemote validates the session against GoTrue on every check.
	ProbeRemote bool          `yaml:"probe_remote" env:"FRONTDESK_SESSION_PROBE_REMOTE"`
	Leeway      time.Duration `yaml:"leeway" env:"FRONTDESK_SESSION_LEEWAY"`
}

// FeedConfig tunes the live check-in list.
type FeedConfig struct {
	RecentLimit int    `yaml:"recent_limit" env:"FRONTDESK_RECENT_LIMIT"`
	ChannelName string `yaml:"channel" env:"FRONTDESK_CHANNEL"`
}

// StatsConfig tunes the aggregate stats refresher.
type StatsConfig struct {
	Throttle time.Duration `yaml:"throttle" env:"FRONTDESK_STATS_THROTTLE"`
	Resync   string        `yaml:"resync" env:"FRONTDESK_STATS_RESYNC"`
}

// ReachabilityConfig tunes the network probe behind the connectivity guard.
type ReachabilityConfig struct {
	Interval time.Duration `yaml:"interval" env:"FRONTDESK_PROBE_INTERVAL"`
	Timeout  time.Duration `yaml:"timeout" env:"FRONTDESK_PROBE_TIMEOUT"`
}

// HTTPConfig configures the dashboard API.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"FRONTDESK_LISTEN_ADDR"`
	// ReloadPerMinute caps manual reloads per client.
	ReloadPerMinute int `yaml:"reload_per_minute" env:"FRONTDESK_RELOAD_PER_MINUTE"`
	// AllowedOrigins lists dashboard origins for CORS and websockets.
	AllowedOrigins []string `yaml:"allowed_origins" env:"FRONTDESK_ALLOWED_ORIGINS"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Supabase: SupabaseConfig{Timeout: 15 * time.Second},
		Auth:     AuthConfig{Leeway: 10 * time.Second},
		Query:    query.DefaultPolicy(),
		Feed: FeedConfig{
			RecentLimit: 5,
			ChannelName: "dashboard-attendance",
		},
		Stats: StatsConfig{
			Throttle: 5 * time.Second,
			Resync:   "@every 5m",
		},
		Reachability: ReachabilityConfig{
			Interval: 10 * time.Second,
			Timeout:  3 * time.Second,
		},
		HTTP: HTTPConfig{
			ListenAddr:      ":8080",
			ReloadPerMinute: 30,
		},
		Log:      logger.Config{Level: "info", Format: "text"},
		Timezone: "America/Argentina/Buenos_Aires",
	}
}

// LoadEnvFile loads KEY=VALUE pairs from path into the environment
// without overriding variables already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	// envdecode splits slices on ';'; origins are documented comma-separated.
	cfg.HTTP.AllowedOrigins = splitList(cfg.HTTP.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, part := range strings.Split(entry, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.Supabase.URL == "" {
		return errors.New("supabase url is required (SUPABASE_URL)")
	}
	u, err := url.Parse(c.Supabase.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("supabase url %q is not an absolute URL", c.Supabase.URL)
	}
	if c.Supabase.AnonKey == "" {
		return errors.New("supabase anon key is required (SUPABASE_ANON_KEY)")
	}
	if c.Supabase.Timeout <= 0 {
		return errors.New("supabase timeout must be positive")
	}
	if (c.Auth.Email == "") != (c.Auth.Password == "") {
		return errors.New("FRONTDESK_EMAIL and FRONTDESK_PASSWORD must be set together")
	}
	if c.Query.Retries < 0 {
		return errors.New("query retries must not be negative")
	}
	if c.Query.Delay <= 0 {
		return errors.New("query delay must be positive")
	}
	if c.Feed.RecentLimit <= 0 {
		return errors.New("feed recent_limit must be positive")
	}
	if c.Feed.ChannelName == "" {
		return errors.New("feed channel is required")
	}
	if c.Stats.Resync != "-" {
		if _, err := cron.ParseStandard(c.Stats.Resync); err != nil {
			return fmt.Errorf("stats resync %q: %w", c.Stats.Resync, err)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone. An empty Timezone is time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ProbeAddress is the host:port the reachability probe dials.
func (c *Config) ProbeAddress() string {
	u, err := url.Parse(c.Supabase.URL)
	if err != nil {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "http" {
		return u.Host + ":80"
	}
	return u.Host + ":443"
}
