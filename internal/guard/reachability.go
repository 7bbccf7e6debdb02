package guard

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gymdesk/frontdesk/pkg/logger"
)

// StaticReachability is a settable reachability flag.
type StaticReachability struct {
	online atomic.Bool
}

// NewStaticReachability creates a flag with the given initial value.
func NewStaticReachability(online bool) *StaticReachability {
	r := &StaticReachability{}
	r.online.Store(online)
	return r
}

// Online implements Reachability.
func (r *StaticReachability) Online() bool {
	return r.online.Load()
}

// Set updates the flag.
func (r *StaticReachability) Set(online bool) {
	r.online.Store(online)
}

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// NetworkMonitor keeps a reachability flag current by periodically dialing
// the remote host.
type NetworkMonitor struct {
	*StaticReachability

	address  string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	log      *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// MonitorConfig configures a NetworkMonitor.
type MonitorConfig struct {
	// Address is host:port to dial.
	Address  string
	Interval time.Duration
	Timeout  time.Duration
	Dial     DialFunc
}

// NewNetworkMonitor creates a monitor that starts out online.
func NewNetworkMonitor(cfg MonitorConfig, log *logger.Logger) *NetworkMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &NetworkMonitor{
		StaticReachability: NewStaticReachability(true),
		address:            cfg.Address,
		interval:           cfg.Interval,
		timeout:            cfg.Timeout,
		dial:               cfg.Dial,
		log:                log,
	}
}

// Probe dials once and updates the flag.
func (m *NetworkMonitor) Probe(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.dial(dialCtx, "tcp", m.address)
	online := err == nil
	if conn != nil {
		conn.Close()
	}
	// A probe cut short by shutdown says nothing about the network.
	if ctx.Err() != nil {
		return m.Online()
	}

	if was := m.Online(); was != online {
		entry := m.log.WithField("address", m.address)
		if online {
			entry.Info("network reachable again")
		} else {
			entry.WithError(err).Warn("network unreachable")
		}
	}
	m.Set(online)
	return online
}

// Start probes immediately and then every interval until Stop or ctx ends.
func (m *NetworkMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		m.Probe(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}(m.done)
}

// Stop ends the probe loop and waits for it to exit.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
