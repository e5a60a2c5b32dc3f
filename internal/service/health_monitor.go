package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/formbridge/formbridge/internal/domain/driver"
	"github.com/formbridge/formbridge/internal/domain/session"
)

// Health monitor defaults.
const (
	DefaultMonitorInterval = 1 * time.Minute
	DefaultRefreshAfter    = 5 * time.Minute
	DefaultProbeTimeout    = 10 * time.Second
)

// MonitorConfig tunes the background health monitor.
type MonitorConfig struct {
	// Interval between sweeps. Default: 1m.
	Interval time.Duration
	// RefreshAfter is how stale a session's last health check must be
	// before it is probed again. Default: 5m.
	RefreshAfter time.Duration
	// ProbeTimeout bounds each liveness/auth probe. A timed-out probe is
	// a liveness failure. Default: 10s.
	ProbeTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// HealthMonitor periodically revalidates idle pool members and reconciles
// orphaned browser handles.
//
// Every probed session is borrowed through the pool's in-use gate first, so
// the monitor can never touch a handle a request holds; that gate is the
// core correctness property of this component.
type HealthMonitor struct {
	pool    *session.Pool
	factory driver.Factory
	forms   driver.FormDriver
	metrics *Metrics
	logger  *slog.Logger

	interval     time.Duration
	refreshAfter time.Duration
	probeTimeout time.Duration

	// suspects are handle ids seen unowned in the previous sweep. An
	// unowned handle is destroyed only on its second consecutive
	// sighting, so a handle mid-registration in a concurrent acquire is
	// never reaped.
	suspects map[string]struct{}

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewHealthMonitor creates a monitor over the given pool and driver.
func NewHealthMonitor(pool *session.Pool, factory driver.Factory, forms driver.FormDriver, metrics *Metrics, cfg MonitorConfig) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorInterval
	}
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = DefaultRefreshAfter
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HealthMonitor{
		pool:         pool,
		factory:      factory,
		forms:        forms,
		metrics:      metrics,
		logger:       cfg.Logger,
		interval:     cfg.Interval,
		refreshAfter: cfg.RefreshAfter,
		probeTimeout: cfg.ProbeTimeout,
		suspects:     make(map[string]struct{}),
		stopChan:     make(chan struct{}),
	}
}

// Start launches the background sweep loop. Call Stop to shut it down.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop stops the sweep loop and waits for it to exit. Safe to call twice.
func (m *HealthMonitor) Stop() {
	m.once.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

// Sweep runs one maintenance pass: probe stale idle sessions, then
// reconcile orphaned handles. Exported so tests (and operators via a debug
// hook) can trigger a deterministic pass.
func (m *HealthMonitor) Sweep(ctx context.Context) {
	m.probeStale(ctx)
	m.reapOrphans(ctx)
}

func (m *HealthMonitor) probeStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.refreshAfter)
	for _, sess := range m.pool.BorrowForProbe(cutoff) {
		pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		alive := m.factory.Probe(pctx, sess.Handle)
		if !alive {
			cancel()
			m.logger.Warn("liveness probe failed, removing session",
				"session_id", sess.ID)
			m.count(m.metrics, "dead", "liveness")
			if err := m.pool.Remove(ctx, sess.ID); err != nil {
				m.logger.Warn("removal of dead session failed",
					"session_id", sess.ID, "error", err)
			}
			continue
		}
		expired := m.forms.AuthExpired(pctx, sess.Handle)
		cancel()
		if expired {
			m.logger.Warn("portal authentication expired, removing session",
				"session_id", sess.ID)
			m.count(m.metrics, "auth_expired", "auth_expired")
			if err := m.pool.Remove(ctx, sess.ID); err != nil {
				m.logger.Warn("removal of expired session failed",
					"session_id", sess.ID, "error", err)
			}
			continue
		}
		m.count(m.metrics, "ok", "")
		m.pool.MarkProbed(sess.ID)
	}
}

// reapOrphans destroys handles the factory knows about but no live session
// owns. Two consecutive unowned sightings are required before teardown.
func (m *HealthMonitor) reapOrphans(ctx context.Context) {
	tracked := m.pool.TrackedHandles()
	next := make(map[string]struct{})
	for _, h := range m.factory.List(ctx) {
		if _, owned := tracked[h.ID()]; owned {
			continue
		}
		if _, suspect := m.suspects[h.ID()]; !suspect {
			next[h.ID()] = struct{}{}
			continue
		}
		m.logger.Warn("destroying orphaned browser handle", "handle_id", h.ID())
		if err := m.factory.Destroy(ctx, h); err != nil {
			m.logger.Warn("orphan teardown failed", "handle_id", h.ID(), "error", err)
		}
		if m.metrics != nil {
			m.metrics.OrphansReaped.Inc()
		}
	}
	m.suspects = next
}

func (m *HealthMonitor) count(metrics *Metrics, probeResult, removalCause string) {
	if metrics == nil {
		return
	}
	metrics.Probes.WithLabelValues(probeResult).Inc()
	if removalCause != "" {
		metrics.Removals.WithLabelValues(removalCause).Inc()
	}
}
