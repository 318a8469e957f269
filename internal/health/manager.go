// Package health runs periodic sweeps over the daemon: closing silent stream
// sessions, sampling host load, and pruning old session history.
package health

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/lockstep-project/lockstep/internal/events"
	"github.com/lockstep-project/lockstep/internal/session"
	"github.com/lockstep-project/lockstep/internal/util"
)

// SessionSweeper is the registry surface the sweeps need.
type SessionSweeper interface {
	Count() int
	CloseIdle(timeout time.Duration, transport session.Transport) int
}

// HistoryPruner removes old history rows.
type HistoryPruner interface {
	Prune(age time.Duration) (int64, error)
}

// Config controls the sweeps. A zero interval disables Start.
type Config struct {
	Interval          time.Duration
	StreamIdleTimeout time.Duration
	HistoryRetention  time.Duration
	// DataPath selects the filesystem whose usage is reported.
	DataPath string
}

// Manager runs the periodic checks.
type Manager struct {
	cfg      Config
	sessions SessionSweeper
	history  HistoryPruner
	bus      *events.EventBus
	logger   zerolog.Logger

	// snapshot is replaceable for tests.
	snapshot func(dataPath string) (util.ResourceSnapshot, error)
}

// NewManager creates a health manager. history and bus may be nil.
func NewManager(cfg Config, sessions SessionSweeper, history HistoryPruner, bus *events.EventBus, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		history:  history,
		bus:      bus,
		logger:   logger.With().Str("component", "health").Logger(),
		snapshot: util.SnapshotResources,
	}
}

// Start runs every check once, then on each interval until ctx is cancelled.
// It blocks.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.Interval <= 0 {
		m.logger.Info().Msg("health sweeps disabled")
		return
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("health manager started")
	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health manager stopped")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep and returns the report it emitted.
func (m *Manager) RunOnce(ctx context.Context) events.HealthPayload {
	report := events.HealthPayload{
		ClosedIdle:   m.sweepIdle(),
		Sessions:     m.sessions.Count(),
		Goroutines:   runtime.NumGoroutine(),
		CheckedAtSec: time.Now().Unix(),
	}

	if snap, err := m.snapshot(m.cfg.DataPath); err != nil {
		m.logger.Debug().Err(err).Msg("resource snapshot incomplete")
	} else {
		report.CPUPercent = snap.CPUPercent
		report.MemoryPct = snap.MemoryPercent
		m.checkDisk(snap.DiskPercent)
	}

	m.pruneHistory()

	m.logger.Debug().
		Int("sessions", report.Sessions).
		Int("closed_idle", report.ClosedIdle).
		Float64("cpu_percent", report.CPUPercent).
		Msg("health sweep")

	if m.bus != nil {
		m.bus.Emit(ctx, events.Event{Type: events.EventHealthReport, Source: "health", Payload: report})
	}
	return report
}

// sweepIdle closes stream sessions that have been silent too long. Reliable
// sessions have their own heartbeat.
func (m *Manager) sweepIdle() int {
	if m.cfg.StreamIdleTimeout <= 0 {
		return 0
	}
	closed := m.sessions.CloseIdle(m.cfg.StreamIdleTimeout, session.TransportStream)
	if closed > 0 {
		m.logger.Info().Int("closed", closed).Msg("closed idle stream sessions")
	}
	return closed
}

func (m *Manager) checkDisk(usedPercent float64) {
	var level zerolog.Level
	switch {
	case usedPercent >= 95:
		level = zerolog.ErrorLevel
	case usedPercent >= 90:
		level = zerolog.WarnLevel
	case usedPercent >= 80:
		level = zerolog.InfoLevel
	default:
		return
	}
	m.logger.WithLevel(level).Float64("used_percent", usedPercent).Msg("disk usage high")
}

func (m *Manager) pruneHistory() {
	if m.history == nil || m.cfg.HistoryRetention <= 0 {
		return
	}
	removed, err := m.history.Prune(m.cfg.HistoryRetention)
	if err != nil {
		m.logger.Warn().Err(err).Msg("history prune failed")
		return
	}
	if removed > 0 {
		m.logger.Info().Int64("removed", removed).Msg("pruned session history")
	}
}
