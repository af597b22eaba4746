// SPDX-License-Identifier: MIT

package heartbeat

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiosknet/lockerd/internal/commands"
	"github.com/kiosknet/lockerd/internal/eventlog"
	"github.com/kiosknet/lockerd/internal/fault"
	xlog "github.com/kiosknet/lockerd/internal/log"
	"github.com/kiosknet/lockerd/internal/metrics"
)

// Config tunes liveness detection and the intervals handed back to kiosks.
type Config struct {
	OfflineThreshold      time.Duration
	SweepInterval         time.Duration
	StaleCommandThreshold time.Duration
	PollInterval          time.Duration
	HeartbeatInterval     time.Duration
}

// DefaultConfig matches the intervals kiosk firmware ships with.
func DefaultConfig() Config {
	return Config{
		OfflineThreshold:      30 * time.Second,
		SweepInterval:         60 * time.Second,
		StaleCommandThreshold: 120 * time.Second,
		PollInterval:          2 * time.Second,
		HeartbeatInterval:     10 * time.Second,
	}
}

// EventSink receives liveness and restart events.
type EventSink interface {
	Append(ctx context.Context, ev eventlog.Event) error
}

// BeatRequest is one kiosk report.
type BeatRequest struct {
	KioskID    string `json:"kiosk_id"`
	Zone       string `json:"zone,omitempty"`
	Version    string `json:"version,omitempty"`
	HardwareID string `json:"hardware_id,omitempty"`
	ConfigHash string `json:"config_hash,omitempty"`
}

// BeatResponse tells the kiosk how often to come back.
type BeatResponse struct {
	PollIntervalMS      int64 `json:"poll_interval_ms"`
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

// Manager ingests heartbeats and runs the offline sweep.
type Manager struct {
	store   *store
	queue   *commands.Queue
	events  EventSink
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
	running atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager wires the manager to its stores.
func NewManager(db *sql.DB, queue *commands.Queue, events EventSink, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:  &store{db: db},
		queue:  queue,
		events: events,
		cfg:    cfg,
		logger: xlog.WithComponent("heartbeat"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns one kiosk's last known state.
func (m *Manager) Get(ctx context.Context, kioskID string) (*Kiosk, error) {
	return m.store.get(ctx, kioskID)
}

// List returns all known kiosks.
func (m *Manager) List(ctx context.Context) ([]Kiosk, error) {
	return m.store.list(ctx)
}

// Beat processes one kiosk report. A report from a kiosk whose software
// version or hardware fingerprint changed is treated as a restart: the
// command queue is flushed first, since queued instructions target the
// pre-restart state.
func (m *Manager) Beat(ctx context.Context, req BeatRequest) (*BeatResponse, error) {
	if req.KioskID == "" {
		return nil, fault.Validationf("kiosk_id", "must not be empty")
	}

	now := m.now().UTC()
	prev, err := m.store.get(ctx, req.KioskID)
	switch {
	case errors.Is(err, fault.ErrNotFound):
		prev = nil
	case err != nil:
		return nil, err
	}

	restarted := prev != nil &&
		((req.Version != "" && prev.Version != "" && req.Version != prev.Version) ||
			(req.HardwareID != "" && prev.HardwareID != "" && req.HardwareID != prev.HardwareID))

	if restarted {
		cleared, err := m.queue.ClearPending(ctx, req.KioskID)
		if err != nil {
			return nil, err
		}
		m.appendEvent(ctx, eventlog.Event{
			Timestamp: now,
			KioskID:   req.KioskID,
			Payload: eventlog.SystemRestartedDetails{
				ClearedCommands: cleared,
				PreviousVersion: prev.Version,
				NewVersion:      req.Version,
			},
		})
		m.logger.Warn().
			Str("kiosk_id", req.KioskID).
			Str("previous_version", prev.Version).
			Str("new_version", req.Version).
			Int("cleared_commands", cleared).
			Str("event", "heartbeat.restart_detected").
			Msg("kiosk restart detected")
	}

	wasOffline := prev == nil || prev.Status != StatusOnline
	if wasOffline {
		previousStatus := "unknown"
		if prev != nil {
			previousStatus = string(prev.Status)
		}
		m.appendEvent(ctx, eventlog.Event{
			Timestamp: now,
			KioskID:   req.KioskID,
			Payload:   eventlog.KioskOnlineDetails{PreviousStatus: previousStatus},
		})
		metrics.KioskTransitionsTotal.WithLabelValues("online").Inc()
		m.logger.Info().
			Str("kiosk_id", req.KioskID).
			Str("previous_status", previousStatus).
			Str("event", "heartbeat.online").
			Msg("kiosk online")
	}

	if err := m.store.upsert(ctx, &Kiosk{
		KioskID:    req.KioskID,
		Zone:       req.Zone,
		Version:    req.Version,
		Status:     StatusOnline,
		LastSeen:   now,
		HardwareID: req.HardwareID,
		ConfigHash: req.ConfigHash,
	}); err != nil {
		return nil, err
	}

	return &BeatResponse{
		PollIntervalMS:      m.cfg.PollInterval.Milliseconds(),
		HeartbeatIntervalMS: m.cfg.HeartbeatInterval.Milliseconds(),
	}, nil
}

// Sweep marks silent kiosks offline and recycles commands stuck in
// executing past the stale threshold. Returns the number of kiosks taken
// offline.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now().UTC()

	silent, err := m.store.silentSince(ctx, now.Add(-m.cfg.OfflineThreshold))
	if err != nil {
		return 0, err
	}
	offlined := 0
	for _, k := range silent {
		ok, err := m.store.markOffline(ctx, k.KioskID)
		if err != nil {
			m.logger.Error().Err(err).Str("kiosk_id", k.KioskID).
				Str("event", "heartbeat.offline_failed").
				Msg("offline transition failed")
			continue
		}
		if !ok {
			continue
		}
		offlined++
		metrics.KioskTransitionsTotal.WithLabelValues("offline").Inc()
		m.appendEvent(ctx, eventlog.Event{
			Timestamp: now,
			KioskID:   k.KioskID,
			Payload: eventlog.KioskOfflineDetails{
				OfflineDurationMS: now.Sub(k.LastSeen).Milliseconds(),
			},
		})
		m.logger.Warn().
			Str("kiosk_id", k.KioskID).
			Time("last_seen", k.LastSeen).
			Str("event", "heartbeat.offline").
			Msg("kiosk offline")
	}

	stale, err := m.queue.FindStaleExecuting(ctx, now.Add(-m.cfg.StaleCommandThreshold))
	if err != nil {
		return offlined, err
	}
	for _, c := range stale {
		if _, err := m.queue.MarkFailed(ctx, c.CommandID, "stale command timeout"); err != nil {
			m.logger.Error().Err(err).
				Str("command_id", c.CommandID).
				Str("event", "heartbeat.stale_recovery_failed").
				Msg("stale command recovery failed")
		}
	}

	return offlined, nil
}

// Run drives the sweep loop until ctx is cancelled. One final sweep runs on
// shutdown so liveness state on disk reflects the moment the daemon stopped.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).
		Str("event", "heartbeat.sweep_started").
		Msg("heartbeat sweep started")

	for {
		select {
		case <-ticker.C:
			m.sweepGuarded(ctx)
		case <-ctx.Done():
			m.sweepGuarded(context.WithoutCancel(ctx))
			m.logger.Info().Str("event", "heartbeat.sweep_stopped").
				Msg("heartbeat sweep stopped")
			return ctx.Err()
		}
	}
}

func (m *Manager) sweepGuarded(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	metrics.CleanupRunsTotal.WithLabelValues("heartbeat_sweep").Inc()
	if _, err := m.Sweep(ctx); err != nil {
		m.logger.Error().Err(err).
			Str("event", "heartbeat.sweep_failed").
			Msg("heartbeat sweep failed")
	}
}

func (m *Manager) appendEvent(ctx context.Context, ev eventlog.Event) {
	if err := m.events.Append(ctx, ev); err != nil {
		m.logger.Error().Err(err).
			Str("kiosk_id", ev.KioskID).
			Str("event", "heartbeat.event_append_failed").
			Msg("event append failed")
	}
}
