// SPDX-License-Identifier: MIT

package commands

import (
	"context"
	"sync/atomic"
	"time"

	xlog "github.com/kiosknet/lockerd/internal/log"
	"github.com/kiosknet/lockerd/internal/metrics"
)

// GCConfig tunes the terminal-command janitor.
type GCConfig struct {
	Retention time.Duration
	Interval  time.Duration
}

// DefaultGCConfig keeps finished commands for a week and sweeps hourly.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Retention: 7 * 24 * time.Hour,
		Interval:  time.Hour,
	}
}

// GCWorker deletes terminal commands past their retention window.
type GCWorker struct {
	Queue   *Queue
	Config  GCConfig
	running atomic.Bool
}

// Run drives the sweep loop until ctx is cancelled.
func (w *GCWorker) Run(ctx context.Context) error {
	cfg := w.Config
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultGCConfig().Retention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultGCConfig().Interval
	}

	logger := xlog.WithComponent("commands")
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	logger.Info().
		Dur("interval", cfg.Interval).
		Dur("retention", cfg.Retention).
		Str("event", "commands.gc_started").
		Msg("command garbage collector started")

	for {
		select {
		case <-ticker.C:
			w.sweepOnce(ctx, cfg)
		case <-ctx.Done():
			logger.Info().Str("event", "commands.gc_stopped").
				Msg("command garbage collector stopped")
			return ctx.Err()
		}
	}
}

func (w *GCWorker) sweepOnce(ctx context.Context, cfg GCConfig) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	metrics.CleanupRunsTotal.WithLabelValues("command_gc").Inc()

	cutoff := w.Queue.now().Add(-cfg.Retention)
	deleted, err := w.Queue.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		w.Queue.logger.Error().Err(err).
			Str("event", "commands.gc_failed").
			Msg("terminal command sweep failed")
		return
	}
	if deleted > 0 {
		w.Queue.logger.Info().
			Int64("deleted", deleted).
			Str("event", "commands.gc_sweep").
			Msg("terminal commands deleted")
	}
}
