// SPDX-License-Identifier: MIT

package locker

import (
	"context"
	"sync/atomic"
	"time"

	xlog "github.com/kiosknet/lockerd/internal/log"
	"github.com/kiosknet/lockerd/internal/metrics"
)

// CleanupWorker sweeps expired reservations back to Free and restores the
// one-card-one-locker invariant.
type CleanupWorker struct {
	Machine *Machine
	running atomic.Bool
}

// Run drives the sweep loop until ctx is cancelled.
func (w *CleanupWorker) Run(ctx context.Context) error {
	interval := w.Machine.cfg.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	logger := xlog.WithComponent("locker")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", interval).
		Str("event", "locker.cleanup_started").
		Msg("reservation cleanup worker started")

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			logger.Info().Str("event", "locker.cleanup_stopped").
				Msg("reservation cleanup worker stopped")
			return ctx.Err()
		}
	}
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	// Invocations must not overlap with themselves.
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	metrics.CleanupRunsTotal.WithLabelValues("locker_cleanup").Inc()

	released, err := w.Machine.ReleaseExpired(ctx)
	if err != nil {
		w.Machine.logger.Error().Err(err).
			Str("event", "locker.cleanup_failed").
			Msg("expired reservation sweep failed")
	}

	reconciled, err := w.Machine.Reconcile(ctx)
	if err != nil {
		w.Machine.logger.Error().Err(err).
			Str("event", "locker.reconcile_failed").
			Msg("duplicate owner reconciliation failed")
	}

	if released > 0 || reconciled > 0 {
		w.Machine.logger.Info().
			Int("released", released).
			Int("reconciled", reconciled).
			Str("event", "locker.cleanup_sweep").
			Msg("reservation sweep completed")
	}
}
