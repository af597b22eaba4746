// SPDX-License-Identifier: MIT

package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kiosknet/lockerd/internal/fault"
	"github.com/kiosknet/lockerd/internal/metrics"
)

// RetentionConfig bounds how long events live and when identifiers inside
// them are anonymized.
type RetentionConfig struct {
	EventRetention  time.Duration // non-audit events, default 30 days
	AuditRetention  time.Duration // audit events, default 90 days
	AnonymizeAfter  time.Duration // identifier scrubbing window, shorter than both
	CleanupInterval time.Duration // how often the worker runs
}

// DefaultRetentionConfig returns the retention windows from the product
// privacy policy.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		EventRetention:  30 * 24 * time.Hour,
		AuditRetention:  90 * 24 * time.Hour,
		AnonymizeAfter:  14 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

func auditTypeList() string {
	types := make([]string, 0, len(auditTypes))
	for t := range auditTypes {
		types = append(types, "'"+string(t)+"'")
	}
	sort.Strings(types)
	return strings.Join(types, ",")
}

// AnonymizeOlderThan scrubs rfid_card, device_id and in-details ip_address /
// device_id values on events older than cutoff. Re-running over already
// scrubbed rows is a no-op.
func (l *Log) AnonymizeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, rfid_card, device_id, details FROM events
		WHERE timestamp_ms < ?
		AND (
			(rfid_card IS NOT NULL AND rfid_card NOT LIKE 'anon\_%' ESCAPE '\')
			OR (device_id IS NOT NULL AND device_id NOT LIKE 'anon\_%' ESCAPE '\')
			OR details LIKE '%ip_address%'
			OR details LIKE '%device_id%'
		)`, cutoff.UnixMilli())
	if err != nil {
		return 0, fault.Transient("select events for anonymization", err)
	}
	defer func() { _ = rows.Close() }()

	type pending struct {
		id      int64
		card    sql.NullString
		device  sql.NullString
		details string
	}
	var work []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.card, &p.device, &p.details); err != nil {
			return 0, fault.Transient("scan event for anonymization", err)
		}
		work = append(work, p)
	}
	if err := rows.Err(); err != nil {
		return 0, fault.Transient("iterate events for anonymization", err)
	}

	changed := 0
	for _, p := range work {
		newCard := p.card
		if p.card.Valid {
			newCard.String = anonymizeValue(l.salt, p.card.String)
		}
		newDevice := p.device
		if p.device.Valid {
			newDevice.String = anonymizeValue(l.salt, p.device.String)
		}
		newDetails := l.anonymizeDetails(p.details)

		if newCard == p.card && newDevice == p.device && newDetails == p.details {
			continue
		}

		// A single failed row must not abort the pass.
		_, err := l.db.ExecContext(ctx,
			"UPDATE events SET rfid_card = ?, device_id = ?, details = ? WHERE id = ?",
			newCard, newDevice, newDetails, p.id)
		if err != nil {
			l.logger.Error().Err(err).Int64("event_id", p.id).
				Str("event", "eventlog.anonymize_failed").
				Msg("failed to anonymize event row")
			continue
		}
		changed++
	}
	return changed, nil
}

func (l *Log) anonymizeDetails(detailsJSON string) string {
	var details map[string]any
	if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil {
		return detailsJSON
	}
	touched := false
	for _, key := range []string{"ip_address", "device_id", "rfid_card"} {
		if v, ok := details[key].(string); ok && v != "" && !strings.HasPrefix(v, anonPrefix) {
			details[key] = anonymizeValue(l.salt, v)
			touched = true
		}
	}
	if !touched {
		return detailsJSON
	}
	out, err := json.Marshal(details)
	if err != nil {
		return detailsJSON
	}
	return string(out)
}

// DeleteExpired removes non-audit events older than the event window and
// audit events older than the audit window. Returns rows deleted.
func (l *Log) DeleteExpired(ctx context.Context, cfg RetentionConfig) (int64, error) {
	now := l.now()
	auditIn := auditTypeList()

	res, err := l.db.ExecContext(ctx,
		"DELETE FROM events WHERE timestamp_ms < ? AND event_type NOT IN ("+auditIn+")",
		now.Add(-cfg.EventRetention).UnixMilli())
	if err != nil {
		return 0, fault.Transient("delete expired events", err)
	}
	deleted, _ := res.RowsAffected()

	res, err = l.db.ExecContext(ctx,
		"DELETE FROM events WHERE timestamp_ms < ? AND event_type IN ("+auditIn+")",
		now.Add(-cfg.AuditRetention).UnixMilli())
	if err != nil {
		return deleted, fault.Transient("delete expired audit events", err)
	}
	auditDeleted, _ := res.RowsAffected()

	return deleted + auditDeleted, nil
}

// RetentionWorker periodically anonymizes and prunes the event log.
type RetentionWorker struct {
	Log     *Log
	Config  RetentionConfig
	running atomic.Bool
}

// Run drives the retention loop until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	interval := w.Config.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Log.logger.Info().Dur("interval", interval).
		Str("event", "eventlog.retention_started").
		Msg("event retention worker started")

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			w.Log.logger.Info().Str("event", "eventlog.retention_stopped").
				Msg("event retention worker stopped")
			return ctx.Err()
		}
	}
}

func (w *RetentionWorker) sweep(ctx context.Context) {
	// Invocations must not overlap with themselves.
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	metrics.CleanupRunsTotal.WithLabelValues("eventlog_retention").Inc()

	anonymized, err := w.Log.AnonymizeOlderThan(ctx, w.Log.now().Add(-w.Config.AnonymizeAfter))
	if err != nil {
		w.Log.logger.Error().Err(err).Str("event", "eventlog.anonymize_pass_failed").
			Msg("anonymization pass failed")
	}

	deleted, err := w.Log.DeleteExpired(ctx, w.Config)
	if err != nil {
		w.Log.logger.Error().Err(err).Str("event", "eventlog.retention_pass_failed").
			Msg("retention pass failed")
	}

	if anonymized > 0 || deleted > 0 {
		w.Log.logger.Info().
			Int("anonymized", anonymized).
			Int64("deleted", deleted).
			Str("event", "eventlog.retention_sweep").
			Msg("event retention sweep completed")
	}
}
