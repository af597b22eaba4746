// SPDX-License-Identifier: MIT

package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kiosknet/lockerd/internal/fault"
	xlog "github.com/kiosknet/lockerd/internal/log"
	"github.com/kiosknet/lockerd/internal/metrics"
)

// Queue persists commands and mediates the poll/claim/ack cycle. Like the
// locker store, every transition is a conditional UPDATE whose WHERE clause
// names the expected current status; zero affected rows means the command
// was already claimed, finished, or cancelled by someone else.
type Queue struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue wraps an open database handle.
func NewQueue(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:     db,
		logger: xlog.WithComponent("commands"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

const commandColumns = "command_id, kiosk_id, command_type, payload, status, retry_count, max_retries, next_attempt_at_ms, last_error, created_at_ms, executed_at_ms, completed_at_ms"

func scanCommand(s interface{ Scan(...any) error }) (*Command, error) {
	var (
		c           Command
		payload     string
		lastError   sql.NullString
		nextAttempt int64
		createdAt   int64
		executedAt  sql.NullInt64
		completedAt sql.NullInt64
	)
	err := s.Scan(&c.CommandID, &c.KioskID, &c.Type, &payload, &c.Status,
		&c.RetryCount, &c.MaxRetries, &nextAttempt, &lastError,
		&createdAt, &executedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	c.Payload = json.RawMessage(payload)
	c.LastError = lastError.String
	c.NextAttemptAt = time.UnixMilli(nextAttempt).UTC()
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	if executedAt.Valid {
		c.ExecutedAt = time.UnixMilli(executedAt.Int64).UTC()
	}
	if completedAt.Valid {
		c.CompletedAt = time.UnixMilli(completedAt.Int64).UTC()
	}
	return &c, nil
}

// Enqueue inserts a new pending command, immediately eligible for delivery.
func (q *Queue) Enqueue(ctx context.Context, kioskID string, cmdType Type, payload json.RawMessage, maxRetries int) (*Command, error) {
	if kioskID == "" {
		return nil, fault.Validationf("kiosk_id", "must not be empty")
	}
	if !cmdType.Valid() {
		return nil, fault.Validationf("command_type", "unknown type %q", cmdType)
	}
	if maxRetries < 0 {
		return nil, fault.Validationf("max_retries", "must be non-negative")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	} else if !json.Valid(payload) {
		return nil, fault.Validationf("payload", "must be valid JSON")
	}

	now := q.now().UTC()
	c := &Command{
		CommandID:     uuid.NewString(),
		KioskID:       kioskID,
		Type:          cmdType,
		Payload:       payload,
		Status:        StatusPending,
		MaxRetries:    maxRetries,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO command_queue (command_id, kiosk_id, command_type, payload, status, retry_count, max_retries, next_attempt_at_ms, created_at_ms)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
		c.CommandID, c.KioskID, string(c.Type), string(c.Payload),
		c.MaxRetries, c.NextAttemptAt.UnixMilli(), c.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fault.Transient("enqueue command", err)
	}

	metrics.CommandsEnqueuedTotal.WithLabelValues(string(cmdType)).Inc()
	q.logger.Info().
		Str("command_id", c.CommandID).
		Str("kiosk_id", kioskID).
		Str("command_type", string(cmdType)).
		Str("event", "commands.enqueued").
		Msg("command enqueued")
	return c, nil
}

// Get returns one command or fault.ErrNotFound.
func (q *Queue) Get(ctx context.Context, commandID string) (*Command, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+commandColumns+" FROM command_queue WHERE command_id = ?", commandID)
	c, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.ErrNotFound
		}
		return nil, fault.Transient("select command", err)
	}
	return c, nil
}

// FetchPending returns the kiosk's deliverable commands in creation order:
// pending status and next_attempt_at in the past. Commands waiting out a
// backoff window are invisible until it elapses.
func (q *Queue) FetchPending(ctx context.Context, kioskID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+commandColumns+` FROM command_queue
		WHERE kiosk_id = ? AND status = 'pending' AND next_attempt_at_ms <= ?
		ORDER BY created_at_ms, command_id
		LIMIT ?`,
		kioskID, q.now().UnixMilli(), limit)
	if err != nil {
		return nil, fault.Transient("fetch pending commands", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fault.Transient("scan command", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// MarkExecuting claims a pending command for execution. At most one caller
// wins; every other claim on the same command returns false.
func (q *Queue) MarkExecuting(ctx context.Context, commandID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE command_queue SET status = 'executing', executed_at_ms = ?
		WHERE command_id = ? AND status = 'pending'`,
		q.now().UnixMilli(), commandID)
	if err != nil {
		return false, fault.Transient("claim command", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkCompleted acknowledges successful execution of a claimed command.
func (q *Queue) MarkCompleted(ctx context.Context, commandID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE command_queue SET status = 'completed', completed_at_ms = ?
		WHERE command_id = ? AND status = 'executing'`,
		q.now().UnixMilli(), commandID)
	if err != nil {
		return false, fault.Transient("complete command", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.CommandsCompletedTotal.WithLabelValues("completed").Inc()
	}
	return n > 0, nil
}

// MarkFailed records a failed execution attempt. While retry_count + 1 stays
// below max_retries, the command goes back to pending with an exponentially
// growing delay (2^n * 30s, n being the updated retry count); once exhausted
// it is parked in the terminal failed status.
func (q *Queue) MarkFailed(ctx context.Context, commandID, errMsg string) (bool, error) {
	c, err := q.Get(ctx, commandID)
	if err != nil {
		return false, err
	}
	if c.Status != StatusExecuting {
		return false, nil
	}

	now := q.now().UTC()
	if c.RetryCount+1 < c.MaxRetries {
		newCount := c.RetryCount + 1
		next := now.Add(backoffDelay(newCount))
		res, err := q.db.ExecContext(ctx, `
			UPDATE command_queue SET status = 'pending', retry_count = ?, next_attempt_at_ms = ?, last_error = ?
			WHERE command_id = ? AND status = 'executing'`,
			newCount, next.UnixMilli(), errMsg, commandID)
		if err != nil {
			return false, fault.Transient("requeue command", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			metrics.CommandRetriesTotal.Inc()
			q.logger.Warn().
				Str("command_id", commandID).
				Int("retry_count", newCount).
				Time("next_attempt_at", next).
				Str("error", errMsg).
				Str("event", "commands.retry_scheduled").
				Msg("command failed, retry scheduled")
		}
		return n > 0, nil
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE command_queue SET status = 'failed', last_error = ?, completed_at_ms = ?
		WHERE command_id = ? AND status = 'executing'`,
		errMsg, now.UnixMilli(), commandID)
	if err != nil {
		return false, fault.Transient("fail command", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.CommandsCompletedTotal.WithLabelValues("failed").Inc()
		q.logger.Error().
			Str("command_id", commandID).
			Str("kiosk_id", c.KioskID).
			Int("retry_count", c.RetryCount).
			Str("error", errMsg).
			Str("event", "commands.failed_permanently").
			Msg("command exhausted retry budget")
	}
	return n > 0, nil
}

// Cancel withdraws a command that has not yet reached a terminal state.
func (q *Queue) Cancel(ctx context.Context, commandID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE command_queue SET status = 'cancelled', completed_at_ms = ?
		WHERE command_id = ? AND status IN ('pending', 'executing')`,
		q.now().UnixMilli(), commandID)
	if err != nil {
		return false, fault.Transient("cancel command", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.CommandsCompletedTotal.WithLabelValues("cancelled").Inc()
	}
	return n > 0, nil
}

// ClearPending cancels every non-terminal command of a kiosk and returns the
// count. Invoked when a kiosk restart is detected: queued instructions for
// the pre-restart firmware state must not reach the fresh one.
func (q *Queue) ClearPending(ctx context.Context, kioskID string) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE command_queue SET status = 'cancelled', completed_at_ms = ?
		WHERE kiosk_id = ? AND status IN ('pending', 'executing')`,
		q.now().UnixMilli(), kioskID)
	if err != nil {
		return 0, fault.Transient("clear pending commands", err)
	}
	n, _ := res.RowsAffected()
	metrics.CommandsCompletedTotal.WithLabelValues("cancelled").Add(float64(n))
	if n > 0 {
		q.logger.Info().
			Str("kiosk_id", kioskID).
			Int64("cleared", n).
			Str("event", "commands.cleared").
			Msg("pending commands cancelled after kiosk restart")
	}
	return int(n), nil
}

// FindStaleExecuting returns commands claimed before cutoff that were never
// acknowledged. The heartbeat sweep feeds these back through MarkFailed so
// the retry budget, not a wall-clock judgement call, decides their fate.
func (q *Queue) FindStaleExecuting(ctx context.Context, cutoff time.Time) ([]Command, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+commandColumns+` FROM command_queue
		WHERE status = 'executing' AND executed_at_ms < ?
		ORDER BY executed_at_ms`,
		cutoff.UnixMilli())
	if err != nil {
		return nil, fault.Transient("select stale commands", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fault.Transient("scan command", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteTerminalOlderThan removes finished commands whose terminal
// transition predates cutoff.
func (q *Queue) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM command_queue
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at_ms < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fault.Transient("delete terminal commands", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
