// SPDX-License-Identifier: MIT

package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiosknet/lockerd/internal/fault"
	xlog "github.com/kiosknet/lockerd/internal/log"
	"github.com/kiosknet/lockerd/internal/metrics"
)

// Log is the append-only event store. Writes validate the payload variant,
// apply redaction and mirror the record to the structured logger.
type Log struct {
	db     *sql.DB
	logger zerolog.Logger
	salt   string
	now    func() time.Time
}

// Option customizes a Log.
type Option func(*Log)

// WithClock overrides the time source, used by tests to advance virtual time.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an event log writing to db. salt seeds the deterministic
// redaction and anonymization hashes.
func New(db *sql.DB, salt string, opts ...Option) *Log {
	l := &Log{
		db:     db,
		logger: xlog.WithComponent("eventlog"),
		salt:   salt,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates, redacts and persists one event. Events with no payload,
// an invalid payload, or a missing staff identity on staff-operation types
// are rejected with a validation error and never reach storage.
func (l *Log) Append(ctx context.Context, ev Event) error {
	if ev.Payload == nil {
		return fault.Validationf("payload", "required")
	}
	typ := ev.Payload.EventType()
	if err := ev.Payload.Validate(); err != nil {
		metrics.EventsRejectedTotal.WithLabelValues(string(typ)).Inc()
		return err
	}
	if ev.KioskID == "" {
		metrics.EventsRejectedTotal.WithLabelValues(string(typ)).Inc()
		return fault.Validationf("kiosk_id", "required")
	}
	if staffTypes[typ] && ev.StaffUser == "" {
		metrics.EventsRejectedTotal.WithLabelValues(string(typ)).Inc()
		return fault.Validationf("staff_user", "required for %s", typ)
	}

	details, err := payloadToMap(ev.Payload)
	if err != nil {
		return fault.Validationf("payload", "not serializable: %v", err)
	}
	redactDetails(l.salt, details)

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fault.Validationf("payload", "not serializable: %v", err)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO events (timestamp_ms, kiosk_id, locker_id, event_type, rfid_card, device_id, staff_user, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UnixMilli(), ev.KioskID, nullInt(ev.LockerID),
		string(typ), nullStr(ev.RFIDCard), nullStr(ev.DeviceID), nullStr(ev.StaffUser),
		string(detailsJSON),
	)
	if err != nil {
		return fault.Transient("insert event", err)
	}

	metrics.EventsWrittenTotal.WithLabelValues(string(typ)).Inc()

	logEvent := l.logger.Info().
		Str("event", "eventlog.append").
		Str("event_type", string(typ)).
		Str("kiosk_id", ev.KioskID)
	if ev.LockerID > 0 {
		logEvent = logEvent.Int("locker_id", ev.LockerID)
	}
	if ev.StaffUser != "" {
		logEvent = logEvent.Str("staff_user", ev.StaffUser)
	}
	logEvent.RawJSON("details", detailsJSON).Msg("event recorded")

	return nil
}

func payloadToMap(p Payload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// StoredEvent is a persisted record as returned by Query.
type StoredEvent struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	KioskID   string         `json:"kiosk_id"`
	LockerID  int            `json:"locker_id,omitempty"`
	Type      Type           `json:"event_type"`
	RFIDCard  string         `json:"rfid_card,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	StaffUser string         `json:"staff_user,omitempty"`
	Details   map[string]any `json:"details"`
}

// Filter narrows a Query. Zero values are ignored.
type Filter struct {
	KioskID string
	Type    Type
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Query returns events newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]StoredEvent, error) {
	query := "SELECT id, timestamp_ms, kiosk_id, locker_id, event_type, rfid_card, device_id, staff_user, details FROM events WHERE 1=1"
	args := []any{}

	if f.KioskID != "" {
		query += " AND kiosk_id = ?"
		args = append(args, f.KioskID)
	}
	if f.Type != "" {
		query += " AND event_type = ?"
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		query += " AND timestamp_ms >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		query += " AND timestamp_ms < ?"
		args = append(args, f.Until.UnixMilli())
	}
	query += " ORDER BY timestamp_ms DESC, id DESC"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Transient("query events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StoredEvent
	for rows.Next() {
		var (
			ev          StoredEvent
			tsMS        int64
			lockerID    sql.NullInt64
			card        sql.NullString
			device      sql.NullString
			staff       sql.NullString
			detailsJSON string
		)
		if err := rows.Scan(&ev.ID, &tsMS, &ev.KioskID, &lockerID, &ev.Type, &card, &device, &staff, &detailsJSON); err != nil {
			return nil, fault.Transient("scan event", err)
		}
		ev.Timestamp = time.UnixMilli(tsMS).UTC()
		if lockerID.Valid {
			ev.LockerID = int(lockerID.Int64)
		}
		ev.RFIDCard = card.String
		ev.DeviceID = device.String
		ev.StaffUser = staff.String
		if err := json.Unmarshal([]byte(detailsJSON), &ev.Details); err != nil {
			ev.Details = map[string]any{}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i > 0}
}
