// SPDX-License-Identifier: MIT

// Package heartbeat tracks kiosk liveness. Kiosks report in periodically;
// the manager flips them online, detects restarts by version or hardware
// changes, and a sweep loop marks silent kiosks offline and recovers
// commands their executors abandoned.
package heartbeat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kiosknet/lockerd/internal/fault"
)

// KioskStatus is a kiosk's liveness state.
type KioskStatus string

const (
	StatusOnline  KioskStatus = "online"
	StatusOffline KioskStatus = "offline"
	// Firmware-reported states. No gateway transition produces them, but a
	// kiosk placed in maintenance or flagging a hardware error keeps that
	// status across sweeps until its next beat.
	StatusMaintenance KioskStatus = "maintenance"
	StatusError       KioskStatus = "error"
)

// Kiosk is the last known state of one reporting kiosk.
type Kiosk struct {
	KioskID    string      `json:"kiosk_id"`
	Zone       string      `json:"zone,omitempty"`
	Version    string      `json:"version,omitempty"`
	Status     KioskStatus `json:"status"`
	LastSeen   time.Time   `json:"last_seen"`
	HardwareID string      `json:"hardware_id,omitempty"`
	ConfigHash string      `json:"config_hash,omitempty"`
}

type store struct {
	db *sql.DB
}

const kioskColumns = "kiosk_id, zone, version, status, last_seen_ms, hardware_id, config_hash"

func scanKiosk(s interface{ Scan(...any) error }) (*Kiosk, error) {
	var (
		k        Kiosk
		zone     sql.NullString
		version  sql.NullString
		lastSeen sql.NullInt64
		hwID     sql.NullString
		cfgHash  sql.NullString
	)
	if err := s.Scan(&k.KioskID, &zone, &version, &k.Status, &lastSeen, &hwID, &cfgHash); err != nil {
		return nil, err
	}
	k.Zone = zone.String
	k.Version = version.String
	if lastSeen.Valid {
		k.LastSeen = time.UnixMilli(lastSeen.Int64).UTC()
	}
	k.HardwareID = hwID.String
	k.ConfigHash = cfgHash.String
	return &k, nil
}

func (s *store) get(ctx context.Context, kioskID string) (*Kiosk, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+kioskColumns+" FROM kiosk_heartbeat WHERE kiosk_id = ?", kioskID)
	k, err := scanKiosk(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.ErrNotFound
		}
		return nil, fault.Transient("select kiosk", err)
	}
	return k, nil
}

func (s *store) list(ctx context.Context) ([]Kiosk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+kioskColumns+" FROM kiosk_heartbeat ORDER BY kiosk_id")
	if err != nil {
		return nil, fault.Transient("list kiosks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Kiosk
	for rows.Next() {
		k, err := scanKiosk(rows)
		if err != nil {
			return nil, fault.Transient("scan kiosk", err)
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *store) upsert(ctx context.Context, k *Kiosk) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kiosk_heartbeat (kiosk_id, zone, version, status, last_seen_ms, hardware_id, config_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kiosk_id) DO UPDATE SET
			zone = excluded.zone,
			version = excluded.version,
			status = excluded.status,
			last_seen_ms = excluded.last_seen_ms,
			hardware_id = excluded.hardware_id,
			config_hash = excluded.config_hash`,
		k.KioskID, k.Zone, k.Version, string(k.Status),
		k.LastSeen.UnixMilli(), k.HardwareID, k.ConfigHash)
	if err != nil {
		return fault.Transient("upsert kiosk", err)
	}
	return nil
}

// silentSince returns online kiosks whose last report predates cutoff.
func (s *store) silentSince(ctx context.Context, cutoff time.Time) ([]Kiosk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+kioskColumns+` FROM kiosk_heartbeat
		WHERE status = 'online' AND last_seen_ms < ?
		ORDER BY kiosk_id`,
		cutoff.UnixMilli())
	if err != nil {
		return nil, fault.Transient("select silent kiosks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Kiosk
	for rows.Next() {
		k, err := scanKiosk(rows)
		if err != nil {
			return nil, fault.Transient("scan kiosk", err)
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *store) markOffline(ctx context.Context, kioskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE kiosk_heartbeat SET status = 'offline'
		WHERE kiosk_id = ? AND status = 'online'`, kioskID)
	if err != nil {
		return false, fault.Transient("mark kiosk offline", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
