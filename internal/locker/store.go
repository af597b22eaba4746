// SPDX-License-Identifier: MIT

package locker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kiosknet/lockerd/internal/fault"
)

// Store persists locker rows. Every mutation is a conditional UPDATE whose
// WHERE clause is the concurrency contract: it names the expected version
// and the status preconditions, and zero affected rows means conflict.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const lockerColumns = "kiosk_id, id, status, owner_type, owner_key, reserved_at_ms, owned_at_ms, is_vip, display_name, version, updated_at_ms"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocker(s rowScanner) (*Locker, error) {
	var (
		l          Locker
		ownerType  sql.NullString
		ownerKey   sql.NullString
		reservedAt sql.NullInt64
		ownedAt    sql.NullInt64
		name       sql.NullString
		updatedAt  int64
	)
	err := s.Scan(&l.KioskID, &l.ID, &l.Status, &ownerType, &ownerKey,
		&reservedAt, &ownedAt, &l.IsVIP, &name, &l.Version, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.OwnerType = OwnerType(ownerType.String)
	l.OwnerKey = ownerKey.String
	if reservedAt.Valid {
		l.ReservedAt = time.UnixMilli(reservedAt.Int64).UTC()
	}
	if ownedAt.Valid {
		l.OwnedAt = time.UnixMilli(ownedAt.Int64).UTC()
	}
	l.DisplayName = name.String
	l.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &l, nil
}

// Get returns one locker or fault.ErrNotFound.
func (s *Store) Get(ctx context.Context, kioskID string, id int) (*Locker, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+lockerColumns+" FROM lockers WHERE kiosk_id = ? AND id = ?", kioskID, id)
	l, err := scanLocker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.ErrNotFound
		}
		return nil, fault.Transient("select locker", err)
	}
	return l, nil
}

// List returns all lockers of a kiosk ordered by id.
func (s *Store) List(ctx context.Context, kioskID string) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+lockerColumns+" FROM lockers WHERE kiosk_id = ? ORDER BY id", kioskID)
	if err != nil {
		return nil, fault.Transient("list lockers", err)
	}
	defer func() { _ = rows.Close() }()
	return collectLockers(rows)
}

func collectLockers(rows *sql.Rows) ([]Locker, error) {
	var out []Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fault.Transient("scan locker", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// SyncInventory creates missing locker rows 1..total for a kiosk. Existing
// rows, including those beyond total, are left untouched so ownership state
// survives a shrinking hardware inventory.
func (s *Store) SyncInventory(ctx context.Context, kioskID string, total int, now time.Time) (int, error) {
	if total < 0 {
		return 0, fault.Validationf("total", "must be non-negative")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fault.Transient("begin inventory sync", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := 0
	for id := 1; id <= total; id++ {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO lockers (kiosk_id, id, status, version, updated_at_ms)
			VALUES (?, ?, 'free', 1, ?)`,
			kioskID, id, now.UnixMilli())
		if err != nil {
			return 0, fault.Transient("insert locker row", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fault.Transient("commit inventory sync", err)
	}
	return created, nil
}

// SetVIP flags a locker as exempt from normal reservation flow.
func (s *Store) SetVIP(ctx context.Context, kioskID string, id int, vip bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lockers SET is_vip = ?, version = version + 1, updated_at_ms = ?
		WHERE kiosk_id = ? AND id = ?`,
		vip, now.UnixMilli(), kioskID, id)
	if err != nil {
		return fault.Transient("set vip", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// SetDisplayName updates the operator-facing label.
func (s *Store) SetDisplayName(ctx context.Context, kioskID string, id int, name string, now time.Time) error {
	if err := ValidateDisplayName(name); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE lockers SET display_name = ?, version = version + 1, updated_at_ms = ?
		WHERE kiosk_id = ? AND id = ?`,
		sql.NullString{String: name, Valid: name != ""}, now.UnixMilli(), kioskID, id)
	if err != nil {
		return fault.Transient("set display name", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// FindByOwner returns lockers held (reserved or owned) by an owner within a kiosk.
func (s *Store) FindByOwner(ctx context.Context, kioskID string, ownerType OwnerType, ownerKey string) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+lockerColumns+` FROM lockers
		WHERE kiosk_id = ? AND owner_key = ? AND owner_type = ? AND status IN ('reserved', 'owned')
		ORDER BY id`,
		kioskID, ownerKey, string(ownerType))
	if err != nil {
		return nil, fault.Transient("select lockers by owner", err)
	}
	defer func() { _ = rows.Close() }()
	return collectLockers(rows)
}

// FindExpiredReservations returns reserved lockers across all kiosks whose
// reservation started before cutoff.
func (s *Store) FindExpiredReservations(ctx context.Context, cutoff time.Time) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+lockerColumns+` FROM lockers
		WHERE status = 'reserved' AND reserved_at_ms < ?
		ORDER BY kiosk_id, id`,
		cutoff.UnixMilli())
	if err != nil {
		return nil, fault.Transient("select expired reservations", err)
	}
	defer func() { _ = rows.Close() }()
	return collectLockers(rows)
}

// FindDuplicateOwners returns lockers whose (owner_key, owner_type) holds
// more than one locker within the same kiosk, ordered so the reconciliation
// pass sees each group together.
func (s *Store) FindDuplicateOwners(ctx context.Context) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+lockerColumns+` FROM lockers
		WHERE status IN ('reserved', 'owned') AND owner_key IS NOT NULL
		AND EXISTS (
			SELECT 1 FROM lockers dup
			WHERE dup.kiosk_id = lockers.kiosk_id
			AND dup.owner_key = lockers.owner_key
			AND dup.owner_type = lockers.owner_type
			AND dup.status IN ('reserved', 'owned')
			AND dup.id <> lockers.id
		)
		ORDER BY kiosk_id, owner_type, owner_key, id`)
	if err != nil {
		return nil, fault.Transient("select duplicate owners", err)
	}
	defer func() { _ = rows.Close() }()
	return collectLockers(rows)
}

// reserve performs the Free → Reserved conditional update. The NOT EXISTS
// subclause closes the scan-then-update race on the one-card-one-locker rule
// by folding the ownership check into the same statement.
func (s *Store) reserve(ctx context.Context, kioskID string, id int, expectedVersion int64, ownerType OwnerType, ownerKey string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lockers SET
			status = 'reserved', owner_type = ?, owner_key = ?,
			reserved_at_ms = ?, version = version + 1, updated_at_ms = ?
		WHERE kiosk_id = ? AND id = ? AND version = ?
		AND status = 'free' AND is_vip = 0
		AND NOT EXISTS (
			SELECT 1 FROM lockers held
			WHERE held.kiosk_id = ? AND held.owner_key = ? AND held.owner_type = ?
			AND held.status IN ('reserved', 'owned')
		)`,
		string(ownerType), ownerKey, now.UnixMilli(), now.UnixMilli(),
		kioskID, id, expectedVersion,
		kioskID, ownerKey, string(ownerType))
	if err != nil {
		return false, fault.Transient("reserve locker", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// confirm performs Reserved → Owned for the same owner.
func (s *Store) confirm(ctx context.Context, kioskID string, id int, expectedVersion int64, ownerType OwnerType, ownerKey string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lockers SET
			status = 'owned', owned_at_ms = ?, version = version + 1, updated_at_ms = ?
		WHERE kiosk_id = ? AND id = ? AND version = ?
		AND status = 'reserved' AND owner_key = ? AND owner_type = ?`,
		now.UnixMilli(), now.UnixMilli(),
		kioskID, id, expectedVersion, ownerKey, string(ownerType))
	if err != nil {
		return false, fault.Transient("confirm locker", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// releaseToFree clears ownership, returning the locker to Free.
func (s *Store) releaseToFree(ctx context.Context, kioskID string, id int, expectedVersion int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lockers SET
			status = 'free', owner_type = NULL, owner_key = NULL,
			reserved_at_ms = NULL, owned_at_ms = NULL,
			version = version + 1, updated_at_ms = ?
		WHERE kiosk_id = ? AND id = ? AND version = ?`,
		now.UnixMilli(), kioskID, id, expectedVersion)
	if err != nil {
		return false, fault.Transient("release locker", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// setStatus moves a locker to an arbitrary status without touching owner
// fields. Used by block and hardware-fault transitions.
func (s *Store) setStatus(ctx context.Context, kioskID string, id int, expectedVersion int64, to Status, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lockers SET status = ?, version = version + 1, updated_at_ms = ?
		WHERE kiosk_id = ? AND id = ? AND version = ?`,
		string(to), now.UnixMilli(), kioskID, id, expectedVersion)
	if err != nil {
		return false, fault.Transient("set locker status", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
