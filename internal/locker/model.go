// SPDX-License-Identifier: MIT

// Package locker holds the authoritative ownership model for physical
// lockers. All state transitions flow through the Machine; concurrent
// writers are serialized by optimistic version checks, never by locks held
// across persistence calls.
package locker

import (
	"regexp"
	"time"

	"github.com/kiosknet/lockerd/internal/fault"
)

// Status is a locker's lifecycle state.
type Status string

const (
	StatusFree     Status = "free"
	StatusReserved Status = "reserved"
	StatusOwned    Status = "owned"
	StatusBlocked  Status = "blocked"
	StatusError    Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusReserved, StatusOwned, StatusBlocked, StatusError:
		return true
	}
	return false
}

// OwnerType identifies how a user authenticated.
type OwnerType string

const (
	OwnerRFID     OwnerType = "rfid"
	OwnerQRDevice OwnerType = "qr_device"
)

// Valid reports whether t is a known owner type.
func (t OwnerType) Valid() bool {
	return t == OwnerRFID || t == OwnerQRDevice
}

// Locker is one physical compartment addressed by (kiosk_id, id).
type Locker struct {
	KioskID     string    `json:"kiosk_id"`
	ID          int       `json:"id"`
	Status      Status    `json:"status"`
	OwnerType   OwnerType `json:"owner_type,omitempty"`
	OwnerKey    string    `json:"owner_key,omitempty"`
	ReservedAt  time.Time `json:"reserved_at,omitempty"`
	OwnedAt     time.Time `json:"owned_at,omitempty"`
	IsVIP       bool      `json:"is_vip"`
	DisplayName string    `json:"display_name,omitempty"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var displayNameRe = regexp.MustCompile(`^[A-Za-z0-9 _.\-]{1,32}$`)

// ValidateDisplayName enforces the bounded length and restricted character
// set for operator-facing locker labels.
func ValidateDisplayName(name string) error {
	if name == "" {
		return nil
	}
	if !displayNameRe.MatchString(name) {
		return fault.Validationf("display_name", "must match %s", displayNameRe.String())
	}
	return nil
}
