// SPDX-License-Identifier: MIT

// Package eventlog is the append-only structured audit trail for locker and
// kiosk activity. Every write is validated against the payload variant for
// its event type and redacted before it reaches storage.
package eventlog

import (
	"time"

	"github.com/kiosknet/lockerd/internal/fault"
)

// Type identifies an event variant.
type Type string

const (
	TypeRFIDAssign  Type = "rfid_assign"
	TypeRFIDConfirm Type = "rfid_confirm"
	TypeRFIDRelease Type = "rfid_release"
	TypeQRAssign    Type = "qr_assign"
	TypeQRConfirm   Type = "qr_confirm"
	TypeQRRelease   Type = "qr_release"

	TypeStaffBlock           Type = "staff_block"
	TypeStaffUnblock         Type = "staff_unblock"
	TypeStaffResolve         Type = "staff_resolve"
	TypeStaffForceTransition Type = "staff_force_transition"

	TypeHardwareFault   Type = "hardware_fault"
	TypeKioskOnline     Type = "kiosk_online"
	TypeKioskOffline    Type = "kiosk_offline"
	TypeSystemRestarted Type = "system_restarted"

	TypeRateLimitBlocked Type = "ratelimit_blocked"
	TypeRateLimitReset   Type = "ratelimit_reset"

	TypeZoneExtended Type = "zone_extended"
	TypeConfigReload Type = "config_reload"
)

// auditTypes are retained on the longer audit window and always carry a
// staff or admin identity.
var auditTypes = map[Type]bool{
	TypeStaffBlock:           true,
	TypeStaffUnblock:         true,
	TypeStaffResolve:         true,
	TypeStaffForceTransition: true,
	TypeRateLimitReset:       true,
}

// staffTypes reject writes without a non-empty staff_user.
var staffTypes = auditTypes

// IsAudit reports whether t falls under the audit retention window.
func IsAudit(t Type) bool { return auditTypes[t] }

// Payload is the typed detail variant attached to an event. Validation is
// exhaustive per variant; unknown types never reach storage.
type Payload interface {
	EventType() Type
	Validate() error
}

// Event is one append-only record. LockerID zero means "no locker".
type Event struct {
	Timestamp time.Time
	KioskID   string
	LockerID  int
	RFIDCard  string
	DeviceID  string
	StaffUser string
	Payload   Payload
}

// ReleaseMethod enumerates how a locker ownership ended.
const (
	ReleaseMethodUser       = "user"
	ReleaseMethodStaff      = "staff"
	ReleaseMethodTimeout    = "timeout"
	ReleaseMethodReconciled = "reconciled"
)

var releaseMethods = map[string]bool{
	ReleaseMethodUser:       true,
	ReleaseMethodStaff:      true,
	ReleaseMethodTimeout:    true,
	ReleaseMethodReconciled: true,
}

// AssignDetails accompanies rfid_assign and qr_assign.
type AssignDetails struct {
	Type      Type   `json:"-"`
	Method    string `json:"method"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

func (d AssignDetails) EventType() Type { return d.Type }

func (d AssignDetails) Validate() error {
	switch d.Type {
	case TypeRFIDAssign, TypeQRAssign, TypeRFIDConfirm, TypeQRConfirm:
	default:
		return fault.Validationf("event_type", "assign details on %q", d.Type)
	}
	if d.Method == "" {
		return fault.Validationf("method", "required")
	}
	return nil
}

// ReleaseDetails accompanies rfid_release and qr_release.
type ReleaseDetails struct {
	Type          Type   `json:"-"`
	ReleaseMethod string `json:"release_method"`
	Forced        bool   `json:"forced,omitempty"`
}

func (d ReleaseDetails) EventType() Type { return d.Type }

func (d ReleaseDetails) Validate() error {
	if d.Type != TypeRFIDRelease && d.Type != TypeQRRelease {
		return fault.Validationf("event_type", "release details on %q", d.Type)
	}
	if !releaseMethods[d.ReleaseMethod] {
		return fault.Validationf("release_method", "unknown value %q", d.ReleaseMethod)
	}
	return nil
}

// StaffActionDetails accompanies staff_block, staff_unblock and staff_resolve.
type StaffActionDetails struct {
	Type   Type   `json:"-"`
	Reason string `json:"reason"`
}

func (d StaffActionDetails) EventType() Type { return d.Type }

func (d StaffActionDetails) Validate() error {
	switch d.Type {
	case TypeStaffBlock, TypeStaffUnblock, TypeStaffResolve:
	default:
		return fault.Validationf("event_type", "staff action details on %q", d.Type)
	}
	if d.Reason == "" {
		return fault.Validationf("reason", "required")
	}
	return nil
}

// ForceTransitionDetails accompanies staff_force_transition. Forced is always
// true; it is kept explicit so downstream reporting never has to infer it.
type ForceTransitionDetails struct {
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Reason     string `json:"reason"`
	Forced     bool   `json:"forced"`
}

func (d ForceTransitionDetails) EventType() Type { return TypeStaffForceTransition }

func (d ForceTransitionDetails) Validate() error {
	if d.FromStatus == "" || d.ToStatus == "" {
		return fault.Validationf("status", "from_status and to_status required")
	}
	if !d.Forced {
		return fault.Validationf("forced", "must be true")
	}
	return nil
}

// HardwareFaultDetails accompanies hardware_fault.
type HardwareFaultDetails struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (d HardwareFaultDetails) EventType() Type { return TypeHardwareFault }

func (d HardwareFaultDetails) Validate() error {
	if d.Code == "" {
		return fault.Validationf("code", "required")
	}
	return nil
}

// KioskOnlineDetails accompanies kiosk_online.
type KioskOnlineDetails struct {
	PreviousStatus string `json:"previous_status"`
}

func (d KioskOnlineDetails) EventType() Type { return TypeKioskOnline }

func (d KioskOnlineDetails) Validate() error {
	if d.PreviousStatus == "" {
		return fault.Validationf("previous_status", "required")
	}
	return nil
}

// KioskOfflineDetails accompanies kiosk_offline.
type KioskOfflineDetails struct {
	OfflineDurationMS int64 `json:"offline_duration_ms"`
}

func (d KioskOfflineDetails) EventType() Type { return TypeKioskOffline }

func (d KioskOfflineDetails) Validate() error {
	if d.OfflineDurationMS < 0 {
		return fault.Validationf("offline_duration_ms", "must be non-negative")
	}
	return nil
}

// SystemRestartedDetails accompanies system_restarted.
type SystemRestartedDetails struct {
	ClearedCommands int    `json:"cleared_commands"`
	PreviousVersion string `json:"previous_version,omitempty"`
	NewVersion      string `json:"new_version,omitempty"`
}

func (d SystemRestartedDetails) EventType() Type { return TypeSystemRestarted }

func (d SystemRestartedDetails) Validate() error {
	if d.ClearedCommands < 0 {
		return fault.Validationf("cleared_commands", "must be non-negative")
	}
	return nil
}

// RateLimitBlockedDetails accompanies ratelimit_blocked.
type RateLimitBlockedDetails struct {
	Dimension    string `json:"dimension"`
	Subject      string `json:"subject"`
	BlockSeconds int    `json:"block_seconds"`
	IPAddress    string `json:"ip_address,omitempty"`
}

func (d RateLimitBlockedDetails) EventType() Type { return TypeRateLimitBlocked }

func (d RateLimitBlockedDetails) Validate() error {
	if d.Dimension == "" || d.Subject == "" {
		return fault.Validationf("dimension", "dimension and subject required")
	}
	if d.BlockSeconds <= 0 {
		return fault.Validationf("block_seconds", "must be positive")
	}
	return nil
}

// RateLimitResetDetails accompanies ratelimit_reset.
type RateLimitResetDetails struct {
	Dimension string `json:"dimension"`
	Subject   string `json:"subject"`
}

func (d RateLimitResetDetails) EventType() Type { return TypeRateLimitReset }

func (d RateLimitResetDetails) Validate() error {
	if d.Dimension == "" || d.Subject == "" {
		return fault.Validationf("dimension", "dimension and subject required")
	}
	return nil
}

// ZoneExtendedDetails accompanies zone_extended.
type ZoneExtendedDetails struct {
	Zone         string `json:"zone"`
	NewRanges    string `json:"new_ranges"`
	AddedCards   []int  `json:"added_cards,omitempty"`
	TotalLockers int    `json:"total_lockers"`
}

func (d ZoneExtendedDetails) EventType() Type { return TypeZoneExtended }

func (d ZoneExtendedDetails) Validate() error {
	if d.Zone == "" {
		return fault.Validationf("zone", "required")
	}
	if d.TotalLockers < 0 {
		return fault.Validationf("total_lockers", "must be non-negative")
	}
	return nil
}

// ConfigReloadDetails accompanies config_reload.
type ConfigReloadDetails struct {
	Result  string   `json:"result"`
	Changed []string `json:"changed,omitempty"`
}

func (d ConfigReloadDetails) EventType() Type { return TypeConfigReload }

func (d ConfigReloadDetails) Validate() error {
	if d.Result != "success" && d.Result != "failure" {
		return fault.Validationf("result", "must be success or failure")
	}
	return nil
}
