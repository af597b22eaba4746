// SPDX-License-Identifier: MIT

package locker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiosknet/lockerd/internal/eventlog"
	"github.com/kiosknet/lockerd/internal/fault"
	xlog "github.com/kiosknet/lockerd/internal/log"
	"github.com/kiosknet/lockerd/internal/metrics"
	"github.com/kiosknet/lockerd/internal/notify"
)

// Config holds the state machine timings.
type Config struct {
	ReserveTTL      time.Duration // Reserved → Free timeout
	CleanupInterval time.Duration // reservation sweep cadence
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		ReserveTTL:      90 * time.Second,
		CleanupInterval: 30 * time.Second,
	}
}

// EventSink receives one event per successful transition. *eventlog.Log
// satisfies it.
type EventSink interface {
	Append(ctx context.Context, ev eventlog.Event) error
}

// Notifier receives one state delta per successful transition.
type Notifier interface {
	Broadcast(u notify.Update)
}

// Machine drives all locker state transitions.
//
// A conditional update affecting zero rows is a conflict, reported to the
// caller as (false, nil) and never retried internally. I/O errors bubble up
// unchanged.
type Machine struct {
	store    *Store
	events   EventSink
	notifier Notifier
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// Option customizes a Machine.
type Option func(*Machine)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine wires the state machine to its collaborators.
func NewMachine(store *Store, events EventSink, notifier Notifier, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		events:   events,
		notifier: notifier,
		cfg:      cfg,
		logger:   xlog.WithComponent("locker"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying row store for read-only collaborators.
func (m *Machine) Store() *Store { return m.store }

// Assign transitions Free → Reserved for the given owner. Returns false on
// conflict: locker not free, owner already holding a locker in this kiosk,
// or a concurrent mutation winning the version race. VIP lockers reject
// assignment regardless of status.
func (m *Machine) Assign(ctx context.Context, kioskID string, id int, ownerType OwnerType, ownerKey string) (bool, error) {
	if !ownerType.Valid() {
		return false, fault.Validationf("owner_type", "unknown value %q", ownerType)
	}
	if ownerKey == "" {
		return false, fault.Validationf("owner_key", "required")
	}

	l, err := m.store.Get(ctx, kioskID, id)
	if err != nil {
		return false, err
	}
	if l.IsVIP {
		return false, fault.Validationf("locker", "locker %d is VIP-managed", id)
	}
	if l.Status != StatusFree {
		return false, nil
	}

	// The pre-scan gives a precise rejection reason; the conditional update
	// below re-checks ownership atomically, so a stale scan cannot hand the
	// same card two lockers.
	held, err := m.store.FindByOwner(ctx, kioskID, ownerType, ownerKey)
	if err != nil {
		return false, err
	}
	if len(held) > 0 {
		m.logger.Debug().
			Str("event", "locker.assign_rejected").
			Str("kiosk_id", kioskID).
			Int("locker_id", id).
			Int("held_locker_id", held[0].ID).
			Msg("owner already holds a locker in this kiosk")
		return false, nil
	}

	now := m.now()
	ok, err := m.store.reserve(ctx, kioskID, id, l.Version, ownerType, ownerKey, now)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.LockerConflictsTotal.Inc()
		return false, nil
	}

	m.afterTransition(ctx, transition{
		locker:    l,
		newStatus: StatusReserved,
		trigger:   "assign",
		ownerType: ownerType,
		ownerKey:  ownerKey,
		event: eventlog.Event{
			KioskID:  kioskID,
			LockerID: id,
			Payload: eventlog.AssignDetails{
				Type:   assignEventType(ownerType),
				Method: "self_service",
			},
		},
	}, now)
	return true, nil
}

// Confirm transitions Reserved → Owned for the same owner.
func (m *Machine) Confirm(ctx context.Context, kioskID string, id int, ownerKey string) (bool, error) {
	l, err := m.store.Get(ctx, kioskID, id)
	if err != nil {
		return false, err
	}
	if l.Status != StatusReserved || l.OwnerKey != ownerKey {
		return false, nil
	}

	now := m.now()
	ok, err := m.store.confirm(ctx, kioskID, id, l.Version, l.OwnerType, ownerKey, now)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.LockerConflictsTotal.Inc()
		return false, nil
	}

	m.afterTransition(ctx, transition{
		locker:    l,
		newStatus: StatusOwned,
		trigger:   "confirm",
		ownerType: l.OwnerType,
		ownerKey:  ownerKey,
		event: eventlog.Event{
			KioskID:  kioskID,
			LockerID: id,
			Payload: eventlog.AssignDetails{
				Type:   confirmEventType(l.OwnerType),
				Method: "self_service",
			},
		},
	}, now)
	return true, nil
}

// Release returns a Reserved or Owned locker to Free. Releasing a Free
// locker is a no-op reported as success. Callers pass either the owner key
// or a staff identity; a mismatched key without staff override is a conflict.
func (m *Machine) Release(ctx context.Context, kioskID string, id int, ownerKey, staffUser string) (bool, error) {
	l, err := m.store.Get(ctx, kioskID, id)
	if err != nil {
		return false, err
	}
	if l.Status == StatusFree {
		return true, nil
	}
	if l.Status != StatusReserved && l.Status != StatusOwned {
		return false, nil
	}
	if staffUser == "" && l.OwnerKey != ownerKey {
		return false, nil
	}

	method := eventlog.ReleaseMethodUser
	if staffUser != "" {
		method = eventlog.ReleaseMethodStaff
	}
	return m.release(ctx, l, method, staffUser)
}

func (m *Machine) release(ctx context.Context, l *Locker, method, staffUser string) (bool, error) {
	now := m.now()
	ok, err := m.store.releaseToFree(ctx, l.KioskID, l.ID, l.Version, now)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.LockerConflictsTotal.Inc()
		return false, nil
	}

	ev := eventlog.Event{
		KioskID:   l.KioskID,
		LockerID:  l.ID,
		StaffUser: staffUser,
		Payload: eventlog.ReleaseDetails{
			Type:          releaseEventType(l.OwnerType),
			ReleaseMethod: method,
		},
	}
	// The release event still names who held the locker.
	if l.OwnerType == OwnerRFID {
		ev.RFIDCard = l.OwnerKey
	} else if l.OwnerType == OwnerQRDevice {
		ev.DeviceID = l.OwnerKey
	}

	m.afterTransition(ctx, transition{
		locker:    l,
		newStatus: StatusFree,
		trigger:   releaseTrigger(method),
		event:     ev,
	}, now)
	return true, nil
}

// Block transitions any non-blocked locker to Blocked. Staff identity is
// mandatory.
func (m *Machine) Block(ctx context.Context, kioskID string, id int, staffUser, reason string) (bool, error) {
	if staffUser == "" {
		return false, fault.Validationf("staff_user", "required")
	}
	l, err := m.store.Get(ctx, kioskID, id)
	if err != nil {
		return false, err
	}
	if l.Status == StatusBlocked {
		return true, nil
	}

	now := m.now()
	ok, err := m.store.setStatus(ctx, kioskID, id, l.Version, StatusBlocked, now)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.LockerConflictsTotal.Inc()
		return false, nil
	}

	m.afterTransition(ctx, transition{
		locker:    l,
		newStatus: StatusBlocked,
		trigger:   "block",
		ownerType: l.OwnerType,
		ownerKey:  l.OwnerKey,
		event: eventlog.Event{
			KioskID:   kioskID,
			LockerID:  id,
			StaffUser: staffUser,
			Payload:   eventlog.StaffActionDetails{Type: eventlog.TypeStaffBlock, Reason: reason},
		},
	}, now)
	return true, nil
}

// Unblock transitions Blocked → Free, clearing any stale owner fields.
func (m *Machine) Unblock(ctx context.Context, kioskID string, id int, staffUser, reason string) (bool, error) {
	return m.staffClear(ctx, kioskID, id, staffUser, reason, StatusBlocked, "unblock", eventlog.TypeStaffUnblock)
}

// Resolve transitions Error → Free after staff inspection.
func (m *Machine) Resolve(ctx context.Context, kioskID string, id int, staffUser, reason string) (bool, error) {
	return m.staffClear(ctx, kioskID, id, staffUser, reason, StatusError, "resolve", eventlog.TypeStaffResolve)
}

func (m *Machine) staffClear(ctx context.Context, kioskID string, id int, staffUser, reason string, from Status, trigger string, eventType eventlog.Type) (bool, error) {
	if staffUser == "" {
		return false, fault.Validationf("staff_user", "required")
	}
	l, err := m.store.Get(ctx, kioskID, id)
	if err != nil {
		return false, err
	}
	if l.Status != from {
		return false, nil
	}

	now := m.now()
	ok, err := m.store.releaseToFree(ctx, kioskID, id, l.Version, now)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.LockerConflictsTotal.Inc()
		return false, nil
	}

	m.afterTransition(ctx, transition{
		locker:    l,
		newStatus: StatusFree,
		trigger:   trigger,
		event: eventlog.Event{
			KioskID:   kioskID,
			LockerID:  id,
			StaffUser: staffUser,
			Payload:   eventlog.StaffActionDetails{Type: eventType, Reason: reason},
		},
	}, now)
	return true, nil
}

// MarkHardwareFault transitions any locker to Error when the hardware layer
// reports a fault.
func (m *Machine) MarkHardwareFault(ctx context.Context, kioskID string, id int, code, message string) (bool, error) {
	l, err := m.store.Get(ctx, kioskID, id)
	if err != nil {
		return false, err
	}
	if l.Status == StatusError {
		return true, nil
	}

	now := m.now()
	ok, err := m.store.setStatus(ctx, kioskID, id, l.Version, StatusError, now)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.LockerConflictsTotal.Inc()
		return false, nil
	}

	m.afterTransition(ctx, transition{
		locker:    l,
		newStatus: StatusError,
		trigger:   "hardware_fault",
		ownerType: l.OwnerType,
		ownerKey:  l.OwnerKey,
		event: eventlog.Event{
			KioskID:  kioskID,
			LockerID: id,
			Payload:  eventlog.HardwareFaultDetails{Code: code, Message: message},
		},
	}, now)
	return true, nil
}

// ForceTransition moves a locker to an arbitrary status, bypassing normal
// preconditions. The mutation still rides on the version check and emits a
// dedicated forced-transition event.
func (m *Machine) ForceTransition(ctx context.Context, kioskID string, id int, to Status, staffUser, reason string) (bool, error) {
	if staffUser == "" {
		return false, fault.Validationf("staff_user", "required")
	}
	if !to.Valid() {
		return false, fault.Validationf("status", "unknown value %q", to)
	}

	l, err := m.store.Get(ctx, kioskID, id)
	if err != nil {
		return false, err
	}

	now := m.now()
	var ok bool
	if to == StatusFree {
		ok, err = m.store.releaseToFree(ctx, kioskID, id, l.Version, now)
	} else {
		ok, err = m.store.setStatus(ctx, kioskID, id, l.Version, to, now)
	}
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.LockerConflictsTotal.Inc()
		return false, nil
	}

	m.afterTransition(ctx, transition{
		locker:    l,
		newStatus: to,
		trigger:   "force",
		event: eventlog.Event{
			KioskID:   kioskID,
			LockerID:  id,
			StaffUser: staffUser,
			Payload: eventlog.ForceTransitionDetails{
				FromStatus: string(l.Status),
				ToStatus:   string(to),
				Reason:     reason,
				Forced:     true,
			},
		},
	}, now)
	return true, nil
}

// ReleaseExpired sweeps reservations older than the TTL back to Free,
// emitting one timeout release per affected row. A failing row never stops
// the sweep.
func (m *Machine) ReleaseExpired(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.ReserveTTL)
	expired, err := m.store.FindExpiredReservations(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	released := 0
	for i := range expired {
		l := expired[i]
		ok, err := m.release(ctx, &l, eventlog.ReleaseMethodTimeout, "")
		if err != nil {
			m.logger.Error().Err(err).
				Str("event", "locker.timeout_release_failed").
				Str("kiosk_id", l.KioskID).
				Int("locker_id", l.ID).
				Msg("failed to release expired reservation")
			continue
		}
		if ok {
			released++
		}
	}
	return released, nil
}

// Reconcile restores the one-card-one-locker invariant: when an owner holds
// several lockers, the oldest holding (owned preferred over reserved) is
// kept and the rest are released.
func (m *Machine) Reconcile(ctx context.Context) (int, error) {
	dups, err := m.store.FindDuplicateOwners(ctx)
	if err != nil {
		return 0, err
	}

	type groupKey struct {
		kiosk     string
		ownerType OwnerType
		ownerKey  string
	}
	groups := make(map[groupKey][]Locker)
	for _, l := range dups {
		k := groupKey{l.KioskID, l.OwnerType, l.OwnerKey}
		groups[k] = append(groups[k], l)
	}

	released := 0
	for _, members := range groups {
		keep := pickKeeper(members)
		for i := range members {
			l := members[i]
			if l.ID == keep.ID {
				continue
			}
			ok, err := m.release(ctx, &l, eventlog.ReleaseMethodReconciled, "")
			if err != nil {
				m.logger.Error().Err(err).
					Str("event", "locker.reconcile_release_failed").
					Str("kiosk_id", l.KioskID).
					Int("locker_id", l.ID).
					Msg("failed to release duplicate holding")
				continue
			}
			if ok {
				released++
			}
		}
	}
	return released, nil
}

func pickKeeper(members []Locker) Locker {
	keep := members[0]
	for _, l := range members[1:] {
		if l.Status == StatusOwned && keep.Status != StatusOwned {
			keep = l
			continue
		}
		if l.Status == keep.Status && holdingStart(l).Before(holdingStart(keep)) {
			keep = l
		}
	}
	return keep
}

func holdingStart(l Locker) time.Time {
	if l.Status == StatusOwned && !l.OwnedAt.IsZero() {
		return l.OwnedAt
	}
	return l.ReservedAt
}

type transition struct {
	locker    *Locker
	newStatus Status
	trigger   string
	ownerType OwnerType
	ownerKey  string
	event     eventlog.Event
}

// afterTransition emits the event and the notification for a transition that
// already committed. An event write failure is logged but does not undo the
// mutation.
func (m *Machine) afterTransition(ctx context.Context, t transition, now time.Time) {
	metrics.LockerTransitionsTotal.WithLabelValues(t.trigger).Inc()

	ev := t.event
	ev.Timestamp = now
	if t.ownerType == OwnerRFID {
		ev.RFIDCard = t.ownerKey
	} else if t.ownerType == OwnerQRDevice {
		ev.DeviceID = t.ownerKey
	}
	if err := m.events.Append(ctx, ev); err != nil {
		m.logger.Error().Err(err).
			Str("event", "locker.event_append_failed").
			Str("kiosk_id", t.locker.KioskID).
			Int("locker_id", t.locker.ID).
			Msg("transition committed but event write failed")
	}

	m.notifier.Broadcast(notify.Update{
		KioskID:   t.locker.KioskID,
		LockerID:  t.locker.ID,
		Status:    string(t.newStatus),
		OwnerType: string(t.ownerType),
		Trigger:   t.trigger,
		Version:   t.locker.Version + 1,
		Timestamp: now,
	})
}

func assignEventType(t OwnerType) eventlog.Type {
	if t == OwnerQRDevice {
		return eventlog.TypeQRAssign
	}
	return eventlog.TypeRFIDAssign
}

func confirmEventType(t OwnerType) eventlog.Type {
	if t == OwnerQRDevice {
		return eventlog.TypeQRConfirm
	}
	return eventlog.TypeRFIDConfirm
}

func releaseEventType(t OwnerType) eventlog.Type {
	if t == OwnerQRDevice {
		return eventlog.TypeQRRelease
	}
	return eventlog.TypeRFIDRelease
}

func releaseTrigger(method string) string {
	if method == eventlog.ReleaseMethodTimeout {
		return "timeout"
	}
	return "release"
}
