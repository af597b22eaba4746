package locker

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiosknet/lockerd/internal/eventlog"
	"github.com/kiosknet/lockerd/internal/fault"
	"github.com/kiosknet/lockerd/internal/notify"
	"github.com/kiosknet/lockerd/internal/persistence/sqlite"
)

type captureSink struct {
	events []eventlog.Event
}

func (c *captureSink) Append(_ context.Context, ev eventlog.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) types() []eventlog.Type {
	var out []eventlog.Type
	for _, ev := range c.events {
		out = append(out, ev.Payload.EventType())
	}
	return out
}

type captureNotifier struct {
	updates []notify.Update
}

func (c *captureNotifier) Broadcast(u notify.Update) {
	c.updates = append(c.updates, u)
}

type fixture struct {
	db       *sql.DB
	machine  *Machine
	store    *Store
	sink     *captureSink
	notifier *captureNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "lockers.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:       db,
		store:    NewStore(db),
		sink:     &captureSink{},
		notifier: &captureNotifier{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.machine = NewMachine(f.store, f.sink, f.notifier, DefaultConfig(),
		WithClock(func() time.Time { return f.now }))

	_, err = f.store.SyncInventory(context.Background(), "K1", 10, f.now)
	require.NoError(t, err)
	return f
}

func TestAssignReleaseHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.machine.Assign(ctx, "K1", 5, OwnerRFID, "AABB1122")
	require.NoError(t, err)
	require.True(t, ok)

	l, err := f.store.Get(ctx, "K1", 5)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, l.Status)
	assert.Equal(t, "AABB1122", l.OwnerKey)
	assert.Equal(t, OwnerRFID, l.OwnerType)
	assert.Equal(t, int64(2), l.Version)
	assert.Equal(t, f.now, l.ReservedAt)

	// 91 seconds later the cleanup sweep reclaims the reservation.
	f.now = f.now.Add(91 * time.Second)
	released, err := f.machine.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	l, err = f.store.Get(ctx, "K1", 5)
	require.NoError(t, err)
	assert.Equal(t, StatusFree, l.Status)
	assert.Empty(t, l.OwnerKey)
	assert.Empty(t, string(l.OwnerType))
	assert.True(t, l.ReservedAt.IsZero())
	assert.Equal(t, int64(3), l.Version)

	require.Equal(t, []eventlog.Type{eventlog.TypeRFIDAssign, eventlog.TypeRFIDRelease}, f.sink.types())
	release := f.sink.events[1]
	details, ok2 := release.Payload.(eventlog.ReleaseDetails)
	require.True(t, ok2)
	assert.Equal(t, eventlog.ReleaseMethodTimeout, details.ReleaseMethod)
	assert.Equal(t, "AABB1122", release.RFIDCard)

	require.Len(t, f.notifier.updates, 2)
	assert.Equal(t, "assign", f.notifier.updates[0].Trigger)
	assert.Equal(t, "timeout", f.notifier.updates[1].Trigger)
}

func TestConcurrentAssignCollision(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.store.Get(ctx, "K1", 5)
	require.NoError(t, err)

	// Both writers read version 1; only one conditional update can win.
	ok, err := f.store.reserve(ctx, "K1", 5, l.Version, OwnerRFID, "CARD-A", f.now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.store.reserve(ctx, "K1", 5, l.Version, OwnerRFID, "CARD-B", f.now)
	require.NoError(t, err)
	assert.False(t, ok, "the loser's conditional update must affect zero rows")

	got, err := f.store.Get(ctx, "K1", 5)
	require.NoError(t, err)
	assert.Equal(t, "CARD-A", got.OwnerKey)
	assert.Equal(t, int64(2), got.Version)
}

func TestOneCardOneLocker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.machine.Assign(ctx, "K1", 1, OwnerRFID, "AABB1122")
	require.NoError(t, err)
	require.True(t, ok)

	// Same card cannot take a second locker in this kiosk.
	ok, err = f.machine.Assign(ctx, "K1", 2, OwnerRFID, "AABB1122")
	require.NoError(t, err)
	assert.False(t, ok)

	// The conditional update itself enforces the rule even when the
	// pre-scan is bypassed.
	l2, err := f.store.Get(ctx, "K1", 2)
	require.NoError(t, err)
	ok, err = f.store.reserve(ctx, "K1", 2, l2.Version, OwnerRFID, "AABB1122", f.now)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different card is fine.
	ok, err = f.machine.Assign(ctx, "K1", 2, OwnerRFID, "CCDD3344")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVIPAssignAlwaysFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SetVIP(ctx, "K1", 7, true, f.now))

	ok, err := f.machine.Assign(ctx, "K1", 7, OwnerRFID, "AABB1122")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, "validation", fault.Category(err))
}

func TestConfirmAndReleaseIdempotence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.machine.Assign(ctx, "K1", 3, OwnerQRDevice, "devhash9")
	require.NoError(t, err)
	require.True(t, ok)

	// Wrong key cannot confirm.
	ok, err = f.machine.Confirm(ctx, "K1", 3, "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.machine.Confirm(ctx, "K1", 3, "devhash9")
	require.NoError(t, err)
	require.True(t, ok)

	l, err := f.store.Get(ctx, "K1", 3)
	require.NoError(t, err)
	assert.Equal(t, StatusOwned, l.Status)
	assert.Equal(t, int64(3), l.Version)

	ok, err = f.machine.Release(ctx, "K1", 3, "devhash9", "")
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing a Free locker is a no-op reported as success, with no
	// further event or version bump.
	eventsBefore := len(f.sink.events)
	ok, err = f.machine.Release(ctx, "K1", 3, "devhash9", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, f.sink.events, eventsBefore)

	l, err = f.store.Get(ctx, "K1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), l.Version)
}

func TestReleaseOwnershipChecks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.machine.Assign(ctx, "K1", 4, OwnerRFID, "AABB1122")
	require.NoError(t, err)
	require.True(t, ok)

	// A stranger's key is a conflict.
	ok, err = f.machine.Release(ctx, "K1", 4, "FFFF0000", "")
	require.NoError(t, err)
	assert.False(t, ok)

	// Staff override releases regardless of key.
	ok, err = f.machine.Release(ctx, "K1", 4, "", "operator1")
	require.NoError(t, err)
	assert.True(t, ok)

	release := f.sink.events[len(f.sink.events)-1]
	details := release.Payload.(eventlog.ReleaseDetails)
	assert.Equal(t, eventlog.ReleaseMethodStaff, details.ReleaseMethod)
	assert.Equal(t, "operator1", release.StaffUser)
}

func TestBlockUnblockFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Block(ctx, "K1", 6, "", "no staff")
	require.Error(t, err)
	assert.Equal(t, "validation", fault.Category(err))

	ok, err := f.machine.Block(ctx, "K1", 6, "operator1", "jammed door")
	require.NoError(t, err)
	require.True(t, ok)

	// Blocked lockers reject assignment via the status precondition.
	ok, err = f.machine.Assign(ctx, "K1", 6, OwnerRFID, "AABB1122")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.machine.Unblock(ctx, "K1", 6, "operator1", "repaired")
	require.NoError(t, err)
	require.True(t, ok)

	l, err := f.store.Get(ctx, "K1", 6)
	require.NoError(t, err)
	assert.Equal(t, StatusFree, l.Status)
	assert.Equal(t, int64(3), l.Version)
}

func TestHardwareFaultAndResolve(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.machine.MarkHardwareFault(ctx, "K1", 8, "coil_timeout", "no response from relay")
	require.NoError(t, err)
	require.True(t, ok)

	l, err := f.store.Get(ctx, "K1", 8)
	require.NoError(t, err)
	assert.Equal(t, StatusError, l.Status)

	// Only staff can bring it back.
	ok, err = f.machine.Resolve(ctx, "K1", 8, "operator1", "relay replaced")
	require.NoError(t, err)
	require.True(t, ok)

	l, err = f.store.Get(ctx, "K1", 8)
	require.NoError(t, err)
	assert.Equal(t, StatusFree, l.Status)
}

func TestForceTransitionEmitsDedicatedEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.machine.Assign(ctx, "K1", 9, OwnerRFID, "AABB1122")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.machine.ForceTransition(ctx, "K1", 9, StatusFree, "operator1", "customer lost card")
	require.NoError(t, err)
	require.True(t, ok)

	l, err := f.store.Get(ctx, "K1", 9)
	require.NoError(t, err)
	assert.Equal(t, StatusFree, l.Status)
	assert.Equal(t, int64(3), l.Version, "forced transitions still increment the version")

	ev := f.sink.events[len(f.sink.events)-1]
	require.Equal(t, eventlog.TypeStaffForceTransition, ev.Payload.EventType())
	details := ev.Payload.(eventlog.ForceTransitionDetails)
	assert.Equal(t, "reserved", details.FromStatus)
	assert.Equal(t, "free", details.ToStatus)
	assert.True(t, details.Forced)
}

func TestReconcileRestoresInvariant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.machine.Assign(ctx, "K1", 1, OwnerRFID, "AABB1122")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate the tolerated race: force a second holding for the same card
	// behind the machine's back.
	_, err = f.db.ExecContext(ctx, `
		UPDATE lockers SET status = 'reserved', owner_type = 'rfid', owner_key = 'AABB1122',
			reserved_at_ms = ?, version = version + 1, updated_at_ms = ?
		WHERE kiosk_id = 'K1' AND id = 2`,
		f.now.Add(time.Second).UnixMilli(), f.now.UnixMilli())
	require.NoError(t, err)

	released, err := f.machine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// The earlier reservation survives.
	l1, err := f.store.Get(ctx, "K1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, l1.Status)

	l2, err := f.store.Get(ctx, "K1", 2)
	require.NoError(t, err)
	assert.Equal(t, StatusFree, l2.Status)

	release := f.sink.events[len(f.sink.events)-1]
	details := release.Payload.(eventlog.ReleaseDetails)
	assert.Equal(t, eventlog.ReleaseMethodReconciled, details.ReleaseMethod)
}

func TestSyncInventoryIsIncremental(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.store.SyncInventory(ctx, "K1", 12, f.now)
	require.NoError(t, err)
	assert.Equal(t, 2, created, "only lockers 11 and 12 are new")

	created, err = f.store.SyncInventory(ctx, "K1", 12, f.now)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestDisplayNameValidation(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateDisplayName(""))
	assert.NoError(t, ValidateDisplayName("Pool Locker 1"))
	assert.Error(t, ValidateDisplayName("bad\nname"))
	assert.Error(t, ValidateDisplayName("ümlaut"))
}
