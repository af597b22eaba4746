package heartbeat

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiosknet/lockerd/internal/commands"
	"github.com/kiosknet/lockerd/internal/eventlog"
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

type hbFixture struct {
	db      *sql.DB
	queue   *commands.Queue
	manager *Manager
	sink    *captureSink
	now     time.Time
}

func newHBFixture(t *testing.T) *hbFixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "heartbeat.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })

	f := &hbFixture{
		db:   db,
		sink: &captureSink{},
		now:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.queue = commands.NewQueue(db, commands.WithClock(clock))
	f.manager = NewManager(db, f.queue, f.sink, DefaultConfig(), WithClock(clock))
	return f
}

func TestFirstBeatBringsKioskOnline(t *testing.T) {
	t.Parallel()
	f := newHBFixture(t)
	ctx := context.Background()

	resp, err := f.manager.Beat(ctx, BeatRequest{
		KioskID: "K1", Zone: "A", Version: "2.4.0", HardwareID: "hw-01",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), resp.PollIntervalMS)
	assert.Equal(t, int64(10000), resp.HeartbeatIntervalMS)

	k, err := f.manager.Get(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, k.Status)
	assert.Equal(t, f.now, k.LastSeen)

	require.Equal(t, []eventlog.Type{eventlog.TypeKioskOnline}, f.sink.types())
	details := f.sink.events[0].Payload.(eventlog.KioskOnlineDetails)
	assert.Equal(t, "unknown", details.PreviousStatus)
}

func TestSteadyBeatsEmitNoEvents(t *testing.T) {
	t.Parallel()
	f := newHBFixture(t)
	ctx := context.Background()

	req := BeatRequest{KioskID: "K1", Version: "2.4.0", HardwareID: "hw-01"}
	_, err := f.manager.Beat(ctx, req)
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Second)
	_, err = f.manager.Beat(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, []eventlog.Type{eventlog.TypeKioskOnline}, f.sink.types())
	k, err := f.manager.Get(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, f.now, k.LastSeen)
}

func TestRestartDetectionClearsQueue(t *testing.T) {
	t.Parallel()
	f := newHBFixture(t)
	ctx := context.Background()

	_, err := f.manager.Beat(ctx, BeatRequest{KioskID: "K1", Version: "2.4.0", HardwareID: "hw-01"})
	require.NoError(t, err)

	c1, err := f.queue.Enqueue(ctx, "K1", commands.TypeOpenLocker, nil, 3)
	require.NoError(t, err)
	c2, err := f.queue.Enqueue(ctx, "K1", commands.TypeBlinkLED, nil, 3)
	require.NoError(t, err)
	_, err = f.queue.MarkExecuting(ctx, c2.CommandID)
	require.NoError(t, err)

	// New software version on the next beat means the kiosk restarted.
	f.now = f.now.Add(10 * time.Second)
	_, err = f.manager.Beat(ctx, BeatRequest{KioskID: "K1", Version: "2.5.0", HardwareID: "hw-01"})
	require.NoError(t, err)

	for _, id := range []string{c1.CommandID, c2.CommandID} {
		got, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, commands.StatusCancelled, got.Status)
	}

	require.Equal(t, []eventlog.Type{eventlog.TypeKioskOnline, eventlog.TypeSystemRestarted}, f.sink.types())
	details := f.sink.events[1].Payload.(eventlog.SystemRestartedDetails)
	assert.Equal(t, 2, details.ClearedCommands)
	assert.Equal(t, "2.4.0", details.PreviousVersion)
	assert.Equal(t, "2.5.0", details.NewVersion)
}

func TestHardwareChangeAlsoCountsAsRestart(t *testing.T) {
	t.Parallel()
	f := newHBFixture(t)
	ctx := context.Background()

	_, err := f.manager.Beat(ctx, BeatRequest{KioskID: "K1", Version: "2.4.0", HardwareID: "hw-01"})
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Second)
	_, err = f.manager.Beat(ctx, BeatRequest{KioskID: "K1", Version: "2.4.0", HardwareID: "hw-02"})
	require.NoError(t, err)

	assert.Contains(t, f.sink.types(), eventlog.TypeSystemRestarted)
}

func TestSweepMarksSilentKiosksOffline(t *testing.T) {
	t.Parallel()
	f := newHBFixture(t)
	ctx := context.Background()

	_, err := f.manager.Beat(ctx, BeatRequest{KioskID: "K1"})
	require.NoError(t, err)
	lastSeen := f.now

	// 31 seconds of silence crosses the offline threshold.
	f.now = f.now.Add(31 * time.Second)
	offlined, err := f.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, offlined)

	k, err := f.manager.Get(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, k.Status)

	last := f.sink.events[len(f.sink.events)-1]
	require.Equal(t, eventlog.TypeKioskOffline, last.Payload.EventType())
	details := last.Payload.(eventlog.KioskOfflineDetails)
	assert.Equal(t, f.now.Sub(lastSeen).Milliseconds(), details.OfflineDurationMS)

	// Sweeping again is a no-op.
	offlined, err = f.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, offlined)

	// The next beat flips it back online with the offline status recorded.
	_, err = f.manager.Beat(ctx, BeatRequest{KioskID: "K1"})
	require.NoError(t, err)
	online := f.sink.events[len(f.sink.events)-1].Payload.(eventlog.KioskOnlineDetails)
	assert.Equal(t, "offline", online.PreviousStatus)
}

func TestFirmwareReportedStatusesRoundTrip(t *testing.T) {
	t.Parallel()
	f := newHBFixture(t)
	ctx := context.Background()

	for kiosk, status := range map[string]KioskStatus{
		"K1": StatusMaintenance,
		"K2": StatusError,
	} {
		require.NoError(t, f.manager.store.upsert(ctx, &Kiosk{
			KioskID: kiosk, Status: status, LastSeen: f.now,
		}))
	}

	// The offline sweep only acts on silent online kiosks; maintenance and
	// error states persist unchanged.
	f.now = f.now.Add(31 * time.Second)
	offlined, err := f.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, offlined)

	k, err := f.manager.Get(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, StatusMaintenance, k.Status)
	k, err = f.manager.Get(ctx, "K2")
	require.NoError(t, err)
	assert.Equal(t, StatusError, k.Status)
}

func TestSweepRecoversStaleExecutingCommands(t *testing.T) {
	t.Parallel()
	f := newHBFixture(t)
	ctx := context.Background()

	c, err := f.queue.Enqueue(ctx, "K1", commands.TypeOpenLocker, nil, 3)
	require.NoError(t, err)
	ok, err := f.queue.MarkExecuting(ctx, c.CommandID)
	require.NoError(t, err)
	require.True(t, ok)

	// Quiet for just under the stale threshold: untouched.
	f.now = f.now.Add(119 * time.Second)
	_, err = f.manager.Sweep(ctx)
	require.NoError(t, err)
	got, err := f.queue.Get(ctx, c.CommandID)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusExecuting, got.Status)

	// Past it: fed back through the retry budget.
	f.now = f.now.Add(2 * time.Second)
	_, err = f.manager.Sweep(ctx)
	require.NoError(t, err)
	got, err = f.queue.Get(ctx, c.CommandID)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "stale command timeout", got.LastError)
}
