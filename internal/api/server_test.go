package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiosknet/lockerd/internal/commands"
	"github.com/kiosknet/lockerd/internal/config"
	"github.com/kiosknet/lockerd/internal/eventlog"
	"github.com/kiosknet/lockerd/internal/heartbeat"
	"github.com/kiosknet/lockerd/internal/locker"
	"github.com/kiosknet/lockerd/internal/notify"
	"github.com/kiosknet/lockerd/internal/persistence/sqlite"
	"github.com/kiosknet/lockerd/internal/ratelimit"
	"github.com/kiosknet/lockerd/internal/zones"
)

type apiFixture struct {
	db     *sql.DB
	server *Server
	router http.Handler
	queue  *commands.Queue
	now    time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })

	f := &apiFixture{
		db:  db,
		now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	events := eventlog.New(db, "test-salt", eventlog.WithClock(clock))
	broadcaster := notify.New(notify.DefaultBufferSize)
	machine := locker.NewMachine(locker.NewStore(db), events, broadcaster,
		locker.DefaultConfig(), locker.WithClock(clock))
	f.queue = commands.NewQueue(db, commands.WithClock(clock))
	hb := heartbeat.NewManager(db, f.queue, events, heartbeat.DefaultConfig(), heartbeat.WithClock(clock))
	limiter := ratelimit.New(ratelimit.DefaultConfig(),
		ratelimit.WithClock(clock), ratelimit.WithAuditSink(events))

	cfg := config.Default()
	cfg.Features.ZonesEnabled = true
	cfg.Hardware.RelayCards = []zones.RelayCard{
		{Slave: 1, Channels: 16, Enabled: true},
		{Slave: 2, Channels: 16, Enabled: true},
	}
	cfg.Zones = []zones.Zone{
		{ID: "A", Ranges: []zones.Range{{Start: 1, End: 32}}, RelayCards: []int{1, 2}, Enabled: true},
	}
	holder := config.NewHolder(cfg, "", nil)

	_, err = machine.Store().SyncInventory(context.Background(), "K1", 32, f.now)
	require.NoError(t, err)

	f.server = NewServer(holder, machine, f.queue, hb, limiter, events, broadcaster)
	f.router = f.server.Router()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:52000"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAssignConfirmReleaseOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/kiosks/K1/lockers/5/assign",
		map[string]string{"owner_type": "rfid", "owner_key": "AABB1122"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	l := decode[locker.Locker](t, rec)
	assert.Equal(t, locker.StatusReserved, l.Status)
	assert.Equal(t, int64(2), l.Version)

	// Second assign on the held locker is a conflict.
	rec = f.do(t, http.MethodPost, "/api/v1/kiosks/K1/lockers/5/assign",
		map[string]string{"owner_type": "rfid", "owner_key": "CCDD3344"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/kiosks/K1/lockers/5/confirm",
		map[string]string{"owner_key": "AABB1122"})
	require.Equal(t, http.StatusOK, rec.Code)
	l = decode[locker.Locker](t, rec)
	assert.Equal(t, locker.StatusOwned, l.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/kiosks/K1/lockers/5/release",
		map[string]string{"owner_key": "AABB1122"})
	require.Equal(t, http.StatusOK, rec.Code)
	l = decode[locker.Locker](t, rec)
	assert.Equal(t, locker.StatusFree, l.Status)
}

func TestAssignValidationAndNotFound(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/kiosks/K1/lockers/5/assign",
		map[string]string{"owner_type": "carrier_pigeon", "owner_key": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/kiosks/K1/lockers/999/assign",
		map[string]string{"owner_type": "rfid", "owner_key": "AABB1122"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	// The locker dimension has a burst of 6; hammer one locker with
	// distinct cards until the bucket runs dry.
	var rec *httptest.ResponseRecorder
	for i := 0; i < 7; i++ {
		rec = f.do(t, http.MethodPost, "/api/v1/kiosks/K1/lockers/9/assign",
			map[string]string{"owner_type": "rfid", "owner_key": fmt.Sprintf("CARD%04d", i)})
	}
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "throttled", body["category"])
}

func TestCommandLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/kiosks/K1/commands",
		map[string]any{"command_type": "open_locker", "payload": map[string]int{"locker_id": 5}})
	require.Equal(t, http.StatusCreated, rec.Code)
	cmd := decode[commands.Command](t, rec)
	require.NotEmpty(t, cmd.CommandID)

	rec = f.do(t, http.MethodGet, "/api/v1/kiosks/K1/commands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	poll := decode[struct {
		Commands []commands.Command `json:"commands"`
	}](t, rec)
	require.Len(t, poll.Commands, 1)

	rec = f.do(t, http.MethodPost, "/api/v1/commands/"+cmd.CommandID+"/claim", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Double claim conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/commands/"+cmd.CommandID+"/claim", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/commands/"+cmd.CommandID+"/ack",
		map[string]string{"outcome": "success"})
	require.Equal(t, http.StatusOK, rec.Code)
	done := decode[commands.Command](t, rec)
	assert.Equal(t, commands.StatusCompleted, done.Status)
}

func TestHeartbeatAndKioskListing(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/kiosks/K2/heartbeat",
		map[string]string{"zone": "A", "version": "2.4.0"})
	require.Equal(t, http.StatusOK, rec.Code)
	beat := decode[heartbeat.BeatResponse](t, rec)
	assert.Equal(t, int64(2000), beat.PollIntervalMS)

	rec = f.do(t, http.MethodGet, "/api/v1/kiosks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Kiosks []heartbeat.Kiosk `json:"kiosks"`
	}](t, rec)
	require.Len(t, list.Kiosks, 1)
	assert.Equal(t, heartbeat.StatusOnline, list.Kiosks[0].Status)
}

func TestMappingEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/kiosks/K1/lockers/20/mapping", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[zones.Mapping](t, rec)
	assert.Equal(t, zones.Mapping{Slave: 2, Coil: 4, ZoneID: "A"}, m)

	rec = f.do(t, http.MethodGet, "/api/v1/kiosks/K1/lockers/99/mapping", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsQueryEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/kiosks/K1/lockers/3/assign",
		map[string]string{"owner_type": "rfid", "owner_key": "AABB1122"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/events?kiosk_id=K1&type=rfid_assign", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Events []eventlog.StoredEvent `json:"events"`
	}](t, rec)
	require.Len(t, got.Events, 1)
	assert.Equal(t, eventlog.TypeRFIDAssign, got.Events[0].Type)
	assert.Equal(t, 3, got.Events[0].LockerID)
}

func TestRateLimitResetEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/ratelimit/reset",
		map[string]string{"dimension": "ip", "subject": "192.0.2.10", "staff_user": "operator1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Missing staff user is a validation failure.
	rec = f.do(t, http.MethodPost, "/api/v1/ratelimit/reset",
		map[string]string{"dimension": "ip", "subject": "192.0.2.10"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecovererConvertsPanicTo500(t *testing.T) {
	t.Parallel()

	h := recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("relay board on fire")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/kiosks", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "internal", body["category"])
}

func TestRequestIDPropagation(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req.RemoteAddr = "192.0.2.10:52000"
	out := httptest.NewRecorder()
	f.router.ServeHTTP(out, req)
	assert.Equal(t, "req-42", out.Header().Get("X-Request-ID"))
}
