package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiosknet/lockerd/internal/eventlog"
	"github.com/kiosknet/lockerd/internal/ratelimit"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lockerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 90, cfg.ReserveTTLSeconds)
	assert.Equal(t, 30, cfg.EventRetentionDays)
	assert.False(t, cfg.Features.ZonesEnabled)
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
reserve_ttl_seconds: 120
rate_limits:
  ip:
    burst: 10
    rate_per_second: 0.25
    block_threshold: 5
    block_duration_seconds: 600
`)
	t.Setenv("LOCKERD_RESERVE_TTL_SECONDS", "45")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 45, cfg.ReserveTTLSeconds, "environment wins over file")

	rl := cfg.RateLimitConfig()
	ip := rl.Limits[ratelimit.DimensionIP]
	assert.Equal(t, 10, ip.Burst)
	assert.Equal(t, 5, ip.BlockThreshold)
	assert.Equal(t, 10*time.Minute, ip.BlockDuration)
	// Unconfigured dimensions keep their defaults.
	assert.Equal(t, 6, rl.Limits[ratelimit.DimensionLocker].Burst)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero ttl":           "reserve_ttl_seconds: 0",
		"unknown dimension":  "rate_limits:\n  teapot:\n    burst: 1\n    rate_per_second: 1",
		"retention inverted": "event_retention_days: 90\naudit_retention_days: 30",
		"bad zone layout": `
features:
  zones_enabled: true
hardware:
  relay_cards:
    - {slave: 1, channels: 16, enabled: true}
zones:
  - {id: "A", ranges: [{start: 1, end: 16}], relay_cards: [9], enabled: true}
`,
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}
}

func TestNarrowConfigs(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 90*time.Second, cfg.LockerConfig().ReserveTTL)

	hb := cfg.HeartbeatConfig()
	assert.Equal(t, 30*time.Second, hb.OfflineThreshold)
	assert.Equal(t, 2*time.Second, hb.PollInterval)
	assert.Equal(t, 120*time.Second, hb.StaleCommandThreshold)

	ret := cfg.RetentionConfig()
	assert.Equal(t, 30*24*time.Hour, ret.EventRetention)
	assert.Equal(t, 90*24*time.Hour, ret.AuditRetention)
}

type reloadSink struct {
	events []eventlog.Event
}

func (s *reloadSink) Append(_ context.Context, ev eventlog.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func TestReloadSwapsAtomically(t *testing.T) {
	path := writeConfig(t, `listen: ":9090"`)
	initial, err := Load(path)
	require.NoError(t, err)

	sink := &reloadSink{}
	h := NewHolder(initial, path, sink)

	require.NoError(t, os.WriteFile(path, []byte(`listen: ":9191"`), 0o600))
	require.NoError(t, h.Reload(context.Background()))
	assert.Equal(t, ":9191", h.Get().Listen)

	require.Len(t, sink.events, 1)
	details := sink.events[0].Payload.(eventlog.ConfigReloadDetails)
	assert.Equal(t, "success", details.Result)
	assert.Contains(t, details.Changed, "listen")

	// A broken file leaves the old snapshot in force.
	require.NoError(t, os.WriteFile(path, []byte(`reserve_ttl_seconds: -1`), 0o600))
	require.Error(t, h.Reload(context.Background()))
	assert.Equal(t, ":9191", h.Get().Listen)
	details = sink.events[len(sink.events)-1].Payload.(eventlog.ConfigReloadDetails)
	assert.Equal(t, "failure", details.Result)
}

func TestReloadNotifiesListeners(t *testing.T) {
	path := writeConfig(t, `listen: ":9090"`)
	initial, err := Load(path)
	require.NoError(t, err)

	h := NewHolder(initial, path, nil)
	ch := make(chan Config, 1)
	h.RegisterListener(ch)

	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
hardware:
  relay_cards:
    - {slave: 1, channels: 16, enabled: true}
`), 0o600))
	require.NoError(t, h.Reload(context.Background()))

	select {
	case got := <-ch:
		assert.True(t, HardwareChanged(initial, got))
	default:
		t.Fatal("listener not notified")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, `listen: ":9090"`)
	initial, err := Load(path)
	require.NoError(t, err)

	h := NewHolder(initial, path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.StartWatcher(ctx))
	defer h.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`listen: ":9292"`), 0o600))

	require.Eventually(t, func() bool {
		return h.Get().Listen == ":9292"
	}, 5*time.Second, 50*time.Millisecond)
}
