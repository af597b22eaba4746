// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/google/go-cmp/cmp"

	"github.com/kiosknet/lockerd/internal/eventlog"
	xlog "github.com/kiosknet/lockerd/internal/log"
)

// EventSink records config reload outcomes in the event log.
type EventSink interface {
	Append(ctx context.Context, ev eventlog.Event) error
}

// Holder owns the current configuration and supports atomic hot reloads
// from file. A reload either validates fully and replaces the snapshot, or
// the previous configuration stays in force.
type Holder struct {
	mu         sync.RWMutex
	current    Config
	configPath string
	watcher    *fsnotify.Watcher
	events     EventSink
	logger     zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []chan<- Config
}

// NewHolder wraps an already loaded configuration.
func NewHolder(initial Config, configPath string, events EventSink) *Holder {
	return &Holder{
		current:    initial,
		configPath: configPath,
		events:     events,
		logger:     xlog.WithComponent("config"),
	}
}

// Get returns the current configuration snapshot.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the config file, validates it and swaps it in. The old
// configuration is kept on any failure.
func (h *Holder) Reload(ctx context.Context) error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	newCfg, err := Load(h.configPath)
	if err != nil {
		h.logger.Error().Err(err).
			Str("event", "config.reload_failed").
			Msg("configuration reload rejected")
		h.appendReloadEvent(ctx, "failure", nil)
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	oldCfg := h.current
	h.current = newCfg
	h.mu.Unlock()

	changed := changedKeys(oldCfg, newCfg)
	h.notifyListeners(newCfg)
	h.appendReloadEvent(ctx, "success", changed)

	h.logger.Info().
		Strs("changed", changed).
		Str("event", "config.reload_success").
		Msg("configuration reloaded")
	return nil
}

// HardwareChanged reports whether two snapshots differ in relay inventory
// or zone layout. The daemon reacts by re-running zone reconciliation and
// the locker inventory sync.
func HardwareChanged(old, updated Config) bool {
	return !cmp.Equal(old.Hardware, updated.Hardware) || !cmp.Equal(old.Zones, updated.Zones)
}

func changedKeys(old, updated Config) []string {
	var changed []string
	if old.Listen != updated.Listen {
		changed = append(changed, "listen")
	}
	if old.LogLevel != updated.LogLevel {
		changed = append(changed, "log_level")
	}
	if old.ReserveTTLSeconds != updated.ReserveTTLSeconds {
		changed = append(changed, "reserve_ttl_seconds")
	}
	if old.OfflineThresholdMS != updated.OfflineThresholdMS {
		changed = append(changed, "offline_threshold_ms")
	}
	if !cmp.Equal(old.RateLimits, updated.RateLimits) {
		changed = append(changed, "rate_limits")
	}
	if old.Features != updated.Features {
		changed = append(changed, "features")
	}
	if HardwareChanged(old, updated) {
		changed = append(changed, "hardware")
	}
	return changed
}

func (h *Holder) appendReloadEvent(ctx context.Context, result string, changed []string) {
	if h.events == nil {
		return
	}
	err := h.events.Append(ctx, eventlog.Event{
		Timestamp: time.Now().UTC(),
		KioskID:   "gateway",
		Payload:   eventlog.ConfigReloadDetails{Result: result, Changed: changed},
	})
	if err != nil {
		h.logger.Error().Err(err).
			Str("event", "config.event_append_failed").
			Msg("config reload event append failed")
	}
}

// StartWatcher watches the config file and reloads on change, debounced so
// editor write bursts trigger a single reload. No-op without a file path.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		h.logger.Info().
			Str("event", "config.watcher_disabled").
			Msg("config file watcher disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	if err := watcher.Add(h.configPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}

	h.logger.Info().
		Str("path", h.configPath).
		Str("event", "config.watcher_started").
		Msg("watching config file for changes")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			if h.watcher != nil {
				_ = h.watcher.Close()
			}
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().Err(err).
							Str("event", "config.auto_reload_failed").
							Msg("automatic config reload failed")
					}
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).
				Str("event", "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// Stop closes the watcher if running.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener registers a channel receiving each new snapshot after a
// successful reload. Delivery is non-blocking; a full channel is skipped.
func (h *Holder) RegisterListener(ch chan<- Config) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notifyListeners(newCfg Config) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- newCfg:
		default:
			h.logger.Warn().
				Str("event", "config.listener_skip").
				Msg("skipped notifying listener (channel full)")
		}
	}
}
