// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiosknet/lockerd/internal/api"
	"github.com/kiosknet/lockerd/internal/commands"
	"github.com/kiosknet/lockerd/internal/config"
	"github.com/kiosknet/lockerd/internal/eventlog"
	"github.com/kiosknet/lockerd/internal/heartbeat"
	"github.com/kiosknet/lockerd/internal/locker"
	xlog "github.com/kiosknet/lockerd/internal/log"
	"github.com/kiosknet/lockerd/internal/notify"
	"github.com/kiosknet/lockerd/internal/persistence/sqlite"
	"github.com/kiosknet/lockerd/internal/ratelimit"
	"github.com/kiosknet/lockerd/internal/zones"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	xlog.Configure(xlog.Config{Level: "info", Service: "lockerd"})
	logger := xlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).
			Str("config_path", *configPath).
			Str("event", "config.load_failed").
			Msg("failed to load configuration")
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("addr", cfg.Listen).
		Str("db_path", cfg.DBPath).
		Str("event", "startup").
		Msg("starting lockerd")

	// Database integrity is a startup gate: a corrupt file must not serve
	// ownership decisions.
	if _, err := os.Stat(cfg.DBPath); err == nil {
		problems, err := sqlite.VerifyIntegrity(cfg.DBPath, "quick")
		if err != nil || len(problems) > 0 {
			logger.Fatal().Err(err).
				Strs("problems", problems).
				Str("event", "startup.integrity_failed").
				Msg("database integrity check failed")
		}
	}

	db, err := sqlite.Open(cfg.DBPath, sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).
			Str("event", "startup.db_open_failed").
			Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()

	if err := sqlite.Migrate(db); err != nil {
		logger.Fatal().Err(err).
			Str("event", "startup.migrate_failed").
			Msg("schema migration failed")
	}

	events := eventlog.New(db, cfg.RedactionSalt)
	broadcaster := notify.New(notify.DefaultBufferSize)
	machine := locker.NewMachine(locker.NewStore(db), events, broadcaster, cfg.LockerConfig())
	queue := commands.NewQueue(db)
	hbManager := heartbeat.NewManager(db, queue, events, cfg.HeartbeatConfig())
	limiter := ratelimit.New(cfg.RateLimitConfig(), ratelimit.WithAuditSink(events))

	holder := config.NewHolder(cfg, *configPath, events)

	syncHardware(ctx, machine, hbManager, events, cfg)

	server := api.NewServer(holder, machine, queue, hbManager, limiter, events, broadcaster)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := holder.StartWatcher(ctx); err != nil {
		logger.Fatal().Err(err).
			Str("event", "startup.watcher_failed").
			Msg("failed to start config watcher")
	}
	defer holder.Stop()

	reloads := make(chan config.Config, 1)
	holder.RegisterListener(reloads)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).
			Str("event", "http.listening").
			Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	cleanup := &locker.CleanupWorker{Machine: machine}
	g.Go(func() error { return ignoreCancel(cleanup.Run(gctx)) })

	g.Go(func() error { return ignoreCancel(hbManager.Run(gctx)) })

	gc := &commands.GCWorker{Queue: queue, Config: cfg.CommandGCConfig()}
	g.Go(func() error { return ignoreCancel(gc.Run(gctx)) })

	retention := &eventlog.RetentionWorker{Log: events, Config: cfg.RetentionConfig()}
	g.Go(func() error { return ignoreCancel(retention.Run(gctx)) })

	g.Go(func() error {
		previous := cfg
		for {
			select {
			case <-gctx.Done():
				return nil
			case updated := <-reloads:
				if config.HardwareChanged(previous, updated) {
					syncHardware(gctx, machine, hbManager, events, updated)
				}
				previous = updated
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).
			Str("event", "daemon.failed").
			Msg("daemon exited with error")
	}
	logger.Info().Str("event", "shutdown").Msg("lockerd stopped")
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// syncHardware reconciles the zone layout against the relay inventory and
// creates missing locker rows for every known kiosk.
func syncHardware(ctx context.Context, machine *locker.Machine, hb *heartbeat.Manager,
	events *eventlog.Log, cfg config.Config) {
	logger := xlog.WithComponent("daemon")
	total := cfg.TotalLockers()

	if cfg.Features.ZonesEnabled {
		_, diff, err := zones.Reconcile(cfg.Zones, cfg.Hardware.RelayCards)
		if err != nil {
			logger.Error().Err(err).
				Str("event", "zones.reconcile_failed").
				Msg("zone reconciliation failed")
		} else if diff != nil {
			logger.Info().
				Str("zone", diff.ZoneID).
				Ints("added_cards", diff.AddedCards).
				Int("total_lockers", diff.TotalLockers).
				Str("event", "zones.extended").
				Msg("zone layout extended for new hardware")
			if err := events.Append(ctx, eventlog.Event{
				Timestamp: time.Now().UTC(),
				KioskID:   "gateway",
				Payload: eventlog.ZoneExtendedDetails{
					Zone:         diff.ZoneID,
					NewRanges:    fmt.Sprintf("%v", diff.NewRanges),
					AddedCards:   diff.AddedCards,
					TotalLockers: diff.TotalLockers,
				},
			}); err != nil {
				logger.Error().Err(err).
					Str("event", "zones.event_append_failed").
					Msg("zone extension event append failed")
			}
		}
	}

	if total == 0 {
		return
	}
	kiosks, err := hb.List(ctx)
	if err != nil {
		logger.Error().Err(err).
			Str("event", "daemon.inventory_sync_failed").
			Msg("kiosk listing for inventory sync failed")
		return
	}
	for _, k := range kiosks {
		created, err := machine.Store().SyncInventory(ctx, k.KioskID, total, time.Now().UTC())
		if err != nil {
			logger.Error().Err(err).
				Str("kiosk_id", k.KioskID).
				Str("event", "daemon.inventory_sync_failed").
				Msg("locker inventory sync failed")
			continue
		}
		if created > 0 {
			logger.Info().
				Str("kiosk_id", k.KioskID).
				Int("created", created).
				Str("event", "daemon.inventory_synced").
				Msg("locker inventory extended")
		}
	}
}
