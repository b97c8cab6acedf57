// Package app wires the process together: config, logging, storage,
// inputs, sinks, the orchestration runner, and the maintenance jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"proberunner/internal/config"
	"proberunner/internal/enrich"
	"proberunner/internal/eventbus"
	"proberunner/internal/identity"
	"proberunner/internal/ledger"
	"proberunner/internal/maintenance"
	"proberunner/internal/notify"
	"proberunner/internal/orchestrator"
	"proberunner/internal/pool"
	"proberunner/internal/queue"
	"proberunner/internal/report"
	"proberunner/internal/runtime/supervisor"
	"proberunner/internal/session"
	"proberunner/internal/storage"
	"proberunner/internal/winslot"
	logx "proberunner/pkg/logx"
)

// Options configures App construction. Driver is the one dependency
// the binary must inject; everything else comes from the config file.
type Options struct {
	ConfigPath string
	Driver     session.Driver
}

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	store storage.Store

	ledger  *ledger.Ledger
	queue   *queue.Queue
	roster  *identity.Roster
	slots   *pool.Pool
	windows *winslot.Grid
	enrich  *enrich.Service

	sink  report.Sink
	notif *notify.Telegram

	runner *orchestrator.Runner
	maint  *maintenance.Service

	sup *supervisor.Supervisor
}

func New(opts Options) (*App, error) {
	if opts.Driver == nil {
		return nil, errors.New("app: session driver is required")
	}

	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm: cfgm,
		logs: logSvc,
		log:  log,
		bus:  eventbus.New(),
	}

	if err := a.wire(cfg, opts.Driver); err != nil {
		a.closeQuietly()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, driver session.Driver) error {
	busyTimeout, err := cfg.Storage.BusyTimeoutDuration()
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("app: open storage: %w", err)
	}
	a.store = store

	a.ledger = ledger.New()
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		st, ok, err := store.LoadLedger(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("app: load ledger: %w", err)
		}
		if ok {
			a.ledger.Restore(st)
			a.log.Info("ledger restored",
				logx.Int("identities", len(st.UsedCount)),
				logx.Int("retired", len(st.RetiredHistory)))
		}
	}

	if err := a.loadInputs(cfg); err != nil {
		return err
	}

	a.windows = winslot.New(winslot.Config{
		ScreenWidth:  cfg.Window.ScreenWidth,
		ScreenHeight: cfg.Window.ScreenHeight,
		Rows:         cfg.Window.Rows,
		Cols:         cfg.Window.Cols,
	})

	if cfg.Enrich != nil && cfg.Enrich.Enabled {
		timeout, err := cfg.Enrich.TimeoutDuration()
		if err != nil {
			return err
		}
		a.enrich = enrich.New(enrich.Config{
			Enabled:    true,
			BaseURL:    cfg.Enrich.BaseURL,
			CachePath:  cfg.Enrich.CachePath,
			RatePerSec: cfg.Enrich.RatePerSec,
			Timeout:    timeout,
		}, a.log.With(logx.String("comp", "enrich")))
	}

	if err := a.buildSinks(cfg); err != nil {
		return err
	}

	runCfg, err := runConfig(cfg)
	if err != nil {
		return err
	}
	runner, err := orchestrator.New(runCfg, orchestrator.Deps{
		Queue:          a.queue,
		Roster:         a.roster,
		Slots:          a.slots,
		Windows:        a.windows,
		Ledger:         a.ledger,
		Driver:         driver,
		Sink:           a.sink,
		Enrich:         a.enrich,
		Store:          a.store,
		Bus:            a.bus,
		Log:            a.log.With(logx.String("comp", "run")),
		CheckpointPath: cfg.Inputs.CheckpointPath,
		IdentitiesPath: cfg.Inputs.IdentitiesPath,
	})
	if err != nil {
		return err
	}
	a.runner = runner

	maint, err := maintenance.New(maintenance.Config{
		LedgerPersistSpec:   cfg.Maintenance.LedgerPersistSpec(),
		EnrichCacheSaveSpec: cfg.Maintenance.EnrichCacheSaveSpec(),
		ProgressEmitSpec:    cfg.Maintenance.ProgressEmitSpec(),
	}, runner, a.enrich, a.sink, a.log.With(logx.String("comp", "maintenance")))
	if err != nil {
		return err
	}
	a.maint = maint
	return nil
}

// loadInputs reads items, identities, and slots. When a checkpoint from
// an earlier run exists, it replaces the items file so the run resumes
// where the last one verified.
func (a *App) loadInputs(cfg *config.Config) error {
	itemsPath := cfg.Inputs.ItemsPath
	if cp := cfg.Inputs.CheckpointPath; cp != "" {
		if _, err := os.Stat(cp); err == nil {
			itemsPath = cp
			a.log.Info("resuming from checkpoint", logx.String("path", cp))
		}
	}
	q, stats, err := queue.LoadFile(itemsPath, time.Now())
	if err != nil {
		return fmt.Errorf("app: load items: %w", err)
	}
	a.queue = q
	a.log.Info("items loaded",
		logx.Int("total", stats.Total),
		logx.Int("malformed", stats.SkippedMalformed),
		logx.Int("expired", stats.FilteredExpired))

	roster, err := identity.LoadFile(cfg.Inputs.IdentitiesPath, a.ledger.EligibleSet())
	if err != nil {
		return fmt.Errorf("app: load identities: %w", err)
	}
	a.roster = roster
	a.ledger.SetEligible(roster.IDs())
	a.log.Info("identities loaded",
		logx.Int("eligible", roster.Size()),
		logx.Int("skipped", roster.Skipped()))

	slots, err := pool.LoadFile(cfg.Inputs.SlotsPath)
	if err != nil {
		return fmt.Errorf("app: load slots: %w", err)
	}
	a.slots = slots
	a.log.Info("slots loaded", logx.Int("count", slots.Size()))
	return nil
}

func (a *App) buildSinks(cfg *config.Config) error {
	fileSink, err := report.NewFileSink(
		cfg.Outputs.LivePathOrDefault(),
		cfg.Outputs.DiePathOrDefault(),
	)
	if err != nil {
		return err
	}
	sinks := report.Multi{
		&report.LogSink{Log: a.log.With(logx.String("comp", "report"))},
		fileSink,
		&report.BusSink{Bus: a.bus},
	}

	if cfg.Notify != nil && cfg.Notify.Enabled {
		notif, err := notify.NewTelegram(notify.Config{
			Token:      cfg.Notify.Token,
			ChatID:     cfg.Notify.ChatID,
			RatePerSec: cfg.Notify.RatePerSec,
			QueueSize:  cfg.Notify.QueueSize,
		}, a.log.With(logx.String("comp", "notify")))
		if err != nil {
			return err
		}
		a.notif = notif
		sinks = append(sinks, notif)
	}

	a.sink = sinks
	return nil
}

// Start launches the run and the config watcher, then reports
// readiness to systemd (a no-op outside a unit).
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.runner.Start(ctx); err != nil {
		return err
	}
	a.maint.Start()

	updates := a.cfgm.Subscribe(1)
	a.sup.Go("config-watch", a.cfgm.Watch)
	a.sup.Go0("config-apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

// applyConfig hot-applies the reloadable parts: logging and the run
// tunables. Inputs, storage, and sinks are fixed for the process.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logConfig(cfg))
	runCfg, err := runConfig(cfg)
	if err != nil {
		a.log.Warn("config update ignored", logx.Err(err))
		return
	}
	a.runner.ApplyConfig(runCfg)
}

// Wait blocks until the run completes on its own (queue or roster
// exhaustion) or ctx is canceled.
func (a *App) Wait(ctx context.Context) error {
	return a.runner.Wait(ctx)
}

// Stop tears everything down in reverse dependency order.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	var firstErr error
	if err := a.runner.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		firstErr = err
	}
	a.maint.Stop(ctx)
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil && !errors.Is(err, context.Canceled) {
			firstErr = err
		}
	}
	if err := a.sink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.closeQuietly()
	return firstErr
}

// Progress exposes the current run summary (diagnostics, tests).
func (a *App) Progress() report.Progress { return a.runner.Progress() }

func (a *App) closeQuietly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func logConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func runConfig(cfg *config.Config) (orchestrator.Config, error) {
	d, err := cfg.Run.Durations()
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		Workers:             cfg.Run.Workers,
		BatchSize:           cfg.Run.BatchSize,
		VerifyDelay:         d.VerifyDelay,
		QuotaCeiling:        cfg.Run.QuotaCeiling,
		MaxEstablishRetries: cfg.Run.MaxEstablishRetries,
		EstablishBackoff:    d.EstablishBackoff,
		MaxSubmitAttempts:   cfg.Run.MaxSubmitAttempts,
		SubmitRetryDelay:    d.SubmitRetryDelay,
		MaxExtractAttempts:  cfg.Run.MaxExtractAttempts,
		MaxRemoveAttempts:   cfg.Run.MaxRemoveAttempts,
		MaxClearAttempts:    cfg.Run.MaxClearAttempts,
		CallTimeout:         d.CallTimeout,
		RequeueDropped:      cfg.Run.RequeueDropped,
	}, nil
}
