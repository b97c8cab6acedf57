package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"proberunner/internal/eventbus"
	"proberunner/internal/report"
	"proberunner/internal/runtime/supervisor"
	logx "proberunner/pkg/logx"
)

// Runner drives the whole probing run: it fans workers out over the
// resource slots and owns the end-of-run persistence. One Runner per
// process lifetime; Start once, then Wait or Stop.
type Runner struct {
	deps Deps
	cfg  atomic.Value // Config

	sup *supervisor.Supervisor

	live    atomic.Int64
	die     atomic.Int64
	dropped atomic.Int64

	startOnce sync.Once
	finalOnce sync.Once
	started   atomic.Bool
}

func New(cfg Config, deps Deps) (*Runner, error) {
	if deps.Queue == nil || deps.Roster == nil || deps.Slots == nil ||
		deps.Windows == nil || deps.Ledger == nil || deps.Driver == nil || deps.Sink == nil {
		return nil, errors.New("orchestrator: missing required dependency")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	r := &Runner{deps: deps}
	r.cfg.Store(cfg.withDefaults())
	return r, nil
}

func (r *Runner) config() Config {
	return r.cfg.Load().(Config)
}

// ApplyConfig hot-swaps the run tunables. Workers pick the new values
// up at their next batch boundary; worker count and already-claimed
// slots are fixed at Start.
func (r *Runner) ApplyConfig(cfg Config) {
	c := cfg.withDefaults()
	r.cfg.Store(c)
	r.deps.Log.Info("run config applied",
		logx.Int("batch_size", c.BatchSize),
		logx.Int("quota_ceiling", c.QuotaCeiling))
}

// Start claims one slot per worker and launches the worker loops.
func (r *Runner) Start(ctx context.Context) error {
	var startErr error
	r.startOnce.Do(func() {
		cfg := r.config()
		workers := cfg.Workers
		if workers <= 0 || workers > r.deps.Slots.Size() {
			workers = r.deps.Slots.Size()
		}

		r.sup = supervisor.New(ctx, supervisor.WithLogger(r.deps.Log))
		r.deps.Log.Info("run starting",
			logx.Int("workers", workers),
			logx.Int("items", r.deps.Queue.Total()),
			logx.Int("identities", r.deps.Roster.Size()),
			logx.Int("slots", r.deps.Slots.Size()))

		for i := 0; i < workers; i++ {
			idx := i
			slot := r.deps.Slots.Next()
			r.sup.Go(fmt.Sprintf("worker-%d", idx), func(ctx context.Context) error {
				r.publish(eventbus.TypeWorkerStart, map[string]any{"worker": idx})
				err := r.worker(ctx, idx, slot)
				r.publish(eventbus.TypeWorkerDone, map[string]any{"worker": idx})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
		r.started.Store(true)
	})
	return startErr
}

// Wait blocks until every worker has exited, then runs the final
// persistence pass exactly once.
func (r *Runner) Wait(ctx context.Context) error {
	if !r.started.Load() {
		return errors.New("orchestrator: not started")
	}
	err := r.sup.Wait(ctx)
	// On cancellation the workers may still be unwinding; Stop owns the
	// finalize in that path.
	if ctx.Err() == nil {
		r.finalize()
	}
	return err
}

// Stop cancels the workers, waits for them to unwind, and persists.
func (r *Runner) Stop(ctx context.Context) error {
	if !r.started.Load() {
		return nil
	}
	err := r.sup.Stop(ctx)
	r.finalize()
	return err
}

// finalize is the single exit path for durable state: ledger snapshot,
// work checkpoint, and the retired-identity rewrite.
func (r *Runner) finalize() {
	r.finalOnce.Do(func() {
		log := r.deps.Log
		if err := r.PersistLedger(context.Background()); err != nil && !errors.Is(err, ErrNoStore) {
			log.Error("final ledger persist failed", logx.Err(err))
		}
		if err := r.deps.Queue.PersistRemaining(r.deps.CheckpointPath); err != nil {
			log.Error("final checkpoint write failed", logx.Err(err))
		}
		if err := r.deps.Roster.RewriteSource(r.deps.IdentitiesPath); err != nil {
			log.Error("final identity rewrite failed", logx.Err(err))
		}
		p := r.Progress()
		log.Info("run finished",
			logx.Int("live", p.Live),
			logx.Int("die", p.Die),
			logx.Int("dropped", p.Dropped),
			logx.Int("remaining", p.Remaining))
	})
}

// ErrNoStore is returned by PersistLedger when storage is disabled.
var ErrNoStore = errors.New("orchestrator: no store configured")

// PersistLedger snapshots the quota ledger into the store. Called by
// the maintenance schedule and by finalize.
func (r *Runner) PersistLedger(ctx context.Context) error {
	if r.deps.Store == nil {
		return ErrNoStore
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return r.deps.Store.SaveLedger(ctx, r.deps.Ledger.Snapshot())
}

// Progress is a point-in-time run summary.
func (r *Runner) Progress() report.Progress {
	return report.Progress{
		Total:     r.deps.Queue.Total(),
		Live:      int(r.live.Load()),
		Die:       int(r.die.Load()),
		Dropped:   int(r.dropped.Load()),
		Remaining: r.deps.Queue.Remaining(),
		At:        time.Now(),
	}
}

// Snapshot exposes goroutine counters for diagnostics.
func (r *Runner) Snapshot() supervisor.Counters {
	if r.sup == nil {
		return supervisor.Counters{}
	}
	return r.sup.Snapshot()
}
