package orchestrator

import (
	"context"
	"errors"
	"time"

	"proberunner/internal/enrich"
	"proberunner/internal/eventbus"
	"proberunner/internal/identity"
	"proberunner/internal/pool"
	"proberunner/internal/queue"
	"proberunner/internal/report"
	"proberunner/internal/session"
	"proberunner/internal/storage"
	logx "proberunner/pkg/logx"
)

// errRotate tells the worker loop the current identity is done
// (quota reached) and the next one should be claimed.
var errRotate = errors.New("rotate to next identity")

// worker drives one resource slot through identities and work batches
// until the queue or the roster runs dry. The slot is claimed once at
// start and never handed back; sessions come and go on top of it.
func (r *Runner) worker(ctx context.Context, idx int, slot pool.Slot) error {
	log := r.deps.Log.With(logx.Int("worker", idx), logx.String("slot", slot.String()))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.deps.Queue.Remaining() == 0 {
			log.Info("work queue exhausted")
			return nil
		}

		id, ok := r.nextIdentity()
		if !ok {
			log.Info("identity roster exhausted")
			return nil
		}
		r.publish(eventbus.TypeIdentity, map[string]any{"worker": idx, "identity": id.ID})
		ilog := log.With(logx.String("identity", id.ID))

		sess, err := r.establish(ctx, ilog, id, slot)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if session.IsAuthLocked(err) {
				r.retire(id, "locked during establish")
				continue
			}
			ilog.Warn("session establish failed, skipping identity", logx.Err(err))
			continue
		}

		err = func() error {
			defer sess.Close()
			return r.runSession(ctx, ilog, sess, id)
		}()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, errRotate):
			continue
		case session.IsAuthLocked(err):
			r.retire(id, "locked mid-session")
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			ilog.Warn("session aborted", logx.Err(err))
			continue
		}
	}
}

// nextIdentity skips identities the ledger already retired or filled.
func (r *Runner) nextIdentity() (identity.Identity, bool) {
	cfg := r.config()
	for {
		id, ok := r.deps.Roster.Next()
		if !ok {
			return identity.Identity{}, false
		}
		if r.deps.Ledger.Retired(id.ID) {
			continue
		}
		if r.deps.Ledger.AtCapacity(id.ID, cfg.QuotaCeiling) {
			continue
		}
		return id, true
	}
}

func (r *Runner) establish(ctx context.Context, log logx.Logger, id identity.Identity, slot pool.Slot) (session.Session, error) {
	cfg := r.config()
	var sess session.Session
	err := callRetry(ctx, log, "establish", retryPolicy{
		attempts: cfg.MaxEstablishRetries,
		delay:    cfg.EstablishBackoff,
		timeout:  cfg.CallTimeout,
	}, func(ctx context.Context) error {
		s, err := r.deps.Driver.Establish(ctx, id, slot, r.deps.Windows.Next())
		if err != nil {
			return err
		}
		sess = s
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// runSession processes batches on one established session. Returns nil
// when the queue is drained, errRotate when the identity hits its
// quota, or a classified error for the worker to act on.
func (r *Runner) runSession(ctx context.Context, log logx.Logger, sess session.Session, id identity.Identity) error {
	cfg := r.config()
	if err := r.clearSurface(ctx, log, sess, cfg); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg = r.config()

		if r.deps.Ledger.AtCapacity(id.ID, cfg.QuotaCeiling) {
			log.Info("identity quota reached", logx.Int("used", r.deps.Ledger.Used(id.ID)))
			return errRotate
		}
		n := cfg.BatchSize
		if room := cfg.QuotaCeiling - r.deps.Ledger.Used(id.ID); room < n {
			n = room
		}
		batch, _ := r.deps.Queue.TakeBatch(n)
		if len(batch) == 0 {
			return nil
		}

		pending, err := r.submitBatch(ctx, log, sess, id, batch, cfg)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			continue
		}

		log.Debug("batch submitted, waiting before verification",
			logx.Int("pending", len(pending)),
			logx.Duration("delay", cfg.VerifyDelay))
		if !sleepCtx(ctx, cfg.VerifyDelay) {
			r.dropAll(log, pending, cfg, "shutdown before verification")
			return ctx.Err()
		}

		if err := r.verifyBatch(ctx, log, sess, id, pending, cfg); err != nil {
			return err
		}
	}
}

// clearSurface removes leftover markers from earlier sessions so
// verification only ever sees this run's submissions. Bounded by
// MaxClearAttempts total operations; leftovers beyond that are
// tolerated and logged.
func (r *Runner) clearSurface(ctx context.Context, log logx.Logger, sess session.Session, cfg Config) error {
	for attempt := 0; attempt < cfg.MaxClearAttempts; attempt++ {
		var markers []session.Marker
		err := callRetry(ctx, log, "list_markers", retryPolicy{
			attempts: 1,
			timeout:  cfg.CallTimeout,
		}, func(ctx context.Context) error {
			m, err := sess.ListMarkers(ctx)
			if err != nil {
				return err
			}
			markers = m
			return nil
		}, nil)
		if err != nil {
			if session.IsAuthLocked(err) || ctx.Err() != nil {
				return err
			}
			log.Debug("surface listing failed during clear", logx.Err(err))
			return nil
		}
		if len(markers) == 0 {
			return nil
		}

		removed := false
		for _, m := range markers {
			rctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
			rerr := sess.RemoveByMarker(rctx, m.Key)
			cancel()
			if rerr == nil {
				removed = true
				continue
			}
			if session.IsAuthLocked(rerr) || ctx.Err() != nil {
				return rerr
			}
		}
		if !removed {
			// No progress this pass; reload and try again.
			refreshCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
			_ = sess.Refresh(refreshCtx)
			cancel()
		}
	}
	log.Warn("surface not fully cleared, continuing anyway")
	return nil
}

// submitBatch pushes every item and extracts its marker. Items that
// exhaust their retries are dropped; the batch keeps going. Only an
// auth-locked session aborts the batch, dropping whatever is left.
func (r *Runner) submitBatch(ctx context.Context, log logx.Logger, sess session.Session, id identity.Identity, batch []queue.WorkItem, cfg Config) ([]pendingVerification, error) {
	var pending []pendingVerification
	for i, it := range batch {
		if ctx.Err() != nil {
			r.dropAll(log, pending, cfg, "shutdown mid-batch")
			r.dropItems(log, batch[i:], cfg, "shutdown mid-batch")
			return nil, ctx.Err()
		}
		ilog := log.With(logx.String("item", it.Tail()))

		err := callRetry(ctx, ilog, "submit", retryPolicy{
			attempts: cfg.MaxSubmitAttempts,
			delay:    cfg.SubmitRetryDelay,
			timeout:  cfg.CallTimeout,
		}, func(ctx context.Context) error {
			return sess.SubmitItem(ctx, it)
		}, sess.Refresh)
		if err != nil {
			if session.IsAuthLocked(err) {
				r.dropAll(log, pending, cfg, "identity locked mid-batch")
				r.dropItems(log, batch[i:], cfg, "identity locked mid-batch")
				return nil, err
			}
			r.dropItem(ilog, it, cfg, "submit retries exhausted")
			continue
		}

		// The submission is in; quota counts it even if the marker read
		// below fails.
		r.deps.Ledger.Increment(id.ID)

		var marker session.Marker
		err = callRetry(ctx, ilog, "extract_marker", retryPolicy{
			attempts: cfg.MaxExtractAttempts,
			delay:    cfg.SubmitRetryDelay,
			timeout:  cfg.CallTimeout,
		}, func(ctx context.Context) error {
			m, err := sess.ExtractMarker(ctx)
			if err != nil {
				return err
			}
			marker = m
			return nil
		}, sess.Refresh)
		if err != nil {
			if session.IsAuthLocked(err) {
				r.dropAll(log, pending, cfg, "identity locked mid-batch")
				r.dropItems(log, batch[i+1:], cfg, "identity locked mid-batch")
				return nil, err
			}
			r.dropItem(ilog, it, cfg, "marker extraction failed")
			continue
		}

		pending = append(pending, pendingVerification{item: it, marker: marker})
	}
	return pending, nil
}

// verifyBatch settles verdicts for submitted items. The rule: a marker
// whose signal changed since submit time is Live; an unchanged signal
// is Die, and so is a vanished marker (the surface discarded the
// entry before it could be observed).
func (r *Runner) verifyBatch(ctx context.Context, log logx.Logger, sess session.Session, id identity.Identity, pending []pendingVerification, cfg Config) error {
	var markers []session.Marker
	err := callRetry(ctx, log, "list_markers", retryPolicy{
		attempts: cfg.MaxExtractAttempts,
		delay:    cfg.SubmitRetryDelay,
		timeout:  cfg.CallTimeout,
	}, func(ctx context.Context) error {
		m, err := sess.ListMarkers(ctx)
		if err != nil {
			return err
		}
		markers = m
		return nil
	}, sess.Refresh)
	if err != nil {
		if session.IsAuthLocked(err) {
			r.dropAll(log, pending, cfg, "identity locked at verification")
			return err
		}
		if ctx.Err() != nil {
			r.dropAll(log, pending, cfg, "shutdown at verification")
			return ctx.Err()
		}
		r.dropAll(log, pending, cfg, "verification listing failed")
		return nil
	}

	current := make(map[string]string, len(markers))
	for _, m := range markers {
		current[m.Key] = m.Signal
	}

	for i, p := range pending {
		verdict := report.VerdictDie
		if sig, found := current[p.marker.Key]; found && sig != p.marker.Signal {
			verdict = report.VerdictLive
		}

		// Remove the marker before settling. An item whose marker cannot
		// be cleared is skipped without a verdict so the surface never
		// accumulates entries we would double-count next batch.
		if _, found := current[p.marker.Key]; found {
			rerr := callRetry(ctx, log, "remove_marker", retryPolicy{
				attempts: cfg.MaxRemoveAttempts,
				delay:    cfg.SubmitRetryDelay,
				timeout:  cfg.CallTimeout,
			}, func(ctx context.Context) error {
				return sess.RemoveByMarker(ctx, p.marker.Key)
			}, sess.Refresh)
			if rerr != nil {
				if session.IsAuthLocked(rerr) || ctx.Err() != nil {
					r.dropAll(log, pending[i:], cfg, "verification interrupted")
					return rerr
				}
				r.dropItem(log, p.item, cfg, "marker removal failed")
				continue
			}
		}

		r.settle(ctx, log, id, p, verdict)

		// Checkpoint after every settled item so a crash resumes from
		// the last verified position.
		if err := r.deps.Queue.PersistRemaining(r.deps.CheckpointPath); err != nil {
			log.Warn("checkpoint write failed", logx.Err(err))
		}
	}
	return nil
}

// settle records one verdict everywhere it needs to go.
func (r *Runner) settle(ctx context.Context, log logx.Logger, id identity.Identity, p pendingVerification, verdict report.Verdict) {
	it := p.item
	meta := enrich.Meta{}
	if r.deps.Enrich.Enabled() {
		meta = r.deps.Enrich.Lookup(ctx, it.Number)
	}
	if verdict == report.VerdictLive {
		r.live.Add(1)
	} else {
		r.die.Add(1)
	}
	r.deps.Sink.OnVerdict(it.Raw, verdict, meta)
	r.appendVerdict(id, p, verdict, meta)
	log.Info("verdict",
		logx.String("item", it.Tail()),
		logx.String("verdict", string(verdict)))
}

func (r *Runner) appendVerdict(id identity.Identity, p pendingVerification, verdict report.Verdict, meta enrich.Meta) {
	if r.deps.Store == nil {
		return
	}
	rec := storage.VerdictRecord{
		At:       time.Now(),
		Item:     p.item.Raw,
		Verdict:  string(verdict),
		Identity: id.ID,
		Marker:   p.marker.Key,
		MetaJSON: storage.MetaJSON(meta.Fields()),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.deps.Store.AppendVerdict(ctx, rec); err != nil {
		r.deps.Log.Warn("verdict audit write failed", logx.Err(err))
	}
}

func (r *Runner) dropItem(log logx.Logger, it queue.WorkItem, cfg Config, reason string) {
	r.dropped.Add(1)
	if cfg.RequeueDropped {
		r.deps.Queue.Requeue(it)
	}
	log.Warn("item dropped", logx.String("item", it.Tail()), logx.String("reason", reason))
	r.deps.Sink.OnLog("warn", "item "+it.Tail()+" dropped: "+reason)
}

func (r *Runner) dropItems(log logx.Logger, items []queue.WorkItem, cfg Config, reason string) {
	for _, it := range items {
		r.dropItem(log, it, cfg, reason)
	}
}

func (r *Runner) dropAll(log logx.Logger, pending []pendingVerification, cfg Config, reason string) {
	for _, p := range pending {
		r.dropItem(log, p.item, cfg, reason)
	}
}

// retire denylists an identity for good: ledger entry, roster skip,
// source-file rewrite, and a bus event for observers.
func (r *Runner) retire(id identity.Identity, reason string) {
	r.deps.Ledger.Retire(id.ID, reason)
	r.deps.Roster.Retire(id.ID)
	r.publish(eventbus.TypeRetired, map[string]any{"identity": id.ID, "reason": reason})
	if err := r.deps.Roster.RewriteSource(r.deps.IdentitiesPath); err != nil {
		r.deps.Log.Warn("identity source rewrite failed", logx.Err(err))
	}
	r.deps.Log.Warn("identity retired",
		logx.String("identity", id.ID),
		logx.String("reason", reason))
	r.deps.Sink.OnLog("error", "identity "+id.ID+" retired: "+reason)
}

func (r *Runner) publish(typ string, data any) {
	if r.deps.Bus == nil {
		return
	}
	r.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
