package orchestrator

import (
	"context"
	"time"

	"proberunner/internal/session"
	logx "proberunner/pkg/logx"
)

// retryPolicy bounds one driver interaction: up to attempts calls, each
// under its own timeout, with a fixed delay between tries.
type retryPolicy struct {
	attempts int
	delay    time.Duration
	timeout  time.Duration
}

// callRetry runs op under the policy. Transient errors are retried;
// auth-locked and data errors return immediately so the caller can
// retire or drop. between (optional) runs before every retry, typically
// a session Refresh.
func callRetry(ctx context.Context, log logx.Logger, name string, p retryPolicy, op func(ctx context.Context) error, between func(ctx context.Context) error) error {
	var last error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := op(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		last = err

		switch session.Classify(err) {
		case session.KindAuthLocked, session.KindData:
			return err
		}

		log.Debug("call failed",
			logx.String("op", name),
			logx.Int("attempt", attempt),
			logx.Int("max", p.attempts),
			logx.Err(err))

		if attempt == p.attempts {
			break
		}
		if !sleepCtx(ctx, p.delay) {
			return ctx.Err()
		}
		if between != nil {
			refreshCtx, cancel := context.WithTimeout(ctx, p.timeout)
			rerr := between(refreshCtx)
			cancel()
			if rerr != nil {
				log.Debug("refresh between retries failed", logx.String("op", name), logx.Err(rerr))
			}
		}
	}
	return last
}

// sleepCtx sleeps for d unless ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
