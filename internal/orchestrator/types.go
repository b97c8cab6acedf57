package orchestrator

import (
	"time"

	"proberunner/internal/enrich"
	"proberunner/internal/eventbus"
	"proberunner/internal/identity"
	"proberunner/internal/ledger"
	"proberunner/internal/pool"
	"proberunner/internal/queue"
	"proberunner/internal/report"
	"proberunner/internal/session"
	"proberunner/internal/storage"
	"proberunner/internal/winslot"
	logx "proberunner/pkg/logx"
)

// Config is the fully resolved orchestration config. All durations are
// already parsed; zero values are replaced by withDefaults.
type Config struct {
	// Workers caps concurrency. Zero means one worker per resource slot.
	Workers int

	BatchSize    int
	VerifyDelay  time.Duration
	QuotaCeiling int

	MaxEstablishRetries int
	EstablishBackoff    time.Duration

	MaxSubmitAttempts  int
	SubmitRetryDelay   time.Duration
	MaxExtractAttempts int
	MaxRemoveAttempts  int
	MaxClearAttempts   int

	CallTimeout time.Duration

	RequeueDropped bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.VerifyDelay <= 0 {
		c.VerifyDelay = 30 * time.Second
	}
	if c.QuotaCeiling <= 0 {
		c.QuotaCeiling = 80
	}
	if c.MaxEstablishRetries <= 0 {
		c.MaxEstablishRetries = 3
	}
	if c.EstablishBackoff <= 0 {
		c.EstablishBackoff = 5 * time.Second
	}
	if c.MaxSubmitAttempts <= 0 {
		c.MaxSubmitAttempts = 5
	}
	if c.SubmitRetryDelay <= 0 {
		c.SubmitRetryDelay = 5 * time.Second
	}
	if c.MaxExtractAttempts <= 0 {
		c.MaxExtractAttempts = 3
	}
	if c.MaxRemoveAttempts <= 0 {
		c.MaxRemoveAttempts = 3
	}
	if c.MaxClearAttempts <= 0 {
		c.MaxClearAttempts = 15
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 90 * time.Second
	}
	return c
}

// Deps wires the runner to the rest of the process. Everything here is
// required except Enrich, Bus, and Store, which may be nil/disabled.
type Deps struct {
	Queue   *queue.Queue
	Roster  *identity.Roster
	Slots   *pool.Pool
	Windows *winslot.Grid
	Ledger  *ledger.Ledger
	Driver  session.Driver
	Sink    report.Sink
	Enrich  *enrich.Service
	Store   storage.Store
	Bus     eventbus.Bus
	Log     logx.Logger

	// CheckpointPath receives unconsumed items after each verified item.
	CheckpointPath string

	// IdentitiesPath is rewritten without retired identities so a locked
	// identity stays gone across runs. Empty disables the rewrite.
	IdentitiesPath string
}

// pendingVerification is one submitted item awaiting its verdict.
type pendingVerification struct {
	item   queue.WorkItem
	marker session.Marker
}
