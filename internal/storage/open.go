package storage

import (
	"context"
	"errors"
	"strings"

	logx "proberunner/pkg/logx"
)

// Store is the minimal persistence API used by the runner.
type Store interface {
	LoadLedger(ctx context.Context) (state LedgerState, ok bool, err error)
	SaveLedger(ctx context.Context, state LedgerState) error
	AppendVerdict(ctx context.Context, rec VerdictRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
