package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (JSON snapshot + jsonl audit)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// LedgerState is the durable shape of the quota ledger.
type LedgerState struct {
	UsedCount      map[string]int `json:"used_count"`
	Eligible       []string       `json:"eligible"`
	RetiredHistory []RetiredEntry `json:"retired_history,omitempty"`
}

// RetiredEntry records an identity permanently removed from rotation.
type RetiredEntry struct {
	ID     string    `json:"id"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// VerdictRecord is one classified item outcome, appended to the audit
// trail. Keep it compact and schema-stable.
type VerdictRecord struct {
	At       time.Time `json:"at"`
	Item     string    `json:"item"`
	Verdict  string    `json:"verdict"`
	Identity string    `json:"identity,omitempty"`
	Marker   string    `json:"marker,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
