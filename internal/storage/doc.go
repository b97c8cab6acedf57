// Package storage persists the quota ledger and the verdict audit
// trail behind a small Store interface with file and sqlite drivers.
package storage
