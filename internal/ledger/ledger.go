package ledger

import (
	"sort"
	"sync"
	"time"

	"proberunner/internal/storage"
)

// Ledger is the per-identity quota counter plus the denylist of
// retired identities. Counts increment on confirmed submissions only;
// persistence is a periodic snapshot, not a transaction log, so a
// crash loses at most one flush interval of counts.
type Ledger struct {
	mu       sync.Mutex
	used     map[string]int
	eligible map[string]bool
	retired  map[string]storage.RetiredEntry
}

func New() *Ledger {
	return &Ledger{
		used:     map[string]int{},
		eligible: map[string]bool{},
		retired:  map[string]storage.RetiredEntry{},
	}
}

// Restore replaces the ledger contents with a persisted state.
func (l *Ledger) Restore(st storage.LedgerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used = map[string]int{}
	for k, v := range st.UsedCount {
		l.used[k] = v
	}
	l.eligible = map[string]bool{}
	for _, id := range st.Eligible {
		l.eligible[id] = true
	}
	l.retired = map[string]storage.RetiredEntry{}
	for _, e := range st.RetiredHistory {
		l.retired[e.ID] = e
	}
}

// Snapshot returns a copy suitable for persistence.
func (l *Ledger) Snapshot() storage.LedgerState {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := storage.LedgerState{UsedCount: make(map[string]int, len(l.used))}
	for k, v := range l.used {
		st.UsedCount[k] = v
	}
	for id := range l.eligible {
		st.Eligible = append(st.Eligible, id)
	}
	sort.Strings(st.Eligible)
	for _, e := range l.retired {
		st.RetiredHistory = append(st.RetiredHistory, e)
	}
	sort.Slice(st.RetiredHistory, func(i, j int) bool {
		return st.RetiredHistory[i].At.Before(st.RetiredHistory[j].At)
	})
	return st
}

// Used returns the confirmed-submission count for an identity (0 if absent).
func (l *Ledger) Used(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[id]
}

// Increment is called exactly once per confirmed successful submission.
func (l *Ledger) Increment(id string) {
	l.mu.Lock()
	l.used[id]++
	l.mu.Unlock()
}

// AtCapacity reports whether an identity may accept more work.
func (l *Ledger) AtCapacity(id string, ceiling int) bool {
	if ceiling <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[id] >= ceiling
}

// Retire permanently denylists an identity. Retiring an identity that
// is already retired keeps the original entry.
func (l *Ledger) Retire(id, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.eligible, id)
	if _, ok := l.retired[id]; !ok {
		l.retired[id] = storage.RetiredEntry{ID: id, At: time.Now(), Reason: reason}
	}
}

func (l *Ledger) Retired(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.retired[id]
	return ok
}

// SetEligible replaces the eligible set (identities allowed to run).
func (l *Ledger) SetEligible(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eligible = make(map[string]bool, len(ids))
	for _, id := range ids {
		l.eligible[id] = true
	}
}

// EligibleSet returns a copy of the eligible set, with retired
// identities already excluded.
func (l *Ledger) EligibleSet() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]bool, len(l.eligible))
	for id := range l.eligible {
		if _, gone := l.retired[id]; gone {
			continue
		}
		out[id] = true
	}
	return out
}
