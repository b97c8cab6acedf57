package identity

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"
)

// Identity is an authenticated principal used to establish sessions.
// Read-only for the run; quota bookkeeping lives in the ledger.
type Identity struct {
	Raw            string
	ID             string
	Secret         string
	RotationSecret string
}

// Roster is the eligible identity list with a single shared cursor.
// All workers pull from the same cursor under one mutex, mirroring the
// work queue's claim discipline.
type Roster struct {
	mu      sync.Mutex
	ids     []Identity
	cursor  int
	retired map[string]bool
	skipped int // lines filtered out as ineligible or malformed
}

// Load parses id|secret|rotationSecret lines and keeps only identities
// present in the eligible set. An empty eligible set means no filter
// has been persisted yet, so every identity participates.
func Load(r io.Reader, eligible map[string]bool) (*Roster, error) {
	ro := &Roster{retired: map[string]bool{}}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(strings.ReplaceAll(sc.Text(), "\r", ""))
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 2 {
			ro.skipped++
			continue
		}
		id := Identity{Raw: line, ID: parts[0], Secret: parts[1]}
		if len(parts) > 2 {
			id.RotationSecret = parts[2]
		}
		if len(eligible) > 0 && !eligible[id.ID] {
			ro.skipped++
			continue
		}
		ro.ids = append(ro.ids, id)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ro, nil
}

func LoadFile(path string, eligible map[string]bool) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, eligible)
}

// Next pops the next non-retired identity from the shared cursor.
// ok=false means the roster is exhausted: the caller's worker is done.
func (r *Roster) Next() (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.cursor < len(r.ids) {
		id := r.ids[r.cursor]
		r.cursor++
		if r.retired[id.ID] {
			continue
		}
		return id, true
	}
	return Identity{}, false
}

// Retire marks an identity so it is never handed out again this run.
// Idempotent.
func (r *Roster) Retire(id string) {
	r.mu.Lock()
	r.retired[id] = true
	r.mu.Unlock()
}

// Remaining counts identities not yet claimed by the cursor.
func (r *Roster) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := r.cursor; i < len(r.ids); i++ {
		if !r.retired[r.ids[i].ID] {
			n++
		}
	}
	return n
}

func (r *Roster) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// IDs lists every loaded identity ID, including retired ones.
func (r *Roster) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, id.ID)
	}
	return out
}

func (r *Roster) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// RewriteSource rewrites the identity source file without retired
// identities, so a locked identity stays gone across runs. Removing an
// identity that is already absent is a no-op. The write is atomic.
func (r *Roster) RewriteSource(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	r.mu.Lock()
	lines := make([]string, 0, len(r.ids))
	for _, id := range r.ids {
		if r.retired[id.ID] {
			continue
		}
		lines = append(lines, id.Raw)
	}
	r.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
