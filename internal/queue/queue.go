package queue

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// WorkItem is one unit of probe input, parsed from a pipe-delimited line.
// The raw line is the item's stable identity and is what gets checkpointed.
type WorkItem struct {
	Raw    string
	Number string
	Month  string
	Year   string
	Code   string
}

// Tail returns the last four characters of the item number, for logs.
func (w WorkItem) Tail() string {
	n := w.Number
	if n == "" {
		n = w.Raw
	}
	if len(n) <= 4 {
		return n
	}
	return n[len(n)-4:]
}

// LoadStats summarizes what happened during Load.
type LoadStats struct {
	Total            int // items accepted into the queue
	SkippedMalformed int // lines with fewer than 3 fields
	FilteredExpired  int // items whose month/year validity has passed
}

// Queue is an ordered, append-only list of work items with a
// monotonically advancing cursor. Batch claiming is serialized through
// a single mutex; the items themselves are immutable after Load.
type Queue struct {
	mu      sync.Mutex
	items   []WorkItem
	cursor  int
	dropped []WorkItem
}

// Load parses one item per line. Lines with at least 3 fields are
// parsed fully and filtered for expiry; shorter lines are counted as
// malformed and skipped. Blank lines are ignored.
//
// The loader is deliberately lenient beyond the field-count check:
// non-numeric months/years and odd field contents are kept as-is, the
// driver is the one that finds out.
func Load(r io.Reader, now time.Time) (*Queue, LoadStats, error) {
	q := &Queue{}
	var stats LoadStats

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(strings.ReplaceAll(sc.Text(), "\r", ""))
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			stats.SkippedMalformed++
			continue
		}
		it := WorkItem{Raw: line, Number: parts[0], Month: parts[1], Year: parts[2]}
		if len(parts) > 3 {
			it.Code = parts[3]
		}
		if expired(it.Month, it.Year, now) {
			stats.FilteredExpired++
			continue
		}
		q.items = append(q.items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, stats, err
	}
	stats.Total = len(q.items)
	return q, stats, nil
}

// LoadFile is Load over a file path.
func LoadFile(path string, now time.Time) (*Queue, LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, LoadStats{}, err
	}
	defer f.Close()
	return Load(f, now)
}

// expired reports whether the month/year validity window is in the past.
// Two-digit years are treated as 20xx. Unparseable fields never expire
// an item; lenient loading wins over strictness here.
func expired(month, year string, now time.Time) bool {
	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil {
		return false
	}
	if len(strings.TrimSpace(year)) == 2 {
		y += 2000
	}
	m, err := strconv.Atoi(strings.TrimSpace(month))
	if err != nil || m < 1 || m > 12 {
		return false
	}
	if y < now.Year() {
		return true
	}
	if y == now.Year() && m < int(now.Month()) {
		return true
	}
	return false
}

// TakeBatch claims up to n items, advancing the cursor atomically.
// exhausted is true once the cursor has passed the end of the list.
func (q *Queue) TakeBatch(n int) (items []WorkItem, exhausted bool) {
	if n <= 0 {
		return nil, q.Remaining() == 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cursor >= len(q.items) {
		return nil, true
	}
	end := q.cursor + n
	if end >= len(q.items) {
		end = len(q.items)
		exhausted = true
	}
	items = q.items[q.cursor:end]
	q.cursor = end
	return items, exhausted
}

// Remaining is max(0, total-cursor).
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor >= len(q.items) {
		return 0
	}
	return len(q.items) - q.cursor
}

// Total is the number of items accepted at load time.
func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Requeue records a dropped item so PersistRemaining writes it back
// into the checkpoint for a later run. Consumed-cursor accounting is
// unaffected; requeued items are only ever seen by the next run.
func (q *Queue) Requeue(it WorkItem) {
	q.mu.Lock()
	q.dropped = append(q.dropped, it)
	q.mu.Unlock()
}

// PersistRemaining writes all unconsumed items (plus any requeued
// drops), one raw line each, to path. The write is atomic (tmp+rename)
// so a crash mid-write never truncates the previous checkpoint.
//
// Known gap carried from the original design: items already submitted
// but not yet verified at crash time are not in this file and are lost.
func (q *Queue) PersistRemaining(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	q.mu.Lock()
	lines := make([]string, 0, len(q.items)-q.cursor+len(q.dropped))
	for _, it := range q.items[min(q.cursor, len(q.items)):] {
		lines = append(lines, it.Raw)
	}
	for _, it := range q.dropped {
		lines = append(lines, it.Raw)
	}
	q.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
