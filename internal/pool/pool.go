package pool

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Slot is one network egress credential/endpoint pairing.
// Slots are stateless and reusable; health is discovered lazily by
// whoever tries to use one.
type Slot struct {
	Host string
	Port string
	User string
	Pass string
}

func (s Slot) Addr() string { return s.Host + ":" + s.Port }

func (s Slot) String() string {
	if s.User == "" {
		return s.Addr()
	}
	return s.User + "@" + s.Addr()
}

// Pool hands out slots round-robin with wraparound. It is an indexing
// function, not a checkout ledger: nothing is ever returned, and the
// same slot may be observed by Next() again after a full cycle.
type Pool struct {
	mu    sync.Mutex
	slots []Slot
	idx   int
}

// Load parses host:port:user:pass lines, one slot per line.
func Load(r io.Reader) (*Pool, error) {
	p := &Pool{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(strings.ReplaceAll(sc.Text(), "\r", ""))
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 4)
		if len(parts) < 2 {
			return nil, fmt.Errorf("pool: malformed slot line %q", line)
		}
		s := Slot{Host: parts[0], Port: parts[1]}
		if len(parts) > 2 {
			s.User = parts[2]
		}
		if len(parts) > 3 {
			s.Pass = parts[3]
		}
		p.slots = append(p.slots, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(p.slots) == 0 {
		return nil, fmt.Errorf("pool: no slots configured")
	}
	return p, nil
}

func LoadFile(path string) (*Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Next returns the next slot, wrapping to index 0 after the last.
func (p *Pool) Next() Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[p.idx%len(p.slots)]
	p.idx++
	return s
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
