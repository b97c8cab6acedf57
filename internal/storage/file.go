package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "proberunner/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.ledger.json    (full snapshot, rewritten atomically)
//   - <prefix>.verdicts.jsonl (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	ledgerPath   string
	verdictsFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	vf, err := os.OpenFile(prefix+".verdicts.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		ledgerPath:   prefix + ".ledger.json",
		verdictsFile: vf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verdictsFile != nil {
		err := s.verdictsFile.Close()
		s.verdictsFile = nil
		return err
	}
	return nil
}

func (s *fileStore) LoadLedger(ctx context.Context) (LedgerState, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.ledgerPath)
	if errors.Is(err, os.ErrNotExist) {
		return LedgerState{}, false, nil
	}
	if err != nil {
		return LedgerState{}, false, err
	}
	var st LedgerState
	if err := json.Unmarshal(b, &st); err != nil {
		return LedgerState{}, false, err
	}
	if st.UsedCount == nil {
		st.UsedCount = map[string]int{}
	}
	return st, true, nil
}

func (s *fileStore) SaveLedger(ctx context.Context, st LedgerState) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.ledgerPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.ledgerPath)
}

func (s *fileStore) AppendVerdict(ctx context.Context, rec VerdictRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verdictsFile == nil {
		return errors.New("verdicts file closed")
	}
	return json.NewEncoder(s.verdictsFile).Encode(rec)
}
