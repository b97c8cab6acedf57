package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "proberunner/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadLedger(ctx context.Context) (LedgerState, bool, error) {
	if s == nil || s.db == nil {
		return LedgerState{}, false, ErrDisabled
	}
	st := LedgerState{UsedCount: map[string]int{}}
	found := false

	rows, err := s.db.QueryContext(ctx, `SELECT identity, used FROM ledger_used`)
	if err != nil {
		return st, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var used int
		if err := rows.Scan(&id, &used); err != nil {
			return st, false, err
		}
		st.UsedCount[id] = used
		found = true
	}
	if err := rows.Err(); err != nil {
		return st, false, err
	}

	erows, err := s.db.QueryContext(ctx, `SELECT identity FROM ledger_eligible ORDER BY identity`)
	if err != nil {
		return st, false, err
	}
	defer erows.Close()
	for erows.Next() {
		var id string
		if err := erows.Scan(&id); err != nil {
			return st, false, err
		}
		st.Eligible = append(st.Eligible, id)
		found = true
	}
	if err := erows.Err(); err != nil {
		return st, false, err
	}

	rrows, err := s.db.QueryContext(ctx, `SELECT identity, at, reason FROM ledger_retired ORDER BY at`)
	if err != nil {
		return st, false, err
	}
	defer rrows.Close()
	for rrows.Next() {
		var e RetiredEntry
		var at string
		if err := rrows.Scan(&e.ID, &at, &e.Reason); err != nil {
			return st, false, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		st.RetiredHistory = append(st.RetiredHistory, e)
		found = true
	}
	return st, found, rrows.Err()
}

func (s *sqliteStore) SaveLedger(ctx context.Context, st LedgerState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM ledger_used`, `DELETE FROM ledger_eligible`, `DELETE FROM ledger_retired`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	for id, used := range st.UsedCount {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_used(identity, used) VALUES(?,?)`, id, used); err != nil {
			return err
		}
	}
	for _, id := range st.Eligible {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_eligible(identity) VALUES(?)`, id); err != nil {
			return err
		}
	}
	for _, e := range st.RetiredHistory {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_retired(identity, at, reason) VALUES(?,?,?)`,
			e.ID, e.At.Format(time.RFC3339Nano), e.Reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendVerdict(ctx context.Context, rec VerdictRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verdicts(at, item, verdict, identity, marker, meta) VALUES(?,?,?,?,?,?)`,
		rec.At.Format(time.RFC3339Nano), rec.Item, rec.Verdict, nullStr(rec.Identity), nullStr(rec.Marker), nullStr(rec.MetaJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// MetaJSON renders verdict metadata for VerdictRecord.MetaJSON.
func MetaJSON(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
