// Package maintenance runs the periodic housekeeping jobs: ledger
// snapshots, enrichment cache saves, and progress emission.
package maintenance

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"proberunner/internal/enrich"
	"proberunner/internal/orchestrator"
	"proberunner/internal/report"
	logx "proberunner/pkg/logx"
)

type Config struct {
	LedgerPersistSpec   string
	EnrichCacheSaveSpec string
	ProgressEmitSpec    string
}

type Service struct {
	cron   *cron.Cron
	log    logx.Logger
	runner *orchestrator.Runner
	enrich *enrich.Service
	sink   report.Sink
}

func New(cfg Config, runner *orchestrator.Runner, enr *enrich.Service, sink report.Sink, log logx.Logger) (*Service, error) {
	s := &Service{
		cron:   cron.New(cron.WithSeconds()),
		log:    log,
		runner: runner,
		enrich: enr,
		sink:   sink,
	}

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"ledger_persist", cfg.LedgerPersistSpec, s.persistLedger},
		{"enrich_cache_save", cfg.EnrichCacheSaveSpec, s.saveEnrichCache},
		{"progress_emit", cfg.ProgressEmitSpec, s.emitProgress},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return nil, fmt.Errorf("maintenance: schedule %s (%q): %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

func (s *Service) Start() { s.cron.Start() }

// Stop halts scheduling and flushes each job one last time so nothing
// sits unpersisted between the final tick and process exit.
func (s *Service) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.persistLedger()
	s.saveEnrichCache()
}

func (s *Service) persistLedger() {
	err := s.runner.PersistLedger(context.Background())
	if err != nil && !errors.Is(err, orchestrator.ErrNoStore) {
		s.log.Warn("ledger persist failed", logx.Err(err))
	}
}

func (s *Service) saveEnrichCache() {
	if !s.enrich.Enabled() {
		return
	}
	if err := s.enrich.SaveCache(); err != nil {
		s.log.Warn("enrich cache save failed", logx.Err(err))
	}
}

func (s *Service) emitProgress() {
	s.sink.OnProgress(s.runner.Progress())
}
