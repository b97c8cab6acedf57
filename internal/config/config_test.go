package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
logging:
  level: debug
  console: true
inputs:
  items_path: ./items.txt
  identities_path: ./ids.txt
  slots_path: ./slots.txt
  checkpoint_path: ./remaining.txt
storage:
  driver: file
  path: ./state.db
run:
  batch_size: 3
  verify_delay: 10s
  quota_ceiling: 20
`

func writeConfig(t *testing.T, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestLoadValidYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, validYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Run.BatchSize != 3 || cfg.Run.QuotaCeiling != 20 {
		t.Fatalf("run config = %+v", cfg.Run)
	}
	if cfg.Inputs.CheckpointPath != "./remaining.txt" {
		t.Fatalf("checkpoint path = %q", cfg.Inputs.CheckpointPath)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, validYAML+"\nbogus_section:\n  x: 1\n")
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestLoadRejectsMissingInputs(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, `
inputs:
  items_path: ./items.txt
storage:
  driver: none
`)
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for missing identities/slots paths")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, validYAML+"\n") // base is valid
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	cfg.Run.VerifyDelay = "ten seconds"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bad duration string")
	}
}

func TestNotifyValidation(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, validYAML+`
notify:
  enabled: true
  chat_id: 42
`)
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for notify without token")
	}
}

func TestRunDurationDefaults(t *testing.T) {
	t.Parallel()
	d, err := RunConfig{}.Durations()
	if err != nil {
		t.Fatalf("Durations error: %v", err)
	}
	if d.VerifyDelay != 30*time.Second {
		t.Fatalf("VerifyDelay default = %v", d.VerifyDelay)
	}
	if d.EstablishBackoff != 5*time.Second {
		t.Fatalf("EstablishBackoff default = %v", d.EstablishBackoff)
	}
	if d.CallTimeout != 90*time.Second {
		t.Fatalf("CallTimeout default = %v", d.CallTimeout)
	}
}

func TestMaintenanceSpecDefaults(t *testing.T) {
	t.Parallel()
	var m MaintenanceConfig
	if m.LedgerPersistSpec() != "@every 5s" {
		t.Fatalf("LedgerPersistSpec = %q", m.LedgerPersistSpec())
	}
	if m.EnrichCacheSaveSpec() != "@every 30s" {
		t.Fatalf("EnrichCacheSaveSpec = %q", m.EnrichCacheSaveSpec())
	}
	m.ProgressEmit = " @every 1s "
	if m.ProgressEmitSpec() != "@every 1s" {
		t.Fatalf("ProgressEmitSpec = %q", m.ProgressEmitSpec())
	}
}

func TestOutputDefaults(t *testing.T) {
	t.Parallel()
	var o OutputsConfig
	if o.LivePathOrDefault() != "./live.txt" || o.DiePathOrDefault() != "./die.txt" {
		t.Fatalf("defaults = %q / %q", o.LivePathOrDefault(), o.DiePathOrDefault())
	}
	o.LivePath = "/tmp/ok.txt"
	if o.LivePathOrDefault() != "/tmp/ok.txt" {
		t.Fatalf("explicit path ignored: %q", o.LivePathOrDefault())
	}
}

func TestJSONConfigAccepted(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"inputs":{"items_path":"a","identities_path":"b","slots_path":"c"},"storage":{"driver":"none","path":""}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Inputs.SlotsPath != "c" {
		t.Fatalf("slots path = %q", cfg.Inputs.SlotsPath)
	}
}
