package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Inputs are the line-oriented source files loaded once at startup.
	Inputs InputsConfig `json:"inputs"`

	// Outputs are the line-oriented result files appended during the run.
	Outputs OutputsConfig `json:"outputs,omitempty"`

	// Storage persists the quota ledger and the verdict audit trail.
	Storage StorageConfig `json:"storage"`

	// Run controls the orchestration core (workers, batching, retries).
	Run RunConfig `json:"run"`

	// Window controls the session window grid handed to the driver.
	Window WindowConfig `json:"window,omitempty"`

	Enrich *EnrichConfig `json:"enrich,omitempty"`
	Notify *NotifyConfig `json:"notify,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // trace|debug|info|warn|error
	Console *bool  `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// InputsConfig names the source files.
//
// Items and identities are pipe-delimited, slots are colon-delimited
// (host:port:user:pass), one record per line.
type InputsConfig struct {
	ItemsPath      string `json:"items_path"`
	IdentitiesPath string `json:"identities_path"`
	SlotsPath      string `json:"slots_path"`

	// CheckpointPath receives the unconsumed items after every verified
	// batch so an interrupted run can resume without re-submitting.
	CheckpointPath string `json:"checkpoint_path,omitempty"`
}

// OutputsConfig names the verdict result files. Empty paths fall back
// to ./live.txt and ./die.txt next to the binary.
type OutputsConfig struct {
	LivePath string `json:"live_path,omitempty"`
	DiePath  string `json:"die_path,omitempty"`
}

func (o OutputsConfig) LivePathOrDefault() string {
	if s := strings.TrimSpace(o.LivePath); s != "" {
		return s
	}
	return "./live.txt"
}

func (o OutputsConfig) DiePathOrDefault() string {
	if s := strings.TrimSpace(o.DiePath); s != "" {
		return s
	}
	return "./die.txt"
}

type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RunConfig controls the orchestrator.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: one per resource slot
//   - batch_size: 5
//   - verify_delay: "30s"
//   - quota_ceiling: 80
//   - max_establish_retries: 3
//   - establish_backoff: "5s"
//   - max_submit_attempts: 5
//   - submit_retry_delay: "5s"
//   - max_extract_attempts: 3
//   - max_remove_attempts: 3
//   - max_clear_attempts: 15
//   - call_timeout: "90s"
type RunConfig struct {
	Workers int `json:"workers,omitempty"`

	BatchSize    int    `json:"batch_size,omitempty"`
	VerifyDelay  string `json:"verify_delay,omitempty"`
	QuotaCeiling int    `json:"quota_ceiling,omitempty"`

	MaxEstablishRetries int    `json:"max_establish_retries,omitempty"`
	EstablishBackoff    string `json:"establish_backoff,omitempty"`

	MaxSubmitAttempts int    `json:"max_submit_attempts,omitempty"`
	SubmitRetryDelay  string `json:"submit_retry_delay,omitempty"`
	MaxExtractAttempts int   `json:"max_extract_attempts,omitempty"`
	MaxRemoveAttempts  int   `json:"max_remove_attempts,omitempty"`
	MaxClearAttempts   int   `json:"max_clear_attempts,omitempty"`

	// CallTimeout bounds every single driver call.
	CallTimeout string `json:"call_timeout,omitempty"`

	// RequeueDropped writes items dropped after retry exhaustion back
	// into the checkpoint file so a later run can retry them.
	// Default false: dropped items are reported and discarded.
	RequeueDropped bool `json:"requeue_dropped,omitempty"`
}

// WindowConfig describes the session window grid.
// Zero values fall back to a 2x4 grid on a 1920x1080 screen.
type WindowConfig struct {
	ScreenWidth  int `json:"screen_width,omitempty"`
	ScreenHeight int `json:"screen_height,omitempty"`
	Rows         int `json:"rows,omitempty"`
	Cols         int `json:"cols,omitempty"`
}

// EnrichConfig controls the optional item-metadata lookup used to
// decorate verdict reports. Disabled when the section is omitted.
type EnrichConfig struct {
	Enabled    bool   `json:"enabled"`
	BaseURL    string `json:"base_url,omitempty"`
	CachePath  string `json:"cache_path,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// NotifyConfig controls the optional Telegram verdict notifier.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}

// MaintenanceConfig holds the periodic housekeeping schedules.
// Values are cron specs with seconds ("@every 5s" works too).
type MaintenanceConfig struct {
	LedgerPersist   string `json:"ledger_persist,omitempty"`   // default "@every 5s"
	EnrichCacheSave string `json:"enrich_cache_save,omitempty"` // default "@every 30s"
	ProgressEmit    string `json:"progress_emit,omitempty"`     // default "@every 2s"
}

// Validate checks the parts that cannot be defaulted away.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Inputs.ItemsPath) == "" {
		return errors.New("inputs.items_path is required")
	}
	if strings.TrimSpace(c.Inputs.IdentitiesPath) == "" {
		return errors.New("inputs.identities_path is required")
	}
	if strings.TrimSpace(c.Inputs.SlotsPath) == "" {
		return errors.New("inputs.slots_path is required")
	}
	if c.Notify != nil && c.Notify.Enabled {
		if strings.TrimSpace(c.Notify.Token) == "" {
			return errors.New("notify.token is required when notify.enabled")
		}
		if c.Notify.ChatID == 0 {
			return errors.New("notify.chat_id is required when notify.enabled")
		}
	}
	if c.Enrich != nil && c.Enrich.Enabled && strings.TrimSpace(c.Enrich.BaseURL) == "" {
		return errors.New("enrich.base_url is required when enrich.enabled")
	}
	// Surface bad duration strings at load time, not mid-run.
	durations := map[string]string{
		"run.verify_delay":       c.Run.VerifyDelay,
		"run.establish_backoff":  c.Run.EstablishBackoff,
		"run.submit_retry_delay": c.Run.SubmitRetryDelay,
		"run.call_timeout":       c.Run.CallTimeout,
		"storage.busy_timeout":   c.Storage.BusyTimeout,
	}
	if c.Enrich != nil {
		durations["enrich.timeout"] = c.Enrich.Timeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}

// RunDurations resolves the run duration strings, applying defaults.
type RunDurations struct {
	VerifyDelay      time.Duration
	EstablishBackoff time.Duration
	SubmitRetryDelay time.Duration
	CallTimeout      time.Duration
}

func (r RunConfig) Durations() (RunDurations, error) {
	var out RunDurations
	var err error
	if out.VerifyDelay, err = ParseDurationOrDefault("run.verify_delay", r.VerifyDelay, 30*time.Second); err != nil {
		return out, err
	}
	if out.EstablishBackoff, err = ParseDurationOrDefault("run.establish_backoff", r.EstablishBackoff, 5*time.Second); err != nil {
		return out, err
	}
	if out.SubmitRetryDelay, err = ParseDurationOrDefault("run.submit_retry_delay", r.SubmitRetryDelay, 5*time.Second); err != nil {
		return out, err
	}
	if out.CallTimeout, err = ParseDurationOrDefault("run.call_timeout", r.CallTimeout, 90*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func (s StorageConfig) BusyTimeoutDuration() (time.Duration, error) {
	return ParseDurationField("storage.busy_timeout", s.BusyTimeout)
}

func (e EnrichConfig) TimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("enrich.timeout", e.Timeout, 10*time.Second)
}

func (m MaintenanceConfig) LedgerPersistSpec() string {
	return specOrDefault(m.LedgerPersist, "@every 5s")
}

func (m MaintenanceConfig) EnrichCacheSaveSpec() string {
	return specOrDefault(m.EnrichCacheSave, "@every 30s")
}

func (m MaintenanceConfig) ProgressEmitSpec() string {
	return specOrDefault(m.ProgressEmit, "@every 2s")
}

func specOrDefault(raw, def string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return def
}

func (c *Config) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("config{items=%s identities=%s slots=%s storage=%s}",
		c.Inputs.ItemsPath, c.Inputs.IdentitiesPath, c.Inputs.SlotsPath, c.Storage.Driver)
}
