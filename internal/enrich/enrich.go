package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "proberunner/pkg/logx"
)

// Meta is the optional issuer/network metadata attached to verdict
// reports. All fields may be empty; enrichment never blocks a verdict.
type Meta struct {
	Scheme      string `json:"scheme,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Tier        string `json:"tier,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	Country     string `json:"country,omitempty"`
	Issuer      string `json:"issuer,omitempty"`
}

func (m Meta) Fields() map[string]string {
	out := map[string]string{}
	if m.Scheme != "" {
		out["scheme"] = m.Scheme
	}
	if m.Kind != "" {
		out["kind"] = m.Kind
	}
	if m.Tier != "" {
		out["tier"] = m.Tier
	}
	if m.CountryCode != "" {
		out["country_code"] = m.CountryCode
	}
	if m.Country != "" {
		out["country"] = m.Country
	}
	if m.Issuer != "" {
		out["issuer"] = m.Issuer
	}
	return out
}

type Config struct {
	Enabled    bool
	BaseURL    string
	CachePath  string
	RatePerSec int
	Timeout    time.Duration
}

// Service looks up item metadata by number prefix against an external
// API, with a persistent prefix-keyed cache and a request rate limit.
// Lookups are best-effort: on any failure the zero Meta is returned.
type Service struct {
	cfg     Config
	log     logx.Logger
	http    *http.Client
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[string]Meta
	dirty bool
}

const prefixLen = 6

func New(cfg Config, log logx.Logger) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		cache:   map[string]Meta{},
	}
	s.loadCache()
	return s
}

func (s *Service) Enabled() bool { return s != nil && s.cfg.Enabled }

// Lookup returns metadata for the given item number. Cache first, then
// one rate-limited API call. Failure is logged at debug and swallowed.
func (s *Service) Lookup(ctx context.Context, number string) Meta {
	if !s.Enabled() {
		return Meta{}
	}
	key := prefix(number)
	if key == "" {
		return Meta{}
	}

	s.mu.Lock()
	if m, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return m
	}
	s.mu.Unlock()

	m, err := s.fetch(ctx, key)
	if err != nil {
		s.log.Debug("enrich lookup failed", logx.String("prefix", key), logx.Err(err))
		return Meta{}
	}

	s.mu.Lock()
	s.cache[key] = m
	s.dirty = true
	s.mu.Unlock()
	return m
}

type apiResponse struct {
	Status      string `json:"status"`
	Scheme      string `json:"scheme"`
	Kind        string `json:"kind"`
	Tier        string `json:"tier"`
	CountryCode string `json:"country_code"`
	Country     string `json:"country"`
	Issuer      string `json:"issuer"`
}

func (s *Service) fetch(ctx context.Context, key string) (Meta, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Meta{}, err
	}
	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/" + key
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Meta{}, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return Meta{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Meta{}, fmt.Errorf("enrich: unexpected status %d", resp.StatusCode)
	}
	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return Meta{}, err
	}
	if ar.Status != "" && !strings.EqualFold(ar.Status, "success") {
		return Meta{}, fmt.Errorf("enrich: lookup status %q", ar.Status)
	}
	return Meta{
		Scheme:      ar.Scheme,
		Kind:        ar.Kind,
		Tier:        ar.Tier,
		CountryCode: ar.CountryCode,
		Country:     ar.Country,
		Issuer:      ar.Issuer,
	}, nil
}

func prefix(number string) string {
	n := strings.TrimSpace(number)
	if len(n) < prefixLen {
		return ""
	}
	return n[:prefixLen]
}

func (s *Service) loadCache() {
	path := strings.TrimSpace(s.cfg.CachePath)
	if path == "" {
		return
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		s.log.Warn("enrich cache load failed", logx.String("path", path), logx.Err(err))
		return
	}
	var m map[string]Meta
	if err := json.Unmarshal(b, &m); err != nil {
		s.log.Warn("enrich cache corrupt; starting empty", logx.String("path", path), logx.Err(err))
		return
	}
	s.mu.Lock()
	s.cache = m
	s.mu.Unlock()
}

// SaveCache writes the cache if it changed since the last save.
// Called on a schedule and once at shutdown.
func (s *Service) SaveCache() error {
	if s == nil {
		return nil
	}
	path := strings.TrimSpace(s.cfg.CachePath)
	if path == "" {
		return nil
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	b, err := json.Marshal(s.cache)
	s.dirty = false
	s.mu.Unlock()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// CacheSize is exposed for diagnostics.
func (s *Service) CacheSize() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}
