package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	logx "proberunner/pkg/logx"
)

func lookupServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		json.NewEncoder(w).Encode(apiResponse{
			Status:  "success",
			Scheme:  "visa",
			Kind:    "debit",
			Country: "Indonesia",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLookupCachesByPrefix(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := lookupServer(t, &hits)

	s := New(Config{Enabled: true, BaseURL: srv.URL, RatePerSec: 100}, logx.Nop())
	ctx := context.Background()

	m := s.Lookup(ctx, "4111111111111111")
	if m.Scheme != "visa" || m.Country != "Indonesia" {
		t.Fatalf("meta = %+v", m)
	}
	// Same prefix, different tail: cache hit.
	s.Lookup(ctx, "4111119999999999")
	if hits.Load() != 1 {
		t.Fatalf("api hits = %d, want 1", hits.Load())
	}
	if s.CacheSize() != 1 {
		t.Fatalf("CacheSize = %d, want 1", s.CacheSize())
	}
}

func TestLookupDisabledAndShortNumber(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop())
	if m := s.Lookup(context.Background(), "4111111111111111"); m != (Meta{}) {
		t.Fatalf("disabled Lookup = %+v, want zero", m)
	}

	var nilService *Service
	if nilService.Enabled() {
		t.Fatal("nil service should be disabled")
	}

	srv := lookupServer(t, nil)
	s2 := New(Config{Enabled: true, BaseURL: srv.URL}, logx.Nop())
	if m := s2.Lookup(context.Background(), "411"); m != (Meta{}) {
		t.Fatalf("short number Lookup = %+v, want zero", m)
	}
}

func TestLookupFailureReturnsZero(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))
	t.Cleanup(srv.Close)

	s := New(Config{Enabled: true, BaseURL: srv.URL, RatePerSec: 100}, logx.Nop())
	if m := s.Lookup(context.Background(), "4111111111111111"); m != (Meta{}) {
		t.Fatalf("failed Lookup = %+v, want zero", m)
	}
	if s.CacheSize() != 0 {
		t.Fatal("failures must not be cached")
	}
}

func TestCacheSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	srv := lookupServer(t, nil)
	path := filepath.Join(t.TempDir(), "cache.json")

	s := New(Config{Enabled: true, BaseURL: srv.URL, CachePath: path, RatePerSec: 100}, logx.Nop())
	s.Lookup(context.Background(), "4111111111111111")
	if err := s.SaveCache(); err != nil {
		t.Fatalf("SaveCache error: %v", err)
	}

	// Second save with no changes must not rewrite.
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat cache: %v", err)
	}
	if err := s.SaveCache(); err != nil {
		t.Fatalf("idempotent SaveCache error: %v", err)
	}
	after, _ := os.Stat(path)
	if !after.ModTime().Equal(before.ModTime()) {
		t.Fatal("clean cache should not be rewritten")
	}

	s2 := New(Config{Enabled: true, BaseURL: "http://127.0.0.1:0", CachePath: path, RatePerSec: 100}, logx.Nop())
	if s2.CacheSize() != 1 {
		t.Fatalf("reloaded CacheSize = %d, want 1", s2.CacheSize())
	}
	m := s2.Lookup(context.Background(), "4111110000000000")
	if m.Scheme != "visa" {
		t.Fatalf("cached meta = %+v", m)
	}
}

func TestMetaFields(t *testing.T) {
	t.Parallel()
	m := Meta{Scheme: "visa", Country: "ID"}
	f := m.Fields()
	if f["scheme"] != "visa" || f["country"] != "ID" {
		t.Fatalf("Fields = %v", f)
	}
	if _, ok := f["issuer"]; ok {
		t.Fatal("empty fields must be omitted")
	}
}
