package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"proberunner/internal/enrich"
	"proberunner/internal/identity"
	"proberunner/internal/ledger"
	"proberunner/internal/pool"
	"proberunner/internal/queue"
	"proberunner/internal/report"
	"proberunner/internal/session"
	"proberunner/internal/storage"
	"proberunner/internal/winslot"
	logx "proberunner/pkg/logx"
)

// ---- fakes ----

// fakeDriver scripts session behavior per identity.
type fakeDriver struct {
	mu sync.Mutex

	// establishErr, when set, decides the outcome of every Establish.
	establishErr func(identityID string, call int) error

	establishCalls int
	submits        map[string]int // identity -> successful submits

	liveItems     map[string]bool // marker key -> signal changes at verify
	removeFailKey string          // marker key whose removal always fails
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{submits: map[string]int{}, liveItems: map[string]bool{}}
}

func (d *fakeDriver) Establish(ctx context.Context, id identity.Identity, _ pool.Slot, _ winslot.Rect) (session.Session, error) {
	d.mu.Lock()
	d.establishCalls++
	call := d.establishCalls
	d.mu.Unlock()
	if d.establishErr != nil {
		if err := d.establishErr(id.ID, call); err != nil {
			return nil, err
		}
	}
	return &fakeSession{driver: d, identity: id.ID, markers: map[string]string{}}, nil
}

type fakeSession struct {
	driver   *fakeDriver
	identity string

	mu      sync.Mutex
	markers map[string]string // key -> verify-time signal
	last    session.Marker
}

const (
	sigSubmit  = "sig-a"
	sigChanged = "sig-b"
)

func (s *fakeSession) SubmitItem(ctx context.Context, item queue.WorkItem) error {
	s.driver.mu.Lock()
	s.driver.submits[s.identity]++
	live := s.driver.liveItems[item.Tail()]
	s.driver.mu.Unlock()

	verifySig := sigSubmit
	if live {
		verifySig = sigChanged
	}
	s.mu.Lock()
	s.markers[item.Tail()] = verifySig
	s.last = session.Marker{Key: item.Tail(), Signal: sigSubmit}
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) ExtractMarker(ctx context.Context) (session.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *fakeSession) ListMarkers(ctx context.Context) ([]session.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Marker, 0, len(s.markers))
	for k, sig := range s.markers {
		out = append(out, session.Marker{Key: k, Signal: sig})
	}
	return out, nil
}

func (s *fakeSession) RemoveByMarker(ctx context.Context, key string) error {
	s.driver.mu.Lock()
	failKey := s.driver.removeFailKey
	s.driver.mu.Unlock()
	if key == failKey {
		return session.E(session.KindTransient, "removal stuck")
	}
	s.mu.Lock()
	delete(s.markers, key)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Refresh(ctx context.Context) error { return nil }
func (s *fakeSession) Close()                            {}

// recordSink captures verdicts for assertions.
type recordSink struct {
	mu       sync.Mutex
	verdicts map[string]report.Verdict
}

func newRecordSink() *recordSink { return &recordSink{verdicts: map[string]report.Verdict{}} }

func (r *recordSink) OnVerdict(item string, v report.Verdict, _ enrich.Meta) {
	r.mu.Lock()
	r.verdicts[item] = v
	r.mu.Unlock()
}
func (r *recordSink) OnProgress(report.Progress) {}
func (r *recordSink) OnLog(string, string)       {}
func (r *recordSink) Close() error               { return nil }

func (r *recordSink) count(v report.Verdict) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.verdicts {
		if got == v {
			n++
		}
	}
	return n
}

// memStore counts ledger saves for the exactly-once shutdown check.
type memStore struct {
	mu     sync.Mutex
	saves  int
	state  storage.LedgerState
	loaded bool
}

func (m *memStore) LoadLedger(context.Context) (storage.LedgerState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.loaded, nil
}

func (m *memStore) SaveLedger(_ context.Context, st storage.LedgerState) error {
	m.mu.Lock()
	m.saves++
	m.state = st
	m.loaded = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) AppendVerdict(context.Context, storage.VerdictRecord) error { return nil }
func (m *memStore) Close() error                                               { return nil }

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// ---- harness ----

type harness struct {
	runner *Runner
	queue  *queue.Queue
	roster *identity.Roster
	ledger *ledger.Ledger
	sink   *recordSink
	store  *memStore
	driver *fakeDriver

	checkpointPath string
	identitiesPath string
}

func fastConfig() Config {
	return Config{
		BatchSize:           5,
		VerifyDelay:         time.Millisecond,
		QuotaCeiling:        5,
		MaxEstablishRetries: 3,
		EstablishBackoff:    time.Millisecond,
		MaxSubmitAttempts:   2,
		SubmitRetryDelay:    time.Millisecond,
		MaxExtractAttempts:  2,
		MaxRemoveAttempts:   3,
		MaxClearAttempts:    2,
		CallTimeout:         time.Second,
	}
}

func testItem(i int) string {
	return fmt.Sprintf("4%015d|12|2030|123", i)
}

func newHarness(t *testing.T, cfg Config, driver *fakeDriver, items int, identities []string) *harness {
	t.Helper()
	dir := t.TempDir()

	var lines []string
	for i := 0; i < items; i++ {
		lines = append(lines, testItem(i))
	}
	q, _, err := queue.Load(strings.NewReader(strings.Join(lines, "\n")), time.Now())
	if err != nil {
		t.Fatalf("queue.Load: %v", err)
	}

	idPath := filepath.Join(dir, "identities.txt")
	var idLines []string
	for _, id := range identities {
		idLines = append(idLines, id+"|secret-"+id)
	}
	if err := os.WriteFile(idPath, []byte(strings.Join(idLines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write identities: %v", err)
	}
	roster, err := identity.LoadFile(idPath, nil)
	if err != nil {
		t.Fatalf("identity.LoadFile: %v", err)
	}

	slots, err := pool.Load(strings.NewReader("127.0.0.1:1080:u:p\n"))
	if err != nil {
		t.Fatalf("pool.Load: %v", err)
	}

	led := ledger.New()
	led.SetEligible(identities)
	sink := newRecordSink()
	store := &memStore{}

	checkpoint := filepath.Join(dir, "remaining.txt")
	runner, err := New(cfg, Deps{
		Queue:          q,
		Roster:         roster,
		Slots:          slots,
		Windows:        winslot.New(winslot.Config{}),
		Ledger:         led,
		Driver:         driver,
		Sink:           sink,
		Store:          store,
		Log:            logx.Nop(),
		CheckpointPath: checkpoint,
		IdentitiesPath: idPath,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{
		runner:         runner,
		queue:          q,
		roster:         roster,
		ledger:         led,
		sink:           sink,
		store:          store,
		driver:         driver,
		checkpointPath: checkpoint,
		identitiesPath: idPath,
	}
}

func runToCompletion(t *testing.T, h *harness) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.runner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.runner.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

// ---- tests ----

func TestQuotaRotationAcrossIdentities(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	h := newHarness(t, fastConfig(), driver, 10, []string{"id1", "id2"})
	runToCompletion(t, h)

	if got := driver.submits["id1"]; got != 5 {
		t.Fatalf("id1 submits = %d, want exactly 5 (quota ceiling)", got)
	}
	if got := driver.submits["id2"]; got != 5 {
		t.Fatalf("id2 submits = %d, want 5", got)
	}
	if h.queue.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", h.queue.Remaining())
	}
	if h.ledger.Used("id1") != 5 {
		t.Fatalf("ledger Used(id1) = %d, want 5", h.ledger.Used("id1"))
	}
}

func TestVerdictRule(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	// Items 0 and 2 change their signal after submit; the rest stay.
	driver.liveItems[queue.WorkItem{Number: strings.TrimSuffix(testItem(0), "|12|2030|123")}.Tail()] = true
	driver.liveItems[queue.WorkItem{Number: strings.TrimSuffix(testItem(2), "|12|2030|123")}.Tail()] = true

	h := newHarness(t, fastConfig(), driver, 5, []string{"id1"})
	runToCompletion(t, h)

	if got := h.sink.count(report.VerdictLive); got != 2 {
		t.Fatalf("live verdicts = %d, want 2", got)
	}
	if got := h.sink.count(report.VerdictDie); got != 3 {
		t.Fatalf("die verdicts = %d, want 3", got)
	}
}

func TestEstablishRetriesBounded(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	driver.establishErr = func(string, int) error {
		return session.E(session.KindTransient, "egress unreachable")
	}
	cfg := fastConfig()
	h := newHarness(t, cfg, driver, 5, []string{"id1", "id2"})
	runToCompletion(t, h)

	want := cfg.MaxEstablishRetries * 2
	if driver.establishCalls != want {
		t.Fatalf("establish calls = %d, want %d (bounded per identity)", driver.establishCalls, want)
	}
	// No session was ever established, so nothing was submitted.
	if len(driver.submits) != 0 {
		t.Fatalf("submits = %v, want none", driver.submits)
	}
	if h.queue.Remaining() != 5 {
		t.Fatalf("Remaining = %d, want untouched 5", h.queue.Remaining())
	}
}

func TestAuthLockedRetiresIdentity(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	driver.establishErr = func(id string, _ int) error {
		if id == "id1" {
			return session.E(session.KindAuthLocked, "account suspended")
		}
		return nil
	}
	h := newHarness(t, fastConfig(), driver, 5, []string{"id1", "id2"})
	runToCompletion(t, h)

	if !h.ledger.Retired("id1") {
		t.Fatal("locked identity not retired in ledger")
	}
	if h.ledger.EligibleSet()["id1"] {
		t.Fatal("retired identity still in eligible set")
	}
	content, err := os.ReadFile(h.identitiesPath)
	if err != nil {
		t.Fatalf("read identities: %v", err)
	}
	if strings.Contains(string(content), "id1|") {
		t.Fatalf("identities file still lists retired identity:\n%s", content)
	}
	if got := driver.submits["id2"]; got != 5 {
		t.Fatalf("id2 submits = %d, want 5 (run continues)", got)
	}
}

func TestRemovalFailureSkipsVerdict(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	stuck := queue.WorkItem{Number: strings.TrimSuffix(testItem(1), "|12|2030|123")}.Tail()
	driver.removeFailKey = stuck

	cfg := fastConfig()
	cfg.RequeueDropped = true
	h := newHarness(t, cfg, driver, 5, []string{"id1"})
	runToCompletion(t, h)

	total := h.sink.count(report.VerdictLive) + h.sink.count(report.VerdictDie)
	if total != 4 {
		t.Fatalf("verdicts = %d, want 4 (stuck item skipped)", total)
	}
	p := h.runner.Progress()
	if p.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", p.Dropped)
	}
	content, err := os.ReadFile(h.checkpointPath)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if !strings.Contains(string(content), testItem(1)) {
		t.Fatalf("requeued item missing from checkpoint:\n%s", content)
	}
}

func TestFinalPersistExactlyOnce(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	h := newHarness(t, fastConfig(), driver, 5, []string{"id1"})
	runToCompletion(t, h)

	if got := h.store.saveCount(); got != 1 {
		t.Fatalf("ledger saves after Wait = %d, want 1", got)
	}
	ctx := context.Background()
	if err := h.runner.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.runner.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := h.store.saveCount(); got != 1 {
		t.Fatalf("ledger saves after repeated Stop = %d, want still 1", got)
	}
	if _, err := os.Stat(h.checkpointPath); err != nil {
		t.Fatalf("final checkpoint missing: %v", err)
	}
}

func TestStopCancelsMidRun(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	cfg := fastConfig()
	cfg.VerifyDelay = time.Hour // park the worker in the verify wait
	h := newHarness(t, cfg, driver, 10, []string{"id1", "id2"})

	ctx := context.Background()
	if err := h.runner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for driver.submitCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.runner.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.store.saveCount(); got != 1 {
		t.Fatalf("ledger saves after Stop = %d, want 1", got)
	}
}

func (d *fakeDriver) submitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.submits {
		n += c
	}
	return n
}

func TestConfigHotApply(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	h := newHarness(t, fastConfig(), driver, 0, []string{"id1"})

	cfg := fastConfig()
	cfg.BatchSize = 9
	h.runner.ApplyConfig(cfg)
	if got := h.runner.config().BatchSize; got != 9 {
		t.Fatalf("BatchSize after ApplyConfig = %d, want 9", got)
	}
	// Zero values fall back to defaults.
	h.runner.ApplyConfig(Config{})
	if got := h.runner.config().QuotaCeiling; got != 80 {
		t.Fatalf("QuotaCeiling default = %d, want 80", got)
	}
}
