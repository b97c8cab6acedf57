package report

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"proberunner/internal/enrich"
	"proberunner/internal/eventbus"
	logx "proberunner/pkg/logx"
)

// Verdict is the terminal classification of one work item.
type Verdict string

const (
	VerdictLive Verdict = "LIVE"
	VerdictDie  Verdict = "DIE"
)

// Progress is a point-in-time summary of the run.
type Progress struct {
	Total     int       `json:"total"`
	Live      int       `json:"live"`
	Die       int       `json:"die"`
	Dropped   int       `json:"dropped"`
	Remaining int       `json:"remaining"`
	At        time.Time `json:"at"`
}

// Sink receives run output. Implementations must be safe for
// concurrent use; workers call OnVerdict from their own goroutines.
type Sink interface {
	OnVerdict(item string, verdict Verdict, meta enrich.Meta)
	OnProgress(p Progress)
	OnLog(level, msg string)
	Close() error
}

// Multi fans out to several sinks in order.
type Multi []Sink

func (m Multi) OnVerdict(item string, verdict Verdict, meta enrich.Meta) {
	for _, s := range m {
		s.OnVerdict(item, verdict, meta)
	}
}

func (m Multi) OnProgress(p Progress) {
	for _, s := range m {
		s.OnProgress(p)
	}
}

func (m Multi) OnLog(level, msg string) {
	for _, s := range m {
		s.OnLog(level, msg)
	}
}

func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes verdicts and progress to the structured log.
type LogSink struct {
	Log logx.Logger
}

func (s *LogSink) OnVerdict(item string, verdict Verdict, meta enrich.Meta) {
	fields := []logx.Field{logx.String("item", tail(item)), logx.String("verdict", string(verdict))}
	mf := meta.Fields()
	for _, k := range sortedKeys(mf) {
		fields = append(fields, logx.String(k, mf[k]))
	}
	if verdict == VerdictLive {
		s.Log.Info("item live", fields...)
		return
	}
	s.Log.Debug("item die", fields...)
}

func (s *LogSink) OnProgress(p Progress) {
	s.Log.Info("progress",
		logx.Int("total", p.Total),
		logx.Int("live", p.Live),
		logx.Int("die", p.Die),
		logx.Int("dropped", p.Dropped),
		logx.Int("remaining", p.Remaining))
}

func (s *LogSink) OnLog(level, msg string) {
	switch level {
	case "error":
		s.Log.Error(msg)
	case "warn":
		s.Log.Warn(msg)
	default:
		s.Log.Info(msg)
	}
}

func (s *LogSink) Close() error { return nil }

// FileSink appends verdicts to per-outcome line files, one item per
// line, "RAW|k=v|k=v" with enrichment fields when present.
type FileSink struct {
	mu       sync.Mutex
	live     *bufio.Writer
	die      *bufio.Writer
	liveFile *os.File
	dieFile  *os.File
}

func NewFileSink(livePath, diePath string) (*FileSink, error) {
	lf, err := os.OpenFile(livePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", livePath, err)
	}
	df, err := os.OpenFile(diePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lf.Close()
		return nil, fmt.Errorf("report: open %s: %w", diePath, err)
	}
	return &FileSink{
		live:     bufio.NewWriter(lf),
		die:      bufio.NewWriter(df),
		liveFile: lf,
		dieFile:  df,
	}, nil
}

func (s *FileSink) OnVerdict(item string, verdict Verdict, meta enrich.Meta) {
	line := formatLine(item, meta)
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.die
	if verdict == VerdictLive {
		w = s.live
	}
	w.WriteString(line)
	w.WriteByte('\n')
	// Flush per verdict. Throughput is session-bound, not disk-bound,
	// and a crash must not lose confirmed outcomes.
	w.Flush()
}

func (s *FileSink) OnProgress(Progress) {}

func (s *FileSink) OnLog(string, string) {}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live.Flush()
	s.die.Flush()
	err1 := s.liveFile.Close()
	err2 := s.dieFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func formatLine(item string, meta enrich.Meta) string {
	parts := []string{item}
	f := meta.Fields()
	for _, k := range sortedKeys(f) {
		parts = append(parts, k+"="+f[k])
	}
	return strings.Join(parts, "|")
}

// BusSink publishes verdicts and progress on the event bus for
// in-process subscribers (notifier, diagnostics).
type BusSink struct {
	Bus eventbus.Bus
}

func (s *BusSink) OnVerdict(item string, verdict Verdict, meta enrich.Meta) {
	data := map[string]any{
		"item":    tail(item),
		"verdict": string(verdict),
	}
	for k, v := range meta.Fields() {
		data[k] = v
	}
	s.Bus.Publish(eventbus.Event{
		Type: eventbus.TypeVerdict,
		Time: time.Now(),
		Data: data,
	})
}

func (s *BusSink) OnProgress(p Progress) {
	s.Bus.Publish(eventbus.Event{
		Type: eventbus.TypeProgress,
		Time: time.Now(),
		Data: p,
	})
}

func (s *BusSink) OnLog(level, msg string) {
	s.Bus.Publish(eventbus.Event{
		Type: eventbus.TypeLog,
		Time: time.Now(),
		Data: map[string]any{"level": level, "msg": msg},
	})
}

func (s *BusSink) Close() error { return nil }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tail keeps logs and events from carrying full item payloads.
func tail(item string) string {
	raw := item
	if i := strings.IndexByte(raw, '|'); i > 0 {
		raw = raw[:i]
	}
	if len(raw) <= 4 {
		return raw
	}
	return "..." + raw[len(raw)-4:]
}
