package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"proberunner/internal/enrich"
	"proberunner/internal/report"
	logx "proberunner/pkg/logx"
)

type Config struct {
	Token      string
	ChatID     int64
	RatePerSec int
	QueueSize  int
}

// Telegram forwards live verdicts and periodic progress to a chat.
// It implements report.Sink. Delivery is best-effort: the queue is
// bounded and messages are dropped rather than backpressuring workers.
type Telegram struct {
	bot     *tele.Bot
	chat    tele.Recipient
	log     logx.Logger
	limiter *rate.Limiter

	queue chan string

	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	dropped int
	mu      sync.Mutex
}

func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: nil, // send-only, no update loop
	})
	if err != nil {
		return nil, fmt.Errorf("notify: telegram init: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Telegram{
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		queue:   make(chan string, cfg.QueueSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go t.run(ctx)
	return t, nil
}

func (t *Telegram) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-t.queue:
			if !ok {
				return
			}
			if err := t.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := t.bot.Send(t.chat, msg, tele.ModeHTML); err != nil {
				t.log.Warn("telegram send failed", logx.Err(err))
			}
		}
	}
}

func (t *Telegram) enqueue(msg string) {
	select {
	case t.queue <- msg:
	default:
		t.mu.Lock()
		t.dropped++
		n := t.dropped
		t.mu.Unlock()
		t.log.Debug("telegram queue full, message dropped", logx.Int("dropped_total", n))
	}
}

// OnVerdict notifies live hits only; the chat is a signal channel,
// not an audit trail.
func (t *Telegram) OnVerdict(item string, verdict report.Verdict, meta enrich.Meta) {
	if verdict != report.VerdictLive {
		return
	}
	var b strings.Builder
	b.WriteString("<b>LIVE</b> <code>")
	b.WriteString(escape(item))
	b.WriteString("</code>")
	f := meta.Fields()
	if len(f) > 0 {
		b.WriteString("\n")
		if v := f["scheme"]; v != "" {
			b.WriteString(escape(v))
			b.WriteString(" ")
		}
		if v := f["kind"]; v != "" {
			b.WriteString(escape(v))
			b.WriteString(" ")
		}
		if v := f["country"]; v != "" {
			b.WriteString(escape(v))
		}
	}
	t.enqueue(b.String())
}

func (t *Telegram) OnProgress(p report.Progress) {
	// Progress spam is throttled by only reporting round milestones.
	done := p.Live + p.Die + p.Dropped
	if done == 0 || done%50 != 0 {
		return
	}
	t.enqueue(fmt.Sprintf("progress: %d/%d done, %d live, %d die, %d remaining",
		done, p.Total, p.Live, p.Die, p.Remaining))
}

// OnLog forwards error-level events only. Everything else belongs in
// the process log, not a chat.
func (t *Telegram) OnLog(level, msg string) {
	if level != "error" {
		return
	}
	t.enqueue("<b>error</b> " + escape(msg))
}

// Close stops the sender. Queued messages not yet sent are discarded
// after a short drain window.
func (t *Telegram) Close() error {
	t.once.Do(func() {
		close(t.queue)
		select {
		case <-t.done:
		case <-time.After(3 * time.Second):
		}
		t.cancel()
	})
	return nil
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
