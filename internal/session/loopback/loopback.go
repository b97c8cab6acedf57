// Package loopback is a dry-run session driver. It accepts every
// submission and produces deterministic verdicts without touching any
// external system, which makes it useful for pipeline rehearsal and
// config validation. Production drivers are wired in by their own
// binaries through app.Options.
package loopback

import (
	"context"
	"sync"
	"time"

	"proberunner/internal/identity"
	"proberunner/internal/pool"
	"proberunner/internal/queue"
	"proberunner/internal/session"
	"proberunner/internal/winslot"
)

const (
	submitSignal  = "signal-0"
	changedSignal = "signal-1"
)

// Driver implements session.Driver. LiveEvery > 0 flips the signal of
// every Nth submission so downstream verdict handling sees both
// outcomes; zero means every item verifies unchanged.
type Driver struct {
	LiveEvery int
	Latency   time.Duration

	mu    sync.Mutex
	count int
}

func New(liveEvery int) *Driver {
	return &Driver{LiveEvery: liveEvery}
}

func (d *Driver) Establish(ctx context.Context, _ identity.Identity, _ pool.Slot, _ winslot.Rect) (session.Session, error) {
	if err := d.pause(ctx); err != nil {
		return nil, err
	}
	return &loopSession{driver: d, markers: map[string]string{}}, nil
}

func (d *Driver) pause(ctx context.Context) error {
	if d.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// nextIsLive counts submissions driver-wide so the live cadence holds
// across sessions and workers.
func (d *Driver) nextIsLive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	return d.LiveEvery > 0 && d.count%d.LiveEvery == 0
}

type loopSession struct {
	driver *Driver

	mu      sync.Mutex
	markers map[string]string // key -> signal observed at verify time
	last    session.Marker
}

func (s *loopSession) SubmitItem(ctx context.Context, item queue.WorkItem) error {
	if err := s.driver.pause(ctx); err != nil {
		return err
	}
	verifySignal := submitSignal
	if s.driver.nextIsLive() {
		verifySignal = changedSignal
	}
	s.mu.Lock()
	s.markers[item.Tail()] = verifySignal
	s.last = session.Marker{Key: item.Tail(), Signal: submitSignal}
	s.mu.Unlock()
	return nil
}

func (s *loopSession) ExtractMarker(ctx context.Context) (session.Marker, error) {
	if err := s.driver.pause(ctx); err != nil {
		return session.Marker{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *loopSession) ListMarkers(ctx context.Context) ([]session.Marker, error) {
	if err := s.driver.pause(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Marker, 0, len(s.markers))
	for k, sig := range s.markers {
		out = append(out, session.Marker{Key: k, Signal: sig})
	}
	return out, nil
}

func (s *loopSession) RemoveByMarker(ctx context.Context, key string) error {
	if err := s.driver.pause(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.markers, key)
	s.mu.Unlock()
	return nil
}

func (s *loopSession) Refresh(ctx context.Context) error { return s.driver.pause(ctx) }

func (s *loopSession) Close() {}
