package loopback

import (
	"context"
	"testing"

	"proberunner/internal/identity"
	"proberunner/internal/pool"
	"proberunner/internal/queue"
	"proberunner/internal/winslot"
)

func TestLiveCadence(t *testing.T) {
	t.Parallel()
	d := New(3) // every 3rd submission flips
	sess, err := d.Establish(context.Background(), identity.Identity{ID: "a"}, pool.Slot{}, winslot.Rect{})
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	defer sess.Close()

	ctx := context.Background()
	var submitted []string
	for i := 0; i < 6; i++ {
		it := queue.WorkItem{Number: "411111111111000" + string(rune('0'+i))}
		if err := sess.SubmitItem(ctx, it); err != nil {
			t.Fatalf("SubmitItem: %v", err)
		}
		m, err := sess.ExtractMarker(ctx)
		if err != nil {
			t.Fatalf("ExtractMarker: %v", err)
		}
		if m.Signal != submitSignal {
			t.Fatalf("submit-time signal = %q", m.Signal)
		}
		submitted = append(submitted, m.Key)
	}

	markers, err := sess.ListMarkers(ctx)
	if err != nil {
		t.Fatalf("ListMarkers: %v", err)
	}
	changed := 0
	for _, m := range markers {
		if m.Signal == changedSignal {
			changed++
		}
	}
	if changed != 2 {
		t.Fatalf("changed signals = %d, want 2 of 6", changed)
	}

	for _, key := range submitted {
		if err := sess.RemoveByMarker(ctx, key); err != nil {
			t.Fatalf("RemoveByMarker(%s): %v", key, err)
		}
	}
	left, _ := sess.ListMarkers(ctx)
	if len(left) != 0 {
		t.Fatalf("markers left after removal: %d", len(left))
	}
}

func TestZeroLiveEveryNeverFlips(t *testing.T) {
	t.Parallel()
	d := New(0)
	sess, _ := d.Establish(context.Background(), identity.Identity{}, pool.Slot{}, winslot.Rect{})
	defer sess.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		sess.SubmitItem(ctx, queue.WorkItem{Number: "411111111111100" + string(rune('0'+i))})
	}
	markers, _ := sess.ListMarkers(ctx)
	for _, m := range markers {
		if m.Signal != submitSignal {
			t.Fatalf("signal flipped with LiveEvery=0: %q", m.Signal)
		}
	}
}
