package session

import (
	"context"

	"proberunner/internal/identity"
	"proberunner/internal/pool"
	"proberunner/internal/queue"
	"proberunner/internal/winslot"
)

// Marker correlates a submitted item with its later-observed state.
// Key is the short fingerprint (e.g. a number tail) used for matching;
// Signal is the display signal recorded at submit time and compared,
// byte for byte, at verify time.
type Marker struct {
	Key    string
	Signal string
}

// Session is one live authenticated context tied to an identity and a
// resource slot. All calls are blocking and must honor ctx deadlines.
type Session interface {
	// SubmitItem pushes one work item into the external system.
	SubmitItem(ctx context.Context, item queue.WorkItem) error

	// ExtractMarker reads the marker for the most recently submitted
	// item. Called once per successful SubmitItem.
	ExtractMarker(ctx context.Context) (Marker, error)

	// ListMarkers enumerates the markers currently visible in the
	// external system for this session.
	ListMarkers(ctx context.Context) ([]Marker, error)

	// RemoveByMarker removes/acknowledges the item identified by key so
	// the external list doesn't grow unbounded.
	RemoveByMarker(ctx context.Context, key string) error

	// Refresh reloads the session surface between retries. Drivers that
	// have nothing to reload may no-op.
	Refresh(ctx context.Context) error

	// Close releases the session. Best-effort; never returns an error.
	Close()
}

// Driver establishes sessions. Implementations live outside the core:
// the orchestrator only sees classified errors and the Session surface.
type Driver interface {
	Establish(ctx context.Context, id identity.Identity, slot pool.Slot, window winslot.Rect) (Session, error)
}
