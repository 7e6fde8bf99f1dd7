package artifact

import (
	"context"
	"fmt"
)

type (
	// Store is the key-value persistence surface for artifacts. There is no
	// update-in-place: callers needing different content write a new trace ID.
	Store interface {
		// Save persists the artifact under its trace ID and returns the ID.
		Save(ctx context.Context, a *Artifact) (string, error)

		// Get returns the artifact stored under the given trace ID. It returns
		// a NotFoundError when the ID is absent.
		Get(ctx context.Context, traceID string) (*Artifact, error)

		// List returns summaries of all stored artifacts, sorted by trace ID
		// for deterministic listings.
		List(ctx context.Context) ([]Summary, error)
	}

	// NotFoundError reports a Get for an unknown trace ID. It carries the
	// known trace IDs so callers can self-correct.
	NotFoundError struct {
		// TraceID is the requested identifier.
		TraceID string
		// Available lists the stored trace IDs, sorted.
		Available []string
	}
)

// Error implements error.
func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("trace %q not found (store is empty)", e.TraceID)
	}
	return fmt.Sprintf("trace %q not found, available: %v", e.TraceID, e.Available)
}
