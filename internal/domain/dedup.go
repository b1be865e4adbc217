package domain

import (
	"context"
	"time"
)

// ProcessedStore is the shared set of event IDs that already produced a reply.
// IDs are compared exactly; implementations must not normalise them.
type ProcessedStore interface {
	// Seen reports whether eventID was marked.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Mark records eventID. It is an insert-if-absent: inserted is false when
	// another worker marked the same event first.
	Mark(ctx context.Context, eventID string) (inserted bool, err error)
	// Prune removes marks recorded before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
