// Package audit is the append-only attempt log: a primary Store plus
// best-effort secondary Sinks.
package audit

import (
	"context"
	"time"

	"behavior-gate/internal/models"
)

// Store is the primary attempt log. Records are never updated in place;
// reviews are appended beside them.
type Store interface {
	// Append writes rec. Appending a record ID that already exists is a no-op.
	Append(ctx context.Context, rec models.AttemptRecord) error
	// Get returns one record with its reviews, or ErrRecordNotFound.
	Get(ctx context.Context, sessionID, recordID string) (*models.AttemptRecord, error)
	// Latest returns the most recent record for sessionID, or ErrRecordNotFound.
	Latest(ctx context.Context, sessionID string) (*models.AttemptRecord, error)
	// AppendReview adds review to a record. review.Seq must be the current
	// review count plus one, otherwise ErrReviewConflict.
	AppendReview(ctx context.Context, sessionID, recordID string, review models.Review) error
	// Purge removes records recorded before the cutoff and returns how many.
	Purge(ctx context.Context, before time.Time) (int, error)
	HealthCheck(ctx context.Context) error
}

// Sink is a secondary destination fed after the primary append.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec models.AttemptRecord) error
}
