package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"behavior-gate/internal/audit"
	"behavior-gate/internal/models"
	"behavior-gate/internal/util"
)

// AttemptRepository stores attempt records in ScyllaDB. Rows expire through
// TTL, so Purge has nothing to do.
type AttemptRepository struct {
	client    *ScyllaClient
	retention time.Duration
}

var _ audit.Store = (*AttemptRepository)(nil)

func NewAttemptRepository(client *ScyllaClient, retention time.Duration) *AttemptRepository {
	return &AttemptRepository{client: client, retention: retention}
}

// Append writes both the session row and the id index in one logged batch.
// Re-appending the same record rewrites identical cells, so it is a no-op.
func (r *AttemptRepository) Append(ctx context.Context, rec models.AttemptRecord) error {
	var assessment string
	if rec.Assessment != nil {
		raw, err := json.Marshal(rec.Assessment)
		if err != nil {
			return fmt.Errorf("failed to marshal assessment: %w", err)
		}
		assessment = string(raw)
	}

	ttl := r.ttlFor(rec.RecordedAt)
	if ttl <= 0 {
		return nil
	}

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(r.client.Statements.InsertAttempt,
		rec.SessionID, rec.RecordedAt, rec.ID, string(rec.Kind), rec.ClientKey, rec.Features, assessment,
		string(rec.Action), rec.Label, rec.LabelSource, rec.FailureReason, rec.FailureConfidence,
		rec.Suspicious, rec.SuspiciousReasons, ttl)
	batch.Query(r.client.Statements.InsertAttemptByID,
		rec.ID, rec.SessionID, rec.RecordedAt, ttl)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to append attempt record",
			zap.String("session_id", rec.SessionID),
			zap.String("record_id", rec.ID),
			zap.Error(err))
		return fmt.Errorf("failed to append attempt record: %w", err)
	}
	return nil
}

func (r *AttemptRepository) Get(ctx context.Context, sessionID, recordID string) (*models.AttemptRecord, error) {
	var (
		indexedSession string
		recordedAt     time.Time
	)
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Statements.GetAttemptByID, recordID),
		&indexedSession, &recordedAt)
	if err == gocql.ErrNotFound || (err == nil && indexedSession != sessionID) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up attempt record: %w", err)
	}

	rec, err := r.scanRecord(r.client.Query(ctx, r.client.Statements.GetAttempt, sessionID, recordedAt, recordID))
	if err != nil {
		return nil, err
	}
	if err := r.loadReviews(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *AttemptRepository) Latest(ctx context.Context, sessionID string) (*models.AttemptRecord, error) {
	rec, err := r.scanRecord(r.client.Query(ctx, r.client.Statements.GetLatestAttempt, sessionID))
	if err != nil {
		return nil, err
	}
	if err := r.loadReviews(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AppendReview checks the current count and then inserts the next sequence
// slot with a lightweight transaction, so two reviewers racing for the same
// slot cannot both win.
func (r *AttemptRepository) AppendReview(ctx context.Context, sessionID, recordID string, review models.Review) error {
	rec, err := r.Get(ctx, sessionID, recordID)
	if err != nil {
		return err
	}
	if review.Seq != len(rec.Reviews)+1 {
		return fmt.Errorf("%w: expected seq %d, got %d", models.ErrReviewConflict, len(rec.Reviews)+1, review.Seq)
	}

	ttl := r.ttlFor(rec.RecordedAt)
	if ttl <= 0 {
		return models.ErrRecordNotFound
	}

	existing := map[string]any{}
	applied, err := r.client.Query(ctx, r.client.Statements.InsertReview,
		recordID, review.Seq, review.Reason, review.Reviewer, review.ReviewedAt, ttl).
		MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to append review",
			zap.String("session_id", sessionID),
			zap.String("record_id", recordID),
			zap.Int("seq", review.Seq),
			zap.Error(err))
		return fmt.Errorf("failed to append review: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: seq %d already taken", models.ErrReviewConflict, review.Seq)
	}
	return nil
}

func (r *AttemptRepository) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *AttemptRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

// ttlFor returns the remaining lifetime in seconds of a record written at
// recordedAt.
func (r *AttemptRepository) ttlFor(recordedAt time.Time) int {
	return int(time.Until(recordedAt.Add(r.retention)).Seconds())
}

func (r *AttemptRepository) scanRecord(query *gocql.Query) (*models.AttemptRecord, error) {
	var (
		rec        models.AttemptRecord
		kind       string
		action     string
		assessment string
	)
	err := r.client.ScanWithRetry(query,
		&rec.SessionID, &rec.RecordedAt, &rec.ID, &kind, &rec.ClientKey, &rec.Features, &assessment,
		&action, &rec.Label, &rec.LabelSource, &rec.FailureReason, &rec.FailureConfidence,
		&rec.Suspicious, &rec.SuspiciousReasons)
	if err == gocql.ErrNotFound {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt record: %w", err)
	}

	rec.Kind = models.AttemptKind(kind)
	rec.Action = models.Action(action)
	rec.RecordedAt = rec.RecordedAt.UTC()
	if assessment != "" {
		var a models.RiskAssessment
		if err := json.Unmarshal([]byte(assessment), &a); err != nil {
			return nil, fmt.Errorf("failed to decode stored assessment: %w", err)
		}
		rec.Assessment = &a
	}
	return &rec, nil
}

func (r *AttemptRepository) loadReviews(ctx context.Context, rec *models.AttemptRecord) error {
	iter := r.client.Query(ctx, r.client.Statements.ListReviews, rec.ID).Iter()

	var review models.Review
	for iter.Scan(&review.Seq, &review.Reason, &review.Reviewer, &review.ReviewedAt) {
		review.ReviewedAt = review.ReviewedAt.UTC()
		rec.Reviews = append(rec.Reviews, review)
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to list reviews: %w", err)
	}
	return nil
}
