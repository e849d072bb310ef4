package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"behavior-gate/internal/audit"
	"behavior-gate/internal/models"
	"behavior-gate/internal/util"
)

const uniqueViolation = "23505"

// AttemptRepository persists attempt records in PostgreSQL.
type AttemptRepository struct {
	db *sql.DB
}

var _ audit.Store = (*AttemptRepository)(nil)

func NewAttemptRepository(db *sql.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

const attemptColumns = `id, session_id, kind, client_key, features, assessment, action, label,
		label_source, failure_reason, failure_confidence, suspicious, suspicious_reasons, recorded_at`

func (r *AttemptRepository) Append(ctx context.Context, rec models.AttemptRecord) error {
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	var assessment []byte
	if rec.Assessment != nil {
		if assessment, err = json.Marshal(rec.Assessment); err != nil {
			return fmt.Errorf("failed to marshal assessment: %w", err)
		}
	}
	reasons := rec.SuspiciousReasons
	if reasons == nil {
		reasons = []string{}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`,
		rec.ID,
		rec.SessionID,
		string(rec.Kind),
		rec.ClientKey,
		features,
		assessment,
		string(rec.Action),
		rec.Label,
		rec.LabelSource,
		rec.FailureReason,
		rec.FailureConfidence,
		rec.Suspicious,
		pq.Array(reasons),
		rec.RecordedAt,
	)
	if err != nil {
		util.Error("Failed to append attempt record",
			zap.String("session_id", rec.SessionID),
			zap.String("record_id", rec.ID),
			zap.Error(err))
		return fmt.Errorf("failed to append attempt record: %w", err)
	}
	return nil
}

func (r *AttemptRepository) Get(ctx context.Context, sessionID, recordID string) (*models.AttemptRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE id = $1 AND session_id = $2
	`, recordID, sessionID)
	return r.withReviews(ctx, row)
}

func (r *AttemptRepository) Latest(ctx context.Context, sessionID string) (*models.AttemptRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM attempts
		WHERE session_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`, sessionID)
	return r.withReviews(ctx, row)
}

// AppendReview locks the record row so concurrent reviewers serialize, then
// inserts the next sequence number.
func (r *AttemptRepository) AppendReview(ctx context.Context, sessionID, recordID string, review models.Review) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin review transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM attempts WHERE id = $1 AND session_id = $2 FOR UPDATE`,
		recordID, sessionID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock attempt record: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempt_reviews WHERE record_id = $1`, recordID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count reviews: %w", err)
	}
	if review.Seq != count+1 {
		return fmt.Errorf("%w: expected seq %d, got %d", models.ErrReviewConflict, count+1, review.Seq)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempt_reviews (record_id, seq, reason, reviewer, reviewed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, recordID, review.Seq, review.Reason, review.Reviewer, review.ReviewedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: seq %d already taken", models.ErrReviewConflict, review.Seq)
		}
		return fmt.Errorf("failed to append review: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit review: %w", err)
	}
	return nil
}

// Purge deletes expired records; their reviews go with them.
func (r *AttemptRepository) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attempts WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged attempts: %w", err)
	}
	return int(n), nil
}

func (r *AttemptRepository) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *AttemptRepository) withReviews(ctx context.Context, row *sql.Row) (*models.AttemptRecord, error) {
	rec, err := scanAttempt(row)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, reason, reviewer, reviewed_at
		FROM attempt_reviews
		WHERE record_id = $1
		ORDER BY seq
	`, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rv models.Review
		if err := rows.Scan(&rv.Seq, &rv.Reason, &rv.Reviewer, &rv.ReviewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		rv.ReviewedAt = rv.ReviewedAt.UTC()
		rec.Reviews = append(rec.Reviews, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	return rec, nil
}

func scanAttempt(row *sql.Row) (*models.AttemptRecord, error) {
	var (
		rec        models.AttemptRecord
		kind       string
		action     string
		features   []byte
		assessment []byte
		confidence sql.NullFloat64
		reasons    pq.StringArray
	)
	err := row.Scan(&rec.ID, &rec.SessionID, &kind, &rec.ClientKey, &features, &assessment, &action,
		&rec.Label, &rec.LabelSource, &rec.FailureReason, &confidence, &rec.Suspicious, &reasons, &rec.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attempt record: %w", err)
	}

	rec.Kind = models.AttemptKind(kind)
	rec.Action = models.Action(action)
	rec.RecordedAt = rec.RecordedAt.UTC()
	if len(reasons) > 0 {
		rec.SuspiciousReasons = []string(reasons)
	}
	if confidence.Valid {
		c := confidence.Float64
		rec.FailureConfidence = &c
	}
	if err := json.Unmarshal(features, &rec.Features); err != nil {
		return nil, fmt.Errorf("failed to decode stored features: %w", err)
	}
	if len(assessment) > 0 {
		var a models.RiskAssessment
		if err := json.Unmarshal(assessment, &a); err != nil {
			return nil, fmt.Errorf("failed to decode stored assessment: %w", err)
		}
		rec.Assessment = &a
	}
	return &rec, nil
}
