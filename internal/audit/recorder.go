package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"behavior-gate/internal/features"
	"behavior-gate/internal/metrics"
	"behavior-gate/internal/models"
	"behavior-gate/internal/util"
)

// Suspicious pattern reasons.
const (
	ReasonRapidSubmission     = "RAPID_SUBMISSION"
	ReasonNearZeroInteraction = "NEAR_ZERO_INTERACTION"
)

const (
	rapidSubmissionSeconds   = 3.0
	nearZeroInteractionScore = 0.05
	sinkTimeout              = 2 * time.Second
	maxReviewReasonLength    = 1000
)

// Options tune a Recorder. Zero values select defaults.
type Options struct {
	Retention     time.Duration
	ReviewRetries int
}

// Recorder writes attempt records to the primary store and then fans them
// out to the secondary sinks.
type Recorder struct {
	store         Store
	sinks         []Sink
	retention     time.Duration
	reviewRetries int
	now           func() time.Time
	newID         func() string
}

func NewRecorder(store Store, sinks []Sink, opts Options) *Recorder {
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.ReviewRetries <= 0 {
		opts.ReviewRetries = 3
	}
	return &Recorder{
		store:         store,
		sinks:         sinks,
		retention:     opts.Retention,
		reviewRetries: opts.ReviewRetries,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// SuspiciousReasons returns the suspicious patterns present in a feature
// vector, or nil.
func SuspiciousReasons(v features.Vector) []string {
	var reasons []string
	if t, ok := v.Get(features.TimeOnPageSeconds); ok && t < rapidSubmissionSeconds {
		reasons = append(reasons, ReasonRapidSubmission)
	}
	if s, ok := v.Get(features.InteractionScore); ok && s < nearZeroInteractionScore {
		reasons = append(reasons, ReasonNearZeroInteraction)
	}
	return reasons
}

// Record marks suspicious patterns, appends rec to the store and publishes
// it to every sink. Only a store failure is returned, wrapped in
// ErrStorageFailure; sink failures are logged and counted. The returned
// record carries the assigned id and timestamp.
func (r *Recorder) Record(ctx context.Context, rec models.AttemptRecord) (models.AttemptRecord, error) {
	if rec.ID == "" {
		rec.ID = r.newID()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = r.now().UTC()
	}

	rec.SuspiciousReasons = SuspiciousReasons(rec.Features)
	rec.Suspicious = len(rec.SuspiciousReasons) > 0
	if rec.Suspicious {
		for _, reason := range rec.SuspiciousReasons {
			metrics.SuspiciousTotal.WithLabelValues(reason).Inc()
		}
		util.Warn("suspicious behavior pattern",
			util.String("session_id", rec.SessionID),
			util.String("record_id", rec.ID),
			util.String("kind", string(rec.Kind)),
			util.Strings("reasons", rec.SuspiciousReasons),
			util.Float64("time_on_page_seconds", rec.Features[features.TimeOnPageSeconds]),
			util.Float64("interaction_score", rec.Features[features.InteractionScore]))
	}

	if err := r.store.Append(ctx, rec); err != nil {
		metrics.AuditFailuresTotal.WithLabelValues("store").Inc()
		return rec, fmt.Errorf("%w: %v", models.ErrStorageFailure, err)
	}
	metrics.AuditRecordsTotal.WithLabelValues(string(rec.Kind)).Inc()

	r.publish(ctx, rec)
	return rec, nil
}

func (r *Recorder) publish(ctx context.Context, rec models.AttemptRecord) {
	if len(r.sinks) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range r.sinks {
		sink := sink
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, sinkTimeout)
			defer cancel()

			if err := sink.Publish(sctx, rec.Clone()); err != nil {
				metrics.AuditFailuresTotal.WithLabelValues(sink.Name()).Inc()
				util.Warn("Attempt sink publish failed",
					util.String("sink", sink.Name()),
					util.String("session_id", rec.SessionID),
					util.String("record_id", rec.ID),
					util.ErrorField(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Query returns the latest record for a session.
func (r *Recorder) Query(ctx context.Context, sessionID string) (*models.AttemptRecord, error) {
	rec, err := r.store.Latest(ctx, sessionID)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", models.ErrStorageFailure, err)
	}
	return rec, err
}

// Annotate appends a manual review to a record. The original record is
// untouched. Concurrent annotations are serialized by retrying on
// ErrReviewConflict a bounded number of times.
func (r *Recorder) Annotate(ctx context.Context, sessionID, recordID, reason, reviewer string) (models.Review, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.Review{}, fmt.Errorf("%w: reason is required", models.ErrInvalidReview)
	}
	reason = util.Truncate(util.SanitizeInput(reason), maxReviewReasonLength)

	var lastErr error
	for attempt := 0; attempt <= r.reviewRetries; attempt++ {
		rec, err := r.store.Get(ctx, sessionID, recordID)
		if err != nil {
			if errors.Is(err, models.ErrRecordNotFound) {
				return models.Review{}, err
			}
			return models.Review{}, fmt.Errorf("%w: %v", models.ErrStorageFailure, err)
		}

		review := models.Review{
			Seq:        len(rec.Reviews) + 1,
			Reason:     reason,
			Reviewer:   util.SanitizeInput(reviewer),
			ReviewedAt: r.now().UTC(),
		}
		err = r.store.AppendReview(ctx, sessionID, recordID, review)
		switch {
		case err == nil:
			util.Info("Attempt record annotated",
				util.String("session_id", sessionID),
				util.String("record_id", recordID),
				util.Int("seq", review.Seq))
			return review, nil
		case errors.Is(err, models.ErrReviewConflict):
			lastErr = err
			continue
		case errors.Is(err, models.ErrRecordNotFound):
			return models.Review{}, err
		default:
			return models.Review{}, fmt.Errorf("%w: %v", models.ErrStorageFailure, err)
		}
	}
	return models.Review{}, lastErr
}

// Purge removes records older than the retention window.
func (r *Recorder) Purge(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.retention)
	n, err := r.store.Purge(ctx, cutoff)
	if err != nil {
		metrics.AuditFailuresTotal.WithLabelValues("retention").Inc()
		return 0, err
	}
	if n > 0 {
		metrics.AuditPurgedTotal.Add(float64(n))
		util.Info("Expired attempt records purged",
			util.Int("count", n),
			util.Time("cutoff", cutoff))
	}
	return n, nil
}

// StartRetention purges on every interval until ctx is done.
func (r *Recorder) StartRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Purge(ctx); err != nil && ctx.Err() == nil {
					util.Warn("Attempt retention sweep failed", util.ErrorField(err))
				}
			}
		}
	}()
}

// HealthCheck reports the primary store's health.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}
