package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"behavior-gate/internal/features"
	"behavior-gate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name string
	err  error

	mu   sync.Mutex
	recs []models.AttemptRecord
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, rec models.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Append(context.Context, models.AttemptRecord) error {
	return errors.New("disk full")
}

func humanRecord(session string) models.AttemptRecord {
	return models.AttemptRecord{
		SessionID: session,
		Kind:      models.KindVerification,
		Features: map[string]float64{
			features.TimeOnPageSeconds: 45,
			features.InteractionScore:  0.7,
		},
		Assessment: &models.RiskAssessment{SessionID: session, RiskScore: 0.2, RiskLevel: models.RiskLow, Action: models.ActionAllow},
	}
}

func TestRecordAssignsIDAndAppends(t *testing.T) {
	store := NewMemoryStore()
	sink := &recordingSink{name: "kafka"}
	r := NewRecorder(store, []Sink{sink}, Options{})

	got, err := r.Record(context.Background(), humanRecord("s-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.RecordedAt.IsZero())
	assert.False(t, got.Suspicious)

	latest, err := r.Query(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, got.ID, latest.ID)
	assert.Equal(t, 1, sink.count())
}

func TestRecordMarksSuspiciousPatterns(t *testing.T) {
	r := NewRecorder(NewMemoryStore(), nil, Options{})
	rec := humanRecord("s-2")
	rec.Features[features.TimeOnPageSeconds] = 1.2
	rec.Features[features.InteractionScore] = 0.01

	got, err := r.Record(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, got.Suspicious)
	assert.Equal(t, []string{ReasonRapidSubmission, ReasonNearZeroInteraction}, got.SuspiciousReasons)
}

func TestSuspiciousReasonsIgnoresMissingFeatures(t *testing.T) {
	assert.Nil(t, SuspiciousReasons(features.Vector{}))
	assert.Equal(t, []string{ReasonRapidSubmission}, SuspiciousReasons(features.Vector{features.TimeOnPageSeconds: 0}))
}

func TestRecordStoreFailure(t *testing.T) {
	sink := &recordingSink{name: "kafka"}
	r := NewRecorder(failingStore{NewMemoryStore()}, []Sink{sink}, Options{})

	_, err := r.Record(context.Background(), humanRecord("s-3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStorageFailure)
	assert.Equal(t, 0, sink.count(), "sinks follow a successful append only")
}

func TestRecordSinkFailureIsNotReturned(t *testing.T) {
	bad := &recordingSink{name: "elasticsearch", err: errors.New("cluster red")}
	good := &recordingSink{name: "kafka"}
	r := NewRecorder(NewMemoryStore(), []Sink{bad, good}, Options{})

	_, err := r.Record(context.Background(), humanRecord("s-4"))
	require.NoError(t, err)
	assert.Equal(t, 1, bad.count())
	assert.Equal(t, 1, good.count())
}

func TestAnnotateAppendsWithoutTouchingRecord(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, nil, Options{})
	ctx := context.Background()

	rec, err := r.Record(ctx, humanRecord("s-5"))
	require.NoError(t, err)

	review, err := r.Annotate(ctx, "s-5", rec.ID, "  customer called, legitimate clinic ", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, review.Seq)
	assert.Equal(t, "customer called, legitimate clinic", review.Reason)

	got, err := r.Query(ctx, "s-5")
	require.NoError(t, err)
	assert.True(t, got.Reviewed())
	assert.Equal(t, "customer called, legitimate clinic", got.ReviewReason())
	assert.Equal(t, rec.Assessment, got.Assessment)
	assert.Equal(t, rec.Features, got.Features)
}

func TestAnnotateErrors(t *testing.T) {
	r := NewRecorder(NewMemoryStore(), nil, Options{})
	ctx := context.Background()

	_, err := r.Annotate(ctx, "missing", "nope", "reason", "")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	rec, err := r.Record(ctx, humanRecord("s-6"))
	require.NoError(t, err)
	_, err = r.Annotate(ctx, "s-6", rec.ID, "   ", "")
	assert.ErrorIs(t, err, models.ErrInvalidReview)

	_, err = r.Annotate(ctx, "other-session", rec.ID, "reason", "")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestConcurrentAnnotationsAllLand(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, nil, Options{ReviewRetries: 100})
	ctx := context.Background()

	rec, err := r.Record(ctx, humanRecord("s-7"))
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Annotate(ctx, "s-7", rec.ID, fmt.Sprintf("review %d", i), "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, "s-7", rec.ID)
	require.NoError(t, err)
	require.Len(t, got.Reviews, n)
	for i, rv := range got.Reviews {
		assert.Equal(t, i+1, rv.Seq)
	}
}

func TestPurgeUsesRetention(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, nil, Options{Retention: 24 * time.Hour})
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	old := humanRecord("s-8")
	old.RecordedAt = now.Add(-48 * time.Hour)
	_, err := r.Record(ctx, old)
	require.NoError(t, err)
	_, err = r.Record(ctx, humanRecord("s-8"))
	require.NoError(t, err)

	n, err := r.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())
}
