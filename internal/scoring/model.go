package scoring

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"behavior-gate/internal/features"
	"behavior-gate/internal/metrics"
	"behavior-gate/internal/models"
)

// Prediction is a classifier output.
type Prediction struct {
	RiskScore    float64 `json:"riskScore"`
	ModelVersion string  `json:"modelVersion"`
}

// Classifier is the trained model, treated as an opaque dependency.
type Classifier interface {
	Classify(ctx context.Context, v features.Vector) (Prediction, error)
}

var (
	errBreakerOpen       = errors.New("classifier circuit open")
	errInvalidPrediction = errors.New("invalid prediction")
)

// ModelScorer wraps a Classifier with a per-call timeout, a circuit breaker
// and output validation. Every failure is reported as ErrScorerUnavailable.
type ModelScorer struct {
	classifier Classifier
	timeout    time.Duration
	breaker    *Breaker
	version    atomic.Value // string
}

// NewModelScorer builds a ModelScorer. defaultVersion is reported until the
// classifier returns its own version.
func NewModelScorer(c Classifier, timeout time.Duration, breaker *Breaker, defaultVersion string) *ModelScorer {
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0)
	}
	if defaultVersion == "" {
		defaultVersion = "model"
	}
	s := &ModelScorer{classifier: c, timeout: timeout, breaker: breaker}
	s.version.Store(defaultVersion)
	return s
}

// Score implements Scorer.
func (s *ModelScorer) Score(ctx context.Context, v features.Vector) (float64, error) {
	p, err := s.Predict(ctx, v)
	if err != nil {
		return 0, err
	}
	return p.RiskScore, nil
}

// Predict calls the classifier and returns its validated prediction.
func (s *ModelScorer) Predict(ctx context.Context, v features.Vector) (Prediction, error) {
	if !s.breaker.Allow() {
		return Prediction{}, unavailableErr(errBreakerOpen)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	p, err := s.classify(callCtx, v)
	metrics.ScorerLatency.WithLabelValues("model").Observe(time.Since(start).Seconds())

	if err != nil {
		s.breaker.RecordFailure()
		return Prediction{}, unavailableErr(err)
	}
	if !validScore(p.RiskScore) {
		s.breaker.RecordFailure()
		return Prediction{}, unavailableErr(errInvalidPrediction)
	}

	s.breaker.RecordSuccess()
	if p.ModelVersion != "" {
		s.version.Store(p.ModelVersion)
	} else {
		p.ModelVersion = s.Version()
	}
	return p, nil
}

// classify runs the classifier but returns as soon as ctx expires, even if
// the classifier ignores cancellation.
func (s *ModelScorer) classify(ctx context.Context, v features.Vector) (Prediction, error) {
	type result struct {
		p   Prediction
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := s.classifier.Classify(ctx, v.Copy())
		done <- result{p, err}
	}()

	select {
	case r := <-done:
		return r.p, r.err
	case <-ctx.Done():
		return Prediction{}, ctx.Err()
	}
}

// Version returns the most recent model version seen.
func (s *ModelScorer) Version() string {
	return s.version.Load().(string)
}

// Breaker exposes the circuit breaker for health reporting.
func (s *ModelScorer) Breaker() *Breaker {
	return s.breaker
}

type unavailableError struct {
	cause error
}

func unavailableErr(cause error) error {
	return &unavailableError{cause: cause}
}

func (e *unavailableError) Error() string {
	return models.ErrScorerUnavailable.Error() + ": " + e.cause.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{models.ErrScorerUnavailable, e.cause}
}

// FallbackReason classifies a scorer error for metrics and logs.
func FallbackReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errBreakerOpen):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errInvalidPrediction):
		return "invalid_prediction"
	default:
		return "error"
	}
}
