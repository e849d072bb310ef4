package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"behavior-gate/internal/features"
	"behavior-gate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classifierFunc func(ctx context.Context, v features.Vector) (Prediction, error)

func (f classifierFunc) Classify(ctx context.Context, v features.Vector) (Prediction, error) {
	return f(ctx, v)
}

func fixed(p Prediction, err error) Classifier {
	return classifierFunc(func(context.Context, features.Vector) (Prediction, error) { return p, err })
}

func TestModelScorerReturnsPrediction(t *testing.T) {
	s := NewModelScorer(fixed(Prediction{RiskScore: 0.42, ModelVersion: "gbm-7"}, nil), time.Second, nil, "")

	score, err := s.Score(context.Background(), features.Vector{})
	require.NoError(t, err)
	assert.Equal(t, 0.42, score)
	assert.Equal(t, "gbm-7", s.Version())
}

func TestModelScorerDefaultVersion(t *testing.T) {
	s := NewModelScorer(fixed(Prediction{RiskScore: 0.1}, nil), time.Second, nil, "model-v0")
	p, err := s.Predict(context.Background(), features.Vector{})
	require.NoError(t, err)
	assert.Equal(t, "model-v0", p.ModelVersion)
}

func TestModelScorerFailuresAreUnavailable(t *testing.T) {
	cases := map[string]struct {
		classifier Classifier
		reason     string
	}{
		"error":     {fixed(Prediction{}, errors.New("connection refused")), "error"},
		"nan":       {fixed(Prediction{RiskScore: math.NaN()}, nil), "invalid_prediction"},
		"too large": {fixed(Prediction{RiskScore: 1.3}, nil), "invalid_prediction"},
		"negative":  {fixed(Prediction{RiskScore: -0.1}, nil), "invalid_prediction"},
		"timeout": {classifierFunc(func(ctx context.Context, _ features.Vector) (Prediction, error) {
			time.Sleep(200 * time.Millisecond)
			return Prediction{RiskScore: 0.2}, nil
		}), "timeout"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := NewModelScorer(tc.classifier, 20*time.Millisecond, nil, "")
			_, err := s.Score(context.Background(), features.Vector{})
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrScorerUnavailable)
			assert.Equal(t, tc.reason, FallbackReason(err))
		})
	}
}

func TestModelScorerBreakerOpens(t *testing.T) {
	calls := 0
	c := classifierFunc(func(context.Context, features.Vector) (Prediction, error) {
		calls++
		return Prediction{}, errors.New("boom")
	})
	s := NewModelScorer(c, time.Second, NewBreaker(2, time.Minute), "")

	for i := 0; i < 2; i++ {
		_, err := s.Score(context.Background(), features.Vector{})
		require.Error(t, err)
	}
	_, err := s.Score(context.Background(), features.Vector{})
	assert.ErrorIs(t, err, models.ErrScorerUnavailable)
	assert.Equal(t, "breaker_open", FallbackReason(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, BreakerOpen, s.Breaker().State())
}

func TestHTTPClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/predict":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			var body struct {
				Features map[string]float64 `json:"features"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, 0.25, body.Features[features.IdleRatio])
			_ = json.NewEncoder(w).Encode(map[string]any{"riskScore": 0.61, "modelVersion": "gbm-9"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL+"/", "secret")
	p, err := c.Classify(context.Background(), features.Vector{features.IdleRatio: 0.25})
	require.NoError(t, err)
	assert.Equal(t, Prediction{RiskScore: 0.61, ModelVersion: "gbm-9"}, p)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestHTTPClassifierNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, "")
	_, err := c.Classify(context.Background(), features.Vector{})
	assert.Error(t, err)
	assert.Error(t, c.Ping(context.Background()))
}
