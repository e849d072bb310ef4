package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"behavior-gate/internal/audit"
	"behavior-gate/internal/config"
	"behavior-gate/internal/decision"
	"behavior-gate/internal/features"
	"behavior-gate/internal/hashing"
	"behavior-gate/internal/ratelimit"
	"behavior-gate/internal/scoring"
	"behavior-gate/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, int, time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis: connection refused")
}

func testLimits() config.RateLimitConfig {
	return config.RateLimitConfig{
		Window:           time.Minute,
		LogPerWindow:     100,
		VerifyPerWindow:  30,
		FailedPerWindow:  20,
		HealthPerWindow:  60,
		ReviewPerWindow:  20,
		QueryPerWindow:   30,
		SessionClaimTTL:  time.Hour,
		FailOpenOnErrors: true,
	}
}

type testServer struct {
	handler http.Handler
	store   *audit.MemoryStore
}

func newTestServer(t *testing.T, limits config.RateLimitConfig, limiter ratelimit.Limiter) *testServer {
	t.Helper()

	store := audit.NewMemoryStore()
	gate := service.NewGateService(
		features.NewExtractor(),
		scoring.NewRuleScorer(),
		scoring.NewRuleScorer(),
		decision.NewEngine(decision.Bands{}, ""),
		audit.NewRecorder(store, nil, audit.Options{}),
		nil,
		zap.NewNop(),
	)
	if limiter == nil {
		ml := ratelimit.NewMemoryLimiter(time.Minute)
		t.Cleanup(ml.Stop)
		limiter = ml
	}
	p, err := hashing.NewPseudonymizer("test-key")
	require.NoError(t, err)

	h := NewBehaviorHandler(gate, limiter, ratelimit.NewMemorySessionGuard(), p, limits, zap.NewNop())
	cfg := &config.Config{CORS: config.CORSConfig{AllowedOrigins: []string{"https://book.example"}, MaxAge: 300}}
	return &testServer{handler: NewRouter(h, cfg, zap.NewNop()), store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "198.51.100.10:40000"
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func snapshotBody(session string) map[string]any {
	return map[string]any{
		"sessionId":         session,
		"mouseMoveCount":    300,
		"keyPressCount":     80,
		"timeOnPageSeconds": 150,
		"interactionScore":  0.8,
		"idleRatio":         0.2,
	}
}

func TestVerifyReturnsAssessment(t *testing.T) {
	s := newTestServer(t, testLimits(), nil)

	rec := s.do(t, http.MethodPost, "/behavior/verify", map[string]any{
		"snapshot": snapshotBody("sess-verify"),
		"context":  map[string]any{"website": "https://clinic.example", "licenseNumber": "L-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	for _, field := range []string{"riskScore", "riskLevel", "action", "flags", "confidence", "modelVersion"} {
		assert.Contains(t, body, field)
	}
	assert.Equal(t, "rules-v1", body["modelVersion"])
	assert.Equal(t, 1, s.store.Len())
}

func TestVerifySessionIsSingleUse(t *testing.T) {
	s := newTestServer(t, testLimits(), nil)
	payload := map[string]any{"snapshot": snapshotBody("sess-replay")}

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/behavior/verify", payload).Code)

	rec := s.do(t, http.MethodPost, "/behavior/verify", payload)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, s.store.Len())
}

func TestVerifyRejectsBadInput(t *testing.T) {
	s := newTestServer(t, testLimits(), nil)

	cases := map[string]any{
		"missing snapshot": map[string]any{"context": map[string]any{}},
		"malformed json":   `{"snapshot":`,
		"negative time":    map[string]any{"snapshot": map[string]any{"sessionId": "s-neg", "timeOnPageSeconds": -4}},
		"no session id":    map[string]any{"snapshot": map[string]any{"timeOnPageSeconds": 4}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/behavior/verify", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}
	assert.Equal(t, 0, s.store.Len())
}

func TestLogAndFailedReturnNoContent(t *testing.T) {
	s := newTestServer(t, testLimits(), nil)

	snap := snapshotBody("")
	delete(snap, "sessionId")
	rec := s.do(t, http.MethodPost, "/behavior/log", map[string]any{
		"snapshot": snap, "sessionId": "sess-log", "label": "human", "labelSource": "qa",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/behavior/log", map[string]any{"sessionId": "sess-log"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/behavior/failed", map[string]any{
		"snapshot": snapshotBody("sess-failed"),
		"details":  map[string]any{"reason": "payment declined", "confidence": 0.9},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, 2, s.store.Len())
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testLimits(), nil)

	rec := s.do(t, http.MethodGet, "/behavior/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var h service.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, service.Health{Status: "ok", ModelLoaded: true, Version: "rules-v1"}, h)
}

func TestRouteRateLimit(t *testing.T) {
	limits := testLimits()
	limits.HealthPerWindow = 2
	s := newTestServer(t, limits, nil)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/behavior/health", nil).Code)
	}
	rec := s.do(t, http.MethodGet, "/behavior/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other routes keep their own budget.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/behavior/verify",
		map[string]any{"snapshot": snapshotBody("sess-other")}).Code)
}

func TestLimiterErrorsFailOpen(t *testing.T) {
	s := newTestServer(t, testLimits(), brokenLimiter{})
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/behavior/health", nil).Code)

	closed := testLimits()
	closed.FailOpenOnErrors = false
	s = newTestServer(t, closed, brokenLimiter{})
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/behavior/health", nil).Code)
}

func TestPreflight(t *testing.T) {
	s := newTestServer(t, testLimits(), nil)

	req := httptest.NewRequest(http.MethodOptions, "/behavior/verify", nil)
	req.Header.Set("Origin", "https://book.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "https://book.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAttemptQueryAndReview(t *testing.T) {
	s := newTestServer(t, testLimits(), nil)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/behavior/attempts/sess-review", nil).Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/behavior/verify",
		map[string]any{"snapshot": snapshotBody("sess-review")}).Code)

	rec := s.do(t, http.MethodGet, "/behavior/attempts/sess-review", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record struct {
		ID        string `json:"id"`
		ClientKey string `json:"clientKey"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	require.NotEmpty(t, record.ID)
	assert.Empty(t, record.ClientKey)

	rec = s.do(t, http.MethodPost, "/behavior/attempts/sess-review/review",
		map[string]any{"recordId": record.ID, "reason": "confirmed clinic", "reviewer": "ops"})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/behavior/attempts/sess-review/review",
		map[string]any{"recordId": "missing", "reason": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/behavior/attempts/sess-review/review",
		map[string]any{"recordId": record.ID, "reason": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testLimits(), nil)
	s.do(t, http.MethodGet, "/behavior/health", nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "behavior_gate_http_requests_total")
}
