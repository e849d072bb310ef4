package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"behavior-gate/internal/audit"
	"behavior-gate/internal/decision"
	"behavior-gate/internal/features"
	"behavior-gate/internal/metrics"
	"behavior-gate/internal/models"
	"behavior-gate/internal/scoring"
	"behavior-gate/internal/tracing"
	"behavior-gate/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	maxLabelLength         = 64
	maxFailureReasonLength = 500
)

// EvaluateRequest is one verification request. ClientKey is already
// pseudonymized by the caller.
type EvaluateRequest struct {
	Snapshot  models.Snapshot
	Context   *models.EntityContext
	ClientKey string
}

// FailureDetails describes a booking blocked downstream.
type FailureDetails struct {
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Health is the gate's self-report.
type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"modelLoaded"`
	Version     string `json:"version"`
}

// Prober checks that the classifier backing a model scorer is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// predictor is implemented by scorers that report the model version per
// prediction.
type predictor interface {
	Predict(ctx context.Context, v features.Vector) (scoring.Prediction, error)
}

// GateService runs extractor, scorer, decision engine and audit log in that
// order for every request.
type GateService struct {
	extractor *features.Extractor
	scorer    scoring.Scorer
	fallback  *scoring.RuleScorer
	engine    *decision.Engine
	recorder  *audit.Recorder
	prober    Prober
	logger    *zap.Logger
}

// NewGateService wires a gate. scorer is the configured strategy; fallback
// is used when it reports ErrScorerUnavailable. prober may be nil.
func NewGateService(
	extractor *features.Extractor,
	scorer scoring.Scorer,
	fallback *scoring.RuleScorer,
	engine *decision.Engine,
	recorder *audit.Recorder,
	prober Prober,
	logger *zap.Logger,
) *GateService {
	if fallback == nil {
		fallback = scoring.NewRuleScorer()
	}
	if scorer == nil {
		scorer = fallback
	}
	return &GateService{
		extractor: extractor,
		scorer:    scorer,
		fallback:  fallback,
		engine:    engine,
		recorder:  recorder,
		prober:    prober,
		logger:    logger,
	}
}

// Evaluate scores one snapshot and returns the decision. Only an invalid
// snapshot is returned as an error: scorer outages fall back to the rules
// and audit failures are logged. The pipeline is detached from ctx
// cancellation so an abandoned request is still scored and logged.
func (s *GateService) Evaluate(ctx context.Context, req EvaluateRequest) (models.RiskAssessment, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracing.StartSpan(ctx, "gate.evaluate", attribute.String("session_id", req.Snapshot.SessionID))
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	snap := req.Snapshot
	vector, err := s.extract(ctx, snap, req.Context)
	if err != nil {
		spanErr = err
		return models.RiskAssessment{}, err
	}

	score, modelVersion := s.score(ctx, snap.SessionID, vector)

	completeness, _ := vector.Get(features.ContextCompleteness)
	assessment := s.engine.Decide(decision.Input{
		SessionID:    snap.SessionID,
		Score:        score,
		Flags:        decision.Flags(vector),
		Completeness: completeness,
		ModelVersion: modelVersion,
	})
	metrics.DecisionsTotal.WithLabelValues(
		string(assessment.RiskLevel),
		string(assessment.Action),
		assessment.ModelVersion,
	).Inc()

	assessmentCopy := assessment
	assessmentCopy.Flags = append([]string(nil), assessment.Flags...)

	_, err = s.record(ctx, models.AttemptRecord{
		SessionID:  snap.SessionID,
		Kind:       models.KindVerification,
		ClientKey:  req.ClientKey,
		Features:   vector,
		Assessment: &assessmentCopy,
		Action:     assessment.Action,
	})
	if err != nil {
		s.logger.Error("Attempt record not persisted, returning assessment anyway",
			zap.String("session_id", snap.SessionID),
			zap.String("action", string(assessment.Action)),
			zap.Error(err))
	}

	s.logger.Info("Verification evaluated",
		zap.String("session_id", snap.SessionID),
		zap.Float64("risk_score", assessment.RiskScore),
		zap.String("risk_level", string(assessment.RiskLevel)),
		zap.String("action", string(assessment.Action)),
		zap.Strings("flags", assessment.Flags),
		zap.String("model_version", assessment.ModelVersion))

	return assessment, nil
}

func (s *GateService) extract(ctx context.Context, snap models.Snapshot, entity *models.EntityContext) (features.Vector, error) {
	_, span := tracing.StartSpan(ctx, "gate.extract")
	v, err := s.extractor.Extract(snap, entity)
	tracing.EndSpan(span, err)
	return v, err
}

// score runs the configured scorer and falls back to the rules when it is
// unavailable.
func (s *GateService) score(ctx context.Context, sessionID string, v features.Vector) (float64, string) {
	ctx, span := tracing.StartSpan(ctx, "gate.score", attribute.String("scorer", s.scorer.Version()))
	defer span.End()

	var (
		score   float64
		version string
		err     error
	)
	if p, ok := s.scorer.(predictor); ok {
		var pred scoring.Prediction
		pred, err = p.Predict(ctx, v)
		score, version = pred.RiskScore, pred.ModelVersion
	} else {
		start := time.Now()
		score, err = s.scorer.Score(ctx, v)
		version = s.scorer.Version()
		metrics.ScorerLatency.WithLabelValues("rules").Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return score, version
	}

	reason := scoring.FallbackReason(err)
	if !errors.Is(err, models.ErrScorerUnavailable) {
		reason = "error"
	}
	metrics.ScorerFallbacksTotal.WithLabelValues(reason).Inc()
	span.SetAttributes(attribute.String("fallback_reason", reason))
	s.logger.Warn("Scorer unavailable, using rule fallback",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
		zap.Error(err))

	return s.fallback.Evaluate(v), models.FallbackModelVersion
}

func (s *GateService) record(ctx context.Context, rec models.AttemptRecord) (models.AttemptRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "gate.record", attribute.String("kind", string(rec.Kind)))
	out, err := s.recorder.Record(ctx, rec)
	tracing.EndSpan(span, err)
	return out, err
}

// RecordFailedAttempt logs a booking that was blocked downstream.
func (s *GateService) RecordFailedAttempt(ctx context.Context, snap models.Snapshot, details FailureDetails, clientKey string) error {
	ctx = context.WithoutCancel(ctx)
	vector, err := s.extract(ctx, snap, nil)
	if err != nil {
		return err
	}

	rec := models.AttemptRecord{
		SessionID:     snap.SessionID,
		Kind:          models.KindFailed,
		ClientKey:     clientKey,
		Features:      vector,
		Action:        models.ActionBlock,
		FailureReason: util.Truncate(util.SanitizeInput(details.Reason), maxFailureReasonLength),
	}
	if details.Confidence != nil {
		c := models.Clamp(*details.Confidence, 0, 1)
		rec.FailureConfidence = &c
	}

	if _, err := s.record(ctx, rec); err != nil {
		return err
	}
	s.logger.Info("Failed attempt recorded",
		zap.String("session_id", snap.SessionID),
		zap.String("reason", rec.FailureReason))
	return nil
}

// LogSample stores labeled telemetry for the model feedback loop.
func (s *GateService) LogSample(ctx context.Context, snap models.Snapshot, label, labelSource, clientKey string) error {
	ctx = context.WithoutCancel(ctx)
	vector, err := s.extract(ctx, snap, nil)
	if err != nil {
		return err
	}

	if util.ContainsSuspicious(label) || util.ContainsSuspicious(labelSource) {
		s.logger.Warn("Markup in sample label",
			zap.String("session_id", snap.SessionID))
	}

	_, err = s.record(ctx, models.AttemptRecord{
		SessionID:   snap.SessionID,
		Kind:        models.KindSample,
		ClientKey:   clientKey,
		Features:    vector,
		Label:       util.Truncate(util.SanitizeInput(label), maxLabelLength),
		LabelSource: util.Truncate(util.SanitizeInput(labelSource), maxLabelLength),
	})
	return err
}

// Query returns the latest attempt record for a session.
func (s *GateService) Query(ctx context.Context, sessionID string) (*models.AttemptRecord, error) {
	if !util.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("%w: sessionId has invalid format", models.ErrInvalidSnapshot)
	}
	return s.recorder.Query(ctx, sessionID)
}

// Annotate appends a manual review to a record.
func (s *GateService) Annotate(ctx context.Context, sessionID, recordID, reason, reviewer string) (models.Review, error) {
	if !util.ValidSessionID(sessionID) {
		return models.Review{}, fmt.Errorf("%w: sessionId has invalid format", models.ErrInvalidSnapshot)
	}
	if strings.TrimSpace(recordID) == "" {
		return models.Review{}, fmt.Errorf("%w: recordId is required", models.ErrInvalidReview)
	}
	return s.recorder.Annotate(ctx, sessionID, recordID, reason, reviewer)
}

// Health reports the active scorer version and whether the model is usable.
// A failing audit store degrades the status without failing the check.
func (s *GateService) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Version: s.scorer.Version(), ModelLoaded: true}

	if m, ok := s.scorer.(*scoring.ModelScorer); ok {
		h.ModelLoaded = m.Breaker().State() != scoring.BreakerOpen
		if h.ModelLoaded && s.prober != nil {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := s.prober.Ping(pctx); err != nil {
				h.ModelLoaded = false
				s.logger.Warn("Classifier health probe failed", zap.Error(err))
			}
			cancel()
		}
	}

	if err := s.recorder.HealthCheck(ctx); err != nil {
		h.Status = "degraded"
		s.logger.Warn("Audit store health check failed", zap.Error(err))
	}
	return h
}
