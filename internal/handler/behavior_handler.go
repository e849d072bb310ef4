package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"behavior-gate/internal/config"
	"behavior-gate/internal/hashing"
	"behavior-gate/internal/metrics"
	"behavior-gate/internal/models"
	"behavior-gate/internal/ratelimit"
	"behavior-gate/internal/service"
	"behavior-gate/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// BehaviorHandler serves the /behavior endpoints.
type BehaviorHandler struct {
	gate          *service.GateService
	limiter       ratelimit.Limiter
	guard         ratelimit.SessionGuard
	pseudonymizer *hashing.Pseudonymizer
	limits        config.RateLimitConfig
	logger        *zap.Logger
}

func NewBehaviorHandler(
	gate *service.GateService,
	limiter ratelimit.Limiter,
	guard ratelimit.SessionGuard,
	pseudonymizer *hashing.Pseudonymizer,
	limits config.RateLimitConfig,
	logger *zap.Logger,
) *BehaviorHandler {
	return &BehaviorHandler{
		gate:          gate,
		limiter:       limiter,
		guard:         guard,
		pseudonymizer: pseudonymizer,
		limits:        limits,
		logger:        logger,
	}
}

// Response is the error envelope.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type logRequest struct {
	Snapshot    *models.Snapshot `json:"snapshot"`
	SessionID   string           `json:"sessionId"`
	Label       string           `json:"label,omitempty"`
	LabelSource string           `json:"labelSource,omitempty"`
}

type verifyRequest struct {
	Snapshot *models.Snapshot      `json:"snapshot"`
	Context  *models.EntityContext `json:"context,omitempty"`
}

type failedRequest struct {
	Snapshot *models.Snapshot       `json:"snapshot"`
	Details  service.FailureDetails `json:"details"`
}

type reviewRequest struct {
	RecordID string `json:"recordId"`
	Reason   string `json:"reason"`
	Reviewer string `json:"reviewer,omitempty"`
}

// verifyResponse is the contract returned to booking flows.
type verifyResponse struct {
	RiskScore     float64              `json:"riskScore"`
	RiskLevel     models.RiskLevel     `json:"riskLevel"`
	Action        models.Action        `json:"action"`
	AccountStatus models.AccountStatus `json:"accountStatus"`
	Flags         []string             `json:"flags"`
	Confidence    float64              `json:"confidence"`
	ModelVersion  string               `json:"modelVersion"`
	PolicyVersion string               `json:"policyVersion"`
}

var errMissingSnapshot = fmt.Errorf("%w: snapshot is required", models.ErrInvalidSnapshot)

// RegisterRoutes registers the behavior routes, each behind its own
// per-client limit.
func (h *BehaviorHandler) RegisterRoutes(router chi.Router) {
	router.Route("/behavior", func(r chi.Router) {
		r.With(h.rateLimit("log", h.limits.LogPerWindow)).Post("/log", h.LogSample)
		r.With(h.rateLimit("verify", h.limits.VerifyPerWindow)).Post("/verify", h.Verify)
		r.With(h.rateLimit("failed", h.limits.FailedPerWindow)).Post("/failed", h.RecordFailed)
		r.With(h.rateLimit("health", h.limits.HealthPerWindow)).Get("/health", h.Health)

		r.Route("/attempts/{sessionId}", func(r chi.Router) {
			r.With(h.rateLimit("query", h.limits.QueryPerWindow)).Get("/", h.GetAttempt)
			r.With(h.rateLimit("review", h.limits.ReviewPerWindow)).Post("/review", h.Review)
		})
	})
}

// LogSample handles labeled telemetry for the feedback loop.
func (h *BehaviorHandler) LogSample(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Snapshot == nil {
		h.respondWithError(w, http.StatusBadRequest, errMissingSnapshot, "Snapshot is required")
		return
	}
	snap := *req.Snapshot
	if snap.SessionID == "" {
		snap.SessionID = req.SessionID
	}

	if err := h.gate.LogSample(r.Context(), snap, req.Label, req.LabelSource, h.clientKey(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to log behavior sample")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Verify evaluates one snapshot. Each session id may be verified once.
func (h *BehaviorHandler) Verify(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Snapshot == nil {
		h.respondWithError(w, http.StatusBadRequest, errMissingSnapshot, "Snapshot is required")
		return
	}
	if err := req.Snapshot.Validate(); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid snapshot")
		return
	}
	if !h.claimSession(w, r, req.Snapshot.SessionID) {
		return
	}

	assessment, err := h.gate.Evaluate(r.Context(), service.EvaluateRequest{
		Snapshot:  *req.Snapshot,
		Context:   req.Context,
		ClientKey: h.clientKey(r),
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to evaluate behavior")
		return
	}

	h.respondWithJSON(w, http.StatusOK, verifyResponse{
		RiskScore:     assessment.RiskScore,
		RiskLevel:     assessment.RiskLevel,
		Action:        assessment.Action,
		AccountStatus: assessment.AccountStatus,
		Flags:         assessment.Flags,
		Confidence:    assessment.Confidence,
		ModelVersion:  assessment.ModelVersion,
		PolicyVersion: assessment.PolicyVersion,
	})
	h.logger.Debug("Verification served via HTTP",
		util.String("session_id", assessment.SessionID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Verify"),
	)
}

// claimSession enforces single use of a session id. Guard errors fail open.
func (h *BehaviorHandler) claimSession(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if h.guard == nil {
		return true
	}
	ok, err := h.guard.Claim(r.Context(), sessionID, h.limits.SessionClaimTTL)
	if err != nil {
		metrics.RateLimiterErrorsTotal.Inc()
		h.logger.Warn("Session claim failed, allowing request",
			util.String("session_id", sessionID),
			util.ErrorField(err))
		return true
	}
	if !ok {
		metrics.RateLimitedTotal.WithLabelValues("verify", "session").Inc()
		setRetryAfter(w, h.limits.SessionClaimTTL)
		h.respondWithError(w, http.StatusTooManyRequests,
			fmt.Errorf("%w: session already verified", models.ErrRateLimited),
			"Session has already been verified")
		return false
	}
	return true
}

// RecordFailed logs a booking that was blocked downstream.
func (h *BehaviorHandler) RecordFailed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Snapshot == nil {
		h.respondWithError(w, http.StatusBadRequest, errMissingSnapshot, "Snapshot is required")
		return
	}

	if err := h.gate.RecordFailedAttempt(r.Context(), *req.Snapshot, req.Details, h.clientKey(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to record failed attempt")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports scorer and store health. It always answers 200.
func (h *BehaviorHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.gate.Health(r.Context()))
}

// GetAttempt returns the latest attempt record for a session.
func (h *BehaviorHandler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	rec, err := h.gate.Query(r.Context(), sessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get attempt record")
		return
	}
	rec.ClientKey = ""
	h.respondWithJSON(w, http.StatusOK, rec)
}

// Review appends a manual-review annotation.
func (h *BehaviorHandler) Review(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req reviewRequest
	if !h.decode(w, r, &req) {
		return
	}

	review, err := h.gate.Annotate(r.Context(), sessionID, req.RecordID, req.Reason, req.Reviewer)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to annotate attempt")
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.logger.Info("Attempt review recorded via HTTP",
		util.String("session_id", sessionID),
		util.String("record_id", req.RecordID),
		util.Int("seq", review.Seq),
	)
}

func (h *BehaviorHandler) clientKey(r *http.Request) string {
	return h.pseudonymizer.MustPseudonymize(r.RemoteAddr)
}

func (h *BehaviorHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest,
			fmt.Errorf("%w: %v", models.ErrInvalidSnapshot, err), "Invalid request body")
		return false
	}
	return true
}

func (h *BehaviorHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *BehaviorHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *BehaviorHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidSnapshot), errors.Is(err, models.ErrInvalidReview):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrReviewConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
