package decision

import (
	"math"
	"time"

	"behavior-gate/internal/models"
)

// Input is everything the engine needs for one decision.
type Input struct {
	SessionID    string
	Score        float64
	Flags        []string
	Completeness float64
	ModelVersion string
}

// Engine is stateless apart from its configuration.
type Engine struct {
	bands         Bands
	policyVersion string
	now           func() time.Time
}

// NewEngine creates an Engine. A zero Bands value selects the defaults.
func NewEngine(bands Bands, policyVersion string) *Engine {
	if bands == (Bands{}) {
		bands = DefaultBands()
	}
	if policyVersion == "" {
		policyVersion = DefaultPolicyVersion
	}
	return &Engine{bands: bands, policyVersion: policyVersion, now: time.Now}
}

// WithClock overrides the decision timestamp source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Bands returns the configured bands.
func (e *Engine) Bands() Bands {
	return e.bands
}

// Decide builds the assessment for in.
func (e *Engine) Decide(in Input) models.RiskAssessment {
	level := e.bands.Level(in.Score)
	score := in.Score
	if math.IsNaN(score) {
		score = 1
	}
	action, status := Action(level, in.Flags)

	flags := make([]string, len(in.Flags))
	copy(flags, in.Flags)

	return models.RiskAssessment{
		SessionID:         in.SessionID,
		RiskScore:         models.Clamp(score, 0, 1),
		RiskLevel:         level,
		Action:            action,
		AccountStatus:     status,
		Flags:             flags,
		Confidence:        Confidence(in.Completeness),
		DecisionTimestamp: e.now().UTC(),
		ModelVersion:      in.ModelVersion,
		PolicyVersion:     e.policyVersion,
	}
}
