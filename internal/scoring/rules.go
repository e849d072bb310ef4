package scoring

import (
	"context"
	"math"

	"behavior-gate/internal/features"
	"behavior-gate/internal/models"
)

// RulesVersion identifies the rule policy table below.
const RulesVersion = "rules-v1"

const ruleBase = 0.5

// scorePrecision rounds away float drift so sums like 0.5-0.1-0.1 land
// exactly on a band boundary.
const scorePrecision = 1e6

// Adjustment is one named entry of the rule policy.
type Adjustment struct {
	Name    string
	Applies func(v features.Vector) bool
	Delta   float64
}

func withContext(pred func(v features.Vector) bool) func(v features.Vector) bool {
	return func(v features.Vector) bool {
		return v.Flag(features.HasContext) && pred(v)
	}
}

func yearsWhere(pred func(years float64) bool) func(v features.Vector) bool {
	return withContext(func(v features.Vector) bool {
		years, ok := v.Get(features.YearsInBusiness)
		return ok && pred(years)
	})
}

// DefaultPolicy is the rules-v1 adjustment table.
var DefaultPolicy = []Adjustment{
	{Name: "high_idle", Delta: 0.10, Applies: func(v features.Vector) bool { return v[features.IdleRatio] > 0.5 }},
	{Name: "low_interaction", Delta: 0.15, Applies: func(v features.Vector) bool { return v[features.InteractionScore] < 0.3 }},
	{Name: "high_interaction", Delta: -0.15, Applies: func(v features.Vector) bool { return v[features.InteractionScore] > 0.7 }},
	{Name: "low_mouse_rate", Delta: 0.10, Applies: func(v features.Vector) bool { return v[features.MouseMoveRate] < 0.5 }},
	{Name: "long_dwell", Delta: -0.10, Applies: func(v features.Vector) bool { return v[features.TimeOnPageSeconds] > 120 }},
	{Name: "no_website", Delta: 0.10, Applies: withContext(func(v features.Vector) bool { return !v.Flag(features.HasWebsite) })},
	{Name: "no_license", Delta: 0.20, Applies: withContext(func(v features.Vector) bool { return !v.Flag(features.HasLicense) })},
	{Name: "no_accreditation", Delta: 0.10, Applies: withContext(func(v features.Vector) bool { return !v.Flag(features.HasAccreditation) })},
	{Name: "new_business", Delta: 0.15, Applies: yearsWhere(func(y float64) bool { return y < 1 })},
	{Name: "established_business", Delta: -0.10, Applies: yearsWhere(func(y float64) bool { return y > 5 })},
}

// RuleScorer is the deterministic heuristic scorer. It never fails and is
// the fallback whenever the model is unavailable.
type RuleScorer struct {
	policy  []Adjustment
	version string
}

// NewRuleScorer returns a scorer over DefaultPolicy.
func NewRuleScorer() *RuleScorer {
	return &RuleScorer{policy: DefaultPolicy, version: RulesVersion}
}

// NewRuleScorerWithPolicy returns a scorer over a custom table.
func NewRuleScorerWithPolicy(version string, policy []Adjustment) *RuleScorer {
	return &RuleScorer{policy: policy, version: version}
}

// Score implements Scorer.
func (s *RuleScorer) Score(_ context.Context, v features.Vector) (float64, error) {
	return s.Evaluate(v), nil
}

// Evaluate returns the clamped rule score without the Scorer plumbing.
func (s *RuleScorer) Evaluate(v features.Vector) float64 {
	score := ruleBase
	for _, adj := range s.policy {
		if adj.Applies(v) {
			score += adj.Delta
		}
	}
	score = math.Round(score*scorePrecision) / scorePrecision
	return models.Clamp(score, 0, 1)
}

// Explain returns the names of the adjustments that fire for v, in table order.
func (s *RuleScorer) Explain(v features.Vector) []string {
	var applied []string
	for _, adj := range s.policy {
		if adj.Applies(v) {
			applied = append(applied, adj.Name)
		}
	}
	return applied
}

// Version implements Scorer.
func (s *RuleScorer) Version() string {
	return s.version
}
