package decision

import (
	"math"
	"testing"
	"time"

	"behavior-gate/internal/features"
	"behavior-gate/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestLevelBoundaries(t *testing.T) {
	b := DefaultBands()
	cases := []struct {
		score float64
		want  models.RiskLevel
	}{
		{0, models.RiskLow},
		{0.3, models.RiskLow},
		{0.3000001, models.RiskMedium},
		{0.7, models.RiskMedium},
		{0.7000001, models.RiskHigh},
		{1, models.RiskHigh},
		{math.NaN(), models.RiskHigh},
		{math.Inf(1), models.RiskHigh},
		{math.Inf(-1), models.RiskLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, b.Level(tc.score), "score %v", tc.score)
	}
}

func TestActionPrecedence(t *testing.T) {
	a, s := Action(models.RiskHigh, []string{FlagVerifiedLicense})
	assert.Equal(t, models.ActionBlock, a)
	assert.Equal(t, models.StatusRestricted, s)

	a, s = Action(models.RiskLow, []string{FlagVerifiedLicense})
	assert.Equal(t, models.ActionAllow, a)
	assert.Equal(t, models.StatusActiveLimited, s)

	a, s = Action(models.RiskLow, nil)
	assert.Equal(t, models.ActionChallenge, a)
	assert.Equal(t, models.StatusVerificationRequired, s)

	a, _ = Action(models.RiskMedium, []string{FlagVerifiedLicense})
	assert.Equal(t, models.ActionChallenge, a)
}

func TestFlags(t *testing.T) {
	v := features.Vector{
		features.IdleRatio:         0.6,
		features.InteractionScore:  0.2,
		features.MouseMoveRate:     0.3,
		features.TimeOnPageSeconds: 2,
		features.HasContext:        1,
		features.HasWebsite:        0,
		features.HasLicense:        1,
		features.HasAccreditation:  0,
		features.YearsInBusiness:   0,
		features.IsSoloPractice:    1,
	}
	assert.Equal(t, []string{
		FlagHighIdle,
		FlagLowInteraction,
		FlagLowMouseActivity,
		FlagNewBusiness,
		FlagNoAccreditation,
		FlagNoWebsite,
		FlagRapidSubmission,
		FlagSoloPractice,
		FlagVerifiedLicense,
	}, Flags(v))
}

func TestFlagsWithoutContext(t *testing.T) {
	v := features.Vector{
		features.IdleRatio:         0.1,
		features.InteractionScore:  0.8,
		features.MouseMoveRate:     3,
		features.TimeOnPageSeconds: 45,
	}
	flags := Flags(v)
	assert.NotNil(t, flags)
	assert.Empty(t, flags)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.5, Confidence(0))
	assert.InDelta(t, 0.9, Confidence(1), 1e-9)
	assert.InDelta(t, 0.7, Confidence(0.5), 1e-9)
	assert.Equal(t, 0.5, Confidence(math.NaN()))
	assert.InDelta(t, 0.9, Confidence(3), 1e-9)
}

func TestDecide(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	e := NewEngine(Bands{}, "").WithClock(func() time.Time { return at })

	flags := []string{FlagVerifiedLicense}
	got := e.Decide(Input{SessionID: "s-1", Score: 0.15, Flags: flags, Completeness: 1, ModelVersion: "rules-v1"})

	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, 0.15, got.RiskScore)
	assert.Equal(t, models.RiskLow, got.RiskLevel)
	assert.Equal(t, models.ActionAllow, got.Action)
	assert.Equal(t, models.StatusActiveLimited, got.AccountStatus)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.Equal(t, at, got.DecisionTimestamp)
	assert.Equal(t, "rules-v1", got.ModelVersion)
	assert.Equal(t, DefaultPolicyVersion, got.PolicyVersion)

	flags[0] = "MUTATED"
	assert.Equal(t, []string{FlagVerifiedLicense}, got.Flags)
}

func TestDecideNaNBlocks(t *testing.T) {
	got := NewEngine(DefaultBands(), "p").Decide(Input{SessionID: "s", Score: math.NaN()})
	assert.Equal(t, models.RiskHigh, got.RiskLevel)
	assert.Equal(t, models.ActionBlock, got.Action)
	assert.Equal(t, 1.0, got.RiskScore)
}

func TestCustomBands(t *testing.T) {
	e := NewEngine(Bands{Low: 0.2, High: 0.5}, "p")
	assert.Equal(t, models.RiskMedium, e.Decide(Input{Score: 0.3}).RiskLevel)
	assert.Equal(t, models.RiskHigh, e.Decide(Input{Score: 0.6}).RiskLevel)
}
