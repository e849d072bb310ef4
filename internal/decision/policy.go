// Package decision turns a risk score and flags into a RiskAssessment.
package decision

import (
	"math"
	"sort"

	"behavior-gate/internal/features"
	"behavior-gate/internal/models"
)

const (
	DefaultLowThreshold  = 0.3
	DefaultHighThreshold = 0.7
	DefaultPolicyVersion = "policy-v1"
)

// Flags attached to assessments.
const (
	FlagNoWebsite        = "NO_WEBSITE"
	FlagNoLicense        = "NO_LICENSE"
	FlagNoAccreditation  = "NO_ACCREDITATION"
	FlagNewBusiness      = "NEW_BUSINESS"
	FlagSoloPractice     = "SOLO_PRACTICE"
	FlagVerifiedLicense  = "VERIFIED_LICENSE"
	FlagHighIdle         = "HIGH_IDLE"
	FlagLowInteraction   = "LOW_INTERACTION"
	FlagLowMouseActivity = "LOW_MOUSE_ACTIVITY"
	FlagRapidSubmission  = "RAPID_SUBMISSION"
)

// RapidSubmissionSeconds is the dwell time below which a submission is
// considered too fast for a person.
const RapidSubmissionSeconds = 3.0

// Bands are the inclusive upper bounds of the LOW and MEDIUM levels.
type Bands struct {
	Low  float64
	High float64
}

// DefaultBands returns the 0.3 / 0.7 bands.
func DefaultBands() Bands {
	return Bands{Low: DefaultLowThreshold, High: DefaultHighThreshold}
}

// Level discretizes score. Scores at a boundary fall in the lower band.
// NaN is HIGH so a broken score can never allow.
func (b Bands) Level(score float64) models.RiskLevel {
	switch {
	case math.IsNaN(score):
		return models.RiskHigh
	case score <= b.Low:
		return models.RiskLow
	case score <= b.High:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}

// Action maps a level and flags to an action and account status. HIGH
// blocks regardless of flags; LOW is allowed only with a verified license.
func Action(level models.RiskLevel, flags []string) (models.Action, models.AccountStatus) {
	switch {
	case level == models.RiskHigh:
		return models.ActionBlock, models.StatusRestricted
	case level == models.RiskLow && contains(flags, FlagVerifiedLicense):
		return models.ActionAllow, models.StatusActiveLimited
	default:
		return models.ActionChallenge, models.StatusVerificationRequired
	}
}

// Flags derives descriptive flags from a feature vector. The result is
// sorted and never nil.
func Flags(v features.Vector) []string {
	flags := []string{}

	if v[features.IdleRatio] > 0.5 {
		flags = append(flags, FlagHighIdle)
	}
	if v[features.InteractionScore] < 0.3 {
		flags = append(flags, FlagLowInteraction)
	}
	if v[features.MouseMoveRate] < 0.5 {
		flags = append(flags, FlagLowMouseActivity)
	}
	if v[features.TimeOnPageSeconds] < RapidSubmissionSeconds {
		flags = append(flags, FlagRapidSubmission)
	}

	if v.Flag(features.HasContext) {
		if !v.Flag(features.HasWebsite) {
			flags = append(flags, FlagNoWebsite)
		}
		if v.Flag(features.HasLicense) {
			flags = append(flags, FlagVerifiedLicense)
		} else {
			flags = append(flags, FlagNoLicense)
		}
		if !v.Flag(features.HasAccreditation) {
			flags = append(flags, FlagNoAccreditation)
		}
		if years, ok := v.Get(features.YearsInBusiness); ok && years < 1 {
			flags = append(flags, FlagNewBusiness)
		}
		if v.Flag(features.IsSoloPractice) {
			flags = append(flags, FlagSoloPractice)
		}
	}

	sort.Strings(flags)
	return flags
}

// Confidence grows with entity-context completeness, within [0.5, 0.9].
func Confidence(completeness float64) float64 {
	return models.Clamp(0.5+0.4*models.Clamp(completeness, 0, 1), 0.5, 0.9)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
