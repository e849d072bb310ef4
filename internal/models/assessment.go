package models

import "time"

// RiskLevel is the discretized band derived from a risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Action is the operational verdict handed back to the booking flow.
type Action string

const (
	ActionAllow     Action = "ALLOW"
	ActionChallenge Action = "CHALLENGE"
	ActionBlock     Action = "BLOCK"
)

// AccountStatus is the account/action state implied by an Action.
type AccountStatus string

const (
	StatusActiveLimited        AccountStatus = "ACTIVE_LIMITED"
	StatusVerificationRequired AccountStatus = "VERIFICATION_REQUIRED"
	StatusRestricted           AccountStatus = "RESTRICTED"
)

// FallbackModelVersion tags assessments produced by the rule-based scorer
// after the model-backed scorer was unavailable.
const FallbackModelVersion = "fallback"

// RiskAssessment is the immutable outcome of one decision. A corrected
// assessment is a new record.
type RiskAssessment struct {
	SessionID         string        `json:"sessionId"`
	RiskScore         float64       `json:"riskScore"`
	RiskLevel         RiskLevel     `json:"riskLevel"`
	Action            Action        `json:"action"`
	AccountStatus     AccountStatus `json:"accountStatus"`
	Flags             []string      `json:"flags"`
	Confidence        float64       `json:"confidence"`
	DecisionTimestamp time.Time     `json:"decisionTimestamp"`
	ModelVersion      string        `json:"modelVersion"`
	PolicyVersion     string        `json:"policyVersion"`
}

// HasFlag reports whether flag was attached to the assessment.
func (a RiskAssessment) HasFlag(flag string) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
