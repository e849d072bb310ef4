package models

import "time"

// AttemptKind distinguishes the three ways an attempt enters the log.
type AttemptKind string

const (
	KindVerification AttemptKind = "verification"
	KindFailed       AttemptKind = "failed"
	KindSample       AttemptKind = "sample"
)

// AttemptRecord is one append-only audit row. It holds only the session
// identifier, a pseudonymized client key and derived features; raw
// personally identifying data never reaches it.
type AttemptRecord struct {
	ID                string             `json:"id"`
	SessionID         string             `json:"sessionId"`
	Kind              AttemptKind        `json:"kind"`
	ClientKey         string             `json:"clientKey,omitempty"`
	Features          map[string]float64 `json:"features"`
	Assessment        *RiskAssessment    `json:"assessment,omitempty"`
	Action            Action             `json:"action,omitempty"`
	Label             string             `json:"label,omitempty"`
	LabelSource       string             `json:"labelSource,omitempty"`
	FailureReason     string             `json:"failureReason,omitempty"`
	FailureConfidence *float64           `json:"failureConfidence,omitempty"`
	Suspicious        bool               `json:"suspicious"`
	SuspiciousReasons []string           `json:"suspiciousReasons,omitempty"`
	Reviews           []Review           `json:"reviews,omitempty"`
	RecordedAt        time.Time          `json:"recordedAt"`
}

// Review is a manual-review annotation appended after the fact. Seq starts
// at 1 and is dense per record.
type Review struct {
	Seq        int       `json:"seq"`
	Reason     string    `json:"reason"`
	Reviewer   string    `json:"reviewer,omitempty"`
	ReviewedAt time.Time `json:"reviewedAt"`
}

// Reviewed reports whether any review annotation exists.
func (r AttemptRecord) Reviewed() bool {
	return len(r.Reviews) > 0
}

// ReviewReason returns the latest review reason, or "".
func (r AttemptRecord) ReviewReason() string {
	if len(r.Reviews) == 0 {
		return ""
	}
	return r.Reviews[len(r.Reviews)-1].Reason
}

// Clone returns a deep copy so stores never hand out shared state.
func (r AttemptRecord) Clone() AttemptRecord {
	out := r
	if r.Features != nil {
		out.Features = make(map[string]float64, len(r.Features))
		for k, v := range r.Features {
			out.Features[k] = v
		}
	}
	if r.Assessment != nil {
		a := *r.Assessment
		a.Flags = append([]string(nil), r.Assessment.Flags...)
		out.Assessment = &a
	}
	if r.FailureConfidence != nil {
		c := *r.FailureConfidence
		out.FailureConfidence = &c
	}
	out.SuspiciousReasons = append([]string(nil), r.SuspiciousReasons...)
	out.Reviews = append([]Review(nil), r.Reviews...)
	return out
}
