package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"behavior-gate/internal/models"
)

// MessageProducer is the subset of client.KafkaProducer used by KafkaSink.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// Splitter assigns a session to the train or holdout dataset.
type Splitter interface {
	Split(sessionID string) string
}

// attemptEvent is the feedback-loop message. It carries derived features
// and the outcome, never the client key.
type attemptEvent struct {
	RecordID          string             `json:"recordId"`
	SessionID         string             `json:"sessionId"`
	Kind              models.AttemptKind `json:"kind"`
	Features          map[string]float64 `json:"features"`
	Label             string             `json:"label,omitempty"`
	LabelSource       string             `json:"labelSource,omitempty"`
	FailureReason     string             `json:"failureReason,omitempty"`
	RiskScore         *float64           `json:"riskScore,omitempty"`
	RiskLevel         models.RiskLevel   `json:"riskLevel,omitempty"`
	Action            models.Action      `json:"action,omitempty"`
	ModelVersion      string             `json:"modelVersion,omitempty"`
	Suspicious        bool               `json:"suspicious"`
	SuspiciousReasons []string           `json:"suspiciousReasons,omitempty"`
	Split             string             `json:"split"`
	RecordedAt        time.Time          `json:"recordedAt"`
}

// KafkaSink streams every attempt to the model feedback topic, keyed by
// session so a session's attempts stay ordered.
type KafkaSink struct {
	producer MessageProducer
	splitter Splitter
}

func NewKafkaSink(producer MessageProducer, splitter Splitter) *KafkaSink {
	return &KafkaSink{producer: producer, splitter: splitter}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, rec models.AttemptRecord) error {
	event := attemptEvent{
		RecordID:          rec.ID,
		SessionID:         rec.SessionID,
		Kind:              rec.Kind,
		Features:          rec.Features,
		Label:             rec.Label,
		LabelSource:       rec.LabelSource,
		FailureReason:     rec.FailureReason,
		Action:            rec.Action,
		Suspicious:        rec.Suspicious,
		SuspiciousReasons: rec.SuspiciousReasons,
		Split:             s.splitter.Split(rec.SessionID),
		RecordedAt:        rec.RecordedAt,
	}
	if a := rec.Assessment; a != nil {
		score := a.RiskScore
		event.RiskScore = &score
		event.RiskLevel = a.RiskLevel
		event.ModelVersion = a.ModelVersion
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt event: %w", err)
	}

	headers := map[string]string{
		"schema": "behavior.attempt.v1",
		"kind":   string(rec.Kind),
		"split":  event.Split,
	}
	return s.producer.ProduceMessage(ctx, []byte(rec.SessionID), value, headers)
}
