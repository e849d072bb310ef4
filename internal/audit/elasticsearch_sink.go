package audit

import (
	"context"
	"time"

	"behavior-gate/internal/models"
)

// DocumentIndexer is the subset of client.ESClient used by ElasticsearchSink.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document any) error
}

// SuspiciousIndexMapping is applied when the review index is created.
const SuspiciousIndexMapping = `{
  "mappings": {
    "properties": {
      "recordId":          {"type": "keyword"},
      "sessionId":         {"type": "keyword"},
      "kind":              {"type": "keyword"},
      "suspiciousReasons": {"type": "keyword"},
      "riskScore":         {"type": "float"},
      "riskLevel":         {"type": "keyword"},
      "action":            {"type": "keyword"},
      "flags":             {"type": "keyword"},
      "modelVersion":      {"type": "keyword"},
      "features":          {"type": "object", "dynamic": true},
      "recordedAt":        {"type": "date"}
    }
  }
}`

type suspiciousDocument struct {
	RecordID          string             `json:"recordId"`
	SessionID         string             `json:"sessionId"`
	Kind              models.AttemptKind `json:"kind"`
	SuspiciousReasons []string           `json:"suspiciousReasons"`
	RiskScore         *float64           `json:"riskScore,omitempty"`
	RiskLevel         models.RiskLevel   `json:"riskLevel,omitempty"`
	Action            models.Action      `json:"action,omitempty"`
	Flags             []string           `json:"flags,omitempty"`
	ModelVersion      string             `json:"modelVersion,omitempty"`
	Features          map[string]float64 `json:"features"`
	RecordedAt        time.Time          `json:"recordedAt"`
}

// ElasticsearchSink indexes suspicious attempts for manual review search.
// Other records are skipped.
type ElasticsearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchSink(indexer DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Publish(ctx context.Context, rec models.AttemptRecord) error {
	if !rec.Suspicious {
		return nil
	}

	doc := suspiciousDocument{
		RecordID:          rec.ID,
		SessionID:         rec.SessionID,
		Kind:              rec.Kind,
		SuspiciousReasons: rec.SuspiciousReasons,
		Action:            rec.Action,
		Features:          rec.Features,
		RecordedAt:        rec.RecordedAt,
	}
	if a := rec.Assessment; a != nil {
		score := a.RiskScore
		doc.RiskScore = &score
		doc.RiskLevel = a.RiskLevel
		doc.Flags = a.Flags
		doc.ModelVersion = a.ModelVersion
	}
	return s.indexer.IndexDocument(ctx, s.index, rec.ID, doc)
}
