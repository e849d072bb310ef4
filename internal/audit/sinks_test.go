package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"behavior-gate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	key     []byte
	value   []byte
	headers map[string]string
}

func (p *fakeProducer) ProduceMessage(_ context.Context, key, value []byte, headers map[string]string) error {
	p.key, p.value, p.headers = key, value, headers
	return nil
}

type fixedSplit string

func (s fixedSplit) Split(string) string { return string(s) }

type fixedShard int

func (s fixedShard) GetShardBucket(string) int { return int(s) }

type fakeIndexer struct {
	calls int
	id    string
	doc   any
}

func (i *fakeIndexer) IndexDocument(_ context.Context, _, id string, doc any) error {
	i.calls++
	i.id, i.doc = id, doc
	return nil
}

type fakeBatchWriter struct {
	mu      sync.Mutex
	fail    bool
	batches [][][]any
	ddl     string
}

func (w *fakeBatchWriter) Exec(_ context.Context, query string, _ ...any) error {
	w.ddl = query
	return nil
}

func (w *fakeBatchWriter) BatchInsert(_ context.Context, _ string, data [][]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("connection refused")
	}
	w.batches = append(w.batches, data)
	return nil
}

func (w *fakeBatchWriter) rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func sampleRecord() models.AttemptRecord {
	return models.AttemptRecord{
		ID:         "rec-1",
		SessionID:  "sess-1",
		Kind:       models.KindVerification,
		ClientKey:  "pseudonymous",
		Features:   map[string]float64{"interaction_score": 0.01},
		Suspicious: true,
		SuspiciousReasons: []string{
			ReasonNearZeroInteraction,
		},
		Assessment: &models.RiskAssessment{RiskScore: 0.8, RiskLevel: models.RiskHigh, Action: models.ActionBlock, ModelVersion: "rules-v1"},
		RecordedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestKafkaSinkPublish(t *testing.T) {
	p := &fakeProducer{}
	sink := NewKafkaSink(p, fixedSplit("holdout"))

	require.NoError(t, sink.Publish(context.Background(), sampleRecord()))
	assert.Equal(t, "sess-1", string(p.key))
	assert.Equal(t, "holdout", p.headers["split"])
	assert.Equal(t, "verification", p.headers["kind"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(p.value, &body))
	assert.Equal(t, "rec-1", body["recordId"])
	assert.Equal(t, "rules-v1", body["modelVersion"])
	assert.NotContains(t, body, "clientKey")
}

func TestElasticsearchSinkSkipsOrdinaryRecords(t *testing.T) {
	idx := &fakeIndexer{}
	sink := NewElasticsearchSink(idx, "suspicious-attempts")

	rec := sampleRecord()
	rec.Suspicious = false
	require.NoError(t, sink.Publish(context.Background(), rec))
	assert.Equal(t, 0, idx.calls)

	require.NoError(t, sink.Publish(context.Background(), sampleRecord()))
	assert.Equal(t, 1, idx.calls)
	assert.Equal(t, "rec-1", idx.id)
}

func TestClickHouseSinkFlushesOnBatchSize(t *testing.T) {
	w := &fakeBatchWriter{}
	sink := NewClickHouseSink(w, fixedShard(7), 2, time.Hour)
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.Publish(ctx, sampleRecord()))
	require.NoError(t, sink.Publish(ctx, sampleRecord()))

	assert.Eventually(t, func() bool { return w.rows() == 2 }, time.Second, 5*time.Millisecond)

	w.mu.Lock()
	row := w.batches[0][0]
	w.mu.Unlock()
	assert.Equal(t, uint16(7), row[3])
	assert.Equal(t, "HIGH", row[6])
}

func TestClickHouseSinkKeepsRowsOnFailureAndFlushesOnClose(t *testing.T) {
	w := &fakeBatchWriter{fail: true}
	sink := NewClickHouseSink(w, fixedShard(0), 100, 10*time.Millisecond)

	require.NoError(t, sink.Publish(context.Background(), sampleRecord()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, w.rows())

	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, w.rows())
	assert.Equal(t, 0, sink.Pending())
}

func TestClickHouseSinkEnsureSchema(t *testing.T) {
	w := &fakeBatchWriter{}
	sink := NewClickHouseSink(w, fixedShard(0), 10, time.Hour)
	defer sink.Close()

	require.NoError(t, sink.EnsureSchema(context.Background(), 365))
	assert.Contains(t, w.ddl, "INTERVAL 365 DAY")
	assert.Contains(t, w.ddl, aggregatesTable)
}
