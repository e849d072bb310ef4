package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"behavior-gate/internal/features"
	"behavior-gate/internal/models"
	"behavior-gate/internal/util"
)

// BatchWriter is the subset of client.ClickHouseClient used by ClickHouseSink.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...any) error
	BatchInsert(ctx context.Context, query string, data [][]any) error
}

// Sharder spreads rows over a fixed number of shard buckets.
type Sharder interface {
	GetShardBucket(key string) int
}

const aggregatesTable = "behavior_attempt_aggregates"

const insertAggregates = `INSERT INTO ` + aggregatesTable + ` (
    recorded_date, recorded_at, record_id, shard, kind, risk_score, risk_level, action,
    model_version, suspicious, time_on_page_seconds, interaction_score, idle_ratio,
    mouse_move_rate, key_press_rate, context_completeness)`

var errSinkOverflow = errors.New("clickhouse buffer full, oldest rows dropped")

// ClickHouseSink buffers derived features and decisions and writes them in
// batches for long-retention analytics. A background goroutine flushes on
// size or interval until Close.
type ClickHouseSink struct {
	writer        BatchWriter
	sharder       Sharder
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending [][]any
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewClickHouseSink(writer BatchWriter, sharder Sharder, batchSize int, flushInterval time.Duration) *ClickHouseSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	s := &ClickHouseSink{
		writer:        writer,
		sharder:       sharder,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.run()
	return s
}

// EnsureSchema creates the aggregates table with a TTL of retentionDays.
func (s *ClickHouseSink) EnsureSchema(ctx context.Context, retentionDays int) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    recorded_date Date,
    recorded_at DateTime64(3, 'UTC'),
    record_id String,
    shard UInt16,
    kind LowCardinality(String),
    risk_score Nullable(Float64),
    risk_level LowCardinality(String),
    action LowCardinality(String),
    model_version LowCardinality(String),
    suspicious UInt8,
    time_on_page_seconds Float64,
    interaction_score Float64,
    idle_ratio Float64,
    mouse_move_rate Float64,
    key_press_rate Float64,
    context_completeness Float64
) ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMM(recorded_date)
ORDER BY (recorded_date, shard, record_id)
TTL recorded_date + INTERVAL %d DAY`, aggregatesTable, retentionDays)
	return s.writer.Exec(ctx, ddl)
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// Publish queues rec. It only fails when the buffer overflowed because
// ClickHouse has been unreachable for a while.
func (s *ClickHouseSink) Publish(_ context.Context, rec models.AttemptRecord) error {
	row := s.row(rec)

	s.mu.Lock()
	s.pending = append(s.pending, row)
	overflow := len(s.pending) > 10*s.batchSize
	if overflow {
		s.pending = s.pending[len(s.pending)-10*s.batchSize:]
	}
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	if overflow {
		return errSinkOverflow
	}
	return nil
}

func (s *ClickHouseSink) row(rec models.AttemptRecord) []any {
	f := features.Vector(rec.Features)

	var (
		score                       *float64
		level, action, modelVersion string
	)
	action = string(rec.Action)
	if a := rec.Assessment; a != nil {
		v := a.RiskScore
		score = &v
		level = string(a.RiskLevel)
		action = string(a.Action)
		modelVersion = a.ModelVersion
	}
	var suspicious uint8
	if rec.Suspicious {
		suspicious = 1
	}

	recordedAt := rec.RecordedAt.UTC()
	return []any{
		recordedAt.Truncate(24 * time.Hour),
		recordedAt,
		rec.ID,
		uint16(s.sharder.GetShardBucket(rec.SessionID)),
		string(rec.Kind),
		score,
		level,
		action,
		modelVersion,
		suspicious,
		f[features.TimeOnPageSeconds],
		f[features.InteractionScore],
		f[features.IdleRatio],
		f[features.MouseMoveRate],
		f[features.KeyPressRate],
		f[features.ContextCompleteness],
	}
}

func (s *ClickHouseSink) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.kick:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

// flush sends everything pending. On failure the rows are put back in
// front of anything queued meanwhile.
func (s *ClickHouseSink) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.writer.BatchInsert(ctx, insertAggregates, batch); err != nil {
		util.Warn("ClickHouse aggregate flush failed",
			util.Int("rows", len(batch)),
			util.ErrorField(err))
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return
	}
	util.Debug("ClickHouse aggregates flushed", zap.Int("rows", len(batch)))
}

// Pending returns the number of buffered rows.
func (s *ClickHouseSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close flushes what is buffered and stops the background goroutine.
func (s *ClickHouseSink) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
