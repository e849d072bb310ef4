package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"behavior-gate/internal/config"
	"behavior-gate/internal/util"
)

// Statements holds the CQL used by the attempt repository. gocql prepares
// each one on first execution and caches it per host.
type Statements struct {
	InsertAttempt     string
	InsertAttemptByID string
	GetAttemptByID    string
	GetAttempt        string
	GetLatestAttempt  string
	ListReviews       string
	InsertReview      string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS attempts_by_session (
        session_id text,
        recorded_at timestamp,
        record_id text,
        kind text,
        client_key text,
        features map<text, double>,
        assessment text,
        action text,
        label text,
        label_source text,
        failure_reason text,
        failure_confidence double,
        suspicious boolean,
        suspicious_reasons list<text>,
        PRIMARY KEY ((session_id), recorded_at, record_id)
    ) WITH CLUSTERING ORDER BY (recorded_at DESC, record_id ASC)`,
	`CREATE TABLE IF NOT EXISTS attempts_by_id (
        record_id text PRIMARY KEY,
        session_id text,
        recorded_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS attempt_reviews (
        record_id text,
        seq int,
        reason text,
        reviewer text,
        reviewed_at timestamp,
        PRIMARY KEY ((record_id), seq)
    ) WITH CLUSTERING ORDER BY (seq ASC)`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/app/certs/client.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/app/certs/client.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: attemptStatements(),
	}

	if err := client.EnsureSchema(context.Background()); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create attempt tables: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func attemptStatements() Statements {
	return Statements{
		InsertAttempt: `
        INSERT INTO attempts_by_session (
            session_id, recorded_at, record_id, kind, client_key, features, assessment,
            action, label, label_source, failure_reason, failure_confidence,
            suspicious, suspicious_reasons
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`,

		InsertAttemptByID: `
        INSERT INTO attempts_by_id (record_id, session_id, recorded_at)
        VALUES (?, ?, ?) USING TTL ?`,

		GetAttemptByID: `
        SELECT session_id, recorded_at FROM attempts_by_id WHERE record_id = ?`,

		GetAttempt: `
        SELECT session_id, recorded_at, record_id, kind, client_key, features, assessment,
            action, label, label_source, failure_reason, failure_confidence,
            suspicious, suspicious_reasons
        FROM attempts_by_session
        WHERE session_id = ? AND recorded_at = ? AND record_id = ?`,

		GetLatestAttempt: `
        SELECT session_id, recorded_at, record_id, kind, client_key, features, assessment,
            action, label, label_source, failure_reason, failure_confidence,
            suspicious, suspicious_reasons
        FROM attempts_by_session
        WHERE session_id = ? LIMIT 1`,

		ListReviews: `
        SELECT seq, reason, reviewer, reviewed_at FROM attempt_reviews WHERE record_id = ?`,

		InsertReview: `
        INSERT INTO attempt_reviews (record_id, seq, reason, reviewer, reviewed_at)
        VALUES (?, ?, ?, ?, ?) IF NOT EXISTS USING TTL ?`,
	}
}

// EnsureSchema creates the attempt tables when they are missing.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...any) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context, typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries transient read failures. gocql.ErrNotFound is
// returned immediately.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...any) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
