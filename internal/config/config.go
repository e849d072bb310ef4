package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config is the complete runtime configuration of the gate service.
type Config struct {
	Environment string
	Version     string

	Server        ServerConfig
	Logging       LoggingConfig
	CORS          CORSConfig
	RateLimit     RateLimitConfig
	Scoring       ScoringConfig
	Decision      DecisionConfig
	Audit         AuditConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Postgres      PostgresConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Privacy       PrivacyConfig
	Tracing       TracingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string
	MaxAge         int
}

// RateLimitConfig holds per-minute, per-client caps for each route.
type RateLimitConfig struct {
	Backend          string // redis | memory
	Window           time.Duration
	LogPerWindow     int
	VerifyPerWindow  int
	FailedPerWindow  int
	HealthPerWindow  int
	ReviewPerWindow  int
	QueryPerWindow   int
	SessionClaimTTL  time.Duration
	FailOpenOnErrors bool
}

// Scoring strategies.
const (
	StrategyRules = "rules"
	StrategyModel = "model"
)

type ScoringConfig struct {
	Strategy                   string // model | rules
	ClassifierURL              string
	ClassifierAPIKey           string
	ClassifierAPIKeyCiphertext string
	ClassifierTimeout          time.Duration
	BreakerThreshold           int
	BreakerOpenDuration        time.Duration
}

type DecisionConfig struct {
	LowThreshold  float64
	HighThreshold float64
	PolicyVersion string
}

type AuditConfig struct {
	Backend                string // memory | scylla | postgres
	RetentionDays          int
	AggregateRetentionDays int
	RetentionSweep         time.Duration
	HoldoutPercent         int
	ReviewRetries          int
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type PostgresConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled       bool
	URL           string
	Username      string
	Password      string
	Database      string
	BatchSize     int
	FlushInterval time.Duration
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type PrivacyConfig struct {
	PseudonymKey string
}

type TracingConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// LoadConfig reads .env (if present) and the environment. The result is
// cached; later calls return the same instance.
func LoadConfig() *Config {
	configOnce.Do(func() {
		_ = godotenv.Load()
		cfg, err := Parse()
		if err != nil {
			panic("invalid configuration: " + err.Error())
		}
		globalConfig = cfg
	})
	return globalConfig
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

// Parse builds a Config from the current environment without caching it.
func Parse() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Version:     getEnv("SERVICE_VERSION", "1.0.0"),
		Server: ServerConfig{
			Port:         getInt("SERVER_PORT", 8080),
			TLSPort:      getInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getBool("SERVER_AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:        getEnv("SERVER_CERT_EMAIL", ""),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
			MaxAge:         getInt("CORS_MAX_AGE", 300),
		},
		RateLimit: RateLimitConfig{
			Backend:          getEnv("RATE_LIMIT_BACKEND", "memory"),
			Window:           getDuration("RATE_LIMIT_WINDOW", time.Minute),
			LogPerWindow:     getInt("RATE_LIMIT_LOG", 100),
			VerifyPerWindow:  getInt("RATE_LIMIT_VERIFY", 30),
			FailedPerWindow:  getInt("RATE_LIMIT_FAILED", 20),
			HealthPerWindow:  getInt("RATE_LIMIT_HEALTH", 60),
			ReviewPerWindow:  getInt("RATE_LIMIT_REVIEW", 20),
			QueryPerWindow:   getInt("RATE_LIMIT_QUERY", 30),
			SessionClaimTTL:  getDuration("RATE_LIMIT_SESSION_TTL", time.Hour),
			FailOpenOnErrors: getBool("RATE_LIMIT_FAIL_OPEN", true),
		},
		Scoring: ScoringConfig{
			Strategy:                   getEnv("SCORER_STRATEGY", StrategyRules),
			ClassifierURL:              getEnv("CLASSIFIER_URL", ""),
			ClassifierAPIKey:           getEnv("CLASSIFIER_API_KEY", ""),
			ClassifierAPIKeyCiphertext: getEnv("CLASSIFIER_API_KEY_CIPHERTEXT", ""),
			ClassifierTimeout:          getDuration("CLASSIFIER_TIMEOUT", 800*time.Millisecond),
			BreakerThreshold:           getInt("CLASSIFIER_BREAKER_THRESHOLD", 5),
			BreakerOpenDuration:        getDuration("CLASSIFIER_BREAKER_OPEN", 30*time.Second),
		},
		Decision: DecisionConfig{
			LowThreshold:  getFloat("RISK_LOW_THRESHOLD", 0.3),
			HighThreshold: getFloat("RISK_HIGH_THRESHOLD", 0.7),
			PolicyVersion: getEnv("RISK_POLICY_VERSION", "policy-v1"),
		},
		Audit: AuditConfig{
			Backend:                getEnv("AUDIT_BACKEND", "memory"),
			RetentionDays:          getInt("AUDIT_RETENTION_DAYS", 30),
			AggregateRetentionDays: getInt("AUDIT_AGGREGATE_RETENTION_DAYS", 365),
			RetentionSweep:         getDuration("AUDIT_RETENTION_SWEEP", time.Hour),
			HoldoutPercent:         getInt("AUDIT_HOLDOUT_PERCENT", 10),
			ReviewRetries:          getInt("AUDIT_REVIEW_RETRIES", 3),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			PoolSize: getInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Nodes:    getSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "behavior_gate"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Postgres: PostgresConfig{
			URL:          getEnv("DATABASE_URL", ""),
			MaxOpenConns: getInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns: getInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Kafka: KafkaConfig{
			Enabled: getBool("KAFKA_ENABLED", false),
			Brokers: getSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_ATTEMPTS_TOPIC", "behavior.attempts"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:       getBool("CLICKHOUSE_ENABLED", false),
			URL:           getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username:      getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:      getEnv("CLICKHOUSE_PASSWORD", ""),
			Database:      getEnv("CLICKHOUSE_DATABASE", "behavior"),
			BatchSize:     getInt("CLICKHOUSE_BATCH_SIZE", 500),
			FlushInterval: getDuration("CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getBool("ELASTICSEARCH_ENABLED", false),
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_REVIEW_INDEX", "behavior-suspicious"),
		},
		KMS: KMSConfig{
			Enabled: getBool("KMS_ENABLED", false),
			Region:  getEnv("AWS_REGION", "us-east-1"),
			KeyID:   getEnv("KMS_KEY_ID", ""),
		},
		Privacy: PrivacyConfig{
			PseudonymKey: getEnv("PSEUDONYM_KEY", ""),
		},
		Tracing: TracingConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "behavior-gate"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	d := c.Decision
	if d.LowThreshold < 0 || d.HighThreshold > 1 || d.LowThreshold >= d.HighThreshold {
		return fmt.Errorf("risk thresholds must satisfy 0 <= low < high <= 1 (low=%v high=%v)", d.LowThreshold, d.HighThreshold)
	}

	rl := c.RateLimit
	for name, v := range map[string]int{
		"RATE_LIMIT_LOG":    rl.LogPerWindow,
		"RATE_LIMIT_VERIFY": rl.VerifyPerWindow,
		"RATE_LIMIT_FAILED": rl.FailedPerWindow,
		"RATE_LIMIT_HEALTH": rl.HealthPerWindow,
		"RATE_LIMIT_REVIEW": rl.ReviewPerWindow,
		"RATE_LIMIT_QUERY":  rl.QueryPerWindow,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if rl.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	switch rl.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", rl.Backend)
	}

	switch c.Scoring.Strategy {
	case StrategyRules:
	case StrategyModel:
		if c.Scoring.ClassifierURL == "" {
			return fmt.Errorf("CLASSIFIER_URL is required when SCORER_STRATEGY=model")
		}
	default:
		return fmt.Errorf("unknown SCORER_STRATEGY %q", c.Scoring.Strategy)
	}
	if c.Scoring.ClassifierTimeout <= 0 {
		return fmt.Errorf("CLASSIFIER_TIMEOUT must be positive")
	}

	switch c.Audit.Backend {
	case "memory", "scylla":
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when AUDIT_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown AUDIT_BACKEND %q", c.Audit.Backend)
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must be positive")
	}
	if c.Audit.HoldoutPercent < 0 || c.Audit.HoldoutPercent > 100 {
		return fmt.Errorf("AUDIT_HOLDOUT_PERCENT must be within [0,100]")
	}

	if c.IsProduction() && c.Privacy.PseudonymKey == "" {
		return fmt.Errorf("PSEUDONYM_KEY is required in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// GetServerAddress returns the plain-HTTP listen address.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Retention returns the raw attempt retention window.
func (c *AuditConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		panic(fmt.Sprintf("invalid %s=%q", key, val))
	}
	return n
}

func getFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid %s=%q", key, val))
	}
	return f
}

func getBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		panic(fmt.Sprintf("invalid %s=%q", key, val))
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		panic(fmt.Sprintf("invalid %s=%q", key, val))
	}
	return d
}

func getSlice(key string, defaultValue []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
