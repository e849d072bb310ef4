package factory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"behavior-gate/internal/audit"
	"behavior-gate/internal/bucketing"
	"behavior-gate/internal/client"
	"behavior-gate/internal/config"
	"behavior-gate/internal/encryption"
	"behavior-gate/internal/handler"
	"behavior-gate/internal/hashing"
	"behavior-gate/internal/ratelimit"
	"behavior-gate/internal/repository/postgres"
	redisrepo "behavior-gate/internal/repository/redis"
	"behavior-gate/internal/repository/scylla"
	"behavior-gate/internal/service"
	"behavior-gate/internal/tls"
	"behavior-gate/internal/tracing"
	"behavior-gate/internal/util"
)

const shardBuckets = 64

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	postgresDB       *sql.DB
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	pseudonymizer    *hashing.Pseudonymizer
	secretResolver   *encryption.SecretResolver
	bucketingManager *bucketing.BucketingManager

	// Audit
	store          audit.Store
	clickhouseSink *audit.ClickHouseSink
	recorder       *audit.Recorder

	// Rate limiting
	limiter       ratelimit.Limiter
	memoryLimiter *ratelimit.MemoryLimiter
	sessionGuard  ratelimit.SessionGuard

	serviceFactory *service.ServiceFactory

	shutdownTracing func(context.Context) error
	stopRetention   context.CancelFunc

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
	}

	shutdown, err := tracing.Init(context.Background(), cfg.Tracing, cfg.Environment)
	if err != nil {
		util.Warn("Tracing initialization failed - proceeding without traces", util.ErrorField(err))
		shutdown = func(context.Context) error { return nil }
	}
	factory.shutdownTracing = shutdown

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.Environment)
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeAudit(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize audit log: %w", err)
	}

	factory.initializeRateLimiting()

	apiKey, err := factory.secretResolver.Resolve(context.Background(),
		cfg.Scoring.ClassifierAPIKey, cfg.Scoring.ClassifierAPIKeyCiphertext)
	if err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to resolve classifier credentials: %w", err)
	}
	factory.serviceFactory = service.NewServiceFactory(cfg, factory.recorder, apiKey, util.Get())

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.String("scorer", cfg.Scoring.Strategy),
		util.String("audit_backend", cfg.Audit.Backend),
		util.String("rate_limit_backend", cfg.RateLimit.Backend),
	)

	return factory, nil
}

// initializeClients initializes the external service clients the
// configuration asks for, with health checks. Primary dependencies fail
// startup; secondary sinks only warn outside production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.RateLimit.Backend == "redis" {
		c, err := client.NewRedisClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		util.Info("Redis client initialized and healthy")
	}

	// Primary audit store
	switch f.config.Audit.Backend {
	case "scylla":
		c, err := scylla.NewScyllaClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		if err := c.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("scylla schema: %w", err)
		}
		util.Info("ScyllaDB client initialized and healthy")
	case "postgres":
		db, err := postgres.Open(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		f.postgresDB = db
		if err := postgres.Migrate(ctx, db); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		util.Info("Postgres connection initialized and migrated")
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else if err := c.EnsureIndex(ctx, f.config.Elasticsearch.Index, audit.SuspiciousIndexMapping); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch index: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes the pseudonymizer, secret resolver and
// bucketing manager
func (f *Factory) initializeManagers() error {
	p, err := hashing.NewPseudonymizer(f.config.Privacy.PseudonymKey)
	if err != nil {
		return err
	}
	f.pseudonymizer = p

	var decrypter encryption.Decrypter
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		kmsClient, err := encryption.NewKMSClient(ctx, f.config.KMS.Region)
		if err != nil {
			return err
		}
		decrypter = kmsClient
	}
	f.secretResolver = encryption.NewSecretResolver(f.config, decrypter)
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Audit.HoldoutPercent, shardBuckets)

	util.Info("Managers initialized successfully",
		util.Bool("kms_enabled", f.config.KMS.Enabled),
		util.Int("holdout_percent", f.config.Audit.HoldoutPercent),
	)
	return nil
}

// initializeAudit builds the primary store, the enabled sinks and the
// recorder, and starts the retention sweep.
func (f *Factory) initializeAudit() error {
	switch {
	case f.scyllaClient != nil:
		f.store = scylla.NewAttemptRepository(f.scyllaClient, f.config.Audit.Retention())
	case f.postgresDB != nil:
		f.store = postgres.NewAttemptRepository(f.postgresDB)
	default:
		if f.config.IsProduction() {
			util.Warn("In-memory audit store in production; records are lost on restart")
		}
		f.store = audit.NewMemoryStore()
	}

	var sinks []audit.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.bucketingManager))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.Index))
	}
	if f.clickhouseClient != nil {
		sink := audit.NewClickHouseSink(f.clickhouseClient, f.bucketingManager,
			f.config.Clickhouse.BatchSize, f.config.Clickhouse.FlushInterval)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sink.EnsureSchema(ctx, f.config.Audit.AggregateRetentionDays)
		cancel()
		if err != nil {
			_ = sink.Close()
			if f.config.IsProduction() {
				return fmt.Errorf("clickhouse schema: %w", err)
			}
			util.Warn("ClickHouse schema setup failed - aggregates disabled", util.ErrorField(err))
		} else {
			f.clickhouseSink = sink
			sinks = append(sinks, sink)
		}
	}

	f.recorder = audit.NewRecorder(f.store, sinks, audit.Options{
		Retention:     f.config.Audit.Retention(),
		ReviewRetries: f.config.Audit.ReviewRetries,
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.stopRetention = cancel
	f.recorder.StartRetention(ctx, f.config.Audit.RetentionSweep)

	util.Info("Audit log initialized",
		util.String("backend", f.config.Audit.Backend),
		util.Int("sinks", len(sinks)),
	)
	return nil
}

func (f *Factory) initializeRateLimiting() {
	if f.redisClient != nil {
		f.limiter = redisrepo.NewRateLimitCache(f.redisClient)
		f.sessionGuard = redisrepo.NewSessionCache(f.redisClient)
		return
	}
	f.memoryLimiter = ratelimit.NewMemoryLimiter(f.config.RateLimit.Window)
	f.limiter = f.memoryLimiter
	f.sessionGuard = ratelimit.NewMemorySessionGuard()
}

// ==============================
// Service and handler wiring
// ==============================

// BehaviorHandler builds the HTTP handler around the gate service.
func (f *Factory) BehaviorHandler() *handler.BehaviorHandler {
	return handler.NewBehaviorHandler(
		f.serviceFactory.GateService(),
		f.limiter,
		f.sessionGuard,
		f.pseudonymizer,
		f.config.RateLimit,
		util.Get(),
	)
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	if f.store != nil {
		if err := f.store.HealthCheck(ctx); err != nil {
			healthErrors["audit_store"] = err
		}
	} else {
		healthErrors["audit_store"] = fmt.Errorf("audit store not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy ignores the secondary sinks.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.stopRetention != nil {
			f.stopRetention()
		}

		if f.memoryLimiter != nil {
			f.memoryLimiter.Stop()
		}

		// Flush buffered aggregates before the client goes away.
		if f.clickhouseSink != nil {
			_ = f.clickhouseSink.Close()
			util.Info("ClickHouse sink flushed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.postgresDB != nil {
			if err := f.postgresDB.Close(); err != nil {
				util.Error("Failed to close Postgres connection", util.ErrorField(err))
			} else {
				util.Info("Postgres connection closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.secretResolver != nil {
			f.secretResolver.ClearCache()
		}

		if f.shutdownTracing != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.shutdownTracing(ctx); err != nil {
				util.Error("Failed to flush traces", util.ErrorField(err))
			}
			cancel()
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
