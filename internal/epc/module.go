package epc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"btr_pipeline/internal/epc/cache"
	"btr_pipeline/internal/epc/client"
	"btr_pipeline/internal/epc/handler"
	"btr_pipeline/internal/epc/publisher"
	"btr_pipeline/internal/epc/repository"
	"btr_pipeline/internal/epc/schema"
	"btr_pipeline/internal/epc/service"
	apphttp "btr_pipeline/internal/http"
	"btr_pipeline/platform/config"
	"btr_pipeline/platform/db"
	"btr_pipeline/platform/logger"
	"btr_pipeline/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Startup retry policy for the optional backends.
var (
	connectAttempts  = 3
	connectBaseDelay = time.Second
)

// Module is the EPC bounded context module.
// Redis, Postgres and MinIO are optional; each one that is not configured (or not
// reachable at startup) is left out and the pipeline runs without it.
type Module struct {
	service *service.Service
	handler *handler.Handler
	pool    *pgxpool.Pool
	rdb     *redis.Client
	log     *logger.Logger
}

// NewModule creates and initializes the EPC module.
func NewModule(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Module, error) {
	schemas, err := schema.Default()
	if err != nil {
		return nil, fmt.Errorf("load schema variants: %w", err)
	}

	m := &Module{log: log}
	val := validator.New()
	apiClient := client.New(cfg, log.WithComponent("epc_client"))
	if !cfg.IsEPCAPIEnabled() {
		log.Info("EPC_API_KEY not configured; bulk download will be used")
	}

	var opts []service.Option
	var runs handler.RunReader

	if cfg.IsRedisEnabled() {
		if c, err := m.initCache(ctx, cfg); err != nil {
			log.Warn("search cache disabled", "error", err)
		} else {
			opts = append(opts, service.WithCache(c))
			log.Info("search cache enabled", "ttl", cfg.GetCacheTTL())
		}
	} else {
		log.Info("search cache disabled: REDIS_URL not configured")
	}

	if cfg.IsDatabaseEnabled() {
		if repo, err := m.initRunLog(ctx, cfg); err != nil {
			log.Warn("run log disabled", "error", err)
		} else {
			opts = append(opts, service.WithRunRecorder(repo))
			runs = repo
			log.Info("run log enabled")
		}
	} else {
		log.Info("run log disabled: DATABASE_URL not configured")
	}

	if cfg.IsMinIOEnabled() {
		pub, err := initPublisher(ctx, cfg, log)
		if err != nil {
			log.Warn("dataset mirror disabled", "error", err)
		} else {
			opts = append(opts, service.WithPublisher(pub))
			log.Info("dataset mirror enabled", "bucket", pub.Bucket())
		}
	} else {
		log.Info("dataset mirror disabled: MINIO_ENDPOINT not configured")
	}

	m.service = service.New(apiClient, schemas, val, log.WithComponent("epc_pipeline"), opts...)
	m.handler = handler.New(runs, cfg.GetOutputDir(), val)

	log.Info("epc module initialized")
	return m, nil
}

func (m *Module) initCache(ctx context.Context, cfg *config.Config) (*cache.SearchCache, error) {
	rdb, err := cache.NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	m.rdb = rdb
	return cache.New(rdb, cfg.GetCacheTTL()), nil
}

func (m *Module) initRunLog(ctx context.Context, cfg config.DatabaseConfig) (*repository.Repository, error) {
	err := withRetry(ctx, m.log, "database connection", connectAttempts, connectBaseDelay, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		m.pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := db.RunMigrations(ctx, m.pool); err != nil {
		m.pool.Close()
		m.pool = nil
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	m.log.Info("database migrations complete")

	return repository.New(m.pool), nil
}

func initPublisher(ctx context.Context, cfg config.MinIOConfig, log *logger.Logger) (*publisher.Publisher, error) {
	store, err := publisher.NewMinIOStore(cfg)
	if err != nil {
		return nil, err
	}
	pub := publisher.New(store, cfg.GetMinioBucketEPCDatasets(), log.WithComponent("epc_publisher"))
	if err := withRetry(ctx, log, "ensure dataset bucket", connectAttempts, connectBaseDelay, func() error {
		return pub.EnsureBucket(ctx)
	}); err != nil {
		return nil, err
	}
	return pub, nil
}

// Service returns the pipeline service.
func (m *Module) Service() *service.Service {
	return m.service
}

// Health returns the database pool for readiness checks, or nil when the run log is disabled.
func (m *Module) Health() apphttp.HealthChecker {
	if m.pool == nil {
		return nil
	}
	return m.pool
}

// Name implements http.Module.
func (m *Module) Name() string {
	return "epc"
}

// RegisterRoutes implements http.Module.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.V1.Group("/epc"))
}

// Close releases the optional backends.
func (m *Module) Close() {
	if m.rdb != nil {
		_ = m.rdb.Close()
	}
	if m.pool != nil {
		m.pool.Close()
	}
}

var (
	_ apphttp.Module = (*Module)(nil)
	_ Fetcher        = (*service.Service)(nil)
)

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", lastErr)

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
