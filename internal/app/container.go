package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockwatch/internal/analytics"
	analytichttp "github.com/odyssey-erp/stockwatch/internal/analytics/http"
	"github.com/odyssey-erp/stockwatch/internal/inventory"
	"github.com/odyssey-erp/stockwatch/internal/masterdata"
	"github.com/odyssey-erp/stockwatch/internal/observability"
	"github.com/odyssey-erp/stockwatch/internal/platform/cache"
	"github.com/odyssey-erp/stockwatch/internal/platform/db"
	"github.com/odyssey-erp/stockwatch/internal/platform/numerator"
	"github.com/odyssey-erp/stockwatch/internal/rbac"
	"github.com/odyssey-erp/stockwatch/internal/shared"
	"github.com/odyssey-erp/stockwatch/internal/stockcount"
	"github.com/odyssey-erp/stockwatch/internal/transfer"
	"github.com/odyssey-erp/stockwatch/internal/variance"
	variancehttp "github.com/odyssey-erp/stockwatch/internal/variance/http"
	"github.com/odyssey-erp/stockwatch/jobs"
	"github.com/odyssey-erp/stockwatch/migrations"
)

// Container holds the wired services of one process.
type Container struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
	Policy  *rbac.Policy

	Directory masterdata.Repository
	Ledger    *inventory.Service
	Cache     *analytics.Cache
	Analytics *analytics.Service
	Variance  *variance.Service
	Scheduler *variance.Scheduler
	Counts    *stockcount.Service
	Transfers *transfer.Service
	Keys      shared.KeyStore
}

type storage struct {
	directory masterdata.Repository
	ledger    inventory.Store
	alerts    variance.Repository
	counts    stockcount.Repository
	transfers transfer.Repository
	numbers   numerator.Generator
	audit     shared.AuditSink
	idem      shared.KeyStore
}

func memoryStorage() storage {
	ledger := inventory.NewMemoryStore()
	return storage{
		directory: masterdata.NewMemoryRepository(),
		ledger:    ledger,
		alerts:    variance.NewMemoryRepository(),
		counts:    stockcount.NewMemoryRepository(ledger),
		transfers: transfer.NewMemoryRepository(ledger),
		numbers:   numerator.NewMemory(),
		audit:     shared.NewMemoryAuditLog(),
		idem:      shared.NewMemoryIdempotency(),
	}
}

func postgresStorage(pool *pgxpool.Pool) storage {
	return storage{
		directory: masterdata.NewRepository(pool),
		ledger:    inventory.NewRepository(pool),
		alerts:    variance.NewRepository(pool),
		counts:    stockcount.NewRepository(pool),
		transfers: transfer.NewRepository(pool),
		numbers:   numerator.NewPostgres(pool),
		audit:     shared.NewAuditLogger(pool),
		idem:      shared.NewIdempotencyStore(pool),
	}
}

// Build connects storage and wires every service according to cfg. The
// caller owns the container and must Close it.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
		Policy:  rbac.DefaultPolicy(),
	}

	var st storage
	switch cfg.StorageDriver {
	case DriverMemory:
		st = memoryStorage()
	case DriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		c.Pool = pool
		if cfg.AutoMigrate {
			applied, err := db.Migrate(ctx, pool, migrations.Files)
			if err != nil {
				c.Close()
				return nil, err
			}
			logger.Info("schema migrated", slog.Any("applied", applied))
		}
		st = postgresStorage(pool)
		c.registerPoolMetrics()
	default:
		return nil, fmt.Errorf("app: unknown storage driver %q", cfg.StorageDriver)
	}
	c.Directory = st.directory
	c.Keys = st.idem

	if cfg.SeedFile != "" {
		n, err := masterdata.LoadSeedFile(ctx, st.directory, cfg.SeedFile)
		if err != nil {
			c.Close()
			return nil, err
		}
		logger.Info("master data seeded", slog.Int("records", n), slog.String("file", cfg.SeedFile))
	}

	if cfg.RedisEnabled() {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, caching and scan locks disabled", slog.Any("error", err))
		} else {
			c.Redis = client
		}
	}

	c.Ledger = inventory.NewService(st.ledger, st.directory, c.Policy, st.audit, st.idem, logger, inventory.ServiceConfig{
		PageSize:      cfg.MovementsPage,
		MaxFutureSkew: cfg.MaxFutureSkew,
	})

	analyticsCfg, err := cfg.AnalyticsConfig()
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Cache = analytics.NewCache(c.Redis, cfg.CacheTTL, logger)
	c.Ledger.Subscribe(c.Cache)
	c.Analytics = analytics.NewService(st.ledger, c.Cache, analyticsCfg, logger)

	varianceCfg, err := cfg.VarianceConfig()
	if err != nil {
		c.Close()
		return nil, err
	}
	engine, err := variance.NewEngine(varianceCfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Variance = variance.NewService(st.alerts, st.ledger, st.directory, c.Policy, engine, logger)
	c.Variance.SetAudit(st.audit)
	c.Variance.SetMetrics(c.Metrics.Jobs())
	if c.Redis != nil {
		c.Variance.SetLocker(variance.NewRedisLocker(c.Redis), cfg.ScanLockTTL)
	}
	c.Scheduler = variance.NewScheduler(c.Variance, st.directory, cfg.ScanInterval, logger)

	c.Counts = stockcount.NewService(st.counts, c.Ledger, st.directory, c.Policy, st.numbers, c.Variance, st.audit, logger)
	c.Transfers = transfer.NewService(st.transfers, c.Ledger, st.directory, c.Policy, st.numbers, c.Variance, st.audit, logger)
	return c, nil
}

func (c *Container) registerPoolMetrics() {
	pool := c.Pool
	c.Metrics.Registerer().MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stockwatch_db_pool_acquired_conns",
			Help: "Connections currently checked out of the pool.",
		}, func() float64 { return float64(pool.Stat().AcquiredConns()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stockwatch_db_pool_total_conns",
			Help: "Connections currently held by the pool.",
		}, func() float64 { return float64(pool.Stat().TotalConns()) }),
	)
}

// Ping reports whether storage and Redis respond.
func (c *Container) Ping(ctx context.Context) error {
	if c.Pool != nil {
		if err := c.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Router builds the HTTP surface. enqueuer and inspector may be nil.
func (c *Container) Router(enqueuer variancehttp.Enqueuer, inspector *asynq.Inspector) http.Handler {
	mw := rbac.Middleware{Policy: c.Policy, Logger: c.Logger}
	return NewRouter(RouterParams{
		Logger:           c.Logger,
		Config:           c.Config,
		RBACMiddleware:   mw,
		Ping:             c.Ping,
		InventoryHandler: inventory.NewHandler(c.Logger, c.Ledger, mw),
		AnalyticsHandler: analytichttp.NewHandler(c.Logger, c.Analytics, c.Variance, mw),
		VarianceHandler:  variancehttp.NewHandler(c.Logger, c.Variance, mw, enqueuer),
		CountHandler:     stockcount.NewHandler(c.Logger, c.Counts, mw),
		TransferHandler:  transfer.NewHandler(c.Logger, c.Transfers, mw),
		JobHandler:       jobs.NewHandler(inspector, c.Logger),
		Metrics:          c.Metrics,
	})
}

// Close releases connections.
func (c *Container) Close() {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
