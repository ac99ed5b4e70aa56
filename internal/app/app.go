package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/promoflow/promoflow/internal/catalog"
	"github.com/promoflow/promoflow/internal/config"
	"github.com/promoflow/promoflow/internal/event"
	handler "github.com/promoflow/promoflow/internal/handler/http"
	"github.com/promoflow/promoflow/internal/repository/postgres"
	"github.com/promoflow/promoflow/internal/scheduler"
	"github.com/promoflow/promoflow/internal/scheduler/cloudscheduler"
	"github.com/promoflow/promoflow/internal/scheduler/httpscheduler"
	"github.com/promoflow/promoflow/internal/service"
	"github.com/promoflow/promoflow/migrations"
	"github.com/promoflow/promoflow/pkg/database"
	"github.com/promoflow/promoflow/pkg/health"
	"github.com/promoflow/promoflow/pkg/httpclient"
	pkgkafka "github.com/promoflow/promoflow/pkg/kafka"
	"github.com/promoflow/promoflow/pkg/middleware"
	"github.com/promoflow/promoflow/pkg/tracing"
)

// ServiceName tags logs, metrics and traces.
const ServiceName = "promoflow"

// Version is overridden at build time.
var Version = "dev"

// App wires together all dependencies and runs promoflow.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	pool      *pgxpool.Pool
	redis     *redis.Client
	producer  *pkgkafka.Producer
	dlq       *pkgkafka.DLQProducer
	consumers []*pkgkafka.Consumer
	closers   []io.Closer

	catalog      *catalog.Catalog
	orchestrator *service.Orchestrator
	reconciler   *service.Reconciler
	httpServer   *http.Server

	shutdownTracer tracing.ShutdownFunc
	shutdownOnce   sync.Once
}

// NewApp creates a new application instance, initializing all dependencies.
// Nothing listens or consumes until Run is called.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Shutdown()
		}
	}()

	a.shutdownTracer, err = tracing.InitTracer(ctx, cfg.Tracing(ServiceName, Version))
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	database.SetSlowQueryLogging(cfg.SlowQueryThreshold(), logger)

	a.catalog, err = catalog.Load(cfg.PromotionCatalogPath, cfg.CallbackBaseURL)
	if err != nil {
		return nil, fmt.Errorf("load promotion catalog: %w", err)
	}
	logger.Info("promotion catalog loaded", slog.Int("promotions", len(a.catalog.All())))

	// Initialize PostgreSQL connection pool.
	pgCfg := cfg.Postgres()
	a.pool, err = database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	if err := database.RunMigrations(ctx, a.pool, migrations.FS, logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	reg := prometheus.NewRegistry()
	if err := database.RegisterPoolMetrics(reg, a.pool, ServiceName); err != nil {
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}

	sched, err := a.newScheduler(ctx)
	if err != nil {
		return nil, err
	}
	sched = scheduler.NewInstrumented(sched, cfg.SchedulerBackend, reg)

	var events service.EventPublisher = event.Nop{}
	if cfg.KafkaEnabled {
		a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		a.dlq = pkgkafka.NewDLQProducer(cfg.KafkaBrokers, logger)
		events = event.NewProducer(a.producer, logger)
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}

	if cfg.RedisEnabled() {
		a.redis, err = database.NewRedisClient(ctx, cfg.Redis())
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("connected to Redis", slog.String("addr", cfg.Redis().Addr()))
	}

	// Build the dependency graph.
	store := postgres.NewActivePromotionRepository(a.pool, a.catalog)
	transitions := postgres.NewTransitionRepository(a.pool)
	metrics := service.NewMetrics(reg)

	a.orchestrator = service.NewOrchestrator(a.catalog, store, transitions, sched, events, logger,
		service.WithTimeouts(service.Timeouts{Scheduler: cfg.SchedulerTimeout(), Store: cfg.StoreTimeout()}),
		service.WithMetrics(metrics),
	)
	a.reconciler = service.NewReconciler(a.catalog, store, transitions, sched, events, metrics, logger)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return a.pool.Ping(ctx)
	})
	if a.redis != nil {
		healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	if a.producer != nil {
		healthHandler.RegisterNonCritical("kafka", a.producer.Ping)
	}

	// HTTP router.
	router := handler.NewRouter(handler.RouterConfig{
		Promotions: handler.NewPromotionHandler(a.orchestrator, logger),
		Admin:      handler.NewAdminHandler(a.reconciler, a.reconcileOptions(false), logger),
		Health:     healthHandler,
		Metrics:    middleware.NewHTTPMetrics(reg, ServiceName),
		Gatherer:   prometheus.Gatherers{prometheus.DefaultGatherer, reg},
		CORS:       middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins},
		Logger:     logger,
	})

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.SchedulerTimeout() + cfg.StoreTimeout()*3 + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return a, nil
}

func (a *App) newScheduler(ctx context.Context) (scheduler.Client, error) {
	switch a.cfg.SchedulerBackend {
	case config.SchedulerBackendCloud:
		c, err := cloudscheduler.New(ctx, cloudscheduler.Config{
			ProjectID:       a.cfg.GCPProjectID,
			LocationID:      a.cfg.GCPLocationID,
			CredentialsFile: a.cfg.GCPCredentialsFile,
			TimeZone:        a.cfg.TimeZone(),
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("create cloud scheduler client: %w", err)
		}
		a.closers = append(a.closers, c)
		a.logger.Info("using Cloud Scheduler",
			slog.String("project", a.cfg.GCPProjectID),
			slog.String("location", a.cfg.GCPLocationID),
		)
		return c, nil
	default:
		// Job creation is not idempotent, so the client never retries.
		httpCfg := httpclient.DefaultConfig()
		httpCfg.Timeout = a.cfg.SchedulerTimeout()
		httpCfg.MaxRetries = 0
		breaker := httpclient.NewCircuitBreakerClient(httpclient.New(httpCfg), a.cfg.CircuitBreaker("scheduler"), a.logger)
		a.logger.Info("using REST scheduler", slog.String("url", a.cfg.SchedulerURL))
		return httpscheduler.New(httpscheduler.Config{
			BaseURL:  a.cfg.SchedulerURL,
			TimeZone: a.cfg.TimeZone(),
		}, breaker, a.logger), nil
	}
}

func (a *App) reconcileOptions(dryRun bool) service.ReconcileOptions {
	return service.ReconcileOptions{DryRun: dryRun, PendingGrace: a.cfg.PendingGrace()}
}

// Reconcile runs one reconciliation pass.
func (a *App) Reconcile(ctx context.Context, dryRun bool) (*service.ReconcileReport, error) {
	return a.reconciler.Reconcile(ctx, a.reconcileOptions(dryRun))
}

// Run starts the HTTP server and the event consumers and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.ReconcileOnStartup {
		if _, err := a.Reconcile(ctx, false); err != nil {
			a.logger.ErrorContext(ctx, "startup reconciliation failed", slog.String("error", err.Error()))
		}
	}

	errCh := make(chan error, 1)

	if a.cfg.KafkaEnabled {
		a.consumers = event.NewConsumers(event.NewConsumer(a.orchestrator, a.logger), event.ConsumerOptions{
			Brokers:        a.cfg.KafkaBrokers,
			Redis:          a.redisClient(),
			IdempotencyTTL: a.cfg.RedisEventTTL,
		}, a.dlq, a.logger)
		for _, c := range a.consumers {
			go func(c *pkgkafka.Consumer) {
				if err := c.Start(ctx); err != nil {
					a.logger.Error("kafka consumer stopped", slog.String("error", err.Error()))
				}
			}(c)
		}
		a.logger.Info("kafka consumers started", slog.Int("count", len(a.consumers)))
	}

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// redisClient avoids handing a typed nil to an interface.
func (a *App) redisClient() redis.UniversalClient {
	if a.redis == nil {
		return nil
	}
	return a.redis
}

// Shutdown gracefully stops all components. It is safe to call more than
// once and on a partially built App.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(a.shutdown)
	return nil
}

func (a *App) shutdown() {
	a.logger.Info("shutting down application...")

	// Graceful HTTP server shutdown with a 10-second deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		}
	}

	for _, c := range a.consumers {
		if err := c.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		}
	}
	if a.dlq != nil {
		if err := a.dlq.Close(); err != nil {
			a.logger.Error("kafka dlq producer close error", slog.String("error", err.Error()))
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Error("close error", slog.String("error", err.Error()))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(shutdownCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
		}
	}

	a.logger.Info("application shutdown complete")
}
