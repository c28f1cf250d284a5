// Package app wires the shared runtime of the channelsync binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"channelsync/internal/config"
	"channelsync/internal/database"
	"channelsync/internal/dispatch"
	"channelsync/internal/events"
	"channelsync/internal/exchange"
	"channelsync/internal/exchange/tasks"
	"channelsync/internal/logging"
	"channelsync/internal/metrics"
	"channelsync/internal/reconcile"
	"channelsync/internal/service"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const fallbackQueueSize = 1024

// LoadConfig reads CONFIG_PATH (configs/config.yaml by default) and builds the
// root logger tagged with component.
func LoadConfig(component string) (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logging.Component(baseLogger, component), closer, nil
}

// OpenDatabase opens the configured driver and applies the schema.
func OpenDatabase(cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	var (
		db  *database.DB
		err error
	)
	switch database.Dialect(cfg.Database.Driver) {
	case database.DialectMySQL:
		db, err = database.Open(database.DialectMySQL, cfg.Database.DSN, logger)
	default:
		db, err = database.NewDB(cfg.Database.Path, logger)
	}
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.Database.Driver).Msg("init database")
		return nil, err
	}
	return db, nil
}

// OpenRedis returns nil when redis is not configured or unreachable.
func OpenRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := dispatch.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// Runtime holds the collaborators every binary shares.
type Runtime struct {
	Config       *config.Config
	DB           *database.DB
	Bus          *events.EventBus
	Redis        *redis.Client
	Calendar     *service.CalendarService
	Orchestrator *exchange.Orchestrator
	Logger       *zerolog.Logger

	stops []func()
}

// New opens storage, installs the reconciler and registers every task.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*Runtime, error) {
	db, err := OpenDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config: cfg,
		DB:     db,
		Bus:    events.NewEventBus(),
		Redis:  OpenRedis(ctx, cfg, logger),
		Logger: logger,
	}

	db.Use(reconcile.New(reconcile.Options{
		IgnoredFields: cfg.Exchange.IgnoredFields,
		MaxAttempts:   cfg.Exchange.MaxAttempts,
		Bus:           rt.Bus,
		Logger:        logger,
	}))
	rt.Calendar = service.NewCalendarService(db, logger)

	base := exchange.QueueHandler{
		Policy:         exchange.NewRetryPolicy(cfg.Exchange.Retry),
		RejectionDelay: cfg.Exchange.RejectionDelay,
		Bus:            rt.Bus,
		Logger:         logger,
	}
	if rt.Redis != nil {
		base.DeadLetter = exchange.NewRedisDeadLetter(rt.Redis, cfg.Redis.DeadLetterKey)
	}

	registry := exchange.NewRegistry()
	if err := tasks.Register(registry, tasks.Deps{
		DB:      db,
		Applier: rt.Calendar,
		Config:  cfg,
		Base:    base,
	}); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("register tasks: %w", err)
	}

	transport := exchange.NewHTTPTransport(cfg.Exchange.HTTPTimeout, cfg.Exchange.RequestsPerSec, logger)
	rt.Orchestrator = exchange.NewOrchestrator(registry, transport, workerID(cfg), logger)
	return rt, nil
}

// DispatchQueue builds the wake-up queue: Pub/Sub when enabled, else redis,
// with an in-memory fallback. Enqueue events of the bus are forwarded to it.
// Only consumers subscribe on Pub/Sub.
func (rt *Runtime) DispatchQueue(ctx context.Context, consume bool) (dispatch.Queue, error) {
	var primary dispatch.Queue
	switch {
	case rt.Config.PubSub.Enabled:
		client, err := dispatch.NewPubSubClient(ctx, rt.Config.PubSub)
		if err != nil {
			return nil, err
		}
		sub := ""
		if consume {
			sub = rt.Config.PubSub.Subscription
		}
		q := dispatch.NewPubSubQueue(client, rt.Config.PubSub.Topic, sub, rt.Logger)
		q.Start(ctx)
		rt.stops = append(rt.stops, func() {
			q.Stop()
			_ = client.Close()
		})
		primary = q
	case rt.Redis != nil:
		primary = dispatch.NewRedisQueue(rt.Redis, rt.Config.Redis.QueueKey)
	}

	var q dispatch.Queue = dispatch.NewMemoryQueue(fallbackQueueSize)
	if primary != nil {
		q = dispatch.NewFailoverQueue(primary, q, rt.Logger)
	}
	dispatch.Forward(rt.Bus, q, 5*time.Second, rt.Logger)
	return q, nil
}

// EnabledTasks lists the registered tasks workers should poll.
func (rt *Runtime) EnabledTasks() []string {
	var names []string
	for _, name := range tasks.Names() {
		if rt.Config.TaskEnabled(name) {
			names = append(names, name)
		}
	}
	return names
}

func (rt *Runtime) Close() error {
	for i := len(rt.stops) - 1; i >= 0; i-- {
		rt.stops[i]()
	}
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	errs = append(errs, rt.DB.Close())
	return errors.Join(errs...)
}

func workerID(cfg *config.Config) string {
	if cfg.Exchange.WorkerID != "" {
		return cfg.Exchange.WorkerID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// StartMetrics serves /metrics on the monitoring port until ctx is done.
func StartMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
