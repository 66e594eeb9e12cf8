// Package main runs the Bifrost flag engine.
//
// It is the composition root: it loads configuration, connects the optional
// backends, loads flag definitions and serves the control API, the
// observability endpoints and the background scheduler until a shutdown signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/controlapi"
	"github.com/rafaeljc/bifrost/internal/database"
	"github.com/rafaeljc/bifrost/internal/ingest"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/notify"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/recorder"
	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/rollback"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/scheduler"
	"github.com/rafaeljc/bifrost/internal/service"
	"github.com/rafaeljc/bifrost/internal/store"
	"github.com/rafaeljc/bifrost/internal/tracing"
)

// poolMonitorInterval is how often pgx pool statistics are exported.
const poolMonitorInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bifrost: %v\n", err)
		os.Exit(1)
	}
}

// backends holds the optional infrastructure clients.
type backends struct {
	db       *pgxpool.Pool
	redis    *redis.Client
	checkers []observability.Checker
}

func (b *backends) close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration, logging and tracing
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, cfg.App.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("failed to flush spans", slog.String("error", err.Error()))
		}
	}()

	// -------------------------------------------------------------------------
	// 2. Infrastructure
	// -------------------------------------------------------------------------
	infra, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer infra.close()

	// -------------------------------------------------------------------------
	// 3. Flag definitions
	// -------------------------------------------------------------------------
	reg := registry.New(logger.Component(log, "registry"))

	src, err := newSource(cfg, infra.db)
	if err != nil {
		return err
	}
	if _, err := reg.Load(ctx, src); err != nil {
		return fmt.Errorf("load flags from %s: %w", src.Name(), err)
	}

	// -------------------------------------------------------------------------
	// 4. Engine wiring
	// -------------------------------------------------------------------------
	evalCache, err := cache.NewEvaluationCache(cfg.Engine.CacheCapacity, cfg.Engine.CacheTTL)
	if err != nil {
		return fmt.Errorf("create evaluation cache: %w", err)
	}
	defer evalCache.Close()

	sinks, closeSinks := newSinks(cfg, log, infra)
	defer closeSinks()
	dispatcher := notify.NewDispatcher(logger.Component(log, "notify"), cfg.Notifier.Timeout, sinks...)

	rollbacks := rollback.New(logger.Component(log, "rollback"), reg,
		rollback.WithInvalidator(evalCache),
		rollback.WithNotifier(dispatcher),
		rollback.WithDefaultCooldown(cfg.Engine.DefaultCooldown),
		rollback.WithAudienceEstimator(rollback.BaseAudience(cfg.Engine.AudienceBase)),
		rollback.WithTracerProvider(otel.GetTracerProvider()),
	)
	rec := recorder.New(logger.Component(log, "recorder"), rollbacks, recorder.WithCapacity(cfg.Engine.RingCapacity))

	deps := service.Dependencies{
		Registry: reg,
		Engine:   ruleengine.New(logger.Component(log, "ruleengine"), ruleengine.WithGateMode(ruleengine.GateMode(cfg.Engine.GateMode))),
		Cache:    evalCache,
		Recorder: rec,
		Rollback: rollbacks,
	}
	if cfg.Source.Kind == config.SourcePostgres {
		deps.Store = store.NewPostgresSource(infra.db)
		deps.StaleErr = store.ErrStaleVersion
	}
	if cfg.Notifier.PostgresAudit {
		deps.Events = store.NewPostgresEventSink(infra.db)
	}
	svc := service.New(logger.Component(log, "service"), service.Config{Environment: cfg.Engine.Environment}, deps)

	// -------------------------------------------------------------------------
	// 5. Servers and background work
	// -------------------------------------------------------------------------
	api := newControlAPI(cfg, log, svc)
	obs := observability.NewServer(logger.Component(log, "observability"), &cfg.Observability, infra.checkers...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return serveControlAPI(gctx, cfg, log, api.Handler()) })
	g.Go(func() error { return obs.Run(gctx) })

	if infra.db != nil {
		g.Go(func() error {
			database.RunPoolMonitor(gctx, infra.db, poolMonitorInterval)
			return nil
		})
	}

	if cfg.Scheduler.Enabled {
		var opts []scheduler.Option
		if cfg.Ingest.Enabled {
			opts = append(opts, scheduler.WithQueue(ingest.NewRedisQueue(logger.Component(log, "ingest"), infra.redis, cfg.Ingest.QueueKey)))
		}
		sched := scheduler.New(logger.Component(log, "scheduler"), scheduler.Config{
			MetricsInterval: cfg.Scheduler.MetricsInterval,
			SweepInterval:   cfg.Scheduler.SweepInterval,
			MetricsMaxAge:   cfg.Scheduler.MetricsMaxAge,
			BatchSize:       cfg.Ingest.BatchSize,
		}, rec, evalCache, reg.Version, opts...)
		g.Go(func() error { return sched.Run(gctx) })
	}

	log.Info("bifrost started",
		slog.Int("flags", reg.Len()),
		slog.String("source", src.Name()),
	)

	// -------------------------------------------------------------------------
	// 6. Graceful shutdown
	// -------------------------------------------------------------------------
	err = g.Wait()
	log.Info("shutting down")

	drained := make(chan struct{})
	go func() {
		svc.Wait()
		dispatcher.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.App.ShutdownTimeout):
		log.Warn("shutdown timeout reached with pending writes or notifications")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("bifrost exited successfully")
	return nil
}

// connect opens the backends the configured components need.
func connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.NeedsDatabase() {
		pool, err := database.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		b.db = pool
		if err := database.Migrate(ctx, pool); err != nil {
			b.close()
			return nil, err
		}
		b.checkers = append(b.checkers, database.NewHealthChecker(pool))
	}

	if cfg.NeedsRedis() {
		client, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.redis = client
		queueKey := ""
		if cfg.Ingest.Enabled {
			queueKey = cfg.Ingest.QueueKey
		}
		b.checkers = append(b.checkers, cache.NewHealthChecker(client, queueKey))
	}

	log.Info("backends ready",
		slog.Bool("postgres", b.db != nil),
		slog.Bool("redis", b.redis != nil),
	)
	return b, nil
}

func newSource(cfg *config.Config, db *pgxpool.Pool) (registry.Source, error) {
	switch cfg.Source.Kind {
	case config.SourcePostgres:
		return store.NewPostgresSource(db), nil
	case config.SourceObject:
		return store.NewObjectSource(&cfg.ObjectStore, cfg.Source.ObjectKey)
	default:
		return store.NewFileSource(cfg.Source.Path)
	}
}

// newSinks builds the notification sinks. The returned func releases writers.
func newSinks(cfg *config.Config, log *slog.Logger, b *backends) ([]notify.Sink, func()) {
	sinks := []notify.Sink{notify.NewLogSink(logger.Component(log, "rollback-events"))}
	closers := []func() error{}

	if cfg.Notifier.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(log, cfg.Notifier.WebhookURL))
	}
	if cfg.Notifier.RedisChannel != "" {
		sinks = append(sinks, notify.NewRedisSink(b.redis, cfg.Notifier.RedisChannel))
	}
	if len(cfg.Notifier.KafkaBrokers) > 0 {
		k := notify.NewKafkaSink(notify.NewKafkaWriter(cfg.Notifier.KafkaBrokers, cfg.Notifier.KafkaTopic))
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	if cfg.Notifier.PostgresAudit {
		sinks = append(sinks, store.NewPostgresEventSink(b.db))
	}

	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn("failed to close notification sink", slog.String("error", err.Error()))
			}
		}
	}
}

func newControlAPI(cfg *config.Config, log *slog.Logger, svc *service.Service) *controlapi.API {
	ctl := cfg.Server.Control
	if !ctl.AuthEnabled() {
		// Config validation only allows this outside production.
		log.Warn("control API authentication disabled: no API key hash configured")
		return controlapi.NewAPIWithConfig(logger.Component(log, "controlapi"), svc, "", true)
	}
	return controlapi.NewAPI(logger.Component(log, "controlapi"), svc, ctl.APIKeyHash)
}

// serveControlAPI serves h until ctx is cancelled, then drains in-flight requests.
func serveControlAPI(ctx context.Context, cfg *config.Config, log *slog.Logger, h http.Handler) error {
	ctl := cfg.Server.Control
	srv := &http.Server{
		Addr:              ctl.Addr(),
		Handler:           h,
		ReadTimeout:       ctl.ReadTimeout,
		WriteTimeout:      ctl.WriteTimeout,
		ReadHeaderTimeout: ctl.ReadHeaderTimeout,
		IdleTimeout:       ctl.IdleTimeout,
		MaxHeaderBytes:    ctl.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("control API listening", slog.String("addr", srv.Addr), slog.Bool("tls", ctl.TLSEnabled))
		if ctl.TLSEnabled {
			errCh <- srv.ListenAndServeTLS(ctl.TLSCert, ctl.TLSKey)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.App.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
