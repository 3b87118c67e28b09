package main

import (
	stdcontext "context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/yourorg/paywall-orchestrator/internal/adapter/dummy"
	"github.com/yourorg/paywall-orchestrator/internal/adapter/stripe"
	"github.com/yourorg/paywall-orchestrator/internal/api"
	"github.com/yourorg/paywall-orchestrator/internal/config"
	"github.com/yourorg/paywall-orchestrator/internal/events"
	"github.com/yourorg/paywall-orchestrator/internal/lock"
	"github.com/yourorg/paywall-orchestrator/internal/logging"
	"github.com/yourorg/paywall-orchestrator/internal/metrics"
	"github.com/yourorg/paywall-orchestrator/internal/orchestrator"
	"github.com/yourorg/paywall-orchestrator/internal/processor"
	"github.com/yourorg/paywall-orchestrator/internal/reporting"
	"github.com/yourorg/paywall-orchestrator/internal/router"
	"github.com/yourorg/paywall-orchestrator/internal/router/circuitbreaker"
	"github.com/yourorg/paywall-orchestrator/internal/store"
)

// server is the wired process: the HTTP engine plus everything that has to
// be closed on shutdown.
type server struct {
	engine   *gin.Engine
	settings *config.FileProvider
	closers  []func() error
}

func (s *server) close(logger *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn("error during shutdown", zap.Error(err))
		}
	}
}

// catalog lists the plugin types this binary ships with.
func catalog() processor.Catalog {
	return processor.Catalog{
		dummy.Slug:  dummy.NewFactory(dummy.NewGateway()),
		stripe.Slug: stripe.NewFactory(),
	}
}

// newServer wires the coordinator and its collaborators from cfg. External
// services are used only when their URL is configured; otherwise the
// in-process implementations stand in.
func newServer(ctx stdcontext.Context, cfg config.Config, logger *zap.Logger, promReg *prometheus.Registry) (*server, error) {
	srv := &server{}

	settings, env, err := cfg.Settings()
	if err != nil {
		return nil, err
	}
	srv.settings = settings

	registry := processor.NewRegistry(env, settings, logger)
	if err := registry.LoadFromConfig(catalog()); err != nil {
		return nil, fmt.Errorf("failed to load paywall backends: %w", err)
	}

	var st store.Store = store.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		srv.closers = append(srv.closers, db.Close)
		pg := store.NewPostgresStore(db)
		if err := pg.InitDB(ctx); err != nil {
			srv.close(logger)
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		st = pg
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			srv.close(logger)
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		srv.closers = append(srv.closers, client.Close)
		locker = lock.NewRedisLocker(client, 0, logger)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.KafkaBrokers != "" {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		srv.closers = append(srv.closers, kp.Close)
		publisher = kp
	}

	recorder := metrics.NewPrometheusRecorder(promReg)
	journal := reporting.NewJournal(0)
	rtr := router.NewRouter(registry, circuitbreaker.NewCircuitBreaker(), recorder, logger)
	coord := orchestrator.NewCoordinator(rtr, orchestrator.Options{
		Locker:    locker,
		Publisher: publisher,
		Recorder:  recorder,
		Journal:   journal,
		Logger:    logger,
	})

	handler := api.NewHandler(api.Config{
		Coordinator: coord,
		Registry:    registry,
		Store:       st,
		Locker:      locker,
		Journal:     journal,
		Logger:      logger,
	})
	srv.engine = api.NewRouter(handler, promReg)

	logger.Info("paywall orchestrator wired",
		zap.String("environment", string(env)),
		zap.Int("backends", len(registry.Backends())),
		zap.Bool("postgres", cfg.DatabaseURL != ""),
		zap.Bool("redis", cfg.RedisURL != ""),
		zap.Bool("kafka", cfg.KafkaBrokers != ""),
	)
	return srv, nil
}

// initTracing installs the global tracer provider and returns its shutdown.
func initTracing(stdout bool) (func(stdcontext.Context) error, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", api.ServiceName))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if stdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, api.ServiceName)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func run(cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := initTracing(cfg.TraceStdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(stdcontext.Background()); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gin.SetMode(gin.ReleaseMode)
	srv, err := newServer(stdcontext.Background(), cfg, logger, promReg)
	if err != nil {
		return err
	}
	defer srv.close(logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Paywall orchestrator starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("failed to start server: %w", err)
			}
			return nil
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if err := srv.settings.Reload(); err != nil {
					logger.Error("settings reload failed, keeping previous settings", zap.Error(err))
				} else {
					logger.Info("settings reloaded")
				}
				continue
			}
			logger.Info("Shutting down server...", zap.String("signal", sig.String()))
			ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
			}
			return nil
		}
	}
}
