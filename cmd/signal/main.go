package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"consultnet/internal/core/ports"
	"consultnet/internal/core/services"
	httphandlers "consultnet/internal/handlers/http"
	"consultnet/internal/infrastructure/distributed"
	"consultnet/internal/infrastructure/middleware"
	"consultnet/internal/infrastructure/monitoring"
	"consultnet/internal/infrastructure/reliability"
	"consultnet/internal/infrastructure/repositories"
	signaling "consultnet/internal/infrastructure/signal"
	"consultnet/pkg/circuitbreaker"
	"consultnet/pkg/config"
	"consultnet/pkg/logger"
	"consultnet/pkg/retry"
	"consultnet/pkg/tracing"
	"consultnet/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	historyQueueSize    = 256
	historyDrainTimeout = 5 * time.Second
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/consultnet/config.yaml",
	"config.yaml",
}

func main() {
	startTime := time.Now()

	cfg, configPath, err := loadConfig()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if configPath != "" {
		log.Infow("loaded configuration", "path", configPath)
	} else {
		log.Info("no configuration file found, using defaults")
	}

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background workers outlive ctx until the signaling connections are
	// closed, so rooms ended by the shutdown are still recorded.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Storage
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	history := repoFactory.CreateHistoryRepository()
	directory, err := repoFactory.CreateAppointmentDirectory()
	if err != nil {
		log.Fatalw("failed to load appointment directory", "error", err)
	}

	// Metrics
	var registerer prometheus.Registerer = prometheus.NewRegistry()
	if cfg.Monitoring.PrometheusEnabled {
		registerer = prometheus.DefaultRegisterer
	}
	collector := monitoring.NewPrometheusCollector(registerer)
	relayStats := services.NewRelayStats()

	// Rooms and routing
	registry := services.NewSessionRegistry(services.SessionRegistryConfig{
		WaitingTimeout: cfg.Rooms.WaitingTimeout,
		EndedRetention: cfg.Rooms.EndedRetention,
		ReapInterval:   cfg.Rooms.ReapInterval,
	}, log.Named("registry"))
	relay := services.NewSignalingRelay(registry, services.MultiRelayMetrics{relayStats, collector}, log.Named("relay"))
	registry.Subscribe(collector)

	recorder := reliability.NewHistoryRecorder(
		history,
		historyQueueSize,
		retry.DefaultConfig(),
		circuitbreaker.DefaultConfig(),
		collector,
		log.Named("history"),
	)
	registry.Subscribe(recorder)

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		registry.Run(bgCtx)
	}()
	go func() {
		defer background.Done()
		recorder.Run(bgCtx, historyDrainTimeout)
	}()

	var bus *distributed.EventBus
	if cfg.EventBus.Enabled && repoFactory.UsingRedis() {
		bus = startEventBus(bgCtx, &background, cfg, repoFactory, registry, collector, log)
	}

	// Health
	health := monitoring.NewHealthChecker()
	health.AddRegistryCheck(registry.Stats, time.Second)
	if repoFactory.UsingRedis() {
		health.AddRedisCheck(repoFactory.RedisClient(), 2*time.Second)
	}

	wsServer := signaling.NewWebSocketServer(registry, relay, directory, signaling.ServerConfigFrom(cfg), collector, log.Named("signal"))

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	// The websocket endpoint has its own admission control.
	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewSystemHandler(health, startTime).SetupRoutes(router)
	httphandlers.NewRoomHandler(registry, relay, history, relayStats).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting consultnet signaling server",
			"address", cfg.Server.Address,
			"ws_path", cfg.Signal.Path,
			"redis", repoFactory.UsingRedis(),
			"event_bus", bus != nil,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}
	stop()

	log.Info("shutting down consultnet signaling server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	wsCtx, wsCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer wsCancel()
	if err := wsServer.Shutdown(wsCtx); err != nil {
		log.Warnw("signaling connections did not close in time", "error", err)
	}

	// The recorder drains its queue before returning.
	bgCancel()
	background.Wait()

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Debugw("error closing event bus", "error", err)
		}
	}
	if closer, ok := directory.(interface{ Close() }); ok {
		closer.Close()
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer provider", "error", err)
	}

	log.Info("consultnet signaling server stopped")
}

// loadConfig reads the first configuration file that exists. With none
// present the defaults (plus environment overrides) apply.
func loadConfig() (*config.Config, string, error) {
	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	cfg, err := config.Load("")
	return cfg, "", err
}

func startEventBus(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg *config.Config,
	repoFactory *repositories.RepositoryFactory,
	registry ports.SessionRegistry,
	collector *monitoring.PrometheusCollector,
	log *zap.SugaredLogger,
) *distributed.EventBus {
	bus := distributed.NewEventBus(
		repoFactory.RedisClient(),
		utils.NewInstanceID(),
		cfg.EventBus.Channel,
		cfg.EventBus.QueueSize,
		log.Named("events"),
	)
	registry.Subscribe(bus)

	wg.Add(2)
	go func() {
		defer wg.Done()
		bus.RunPublisher(ctx)
	}()
	go func() {
		defer wg.Done()
		err := bus.Subscribe(ctx, func(event *distributed.Event) error {
			collector.RemoteEvent(event.Type)
			log.Debugw("room event from another instance",
				"type", event.Type,
				"instance_id", event.InstanceID,
				"room_id", event.RoomID,
				"state", event.State,
			)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			log.Errorw("event bus subscription ended", "error", err)
		}
	}()

	log.Infow("event bus enabled", "instance_id", bus.InstanceID(), "channel", cfg.EventBus.Channel)
	return bus
}
