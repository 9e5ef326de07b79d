package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/ports"
	"zombiefile/internal/core/services"
	httphandlers "zombiefile/internal/handlers/http"
	"zombiefile/internal/infrastructure/distributed"
	"zombiefile/internal/infrastructure/middleware"
	"zombiefile/internal/infrastructure/monitoring"
	repositories "zombiefile/internal/infrastructure/repositories"
	relay "zombiefile/internal/infrastructure/signal"
	"zombiefile/pkg/config"
	dlock "zombiefile/pkg/distributed"
	"zombiefile/pkg/logger"
	"zombiefile/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	statsInterval = 15 * time.Second
	sweepLockKey  = "zombiefile:lock:room-sweep"
)

func main() {
	cfg, path := config.LoadFirst(
		os.Getenv("ZOMBIEFILE_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/zombiefile/config.yaml",
		"config.yaml",
	)

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if path != "" {
		log.Infow("Loaded configuration", "path", path)
	} else {
		log.Info("No configuration file found, using defaults")
	}

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Warnw("Tracing disabled", "error", err)
		tp = &tracing.TracerProvider{}
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("Failed to create repository factory", "error", err)
	}

	roomCfg := services.RoomServiceConfig{
		IdleTTL:         cfg.Rooms.IdleTTL,
		JanitorInterval: cfg.Rooms.JanitorInterval,
		MaxIDLength:     cfg.Rooms.MaxIDLength,
	}
	if client := repoFactory.RedisClient(); client != nil {
		roomCfg.SweepLock = dlock.NewLock(client, sweepLockKey, cfg.Rooms.JanitorInterval)
	}
	rooms := services.NewRoomService(repoFactory.CreateRoomRepository(), roomCfg, log)

	wsServer := relay.NewWebSocketServer(rooms, serverConfig(cfg), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector(nil)
		wsServer.SetMetrics(collector)
		rooms.OnExpire(func(domain.RoomID) { collector.RecordRoomsExpired(1) })
		go reportStats(ctx, rooms, collector)
	}

	health := monitoring.NewHealthChecker()
	health.AddRoomStoreCheck(func(ctx context.Context) (int, error) {
		stats, err := rooms.Stats(ctx)
		return stats.ActiveRooms, err
	}, 0, 2*time.Second)

	var bus *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
		health.StartBackgroundChecks(ctx)

		bus = distributed.NewEventBus(client, uuid.NewString(), log)
		wsServer.SetRelayBus(bus)
		go func() {
			err := bus.Subscribe(ctx, func(event *distributed.Event) error {
				if event.Type != distributed.EventRelay {
					return nil
				}
				wsServer.DeliverLocal(event.Targets, event.Payload)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				log.Errorw("Relay event subscription ended", "error", err)
			}
		}()
		log.Infow("Cross-instance relay enabled", "instance_id", bus.InstanceID())
	}

	go rooms.RunJanitor(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	httphandlers.NewRoomHandler(rooms, health).SetupRoutes(router)
	if collector != nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting zombiefile signaling server",
			"address", cfg.Signal.Address,
			"redis", bus != nil,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down zombiefile signaling server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer shutdownCancel()

	// hijacked WebSocket connections are not tracked by http.Server
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Relay connections did not close in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Warnw("Error closing event bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error flushing traces", "error", err)
	}

	log.Info("zombiefile signaling server stopped")
}

func serverConfig(cfg *config.Config) relay.ServerConfig {
	sc := relay.DefaultServerConfig()
	sc.PingInterval = cfg.Signal.PingInterval
	sc.PongTimeout = cfg.Signal.PongTimeout
	sc.WriteTimeout = cfg.Signal.WriteTimeout
	sc.AllowedOrigins = cfg.Signal.AllowedOrigins
	if n := cfg.RateLimiting.WebSocket.MaxMessageSizeBytes; n > 0 {
		sc.MaxMessageSize = n
	}
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.Burst = cfg.RateLimiting.WebSocket.Burst
		sc.MaxConnections = cfg.RateLimiting.WebSocket.MaxConnections
	}
	return sc
}

func reportStats(ctx context.Context, rooms ports.RoomService, collector *monitoring.PrometheusCollector) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := rooms.Stats(ctx)
			if err != nil {
				continue
			}
			collector.UpdateRelayStats(stats)
		}
	}
}
