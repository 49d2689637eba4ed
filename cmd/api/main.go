package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"novel-wash/internal/api"
	"novel-wash/internal/config"
	"novel-wash/internal/events"
	"novel-wash/internal/platform"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"
	"novel-wash/shared/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	log.Println("Запуск API пайплайна...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}
	logger, err := platform.NewLogger(cfg, "wash-api")
	if err != nil {
		log.Fatalf("Ошибка инициализации логгера: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("API stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("API stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	infra, err := platform.Open(ctx, cfg, platform.Needs{DB: true, Redis: true, Rabbit: true}, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	broker, err := queue.NewRabbitBroker(infra.Rabbit, cfg.QueuePrefix, logger)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	handler := api.NewHandler(api.Deps{
		Sessions:    repository.NewPgSessionRepository(infra.DB, logger),
		Tasks:       repository.NewPgTaskRepository(infra.DB, logger),
		Pauses:      repository.NewRedisPauseStore(infra.Redis, cfg.QueuePrefix, logger),
		Idempotency: repository.NewRedisIdempotencyStore(infra.Redis, cfg.QueuePrefix, repository.DefaultIdempotencyTTL, logger),
		Enqueuer:    broker,
		Bus:         events.NewRedisBus(infra.Redis, logger),
		Logger:      logger,
	})
	router := api.NewRouter(handler, api.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:        true,
		Middleware:     []gin.HandlerFunc{middleware.ZapLoggingMiddlewareForGin(logger)},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
