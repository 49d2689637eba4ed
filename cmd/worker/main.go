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

	"novel-wash/internal/brancher"
	"novel-wash/internal/config"
	"novel-wash/internal/database"
	"novel-wash/internal/events"
	"novel-wash/internal/indexer"
	"novel-wash/internal/llm"
	"novel-wash/internal/memory"
	"novel-wash/internal/parser"
	"novel-wash/internal/planner"
	"novel-wash/internal/platform"
	"novel-wash/internal/prompts"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"
	"novel-wash/internal/reviewer"
	"novel-wash/internal/worker"
	"novel-wash/internal/writer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Println("Запуск воркеров пайплайна...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}
	logger, err := platform.NewLogger(cfg, "wash-worker")
	if err != nil {
		log.Fatalf("Ошибка инициализации логгера: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Worker stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	infra, err := platform.Open(ctx, cfg, platform.Needs{DB: true, Redis: true, Rabbit: true}, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	if err := database.NewMigrator(infra.DB, logger).Up(ctx); err != nil {
		return err
	}

	broker, err := queue.NewRabbitBroker(infra.Rabbit, cfg.QueuePrefix, logger)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	sessions := repository.NewPgSessionRepository(infra.DB, logger)
	tasks := repository.NewPgTaskRepository(infra.DB, logger)
	pauses := repository.NewRedisPauseStore(infra.Redis, cfg.QueuePrefix, logger)
	lock := repository.NewRedisTaskLock(infra.Redis, cfg.QueuePrefix)
	bus := events.NewRedisBus(infra.Redis, logger)

	client, err := llm.NewClient(cfg, logger)
	if err != nil {
		return err
	}
	provider, err := prompts.NewProvider(logger, cfg.PromptsFile)
	if err != nil {
		return err
	}
	models := llm.ModelsFromConfig(cfg)
	policy := llm.PolicyFromConfig(cfg)
	repairer := parser.NewLLMRepairer(client, provider, policy, models.Chat, cfg.NovelLanguage, logger)
	renamer := brancher.NewRenamer(client, provider, policy, models.Chat, cfg.NovelLanguage, logger)
	memories := memory.NewManager(memory.NewPostgresStore(infra.DB, logger), logger)

	handler := worker.NewTaskHandler(tasks, bus, logger)
	handler.Register(queue.QueueIndex, indexer.NewJob(
		indexer.New(client, provider, repairer, policy, indexer.ConfigFrom(cfg, models), logger), sessions))
	handler.Register(queue.QueuePlan, planner.NewJob(
		planner.New(client, provider, repairer, policy, planner.ConfigFrom(cfg, models), logger), sessions))
	handler.Register(queue.QueueGenerate, writer.NewJob(
		writer.New(client, provider, memories, policy, writer.ConfigFrom(cfg, models), logger),
		renamer, sessions, pauses, broker))
	handler.Register(queue.QueueReview, reviewer.NewJob(
		reviewer.New(client, provider, repairer, policy, reviewer.ConfigFrom(cfg, models), logger),
		sessions, broker))
	handler.Register(queue.QueueBranch, brancher.NewJob(
		brancher.New(client, provider, repairer, policy, brancher.ConfigFrom(cfg, models), logger),
		renamer, sessions))

	metricsServer := startMetricsServer(cfg.MetricsAddr, logger)
	stopPush := make(chan struct{})
	if cfg.PushgatewayURL != "" {
		if err := worker.InitMetricsPusher(cfg.PushgatewayURL, logger); err != nil {
			// без pushgateway воркер работает, метрики остаются на /metrics
			logger.Warn("Pushgateway unavailable", zap.Error(err))
		} else {
			go worker.RunMetricsPusher(cfg.MetricsPushInterval, stopPush, logger)
			defer worker.CleanupMetrics(logger)
		}
	}
	defer close(stopPush)

	g, gctx := errgroup.WithContext(ctx)
	for name, opts := range queue.OptionsFromConfig(cfg) {
		pool := queue.NewPool(name, opts, broker, lock, handler.HandlerFor(name), handler.OnFailure, logger)
		g.Go(func() error { return pool.Run(gctx) })
	}
	logger.Info("Workers started, waiting for jobs", zap.Strings("queues", queue.AllQueues))

	err = g.Wait()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if sErr := metricsServer.Shutdown(shutdownCtx); sErr != nil {
		logger.Warn("Error stopping metrics server", zap.Error(sErr))
	}
	return err
}

// startMetricsServer отдаёт метрики задач вместе со стандартными метриками процесса.
func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, worker.Registry}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
