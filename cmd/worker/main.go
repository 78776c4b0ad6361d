package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"marketsync/internal/config"
	"marketsync/internal/models"
	"marketsync/internal/queue"
	"marketsync/internal/recovery"
	"marketsync/internal/store"
	"marketsync/internal/telemetry"
	"marketsync/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	rec := recovery.NewService(st, q,
		recovery.BackoffPolicy{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		cfg.MaxAttempts, logger)
	go rec.RunPeriodic(ctx, cfg.RecoveryInterval, cfg.RecoveryBatchSize, cfg.RetentionDays)

	processor := worker.NewProcessor(cfg, q, rec, logger)

	ledger := st.Ledger()
	translate := worker.NewServiceHandler("translate", cfg.TranslateServiceURL, ledger, cfg.IdempotencyBucket, logger)
	publish := worker.NewServiceHandler("publish", cfg.PublishServiceURL, ledger, cfg.IdempotencyBucket, logger)
	processor.RegisterHandler(models.QueueTranslate, translate.Handle)
	processor.RegisterHandler(models.QueuePublish, publish.Handle)

	imageHandler, err := worker.NewImageHandler(ctx, cfg, ledger, cfg.IdempotencyBucket)
	if err != nil {
		logger.Fatal("init image handler", zap.Error(err))
	}
	processor.RegisterHandler(models.QueueImage, imageHandler.Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Strings("queues", cfg.JobQueues),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout))
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if env == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	return logger
}
