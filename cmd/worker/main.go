package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/ae-utbm/comptoir/internal/app"
	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/counter"
	"github.com/ae-utbm/comptoir/internal/notification"
	"github.com/ae-utbm/comptoir/internal/platform/cache"
	"github.com/ae-utbm/comptoir/internal/platform/db"
	"github.com/ae-utbm/comptoir/internal/shared"
	"github.com/ae-utbm/comptoir/internal/subscription"
	"github.com/ae-utbm/comptoir/jobs"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	subscriptionService := subscription.NewService(subscription.NewRepository(pool), subscription.Config{
		RenewalWindow: subscription.DefaultRenewalWindow,
		ProductTypes:  cfg.SubscriptionProducts,
	})
	authService := auth.NewService(auth.NewRepository(pool), subscriptionService)
	catalogService := catalog.NewService(catalog.NewRepository(pool))
	counterRepo := counter.NewRepository(pool)
	tracker := counter.NewTracker(counterRepo, redisClient, authService, catalogService, cfg.InactivityTimeout, logger)

	notificationRepo := notification.NewRepository(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	sweepTask := jobs.NewPermanencySweepTask()
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(jobs.DefaultIdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPermanencySweep, Handler: jobs.NewPermanencySweepHandler(tracker, logger)},
			{Type: jobs.TaskNotificationDelivery, Handler: jobs.NewNotificationDeliveryHandler(notificationRepo, nil, logger)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.NewIdempotencyCleanupHandler(idempotencyStore, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "* * * * *", Task: sweepTask},
			{Spec: "0 4 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
