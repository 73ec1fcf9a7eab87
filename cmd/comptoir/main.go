package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ae-utbm/comptoir/internal/apiclient"
	"github.com/ae-utbm/comptoir/internal/app"
	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/counter"
	"github.com/ae-utbm/comptoir/internal/customer"
	"github.com/ae-utbm/comptoir/internal/eboutic"
	"github.com/ae-utbm/comptoir/internal/notification"
	"github.com/ae-utbm/comptoir/internal/observability"
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

	sessionManager := shared.NewSessionManager(redisClient, "comptoir_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	runner := db.NewPoolRunner(pool, 3)

	subscriptionService := subscription.NewService(subscription.NewRepository(pool), subscription.Config{
		RenewalWindow: subscription.DefaultRenewalWindow,
		ProductTypes:  cfg.SubscriptionProducts,
	})

	authService := auth.NewService(auth.NewRepository(pool), subscriptionService)
	authHandler := auth.NewHandler(logger, authService, csrfManager)

	catalogService := catalog.NewService(catalog.NewRepository(pool))
	catalogHandler := catalog.NewHandler(logger, catalogService)

	customerService := customer.NewService(customer.NewRepository(pool))

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect task queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("task queue close", slog.Any("error", err))
		}
	}()

	notificationService := notification.NewService(notification.NewRepository(pool), jobsClient, logger)
	notificationHandler := notification.NewHandler(logger, notificationService)

	counterRepo := counter.NewRepository(pool)
	engine := counter.NewSellingEngine(runner, counterRepo, customerService, catalogService, subscriptionService, notificationService, auditLogger, counter.EngineConfig{
		EcocupConsProductID: cfg.EcocupConsProductID,
		EcocupDecoProductID: cfg.EcocupDecoProductID,
		EcocupLimit:         cfg.EcocupLimit,
	}, logger)
	refillService := counter.NewRefillService(runner, counterRepo, customerService, notificationService, auditLogger, logger)
	tracker := counter.NewTracker(counterRepo, redisClient, authService, catalogService, cfg.InactivityTimeout, logger)
	counterSession := counter.NewSession(counter.NewSessionStore(redisClient, cfg.SessionTTL), catalogService, tracker, engine, logger)

	metrics := observability.NewMetrics()

	counterHandler := counter.NewHandler(logger, tracker, counterSession, catalogService, customerService, authService, refillService, engine, counterRepo, metrics, idempotencyStore)

	signer, err := eboutic.NewSigner(cfg.EbouticSecret, []byte(cfg.GatewayPublicKey))
	if err != nil {
		logger.Error("init payment signer", slog.Any("error", err))
		os.Exit(1)
	}
	ebouticService := eboutic.NewService(eboutic.NewRepository(pool), runner, counterRepo, customerService, catalogService, subscriptionService, notificationService, signer, eboutic.Config{
		CounterID:           cfg.EbouticCounterID,
		RefillingTypeID:     cfg.RefillingTypeID,
		EcocupConsProductID: cfg.EcocupConsProductID,
		EcocupDecoProductID: cfg.EcocupDecoProductID,
		EcocupLimit:         cfg.EcocupLimit,
		GatewayURL:          cfg.GatewayURL,
		Site:                cfg.GatewaySite,
		Rang:                cfg.GatewayRang,
		Identifiant:         cfg.GatewayIdentifiant,
	}, logger)
	ebouticHandler := eboutic.NewHandler(logger, ebouticService, authService, metrics)

	apiClientService := apiclient.NewService(apiclient.NewRepository(pool), authService, nil, apiclient.DefaultCallbackTimeout, logger)
	apiClientHandler := apiclient.NewHandler(logger, apiClientService, authService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		Callers:        authService,
		Metrics:        metrics,
		Auth:           authHandler,
		Counter:        counterHandler,
		Eboutic:        ebouticHandler,
		Catalog:        catalogHandler,
		Notifications:  notificationHandler,
		APIClients:     apiClientHandler,
		Jobs:           jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
