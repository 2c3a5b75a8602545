package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/approval-relay/internal/config"
	"github.com/kursadbilgin/approval-relay/internal/handler"
	"github.com/kursadbilgin/approval-relay/internal/infra/postgresql"
	"github.com/kursadbilgin/approval-relay/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/approval-relay/internal/infra/redis"
	"github.com/kursadbilgin/approval-relay/internal/observability"
	"github.com/kursadbilgin/approval-relay/internal/provider"
	"github.com/kursadbilgin/approval-relay/internal/queue"
	"github.com/kursadbilgin/approval-relay/internal/ratelimit"
	"github.com/kursadbilgin/approval-relay/internal/repository"
	"github.com/kursadbilgin/approval-relay/internal/service"
	"github.com/kursadbilgin/approval-relay/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolOptions{})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.SendRateLimitPerSec,
		infraredis.WithScopeLimit(ratelimit.ScopeUpdate, cfg.UpdateRateLimitPerSec),
	)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer broker.Close()

	publisher := queue.NewRabbitMQPublisher(broker)
	consumer := queue.NewRabbitMQConsumer(broker, cfg.WorkerConcurrency, logger)

	messenger, err := provider.NewWebhookMessenger(cfg.MessengerURL)
	if err != nil {
		logger.Fatal("messenger initialization failed", zap.Error(err))
	}
	gatekeeper, err := provider.NewWebhookGatekeeper(cfg.GatekeeperURL)
	if err != nil {
		logger.Fatal("gatekeeper initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	directory, err := service.NewStaticDirectory(cfg.ReviewerIDs, cfg.ReviewerNames)
	if err != nil {
		logger.Fatal("reviewer directory initialization failed", zap.Error(err))
	}

	registry, err := service.NewRegistry(repository.NewGormRequestRepo(db), repository.NewGormReferenceRepo(db))
	if err != nil {
		logger.Fatal("registry initialization failed", zap.Error(err))
	}

	dispatcher, err := service.NewDispatcher(registry, messenger, rateLimiter, logger)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)

	resolver, err := service.NewResolver(registry, dispatcher, gatekeeper, directory, logger)
	if err != nil {
		logger.Fatal("resolver initialization failed", zap.Error(err))
	}
	resolver.SetMetrics(metrics)

	admissions, err := service.NewAdmissionService(registry, dispatcher, directory, logger)
	if err != nil {
		logger.Fatal("admission service initialization failed", zap.Error(err))
	}
	admissions.SetMetrics(metrics)

	sweeper, err := service.NewFanInSweeper(registry, dispatcher, directory, cfg.SweepInterval, 0, logger)
	if err != nil {
		logger.Fatal("fan-in sweeper initialization failed", zap.Error(err))
	}
	sweeper.SetMetrics(metrics)

	worker, err := service.NewEventWorker(consumer, admissions, resolver, cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("event worker initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, broker)
	if err := handler.RegisterAccessRoutes(app, registry, resolver, directory, publisher); err != nil {
		logger.Fatal("access routes registration failed", zap.Error(err))
	}
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	g.Go(func() error {
		return worker.Start(gctx)
	})

	g.Go(func() error {
		return sweeper.Start(gctx)
	})

	logger.Info("approval-relay started",
		zap.Int("port", cfg.APIPort),
		zap.Int("reviewers", len(cfg.ReviewerIDs)),
		zap.Duration("sweep_interval", cfg.SweepInterval),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("approval-relay stopped with error", zap.Error(err))
		return
	}

	logger.Info("approval-relay stopped")
}
