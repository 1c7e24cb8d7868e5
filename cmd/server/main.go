package main

import (
	"chat-relay/api"
	"chat-relay/cache"
	"chat-relay/gateway"
	"chat-relay/identity"
	"chat-relay/jobs"
	"chat-relay/repositories"
	"chat-relay/runtime/workers"
	"chat-relay/services"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the server lifecycle, and
// centralizes error reporting, so every defer executes before the
// process exits.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()

	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Durable store (SQLite via gorm)
	db, err := gorm.Open(sqlite.Open(config.DatabasePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		logger.Info("Closing database...")
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	if err := repositories.Migrate(db); err != nil {
		return exitRuntime, fmt.Errorf("migration failed: %w", err)
	}

	// 3. Cache (Redis)
	redisClient := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return exitRuntime, fmt.Errorf("redis unreachable at %s: %w", config.RedisAddr, err)
	}
	defer func() {
		logger.Info("Closing Redis...")
		_ = redisClient.Close()
	}()
	store := cache.NewStore(redisClient, logger)

	// 4. Job transport: JetStream when a broker is configured, otherwise
	// the in-process fallback.
	var transport jobs.Transport
	if config.NatsURL != "" {
		natsTransport, err := jobs.NewNatsTransport(config.NatsURL, logger)
		if err != nil {
			return exitRuntime, fmt.Errorf("nats transport: %w", err)
		}
		transport = natsTransport
		logger.Info("Job queues backed by JetStream", "url", config.NatsURL)
	} else {
		transport = jobs.NewChannelTransport(logger)
		logger.Warn("No NATS_URL configured, job queues are in-process only")
	}
	defer func() {
		logger.Info("Closing job transport...")
		_ = transport.Close()
	}()

	// 5. Identity provider behind its circuit breakers
	provider := identity.NewHTTPProvider(config.IdentityBaseURL, config.IdentityAPIKey, config.IdentityClientID)
	identityClient := identity.NewClient(provider, logger)

	// 6. Repositories & services
	channelRepo := repositories.NewChannelRepository(db)
	messageRepo := repositories.NewMessageRepository(db)
	userRepo := repositories.NewUserRepository(db)
	membershipRepo := repositories.NewMembershipRepository(db)

	dispatcher := jobs.NewDispatcher(transport, logger)
	channelService := services.NewChannelService(channelRepo, membershipRepo, store, logger)
	messageService := services.NewMessageService(messageRepo, channelRepo, userRepo, store, dispatcher, logger)
	userService := services.NewUserService(userRepo, logger)

	// 7. Supervised workers: queue pools plus the cleanup scheduler.
	// The workers get their own context rather than the signal one, so
	// they keep draining jobs until the HTTP surface has shut down.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	schedulerCfg, err := jobs.LoadSchedulerConfig()
	if err != nil {
		return exitConfig, fmt.Errorf("scheduler config error: %w", err)
	}

	sup := workers.NewSupervisor(logger, config.RestartInterval)
	notifications := jobs.NewNotificationHandler(store, membershipRepo, userRepo, logger)
	analytics := jobs.NewAnalyticsHandler(redisClient, logger)
	cleanup := jobs.NewCleanupHandler(messageRepo, userRepo, redisClient, config.InactiveAfter, logger)
	if err := jobs.RegisterWorkers(workerCtx, sup, transport, notifications, analytics, cleanup, logger); err != nil {
		return exitRuntime, fmt.Errorf("worker registration failed: %w", err)
	}
	sup.Add(jobs.NewScheduler(dispatcher, schedulerCfg, logger))

	// 8. HTTP + websocket surface
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())

	api.NewServer(channelService, messageService, userService, identityClient, store, logger).Register(app)

	registry := gateway.NewRegistry()
	gw := gateway.NewGateway(registry, channelService, messageService, userService, identityClient, logger)
	app.Use("/ws", gateway.Upgrade)
	app.Get("/ws", gw.Handler())

	errChan := make(chan error, 2)

	go func() {
		logger.Info("Starting workers...")
		sup.Run(workerCtx)
	}()

	go func() {
		address := fmt.Sprintf(":%d", config.Port)
		logger.Info("Starting server", "address", address)
		if err := app.Listen(address); err != nil {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	// 9. Wait for a signal or a crash
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		return exitRuntime, err
	}

	// 10. Graceful shutdown: stop accepting connections, then stop the
	// workers so in-flight jobs drain.
	logger.Info("Shutting down gracefully...")
	if err := app.ShutdownWithTimeout(config.ShutdownTimeout); err != nil {
		logger.Warn("Server shutdown was not clean", "error", err)
	}
	stopWorkers()
	sup.Stop()
	logger.Info("Program stopped cleanly")

	return exitOK, nil
}
