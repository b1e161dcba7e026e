package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/channelops/internal/app"
	"github.com/cuongbtq/channelops/internal/config"
	"github.com/cuongbtq/channelops/internal/worker"
	"github.com/cuongbtq/channelops/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := app.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", cfg.Worker.ID),
	)

	// Wire storage, broker and services
	components, err := app.Build(context.Background(), cfg, app.RoleWorker, appLogger)
	if err != nil {
		return err
	}
	defer components.Close()

	// Initialize sweep lease
	var locker worker.Locker = worker.LocalLocker{}
	if cfg.Redis.Enabled {
		redisClient, err := initRedis(&cfg.Redis, appLogger.Component("redis"))
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()
		locker = worker.NewRedisLocker(redisClient.GetClient(), cfg.Redis.KeyPrefix)
	} else {
		appLogger.Warn("Redis disabled, sweeps are not coordinated across workers")
	}

	var source worker.DeliverySource
	if components.Rabbit != nil {
		source = components.Rabbit
	}

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:   appLogger.Component("worker"),
		WorkerID: cfg.Worker.ID,
		Source:   source,
		Reporter: components.Queue,
		Sweeps: worker.Sweeps{
			Health:   components.Health,
			Dispatch: components.Dispatcher,
			Retry:    components.Queue,
			Alerts:   components.Alerts,
		},
		Locker: locker,
		Schedule: worker.Schedule{
			HealthCheck:   cfg.Scheduler.HealthCheck,
			DispatchSweep: cfg.Scheduler.DispatchSweep,
			RetrySweep:    cfg.Scheduler.RetrySweep,
			AlertSweep:    cfg.Scheduler.AlertSweep,
			SweepLimit:    cfg.Scheduler.SweepLimit,
			LeaseTTL:      cfg.Scheduler.LeaseTTL,
		},
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	// Consumption does not resume after the broker closes the channel
	if components.Rabbit != nil {
		go func() {
			if amqpErr, ok := <-components.Rabbit.NotifyClose(); ok && amqpErr != nil {
				select {
				case errChan <- fmt.Errorf("rabbitmq channel closed: %w", amqpErr):
				default:
				}
			}
		}()
	}

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initRedis initializes the Redis client used for sweep leases
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	redisConfig := &redis.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return redis.NewClient(redisConfig, logger)
}
