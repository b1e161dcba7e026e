// Package app wires configuration into the storage, broker and service
// components shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/channelops/internal/agent"
	"github.com/cuongbtq/channelops/internal/alert"
	"github.com/cuongbtq/channelops/internal/config"
	"github.com/cuongbtq/channelops/internal/dispatch"
	"github.com/cuongbtq/channelops/internal/events"
	"github.com/cuongbtq/channelops/internal/queue"
	"github.com/cuongbtq/channelops/internal/storage"
	"github.com/cuongbtq/channelops/internal/storage/memory"
	"github.com/cuongbtq/channelops/internal/storage/postgres"
	"github.com/cuongbtq/channelops/internal/stream"
	"github.com/cuongbtq/channelops/shared/logger"
	"github.com/cuongbtq/channelops/shared/postgresql"
	"github.com/cuongbtq/channelops/shared/rabbitmq"
)

// Role selects which broker resources a binary declares
type Role int

const (
	// RoleAPI publishes assignments and alert events only
	RoleAPI Role = iota
	// RoleWorker also declares and binds the result queue
	RoleWorker
)

// Components are the wired services of one process
type Components struct {
	Store      storage.Store
	Agents     *agent.Registry
	Dispatcher *dispatch.Dispatcher
	Health     *dispatch.HealthMonitor
	Alerts     *alert.Manager
	Queue      *queue.Service
	Streams    *stream.Manager

	DB     *postgresql.Client
	Rabbit *rabbitmq.Client

	// Checks back the health endpoint, keyed by component name
	Checks map[string]func(context.Context) error

	logger *slog.Logger
}

// Build connects the configured backends and constructs the services
func Build(ctx context.Context, cfg *config.Config, role Role, log *logger.Logger) (*Components, error) {
	c := &Components{
		Checks: make(map[string]func(context.Context) error),
		logger: log.Logger,
	}

	if err := c.initStore(ctx, cfg, log.Component("storage")); err != nil {
		c.Close()
		return nil, err
	}

	if cfg.RabbitMQ.Enabled {
		client, err := rabbitmq.NewClient(RabbitMQConfig(&cfg.RabbitMQ, role), log.Component("rabbitmq"))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		c.Rabbit = client
		c.Checks["rabbitmq"] = func(context.Context) error {
			if !client.IsConnected() {
				return errors.New("rabbitmq connection closed")
			}
			return nil
		}
	}

	var (
		publisher dispatch.AssignmentPublisher
		notifier  alert.Notifier
	)
	if c.Rabbit != nil {
		p := events.NewPublisher(c.Rabbit, log.Component("events"))
		publisher, notifier = p, p
	}

	c.Agents = agent.NewRegistry(c.Store, cfg.Agent.DefaultMaxCapacity, log.Component("agents"))
	c.Dispatcher = dispatch.NewDispatcher(c.Store, c.Agents, publisher, log.Component("dispatcher"))
	c.Health = dispatch.NewHealthMonitor(c.Agents, c.Dispatcher, log.Component("health"))
	c.Alerts = alert.NewManager(c.Store, c.Store, notifier, log.Component("alerts"))
	c.Queue = queue.NewService(c.Store, c.Agents, c.Dispatcher, c.Alerts, queue.Config{
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		StatsWindow:        cfg.Queue.StatsWindow,
		Retry:              cfg.Queue.Retry,
	}, log.Component("queue"))
	c.Streams = stream.NewManager(c.Store, c.Queue, cfg.Stream.Retry, log.Component("streams"))

	return c, nil
}

func (c *Components) initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		logger.Warn("Using in-memory store; state is lost on restart")
		c.Store = memory.New()
		return nil
	}

	db, err := postgresql.NewClient(PostgreSQLConfig(&cfg.Database), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	c.DB = db
	c.Checks["database"] = db.HealthCheck

	store := postgres.NewStore(db, logger)
	if cfg.Storage.Migrate {
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := store.Migrate(migrateCtx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	c.Store = store
	return nil
}

// Close releases the broker and database connections
func (c *Components) Close() {
	if c.Rabbit != nil {
		if err := c.Rabbit.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ", slog.Any("error", err))
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.logger.Error("Failed to close database", slog.Any("error", err))
		}
	}
}

// InitLogger builds the process logger from config. Output "file" writes
// to the configured file path.
func InitLogger(cfg *config.Config) (*logger.Logger, error) {
	output := cfg.Logging.Output
	if output == "file" {
		output = cfg.Logging.FilePath
	}
	return logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
	})
}

// PostgreSQLConfig maps config onto the client settings
func PostgreSQLConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// RabbitMQConfig maps config onto the client settings. The API role
// declares only the exchange; the worker role adds the result queue.
func RabbitMQConfig(cfg *config.RabbitMQConfig, role Role) *rabbitmq.Config {
	rc := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectRetry:       cfg.Connection.Retry,
		PublishRetry:       cfg.Publish,
	}
	if role == RoleWorker {
		rc.QueueName = cfg.Queue.Name
		rc.QueueDurable = cfg.Queue.Durable
		rc.QueueAutoDelete = cfg.Queue.AutoDelete
		rc.QueueExclusive = cfg.Queue.Exclusive
		rc.BindingKeys = cfg.Bindings
		if len(rc.BindingKeys) == 0 {
			rc.BindingKeys = []string{events.ResultKey}
		}
		rc.PrefetchCount = cfg.Consumer.PrefetchCount
	}
	return rc
}
