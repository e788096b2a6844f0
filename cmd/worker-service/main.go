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
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/config"
	"github.com/cuongbtq/gemmie-chat/internal/delayqueue"
	"github.com/cuongbtq/gemmie-chat/internal/dispatch"
	"github.com/cuongbtq/gemmie-chat/internal/gemmie"
	"github.com/cuongbtq/gemmie-chat/internal/worker"
	"github.com/cuongbtq/gemmie-chat/shared/logger"
	"github.com/cuongbtq/gemmie-chat/shared/postgresql"
	"github.com/cuongbtq/gemmie-chat/shared/rabbitmq"
	"github.com/joho/godotenv"
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
	appLogger, err := initLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = dbClient.EnsureSchema(schemaCtx, "dispatch", dispatch.Schema)
	backend := delayqueue.NewPostgres(dbClient, appLogger.Logger)
	if err == nil {
		err = backend.EnsureSchema(schemaCtx)
	}
	schemaCancel()
	if err != nil {
		dbClient.Close()
		return err
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// The orphan sweep only reads scheduler state and cancels jobs, it never replies
	dispatcher := dispatch.NewClient(dbClient, rabbitClient, dispatch.Config{
		MaxRetries: cfg.Worker.MaxRetries,
		Timeout:    cfg.Worker.CallbackTimeout,
	}, appLogger.Logger)
	settings := cfg.GemmieSettings()
	timer := gemmie.NewTimer(backend, dispatcher, &settings, appLogger.Component("gemmie"))

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		DBClient:          dbClient,
		Broker:            rabbitClient,
		Sender:            worker.NewHTTPSender(cfg.Gemmie.SigningSecret, cfg.Worker.CallbackTimeout, appLogger.Logger),
		QueueName:         cfg.RabbitMQ.Dispatch.Queue.Name,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:        cfg.Worker.JobTimeout,
		RetryBackoff:      cfg.Worker.RetryBackoff,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		SweepInterval:     cfg.Worker.SweepInterval,
	})
	workerInstance.AddSweepTasks(
		orphanSweepTask(timer),
		purgeExpiredTask(backend),
		workerInstance.StaleJobsTask(cfg.Worker.StaleAfter),
	)

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

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

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

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// orphanSweepTask drops pending records whose job will never run
func orphanSweepTask(timer *gemmie.Timer) worker.SweepTask {
	return worker.SweepTask{
		Name: "gemmie-orphans",
		Run: func(ctx context.Context) error {
			_, err := timer.CleanupOrphans(ctx)
			return err
		},
	}
}

// purgeExpiredTask removes expired delay queue entries
func purgeExpiredTask(backend *delayqueue.Postgres) worker.SweepTask {
	return worker.SweepTask{
		Name: "delay-queue-purge",
		Run: func(ctx context.Context) error {
			_, err := backend.PurgeExpired(ctx)
			return err
		},
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
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

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client for the dispatch work queue
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	dispatchCfg := cfg.Dispatch
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       dispatchCfg.Exchange.Name,
		ExchangeType:       dispatchCfg.Exchange.Type,
		ExchangeDurable:    dispatchCfg.Exchange.Durable,
		ExchangeAutoDelete: dispatchCfg.Exchange.AutoDelete,
		QueueName:          dispatchCfg.Queue.Name,
		QueueDurable:       dispatchCfg.Queue.Durable,
		QueueAutoDelete:    dispatchCfg.Queue.AutoDelete,
		QueueExclusive:     dispatchCfg.Queue.Exclusive,
		RoutingKey:         dispatchCfg.RoutingKey,
		DelayQueueName:     dispatchCfg.DelayQueue,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
