package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/api/handler"
	"github.com/cuongbtq/gemmie-chat/internal/api/router"
	"github.com/cuongbtq/gemmie-chat/internal/api/storage"
	"github.com/cuongbtq/gemmie-chat/internal/config"
	"github.com/cuongbtq/gemmie-chat/internal/delayqueue"
	"github.com/cuongbtq/gemmie-chat/internal/dispatch"
	"github.com/cuongbtq/gemmie-chat/internal/gemmie"
	"github.com/cuongbtq/gemmie-chat/internal/llm"
	"github.com/cuongbtq/gemmie-chat/internal/realtime"
	"github.com/cuongbtq/gemmie-chat/shared/logger"
	"github.com/cuongbtq/gemmie-chat/shared/postgresql"
	"github.com/cuongbtq/gemmie-chat/shared/rabbitmq"
	"github.com/gin-gonic/gin"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	messages := storage.NewStorage(dbClient)
	backend, err := initSchema(context.Background(), cfg, dbClient, messages, appLogger.Logger)
	if err != nil {
		return err
	}

	// The dispatch delay queue dead-letters into the work queue the worker consumes
	dispatchBroker, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Dispatch, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ dispatch client: %w", err)
	}
	defer dispatchBroker.Close()

	eventsBroker, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Events, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ events client: %w", err)
	}
	defer eventsBroker.Close()

	appLogger.Info("RabbitMQ connections established")

	primary, err := initCompleter(cfg.LLM.Primary)
	if err != nil {
		return fmt.Errorf("failed to initialize primary model: %w", err)
	}

	var cleanup llm.Completer
	if cfg.LLM.Cleanup.Enabled() {
		if cleanup, err = initCompleter(cfg.LLM.Cleanup); err != nil {
			return fmt.Errorf("failed to initialize cleanup model: %w", err)
		}
	}

	events := realtime.NewPublisher(eventsBroker, appLogger.Logger)
	dispatcher := dispatch.NewClient(dbClient, dispatchBroker, dispatch.Config{
		MaxRetries: cfg.Worker.MaxRetries,
		Timeout:    cfg.Worker.CallbackTimeout,
	}, appLogger.Logger)

	settings := cfg.GemmieSettings()
	service := gemmie.New(settings, gemmie.Dependencies{
		Backend:    backend,
		Dispatcher: dispatcher,
		Store:      messages,
		Events:     events,
		Primary:    primary,
		Cleanup:    cleanup,
		Logger:     appLogger.Logger,
	})

	brokers := map[string]handler.ConnectionChecker{
		"dispatch": dispatchBroker,
		"events":   eventsBroker,
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, &handler.Dependencies{
		Logger:        appLogger.Logger,
		DBClient:      dbClient,
		Brokers:       brokers,
		Messages:      messages,
		Events:        events,
		Gemmie:        service,
		Channel:       settings.Channel,
		GemmieName:    settings.Name,
		SigningSecret: cfg.Gemmie.SigningSecret,
		AdminToken:    cfg.Gemmie.AdminToken,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		slog.Duration("gemmie_delay", settings.Delay),
		slog.String("delay_queue", cfg.DelayQueue.Driver),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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

// initSchema creates the tables this service writes to and picks the delay queue backend
func initSchema(ctx context.Context, cfg *config.Config, dbClient *postgresql.Client, messages *storage.Storage, logger *slog.Logger) (delayqueue.Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := messages.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	if err := dbClient.EnsureSchema(ctx, "dispatch", dispatch.Schema); err != nil {
		return nil, err
	}

	if cfg.DelayQueue.Driver == config.DriverMemory {
		logger.Warn("Using the in-memory delay queue backend, state is lost on restart and not shared between instances")
		return delayqueue.NewMemory(), nil
	}

	backend := delayqueue.NewPostgres(dbClient, logger)
	if err := backend.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return backend, nil
}

// initRabbitMQ initializes a RabbitMQ client for one topology
func initRabbitMQ(cfg *config.RabbitMQConfig, topology config.TopologyConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       topology.Exchange.Name,
		ExchangeType:       topology.Exchange.Type,
		ExchangeDurable:    topology.Exchange.Durable,
		ExchangeAutoDelete: topology.Exchange.AutoDelete,
		QueueName:          topology.Queue.Name,
		QueueDurable:       topology.Queue.Durable,
		QueueAutoDelete:    topology.Queue.AutoDelete,
		QueueExclusive:     topology.Queue.Exclusive,
		RoutingKey:         topology.RoutingKey,
		DelayQueueName:     topology.DelayQueue,
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

// initCompleter builds a rate limited model client
func initCompleter(cfg config.ModelConfig) (llm.Completer, error) {
	retry := llm.DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		retry.Attempts = cfg.MaxAttempts
	}

	return llm.New(llm.Options{
		Provider: cfg.Provider,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Model:    cfg.Model,
		Timeout:  cfg.Timeout,
		Limiter:  llm.NewLimiter(cfg.RatePerMinute, cfg.Burst),
		Retry:    retry,
	})
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	logger.Debug("Router dependencies ready",
		slog.Bool("admin_enabled", deps.AdminToken != ""),
	)

	return router.SetupRouter(deps)
}
