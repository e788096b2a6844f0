package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/gemmie-chat/internal/worker/domain"
	"github.com/cuongbtq/gemmie-chat/internal/worker/storage"
	"github.com/cuongbtq/gemmie-chat/shared/postgresql"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is the RabbitMQ surface the worker uses: the work queue for
// deliveries and the delay queue for retries.
type Broker interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	PublishDelayed(ctx context.Context, messageID string, body []byte, contentType string, delay time.Duration) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	DBClient          *postgresql.Client
	Broker            Broker
	Sender            CallbackSender
	WorkerID          string
	QueueName         string
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	RetryBackoff      time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	SweepTasks        []SweepTask
}

// Worker delivers deferred callbacks
type Worker struct {
	logger            *slog.Logger
	storage           *storage.Storage
	broker            Broker
	sender            CallbackSender
	workerID          string
	rabbitMQQueueName string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	retryBackoff      time.Duration
	heartbeatInterval time.Duration
	sweepInterval     time.Duration
	sweepTasks        []SweepTask
	jobsChan          chan *domain.JobMessage
	wg                sync.WaitGroup
	stopOnce          sync.Once
	stopChan          chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	return &Worker{
		logger:            cfg.Logger,
		storage:           storage.NewStorage(cfg.DBClient.GetDB(), cfg.Logger),
		broker:            cfg.Broker,
		sender:            cfg.Sender,
		workerID:          workerID,
		rabbitMQQueueName: cfg.QueueName,
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		jobTimeout:        cfg.JobTimeout,
		retryBackoff:      backoff,
		heartbeatInterval: heartbeat,
		sweepInterval:     cfg.SweepInterval,
		sweepTasks:        cfg.SweepTasks,
		jobsChan:          make(chan *domain.JobMessage, concurrency),
		stopChan:          make(chan struct{}),
	}
}

// Start consumes deliveries until ctx is canceled. It returns an error when
// the broker closes the delivery channel underneath it.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	if w.sweepInterval > 0 && len(w.sweepTasks) > 0 {
		w.wg.Add(1)
		go w.runSweeper(ctx)
	}

	return w.startMessageDispatcher(ctx, deliveries)
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
