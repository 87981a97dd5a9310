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

	"github.com/joho/godotenv"

	"github.com/scenely/media-jobs/internal/config"
	"github.com/scenely/media-jobs/internal/media"
	"github.com/scenely/media-jobs/internal/pipeline"
	"github.com/scenely/media-jobs/internal/provider"
	"github.com/scenely/media-jobs/internal/queue"
	"github.com/scenely/media-jobs/internal/status"
	"github.com/scenely/media-jobs/internal/tasks"
	"github.com/scenely/media-jobs/internal/worker"
	workerstorage "github.com/scenely/media-jobs/internal/worker/storage"
	"github.com/scenely/media-jobs/shared/logger"
	"github.com/scenely/media-jobs/shared/postgresql"
	"github.com/scenely/media-jobs/shared/rabbitmq"
	"github.com/scenely/media-jobs/shared/redis"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.RabbitMQ.Host,
		Port:               cfg.RabbitMQ.Port,
		User:               cfg.RabbitMQ.User,
		Password:           cfg.RabbitMQ.Password,
		VHost:              cfg.RabbitMQ.VHost,
		ExchangeName:       cfg.RabbitMQ.Exchange.Name,
		ExchangeType:       cfg.RabbitMQ.Exchange.Type,
		ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
		ExchangeAutoDelete: cfg.RabbitMQ.Exchange.AutoDelete,
		QueueName:          cfg.RabbitMQ.Queue.Name,
		QueueDurable:       cfg.RabbitMQ.Queue.Durable,
		QueueAutoDelete:    cfg.RabbitMQ.Queue.AutoDelete,
		QueueExclusive:     cfg.RabbitMQ.Queue.Exclusive,
		RoutingKey:         cfg.RabbitMQ.RoutingKey,
		RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout:  cfg.RabbitMQ.Connection.ConnectionTimeout,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	redisClient, err := redis.NewClient(&redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer redisClient.Close()

	statusStore := status.NewRedisStore(redisClient.GetRDB(), cfg.Redis.Retention, appLogger.Logger)

	registry := pipeline.NewRegistry()
	tasks.Register(registry, tasks.Deps{
		Fetcher: media.NewFetcher(media.FetcherConfig{
			MaxBytes: cfg.Media.MaxFetchBytes,
			Timeout:  cfg.Media.FetchTimeout,
		}, appLogger.Logger),
		Transcriber: provider.NewTranscriptionClient(provider.TranscriptionConfig{
			BaseURL: cfg.Providers.Transcription.BaseURL,
			APIKey:  cfg.Providers.Transcription.APIKey,
			Model:   cfg.Providers.Transcription.Model,
			Timeout: cfg.Providers.Transcription.Timeout,
		}, appLogger.Logger),
		Analyzer: provider.NewAnalysisClient(provider.AnalysisConfig{
			BaseURL: cfg.Providers.Analysis.BaseURL,
			APIKey:  cfg.Providers.Analysis.APIKey,
			Model:   cfg.Providers.Analysis.Model,
			Timeout: cfg.Providers.Analysis.Timeout,
		}, appLogger.Logger),
		Artifacts: workerstorage.NewStorage(dbClient.GetDB(), appLogger.Logger),
		Limits:    stageLimits(cfg.Pipeline.Stages),
	})

	runner := pipeline.NewRunner(statusStore, registry, pipeline.RunnerConfig{
		BackoffBase: cfg.Pipeline.BackoffBase,
		BackoffCap:  cfg.Pipeline.BackoffCap,
	}, appLogger.Logger)

	brokerQueue := queue.NewAMQPQueue(rabbitClient, cfg.RabbitMQ.Consumer.PrefetchCount, "worker-service", appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Queue:       brokerQueue,
		Runner:      runner,
		Concurrency: cfg.Worker.Concurrency,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

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

	cancel()

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

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// stageLimits converts configured stage policy into the task wiring form.
func stageLimits(stages map[string]config.StageConfig) map[string]tasks.StageLimits {
	limits := make(map[string]tasks.StageLimits, len(stages))
	for name, sc := range stages {
		limits[name] = tasks.StageLimits{
			Timeout:       sc.Timeout,
			Retries:       sc.Retries,
			NonIdempotent: sc.NonIdempotent,
		}
	}
	return limits
}
