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
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobserver/internal/artifact"
	"github.com/cuongbtq/jobserver/internal/backoff"
	"github.com/cuongbtq/jobserver/internal/config"
	"github.com/cuongbtq/jobserver/internal/jobs"
	"github.com/cuongbtq/jobserver/internal/notify"
	"github.com/cuongbtq/jobserver/internal/platform"
	"github.com/cuongbtq/jobserver/internal/progress"
	"github.com/cuongbtq/jobserver/internal/registry"
	"github.com/cuongbtq/jobserver/internal/retention"
	"github.com/cuongbtq/jobserver/internal/storage/postgres"
	"github.com/cuongbtq/jobserver/internal/worker"
	"github.com/cuongbtq/jobserver/shared/logger"
	"github.com/cuongbtq/jobserver/shared/postgresql"
	"github.com/cuongbtq/jobserver/shared/rabbitmq"
	"github.com/cuongbtq/jobserver/shared/redis"
)

const consumerRestartDelay = 5 * time.Second

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

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Component("postgresql"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := postgres.NewStore(dbClient.GetDB(), appLogger.Component("store"))
	if cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	nudgeQueue := nudgeQueueName(cfg.RabbitMQ.Queue, workerID)

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, nudgeQueue, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	var publishers progress.Publishers
	if cfg.Redis.Enabled() {
		redisClient, err := initRedis(ctx, &cfg.Redis, appLogger.Component("redis"))
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()
		publishers = append(publishers, progress.NewRedisBroadcaster(redisClient.GetClient(), cfg.Redis.ChannelPrefix, appLogger.Component("progress")))
	}

	// The chat gateway lives in the bot process; this client records what
	// handlers would send until a gateway-backed implementation is wired.
	chat := platform.NewMemory(appLogger.Component("platform"))

	notifier, err := initNotifier(cfg, rabbitClient, chat, appLogger.Component("notify"))
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}

	artifacts, err := artifact.NewLocal(cfg.Artifact.Root)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	reg := registry.New()
	jobs.Register(reg, jobs.Deps{Platform: chat})
	reg.Freeze()

	w, err := worker.NewWorker(worker.Config{
		Logger:             appLogger.Component("worker"),
		Store:              store,
		Registry:           reg,
		Notifier:           notifier,
		Publisher:          publishers,
		Artifacts:          artifacts,
		WorkerID:           workerID,
		Concurrency:        cfg.Worker.Concurrency,
		KindLimits:         cfg.Worker.KindLimits,
		MaxAttempts:        cfg.Worker.MaxAttempts,
		Lease:              cfg.Worker.Lease,
		HeartbeatInterval:  cfg.Worker.HeartbeatInterval,
		PollInterval:       cfg.Worker.PollInterval,
		LeaseCheckInterval: cfg.Worker.LeaseCheckInterval,
		ForceGrace:         cfg.Worker.ForceGrace,
		ProgressInterval:   cfg.Progress.PersistInterval,
		ShutdownTimeout:    cfg.Worker.ShutdownTimeout,
		ArtifactThreshold:  cfg.Worker.ArtifactThreshold,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	// notifications outlive the worker so jobs finished during shutdown are
	// still delivered
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	defer stopNotify()
	notifyDone := make(chan error, 1)
	go func() { notifyDone <- notifier.Run(notifyCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Start(gctx)
	})
	g.Go(func() error {
		consumeNudges(gctx, w, rabbitClient, nudgeQueue, appLogger.Component("consumer"))
		return nil
	})
	if cfg.Retention.Enabled {
		pruner, err := retention.New(retention.Config{
			Logger:    appLogger.Component("retention"),
			Store:     store,
			Artifacts: artifacts,
			Schedule:  cfg.Retention.Schedule,
			MaxAge:    cfg.Retention.MaxAge,
			BatchSize: cfg.Retention.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("failed to create pruner: %w", err)
		}
		g.Go(func() error {
			return pruner.Run(gctx)
		})
	}

	appLogger.Info("Worker service is running",
		slog.String("worker_id", w.ID()),
		slog.String("nudge_queue", nudgeQueue),
	)

	err = g.Wait()
	stopNotify()
	if nerr := <-notifyDone; nerr != nil {
		appLogger.Error("Notifier stopped with error", slog.Any("error", nerr))
	}
	if err != nil {
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// consumeNudges keeps a nudge consumer attached across broker reconnects
func consumeNudges(ctx context.Context, w *worker.Worker, source worker.DeliverySource, queue string, logger *slog.Logger) {
	for {
		if err := w.ConsumeNudges(ctx, source, queue); err != nil {
			logger.Warn("Nudge consumer failed, relying on polling", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumerRestartDelay):
		}
	}
}

// nudgeQueueName gives every worker its own queue when the queue is
// exclusive, so a cancel nudge reaches the worker that runs the job.
func nudgeQueueName(q config.QueueConfig, workerID string) string {
	if q.Exclusive {
		return q.Name + "." + workerID
	}
	return q.Name
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
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
		ConnectAttempts: cfg.ConnectAttempts,
		ConnectInterval: cfg.ConnectInterval,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client with this worker's nudge queue
func initRabbitMQ(cfg *config.RabbitMQConfig, nudgeQueue string, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Queues: []rabbitmq.QueueSpec{{
			Name:       nudgeQueue,
			Durable:    cfg.Queue.Durable,
			AutoDelete: cfg.Queue.AutoDelete,
			Exclusive:  cfg.Queue.Exclusive,
			Bindings:   cfg.Queue.Bindings,
		}},
		PrefetchCount:  cfg.Consumer.PrefetchCount,
		RetryAttempts:  cfg.Connection.RetryAttempts,
		RetryInterval:  cfg.Connection.RetryInterval,
		Heartbeat:      cfg.Connection.Heartbeat,
		PublishRetries: cfg.Publish.RetryAttempts,
		PublishBackoff: backoff.Exponential{
			Initial:    cfg.Publish.RetryInterval,
			Max:        cfg.Publish.MaxInterval,
			Multiplier: cfg.Publish.BackoffMultiplier,
		},
	}
	if q := cfg.NotifyQueue; q.Name != "" {
		rabbitConfig.Queues = append(rabbitConfig.Queues, rabbitmq.QueueSpec{
			Name:       q.Name,
			Durable:    q.Durable,
			AutoDelete: q.AutoDelete,
			Exclusive:  q.Exclusive,
			Bindings:   q.Bindings,
		})
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRedis initializes the Redis client used to broadcast progress
func initRedis(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(ctx, &redis.Config{
		URL:          cfg.URL,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// initNotifier builds the terminal notifier with every configured sink
func initNotifier(cfg *config.Config, pub notify.Publisher, chat platform.Client, logger *slog.Logger) (*notify.Notifier, error) {
	codec, err := notify.GetCodec(cfg.Notify.Codec)
	if err != nil {
		return nil, err
	}

	sinks := []notify.Sink{notify.NewAMQPSink(pub, codec)}
	if cfg.Notify.PlatformMessages {
		sinks = append(sinks, notify.NewPlatformSink(chat, nil))
	}
	if cfg.Notify.LogSink {
		sinks = append(sinks, notify.NewLogSink(logger))
	}

	return notify.New(notify.Config{
		Logger:       logger,
		QueueSize:    cfg.Notify.QueueSize,
		MaxAttempts:  cfg.Notify.MaxAttempts,
		SendTimeout:  cfg.Notify.SendTimeout,
		DrainTimeout: cfg.Notify.DrainTimeout,
	}, sinks...), nil
}
