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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobserver/internal/api/handler"
	"github.com/cuongbtq/jobserver/internal/api/router"
	"github.com/cuongbtq/jobserver/internal/artifact"
	"github.com/cuongbtq/jobserver/internal/backoff"
	"github.com/cuongbtq/jobserver/internal/config"
	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/jobs"
	"github.com/cuongbtq/jobserver/internal/notify"
	"github.com/cuongbtq/jobserver/internal/progress"
	"github.com/cuongbtq/jobserver/internal/registry"
	"github.com/cuongbtq/jobserver/internal/service"
	"github.com/cuongbtq/jobserver/internal/storage/postgres"
	"github.com/cuongbtq/jobserver/shared/logger"
	"github.com/cuongbtq/jobserver/shared/postgresql"
	"github.com/cuongbtq/jobserver/shared/rabbitmq"
	"github.com/cuongbtq/jobserver/shared/redis"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
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

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	var feed progress.Feed
	if cfg.Redis.Enabled() {
		redisClient, err := initRedis(ctx, &cfg.Redis, appLogger.Component("redis"))
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()
		feed = progress.NewRedisFeed(redisClient.GetClient(), cfg.Redis.ChannelPrefix, appLogger.Component("progress"))
	}

	notifier, err := initNotifier(cfg, rabbitClient, appLogger.Component("notify"))
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}

	artifacts, err := artifact.NewLocal(cfg.Artifact.Root)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	// Handlers are registered for input validation only; execution happens
	// in the worker service.
	reg := registry.New()
	jobs.Register(reg, jobs.Deps{})
	reg.Freeze()

	admins := make([]domain.Owner, 0, len(cfg.Service.Admins))
	for _, raw := range cfg.Service.Admins {
		owner, err := domain.ParseOwner(raw)
		if err != nil {
			return fmt.Errorf("invalid admin %q: %w", raw, err)
		}
		admins = append(admins, owner)
	}

	svc, err := service.New(service.Config{
		Logger:        appLogger.Component("service"),
		Store:         store,
		Registry:      reg,
		Permissions:   service.OwnerOrAdmin{Admins: admins},
		Nudger:        rabbitmq.Retrying{Client: rabbitClient},
		Notifier:      notifier,
		Artifacts:     artifacts,
		Feed:          feed,
		StrictKinds:   cfg.Service.StrictKinds,
		DefaultExpiry: cfg.Service.DefaultExpiry,
		MaxExpiry:     cfg.Service.MaxExpiry,
		MaxInputBytes: cfg.Service.MaxInputBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	dbLogger := appLogger.Component("postgresql")
	ready := func(ctx context.Context) error {
		if err := dbClient.HealthCheck(ctx); err != nil {
			dbLogger.Warn("Database health check failed", slog.Any("error", err), dbClient.Stats())
			return err
		}
		return nil
	}

	r := initRouter(cfg, appLogger.Logger, svc, ready)

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
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return notifier.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case sig := <-quit:
			appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		err := srv.Shutdown(shutdownCtx)
		// stops the notifier, which drains what the last requests queued
		cancel()
		if err != nil {
			appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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

// initRabbitMQ initializes the RabbitMQ client. Nudge queues belong to the
// workers; the API only declares the notification queue so terminal events
// are kept until the bot consumes them.
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	var queues []rabbitmq.QueueSpec
	if cfg.NotifyQueue.Name != "" {
		queues = append(queues, queueSpec(cfg.NotifyQueue))
	}

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
		Queues:             queues,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishBackoff: backoff.Exponential{
			Initial:    cfg.Publish.RetryInterval,
			Max:        cfg.Publish.MaxInterval,
			Multiplier: cfg.Publish.BackoffMultiplier,
		},
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

func queueSpec(q config.QueueConfig) rabbitmq.QueueSpec {
	return rabbitmq.QueueSpec{
		Name:       q.Name,
		Durable:    q.Durable,
		AutoDelete: q.AutoDelete,
		Exclusive:  q.Exclusive,
		Bindings:   q.Bindings,
	}
}

// initRedis initializes the Redis client used for live progress
func initRedis(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(ctx, &redis.Config{
		URL:          cfg.URL,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// initNotifier builds the notifier for jobs the API cancels before they start
func initNotifier(cfg *config.Config, pub notify.Publisher, logger *slog.Logger) (*notify.Notifier, error) {
	codec, err := notify.GetCodec(cfg.Notify.Codec)
	if err != nil {
		return nil, err
	}

	sinks := []notify.Sink{notify.NewAMQPSink(pub, codec)}
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, svc *service.Service, ready func(context.Context) error) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:  logger,
		Service: svc,
		Watch: service.WatchOptions{
			Interval:    cfg.Service.WatchInterval,
			IdleTimeout: cfg.Service.WatchIdleTimeout,
		},
		Ready: ready,
	}

	return router.SetupRouter(handlerDeps, router.Options{
		ServiceName:    cfg.App.Name,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
}
