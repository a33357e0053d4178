package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Service   ServiceConfig   `yaml:"service"`
	Progress  ProgressConfig  `yaml:"progress"`
	Notify    NotifyConfig    `yaml:"notify"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectInterval time.Duration `yaml:"connect_interval"`
	// Migrate applies the embedded schema migrations at startup.
	Migrate bool `yaml:"migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host     string         `yaml:"host"`
	Port     int            `yaml:"port"`
	User     string         `yaml:"user"`
	Password string         `yaml:"password"`
	VHost    string         `yaml:"vhost"`
	Exchange ExchangeConfig `yaml:"exchange"`
	// Queue receives worker nudges.
	Queue QueueConfig `yaml:"queue"`
	// NotifyQueue, when named, is declared so terminal notifications are
	// kept until the bot consumes them.
	NotifyQueue QueueConfig      `yaml:"notify_queue"`
	Connection  ConnectionConfig `yaml:"connection"`
	Publish     PublishConfig    `yaml:"publish"`
	Consumer    ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string   `yaml:"name"`
	Durable    bool     `yaml:"durable"`
	AutoDelete bool     `yaml:"auto_delete"`
	Exclusive  bool     `yaml:"exclusive"`
	Bindings   []string `yaml:"bindings"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	MaxInterval       time.Duration `yaml:"max_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the live progress broadcast connection. An empty URL
// disables it.
type RedisConfig struct {
	URL           string        `yaml:"url"`
	PoolSize      int           `yaml:"pool_size"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ChannelPrefix string        `yaml:"channel_prefix"`
}

// Enabled reports whether a Redis URL is configured
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                 string         `yaml:"id"`
	Concurrency        int            `yaml:"concurrency"`
	KindLimits         map[string]int `yaml:"kind_limits"`
	MaxAttempts        int            `yaml:"max_attempts"`
	Lease              time.Duration  `yaml:"lease"`
	HeartbeatInterval  time.Duration  `yaml:"heartbeat_interval"`
	PollInterval       time.Duration  `yaml:"poll_interval"`
	LeaseCheckInterval time.Duration  `yaml:"lease_check_interval"`
	ForceGrace         time.Duration  `yaml:"force_grace"`
	ShutdownTimeout    time.Duration  `yaml:"shutdown_timeout"`
	ArtifactThreshold  int            `yaml:"artifact_threshold"`
}

// ServiceConfig holds submission rules
type ServiceConfig struct {
	StrictKinds      bool          `yaml:"strict_kinds"`
	DefaultExpiry    time.Duration `yaml:"default_expiry"`
	MaxExpiry        time.Duration `yaml:"max_expiry"`
	MaxInputBytes    int           `yaml:"max_input_bytes"`
	Admins           []string      `yaml:"admins"`
	WatchInterval    time.Duration `yaml:"watch_interval"`
	WatchIdleTimeout time.Duration `yaml:"watch_idle_timeout"`
}

// ProgressConfig holds progress persistence settings
type ProgressConfig struct {
	// PersistInterval is the minimum time between progress writes to the
	// store. Every report still goes to the live broadcast.
	PersistInterval time.Duration `yaml:"persist_interval"`
}

// NotifyConfig holds terminal notification settings
type NotifyConfig struct {
	Codec        string        `yaml:"codec"`
	QueueSize    int           `yaml:"queue_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// LogSink also writes every notification to the service log.
	LogSink bool `yaml:"log_sink"`
	// PlatformMessages posts summaries to the owner's channel.
	PlatformMessages bool `yaml:"platform_messages"`
}

// ArtifactConfig holds the artifact store location
type ArtifactConfig struct {
	Root string `yaml:"root"`
}

// RetentionConfig holds terminal job pruning settings
type RetentionConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"`
	MaxAge    time.Duration `yaml:"max_age"`
	BatchSize int           `yaml:"batch_size"`
}

// Load reads and parses the configuration file and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnv()
	config.ApplyDefaults()
	return &config, nil
}

// ApplyEnv overrides secrets from the environment so they can stay out of
// the YAML file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
}

// ApplyDefaults fills unset values
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.ReadTimeout, 15*time.Second)
	setDefault(&c.Server.IdleTimeout, 60*time.Second)
	setDefault(&c.Server.ShutdownTimeout, 30*time.Second)

	setDefault(&c.Database.SSLMode, "disable")
	setDefault(&c.Database.MaxOpenConns, 25)
	setDefault(&c.Database.MaxIdleConns, 5)
	setDefault(&c.Database.ConnMaxLifetime, 5*time.Minute)
	setDefault(&c.Database.ConnectAttempts, 5)
	setDefault(&c.Database.ConnectInterval, 2*time.Second)

	setDefault(&c.RabbitMQ.VHost, "/")
	setDefault(&c.RabbitMQ.Exchange.Type, "topic")
	setDefault(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDefault(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDefault(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDefault(&c.RabbitMQ.Publish.RetryAttempts, 3)
	setDefault(&c.RabbitMQ.Publish.RetryInterval, 200*time.Millisecond)
	setDefault(&c.RabbitMQ.Publish.MaxInterval, 5*time.Second)
	setDefault(&c.RabbitMQ.Consumer.PrefetchCount, 10)
	if len(c.RabbitMQ.Queue.Bindings) == 0 {
		c.RabbitMQ.Queue.Bindings = []string{"nudge.#"}
	}
	if c.RabbitMQ.NotifyQueue.Name != "" && len(c.RabbitMQ.NotifyQueue.Bindings) == 0 {
		c.RabbitMQ.NotifyQueue.Bindings = []string{"job.#"}
	}

	setDefault(&c.Redis.ChannelPrefix, "jobserver")

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "console")

	setDefault(&c.Worker.Concurrency, 4)
	setDefault(&c.Worker.MaxAttempts, 3)
	setDefault(&c.Worker.HeartbeatInterval, 10*time.Second)
	setDefault(&c.Worker.Lease, 3*c.Worker.HeartbeatInterval)
	setDefault(&c.Worker.PollInterval, 2*time.Second)
	setDefault(&c.Worker.LeaseCheckInterval, 15*time.Second)
	setDefault(&c.Worker.ForceGrace, 10*time.Second)
	setDefault(&c.Worker.ShutdownTimeout, 30*time.Second)
	setDefault(&c.Worker.ArtifactThreshold, 64<<10)

	setDefault(&c.Service.MaxInputBytes, 1<<20)
	setDefault(&c.Service.WatchInterval, time.Second)
	setDefault(&c.Service.WatchIdleTimeout, 5*time.Minute)

	setDefault(&c.Progress.PersistInterval, time.Second)

	setDefault(&c.Notify.Codec, "json")
	setDefault(&c.Notify.QueueSize, 256)
	setDefault(&c.Notify.MaxAttempts, 3)
	setDefault(&c.Notify.SendTimeout, 10*time.Second)
	setDefault(&c.Notify.DrainTimeout, 5*time.Second)

	setDefault(&c.Artifact.Root, "data/artifacts")

	setDefault(&c.Retention.Schedule, "@every 1h")
	setDefault(&c.Retention.MaxAge, 7*24*time.Hour)
	setDefault(&c.Retention.BatchSize, 500)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks the configuration shared by both services and the
// settings of each of them
func (c *Config) Validate() error {
	if err := c.ValidateAPIConfig(); err != nil {
		return err
	}
	return c.validateWorker()
}

// ValidateAPIConfig checks what the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if err := c.validateShared(); err != nil {
		return err
	}
	if c.Service.DefaultExpiry < 0 || c.Service.MaxExpiry < 0 {
		return errors.New("service expiry durations must not be negative")
	}
	if c.Service.MaxExpiry > 0 && c.Service.DefaultExpiry > c.Service.MaxExpiry {
		return fmt.Errorf("service default_expiry %s exceeds max_expiry %s", c.Service.DefaultExpiry, c.Service.MaxExpiry)
	}
	return nil
}

// ValidateWorkerConfig checks what the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}
	return c.validateWorker()
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return errors.New("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return errors.New("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return errors.New("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return errors.New("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return errors.New("rabbitmq queue name is required")
	}

	switch c.Notify.Codec {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("unknown notify codec %q (json or msgpack)", c.Notify.Codec)
	}

	return nil
}

func (c *Config) validateWorker() error {
	w := c.Worker
	if w.Concurrency < 0 {
		return errors.New("worker concurrency must not be negative")
	}
	for kind, limit := range w.KindLimits {
		if limit < 0 {
			return fmt.Errorf("worker kind limit for %q must not be negative", kind)
		}
	}
	if w.MaxAttempts < 0 {
		return errors.New("worker max_attempts must not be negative")
	}
	if w.Lease > 0 && w.HeartbeatInterval > 0 && w.Lease <= w.HeartbeatInterval {
		return fmt.Errorf("worker lease %s must be longer than heartbeat_interval %s", w.Lease, w.HeartbeatInterval)
	}
	if w.ForceGrace > 0 && w.LeaseCheckInterval > 0 && w.ForceGrace >= w.LeaseCheckInterval {
		return fmt.Errorf("worker force_grace %s must be shorter than lease_check_interval %s", w.ForceGrace, w.LeaseCheckInterval)
	}
	if c.Retention.Enabled && c.Retention.MaxAge < 0 {
		return errors.New("retention max_age must not be negative")
	}
	return nil
}
