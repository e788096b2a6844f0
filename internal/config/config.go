package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Delay queue drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	DelayQueue DelayQueueConfig `yaml:"delay_queue"`
	Gemmie     GemmieConfig     `yaml:"gemmie"`
	LLM        LLMConfig        `yaml:"llm"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
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
}

// RabbitMQConfig holds the broker connection shared by the dispatch and
// events topologies
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Dispatch   TopologyConfig   `yaml:"dispatch"`
	Events     TopologyConfig   `yaml:"events"`
}

// TopologyConfig describes one exchange and its optional queues
type TopologyConfig struct {
	Exchange   ExchangeConfig `yaml:"exchange"`
	Queue      QueueConfig    `yaml:"queue"`
	DelayQueue string         `yaml:"delay_queue"`
	RoutingKey string         `yaml:"routing_key"`
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
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	CallbackTimeout   time.Duration `yaml:"callback_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

// DelayQueueConfig selects the shared state backend
type DelayQueueConfig struct {
	Driver string `yaml:"driver"`
}

// GemmieConfig holds the automated participant settings
type GemmieConfig struct {
	Name          string         `yaml:"name"`
	KeyPrefix     string         `yaml:"key_prefix"`
	Channel       string         `yaml:"channel"`
	PublicURL     string         `yaml:"public_url"`
	SigningSecret string         `yaml:"signing_secret"`
	AdminToken    string         `yaml:"admin_token"`
	Delay         time.Duration  `yaml:"delay"`
	LockMargin    time.Duration  `yaml:"lock_margin"`
	OrphanBuffer  time.Duration  `yaml:"orphan_buffer"`
	ProcessedTTL  time.Duration  `yaml:"processed_ttl"`
	HistoryLimit  int            `yaml:"history_limit"`
	Timezone      string         `yaml:"timezone"`
	MaxSentences  int            `yaml:"max_sentences"`
	MaxChars      int            `yaml:"max_chars"`
	Fallbacks     []string       `yaml:"fallbacks"`
	Placeholder   string         `yaml:"placeholder"`
	MaxWords      int            `yaml:"max_words"`
	Reaction      ReactionConfig `yaml:"reaction"`
}

// ReactionConfig holds the emoji reaction settings
type ReactionConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Probability float64       `yaml:"probability"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Emojis      []string      `yaml:"emojis"`
}

// LLMConfig holds the two model identities
type LLMConfig struct {
	Primary ModelConfig `yaml:"primary"`
	Cleanup ModelConfig `yaml:"cleanup"`
}

// ModelConfig configures one generative model client
type ModelConfig struct {
	Provider      string        `yaml:"provider"`
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   *float64      `yaml:"temperature"`
	RatePerMinute int           `yaml:"rate_per_minute"`
	Burst         int           `yaml:"burst"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

// Enabled reports whether the client should be built at all
func (m ModelConfig) Enabled() bool {
	return m.APIKey != ""
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills zero values that have a sensible default
func (c *Config) ApplyDefaults() {
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.DelayQueue.Driver == "" {
		c.DelayQueue.Driver = DriverPostgres
	}

	if c.RabbitMQ.Dispatch.Exchange.Type == "" {
		c.RabbitMQ.Dispatch.Exchange.Type = "direct"
	}
	if c.RabbitMQ.Events.Exchange.Type == "" {
		c.RabbitMQ.Events.Exchange.Type = "topic"
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.JobTimeout <= 0 {
		c.Worker.JobTimeout = 30 * time.Second
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 10 * time.Second
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.MaxRetries < 0 {
		c.Worker.MaxRetries = 0
	}
	if c.Worker.RetryBackoff <= 0 {
		c.Worker.RetryBackoff = 2 * time.Second
	}
	if c.Worker.CallbackTimeout <= 0 {
		c.Worker.CallbackTimeout = 60 * time.Second
	}
	if c.Worker.StaleAfter <= 0 {
		c.Worker.StaleAfter = 5 * time.Minute
	}

	c.Gemmie.PublicURL = strings.TrimRight(c.Gemmie.PublicURL, "/")
	if c.Gemmie.Delay <= 0 {
		c.Gemmie.Delay = 3 * time.Second
	}
}

// ProcessURL is where the dispatcher delivers reply jobs
func (g GemmieConfig) ProcessURL() string {
	return g.PublicURL + "/api/v1/gemmie/process"
}

// ReactURL is where the dispatcher delivers reaction jobs
func (g GemmieConfig) ReactURL() string {
	return g.PublicURL + "/api/v1/gemmie/react"
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Dispatch.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq dispatch exchange name is required")
	}

	if c.RabbitMQ.Dispatch.DelayQueue == "" {
		return fmt.Errorf("rabbitmq dispatch delay_queue is required")
	}

	if c.Gemmie.SigningSecret == "" {
		return fmt.Errorf("gemmie signing_secret is required")
	}

	switch c.DelayQueue.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown delay_queue driver: %q", c.DelayQueue.Driver)
	}

	return nil
}

// ValidateAPIConfig checks the settings the api-service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if c.RabbitMQ.Events.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq events exchange name is required")
	}

	if c.Gemmie.PublicURL == "" {
		return fmt.Errorf("gemmie public_url is required")
	}

	if c.Gemmie.Reaction.Probability < 0 || c.Gemmie.Reaction.Probability > 1 {
		return fmt.Errorf("gemmie reaction probability must be between 0 and 1")
	}

	if !c.LLM.Primary.Enabled() {
		return fmt.Errorf("llm primary api_key is required")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker-service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.RabbitMQ.Dispatch.Queue.Name == "" {
		return fmt.Errorf("rabbitmq dispatch queue name is required")
	}

	if c.DelayQueue.Driver == DriverMemory {
		return fmt.Errorf("worker requires the %s delay_queue driver", DriverPostgres)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}
