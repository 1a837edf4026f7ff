package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	State          StateConfig          `mapstructure:"state"`
	Reader         ReaderConfig         `mapstructure:"reader"`
	Pool           PoolConfig           `mapstructure:"pool"`
	Dispatch       DispatchConfig       `mapstructure:"dispatch"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Subscriptions  SubscriptionsConfig  `mapstructure:"subscriptions"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Management     ManagementConfig     `mapstructure:"management"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	GroupID           string        `mapstructure:"group_id"`
	TopicPrefix       string        `mapstructure:"topic_prefix"`
	ConfigUpdateTopic string        `mapstructure:"config_update_topic"`
	DLQTopic          string        `mapstructure:"dlq_topic"`
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	MaxDeliveryCount  int           `mapstructure:"max_delivery_count"`
	Retry             RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// StateConfig selects where leases and the pool partition are persisted.
type StateConfig struct {
	Backend   string `mapstructure:"backend"` // redis, postgres, memory
	KeyPrefix string `mapstructure:"key_prefix"`
}

type ReaderConfig struct {
	// EventTypes limits which subscriptions get a reader. Empty means every
	// enabled subscription.
	EventTypes           []string      `mapstructure:"event_types"`
	BatchSize            int           `mapstructure:"batch_size"`
	PollTimeout          time.Duration `mapstructure:"poll_timeout"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	RenewInterval        time.Duration `mapstructure:"renew_interval"`
	RenewMargin          time.Duration `mapstructure:"renew_margin"`
	RenewLimit           int           `mapstructure:"renew_limit"`
	PoolExhaustedBackoff time.Duration `mapstructure:"pool_exhausted_backoff"`
}

type PoolConfig struct {
	Name string `mapstructure:"name"`
	Size int    `mapstructure:"size"`
}

type DispatchConfig struct {
	RetryDelays     []time.Duration `mapstructure:"retry_delays"`
	DefaultTimeout  time.Duration   `mapstructure:"default_timeout"`
	MaxBodyLogBytes int             `mapstructure:"max_body_log_bytes"`
	RateLimit       HostLimitConfig `mapstructure:"rate_limit"`
}

type HostLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type AuthConfig struct {
	DefaultRefreshBefore time.Duration `mapstructure:"default_refresh_before"`
	TokenTimeout         time.Duration `mapstructure:"token_timeout"`
}

type SubscriptionsConfig struct {
	Source                string `mapstructure:"source"` // mongodb, file
	File                  string `mapstructure:"file"`
	Collection            string `mapstructure:"collection"`
	ReloadIntervalSeconds int    `mapstructure:"reload_interval_seconds"`
	JitterMaxMilliseconds int    `mapstructure:"jitter_max_milliseconds"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ManagementConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
