package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"captainhook/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")

	viper.SetDefault("broker.type", constants.BrokerTypeKafka)
	viper.SetDefault("broker.kafka.group_id", constants.SubscriptionName)
	viper.SetDefault("broker.kafka.lease_duration", constants.DefaultLeaseDuration.String())
	viper.SetDefault("broker.kafka.max_delivery_count", constants.DefaultMaxDeliveryCount)
	viper.SetDefault("broker.kafka.retry.max_attempts", 5)
	viper.SetDefault("broker.kafka.retry.initial_interval", "500ms")
	viper.SetDefault("broker.kafka.retry.max_interval", "10s")
	viper.SetDefault("broker.kafka.retry.multiplier", 2.0)
	viper.SetDefault("broker.kafka.retry.max_elapsed_time", "2m")

	viper.SetDefault("state.backend", constants.StateBackendRedis)
	viper.SetDefault("state.key_prefix", constants.DefaultStateKeyPrefix)

	viper.SetDefault("reader.batch_size", constants.DefaultBatchSize)
	viper.SetDefault("reader.poll_timeout", constants.DefaultPollTimeout.String())
	viper.SetDefault("reader.poll_interval", constants.DefaultPollInterval.String())
	viper.SetDefault("reader.renew_interval", constants.DefaultRenewInterval.String())
	viper.SetDefault("reader.renew_margin", constants.DefaultRenewMargin.String())
	viper.SetDefault("reader.renew_limit", constants.DefaultRenewLimit)
	viper.SetDefault("reader.pool_exhausted_backoff", constants.DefaultPoolExhaustedBackoff.String())

	viper.SetDefault("pool.name", constants.DefaultPoolName)
	viper.SetDefault("pool.size", constants.DefaultPoolSize)

	viper.SetDefault("dispatch.default_timeout", constants.DefaultHTTPTimeout.String())
	viper.SetDefault("dispatch.max_body_log_bytes", constants.DefaultMaxBodyLogBytes)

	viper.SetDefault("auth.default_refresh_before", constants.DefaultTokenRefreshBefore.String())
	viper.SetDefault("auth.token_timeout", constants.DefaultTokenTimeout.String())

	viper.SetDefault("subscriptions.source", constants.SubscriptionSourceMongoDB)
	viper.SetDefault("subscriptions.collection", constants.DefaultSubscriptionsColl)
	viper.SetDefault("subscriptions.reload_interval_seconds", 60)
	viper.SetDefault("subscriptions.jitter_max_milliseconds", 2000)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.topic_prefix", "BROKER_KAFKA_TOPIC_PREFIX")
	viper.BindEnv("broker.kafka.config_update_topic", "BROKER_KAFKA_CONFIG_UPDATE_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("state.backend", "STATE_BACKEND")
	viper.BindEnv("pool.size", "POOL_SIZE")
	viper.BindEnv("subscriptions.source", "SUBSCRIPTIONS_SOURCE")
	viper.BindEnv("subscriptions.file", "SUBSCRIPTIONS_FILE")

	viper.BindEnv("server.port", "SERVER_PORT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if eventTypes := viper.GetString("READER_EVENT_TYPES"); eventTypes != "" {
		cfg.Reader.EventTypes = nil
		for _, et := range strings.Split(eventTypes, ",") {
			if et = strings.TrimSpace(et); et != "" {
				cfg.Reader.EventTypes = append(cfg.Reader.EventTypes, et)
			}
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}

// applyDefaults fills values viper defaults cannot express.
func applyDefaults(cfg *Config) {
	if len(cfg.Dispatch.RetryDelays) == 0 {
		cfg.Dispatch.RetryDelays = append([]time.Duration(nil), constants.DefaultRetryDelays...)
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = constants.ServiceName
	}
	if cfg.Database.MongoDB.Database == "" {
		cfg.Database.MongoDB.Database = constants.DefaultMongoDBName
	}
}
