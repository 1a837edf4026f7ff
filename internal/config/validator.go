package config

import (
	"fmt"
	"strings"

	"captainhook/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	validators := []func(*Config) error{
		func(c *Config) error { return validateServer(c.Server) },
		func(c *Config) error { return validateBroker(c.Broker) },
		func(c *Config) error { return validateDatabase(c.Database) },
		validateState,
		func(c *Config) error { return validateReader(c.Reader) },
		func(c *Config) error { return validatePool(c.Pool) },
		func(c *Config) error { return validateDispatch(c.Dispatch) },
		validateSubscriptions,
	}

	var errors []error
	for _, validate := range validators {
		if err := validate(cfg); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeout <= 0 {
		return &ValidationError{Field: "server.read_timeout", Message: "read timeout must be positive"}
	}

	if cfg.WriteTimeout <= 0 {
		return &ValidationError{Field: "server.write_timeout", Message: "write timeout must be positive"}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "":
		return &ValidationError{Field: "broker.type", Message: "broker type is required"}
	case constants.BrokerTypeKafka:
		return validateKafka(cfg.Kafka)
	case constants.BrokerTypeMemory:
		return nil
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, memory)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	if cfg.LeaseDuration <= 0 {
		return &ValidationError{Field: "broker.kafka.lease_duration", Message: "lease duration must be positive"}
	}

	if cfg.MaxDeliveryCount < 1 {
		return &ValidationError{Field: "broker.kafka.max_delivery_count", Message: "max delivery count must be at least 1"}
	}

	return validateRetry("broker.kafka.retry", cfg.Retry)
}

func validateRetry(prefix string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{Field: prefix + ".max_attempts", Message: "max_attempts must be non-negative"}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{Field: prefix + ".initial_interval", Message: "initial_interval must be non-negative"}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{Field: prefix + ".max_interval", Message: "max_interval must be non-negative"}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   prefix + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier <= 0 {
		return &ValidationError{Field: prefix + ".multiplier", Message: "multiplier must be positive"}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{Field: "database.postgres.host", Message: "PostgreSQL host is required"}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{Field: "database.postgres.user", Message: "PostgreSQL user is required"}
	}

	if cfg.DBName == "" {
		return &ValidationError{Field: "database.postgres.dbname", Message: "PostgreSQL database name is required"}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{Field: "database.redis.host", Message: "Redis host is required"}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{Field: "database.mongodb.database", Message: "MongoDB database name is required"}
	}

	return nil
}

func validateState(cfg *Config) error {
	switch cfg.State.Backend {
	case constants.StateBackendRedis:
		if cfg.Database.Redis.Host == "" {
			return &ValidationError{Field: "database.redis.host", Message: "redis state backend requires database.redis"}
		}
	case constants.StateBackendPostgres:
		if cfg.Database.Postgres.Host == "" {
			return &ValidationError{Field: "database.postgres.host", Message: "postgres state backend requires database.postgres"}
		}
	case constants.StateBackendMemory:
	default:
		return &ValidationError{
			Field:   "state.backend",
			Message: fmt.Sprintf("unknown state backend: %s (supported: redis, postgres, memory)", cfg.State.Backend),
		}
	}
	return nil
}

func validateReader(cfg ReaderConfig) error {
	if cfg.BatchSize < 1 || cfg.BatchSize > constants.MaxBatchSize {
		return &ValidationError{
			Field:   "reader.batch_size",
			Message: fmt.Sprintf("batch size must be between 1 and %d, got %d", constants.MaxBatchSize, cfg.BatchSize),
		}
	}

	if cfg.PollTimeout <= 0 {
		return &ValidationError{Field: "reader.poll_timeout", Message: "poll timeout must be positive"}
	}

	if cfg.RenewInterval <= 0 {
		return &ValidationError{Field: "reader.renew_interval", Message: "renew interval must be positive"}
	}

	if cfg.RenewMargin < cfg.RenewInterval {
		return &ValidationError{
			Field:   "reader.renew_margin",
			Message: "renew margin must be at least the renew interval or leases lapse between ticks",
		}
	}

	if cfg.RenewLimit < 0 {
		return &ValidationError{Field: "reader.renew_limit", Message: "renew limit must be non-negative"}
	}

	return nil
}

func validatePool(cfg PoolConfig) error {
	if cfg.Size < 1 {
		return &ValidationError{Field: "pool.size", Message: fmt.Sprintf("pool size must be positive, got %d", cfg.Size)}
	}
	if cfg.Name == "" {
		return &ValidationError{Field: "pool.name", Message: "pool name is required"}
	}
	return nil
}

func validateDispatch(cfg DispatchConfig) error {
	for i, d := range cfg.RetryDelays {
		if d < 0 {
			return &ValidationError{
				Field:   fmt.Sprintf("dispatch.retry_delays[%d]", i),
				Message: "retry delay must be non-negative",
			}
		}
	}

	if cfg.DefaultTimeout <= 0 {
		return &ValidationError{Field: "dispatch.default_timeout", Message: "default timeout must be positive"}
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RPS <= 0 || cfg.RateLimit.Burst < 1) {
		return &ValidationError{Field: "dispatch.rate_limit", Message: "rps and burst must be positive when enabled"}
	}

	return nil
}

func validateSubscriptions(cfg *Config) error {
	switch cfg.Subscriptions.Source {
	case constants.SubscriptionSourceMongoDB:
		if cfg.Database.MongoDB.URI == "" {
			return &ValidationError{Field: "database.mongodb.uri", Message: "mongodb subscription source requires database.mongodb"}
		}
	case constants.SubscriptionSourceFile:
		if cfg.Subscriptions.File == "" {
			return &ValidationError{Field: "subscriptions.file", Message: "file subscription source requires a file path"}
		}
	default:
		return &ValidationError{
			Field:   "subscriptions.source",
			Message: fmt.Sprintf("unknown subscription source: %s (supported: mongodb, file)", cfg.Subscriptions.Source),
		}
	}
	return nil
}
