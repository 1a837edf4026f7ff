package broker

import (
	"fmt"

	"captainhook/internal/config"
	"captainhook/internal/constants"
	"captainhook/internal/logger"
)

func New(cfg config.BrokerConfig, log logger.Logger) (Broker, error) {
	switch cfg.Type {
	case constants.BrokerTypeKafka:
		return NewKafkaBroker(cfg.Kafka, log), nil
	case constants.BrokerTypeMemory:
		return NewMemoryBroker(MemoryOptions{
			TopicPrefix:      cfg.Kafka.TopicPrefix,
			LeaseDuration:    cfg.Kafka.LeaseDuration,
			MaxDeliveryCount: cfg.Kafka.MaxDeliveryCount,
			DLQTopic:         cfg.Kafka.DLQTopic,
			Logger:           log.Named("memory"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
