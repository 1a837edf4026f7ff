//go:build integration

package broker

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"

	"captainhook/internal/config"
	"captainhook/internal/logger"
)

func init() {
	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}
}

func startKafka(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()

	container, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0", kafkamodule.WithClusterID("captainhook-it"))
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}

func createTopics(t *testing.T, broker string, topics ...string) {
	t.Helper()

	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	ctrl, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	configs := make([]kafka.TopicConfig, len(topics))
	for i, topic := range topics {
		configs[i] = kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}
	}
	require.NoError(t, ctrl.CreateTopics(configs...))
}

func kafkaConfig(brokers []string, maxDelivery int) config.KafkaConfig {
	return config.KafkaConfig{
		Brokers:          brokers,
		GroupID:          "captainhook-it",
		TopicPrefix:      "it.",
		LeaseDuration:    5 * time.Second,
		MaxDeliveryCount: maxDelivery,
		Retry: config.RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
		},
	}
}

func receiveOne(t *testing.T, r Receiver) *Message {
	t.Helper()
	var got *Message
	require.Eventually(t, func() bool {
		msgs, err := r.Receive(context.Background(), 1, time.Second)
		if err != nil || len(msgs) == 0 {
			return false
		}
		got = msgs[0]
		return true
	}, 30*time.Second, 100*time.Millisecond)
	return got
}

func TestKafkaBroker_CompleteAndRedeliver_Integration(t *testing.T) {
	brokers := startKafka(t)
	topic := TopicName("it.", "OrderPlaced")
	createTopics(t, brokers[0], topic, topic+".dlq")

	b := NewKafkaBroker(kafkaConfig(brokers, 3), logger.NopLogger())
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, topic, []byte(`{"orderId":"A-1"}`), map[string]string{"tenant": "acme"}))

	r, err := b.NewReceiver("OrderPlaced")
	require.NoError(t, err)

	first := receiveOne(t, r)
	assert.JSONEq(t, `{"orderId":"A-1"}`, string(first.Body))
	assert.Equal(t, "acme", first.Headers["tenant"])
	assert.Equal(t, 1, first.DeliveryCount)

	require.NoError(t, r.Abandon(ctx, first))

	second := receiveOne(t, r)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.DeliveryCount)

	require.NoError(t, r.Complete(ctx, second))
	assert.ErrorIs(t, r.Complete(ctx, second), ErrLockLost)
}

func TestKafkaBroker_DeadLetter_Integration(t *testing.T) {
	brokers := startKafka(t)
	topic := TopicName("it.", "InvoiceIssued")
	createTopics(t, brokers[0], topic, topic+".dlq")

	b := NewKafkaBroker(kafkaConfig(brokers, 1), logger.NopLogger())
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, topic, []byte(`{"invoice":7}`), nil))

	r, err := b.NewReceiver("InvoiceIssued")
	require.NoError(t, err)

	msg := receiveOne(t, r)
	require.NoError(t, r.Abandon(ctx, msg))

	dlq := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic + ".dlq",
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer dlq.Close()

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	dead, err := dlq.ReadMessage(readCtx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"invoice":7}`, string(dead.Value))

	headers := fromKafkaHeaders(dead.Headers)
	assert.Equal(t, "MaxDeliveryCountExceeded", headers["x-dead-letter-reason"])
	assert.Equal(t, topic, headers["x-source-topic"])
}
