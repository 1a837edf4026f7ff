package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captainhook/internal/broker"
	"captainhook/internal/logger"
	"captainhook/pkg/models"
)

type capturedPublish struct {
	topic string
	body  []byte
}

type capturingPublisher struct {
	published []capturedPublish
}

func (p *capturingPublisher) Publish(ctx context.Context, topic string, body []byte, headers map[string]string) error {
	p.published = append(p.published, capturedPublish{topic: topic, body: body})
	return nil
}

func TestNotifier_PublishReload(t *testing.T) {
	pub := &capturingPublisher{}
	n := NewNotifier(pub, "config-updates", "instance-a")

	require.NoError(t, n.PublishReload(context.Background(), "10.0.0.7"))
	require.Len(t, pub.published, 1)
	assert.Equal(t, "config-updates", pub.published[0].topic)

	var event models.ConfigUpdateEvent
	require.NoError(t, json.Unmarshal(pub.published[0].body, &event))
	assert.Equal(t, models.EventTypeSubscriptionUpdated, event.EventType)
	assert.Equal(t, models.ActionReload, event.Action)
	assert.Equal(t, "10.0.0.7", event.ChangedBy)
	assert.Equal(t, "instance-a", event.Origin)
}

func TestNotifier_NoTopicIsNoop(t *testing.T) {
	pub := &capturingPublisher{}
	n := NewNotifier(pub, "", "")

	assert.NotEmpty(t, n.Origin())
	require.NoError(t, n.PublishReload(context.Background(), "ops"))
	assert.Empty(t, pub.published)
}

func TestConfigUpdateHandler_IgnoresOwnOrigin(t *testing.T) {
	b := broker.NewMemoryBroker(broker.MemoryOptions{})
	defer b.Close()

	own := NewNotifier(b, "config-updates", "instance-a")
	peer := NewNotifier(b, "config-updates", "instance-b")

	reloader := &recordingReloader{}
	h := NewConfigUpdateHandler(reloader, logger.NopLogger()).IgnoreOrigin(own.Origin())

	for _, n := range []*Notifier{own, peer} {
		data, err := json.Marshal(models.ConfigUpdateEvent{
			EventType: models.EventTypeSubscriptionUpdated,
			Action:    models.ActionReload,
			Timestamp: time.Now().UTC(),
			Origin:    n.Origin(),
		})
		require.NoError(t, err)
		require.NoError(t, h.Handle(context.Background(), &broker.Message{ID: n.Origin(), Body: data}))
	}

	assert.Equal(t, int32(1), reloader.calls)
}
