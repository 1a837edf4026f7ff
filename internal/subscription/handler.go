package subscription

import (
	"context"
	"encoding/json"

	"captainhook/internal/broker"
	"captainhook/internal/logger"
	"captainhook/pkg/models"
)

type Reloader interface {
	Reload(ctx context.Context, skipJitter ...bool) error
}

// ConfigUpdateHandler reloads subscriptions when a subscription change is
// announced on the config update topic.
type ConfigUpdateHandler struct {
	reloader Reloader
	origin   string
	logger   logger.Logger
}

func NewConfigUpdateHandler(reloader Reloader, log logger.Logger) *ConfigUpdateHandler {
	return &ConfigUpdateHandler{
		reloader: reloader,
		logger:   log,
	}
}

// IgnoreOrigin skips events published by this instance, which has already
// reloaded.
func (h *ConfigUpdateHandler) IgnoreOrigin(origin string) *ConfigUpdateHandler {
	h.origin = origin
	return h
}

// Handle is a broker.HandlerFunc. Malformed events are dropped.
func (h *ConfigUpdateHandler) Handle(ctx context.Context, msg *broker.Message) error {
	var event models.ConfigUpdateEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		h.logger.WarnwCtx(ctx, "Dropping malformed config event", "error", err, "id", msg.ID)
		return nil
	}

	if event.EventType != models.EventTypeSubscriptionUpdated {
		return nil
	}
	if h.origin != "" && event.Origin == h.origin {
		return nil
	}

	h.logger.InfowCtx(ctx, "Received config update event",
		"action", event.Action,
		"subscription_event_type", event.SubscriptionType,
		"changed_by", event.ChangedBy,
	)

	if err := h.reloader.Reload(ctx); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to reload subscriptions after config update", "error", err)
		return err
	}
	return nil
}

var _ broker.HandlerFunc = (&ConfigUpdateHandler{}).Handle
