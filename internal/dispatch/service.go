package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"captainhook/internal/config"
	"captainhook/internal/constants"
	"captainhook/internal/logger"
	"captainhook/internal/subscription"
	"captainhook/internal/webhook"
	apperrors "captainhook/pkg/errors"
	"captainhook/pkg/logging"
	"captainhook/pkg/metrics"
	"captainhook/pkg/models"
	"captainhook/pkg/tracing"
)

type SubscriptionLookup interface {
	Get(eventType string) (*subscription.Subscription, error)
}

type ConditionEvaluator interface {
	EvaluateFilter(ctx context.Context, expression string, msg models.MessageEnvelope) (bool, error)
}

// UnsuccessfulStatusError is returned when a delivery completed but a leg
// did not answer 2xx.
type UnsuccessfulStatusError struct {
	Stage      string
	URI        string
	StatusCode int
}

func (e *UnsuccessfulStatusError) Error() string {
	return fmt.Sprintf("%s %s answered %d", e.Stage, e.URI, e.StatusCode)
}

type Options struct {
	RetryDelays     []time.Duration
	DefaultTimeout  time.Duration
	MaxBodyLogBytes int
}

func OptionsFromConfig(cfg config.DispatchConfig) Options {
	return Options{
		RetryDelays:     cfg.RetryDelays,
		DefaultTimeout:  cfg.DefaultTimeout,
		MaxBodyLogBytes: cfg.MaxBodyLogBytes,
	}
}

// Service is the pool's dispatcher. It resolves the subscription for a
// message and runs its webhook, and its callback when one is configured.
type Service struct {
	subscriptions SubscriptionLookup
	conditions    ConditionEvaluator
	deps          *handlerDeps
	logger        logger.Logger
}

func NewService(subs SubscriptionLookup, conditions ConditionEvaluator, clients *ClientFactory, auth AuthProvider, opts Options, log logger.Logger) *Service {
	if opts.RetryDelays == nil {
		opts.RetryDelays = constants.DefaultRetryDelays
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = constants.DefaultHTTPTimeout
	}
	if opts.MaxBodyLogBytes <= 0 {
		opts.MaxBodyLogBytes = constants.DefaultMaxBodyLogBytes
	}

	return &Service{
		subscriptions: subs,
		conditions:    conditions,
		deps: &handlerDeps{
			builder:         webhook.NewRequestBuilder(),
			clients:         clients,
			auth:            auth,
			retryDelays:     opts.RetryDelays,
			defaultTimeout:  opts.DefaultTimeout,
			maxBodyLogBytes: opts.MaxBodyLogBytes,
			logger:          log,
		},
		logger: log,
	}
}

// Handler returns the caller for sub: a ResponseHandler when a callback is
// configured, otherwise a GenericHandler.
func (s *Service) Handler(sub *subscription.Subscription) Caller {
	primary := &GenericHandler{config: sub.Webhook, stage: StageWebhook, deps: s.deps}
	if !sub.HasCallback() {
		return primary
	}
	return &ResponseHandler{
		primary:  primary,
		callback: &GenericHandler{config: sub.Callback, stage: StageCallback, deps: s.deps},
	}
}

// Dispatch delivers msg. A nil error means every leg answered 2xx or the
// subscription's condition skipped the message.
func (s *Service) Dispatch(ctx context.Context, msg models.MessageEnvelope) error {
	ctx, span := tracing.StartSpanFromCarrier(ctx, "dispatch.deliver", msg.TraceContext)
	defer span.End()
	span.SetAttributes(
		attribute.String("event_type", msg.EventType),
		attribute.String("handle", msg.Handle),
		attribute.String("message_id", msg.MessageID),
	)

	ctx = logging.WithCorrelationID(ctx, msg.CorrelationID)
	ctx = logging.WithHandle(ctx, msg.Handle)
	ctx = logging.WithEventType(ctx, msg.EventType)
	ctx = logging.WithMessageID(ctx, msg.MessageID)

	err := s.dispatch(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Service) dispatch(ctx context.Context, msg models.MessageEnvelope) error {
	if err := models.ValidateMessageEnvelope(&msg); err != nil {
		s.logger.ErrorwCtx(ctx, "Rejecting malformed message", "error", err)
		metrics.IncDeliveryFailure(msg.EventType, apperrors.ErrValidation.Code)
		return apperrors.ErrValidation.WithCause(err)
	}

	sub, err := s.subscriptions.Get(msg.EventType)
	if err != nil {
		s.logger.ErrorwCtx(ctx, "No subscription for event type", "error", err)
		metrics.IncDeliveryFailure(msg.EventType, apperrors.Code(err))
		return err
	}

	if sub.Condition != "" && s.conditions != nil {
		matched, err := s.conditions.EvaluateFilter(ctx, sub.Condition, msg)
		if err != nil {
			s.logger.ErrorwCtx(ctx, "Condition evaluation failed",
				"subscription", sub.Name,
				"error", err,
			)
			metrics.IncDeliveryFailure(msg.EventType, "CONDITION_ERROR")
			return fmt.Errorf("condition evaluation failed: %w", err)
		}
		if !matched {
			metrics.IncMessageSkipped(msg.EventType)
			s.logger.DebugwCtx(ctx, "Condition not met, skipping message", "subscription", sub.Name)
			return nil
		}
	}

	resp, err := s.Handler(sub).Call(ctx, msg, webhook.Metadata{})
	if err != nil {
		return err
	}

	for leg := resp; leg != nil; leg = leg.Primary {
		if !leg.ok() {
			return &UnsuccessfulStatusError{Stage: leg.Stage, URI: leg.URI, StatusCode: leg.StatusCode}
		}
	}
	return nil
}
