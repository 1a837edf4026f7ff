package subscription

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"captainhook/internal/config"
	"captainhook/internal/logger"
	apperrors "captainhook/pkg/errors"
	"captainhook/pkg/metrics"
)

// Service caches the enabled subscriptions keyed by event type.
type Service struct {
	repo       Repository
	cfg        config.SubscriptionsConfig
	conditions conditionValidator
	logger     logger.Logger

	mu          sync.RWMutex
	byEventType map[string]*Subscription
}

func NewService(repo Repository, cfg config.SubscriptionsConfig, conditions conditionValidator, log logger.Logger) *Service {
	return &Service{
		repo:        repo,
		cfg:         cfg,
		conditions:  conditions,
		logger:      log,
		byEventType: make(map[string]*Subscription),
	}
}

// Get returns the subscription for eventType. Lookups ignore case.
func (s *Service) Get(eventType string) (*Subscription, error) {
	s.mu.RLock()
	sub, ok := s.byEventType[Key(eventType)]
	s.mu.RUnlock()

	if !ok {
		return nil, apperrors.ErrSubscriptionNotConfigured.WithDetail("event_type", eventType)
	}
	return sub, nil
}

// List returns the loaded subscriptions ordered by event type.
func (s *Service) List() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]Subscription, 0, len(s.byEventType))
	for _, sub := range s.byEventType {
		subs = append(subs, *sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		return Key(subs[i].EventType) < Key(subs[j].EventType)
	})
	return subs
}

func (s *Service) EventTypes() []string {
	subs := s.List()
	types := make([]string, len(subs))
	for i, sub := range subs {
		types[i] = sub.EventType
	}
	return types
}

// Reload replaces the cache with the repository's active subscriptions.
// Invalid entries are logged and left out. On a repository error the
// previous cache is kept.
func (s *Service) Reload(ctx context.Context, skipJitter ...bool) error {
	shouldSkipJitter := len(skipJitter) > 0 && skipJitter[0]

	if err := s.applyJitter(ctx, shouldSkipJitter); err != nil {
		return err
	}

	subs, err := s.repo.GetActiveSubscriptions(ctx)
	if err != nil {
		metrics.IncSubscriptionReload("error")
		return err
	}

	s.update(ctx, subs)
	metrics.IncSubscriptionReload("success")
	return nil
}

func (s *Service) applyJitter(ctx context.Context, skipJitter bool) error {
	if skipJitter || s.cfg.JitterMaxMilliseconds <= 0 {
		return nil
	}

	jitter := time.Duration(rand.Intn(s.cfg.JitterMaxMilliseconds)) * time.Millisecond
	s.logger.DebugwCtx(ctx, "Reload scheduled with jitter",
		"jitter_ms", jitter.Milliseconds(),
	)

	select {
	case <-time.After(jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) update(ctx context.Context, subs []Subscription) {
	byEventType := make(map[string]*Subscription, len(subs))
	for i := range subs {
		sub := subs[i]
		if err := sub.Validate(s.conditions); err != nil {
			s.logger.ErrorwCtx(ctx, "Skipping invalid subscription",
				"event_type", sub.EventType,
				"name", sub.Name,
				"error", err,
			)
			continue
		}

		key := Key(sub.EventType)
		if existing, ok := byEventType[key]; ok {
			s.logger.WarnwCtx(ctx, "Duplicate subscription for event type, keeping the first",
				"event_type", sub.EventType,
				"kept", existing.Name,
				"ignored", sub.Name,
			)
			continue
		}
		byEventType[key] = &sub
	}

	s.mu.Lock()
	s.byEventType = byEventType
	s.mu.Unlock()

	metrics.SetSubscriptionsLoaded(len(byEventType))
	s.logger.InfowCtx(ctx, "Successfully reloaded subscriptions",
		"subscriptions_count", len(byEventType),
	)
}

// StartReloader reloads on a ticker until ctx is done. The first load is
// expected to have happened already.
func (s *Service) StartReloader(ctx context.Context) error {
	if s.cfg.ReloadIntervalSeconds <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(time.Duration(s.cfg.ReloadIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorwCtx(ctx, "Failed to reload subscriptions",
					"error", err,
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
