package status

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"captainhook/internal/logger"
	"captainhook/internal/pool"
	"captainhook/internal/reader"
	"captainhook/internal/subscription"
	apperrors "captainhook/pkg/errors"
	"captainhook/pkg/health"
)

type PoolView interface {
	Snapshot() pool.Snapshot
}

type ReaderView interface {
	EventType() string
	Leases() []reader.LeaseView
}

type SubscriptionView interface {
	List() []subscription.Subscription
	Reload(ctx context.Context, skipJitter ...bool) error
}

// ReloadNotifier tells other instances to reload their subscriptions.
type ReloadNotifier interface {
	PublishReload(ctx context.Context, changedBy string) error
}

type Handler struct {
	pool          PoolView
	readers       []ReaderView
	subscriptions SubscriptionView
	notifier      ReloadNotifier
	health        *health.CheckerRegistry
	logger        logger.Logger
}

func NewHandler(p PoolView, readers []ReaderView, subs SubscriptionView, healthRegistry *health.CheckerRegistry, log logger.Logger) *Handler {
	if healthRegistry == nil {
		healthRegistry = health.NewCheckerRegistry()
	}
	return &Handler{
		pool:          p,
		readers:       readers,
		subscriptions: subs,
		health:        healthRegistry,
		logger:        log,
	}
}

// WithNotifier makes a reload request also announce the reload to peers.
func (h *Handler) WithNotifier(n ReloadNotifier) *Handler {
	h.notifier = n
	return h
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/pool", h.GetPool)
		v1.GET("/readers", h.ListReaders)

		subs := v1.Group("/subscriptions")
		{
			subs.GET("", h.ListSubscriptions)
			subs.POST("/reload", h.ReloadSubscriptions)
		}
	}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(apperrors.ToHTTPStatus(err), apperrors.ToErrorResponse(err))
}

func (h *Handler) Health(c *gin.Context) {
	result := h.health.Check(c.Request.Context())
	statusCode := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, result)
}

type poolResponse struct {
	pool.Snapshot
	BusyCount int `json:"busy_count"`
	FreeCount int `json:"free_count"`
}

func (h *Handler) GetPool(c *gin.Context) {
	snap := h.pool.Snapshot()
	c.JSON(http.StatusOK, poolResponse{
		Snapshot:  snap,
		BusyCount: len(snap.Busy),
		FreeCount: len(snap.Free),
	})
}

type readerResponse struct {
	EventType string             `json:"event_type"`
	Leases    []reader.LeaseView `json:"leases"`
}

func (h *Handler) ListReaders(c *gin.Context) {
	out := make([]readerResponse, 0, len(h.readers))
	for _, r := range h.readers {
		leases := r.Leases()
		if leases == nil {
			leases = []reader.LeaseView{}
		}
		out = append(out, readerResponse{EventType: r.EventType(), Leases: leases})
	}
	c.JSON(http.StatusOK, gin.H{"readers": out, "total": len(out)})
}

// subscriptionSummary leaves out credentials.
type subscriptionSummary struct {
	EventType   string    `json:"event_type"`
	Name        string    `json:"name,omitempty"`
	WebhookURI  string    `json:"webhook_uri"`
	HTTPVerb    string    `json:"http_verb"`
	AuthType    string    `json:"auth_type"`
	RuleCount   int       `json:"rule_count"`
	CallbackURI string    `json:"callback_uri,omitempty"`
	Condition   string    `json:"condition,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

func summarize(sub subscription.Subscription) subscriptionSummary {
	out := subscriptionSummary{
		EventType: sub.EventType,
		Name:      sub.Name,
		Condition: sub.Condition,
		UpdatedAt: sub.UpdatedAt,
	}
	if sub.Webhook != nil {
		out.WebhookURI = sub.Webhook.URI
		out.HTTPVerb = sub.Webhook.HTTPVerb.Method()
		out.AuthType = string(sub.Webhook.AuthenticationConfig.EffectiveType())
		out.RuleCount = len(sub.Webhook.WebhookRequestRules)
	}
	if sub.HasCallback() {
		out.CallbackURI = sub.Callback.URI
	}
	return out
}

func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs := h.subscriptions.List()
	out := make([]subscriptionSummary, len(subs))
	for i, sub := range subs {
		out[i] = summarize(sub)
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out, "total": len(out)})
}

func (h *Handler) ReloadSubscriptions(c *gin.Context) {
	if err := h.subscriptions.Reload(c.Request.Context(), true); err != nil {
		h.HandleError(c, apperrors.ErrServiceUnavailable.WithCause(err))
		return
	}

	broadcast := false
	if h.notifier != nil {
		if err := h.notifier.PublishReload(c.Request.Context(), c.ClientIP()); err != nil {
			h.logger.WarnwCtx(c.Request.Context(), "Failed to announce subscription reload", "error", err)
		} else {
			broadcast = true
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "total": len(h.subscriptions.List()), "broadcast": broadcast})
}
