package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of webhook deliveries by final status code (count)",
		},
		[]string{"event_type", "stage", "status_code"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_ms",
			Help:    "Duration of a webhook delivery including retries in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"event_type", "stage"},
	)

	DeliveryRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_delivery_retries_total",
			Help: "Total number of webhook delivery retries (count)",
		},
		[]string{"event_type", "reason"},
	)

	DeliveryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_delivery_failures_total",
			Help: "Total number of failed message deliveries by error code (count)",
		},
		[]string{"event_type", "code"},
	)

	MessagesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_messages_skipped_total",
			Help: "Total number of messages completed without delivery because the subscription condition was false (count)",
		},
		[]string{"event_type"},
	)

	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_pool_size",
			Help: "Number of slots in the worker pool (count)",
		},
		[]string{"pool"},
	)

	PoolSlotsBusy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_pool_slots_busy",
			Help: "Number of busy worker pool slots (count)",
		},
		[]string{"pool"},
	)

	PoolExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_pool_exhausted_total",
			Help: "Total number of acquire attempts rejected because no slot was free (count)",
		},
		[]string{"pool"},
	)

	PoolOrphansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_pool_orphans_total",
			Help: "Total number of busy slots recovered from a previous process (count)",
		},
		[]string{"pool"},
	)

	LeasesTracked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reader_leases_tracked",
			Help: "Number of broker leases tracked by a reader (count)",
		},
		[]string{"event_type"},
	)

	LockRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reader_lock_renewals_total",
			Help: "Total number of broker lock renewals (count)",
		},
		[]string{"event_type", "status"},
	)

	LockRenewalLimitExceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reader_lock_renewal_limit_exceeded_total",
			Help: "Total number of leases that reached the renewal limit (count)",
		},
		[]string{"event_type"},
	)

	BrokerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_total",
			Help: "Total number of broker messages by action: received, completed, abandoned, dead_lettered (count)",
		},
		[]string{"event_type", "action"},
	)

	BrokerPullDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_pull_duration_ms",
			Help:    "Duration of broker pulls in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"event_type"},
	)

	TokenRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_requests_total",
			Help: "Total number of upstream token requests (count)",
		},
		[]string{"auth_type", "status"},
	)

	SubscriptionsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscriptions_loaded",
			Help: "Number of enabled subscriptions currently loaded (count)",
		},
	)

	SubscriptionReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_reloads_total",
			Help: "Total number of subscription reloads (count)",
		},
		[]string{"status"},
	)

	StateOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_operations_total",
			Help: "Total number of durable state operations (count)",
		},
		[]string{"backend", "operation", "status"},
	)

	StateOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "state_operation_duration_ms",
			Help:    "Duration of durable state operations in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"backend", "operation"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			DeliveriesTotal,
			DeliveryDuration,
			DeliveryRetriesTotal,
			DeliveryFailuresTotal,
			MessagesSkippedTotal,
			PoolSize,
			PoolSlotsBusy,
			PoolExhaustedTotal,
			PoolOrphansTotal,
			LeasesTracked,
			LockRenewalsTotal,
			LockRenewalLimitExceededTotal,
			BrokerMessagesTotal,
			BrokerPullDuration,
			TokenRequestsTotal,
			SubscriptionsLoaded,
			SubscriptionReloadsTotal,
			StateOperationsTotal,
			StateOperationDuration,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
		)
	})
}

func ObserveDelivery(eventType, stage string, statusCode int, duration time.Duration) {
	code := "error"
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	DeliveriesTotal.WithLabelValues(eventType, stage, code).Inc()
	DeliveryDuration.WithLabelValues(eventType, stage).Observe(float64(duration.Milliseconds()))
}

func IncDeliveryRetry(eventType, reason string) {
	DeliveryRetriesTotal.WithLabelValues(eventType, reason).Inc()
}

func IncDeliveryFailure(eventType, code string) {
	DeliveryFailuresTotal.WithLabelValues(eventType, code).Inc()
}

func IncMessageSkipped(eventType string) {
	MessagesSkippedTotal.WithLabelValues(eventType).Inc()
}

func SetPoolSize(pool string, size int) {
	PoolSize.WithLabelValues(pool).Set(float64(size))
}

func SetPoolSlotsBusy(pool string, busy int) {
	PoolSlotsBusy.WithLabelValues(pool).Set(float64(busy))
}

func IncPoolExhausted(pool string) {
	PoolExhaustedTotal.WithLabelValues(pool).Inc()
}

func AddPoolOrphans(pool string, n int) {
	PoolOrphansTotal.WithLabelValues(pool).Add(float64(n))
}

func SetLeasesTracked(eventType string, n int) {
	LeasesTracked.WithLabelValues(eventType).Set(float64(n))
}

func IncLockRenewal(eventType, status string) {
	LockRenewalsTotal.WithLabelValues(eventType, status).Inc()
}

func IncLockRenewalLimitExceeded(eventType string) {
	LockRenewalLimitExceededTotal.WithLabelValues(eventType).Inc()
}

func IncBrokerMessages(eventType, action string, n int) {
	BrokerMessagesTotal.WithLabelValues(eventType, action).Add(float64(n))
}

func ObserveBrokerPull(eventType string, duration time.Duration) {
	BrokerPullDuration.WithLabelValues(eventType).Observe(float64(duration.Milliseconds()))
}

func IncTokenRequest(authType, status string) {
	TokenRequestsTotal.WithLabelValues(authType, status).Inc()
}

func SetSubscriptionsLoaded(n int) {
	SubscriptionsLoaded.Set(float64(n))
}

func IncSubscriptionReload(status string) {
	SubscriptionReloadsTotal.WithLabelValues(status).Inc()
}

func ObserveStateOperation(backend, operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StateOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	StateOperationDuration.WithLabelValues(backend, operation).Observe(float64(duration.Milliseconds()))
}
