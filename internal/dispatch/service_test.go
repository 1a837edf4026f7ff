package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captainhook/internal/auth"
	"captainhook/internal/config"
	"captainhook/internal/logger"
	"captainhook/internal/pool"
	"captainhook/internal/subscription"
	"captainhook/internal/webhook"
	"captainhook/pkg/cel"
	apperrors "captainhook/pkg/errors"
	"captainhook/pkg/metrics"
	"captainhook/pkg/models"
)

var _ pool.Dispatcher = (*Service)(nil)

type stubSubscriptions map[string]*subscription.Subscription

func (s stubSubscriptions) Get(eventType string) (*subscription.Subscription, error) {
	sub, ok := s[subscription.Key(eventType)]
	if !ok {
		return nil, apperrors.ErrSubscriptionNotConfigured.WithDetail("event_type", eventType)
	}
	return sub, nil
}

func webhookConfig(t *testing.T, raw string) *webhook.WebhookConfig {
	t.Helper()
	var cfg webhook.WebhookConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	require.NoError(t, cfg.Validate())
	return &cfg
}

func newTestService(t *testing.T, subs stubSubscriptions, clients *ClientFactory) *Service {
	t.Helper()
	ev, err := cel.NewEvaluator()
	require.NoError(t, err)
	if clients == nil {
		clients = NewClientFactory(ClientFactoryOptions{})
	}
	return NewService(subs, ev, clients,
		auth.NewRegistry(auth.RegistryOptions{}, logger.NopLogger()),
		Options{RetryDelays: []time.Duration{time.Millisecond, 2 * time.Millisecond}, DefaultTimeout: 2 * time.Second},
		logger.NopLogger(),
	)
}

func message(eventType, payload string) models.MessageEnvelope {
	return models.NewMessageEnvelopeBuilder().
		WithMessageID("msg-1").
		WithEventType(eventType).
		WithHandle("6f1c2d8e-handle").
		WithPayload([]byte(payload)).
		Build()
}

func TestDispatch_GenericDelivery(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/orders/A-1", r.URL.Path)
		assert.Equal(t, "6f1c2d8e-handle", r.Header.Get("X-Correlation-ID"))
		assert.Equal(t, []string{"6f1c2d8e-handle"}, r.Header.Values("X-Correlation-ID"))
		assert.Equal(t, "OrderPlaced", r.Header.Get("X-Event-Type"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Basic c3ZjOnB3", r.Header.Get("Authorization"))
		assert.Equal(t, "acme", r.Header.Get("X-Tenant"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"id":"A-1","tenant":"acme"}`, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := webhookConfig(t, `{
  "uri": "`+srv.URL+`/orders",
  "httpVerb": "Put",
  "authenticationConfig": {"type": "Basic", "username": "svc", "password": "pw"},
  "webhookRequestRules": [
    {"source": {"path": "$.id", "location": "Body", "type": "String"}, "destination": {"location": "Uri"}},
    {"source": {"path": "$.tenant", "location": "Body", "type": "String"}, "destination": {"path": "X-Tenant", "location": "Header"}},
    {"source": {"path": "$.tenant", "location": "Body", "type": "String"}, "destination": {"path": "X-Correlation-ID", "location": "Header"}}
  ]
}`)
	svc := newTestService(t, stubSubscriptions{"orderplaced": {EventType: "OrderPlaced", Webhook: cfg, Enabled: true}}, nil)

	err := svc.Dispatch(context.Background(), message("OrderPlaced", `{"id":"A-1","tenant":"acme"}`))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDispatch_CallbackChaining(t *testing.T) {
	var primaryHits, callbackHits int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryHits, 1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true,"ref":"R-1"}`))
	}))
	defer primary.Close()

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callbackHits, 1)
		assert.Equal(t, "6f1c2d8e-handle", r.Header.Get("X-Correlation-ID"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"status":201,"response":{"ok":true,"ref":"R-1"}}`, string(body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer callback.Close()

	sub := &subscription.Subscription{
		EventType: "OrderPlaced",
		Webhook:   webhookConfig(t, `{"uri": "`+primary.URL+`"}`),
		Callback: webhookConfig(t, `{
  "uri": "`+callback.URL+`",
  "webhookRequestRules": [
    {"source": {"location": "HttpStatusCode", "type": "HttpStatusCode"}, "destination": {"path": "status", "location": "Body", "ruleAction": "Add"}},
    {"source": {"path": "$", "location": "HttpContent", "type": "HttpContent"}, "destination": {"path": "response", "location": "Body", "ruleAction": "Add"}}
  ]
}`),
		Enabled: true,
	}
	svc := newTestService(t, stubSubscriptions{"orderplaced": sub}, nil)

	resp, err := svc.Handler(sub).Call(context.Background(), message("OrderPlaced", `{"id":"A-1"}`), webhook.Metadata{"stale": "x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotNil(t, resp.Primary)
	assert.Equal(t, http.StatusCreated, resp.Primary.StatusCode)
	assert.True(t, resp.Succeeded())

	assert.Equal(t, int32(1), atomic.LoadInt32(&primaryHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&callbackHits))
}

func TestDispatch_CallbackRunsAfterPrimaryFailureStatus(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`rejected`))
	}))
	defer primary.Close()

	var callbackBody string
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		callbackBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	sub := &subscription.Subscription{
		EventType: "OrderPlaced",
		Webhook:   webhookConfig(t, `{"uri": "`+primary.URL+`"}`),
		Callback: webhookConfig(t, `{
  "uri": "`+callback.URL+`",
  "webhookRequestRules": [
    {"source": {"location": "HttpContent", "type": "HttpContent"}, "destination": {"path": "detail", "location": "Body", "ruleAction": "Add"}}
  ]
}`),
		Enabled: true,
	}
	svc := newTestService(t, stubSubscriptions{"orderplaced": sub}, nil)

	err := svc.Dispatch(context.Background(), message("OrderPlaced", `{"id":"A-1"}`))

	var statusErr *UnsuccessfulStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, StageWebhook, statusErr.Stage)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, `{"detail":"rejected"}`, callbackBody)
}

func TestDispatch_RetriesOnServiceUnavailable(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []int
		wantHits   int32
		wantStatus int
		wantOK     bool
	}{
		{"503 then success", []int{503, 200}, 2, 200, true},
		{"429 twice then success", []int{429, 429, 204}, 3, 204, true},
		{"503 exhausts the sequence", []int{503, 503, 503, 503}, 3, 503, false},
		{"500 is not retried", []int{500, 200}, 1, 500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&hits, 1)
				w.WriteHeader(tt.statuses[n-1])
			}))
			defer srv.Close()

			sub := &subscription.Subscription{EventType: "OrderPlaced", Webhook: webhookConfig(t, `{"uri": "`+srv.URL+`"}`), Enabled: true}
			svc := newTestService(t, stubSubscriptions{"orderplaced": sub}, nil)

			resp, err := svc.Handler(sub).Call(context.Background(), message("OrderPlaced", `{}`), webhook.Metadata{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantHits, atomic.LoadInt32(&hits))
			assert.Equal(t, tt.wantOK, resp.Succeeded())
		})
	}
}

func TestDispatch_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	uri := srv.URL
	srv.Close()

	sub := &subscription.Subscription{EventType: "OrderPlaced", Webhook: webhookConfig(t, `{"uri": "`+uri+`"}`), Enabled: true}
	svc := newTestService(t, stubSubscriptions{"orderplaced": sub}, nil)

	err := svc.Dispatch(context.Background(), message("OrderPlaced", `{}`))
	assert.ErrorIs(t, err, apperrors.ErrTransientHTTP)
}

func TestDispatch_RoutingFailureIsFatal(t *testing.T) {
	sub := &subscription.Subscription{
		EventType: "OrderPlaced",
		Webhook: webhookConfig(t, `{
  "uri": "https://default.example.com",
  "webhookRequestRules": [
    {"source": {"path": "$.brand", "location": "Body"}, "destination": {"ruleAction": "Route"},
     "routes": [{"uri": "https://brand1.example.com", "selector": "Brand1"}]}
  ]
}`),
		Enabled: true,
	}
	svc := newTestService(t, stubSubscriptions{"orderplaced": sub}, nil)

	err := svc.Dispatch(context.Background(), message("OrderPlaced", `{"brand":"Brand9"}`))
	assert.ErrorIs(t, err, apperrors.ErrRouteNotResolved)
	assert.True(t, apperrors.IsFatal(err))
}

func TestDispatch_TokenFailureIsFatal(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer idp.Close()

	var hits int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer target.Close()

	sub := &subscription.Subscription{
		EventType: "OrderPlaced",
		Webhook: webhookConfig(t, `{
  "uri": "`+target.URL+`",
  "authenticationConfig": {"type": "OIDC", "uri": "`+idp.URL+`", "clientId": "c1", "clientSecret": "s"}
}`),
		Enabled: true,
	}
	svc := newTestService(t, stubSubscriptions{"orderplaced": sub}, nil)

	err := svc.Dispatch(context.Background(), message("OrderPlaced", `{}`))
	assert.ErrorIs(t, err, apperrors.ErrTokenAcquisition)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestDispatch_UnknownSubscription(t *testing.T) {
	svc := newTestService(t, stubSubscriptions{}, nil)
	err := svc.Dispatch(context.Background(), message("Unmapped", `{}`))
	assert.ErrorIs(t, err, apperrors.ErrSubscriptionNotConfigured)
}

func TestDispatch_EmptyPayloadRejected(t *testing.T) {
	svc := newTestService(t, stubSubscriptions{}, nil)
	err := svc.Dispatch(context.Background(), message("OrderPlaced", ""))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.True(t, apperrors.IsFatal(err))
}

func TestDispatch_ConditionSkipsMessage(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	sub := &subscription.Subscription{
		EventType: "ConditionalOrder",
		Webhook:   webhookConfig(t, `{"uri": "`+srv.URL+`"}`),
		Condition: `payload.total > 100.0`,
		Enabled:   true,
	}
	svc := newTestService(t, stubSubscriptions{"conditionalorder": sub}, nil)
	skipped := metrics.MessagesSkippedTotal.WithLabelValues("ConditionalOrder")
	before := testutil.ToFloat64(skipped)

	require.NoError(t, svc.Dispatch(context.Background(), message("ConditionalOrder", `{"total":50}`)))
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
	assert.Equal(t, before+1, testutil.ToFloat64(skipped))

	require.NoError(t, svc.Dispatch(context.Background(), message("ConditionalOrder", `{"total":150}`)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDispatch_CancelledDuringRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub := &subscription.Subscription{EventType: "OrderPlaced", Webhook: webhookConfig(t, `{"uri": "`+srv.URL+`"}`), Enabled: true}
	ev, err := cel.NewEvaluator()
	require.NoError(t, err)
	svc := NewService(stubSubscriptions{"orderplaced": sub}, ev, NewClientFactory(ClientFactoryOptions{}),
		auth.NewRegistry(auth.RegistryOptions{}, logger.NopLogger()),
		Options{RetryDelays: []time.Duration{time.Hour}},
		logger.NopLogger(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = svc.Dispatch(ctx, message("OrderPlaced", `{}`))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClientFactory_SharesClientPerHost(t *testing.T) {
	f := NewClientFactory(ClientFactoryOptions{})

	a, err := f.ForURI("https://Hooks.example.com/a")
	require.NoError(t, err)
	b, err := f.ForURI("https://hooks.example.com/b?x=1")
	require.NoError(t, err)
	c, err := f.ForURI("https://other.example.com/")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.ElementsMatch(t, []string{"hooks.example.com", "other.example.com"}, f.Hosts())

	_, err = f.ForURI("not a uri")
	assert.Error(t, err)
}

func TestClientFactory_CircuitBreakerOpensOnServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewClientFactory(ClientFactoryOptions{
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute},
	})
	client, err := f.ForURI(srv.URL)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, srv.URL, nil)
		resp, err := client.Do(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		resp.Body.Close()
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL, nil)
	_, err = client.Do(context.Background(), req)
	assert.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestClientFactory_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := NewClientFactory(ClientFactoryOptions{RateLimit: config.HostLimitConfig{Enabled: true, RPS: 0.001, Burst: 1}})
	client, err := f.ForURI(srv.URL)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err = client.Do(ctx, req)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate([]byte("abc"), 10))
	assert.Equal(t, "ab...(truncated)", truncate([]byte("abcdef"), 2))
	assert.Equal(t, "abcdef", truncate([]byte("abcdef"), 0))
}
