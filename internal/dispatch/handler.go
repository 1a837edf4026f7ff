package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"captainhook/internal/constants"
	"captainhook/internal/logger"
	"captainhook/internal/webhook"
	apperrors "captainhook/pkg/errors"
	"captainhook/pkg/metrics"
	"captainhook/pkg/models"
	"captainhook/pkg/retry"
	"captainhook/pkg/tracing"
)

const (
	StageWebhook  = "webhook"
	StageCallback = "callback"
)

// AuthProvider resolves the Authorization header for an endpoint. An empty
// header means no authentication.
type AuthProvider interface {
	AuthorizationHeader(ctx context.Context, cfg *webhook.AuthenticationConfig) (string, error)
}

// Caller performs one delivery of msg.
type Caller interface {
	Call(ctx context.Context, msg models.MessageEnvelope, metadata webhook.Metadata) (*Response, error)
}

// Response is the completed outcome of a delivery. For a chained call it is
// the callback's response and Primary holds the first leg.
type Response struct {
	Stage      string
	URI        string
	Method     string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
	Primary    *Response
}

func (r *Response) ok() bool {
	return r.StatusCode >= constants.HTTPStatusOKMin && r.StatusCode < constants.HTTPStatusOKMax
}

// Succeeded reports whether every leg answered 2xx.
func (r *Response) Succeeded() bool {
	if r == nil || !r.ok() {
		return false
	}
	return r.Primary == nil || r.Primary.Succeeded()
}

type handlerDeps struct {
	builder         *webhook.RequestBuilder
	clients         *ClientFactory
	auth            AuthProvider
	retryDelays     []time.Duration
	defaultTimeout  time.Duration
	maxBodyLogBytes int
	logger          logger.Logger
}

// GenericHandler delivers a message to one webhook config.
type GenericHandler struct {
	config *webhook.WebhookConfig
	stage  string
	deps   *handlerDeps
}

func (h *GenericHandler) Call(ctx context.Context, msg models.MessageEnvelope, metadata webhook.Metadata) (*Response, error) {
	ctx, span := tracing.GetTracer("dispatch").Start(ctx, "dispatch."+h.stage)
	defer span.End()

	req, err := h.deps.builder.Build(h.config, msg.Payload, metadata)
	if err != nil {
		return nil, h.fail(ctx, msg, "Failed to build webhook request", err)
	}

	client, err := h.deps.clients.ForURI(req.URI)
	if err != nil {
		return nil, h.fail(ctx, msg, "Failed to resolve webhook client", apperrors.ErrValidation.WithCause(err))
	}

	authHeader, err := h.deps.auth.AuthorizationHeader(ctx, req.Auth)
	if err != nil {
		return nil, h.fail(ctx, msg, "Failed to authenticate webhook request", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.deps.defaultTimeout
	}

	var (
		resp     *Response
		attempts int
		start    = time.Now()
	)
	sendErr := retry.Do(ctx, retry.NewSequenceBackOff(h.deps.retryDelays...), func() error {
		attempts++
		resp = nil
		r, err := h.send(ctx, client, req, msg, authHeader, timeout)
		if err != nil {
			return apperrors.ErrTransientHTTP.WithCause(err)
		}
		resp = r
		if r.StatusCode == http.StatusServiceUnavailable || r.StatusCode == http.StatusTooManyRequests {
			return apperrors.ErrTransientHTTP.WithMessage("webhook answered %d", r.StatusCode)
		}
		return nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		reason := "transport"
		if resp != nil {
			reason = strconv.Itoa(resp.StatusCode)
		}
		metrics.IncDeliveryRetry(msg.EventType, reason)
		h.deps.logger.WarnwCtx(ctx, "Retrying webhook delivery",
			"stage", h.stage,
			"attempt", attempt,
			"next_delay", nextDelay.String(),
			"error", err,
		)
	})

	if resp == nil || (sendErr != nil && ctx.Err() != nil) {
		if sendErr == nil {
			sendErr = errors.New("no response")
		}
		metrics.ObserveDelivery(msg.EventType, h.stage, 0, time.Since(start))
		return nil, h.fail(ctx, msg, "Webhook delivery failed", sendErr)
	}

	resp.Attempts = attempts
	resp.Duration = time.Since(start)
	h.report(ctx, msg, req, resp)
	return resp, nil
}

func (h *GenericHandler) send(ctx context.Context, client *HostClient, req *webhook.Request, msg models.MessageEnvelope, authHeader string, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Method != http.MethodGet {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URI, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get(constants.HeaderContentType) == "" {
		httpReq.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)
	}
	httpReq.Header.Del(constants.HeaderCorrelationID)
	httpReq.Header.Set(constants.HeaderCorrelationID, msg.CorrelationID)
	httpReq.Header.Set(constants.HeaderEventType, msg.EventType)
	if authHeader != "" {
		httpReq.Header.Set(constants.HeaderAuthorization, authHeader)
	}
	tracing.InjectHTTPHeaders(ctx, httpReq.Header)

	httpResp, err := client.Do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		Stage:      h.stage,
		URI:        req.URI,
		Method:     req.Method,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

func (h *GenericHandler) report(ctx context.Context, msg models.MessageEnvelope, req *webhook.Request, resp *Response) {
	metrics.ObserveDelivery(msg.EventType, h.stage, resp.StatusCode, resp.Duration)

	h.deps.logger.InfowCtx(ctx, "Webhook delivered",
		"stage", h.stage,
		"uri", resp.URI,
		"method", resp.Method,
		"status_code", resp.StatusCode,
		"attempts", resp.Attempts,
		"duration_ms", resp.Duration.Milliseconds(),
	)

	if resp.ok() {
		return
	}

	metrics.IncDeliveryFailure(msg.EventType, "HTTP_"+strconv.Itoa(resp.StatusCode))
	h.deps.logger.WarnwCtx(ctx, "Webhook returned non-success status",
		"stage", h.stage,
		"uri", resp.URI,
		"method", resp.Method,
		"status_code", resp.StatusCode,
		"request_headers", req.Headers,
		"request_body", truncate(req.Body, h.deps.maxBodyLogBytes),
		"response_headers", resp.Header,
		"response_body", truncate(resp.Body, h.deps.maxBodyLogBytes),
	)
}

func (h *GenericHandler) fail(ctx context.Context, msg models.MessageEnvelope, message string, err error) error {
	code := apperrors.Code(err)
	if code == "" {
		code = apperrors.ErrInternal.Code
	}
	metrics.IncDeliveryFailure(msg.EventType, code)
	h.deps.logger.ErrorwCtx(ctx, message,
		"stage", h.stage,
		"error_code", code,
		"error", err,
	)
	return err
}

// ResponseHandler delivers to the primary webhook and then hands its status
// and body to the callback webhook.
type ResponseHandler struct {
	primary  *GenericHandler
	callback *GenericHandler
}

func (h *ResponseHandler) Call(ctx context.Context, msg models.MessageEnvelope, metadata webhook.Metadata) (*Response, error) {
	primary, err := h.primary.Call(ctx, msg, metadata)
	if err != nil {
		return nil, err
	}

	if metadata == nil {
		metadata = webhook.Metadata{}
	}
	for k := range metadata {
		delete(metadata, k)
	}
	metadata[constants.MetadataHTTPStatusCode] = strconv.Itoa(primary.StatusCode)
	metadata[constants.MetadataHTTPResponseContent] = string(primary.Body)

	resp, err := h.callback.Call(ctx, msg, metadata)
	if err != nil {
		return nil, err
	}
	resp.Primary = primary
	return resp, nil
}

func truncate(body []byte, max int) string {
	if max <= 0 || len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "...(truncated)"
}
