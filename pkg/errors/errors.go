package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound           = NewError("NOT_FOUND", "resource not found", http.StatusNotFound)
	ErrValidation         = NewError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest)
	ErrInternal           = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrServiceUnavailable = NewError("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)
)

// Routing and transformation failures. Fatal for the message being dispatched.
var (
	ErrRouteSelectorNotFound = NewError("ROUTE_SELECTOR_NOT_FOUND", "route selector not found in payload", http.StatusUnprocessableEntity).AsFatal()
	ErrRouteNotResolved      = NewError("ROUTE_NOT_RESOLVED", "no route matches selector", http.StatusUnprocessableEntity).AsFatal()
	ErrMissingRoutingValue   = NewError("MISSING_ROUTING_VALUE", "required value missing from payload", http.StatusUnprocessableEntity).AsFatal()
)

// Dispatch pipeline failures.
var (
	ErrPoolExhausted             = NewError("POOL_EXHAUSTED", "no free worker slot", http.StatusServiceUnavailable).AsRetryable()
	ErrTokenAcquisition          = NewError("TOKEN_ACQUISITION_FAILURE", "failed to acquire authentication token", http.StatusBadGateway).AsFatal()
	ErrTransientHTTP             = NewError("TRANSIENT_HTTP_FAILURE", "transient webhook failure", http.StatusServiceUnavailable).AsRetryable()
	ErrLockRenewalLimitExceeded  = NewError("LOCK_RENEWAL_LIMIT_EXCEEDED", "broker lock renewal limit exceeded", http.StatusConflict)
	ErrBrokerConnectivity        = NewError("BROKER_CONNECTIVITY_FAILURE", "broker unavailable", http.StatusServiceUnavailable).AsRetryable()
	ErrPersistence               = NewError("PERSISTENCE_FAILURE", "failed to persist state", http.StatusInternalServerError).AsFatal()
	ErrSubscriptionNotConfigured = NewError("SUBSCRIPTION_NOT_CONFIGURED", "no subscription configured for event type", http.StatusNotFound).AsFatal()
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Code so copies produced by WithCause/WithDetail still compare
// equal to the package level sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	return e.Code != ErrValidation.Code && e.Code != ErrNotFound.Code
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}

	if e.Cause != nil {
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return fatalErr.IsFatal()
		}
	}

	return e.Code == ErrValidation.Code || e.Code == ErrNotFound.Code
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	err.Details = details
	return &err
}

// WithMessage replaces the human readable message, keeping the code.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	return e.WithDetail("message", fmt.Sprintf(format, args...))
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

// Code returns the code of the first *Error in the chain, or "" if there is none.
func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsFatal reports whether err carries a fatal marker anywhere in its chain.
func IsFatal(err error) bool {
	var fatalErr FatalError
	if errors.As(err, &fatalErr) {
		return fatalErr.IsFatal()
	}
	return false
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}

	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}

	return response
}
