package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"captainhook/internal/constants"
	apperrors "captainhook/pkg/errors"
)

// Request is a fully resolved outbound delivery.
type Request struct {
	Config  *WebhookConfig
	URI     string
	Method  string
	Body    []byte
	Auth    *AuthenticationConfig
	Headers map[string]string
	Timeout time.Duration
}

// RequestBuilder interprets webhook rules against a payload. It holds no
// state and performs no I/O.
type RequestBuilder struct{}

func NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{}
}

// Build resolves route, URI, verb, body, headers and authentication in one pass.
func (b *RequestBuilder) Build(config *WebhookConfig, payload []byte, metadata Metadata) (*Request, error) {
	effective, err := b.SelectRoute(config, payload)
	if err != nil {
		return nil, err
	}

	uri, err := buildURI(effective, payload)
	if err != nil {
		return nil, err
	}

	body, err := buildPayload(effective, payload, metadata)
	if err != nil {
		return nil, err
	}

	headers, err := buildHeaders(effective, payload)
	if err != nil {
		return nil, err
	}

	return &Request{
		Config:  effective,
		URI:     uri,
		Method:  effective.HTTPVerb.Method(),
		Body:    body,
		Auth:    effective.AuthenticationConfig,
		Headers: headers,
		Timeout: effective.Timeout.Std(),
	}, nil
}

// SelectRoute returns config itself when it has no Route rule, otherwise the
// route whose selector matches the payload value case-insensitively. The
// returned config carries the route's own rules, or the parent's non-route
// rules when the route declares none. A route without an
// authenticationConfig resolves to None.
func (b *RequestBuilder) SelectRoute(config *WebhookConfig, payload []byte) (*WebhookConfig, error) {
	rule := config.routeRule()
	if rule == nil {
		return config, nil
	}

	if rule.Source.Location != LocationBody {
		return nil, apperrors.ErrRouteSelectorNotFound.
			WithMessage("route selector location %q is not supported", rule.Source.Location).
			WithDetail("path", rule.Source.Path)
	}

	selector, ok, err := selectString(payload, rule.Source.Path)
	if errors.Is(err, errAmbiguousMember) {
		return nil, apperrors.ErrMissingRoutingValue.WithCause(err).WithDetail("path", rule.Source.Path)
	}
	if err != nil {
		return nil, apperrors.ErrRouteSelectorNotFound.WithCause(err).WithDetail("path", rule.Source.Path)
	}
	if !ok {
		return nil, apperrors.ErrRouteSelectorNotFound.
			WithMessage("route selector %q not found in payload", rule.Source.Path).
			WithDetail("path", rule.Source.Path)
	}

	for i := range rule.Routes {
		route := &rule.Routes[i]
		if !strings.EqualFold(strings.TrimSpace(route.Selector), selector) {
			continue
		}
		return resolveRoute(config, route), nil
	}

	return nil, apperrors.ErrRouteNotResolved.
		WithMessage("no route matches selector %q", selector).
		WithDetail("selector", selector)
}

func resolveRoute(parent *WebhookConfig, route *WebhookConfigRoute) *WebhookConfig {
	effective := route.WebhookConfig

	if effective.HTTPVerb == "" {
		effective.HTTPVerb = parent.HTTPVerb
	}
	if effective.Timeout == 0 {
		effective.Timeout = parent.Timeout
	}
	if effective.AuthenticationConfig == nil {
		effective.AuthenticationConfig = &AuthenticationConfig{Type: AuthNone}
	}
	if len(effective.WebhookRequestRules) == 0 {
		rules := make([]WebhookRequestRule, 0, len(parent.WebhookRequestRules))
		for _, r := range parent.WebhookRequestRules {
			if !r.IsRoute() {
				rules = append(rules, r)
			}
		}
		effective.WebhookRequestRules = rules
	}
	return &effective
}

// BuildURI resolves the route and appends the value of a Body->Uri rule as
// the final path segment.
func (b *RequestBuilder) BuildURI(config *WebhookConfig, payload []byte) (string, error) {
	effective, err := b.SelectRoute(config, payload)
	if err != nil {
		return "", err
	}
	return buildURI(effective, payload)
}

func buildURI(config *WebhookConfig, payload []byte) (string, error) {
	uri := config.URI
	for _, rule := range config.WebhookRequestRules {
		if rule.Destination.Location != LocationURI || rule.Source.Location != LocationBody {
			continue
		}

		segment, ok, err := selectString(payload, rule.Source.Path)
		if err != nil {
			return "", apperrors.ErrMissingRoutingValue.WithCause(err).WithDetail("path", rule.Source.Path)
		}
		if !ok {
			return "", apperrors.ErrMissingRoutingValue.
				WithMessage("uri segment %q missing from payload", rule.Source.Path).
				WithDetail("path", rule.Source.Path)
		}
		uri = appendSegment(uri, segment)
	}
	return uri, nil
}

func appendSegment(base, segment string) string {
	segment = url.PathEscape(segment)
	if strings.HasSuffix(base, "/") {
		return base + segment
	}
	return base + "/" + segment
}

// BuildPayload resolves the route and applies Body rules in order. With no
// Body rules the payload is forwarded as is.
func (b *RequestBuilder) BuildPayload(config *WebhookConfig, payload []byte, metadata Metadata) ([]byte, error) {
	effective, err := b.SelectRoute(config, payload)
	if err != nil {
		return nil, err
	}
	return buildPayload(effective, payload, metadata)
}

func buildPayload(config *WebhookConfig, payload []byte, metadata Metadata) ([]byte, error) {
	var bodyRules []WebhookRequestRule
	for _, rule := range config.WebhookRequestRules {
		if rule.Destination.Location == LocationBody && !rule.IsRoute() {
			bodyRules = append(bodyRules, rule)
		}
	}
	if len(bodyRules) == 0 {
		return payload, nil
	}

	if len(bodyRules) == 1 && bodyRules[0].Destination.RuleAction == ActionReplace {
		value, err := extractValue(bodyRules[0].Source, payload, metadata)
		if err != nil {
			return nil, err
		}
		return compact(value)
	}

	// body is the document being built; once a rule replaces it with a
	// non-object value no further members can be added.
	body := []byte("{}")
	isObject := true

	for _, rule := range bodyRules {
		value, err := extractValue(rule.Source, payload, metadata)
		if err != nil {
			return nil, err
		}

		var path []string
		if rule.Destination.RuleAction != ActionReplace {
			if path, err = memberPath(rule.Destination.Path); err != nil {
				return nil, apperrors.ErrMissingRoutingValue.WithCause(err).WithDetail("path", rule.Destination.Path)
			}
		}

		// Replace, or an Add aimed at the root, swaps the whole body.
		if len(path) == 0 {
			body, isObject = value, gjson.ParseBytes(value).IsObject()
			continue
		}

		if !isObject {
			return nil, apperrors.ErrMissingRoutingValue.
				WithMessage("cannot add %q to a non-object body", rule.Destination.Path).
				WithDetail("path", rule.Destination.Path)
		}
		if body, err = setMember(body, path, value); err != nil {
			return nil, apperrors.ErrMissingRoutingValue.WithCause(err).WithDetail("path", rule.Destination.Path)
		}
	}

	return compact(body)
}

// extractValue produces the JSON value a rule contributes to the body.
func extractValue(source ParserLocation, payload []byte, metadata Metadata) ([]byte, error) {
	switch {
	case source.Type == DataTypeHTTPStatusCode || source.Location == LocationHTTPStatusCode:
		code, err := strconv.Atoi(strings.TrimSpace(metadata[constants.MetadataHTTPStatusCode]))
		if err != nil {
			return nil, apperrors.ErrMissingRoutingValue.
				WithMessage("metadata %s missing or not numeric", constants.MetadataHTTPStatusCode)
		}
		return []byte(strconv.Itoa(code)), nil

	case source.Type == DataTypeHTTPContent || source.Location == LocationHTTPContent:
		content, ok := metadata[constants.MetadataHTTPResponseContent]
		if !ok {
			return nil, apperrors.ErrMissingRoutingValue.
				WithMessage("metadata %s missing", constants.MetadataHTTPResponseContent)
		}
		trimmed := bytes.TrimSpace([]byte(content))
		if !json.Valid(trimmed) || len(trimmed) == 0 {
			return json.Marshal(content)
		}
		if strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(source.Path), "$")) == "" {
			return trimmed, nil
		}
		raw, found, err := selectRaw(trimmed, source.Path)
		if err != nil || !found {
			return nil, apperrors.ErrMissingRoutingValue.
				WithMessage("response content has no value at %q", source.Path).
				WithDetail("path", source.Path)
		}
		return raw, nil
	}

	raw, found, err := selectRaw(payload, source.Path)
	if err != nil {
		return nil, apperrors.ErrMissingRoutingValue.WithCause(err).WithDetail("path", source.Path)
	}
	if !found || strings.TrimSpace(rawToString(raw)) == "" {
		return nil, apperrors.ErrMissingRoutingValue.
			WithMessage("value %q missing from payload", source.Path).
			WithDetail("path", source.Path)
	}

	if source.Type == DataTypeString && raw[0] != '"' {
		return json.Marshal(string(raw))
	}
	return raw, nil
}

func compact(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SelectVerb returns the HTTP method of the resolved route.
func (b *RequestBuilder) SelectVerb(config *WebhookConfig, payload []byte) (string, error) {
	effective, err := b.SelectRoute(config, payload)
	if err != nil {
		return "", err
	}
	return effective.HTTPVerb.Method(), nil
}

// SelectAuthenticationConfig returns the authentication config of the
// resolved route. The result is never nil.
func (b *RequestBuilder) SelectAuthenticationConfig(config *WebhookConfig, payload []byte) (*AuthenticationConfig, error) {
	effective, err := b.SelectRoute(config, payload)
	if err != nil {
		return nil, err
	}
	if effective.AuthenticationConfig == nil {
		return &AuthenticationConfig{Type: AuthNone}, nil
	}
	return effective.AuthenticationConfig, nil
}

// BuildHeaders resolves the route and evaluates Body->Header rules. The
// destination path names the header.
func (b *RequestBuilder) BuildHeaders(config *WebhookConfig, payload []byte) (map[string]string, error) {
	effective, err := b.SelectRoute(config, payload)
	if err != nil {
		return nil, err
	}
	return buildHeaders(effective, payload)
}

func buildHeaders(config *WebhookConfig, payload []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for _, rule := range config.WebhookRequestRules {
		if rule.Destination.Location != LocationHeader || rule.IsRoute() {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(rule.Destination.Path, "$"), "."))
		if name == "" {
			return nil, apperrors.ErrMissingRoutingValue.WithMessage("header rule has no destination name")
		}
		value, ok, err := selectString(payload, rule.Source.Path)
		if err != nil || !ok {
			return nil, apperrors.ErrMissingRoutingValue.
				WithMessage("header %s value %q missing from payload", name, rule.Source.Path).
				WithDetail("path", rule.Source.Path)
		}
		headers[name] = value
	}
	return headers, nil
}
