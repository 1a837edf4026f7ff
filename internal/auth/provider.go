package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"captainhook/internal/logger"
	"captainhook/internal/webhook"
)

// Provider produces the Authorization header value for one endpoint. An
// empty value means no header is attached.
type Provider interface {
	AuthorizationHeader(ctx context.Context) (string, error)
}

type Clock func() time.Time

type noneProvider struct{}

func (noneProvider) AuthorizationHeader(context.Context) (string, error) {
	return "", nil
}

// BasicProvider recomputes the credential on every call.
type BasicProvider struct {
	username string
	password string
}

func NewBasicProvider(username, password string) *BasicProvider {
	return &BasicProvider{username: username, password: password}
}

func (p *BasicProvider) AuthorizationHeader(context.Context) (string, error) {
	raw := p.username + ":" + p.password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

type RegistryOptions struct {
	HTTPClient           *http.Client
	DefaultRefreshBefore time.Duration
	Clock                Clock
}

// Registry hands out providers keyed by authentication config identity so
// every dispatch to the same endpoint shares one token cache.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
	opts      RegistryOptions
	logger    logger.Logger
}

func NewRegistry(opts RegistryOptions, log logger.Logger) *Registry {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		providers: make(map[string]Provider),
		opts:      opts,
		logger:    log,
	}
}

func (r *Registry) Provider(cfg *webhook.AuthenticationConfig) (Provider, error) {
	switch cfg.EffectiveType() {
	case webhook.AuthNone:
		return noneProvider{}, nil
	case webhook.AuthBasic:
		return NewBasicProvider(cfg.Username, cfg.Password), nil
	case webhook.AuthOIDC, webhook.AuthCustom:
	default:
		return nil, fmt.Errorf("unsupported authentication type %q", cfg.Type)
	}

	key := cfg.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[key]; ok {
		return p, nil
	}

	refreshBefore := r.opts.DefaultRefreshBefore
	if cfg.RefreshBeforeInSeconds > 0 {
		refreshBefore = time.Duration(cfg.RefreshBeforeInSeconds) * time.Second
	}

	var fetcher tokenFetcher
	if cfg.Type == webhook.AuthOIDC {
		fetcher = &oidcFetcher{client: r.opts.HTTPClient, cfg: *cfg}
	} else {
		fetcher = &customFetcher{client: r.opts.HTTPClient, cfg: *cfg}
	}

	p := newTokenProvider(fetcher, refreshBefore, r.opts.Clock, r.logger)
	r.providers[key] = p
	return p, nil
}

// AuthorizationHeader is a convenience wrapper resolving the provider and
// asking it for a header value.
func (r *Registry) AuthorizationHeader(ctx context.Context, cfg *webhook.AuthenticationConfig) (string, error) {
	p, err := r.Provider(cfg)
	if err != nil {
		return "", err
	}
	return p.AuthorizationHeader(ctx)
}
