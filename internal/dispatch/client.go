package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"captainhook/internal/config"
	"captainhook/pkg/circuitbreaker"
)

var errServerStatus = errors.New("server error status")

type ClientFactoryOptions struct {
	CircuitBreaker config.CircuitBreakerConfig
	RateLimit      config.HostLimitConfig
	// Transport overrides the per-host transport. Tests point it at httptest.
	Transport http.RoundTripper
}

// ClientFactory hands out one client per target host. Clients are shared
// by every dispatch to that host; request headers are never set on them.
type ClientFactory struct {
	opts ClientFactoryOptions

	mu      sync.Mutex
	clients map[string]*HostClient
}

func NewClientFactory(opts ClientFactoryOptions) *ClientFactory {
	return &ClientFactory{
		opts:    opts,
		clients: make(map[string]*HostClient),
	}
}

func (f *ClientFactory) ForURI(rawURI string) (*HostClient, error) {
	u, err := url.Parse(rawURI)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook uri %q", rawURI)
	}
	host := strings.ToLower(u.Host)

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[host]; ok {
		return client, nil
	}

	client := f.newHostClient(host)
	f.clients[host] = client
	return client, nil
}

func (f *ClientFactory) newHostClient(host string) *HostClient {
	transport := f.opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	client := &HostClient{
		host: host,
		http: &http.Client{Transport: transport},
	}

	if f.opts.CircuitBreaker.Enabled {
		cb := f.opts.CircuitBreaker
		cfg := circuitbreaker.DefaultConfig("webhook:"+host).
			WithSettings(cb.MaxRequests, cb.Interval, cb.Timeout, cb.FailureRatio, cb.MinRequests)
		client.breaker = circuitbreaker.NewWrapper(cfg)
	}
	if f.opts.RateLimit.Enabled && f.opts.RateLimit.RPS > 0 {
		burst := f.opts.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(f.opts.RateLimit.RPS), burst)
	}
	return client
}

// Hosts lists the hosts a client has been created for.
func (f *ClientFactory) Hosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	hosts := make([]string, 0, len(f.clients))
	for host := range f.clients {
		hosts = append(hosts, host)
	}
	return hosts
}

type HostClient struct {
	host    string
	http    *http.Client
	breaker *circuitbreaker.Wrapper
	limiter *rate.Limiter
}

func (c *HostClient) Host() string {
	return c.host
}

// Do sends req after waiting for the host's rate limit. 5xx responses count
// as failures for the circuit breaker but are still returned to the caller.
func (c *HostClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if c.breaker == nil {
		return c.http.Do(req)
	}

	var resp *http.Response
	_, err := c.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		r, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		resp = r
		if r.StatusCode >= http.StatusInternalServerError {
			return nil, errServerStatus
		}
		return nil, nil
	})

	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	if err != nil {
		if c.breaker.IsOpen() {
			return nil, fmt.Errorf("circuit breaker is open for %s: %w", c.host, err)
		}
		return nil, err
	}
	return resp, nil
}
