package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"captainhook/internal/logger"
	apperrors "captainhook/pkg/errors"
	"captainhook/pkg/metrics"
)

type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
	IssuedAt     time.Time
}

// needsRefresh reports whether the token is missing or within refreshBefore
// of its expiry.
func (t *Token) needsRefresh(now time.Time, refreshBefore time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	return now.Sub(t.IssuedAt) >= t.ExpiresIn-refreshBefore
}

// TokenError describes a failed token request. It matches
// errors.ErrTokenAcquisition.
type TokenError struct {
	ClientID    string
	URI         string
	StatusCode  int
	Description string
	Cause       error
}

func (e *TokenError) Error() string {
	msg := fmt.Sprintf("token request for client %q to %s failed", e.ClientID, e.URI)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

func (e *TokenError) Unwrap() []error {
	if e.Cause != nil {
		return []error{apperrors.ErrTokenAcquisition, e.Cause}
	}
	return []error{apperrors.ErrTokenAcquisition}
}

type tokenFetcher interface {
	fetch(ctx context.Context, issuedAt time.Time) (*Token, error)
	authType() string
}

// tokenProvider caches a bearer token and refreshes it lazily. Refreshes are
// serialized by a weight-1 semaphore so concurrent callers wait for the
// in-flight request instead of issuing their own.
type tokenProvider struct {
	fetcher       tokenFetcher
	refreshBefore time.Duration
	now           Clock
	logger        logger.Logger

	sem   *semaphore.Weighted
	mu    sync.RWMutex
	token *Token
}

func newTokenProvider(fetcher tokenFetcher, refreshBefore time.Duration, clock Clock, log logger.Logger) *tokenProvider {
	return &tokenProvider{
		fetcher:       fetcher,
		refreshBefore: refreshBefore,
		now:           clock,
		logger:        log,
		sem:           semaphore.NewWeighted(1),
	}
}

func (p *tokenProvider) current() *Token {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

func (p *tokenProvider) Token(ctx context.Context) (*Token, error) {
	if tok := p.current(); !tok.needsRefresh(p.now(), p.refreshBefore) {
		return tok, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	if tok := p.current(); !tok.needsRefresh(p.now(), p.refreshBefore) {
		return tok, nil
	}

	tok, err := p.fetcher.fetch(ctx, p.now())
	if err != nil {
		metrics.IncTokenRequest(p.fetcher.authType(), "error")
		p.logger.ErrorwCtx(ctx, "Token request failed", "auth_type", p.fetcher.authType(), "error", err)
		return nil, err
	}
	metrics.IncTokenRequest(p.fetcher.authType(), "success")

	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()

	p.logger.DebugwCtx(ctx, "Token refreshed", "auth_type", p.fetcher.authType(), "expires_in", tok.ExpiresIn.String())
	return tok, nil
}

func (p *tokenProvider) AuthorizationHeader(ctx context.Context) (string, error) {
	tok, err := p.Token(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + tok.AccessToken, nil
}
