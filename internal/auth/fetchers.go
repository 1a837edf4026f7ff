package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"captainhook/internal/constants"
	"captainhook/internal/webhook"
)

const maxTokenResponseBytes = 1 << 20

// tokenResponse is the document a Custom endpoint answers with. It accepts
// both the RFC 6749 snake_case fields and camelCase variants.
type tokenResponse struct {
	AccessToken       string          `json:"access_token"`
	AccessTokenCamel  string          `json:"accessToken"`
	RefreshToken      string          `json:"refresh_token"`
	RefreshTokenCamel string          `json:"refreshToken"`
	TokenType         string          `json:"token_type"`
	ExpiresIn         json.RawMessage `json:"expires_in"`
	ExpiresInCamel    json.RawMessage `json:"expiresIn"`
	Error             string          `json:"error"`
	ErrorDescription  string          `json:"error_description"`
}

func (r *tokenResponse) token(issuedAt time.Time) (*Token, error) {
	access := firstNonEmpty(r.AccessToken, r.AccessTokenCamel)
	if access == "" {
		return nil, fmt.Errorf("response carries no access token")
	}

	raw := r.ExpiresIn
	if len(raw) == 0 {
		raw = r.ExpiresInCamel
	}
	seconds, err := parseSeconds(raw)
	if err != nil {
		return nil, err
	}

	return &Token{
		AccessToken:  access,
		RefreshToken: firstNonEmpty(r.RefreshToken, r.RefreshTokenCamel),
		TokenType:    r.TokenType,
		ExpiresIn:    time.Duration(seconds) * time.Second,
		IssuedAt:     issuedAt,
	}, nil
}

func parseSeconds(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("response carries no expires_in")
	}
	var n json.Number
	if err := json.Unmarshal(bytes.Trim(raw, `"`), &n); err != nil {
		return 0, fmt.Errorf("invalid expires_in %s: %w", raw, err)
	}
	return n.Int64()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func doTokenRequest(ctx context.Context, client *http.Client, req *http.Request, cfg webhook.AuthenticationConfig, issuedAt time.Time) (*Token, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, &TokenError{ClientID: cfg.ClientID, URI: cfg.URI, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, &TokenError{ClientID: cfg.ClientID, URI: cfg.URI, StatusCode: resp.StatusCode, Cause: err}
	}

	var parsed tokenResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax || parsed.Error != "" {
		desc := firstNonEmpty(parsed.ErrorDescription, parsed.Error)
		if desc == "" {
			desc = strings.TrimSpace(string(body))
		}
		return nil, &TokenError{ClientID: cfg.ClientID, URI: cfg.URI, StatusCode: resp.StatusCode, Description: desc}
	}
	if decodeErr != nil {
		return nil, &TokenError{ClientID: cfg.ClientID, URI: cfg.URI, StatusCode: resp.StatusCode, Description: "malformed token response", Cause: decodeErr}
	}

	tok, err := parsed.token(issuedAt)
	if err != nil {
		return nil, &TokenError{ClientID: cfg.ClientID, URI: cfg.URI, StatusCode: resp.StatusCode, Description: err.Error()}
	}
	return tok, nil
}

// oidcFetcher runs the client_credentials grant through oauth2 with the
// credentials in the form body.
type oidcFetcher struct {
	client *http.Client
	cfg    webhook.AuthenticationConfig
}

func (f *oidcFetcher) authType() string { return string(webhook.AuthOIDC) }

func (f *oidcFetcher) fetch(ctx context.Context, issuedAt time.Time) (*Token, error) {
	conf := clientcredentials.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		TokenURL:     f.cfg.URI,
		Scopes:       f.cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	tok, err := conf.Token(context.WithValue(ctx, oauth2.HTTPClient, f.client))
	if err != nil {
		return nil, f.tokenError(err)
	}

	seconds, err := extraSeconds(tok.Extra("expires_in"))
	if err != nil {
		return nil, &TokenError{ClientID: f.cfg.ClientID, URI: f.cfg.URI, StatusCode: http.StatusOK, Description: err.Error()}
	}

	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    time.Duration(seconds) * time.Second,
		IssuedAt:     issuedAt,
	}, nil
}

func (f *oidcFetcher) tokenError(err error) *TokenError {
	tokenErr := &TokenError{ClientID: f.cfg.ClientID, URI: f.cfg.URI, Cause: err}

	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return tokenErr
	}
	if retrieveErr.Response != nil {
		tokenErr.StatusCode = retrieveErr.Response.StatusCode
	}
	tokenErr.Description = firstNonEmpty(retrieveErr.ErrorDescription, retrieveErr.ErrorCode, strings.TrimSpace(string(retrieveErr.Body)))
	return tokenErr
}

// extraSeconds reads expires_in from the raw token response, which carries
// it as a JSON number, a numeric string or a form value.
func extraSeconds(v interface{}) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, fmt.Errorf("response carries no expires_in")
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		return n.Int64()
	case string:
		return parseSeconds(json.RawMessage(n))
	default:
		return 0, fmt.Errorf("invalid expires_in %v", v)
	}
}

// customFetcher posts the client credentials as a JSON document.
type customFetcher struct {
	client *http.Client
	cfg    webhook.AuthenticationConfig
}

type customTokenRequest struct {
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	Scopes       []string `json:"scopes,omitempty"`
}

func (f *customFetcher) authType() string { return string(webhook.AuthCustom) }

func (f *customFetcher) fetch(ctx context.Context, issuedAt time.Time) (*Token, error) {
	body, err := json.Marshal(customTokenRequest{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		Scopes:       f.cfg.Scopes,
	})
	if err != nil {
		return nil, &TokenError{ClientID: f.cfg.ClientID, URI: f.cfg.URI, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URI, bytes.NewReader(body))
	if err != nil {
		return nil, &TokenError{ClientID: f.cfg.ClientID, URI: f.cfg.URI, Cause: err}
	}
	req.Header.Set("Content-Type", constants.ContentTypeJSON)
	req.Header.Set("Accept", constants.ContentTypeJSON)

	return doTokenRequest(ctx, f.client, req, f.cfg, issuedAt)
}
