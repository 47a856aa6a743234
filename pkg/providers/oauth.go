package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/obot-platform/oauth-connections/pkg/encryption"
	"github.com/obot-platform/oauth-connections/pkg/oautherr"
	"golang.org/x/oauth2"
)

// endpointFunc resolves the provider's authorization and token endpoints
type endpointFunc func(ctx context.Context) (oauth2.Endpoint, error)

// oauthProvider carries the authorization code, exchange and refresh mechanics shared by
// every provider. Concrete providers add identity lookup and the optional capabilities.
type oauthProvider struct {
	descriptor  Descriptor
	credentials Credentials
	endpoint    endpointFunc
	httpClient  *http.Client

	// refreshRevokedMarkers are lower-case substrings of a refresh error meaning the grant is gone
	refreshRevokedMarkers []string
}

func newOAuthProvider(descriptor Descriptor, credentials Credentials, endpoint endpointFunc, markers []string) oauthProvider {
	return oauthProvider{
		descriptor:            descriptor,
		credentials:           credentials,
		endpoint:              endpoint,
		httpClient:            &http.Client{Timeout: 30 * time.Second},
		refreshRevokedMarkers: markers,
	}
}

// Descriptor returns the provider's public description
func (p *oauthProvider) Descriptor() Descriptor {
	d := p.descriptor
	d.DefaultScopes = slices.Clone(d.DefaultScopes)
	return d
}

func (p *oauthProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *oauthProvider) buildOAuth2Config(ctx context.Context, scopes []string) (*oauth2.Config, error) {
	endpoint, err := p.endpoint(ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     p.credentials.ClientID,
		ClientSecret: p.credentials.ClientSecret,
		RedirectURL:  p.credentials.RedirectURL,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}, nil
}

// AuthorizationURL returns the authorization URL for the provider
func (p *oauthProvider) AuthorizationURL(ctx context.Context, opts AuthorizationOptions) (*AuthorizationResult, error) {
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = p.descriptor.DefaultScopes
	}

	cfg, err := p.buildOAuth2Config(ctx, scopes)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.InvalidConfiguration, p.descriptor.ID, "failed to resolve authorization endpoint", err)
	}

	result := &AuthorizationResult{State: opts.State}
	if result.State == "" {
		result.State = encryption.GenerateState()
	}

	var authOpts []oauth2.AuthCodeOption
	if opts.AccessType != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("access_type", opts.AccessType))
	}
	if opts.Prompt != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("prompt", opts.Prompt))
	}
	if opts.LoginHint != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("login_hint", opts.LoginHint))
	}
	if opts.UsePKCE && p.descriptor.SupportsPKCE {
		result.CodeVerifier = oauth2.GenerateVerifier()
		authOpts = append(authOpts, oauth2.S256ChallengeOption(result.CodeVerifier))
	}

	result.URL = cfg.AuthCodeURL(result.State, authOpts...)
	return result, nil
}

// ExchangeCode exchanges an authorization code for tokens
func (p *oauthProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	cfg, err := p.buildOAuth2Config(ctx, nil)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.InvalidConfiguration, p.descriptor.ID, "failed to resolve token endpoint", err)
	}

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	token, err := cfg.Exchange(p.clientContext(ctx), code, opts...)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.TokenExchangeFailed, p.descriptor.ID, "failed to exchange authorization code", err)
	}
	if token.AccessToken == "" {
		return nil, oautherr.New(oautherr.TokenExchangeFailed, p.descriptor.ID, "no access token returned")
	}

	return tokensFromOAuth2(token), nil
}

// RefreshToken refreshes an access token using a refresh token
func (p *oauthProvider) RefreshToken(ctx context.Context, refreshToken string) (*Tokens, error) {
	if !p.descriptor.SupportsRefresh {
		return nil, oautherr.New(oautherr.InvalidConfiguration, p.descriptor.ID, "provider does not support token refresh")
	}

	cfg, err := p.buildOAuth2Config(ctx, nil)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.InvalidConfiguration, p.descriptor.ID, "failed to resolve token endpoint", err)
	}

	token, err := cfg.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		if p.isRevokedGrant(err) {
			return nil, oautherr.Wrap(oautherr.RefreshTokenExpired, p.descriptor.ID, "refresh token is no longer valid", err)
		}
		return nil, oautherr.Wrap(oautherr.OAuthError, p.descriptor.ID, err.Error(), err)
	}

	return tokensFromOAuth2(token), nil
}

func (p *oauthProvider) isRevokedGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range p.refreshRevokedMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// getJSON performs an authenticated GET and decodes a JSON object.
// A 401 response is reported as INVALID_TOKEN.
func (p *oauthProvider) getJSON(ctx context.Context, endpoint, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.OAuthError, p.descriptor.ID, "failed to get user info", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, oautherr.New(oautherr.InvalidToken, p.descriptor.ID, "access token was rejected by the provider")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, oautherr.Newf(oautherr.OAuthError, p.descriptor.ID, "userinfo request failed: %s", resp.Status).
			WithDetail("body", string(body))
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, oautherr.Wrap(oautherr.OAuthError, p.descriptor.ID, "failed to decode user info response", err)
	}
	return data, nil
}

// revoke posts an RFC 7009 revocation request
func (p *oauthProvider) revoke(ctx context.Context, endpoint, token string) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", p.credentials.ClientID)
	if p.credentials.ClientSecret != "" {
		form.Set("client_secret", p.credentials.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return oautherr.Wrap(oautherr.OAuthError, p.descriptor.ID, "failed to revoke token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return oautherr.Newf(oautherr.OAuthError, p.descriptor.ID, "token revocation failed: %s", resp.Status)
	}
	return nil
}

func tokensFromOAuth2(token *oauth2.Token) *Tokens {
	tokens := &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.Type(),
		ExpiresIn:    token.ExpiresIn,
		Raw: map[string]any{
			"token_type": token.Type(),
		},
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		tokens.ExpiresAt = &expiry
		tokens.Raw["expiry"] = expiry.UTC().Format(time.RFC3339)
	}
	if token.ExpiresIn > 0 {
		tokens.Raw["expires_in"] = token.ExpiresIn
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tokens.Scope = scope
		tokens.Raw["scope"] = scope
	}
	if idToken, ok := token.Extra("id_token").(string); ok && idToken != "" {
		tokens.Raw["has_id_token"] = true
	}
	return tokens
}

// getString safely extracts a string value from a decoded JSON object
func getString(m map[string]any, key string) string {
	if val, ok := m[key]; ok {
		switch v := val.(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
