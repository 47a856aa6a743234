package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/obot-platform/oauth-connections/pkg/oautherr"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
)

const GenericID = "generic"

const githubUserEndpoint = "https://api.github.com/user"

// GenericConfig describes an OAuth2/OIDC provider reached through discovery
type GenericConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// AuthorizeURL is the issuer URL or the authorization endpoint of the provider
	AuthorizeURL   string   `yaml:"authorizeURL"`
	Scopes         []string `yaml:"scopes"`
	DisablePKCE    bool     `yaml:"disablePKCE"`
	DisableRefresh bool     `yaml:"disableRefresh"`
}

// providerMetadata is the subset of RFC 8414 / OIDC discovery metadata used here
type providerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserinfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// GenericProvider implements a generic OAuth provider
type GenericProvider struct {
	oauthProvider
	authorizeURL string
	metadata     *gocache.Cache
}

// NewGenericProvider creates a new generic OAuth provider
func NewGenericProvider(cfg GenericConfig, credentials Credentials) *GenericProvider {
	if cfg.ID == "" {
		cfg.ID = GenericID
	}
	if cfg.Name == "" {
		cfg.Name = "OAuth"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "profile", "email"}
	}

	p := &GenericProvider{
		authorizeURL: cfg.AuthorizeURL,
		metadata:     gocache.New(24*time.Hour, time.Hour),
	}
	p.oauthProvider = newOAuthProvider(Descriptor{
		ID:              cfg.ID,
		Name:            cfg.Name,
		Version:         "oauth2",
		DefaultScopes:   cfg.Scopes,
		SupportsPKCE:    !cfg.DisablePKCE,
		SupportsRefresh: !cfg.DisableRefresh,
	}, credentials, p.resolveEndpoint, []string{"invalid_grant", "revoked"})
	return p
}

func (p *GenericProvider) resolveEndpoint(ctx context.Context) (oauth2.Endpoint, error) {
	md, err := p.discoverEndpoints(ctx)
	if err != nil {
		return oauth2.Endpoint{}, err
	}
	return oauth2.Endpoint{
		AuthURL:  md.AuthorizationEndpoint,
		TokenURL: md.TokenEndpoint,
	}, nil
}

// discoverEndpoints resolves endpoints through OIDC discovery, then RFC 8414 well-known
// paths, then conventional defaults. Results are cached for a day.
func (p *GenericProvider) discoverEndpoints(ctx context.Context) (*providerMetadata, error) {
	if cached, ok := p.metadata.Get(p.authorizeURL); ok {
		return cached.(*providerMetadata), nil
	}

	parsedURL, err := url.Parse(p.authorizeURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid authorize URL %q", p.authorizeURL)
	}
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	md := p.discoverOIDC(ctx)
	if md == nil {
		md = p.discoverWellKnown(ctx, baseURL, parsedURL.Path)
	}
	if md == nil {
		md = &providerMetadata{
			Issuer:                baseURL,
			AuthorizationEndpoint: p.authorizeURL,
			TokenEndpoint:         baseURL + "/token",
			UserinfoEndpoint:      baseURL + "/userinfo",
		}
	}

	// github has no userinfo endpoint in its metadata
	if md.UserinfoEndpoint == "" && parsedURL.Host == "github.com" {
		md.UserinfoEndpoint = githubUserEndpoint
	}

	p.metadata.SetDefault(p.authorizeURL, md)
	return md, nil
}

func (p *GenericProvider) discoverOIDC(ctx context.Context) *providerMetadata {
	issuer := strings.TrimSuffix(p.authorizeURL, "/")
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, p.httpClient), issuer)
	if err != nil {
		return nil
	}

	var md providerMetadata
	if err := provider.Claims(&md); err != nil {
		return nil
	}
	endpoint := provider.Endpoint()
	md.AuthorizationEndpoint = endpoint.AuthURL
	md.TokenEndpoint = endpoint.TokenURL
	md.UserinfoEndpoint = provider.UserInfoEndpoint()
	return &md
}

func (p *GenericProvider) discoverWellKnown(ctx context.Context, baseURL, path string) *providerMetadata {
	trimmed := strings.TrimSuffix(path, "/")
	for _, candidate := range []string{
		"/.well-known/oauth-authorization-server" + trimmed,
		trimmed + "/.well-known/oauth-authorization-server",
	} {
		md, err := p.fetchMetadata(ctx, baseURL+candidate)
		if err == nil && md.AuthorizationEndpoint != "" && md.TokenEndpoint != "" {
			return md
		}
	}
	return nil
}

// fetchMetadata fetches OAuth metadata from a URL
func (p *GenericProvider) fetchMetadata(ctx context.Context, metadataURL string) (*providerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch metadata: %s", resp.Status)
	}

	var md providerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &md, nil
}

// UserProfile retrieves user information using the access token
func (p *GenericProvider) UserProfile(ctx context.Context, accessToken string) (*UserProfile, error) {
	md, err := p.discoverEndpoints(ctx)
	if err != nil {
		return nil, oautherr.Wrap(oautherr.InvalidConfiguration, p.descriptor.ID, "failed to discover endpoints", err)
	}
	if md.UserinfoEndpoint == "" {
		return nil, oautherr.New(oautherr.InvalidConfiguration, p.descriptor.ID, "userinfo endpoint not available")
	}

	data, err := p.getJSON(ctx, md.UserinfoEndpoint, accessToken)
	if err != nil {
		return nil, err
	}

	profile := &UserProfile{
		ID:      getString(data, "sub"),
		Email:   getString(data, "email"),
		Name:    getString(data, "name"),
		Picture: getString(data, "picture"),
		Raw:     data,
	}
	if md.UserinfoEndpoint == githubUserEndpoint {
		profile.ID = getString(data, "id")
		profile.Picture = getString(data, "avatar_url")
		if profile.Name == "" {
			profile.Name = getString(data, "login")
		}
	}

	// If sub is not available, try other common ID fields
	if profile.ID == "" {
		profile.ID = getString(data, "id")
	}
	if profile.ID == "" {
		return nil, oautherr.New(oautherr.OAuthError, p.descriptor.ID, "user info response has no account id")
	}
	return profile, nil
}

// RevokeToken revokes a token at the discovered revocation endpoint
func (p *GenericProvider) RevokeToken(ctx context.Context, token string) error {
	md, err := p.discoverEndpoints(ctx)
	if err != nil {
		return oautherr.Wrap(oautherr.InvalidConfiguration, p.descriptor.ID, "failed to discover endpoints", err)
	}
	if md.RevocationEndpoint == "" {
		return oautherr.New(oautherr.InvalidConfiguration, p.descriptor.ID, "provider has no revocation endpoint")
	}
	return p.revoke(ctx, md.RevocationEndpoint, token)
}

// ValidateToken trusts the exp claim of JWT access tokens and probes userinfo for opaque ones.
func (p *GenericProvider) ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return time.Now().Before(exp.Time), nil
		}
	}

	if _, err := p.UserProfile(ctx, accessToken); err != nil {
		if oautherr.IsKind(err, oautherr.InvalidToken) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
