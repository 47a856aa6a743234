package providers

import (
	"context"
	"time"
)

// Descriptor is the immutable public description of a provider
type Descriptor struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	DefaultScopes   []string `json:"defaultScopes"`
	SupportsPKCE    bool     `json:"supportsPKCE"`
	SupportsRefresh bool     `json:"supportsRefresh"`
}

// AuthorizationOptions controls how an authorization URL is built
type AuthorizationOptions struct {
	// Scopes overrides the provider's default scopes when non-empty
	Scopes []string
	// State is used as-is when set, otherwise a fresh random state is generated
	State string
	// UsePKCE requests an S256 challenge when the provider supports PKCE
	UsePKCE    bool
	AccessType string
	Prompt     string
	LoginHint  string
}

// AuthorizationResult is the redirect target plus the secrets the caller must keep
type AuthorizationResult struct {
	URL   string
	State string
	// CodeVerifier is only set when PKCE was used. It must never be sent to the browser.
	CodeVerifier string
}

// Tokens is the token set returned by a code exchange or refresh
type Tokens struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	Raw          map[string]any `json:"-"`
}

// UserProfile is the identity information used to key a connection
type UserProfile struct {
	ID      string         `json:"id"`
	Email   string         `json:"email,omitempty"`
	Name    string         `json:"name,omitempty"`
	Picture string         `json:"picture,omitempty"`
	Raw     map[string]any `json:"-"`
}

// Provider is implemented by every external OAuth2 provider
type Provider interface {
	// Descriptor returns the provider's public description
	Descriptor() Descriptor

	// AuthorizationURL builds the redirect URL, generating state and PKCE material as needed
	AuthorizationURL(ctx context.Context, opts AuthorizationOptions) (*AuthorizationResult, error)

	// ExchangeCode exchanges an authorization code for tokens
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error)

	// RefreshToken exchanges a refresh token for a new token set
	RefreshToken(ctx context.Context, refreshToken string) (*Tokens, error)

	// UserProfile retrieves the identity of the access token's owner
	UserProfile(ctx context.Context, accessToken string) (*UserProfile, error)
}

// Revoker is implemented by providers with a token revocation endpoint
type Revoker interface {
	RevokeToken(ctx context.Context, token string) error
}

// Validator is implemented by providers that can check an access token directly
type Validator interface {
	ValidateToken(ctx context.Context, accessToken string) (bool, error)
}

// Credentials are the client registration used against a provider
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Configured reports whether both client ID and secret are present
func (c Credentials) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}
