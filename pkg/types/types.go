package types

import (
	"time"
)

// Config holds all configuration values for the connection service
type Config struct {
	Host          string
	Port          string
	PublicURL     string
	RoutePrefix   string
	DatabaseDSN   string
	StateStoreURL string
	Verbose       bool

	// Built-in providers. A provider is only registered when its client ID and secret are both set.
	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenant       string

	// Generic OAuth/OIDC provider, registered as OAuthProviderID.
	OAuthProviderID   string
	OAuthProviderName string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthorizeURL string
	ScopesSupported   string

	// ProvidersFile is an optional YAML file declaring additional generic providers.
	ProvidersFile string

	// CORSAllowedOrigins is a comma-separated list of browser origins allowed to call the
	// management API. Empty allows none. The token route never sends CORS headers.
	CORSAllowedOrigins string

	SweepInterval time.Duration
	LogEnv        string
	LogLevel      string
}

// Connection is a linked third-party account together with its current credentials
// and health. At most one active row exists per (provider, account_id, tenant_id).
type Connection struct {
	ID        string  `gorm:"primaryKey" json:"id"`
	Name      string  `gorm:"not null" json:"name"`
	Provider  string  `gorm:"not null;index:idx_connections_identity,priority:1" json:"provider"`
	CreatedBy *string `gorm:"index" json:"createdBy,omitempty"`
	TenantID  *string `gorm:"index:idx_connections_identity,priority:3" json:"tenantId,omitempty"`

	AccountID    string `gorm:"not null;index:idx_connections_identity,priority:2" json:"accountId"`
	AccountEmail string `gorm:"index" json:"accountEmail,omitempty"`
	AccountName  string `json:"accountName,omitempty"`

	AccessToken  string     `gorm:"type:text;not null" json:"-"`
	RefreshToken *string    `gorm:"type:text" json:"-"`
	TokenType    string     `json:"tokenType,omitempty"`
	Scope        string     `gorm:"type:text" json:"scope,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`

	IsActive        bool       `gorm:"not null;index" json:"isActive"`
	LastError       *string    `gorm:"type:text" json:"lastError,omitempty"`
	LastErrorAt     *time.Time `json:"lastErrorAt,omitempty"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	LastRefreshedAt *time.Time `json:"lastRefreshedAt,omitempty"`

	ProviderData JSON      `gorm:"type:text" json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasRefreshToken reports whether a non-empty refresh token is on record.
func (c *Connection) HasRefreshToken() bool {
	return c.RefreshToken != nil && *c.RefreshToken != ""
}

// ConnectionSummary is the token-free projection of a Connection returned to API callers
type ConnectionSummary struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Provider        string     `json:"provider"`
	CreatedBy       *string    `json:"createdBy,omitempty"`
	TenantID        *string    `json:"tenantId,omitempty"`
	AccountID       string     `json:"accountId"`
	AccountEmail    string     `json:"accountEmail,omitempty"`
	AccountName     string     `json:"accountName,omitempty"`
	Scope           string     `json:"scope,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	IsActive        bool       `json:"isActive"`
	HasRefreshToken bool       `json:"hasRefreshToken"`
	LastError       *string    `json:"lastError,omitempty"`
	LastErrorAt     *time.Time `json:"lastErrorAt,omitempty"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	LastRefreshedAt *time.Time `json:"lastRefreshedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Summary projects the connection without any credential material
func (c *Connection) Summary() ConnectionSummary {
	return ConnectionSummary{
		ID:              c.ID,
		Name:            c.Name,
		Provider:        c.Provider,
		CreatedBy:       c.CreatedBy,
		TenantID:        c.TenantID,
		AccountID:       c.AccountID,
		AccountEmail:    c.AccountEmail,
		AccountName:     c.AccountName,
		Scope:           c.Scope,
		ExpiresAt:       c.ExpiresAt,
		IsActive:        c.IsActive,
		HasRefreshToken: c.HasRefreshToken(),
		LastError:       c.LastError,
		LastErrorAt:     c.LastErrorAt,
		LastUsedAt:      c.LastUsedAt,
		LastRefreshedAt: c.LastRefreshedAt,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

// AuthorizationState correlates an outbound authorization redirect with its callback.
// Rows are single-use: the callback deletes the row whatever the outcome.
type AuthorizationState struct {
	State        string    `gorm:"primaryKey" json:"state"`
	Provider     string    `gorm:"not null" json:"provider"`
	PKCEVerifier string    `gorm:"type:text" json:"pkceVerifier,omitempty"`
	RedirectURL  string    `gorm:"type:text" json:"redirectUrl,omitempty"`
	Metadata     JSON      `gorm:"type:text" json:"metadata,omitempty"`
	CreatedBy    string    `json:"createdBy,omitempty"`
	TenantID     string    `json:"tenantId,omitempty"`
	ExpiresAt    time.Time `gorm:"not null;index" json:"expiresAt"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// Metadata keys carried on an AuthorizationState
const (
	StateMetadataUserID      = "userId"
	StateMetadataTenantID    = "tenantId"
	StateMetadataRedirectURL = "redirectUrl"
)

// ErrorResponse is the error payload returned by the HTTP API
type ErrorResponse struct {
	Success        bool           `json:"success"`
	Error          string         `json:"error"`
	Code           string         `json:"code"`
	Details        map[string]any `json:"details,omitempty"`
	RequiresReauth bool           `json:"requiresReauth,omitempty"`
}
