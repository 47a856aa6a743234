package providers

import (
	"context"

	"github.com/obot-platform/oauth-connections/pkg/oautherr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const MicrosoftID = "microsoft"

// MicrosoftProvider implements OAuth provider for Microsoft identity platform accounts
type MicrosoftProvider struct {
	oauthProvider
	meEndpoint string
}

// NewMicrosoftProvider creates a new Microsoft provider. An empty tenant means "common".
func NewMicrosoftProvider(credentials Credentials, tenant string) *MicrosoftProvider {
	if tenant == "" {
		tenant = "common"
	}
	return newMicrosoftProvider(credentials, endpoints.AzureAD(tenant), "https://graph.microsoft.com")
}

func newMicrosoftProvider(credentials Credentials, endpoint oauth2.Endpoint, graphBase string) *MicrosoftProvider {
	descriptor := Descriptor{
		ID:              MicrosoftID,
		Name:            "Microsoft",
		Version:         "v2.0",
		DefaultScopes:   []string{"openid", "email", "profile", "offline_access", "User.Read"},
		SupportsPKCE:    true,
		SupportsRefresh: true,
	}
	static := func(context.Context) (oauth2.Endpoint, error) { return endpoint, nil }
	return &MicrosoftProvider{
		oauthProvider: newOAuthProvider(descriptor, credentials, static, []string{
			"invalid_grant",
			"aadsts70008",  // refresh token expired
			"aadsts700082", // refresh token expired due to inactivity
			"aadsts50173",  // grant revoked after password change
		}),
		meEndpoint: graphBase + "/v1.0/me",
	}
}

// UserProfile retrieves the signed-in user from Microsoft Graph
func (p *MicrosoftProvider) UserProfile(ctx context.Context, accessToken string) (*UserProfile, error) {
	data, err := p.getJSON(ctx, p.meEndpoint, accessToken)
	if err != nil {
		return nil, err
	}

	email := getString(data, "mail")
	if email == "" {
		email = getString(data, "userPrincipalName")
	}

	profile := &UserProfile{
		ID:    getString(data, "id"),
		Email: email,
		Name:  getString(data, "displayName"),
		Raw:   data,
	}
	if profile.ID == "" {
		return nil, oautherr.New(oautherr.OAuthError, MicrosoftID, "graph response has no account id")
	}
	return profile, nil
}

// ValidateToken probes Graph with the access token
func (p *MicrosoftProvider) ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	if _, err := p.getJSON(ctx, p.meEndpoint, accessToken); err != nil {
		if oautherr.IsKind(err, oautherr.InvalidToken) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
