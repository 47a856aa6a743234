package providers

import (
	"context"
	"net/http"
	"net/url"

	"github.com/obot-platform/oauth-connections/pkg/oautherr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const GoogleID = "google"

// GoogleProvider implements the Provider interface for Google OAuth
type GoogleProvider struct {
	oauthProvider
	userInfoEndpoint  string
	tokenInfoEndpoint string
	revokeEndpoint    string
}

// NewGoogleProvider creates a new Google OAuth provider
func NewGoogleProvider(credentials Credentials) *GoogleProvider {
	return newGoogleProvider(credentials, endpoints.Google, "https://www.googleapis.com", "https://oauth2.googleapis.com")
}

func newGoogleProvider(credentials Credentials, endpoint oauth2.Endpoint, apiBase, oauthBase string) *GoogleProvider {
	descriptor := Descriptor{
		ID:              GoogleID,
		Name:            "Google",
		Version:         "v2",
		DefaultScopes:   []string{"openid", "email", "profile"},
		SupportsPKCE:    true,
		SupportsRefresh: true,
	}
	static := func(context.Context) (oauth2.Endpoint, error) { return endpoint, nil }
	return &GoogleProvider{
		oauthProvider: newOAuthProvider(descriptor, credentials, static, []string{
			"invalid_grant",
			"token has been expired or revoked",
			"revoked",
		}),
		userInfoEndpoint:  apiBase + "/oauth2/v2/userinfo",
		tokenInfoEndpoint: oauthBase + "/tokeninfo",
		revokeEndpoint:    oauthBase + "/revoke",
	}
}

// UserProfile retrieves user information from Google
func (g *GoogleProvider) UserProfile(ctx context.Context, accessToken string) (*UserProfile, error) {
	data, err := g.getJSON(ctx, g.userInfoEndpoint, accessToken)
	if err != nil {
		return nil, err
	}

	profile := &UserProfile{
		ID:      getString(data, "id"),
		Email:   getString(data, "email"),
		Name:    getString(data, "name"),
		Picture: getString(data, "picture"),
		Raw:     data,
	}
	if profile.ID == "" {
		profile.ID = getString(data, "sub")
	}
	if profile.ID == "" {
		return nil, oautherr.New(oautherr.OAuthError, GoogleID, "user info response has no account id")
	}
	return profile, nil
}

// RevokeToken revokes an access or refresh token with Google
func (g *GoogleProvider) RevokeToken(ctx context.Context, token string) error {
	return g.revoke(ctx, g.revokeEndpoint, token)
}

// ValidateToken checks an access token against Google's tokeninfo endpoint
func (g *GoogleProvider) ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.tokenInfoEndpoint+"?access_token="+url.QueryEscape(accessToken), nil)
	if err != nil {
		return false, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false, oautherr.Wrap(oautherr.OAuthError, GoogleID, "failed to validate token", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusBadRequest, http.StatusUnauthorized:
		return false, nil
	default:
		return false, oautherr.Newf(oautherr.OAuthError, GoogleID, "tokeninfo request failed: %s", resp.Status)
	}
}
