package authorize

import (
	"context"
	"net/http"
	"strings"

	"github.com/obot-platform/oauth-connections/pkg/handlerutils"
	"github.com/obot-platform/oauth-connections/pkg/integration"
)

type Initiator interface {
	Initiate(ctx context.Context, providerID string, opts integration.InitiateOptions) (*integration.InitiateResult, error)
}

type Handler struct {
	service Initiator
}

func NewHandler(service Initiator) http.Handler {
	return &Handler{
		service: service,
	}
}

// ServeHTTP starts an authorization flow and redirects the user agent to the provider.
// Clients asking for JSON get the authorization URL instead of a redirect.
func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	redirect := params.Get("redirect")
	if redirect != "" && !handlerutils.IsRelativeRedirect(redirect) {
		handlerutils.BadRequest(w, "redirect must be a relative path")
		return
	}

	result, err := p.service.Initiate(r.Context(), r.PathValue("provider"), integration.InitiateOptions{
		Scopes:      parseScopes(params.Get("scopes")),
		UserID:      params.Get("userId"),
		TenantID:    params.Get("tenantId"),
		RedirectURL: redirect,
	})
	if err != nil {
		handlerutils.WriteError(w, r, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		handlerutils.JSON(w, http.StatusOK, result)
		return
	}
	http.Redirect(w, r, result.AuthURL, http.StatusFound)
}

// parseScopes accepts space or comma separated scopes
func parseScopes(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})
}
