package callback

import (
	"context"
	"net/http"
	"net/url"

	"github.com/obot-platform/oauth-connections/pkg/handlerutils"
	"github.com/obot-platform/oauth-connections/pkg/integration"
	"github.com/obot-platform/oauth-connections/pkg/logger"
	"github.com/obot-platform/oauth-connections/pkg/oautherr"
	"github.com/obot-platform/oauth-connections/pkg/types"
	"go.uber.org/zap"
)

type Completer interface {
	HandleCallback(ctx context.Context, providerID, code, state string) (*integration.CallbackResult, error)
	CancelCallback(ctx context.Context, state string)
}

type Handler struct {
	service Completer
}

func NewHandler(service Completer) http.Handler {
	return &Handler{
		service: service,
	}
}

// Response is returned when the flow was started without a redirect target
type Response struct {
	Success    bool                    `json:"success"`
	Created    bool                    `json:"created"`
	Connection types.ConnectionSummary `json:"connection"`
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("provider")
	params := r.URL.Query()
	state := params.Get("state")

	// The provider reports a denied or failed authorization with error= instead of a code
	if errorCode := params.Get("error"); errorCode != "" {
		p.service.CancelCallback(r.Context(), state)

		description := params.Get("error_description")
		if description == "" {
			description = errorCode
		}
		logger.From(r.Context()).Info("provider returned an authorization error",
			logger.Provider(providerID),
			zap.String("error", errorCode),
			zap.String("error_description", description))

		handlerutils.JSON(w, http.StatusBadRequest, types.ErrorResponse{
			Error:   description,
			Code:    string(oautherr.OAuthError),
			Details: map[string]any{"error": errorCode},
		})
		return
	}

	result, err := p.service.HandleCallback(r.Context(), providerID, params.Get("code"), state)
	if err != nil {
		handlerutils.WriteError(w, r, err)
		return
	}

	if result.RedirectURL != "" && handlerutils.IsRelativeRedirect(result.RedirectURL) {
		target, err := url.Parse(result.RedirectURL)
		if err == nil {
			q := target.Query()
			q.Set("connectionId", result.Connection.ID)
			target.RawQuery = q.Encode()
			http.Redirect(w, r, target.String(), http.StatusFound)
			return
		}
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	handlerutils.JSON(w, status, Response{
		Success:    true,
		Created:    result.Created,
		Connection: result.Connection.Summary(),
	})
}
