// Package connections serves the connection management API.
package connections

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/obot-platform/oauth-connections/pkg/db"
	"github.com/obot-platform/oauth-connections/pkg/handlerutils"
	"github.com/obot-platform/oauth-connections/pkg/integration"
	"github.com/obot-platform/oauth-connections/pkg/providers"
	"github.com/obot-platform/oauth-connections/pkg/types"
)

type Service interface {
	ListConnections(ctx context.Context, filter db.ConnectionFilter) ([]types.ConnectionSummary, error)
	GetConnection(ctx context.Context, id string) (*types.ConnectionSummary, error)
	RenameConnection(ctx context.Context, id, name string) (*types.ConnectionSummary, error)
	DeleteConnection(ctx context.Context, id string) error
	RefreshConnection(ctx context.Context, id string) (*types.ConnectionSummary, error)
	TestConnection(ctx context.Context, id string) integration.TestResult
	GetValidToken(ctx context.Context, id string) (string, error)
	ProvidersMetadata() []providers.Metadata
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{
		service: service,
	}
}

type ListResponse struct {
	Connections []types.ConnectionSummary `json:"connections"`
}

type ProvidersResponse struct {
	Providers []providers.Metadata `json:"providers"`
}

type UpdateRequest struct {
	Name string `json:"name"`
}

type RefreshResponse struct {
	Success   bool       `json:"success"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type TokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

// Providers lists the configured providers
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	handlerutils.JSON(w, http.StatusOK, ProvidersResponse{Providers: h.service.ProvidersMetadata()})
}

// List returns connections filtered by the provider, createdBy, tenantId and active query parameters
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	filter := db.ConnectionFilter{
		Provider:  params.Get("provider"),
		CreatedBy: params.Get("createdBy"),
		TenantID:  params.Get("tenantId"),
	}
	if active := params.Get("active"); active != "" {
		isActive, err := strconv.ParseBool(active)
		if err != nil {
			handlerutils.BadRequest(w, "active must be true or false")
			return
		}
		filter.IsActive = &isActive
	}

	conns, err := h.service.ListConnections(r.Context(), filter)
	if err != nil {
		handlerutils.WriteError(w, r, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, ListResponse{Connections: conns})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	conn, err := h.service.GetConnection(r.Context(), r.PathValue("id"))
	if err != nil {
		handlerutils.WriteError(w, r, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, conn)
}

// Update renames a connection
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		handlerutils.BadRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		handlerutils.BadRequest(w, "name is required")
		return
	}

	conn, err := h.service.RenameConnection(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		handlerutils.WriteError(w, r, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, conn)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteConnection(r.Context(), r.PathValue("id")); err != nil {
		handlerutils.WriteError(w, r, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// Refresh forces a token refresh and returns the new expiry
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	conn, err := h.service.RefreshConnection(r.Context(), r.PathValue("id"))
	if err != nil {
		handlerutils.WriteError(w, r, err)
		return
	}
	handlerutils.JSON(w, http.StatusOK, RefreshResponse{Success: true, ExpiresAt: conn.ExpiresAt})
}

// Test probes the provider with the connection's token. Failures are a 200 with valid=false.
func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	handlerutils.JSON(w, http.StatusOK, h.service.TestConnection(r.Context(), r.PathValue("id")))
}

// Token returns a valid access token for the connection
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	token, err := h.service.GetValidToken(r.Context(), r.PathValue("id"))
	if err != nil {
		handlerutils.WriteError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	handlerutils.JSON(w, http.StatusOK, TokenResponse{AccessToken: token})
}
