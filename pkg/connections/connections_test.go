package connections

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/obot-platform/oauth-connections/pkg/db"
	"github.com/obot-platform/oauth-connections/pkg/integration"
	"github.com/obot-platform/oauth-connections/pkg/oautherr"
	"github.com/obot-platform/oauth-connections/pkg/providers"
	"github.com/obot-platform/oauth-connections/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	lastFilter db.ConnectionFilter
	lastName   string
	conns      map[string]types.ConnectionSummary
	tokenErr   error
}

func newStubService() *stubService {
	expiresAt := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return &stubService{
		conns: map[string]types.ConnectionSummary{
			"conn-1": {ID: "conn-1", Name: "Google - user@example.com", Provider: "google", IsActive: true, ExpiresAt: &expiresAt},
		},
	}
}

func (s *stubService) notFound(id string) error {
	return oautherr.Newf(oautherr.ConnectionNotFound, "", "connection %s not found", id)
}

func (s *stubService) ListConnections(_ context.Context, filter db.ConnectionFilter) ([]types.ConnectionSummary, error) {
	s.lastFilter = filter
	var result []types.ConnectionSummary
	for _, c := range s.conns {
		result = append(result, c)
	}
	return result, nil
}

func (s *stubService) GetConnection(_ context.Context, id string) (*types.ConnectionSummary, error) {
	c, ok := s.conns[id]
	if !ok {
		return nil, s.notFound(id)
	}
	return &c, nil
}

func (s *stubService) RenameConnection(_ context.Context, id, name string) (*types.ConnectionSummary, error) {
	c, ok := s.conns[id]
	if !ok {
		return nil, s.notFound(id)
	}
	s.lastName = name
	c.Name = name
	return &c, nil
}

func (s *stubService) DeleteConnection(_ context.Context, id string) error {
	if _, ok := s.conns[id]; !ok {
		return s.notFound(id)
	}
	delete(s.conns, id)
	return nil
}

func (s *stubService) RefreshConnection(ctx context.Context, id string) (*types.ConnectionSummary, error) {
	return s.GetConnection(ctx, id)
}

func (s *stubService) TestConnection(_ context.Context, id string) integration.TestResult {
	if _, ok := s.conns[id]; !ok {
		return integration.TestResult{Error: "connection not found"}
	}
	return integration.TestResult{Valid: true}
}

func (s *stubService) GetValidToken(_ context.Context, id string) (string, error) {
	if s.tokenErr != nil {
		return "", s.tokenErr
	}
	if _, ok := s.conns[id]; !ok {
		return "", s.notFound(id)
	}
	return "access-token", nil
}

func (s *stubService) ProvidersMetadata() []providers.Metadata {
	return []providers.Metadata{{ID: "google", Name: "Google", SupportsPKCE: true}}
}

func newMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /providers", h.Providers)
	mux.HandleFunc("GET /connections", h.List)
	mux.HandleFunc("GET /connections/{id}", h.Get)
	mux.HandleFunc("PATCH /connections/{id}", h.Update)
	mux.HandleFunc("DELETE /connections/{id}", h.Delete)
	mux.HandleFunc("POST /connections/{id}/refresh", h.Refresh)
	mux.HandleFunc("POST /connections/{id}/test", h.Test)
	mux.HandleFunc("GET /connections/{id}/token", h.Token)
	return mux
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestProviders(t *testing.T) {
	mux := newMux(NewHandler(newStubService()))

	rec := serve(mux, http.MethodGet, "/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ProvidersResponse](t, rec)
	require.Len(t, resp.Providers, 1)
	assert.Equal(t, "google", resp.Providers[0].ID)
}

func TestList(t *testing.T) {
	svc := newStubService()
	mux := newMux(NewHandler(svc))

	rec := serve(mux, http.MethodGet, "/connections?provider=google&createdBy=user-1&tenantId=t1&active=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "google", svc.lastFilter.Provider)
	assert.Equal(t, "user-1", svc.lastFilter.CreatedBy)
	assert.Equal(t, "t1", svc.lastFilter.TenantID)
	require.NotNil(t, svc.lastFilter.IsActive)
	assert.False(t, *svc.lastFilter.IsActive)

	resp := decode[ListResponse](t, rec)
	assert.Len(t, resp.Connections, 1)

	// token material never appears in the listing
	assert.NotContains(t, rec.Body.String(), "access")

	rec = serve(mux, http.MethodGet, "/connections?active=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAndUpdate(t *testing.T) {
	svc := newStubService()
	mux := newMux(NewHandler(svc))

	rec := serve(mux, http.MethodGet, "/connections/conn-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "conn-1", decode[types.ConnectionSummary](t, rec).ID)

	rec = serve(mux, http.MethodGet, "/connections/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "CONNECTION_NOT_FOUND", decode[types.ErrorResponse](t, rec).Code)

	rec = serve(mux, http.MethodPatch, "/connections/conn-1", `{"name":"Work"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Work", decode[types.ConnectionSummary](t, rec).Name)
	assert.Equal(t, "Work", svc.lastName)

	rec = serve(mux, http.MethodPatch, "/connections/conn-1", `{"name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(mux, http.MethodPatch, "/connections/conn-1", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshTestAndToken(t *testing.T) {
	svc := newStubService()
	mux := newMux(NewHandler(svc))

	rec := serve(mux, http.MethodPost, "/connections/conn-1/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	refresh := decode[RefreshResponse](t, rec)
	assert.True(t, refresh.Success)
	require.NotNil(t, refresh.ExpiresAt)

	rec = serve(mux, http.MethodPost, "/connections/conn-1/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[integration.TestResult](t, rec).Valid)

	rec = serve(mux, http.MethodPost, "/connections/missing/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[integration.TestResult](t, rec)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Error)

	rec = serve(mux, http.MethodGet, "/connections/conn-1/token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "access-token", decode[TokenResponse](t, rec).AccessToken)

	svc.tokenErr = oautherr.New(oautherr.RefreshTokenExpired, "google", "reconnect")
	rec = serve(mux, http.MethodGet, "/connections/conn-1/token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	errResp := decode[types.ErrorResponse](t, rec)
	assert.True(t, errResp.RequiresReauth)
	assert.Equal(t, "REFRESH_TOKEN_EXPIRED", errResp.Code)
}

func TestDelete(t *testing.T) {
	svc := newStubService()
	mux := newMux(NewHandler(svc))

	rec := serve(mux, http.MethodDelete, "/connections/conn-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[SuccessResponse](t, rec).Success)

	rec = serve(mux, http.MethodDelete, "/connections/conn-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
