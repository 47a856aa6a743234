package providers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"golang.org/x/oauth2"
)

// fakeOAuthServer is a minimal authorization server: token endpoint, userinfo and revocation
type fakeOAuthServer struct {
	*httptest.Server

	mu          sync.Mutex
	tokenStatus int
	tokenBody   map[string]any
	tokenForms  []url.Values
	userStatus  int
	userBody    map[string]any
	revoked     []string
	discovery   map[string]any
}

func newFakeOAuthServer(t *testing.T) *fakeOAuthServer {
	f := &fakeOAuthServer{
		tokenStatus: http.StatusOK,
		tokenBody: map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "openid email",
		},
		userStatus: http.StatusOK,
		userBody: map[string]any{
			"id":    "acct-123",
			"sub":   "acct-123",
			"email": "user@example.com",
			"name":  "Test User",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.tokenForms = append(f.tokenForms, r.PostForm)
		status, body := f.tokenStatus, f.tokenBody
		f.mu.Unlock()
		writeJSON(w, status, body)
	})
	userinfo := func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status, body := f.userStatus, f.userBody
		f.mu.Unlock()
		if r.Header.Get("Authorization") == "" {
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, body)
	}
	mux.HandleFunc("GET /userinfo", userinfo)
	mux.HandleFunc("GET /oauth2/v2/userinfo", userinfo)
	mux.HandleFunc("GET /v1.0/me", userinfo)
	mux.HandleFunc("GET /tokeninfo", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "good-token" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"aud": "client"})
	})
	mux.HandleFunc("POST /revoke", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.revoked = append(f.revoked, r.PostForm.Get("token"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body := f.discovery
		f.mu.Unlock()
		if body == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, body)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeOAuthServer) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   f.URL + "/authorize",
		TokenURL:  f.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

func (f *fakeOAuthServer) setToken(status int, body map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus, f.tokenBody = status, body
}

func (f *fakeOAuthServer) setUser(status int, body map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userStatus, f.userBody = status, body
}

func (f *fakeOAuthServer) lastTokenForm() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokenForms) == 0 {
		return nil
	}
	return f.tokenForms[len(f.tokenForms)-1]
}

func (f *fakeOAuthServer) setDiscovery(body map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovery = body
}

func (f *fakeOAuthServer) revokedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
