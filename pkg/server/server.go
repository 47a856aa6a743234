// Package server assembles the stores, providers and handlers into the HTTP service.
package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/obot-platform/oauth-connections/pkg/connections"
	"github.com/obot-platform/oauth-connections/pkg/db"
	"github.com/obot-platform/oauth-connections/pkg/handlerutils"
	"github.com/obot-platform/oauth-connections/pkg/integration"
	"github.com/obot-platform/oauth-connections/pkg/logger"
	"github.com/obot-platform/oauth-connections/pkg/metrics"
	"github.com/obot-platform/oauth-connections/pkg/oauth/authorize"
	"github.com/obot-platform/oauth-connections/pkg/oauth/callback"
	"github.com/obot-platform/oauth-connections/pkg/providers"
	"github.com/obot-platform/oauth-connections/pkg/ratelimit"
	"github.com/obot-platform/oauth-connections/pkg/statestore"
	"github.com/obot-platform/oauth-connections/pkg/tokens"
	"github.com/obot-platform/oauth-connections/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const defaultSweepInterval = time.Hour

type Server struct {
	config      *types.Config
	db          *db.Store
	redis       *statestore.RedisStore
	registry    *providers.Registry
	service     *integration.Service
	rateLimiter *ratelimit.RateLimiter
	metrics     *prometheus.Registry
	log         *zap.Logger
	origins     map[string]bool

	cancel context.CancelFunc
}

// New opens the stores and registers every configured provider
func New(config *types.Config) (*Server, error) {
	if config.Port == "" {
		config.Port = "8080"
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}
	config.RoutePrefix = strings.TrimSuffix(config.RoutePrefix, "/")

	log := logger.L().Named("server")

	store, err := db.New(config.DatabaseDSN, config.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Info("database ready", zap.String("type", store.Type()))

	s := &Server{
		config:      config,
		db:          store,
		registry:    providers.NewRegistry(),
		rateLimiter: ratelimit.NewRateLimiter(15*time.Minute, 5000),
		metrics:     prometheus.NewRegistry(),
		log:         log,
		origins:     map[string]bool{},
	}
	for _, origin := range ParseScopesSupported(config.CORSAllowedOrigins) {
		if origin == "*" {
			_ = store.Close()
			return nil, errors.New("CORS allowed origins must be listed explicitly, \"*\" is not supported")
		}
		s.origins[origin] = true
	}

	var states integration.StateStore = store
	if isRedisURL(config.StateStoreURL) {
		s.redis, err = statestore.NewRedisStore(config.StateStoreURL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize state store: %w", err)
		}
		states = s.redis
		log.Info("authorization states kept in redis")
	}

	if err := s.registerProviders(); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(s.metrics); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	tokenManager := tokens.NewManager(store, s.registry)
	s.service = integration.New(s.registry, states, store, tokenManager)
	return s, nil
}

func isRedisURL(u string) bool {
	return strings.HasPrefix(u, "redis://") || strings.HasPrefix(u, "rediss://")
}

// Service returns the connection orchestrator for in-process callers
func (s *Server) Service() *integration.Service {
	return s.service
}

// Providers returns the provider registry
func (s *Server) Providers() *providers.Registry {
	return s.registry
}

// CallbackURL is the redirect URI registered with a provider
func (s *Server) CallbackURL(providerID string) string {
	base := strings.TrimSuffix(s.config.PublicURL, "/")
	if base == "" {
		base = fmt.Sprintf("http://%s:%s", cmp.Or(s.config.Host, "localhost"), s.config.Port)
	}
	return base + s.config.RoutePrefix + "/oauth/" + providerID + "/callback"
}

func (s *Server) credentials(providerID, clientID, clientSecret string) providers.Credentials {
	return providers.Credentials{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  s.CallbackURL(providerID),
	}
}

func (s *Server) registerProviders() error {
	c := s.config

	google := s.credentials(providers.GoogleID, c.GoogleClientID, c.GoogleClientSecret)
	if google.Configured() {
		s.registry.Register(providers.NewGoogleProvider(google))
	} else if google.ClientID != "" || google.ClientSecret != "" {
		s.log.Warn("google provider needs both a client ID and a client secret, skipping")
	}

	microsoft := s.credentials(providers.MicrosoftID, c.MicrosoftClientID, c.MicrosoftClientSecret)
	if microsoft.Configured() {
		s.registry.Register(providers.NewMicrosoftProvider(microsoft, c.MicrosoftTenant))
	} else if microsoft.ClientID != "" || microsoft.ClientSecret != "" {
		s.log.Warn("microsoft provider needs both a client ID and a client secret, skipping")
	}

	if c.OAuthClientID != "" && c.OAuthClientSecret != "" && c.OAuthAuthorizeURL != "" {
		id := cmp.Or(c.OAuthProviderID, providers.GenericID)
		s.registry.Register(providers.NewGenericProvider(providers.GenericConfig{
			ID:           id,
			Name:         c.OAuthProviderName,
			AuthorizeURL: c.OAuthAuthorizeURL,
			Scopes:       ParseScopesSupported(c.ScopesSupported),
		}, s.credentials(id, c.OAuthClientID, c.OAuthClientSecret)))
	}

	if c.ProvidersFile != "" {
		entries, err := LoadProvidersFile(c.ProvidersFile)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			s.registry.Register(providers.NewGenericProvider(entry.GenericConfig,
				s.credentials(entry.ID, entry.ClientID, entry.ClientSecret)))
		}
	}

	ids := make([]string, 0)
	for _, p := range s.registry.All() {
		ids = append(ids, p.Descriptor().ID)
	}
	if len(ids) == 0 {
		s.log.Warn("no OAuth providers configured")
	} else {
		s.log.Info("registered OAuth providers", zap.Strings("providers", ids))
	}
	return nil
}

// ProviderEntry is one generic provider declared in a providers file
type ProviderEntry struct {
	providers.GenericConfig `yaml:",inline"`
	ClientID                string `yaml:"clientID"`
	ClientSecret            string `yaml:"clientSecret"`
}

type providersFile struct {
	Providers []ProviderEntry `yaml:"providers"`
}

// LoadProvidersFile reads generic provider declarations from a YAML file. ${VAR} references
// are expanded from the environment so secrets can stay out of the file.
func LoadProvidersFile(path string) ([]ProviderEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var file providersFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %s: %w", path, err)
	}

	seen := map[string]bool{}
	for i := range file.Providers {
		entry := &file.Providers[i]
		if entry.ID == "" {
			return nil, fmt.Errorf("provider %d in %s has no id", i, path)
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("provider %s is declared twice in %s", entry.ID, path)
		}
		seen[entry.ID] = true
		if entry.AuthorizeURL == "" || entry.ClientID == "" || entry.ClientSecret == "" {
			return nil, fmt.Errorf("provider %s needs authorizeURL, clientID and clientSecret", entry.ID)
		}
		if entry.Name == "" {
			entry.Name = entry.ID
		}
	}
	return file.Providers, nil
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Start runs the expired state sweeper until Close is called or ctx is done
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.service.Start(ctx, s.config.SweepInterval)
	return nil
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	prefix := s.config.RoutePrefix
	conns := connections.NewHandler(s.service)

	mux.HandleFunc("GET "+prefix+"/health", s.withCORS(s.healthHandler))
	mux.Handle("GET "+prefix+"/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))

	// Authorization flow
	mux.HandleFunc("GET "+prefix+"/oauth/{provider}/authorize", s.withCORS(s.withRateLimit(authorize.NewHandler(s.service))))
	mux.HandleFunc("GET "+prefix+"/oauth/{provider}/callback", s.withCORS(s.withRateLimit(callback.NewHandler(s.service))))

	// Connection management
	mux.HandleFunc("GET "+prefix+"/providers", s.withCORS(conns.Providers))
	mux.HandleFunc("GET "+prefix+"/connections", s.withCORS(s.withRateLimit(http.HandlerFunc(conns.List))))
	mux.HandleFunc("GET "+prefix+"/connections/{id}", s.withCORS(s.withRateLimit(http.HandlerFunc(conns.Get))))
	mux.HandleFunc("PATCH "+prefix+"/connections/{id}", s.withCORS(s.withRateLimit(http.HandlerFunc(conns.Update))))
	mux.HandleFunc("DELETE "+prefix+"/connections/{id}", s.withCORS(s.withRateLimit(http.HandlerFunc(conns.Delete))))
	mux.HandleFunc("POST "+prefix+"/connections/{id}/refresh", s.withCORS(s.withRateLimit(http.HandlerFunc(conns.Refresh))))
	mux.HandleFunc("POST "+prefix+"/connections/{id}/test", s.withCORS(s.withRateLimit(http.HandlerFunc(conns.Test))))

	// Access tokens are for backend callers only, browsers never get a CORS grant for them
	mux.HandleFunc("GET "+prefix+"/connections/{id}/token", s.withRateLimit(http.HandlerFunc(conns.Token)))
	mux.HandleFunc("OPTIONS "+prefix+"/connections/{id}/token", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Preflight requests for every other route above
	mux.HandleFunc("OPTIONS "+prefix+"/", s.withCORS(func(http.ResponseWriter, *http.Request) {}))
}

// Handler returns the fully wrapped http.Handler for the service
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	accessLog, err := zap.NewStdLogAt(s.log.Named("access"), zapcore.InfoLevel)
	if err != nil {
		return handlers.LoggingHandler(os.Stdout, s.withRequestLogger(mux))
	}
	return handlers.LoggingHandler(accessLog.Writer(), s.withRequestLogger(mux))
}

// withRequestLogger scopes the logger in the request context to the request
func (s *Server) withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := logger.From(r.Context()).With(
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.ClientIP(handlerutils.GetClientIP(r)),
		)
		next.ServeHTTP(w, r.WithContext(logger.ToContext(r.Context(), l)))
	})
}

// withCORS wraps a handler with CORS headers for requests from an allowed origin
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Origin")
		if origin := r.Header.Get("Origin"); s.origins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Length")
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((12 * time.Hour).Seconds())))
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// withRateLimit wraps a handler with per-client rate limiting
func (s *Server) withRateLimit(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil && !s.rateLimiter.Allow(handlerutils.GetClientIP(r)) {
			handlerutils.JSON(w, http.StatusTooManyRequests, types.ErrorResponse{
				Error: "rate limit exceeded",
				Code:  "RATE_LIMITED",
			})
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "database": s.db.Type()}

	if err := s.db.Ping(); err != nil {
		logger.From(r.Context()).Error("database health check failed", zap.Error(err))
		status["status"] = "unavailable"
		handlerutils.JSON(w, http.StatusServiceUnavailable, status)
		return
	}
	if s.redis != nil {
		status["stateStore"] = "redis"
		if err := s.redis.Ping(r.Context()); err != nil {
			logger.From(r.Context()).Error("state store health check failed", zap.Error(err))
			status["status"] = "unavailable"
			handlerutils.JSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}

	handlerutils.JSON(w, http.StatusOK, status)
}

// ParseScopesSupported parses a comma-separated scopes string and trims whitespace from each scope.
func ParseScopesSupported(envScopes string) []string {
	scopesRaw := strings.Split(envScopes, ",")
	scopesSupported := make([]string, 0, len(scopesRaw))
	for _, scope := range scopesRaw {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			scopesSupported = append(scopesSupported, trimmed)
		}
	}
	return scopesSupported
}
