// Package integration drives the lifecycle of third-party account connections: starting an
// authorization flow, turning the provider callback into a stored connection, and handing
// out valid access tokens afterwards.
package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/obot-platform/oauth-connections/pkg/db"
	"github.com/obot-platform/oauth-connections/pkg/logger"
	"github.com/obot-platform/oauth-connections/pkg/metrics"
	"github.com/obot-platform/oauth-connections/pkg/oautherr"
	"github.com/obot-platform/oauth-connections/pkg/providers"
	"github.com/obot-platform/oauth-connections/pkg/tokens"
	"github.com/obot-platform/oauth-connections/pkg/types"
	"go.uber.org/zap"
)

// StateTTL is how long an authorization flow may take from redirect to callback
const StateTTL = 10 * time.Minute

// StateStore persists authorization states between the redirect and the callback
type StateStore interface {
	CreateState(ctx context.Context, state *types.AuthorizationState) error
	FindState(ctx context.Context, state string) (*types.AuthorizationState, error)
	DeleteState(ctx context.Context, state string) error
	SweepExpiredStates(ctx context.Context) (int64, error)
}

// ConnectionStore persists connections
type ConnectionStore interface {
	tokens.Store
	CreateConnection(ctx context.Context, conn *types.Connection) error
	ListConnections(ctx context.Context, filter db.ConnectionFilter) ([]types.Connection, error)
	FindByProviderAndAccount(ctx context.Context, provider, accountID string, tenantID *string) (*types.Connection, error)
	FindByAccountEmail(ctx context.Context, email, provider string) ([]types.Connection, error)
	UpdateConnection(ctx context.Context, id string, updates map[string]any) error
	DeleteConnection(ctx context.Context, id string) (bool, error)
}

// TokenManager hands out valid access tokens
type TokenManager interface {
	EnsureValidToken(ctx context.Context, conn *types.Connection) (string, error)
	Refresh(ctx context.Context, connectionID string) (*providers.Tokens, error)
}

// Service is the connection orchestrator
type Service struct {
	providers   *providers.Registry
	states      StateStore
	connections ConnectionStore
	tokens      TokenManager
	now         func() time.Time
	log         *zap.Logger
}

type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// New creates the orchestrator from its collaborators
func New(registry *providers.Registry, states StateStore, connections ConnectionStore, tokenManager TokenManager, opts ...Option) *Service {
	s := &Service{
		providers:   registry,
		states:      states,
		connections: connections,
		tokens:      tokenManager,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.L()
	}
	s.log = s.log.Named("integration")
	return s
}

// InitiateOptions scope a new authorization flow
type InitiateOptions struct {
	Scopes      []string
	UserID      string
	TenantID    string
	RedirectURL string
}

// InitiateResult is where to send the user to authorize
type InitiateResult struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}

// Initiate starts an authorization flow with a provider
func (s *Service) Initiate(ctx context.Context, providerID string, opts InitiateOptions) (*InitiateResult, error) {
	provider, ok := s.providers.Get(providerID)
	if !ok {
		return nil, oautherr.Newf(oautherr.ProviderNotFound, providerID, "provider %s is not registered", providerID)
	}

	// offline access and a forced consent screen make the provider issue a refresh token
	// even when the user has authorized before
	auth, err := provider.AuthorizationURL(ctx, providers.AuthorizationOptions{
		Scopes:     opts.Scopes,
		UsePKCE:    provider.Descriptor().SupportsPKCE,
		AccessType: "offline",
		Prompt:     "consent",
	})
	if err != nil {
		return nil, err
	}

	metadata := types.JSON{}
	if opts.UserID != "" {
		metadata[types.StateMetadataUserID] = opts.UserID
	}
	if opts.TenantID != "" {
		metadata[types.StateMetadataTenantID] = opts.TenantID
	}
	if opts.RedirectURL != "" {
		metadata[types.StateMetadataRedirectURL] = opts.RedirectURL
	}

	now := s.now()
	if err := s.states.CreateState(ctx, &types.AuthorizationState{
		State:        auth.State,
		Provider:     providerID,
		PKCEVerifier: auth.CodeVerifier,
		RedirectURL:  opts.RedirectURL,
		Metadata:     metadata,
		CreatedBy:    opts.UserID,
		TenantID:     opts.TenantID,
		ExpiresAt:    now.Add(StateTTL),
		CreatedAt:    now,
	}); err != nil {
		return nil, fmt.Errorf("failed to store authorization state: %w", err)
	}

	metrics.FlowsInitiated.WithLabelValues(providerID).Inc()
	logger.From(ctx).Info("authorization flow started", logger.Provider(providerID), logger.UserID(opts.UserID))

	return &InitiateResult{
		AuthURL: auth.URL,
		State:   auth.State,
	}, nil
}

// CallbackResult is the connection a completed authorization produced
type CallbackResult struct {
	Connection  *types.Connection
	RedirectURL string
	// Created is false when an existing connection for the same identity was updated
	Created bool
}

// HandleCallback completes an authorization flow. The state is consumed on every path
// past the lookup, so a state value works at most once.
func (s *Service) HandleCallback(ctx context.Context, providerID, code, stateToken string) (*CallbackResult, error) {
	result, err := s.handleCallback(ctx, providerID, code, stateToken)
	if err != nil {
		metrics.Callbacks.WithLabelValues(providerID, metrics.ResultFailed).Inc()
		logger.From(ctx).Warn("authorization callback failed", logger.Provider(providerID), zap.Error(err))
		return nil, err
	}

	outcome := "updated"
	if result.Created {
		outcome = "created"
	}
	metrics.Callbacks.WithLabelValues(providerID, outcome).Inc()
	logger.From(ctx).Info("authorization callback completed",
		logger.Provider(providerID),
		logger.ConnectionID(result.Connection.ID),
		zap.Bool("created", result.Created))
	return result, nil
}

func (s *Service) handleCallback(ctx context.Context, providerID, code, stateToken string) (*CallbackResult, error) {
	if stateToken == "" {
		return nil, oautherr.New(oautherr.InvalidState, providerID, "missing state parameter")
	}

	state, err := s.states.FindState(ctx, stateToken)
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization state: %w", err)
	}
	if state == nil {
		return nil, oautherr.New(oautherr.InvalidState, providerID, "invalid or unknown state")
	}

	if s.now().After(state.ExpiresAt) {
		s.discardState(ctx, stateToken)
		return nil, oautherr.New(oautherr.StateExpired, providerID, "authorization state has expired, please start again")
	}

	// reported like a forged state so the response says nothing about other flows
	if state.Provider != providerID {
		s.discardState(ctx, stateToken)
		return nil, oautherr.New(oautherr.InvalidState, providerID, "invalid or unknown state")
	}

	provider, ok := s.providers.Get(providerID)
	if !ok {
		s.discardState(ctx, stateToken)
		return nil, oautherr.Newf(oautherr.ProviderNotFound, providerID, "provider %s is not registered", providerID)
	}

	exchanged, profile, err := s.exchange(ctx, provider, code, state.PKCEVerifier)
	if err != nil {
		s.discardState(ctx, stateToken)
		if _, ok := oautherr.As(err); ok {
			return nil, err
		}
		return nil, oautherr.Wrap(oautherr.TokenExchangeFailed, providerID, "failed to complete authorization", err)
	}

	// the code is spent at the provider, so a failed delete only leaves a row for the sweeper
	s.discardState(ctx, stateToken)

	userID := state.Metadata.String(types.StateMetadataUserID)
	if userID == "" {
		userID = state.CreatedBy
	}
	tenantID := state.Metadata.String(types.StateMetadataTenantID)
	if tenantID == "" {
		tenantID = state.TenantID
	}
	redirectURL := state.Metadata.String(types.StateMetadataRedirectURL)
	if redirectURL == "" {
		redirectURL = state.RedirectURL
	}

	existing, err := s.connections.FindByProviderAndAccount(ctx, providerID, profile.ID, optional(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing connection: %w", err)
	}
	if existing != nil {
		conn, err := s.mergeConnection(ctx, existing, exchanged, profile)
		if err != nil {
			return nil, err
		}
		return &CallbackResult{Connection: conn, RedirectURL: redirectURL}, nil
	}

	if profile.Email != "" {
		s.removeInactiveDuplicates(ctx, providerID, profile.Email)
	}

	conn, err := s.createConnection(ctx, provider, exchanged, profile, userID, tenantID)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{Connection: conn, RedirectURL: redirectURL, Created: true}, nil
}

func (s *Service) exchange(ctx context.Context, provider providers.Provider, code, verifier string) (*providers.Tokens, *providers.UserProfile, error) {
	if code == "" {
		return nil, nil, oautherr.New(oautherr.TokenExchangeFailed, provider.Descriptor().ID, "missing authorization code")
	}

	exchanged, err := provider.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, nil, err
	}

	profile, err := provider.UserProfile(ctx, exchanged.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	return exchanged, profile, nil
}

// mergeConnection refreshes an existing connection for a re-authorized identity
func (s *Service) mergeConnection(ctx context.Context, existing *types.Connection, exchanged *providers.Tokens, profile *providers.UserProfile) (*types.Connection, error) {
	now := s.now()

	if profile.Name != "" && profile.Name != existing.AccountName {
		if err := s.connections.UpdateConnection(ctx, existing.ID, map[string]any{"account_name": profile.Name}); err != nil {
			return nil, fmt.Errorf("failed to update connection: %w", err)
		}
	}

	update := db.TokenUpdate{
		AccessToken: exchanged.AccessToken,
		TokenType:   exchanged.TokenType,
		Scope:       exchanged.Scope,
		ExpiresAt:   expiryOf(exchanged, now),
		RefreshedAt: &now,
		Reactivate:  true,
	}
	// keep the stored refresh token unless the provider issued a new one
	if exchanged.RefreshToken != "" {
		update.RefreshToken = &exchanged.RefreshToken
	}
	if err := s.connections.UpdateTokens(ctx, existing.ID, update); err != nil {
		return nil, fmt.Errorf("failed to update connection tokens: %w", err)
	}

	conn, err := s.connections.GetConnection(ctx, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload connection: %w", err)
	}
	if conn == nil {
		return nil, oautherr.Newf(oautherr.ConnectionNotFound, existing.Provider, "connection %s not found", existing.ID)
	}
	return conn, nil
}

// removeInactiveDuplicates deletes broken connections left behind by earlier
// authorizations of the same email. Active connections are never touched.
func (s *Service) removeInactiveDuplicates(ctx context.Context, providerID, email string) {
	log := logger.From(ctx).With(logger.Provider(providerID))

	duplicates, err := s.connections.FindByAccountEmail(ctx, email, providerID)
	if err != nil {
		log.Warn("failed to look up connections by email", zap.Error(err))
		return
	}
	for _, dup := range duplicates {
		if dup.IsActive {
			continue
		}
		if _, err := s.connections.DeleteConnection(ctx, dup.ID); err != nil {
			log.Warn("failed to delete inactive connection", logger.ConnectionID(dup.ID), zap.Error(err))
			continue
		}
		log.Info("deleted inactive connection replaced by re-authorization", logger.ConnectionID(dup.ID))
	}
}

func (s *Service) createConnection(ctx context.Context, provider providers.Provider, exchanged *providers.Tokens, profile *providers.UserProfile, userID, tenantID string) (*types.Connection, error) {
	descriptor := provider.Descriptor()
	now := s.now()

	label := profile.Email
	if label == "" {
		label = profile.Name
	}
	if label == "" {
		label = profile.ID
	}

	conn := &types.Connection{
		ID:              uuid.NewString(),
		Name:            fmt.Sprintf("%s - %s", descriptor.Name, label),
		Provider:        descriptor.ID,
		CreatedBy:       optional(userID),
		TenantID:        optional(tenantID),
		AccountID:       profile.ID,
		AccountEmail:    profile.Email,
		AccountName:     profile.Name,
		AccessToken:     exchanged.AccessToken,
		TokenType:       exchanged.TokenType,
		Scope:           exchanged.Scope,
		ExpiresAt:       expiryOf(exchanged, now),
		IsActive:        true,
		LastRefreshedAt: &now,
		ProviderData:    types.JSON(profile.Raw),
	}
	if exchanged.RefreshToken != "" {
		conn.RefreshToken = &exchanged.RefreshToken
	}

	if err := s.connections.CreateConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return conn, nil
}

// CancelCallback consumes the state of a flow the provider reported as failed or denied
func (s *Service) CancelCallback(ctx context.Context, stateToken string) {
	if stateToken != "" {
		s.discardState(ctx, stateToken)
	}
}

// discardState deletes a state, logging failures. The delete outlives a caller that
// has already gone away.
func (s *Service) discardState(ctx context.Context, stateToken string) {
	if err := s.states.DeleteState(context.WithoutCancel(ctx), stateToken); err != nil {
		logger.From(ctx).Warn("failed to delete authorization state", zap.Error(err))
	}
}

// GetValidToken returns a usable access token for a connection, refreshing it if needed
func (s *Service) GetValidToken(ctx context.Context, connectionID string) (string, error) {
	conn, err := s.loadConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	return s.validToken(ctx, conn)
}

func (s *Service) validToken(ctx context.Context, conn *types.Connection) (string, error) {
	if !conn.IsActive {
		e := oautherr.New(oautherr.RefreshTokenExpired, conn.Provider, "connection is inactive, please reconnect your account")
		if conn.LastError != nil {
			e.WithDetail("lastError", *conn.LastError)
		}
		return "", e
	}
	return s.tokens.EnsureValidToken(ctx, conn)
}

// TestResult reports whether a connection can still reach its provider
type TestResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// TestConnection obtains a valid token and uses it to fetch the account profile.
// Failures are reported in the result, never returned.
func (s *Service) TestConnection(ctx context.Context, connectionID string) TestResult {
	conn, err := s.loadConnection(ctx, connectionID)
	if err != nil {
		return TestResult{Error: messageOf(err)}
	}

	token, err := s.validToken(ctx, conn)
	if err != nil {
		return TestResult{Error: messageOf(err)}
	}

	provider, ok := s.providers.Get(conn.Provider)
	if !ok {
		return TestResult{Error: fmt.Sprintf("provider %s is not registered", conn.Provider)}
	}
	if _, err := provider.UserProfile(ctx, token); err != nil {
		return TestResult{Error: messageOf(err)}
	}
	return TestResult{Valid: true}
}

// RefreshConnection forces a token refresh and returns the updated connection
func (s *Service) RefreshConnection(ctx context.Context, connectionID string) (*types.ConnectionSummary, error) {
	if _, err := s.loadConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	if _, err := s.tokens.Refresh(ctx, connectionID); err != nil {
		return nil, err
	}
	return s.GetConnection(ctx, connectionID)
}

// ListConnections returns the connections matching filter without credentials
func (s *Service) ListConnections(ctx context.Context, filter db.ConnectionFilter) ([]types.ConnectionSummary, error) {
	conns, err := s.connections.ListConnections(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	result := make([]types.ConnectionSummary, 0, len(conns))
	for _, conn := range conns {
		result = append(result, conn.Summary())
	}
	return result, nil
}

// GetConnection returns a connection without credentials
func (s *Service) GetConnection(ctx context.Context, connectionID string) (*types.ConnectionSummary, error) {
	conn, err := s.loadConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	summary := conn.Summary()
	return &summary, nil
}

// RenameConnection changes the display name of a connection
func (s *Service) RenameConnection(ctx context.Context, connectionID, name string) (*types.ConnectionSummary, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("name must not be empty")
	}
	if err := s.connections.UpdateConnection(ctx, connectionID, map[string]any{"name": name}); errors.Is(err, db.ErrNotFound) {
		return nil, oautherr.Newf(oautherr.ConnectionNotFound, "", "connection %s not found", connectionID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to rename connection: %w", err)
	}
	return s.GetConnection(ctx, connectionID)
}

// DeleteConnection removes a connection. Providers that support it are asked to revoke
// the grant first; revocation failures do not stop the delete.
func (s *Service) DeleteConnection(ctx context.Context, connectionID string) error {
	conn, err := s.loadConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	if provider, ok := s.providers.Get(conn.Provider); ok {
		if revoker, ok := provider.(providers.Revoker); ok {
			token := conn.AccessToken
			if conn.HasRefreshToken() {
				token = *conn.RefreshToken
			}
			if err := revoker.RevokeToken(ctx, token); err != nil {
				logger.From(ctx).Warn("failed to revoke token", logger.Provider(conn.Provider), logger.ConnectionID(conn.ID), zap.Error(err))
			}
		}
	}

	deleted, err := s.connections.DeleteConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if !deleted {
		return oautherr.Newf(oautherr.ConnectionNotFound, "", "connection %s not found", connectionID)
	}
	logger.From(ctx).Info("connection deleted", logger.Provider(conn.Provider), logger.ConnectionID(conn.ID))
	return nil
}

// ProvidersMetadata lists the registered providers
func (s *Service) ProvidersMetadata() []providers.Metadata {
	return s.providers.AllMetadata()
}

// SweepExpiredStates deletes abandoned authorization states
func (s *Service) SweepExpiredStates(ctx context.Context) (int64, error) {
	n, err := s.states.SweepExpiredStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired states: %w", err)
	}
	if n > 0 {
		metrics.StatesSwept.Add(float64(n))
		s.log.Info("deleted expired authorization states", zap.Int64("count", n))
	}
	return n, nil
}

// Start sweeps expired authorization states every interval until ctx is done
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpiredStates(ctx); err != nil {
					s.log.Error("failed to sweep expired states", zap.Error(err))
				}
			}
		}
	}()
}

func (s *Service) loadConnection(ctx context.Context, connectionID string) (*types.Connection, error) {
	conn, err := s.connections.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if conn == nil {
		return nil, oautherr.Newf(oautherr.ConnectionNotFound, "", "connection %s not found", connectionID)
	}
	return conn, nil
}

func expiryOf(t *providers.Tokens, now time.Time) *time.Time {
	if t.ExpiresAt != nil {
		return t.ExpiresAt
	}
	if t.ExpiresIn > 0 {
		expiresAt := now.Add(time.Duration(t.ExpiresIn) * time.Second)
		return &expiresAt
	}
	return nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func messageOf(err error) string {
	if e, ok := oautherr.As(err); ok {
		return e.Message
	}
	return err.Error()
}
