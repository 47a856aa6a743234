package tokens

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/obot-platform/oauth-connections/pkg/db"
	"github.com/obot-platform/oauth-connections/pkg/logger"
	"github.com/obot-platform/oauth-connections/pkg/metrics"
	"github.com/obot-platform/oauth-connections/pkg/oautherr"
	"github.com/obot-platform/oauth-connections/pkg/providers"
	"github.com/obot-platform/oauth-connections/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ExpiryBuffer is how close to its expiry a token is already treated as expired
const ExpiryBuffer = 60 * time.Second

// ReauthMessage is recorded on a connection whose refresh token is no longer accepted
const ReauthMessage = "Refresh token expired or revoked. Please reconnect your account."

// permanentMarkers identify refresh failures that retrying cannot fix
var permanentMarkers = []string{
	"invalid_grant",
	"token has been expired",
	"token has been revoked",
}

// Store is the subset of the connection store the manager needs
type Store interface {
	GetConnection(ctx context.Context, id string) (*types.Connection, error)
	UpdateTokens(ctx context.Context, id string, update db.TokenUpdate) error
	UpdateLastUsed(ctx context.Context, id string) error
	UpdateError(ctx context.Context, id, message string) error
	RecordError(ctx context.Context, id, message string) error
}

// ProviderLookup resolves provider ids
type ProviderLookup interface {
	Get(id string) (providers.Provider, bool)
}

// Manager hands out valid access tokens, refreshing them when they are about to expire.
// Concurrent refreshes of the same connection share a single provider call.
type Manager struct {
	store     Store
	providers ProviderLookup
	group     singleflight.Group
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Manager)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// NewManager creates a token manager
func NewManager(store Store, lookup ProviderLookup, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		providers: lookup,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.L()
	}
	m.log = m.log.Named("tokens")
	return m
}

// IsTokenExpired reports whether a token expiring at expiresAt must not be handed out.
// An unknown expiry counts as expired.
func (m *Manager) IsTokenExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return true
	}
	return !m.now().Before(expiresAt.Add(-ExpiryBuffer))
}

// EnsureValidToken returns an access token for conn that is good for at least ExpiryBuffer
func (m *Manager) EnsureValidToken(ctx context.Context, conn *types.Connection) (string, error) {
	if conn.AccessToken == "" {
		return "", oautherr.New(oautherr.InvalidToken, conn.Provider, "connection has no access token")
	}

	if !m.IsTokenExpired(conn.ExpiresAt) {
		m.touch(ctx, conn.ID)
		return conn.AccessToken, nil
	}

	if !conn.HasRefreshToken() {
		return "", oautherr.New(oautherr.RefreshTokenExpired, conn.Provider, "access token expired and no refresh token is available")
	}

	tokens, err := m.Refresh(ctx, conn.ID)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// Refresh exchanges the stored refresh token of a connection for new tokens and persists them.
// Callers refreshing the same connection at the same time share one result.
func (m *Manager) Refresh(ctx context.Context, connectionID string) (*providers.Tokens, error) {
	// the shared refresh must not be aborted half way by one caller going away,
	// but each caller still stops waiting when its own context is done
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(connectionID, func() (any, error) {
		return m.refresh(detached, connectionID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// each caller gets its own copy
		tokens := *res.Val.(*providers.Tokens)
		return &tokens, nil
	}
}

func (m *Manager) refresh(ctx context.Context, connectionID string) (*providers.Tokens, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if conn == nil {
		return nil, oautherr.Newf(oautherr.ConnectionNotFound, "", "connection %s not found", connectionID)
	}
	if !conn.HasRefreshToken() {
		return nil, oautherr.New(oautherr.RefreshTokenExpired, conn.Provider, "no refresh token available")
	}

	provider, ok := m.providers.Get(conn.Provider)
	if !ok {
		return nil, oautherr.Newf(oautherr.ProviderNotFound, conn.Provider, "provider %s is not registered", conn.Provider)
	}
	if !provider.Descriptor().SupportsRefresh {
		return nil, oautherr.New(oautherr.InvalidConfiguration, conn.Provider, "provider does not support token refresh")
	}

	log := m.log.With(logger.ConnectionID(conn.ID), logger.Provider(conn.Provider))

	tokens, err := provider.RefreshToken(ctx, *conn.RefreshToken)
	if err != nil {
		return nil, m.refreshFailed(ctx, log, conn, err)
	}

	now := m.now()
	merged := *tokens
	if merged.RefreshToken == "" {
		merged.RefreshToken = *conn.RefreshToken
	}
	if merged.Scope == "" {
		merged.Scope = conn.Scope
	}
	if merged.ExpiresAt == nil && merged.ExpiresIn > 0 {
		expiresAt := now.Add(time.Duration(merged.ExpiresIn) * time.Second)
		merged.ExpiresAt = &expiresAt
	}

	if err := m.store.UpdateTokens(ctx, conn.ID, db.TokenUpdate{
		AccessToken:  merged.AccessToken,
		RefreshToken: &merged.RefreshToken,
		TokenType:    merged.TokenType,
		Scope:        merged.Scope,
		ExpiresAt:    merged.ExpiresAt,
		RefreshedAt:  &now,
		Reactivate:   true,
	}); err != nil {
		return nil, fmt.Errorf("failed to store refreshed tokens: %w", err)
	}
	m.touch(ctx, conn.ID)

	metrics.TokenRefreshes.WithLabelValues(conn.Provider, metrics.ResultSuccess).Inc()
	log.Info("refreshed access token", zap.Timep("expires_at", merged.ExpiresAt))
	return &merged, nil
}

// refreshFailed records a failed refresh on the connection and classifies the error
func (m *Manager) refreshFailed(ctx context.Context, log *zap.Logger, conn *types.Connection, err error) error {
	if IsPermanentRefreshError(err) {
		metrics.TokenRefreshes.WithLabelValues(conn.Provider, metrics.ResultPermanent).Inc()
		log.Warn("refresh token rejected, connection needs re-authorization", zap.Error(err))
		if updateErr := m.store.UpdateError(ctx, conn.ID, ReauthMessage); updateErr != nil {
			log.Error("failed to deactivate connection", zap.Error(updateErr))
		}
		return oautherr.Wrap(oautherr.RefreshTokenExpired, conn.Provider, ReauthMessage, err)
	}

	message := rawMessage(err)
	metrics.TokenRefreshes.WithLabelValues(conn.Provider, metrics.ResultTransient).Inc()
	log.Warn("token refresh failed", zap.Error(err))
	if recordErr := m.store.RecordError(ctx, conn.ID, message); recordErr != nil {
		log.Error("failed to record refresh error", zap.Error(recordErr))
	}
	return oautherr.Wrap(oautherr.OAuthError, conn.Provider, "failed to refresh token: "+message, err)
}

func (m *Manager) touch(ctx context.Context, connectionID string) {
	if err := m.store.UpdateLastUsed(ctx, connectionID); err != nil {
		m.log.Warn("failed to update last used time", logger.ConnectionID(connectionID), zap.Error(err))
	}
}

// IsPermanentRefreshError reports whether a refresh failure means the grant is gone for good
func IsPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	if oautherr.IsKind(err, oautherr.RefreshTokenExpired) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// rawMessage is the provider's own wording of a failure
func rawMessage(err error) string {
	if e, ok := oautherr.As(err); ok && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
