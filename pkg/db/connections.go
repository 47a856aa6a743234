package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/obot-platform/oauth-connections/pkg/types"
	"gorm.io/gorm"
)

// ConnectionFilter narrows ListConnections. Empty fields do not filter.
type ConnectionFilter struct {
	Provider  string
	CreatedBy string
	TenantID  string
	IsActive  *bool
}

// TokenUpdate carries the credential fields written after an exchange or refresh.
// A nil RefreshToken keeps the stored one.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken *string
	TokenType    string
	Scope        string
	ExpiresAt    *time.Time
	RefreshedAt  *time.Time
	// Reactivate marks the connection active and clears its last error
	Reactivate bool
}

// CreateConnection inserts a connection, assigning an id when none is set
func (s *Store) CreateConnection(ctx context.Context, conn *types.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(conn).Error
}

// GetConnection retrieves a connection by id. It returns nil when none exists.
func (s *Store) GetConnection(ctx context.Context, id string) (*types.Connection, error) {
	var conn types.Connection
	err := s.db.WithContext(ctx).Take(&conn, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &conn, nil
}

// ListConnections returns the connections matching filter, newest first
func (s *Store) ListConnections(ctx context.Context, filter ConnectionFilter) ([]types.Connection, error) {
	q := s.db.WithContext(ctx).Model(&types.Connection{})
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if filter.CreatedBy != "" {
		q = q.Where("created_by = ?", filter.CreatedBy)
	}
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.IsActive != nil {
		q = q.Where("is_active = ?", *filter.IsActive)
	}

	var conns []types.Connection
	if err := q.Order("created_at DESC").Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

// FindByProviderAndAccount finds the connection for an external identity. A nil tenantID
// only matches connections without a tenant; it never matches every tenant.
// When several rows match, the most recently updated one wins.
func (s *Store) FindByProviderAndAccount(ctx context.Context, provider, accountID string, tenantID *string) (*types.Connection, error) {
	q := s.db.WithContext(ctx).Where("provider = ? AND account_id = ?", provider, accountID)
	if tenantID == nil {
		q = q.Where("tenant_id IS NULL")
	} else {
		q = q.Where("tenant_id = ?", *tenantID)
	}

	var conn types.Connection
	err := q.Order("updated_at DESC").Take(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &conn, nil
}

// FindByAccountEmail returns every connection for an account email, optionally limited to one provider
func (s *Store) FindByAccountEmail(ctx context.Context, email, provider string) ([]types.Connection, error) {
	q := s.db.WithContext(ctx).Where("account_email = ?", email)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}

	var conns []types.Connection
	if err := q.Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

// UpdateConnection applies a partial update keyed by column name
func (s *Store) UpdateConnection(ctx context.Context, id string, updates map[string]any) error {
	return s.update(ctx, id, updates)
}

// DeleteConnection deletes a connection and reports whether a row was removed
func (s *Store) DeleteConnection(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Delete(&types.Connection{}, "id = ?", id)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateTokens stores new credentials. It can reactivate a connection but never deactivates one.
func (s *Store) UpdateTokens(ctx context.Context, id string, update TokenUpdate) error {
	updates := map[string]any{
		"access_token": update.AccessToken,
		"expires_at":   update.ExpiresAt,
	}
	if update.RefreshToken != nil {
		updates["refresh_token"] = *update.RefreshToken
	}
	if update.TokenType != "" {
		updates["token_type"] = update.TokenType
	}
	if update.Scope != "" {
		updates["scope"] = update.Scope
	}
	if update.RefreshedAt != nil {
		updates["last_refreshed_at"] = *update.RefreshedAt
	}
	if update.Reactivate {
		updates["is_active"] = true
		updates["last_error"] = nil
		updates["last_error_at"] = nil
	}
	return s.update(ctx, id, updates)
}

// UpdateLastUsed records that the connection's token was handed out
func (s *Store) UpdateLastUsed(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&types.Connection{}).Where("id = ?", id).
		UpdateColumn("last_used_at", time.Now())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateError records a failure and deactivates the connection
func (s *Store) UpdateError(ctx context.Context, id, message string) error {
	return s.update(ctx, id, map[string]any{
		"last_error":    message,
		"last_error_at": time.Now(),
		"is_active":     false,
	})
}

// RecordError records a failure without changing whether the connection is active
func (s *Store) RecordError(ctx context.Context, id, message string) error {
	return s.update(ctx, id, map[string]any{
		"last_error":    message,
		"last_error_at": time.Now(),
	})
}

// ClearError clears the last failure and activates the connection
func (s *Store) ClearError(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]any{
		"last_error":    nil,
		"last_error_at": nil,
		"is_active":     true,
	})
}

func (s *Store) update(ctx context.Context, id string, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&types.Connection{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
