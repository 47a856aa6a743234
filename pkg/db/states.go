package db

import (
	"context"
	"errors"
	"time"

	"github.com/obot-platform/oauth-connections/pkg/types"
	"gorm.io/gorm"
)

// CreateState stores an authorization state
func (s *Store) CreateState(ctx context.Context, state *types.AuthorizationState) error {
	return s.db.WithContext(ctx).Create(state).Error
}

// FindState retrieves an authorization state without consuming it. Expired rows are
// still returned so the caller can tell an expired state from an unknown one.
func (s *Store) FindState(ctx context.Context, state string) (*types.AuthorizationState, error) {
	var stored types.AuthorizationState
	err := s.db.WithContext(ctx).Take(&stored, "state = ?", state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &stored, nil
}

// DeleteState deletes an authorization state (single-use)
func (s *Store) DeleteState(ctx context.Context, state string) error {
	return s.db.WithContext(ctx).Delete(&types.AuthorizationState{}, "state = ?", state).Error
}

// SweepExpiredStates removes expired authorization states and returns how many were deleted
func (s *Store) SweepExpiredStates(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&types.AuthorizationState{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
