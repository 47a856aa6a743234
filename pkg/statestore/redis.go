// Package statestore holds authorization state backends other than the SQL store.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/obot-platform/oauth-connections/pkg/types"
	rdb "github.com/redis/go-redis/v9"
)

const keyPrefix = "oauth:state:"

// expiredRetention keeps a state readable past its expiry so callbacks can report it as
// expired rather than unknown. Redis drops the key afterwards.
const expiredRetention = time.Hour

// RedisStore keeps authorization states in Redis with a key TTL
type RedisStore struct {
	c *rdb.Client
}

// NewRedisStore connects to the Redis server named by a redis:// or rediss:// URL
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := rdb.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisStore{c: rdb.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(c *rdb.Client) *RedisStore {
	return &RedisStore{c: c}
}

func (r *RedisStore) key(state string) string {
	return keyPrefix + state
}

// CreateState stores an authorization state. It fails if the state value is already taken.
func (r *RedisStore) CreateState(ctx context.Context, state *types.AuthorizationState) error {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now()
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	ok, err := r.c.SetNX(ctx, r.key(state.State), data, keyTTL(state.ExpiresAt, time.Now())).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("state %q already exists", state.State)
	}
	return nil
}

// keyTTL is how long the key of a state expiring at expiresAt lives, never less than a second
func keyTTL(expiresAt, now time.Time) time.Duration {
	ttl := expiresAt.Sub(now) + expiredRetention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// FindState retrieves an authorization state without consuming it. It returns nil when none exists.
func (r *RedisStore) FindState(ctx context.Context, state string) (*types.AuthorizationState, error) {
	data, err := r.c.Get(ctx, r.key(state)).Bytes()
	if errors.Is(err, rdb.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var stored types.AuthorizationState
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return &stored, nil
}

// DeleteState deletes an authorization state
func (r *RedisStore) DeleteState(ctx context.Context, state string) error {
	return r.c.Del(ctx, r.key(state)).Err()
}

// SweepExpiredStates is a no-op: Redis expires keys itself.
func (r *RedisStore) SweepExpiredStates(context.Context) (int64, error) {
	return 0, nil
}

// Ping checks that Redis is reachable
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

// Close closes the client
func (r *RedisStore) Close() error {
	return r.c.Close()
}
