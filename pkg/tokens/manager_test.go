package tokens

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obot-platform/oauth-connections/pkg/db"
	"github.com/obot-platform/oauth-connections/pkg/oautherr"
	"github.com/obot-platform/oauth-connections/pkg/providers"
	"github.com/obot-platform/oauth-connections/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider answers refreshes with a test supplied function
type scriptedProvider struct {
	descriptor providers.Descriptor
	calls      atomic.Int32
	refresh    func(refreshToken string) (*providers.Tokens, error)
}

func (p *scriptedProvider) Descriptor() providers.Descriptor { return p.descriptor }

func (p *scriptedProvider) AuthorizationURL(context.Context, providers.AuthorizationOptions) (*providers.AuthorizationResult, error) {
	return nil, errors.New("not implemented")
}

func (p *scriptedProvider) ExchangeCode(context.Context, string, string) (*providers.Tokens, error) {
	return nil, errors.New("not implemented")
}

func (p *scriptedProvider) RefreshToken(_ context.Context, refreshToken string) (*providers.Tokens, error) {
	p.calls.Add(1)
	return p.refresh(refreshToken)
}

func (p *scriptedProvider) UserProfile(context.Context, string) (*providers.UserProfile, error) {
	return nil, errors.New("not implemented")
}

type fixture struct {
	store    *db.Store
	registry *providers.Registry
	provider *scriptedProvider
	manager  *Manager
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "tokens.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:    store,
		registry: providers.NewRegistry(),
		now:      time.Now(),
		provider: &scriptedProvider{
			descriptor: providers.Descriptor{ID: "test", Name: "Test", SupportsRefresh: true},
			refresh: func(string) (*providers.Tokens, error) {
				expiresAt := time.Now().Add(time.Hour)
				return &providers.Tokens{AccessToken: "access-new", TokenType: "Bearer", ExpiresAt: &expiresAt}, nil
			},
		},
	}
	f.registry.Register(f.provider)
	f.manager = NewManager(store, f.registry, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) createConnection(t *testing.T, expiresIn time.Duration, refreshToken string) *types.Connection {
	t.Helper()
	expiresAt := f.now.Add(expiresIn)
	conn := &types.Connection{
		Name:        "Test - user",
		Provider:    "test",
		AccountID:   "acct-1",
		AccessToken: "access-old",
		Scope:       "openid email",
		ExpiresAt:   &expiresAt,
		IsActive:    true,
	}
	if refreshToken != "" {
		conn.RefreshToken = &refreshToken
	}
	require.NoError(t, f.store.CreateConnection(context.Background(), conn))
	return conn
}

func (f *fixture) reload(t *testing.T, id string) *types.Connection {
	t.Helper()
	conn, err := f.store.GetConnection(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, conn)
	return conn
}

func TestIsTokenExpired(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(nil, providers.NewRegistry(), WithClock(func() time.Time { return now }))

	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}

	assert.True(t, m.IsTokenExpired(nil))
	assert.True(t, m.IsTokenExpired(at(-time.Hour)))
	assert.True(t, m.IsTokenExpired(at(59*time.Second)))
	assert.True(t, m.IsTokenExpired(at(60*time.Second)))
	assert.False(t, m.IsTokenExpired(at(61*time.Second)))
	assert.False(t, m.IsTokenExpired(at(time.Hour)))
}

func TestEnsureValidToken(t *testing.T) {
	t.Run("returns a fresh token unchanged", func(t *testing.T) {
		f := newFixture(t)
		conn := f.createConnection(t, time.Hour, "refresh-old")

		token, err := f.manager.EnsureValidToken(context.Background(), conn)
		require.NoError(t, err)
		assert.Equal(t, "access-old", token)
		assert.Zero(t, f.provider.calls.Load())
		assert.NotNil(t, f.reload(t, conn.ID).LastUsedAt)
	})

	t.Run("missing access token", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.EnsureValidToken(context.Background(), &types.Connection{ID: "x", Provider: "test"})
		assert.True(t, oautherr.IsKind(err, oautherr.InvalidToken))
	})

	t.Run("expired without refresh token", func(t *testing.T) {
		f := newFixture(t)
		conn := f.createConnection(t, 30*time.Second, "")

		_, err := f.manager.EnsureValidToken(context.Background(), conn)
		assert.True(t, oautherr.IsKind(err, oautherr.RefreshTokenExpired))
		assert.Zero(t, f.provider.calls.Load())
	})

	t.Run("refreshes inside the expiry buffer", func(t *testing.T) {
		f := newFixture(t)
		conn := f.createConnection(t, 30*time.Second, "refresh-old")

		token, err := f.manager.EnsureValidToken(context.Background(), conn)
		require.NoError(t, err)
		assert.Equal(t, "access-new", token)
		assert.Equal(t, int32(1), f.provider.calls.Load())
	})
}

func TestRefresh(t *testing.T) {
	t.Run("preserves the stored refresh token and scope", func(t *testing.T) {
		f := newFixture(t)
		conn := f.createConnection(t, -time.Minute, "refresh-old")
		require.NoError(t, f.store.RecordError(context.Background(), conn.ID, "earlier failure"))

		tokens, err := f.manager.Refresh(context.Background(), conn.ID)
		require.NoError(t, err)
		assert.Equal(t, "access-new", tokens.AccessToken)
		assert.Equal(t, "refresh-old", tokens.RefreshToken)
		assert.Equal(t, "openid email", tokens.Scope)

		stored := f.reload(t, conn.ID)
		assert.Equal(t, "access-new", stored.AccessToken)
		assert.Equal(t, "refresh-old", *stored.RefreshToken)
		assert.Equal(t, "openid email", stored.Scope)
		assert.True(t, stored.IsActive)
		assert.Nil(t, stored.LastError)
		assert.NotNil(t, stored.LastRefreshedAt)
		assert.NotNil(t, stored.LastUsedAt)
	})

	t.Run("stores a rotated refresh token", func(t *testing.T) {
		f := newFixture(t)
		f.provider.refresh = func(refreshToken string) (*providers.Tokens, error) {
			assert.Equal(t, "refresh-old", refreshToken)
			return &providers.Tokens{AccessToken: "access-new", RefreshToken: "refresh-rotated", ExpiresIn: 3600, Scope: "email"}, nil
		}
		conn := f.createConnection(t, -time.Minute, "refresh-old")

		tokens, err := f.manager.Refresh(context.Background(), conn.ID)
		require.NoError(t, err)
		require.NotNil(t, tokens.ExpiresAt)
		assert.WithinDuration(t, f.now.Add(time.Hour), *tokens.ExpiresAt, time.Second)

		stored := f.reload(t, conn.ID)
		assert.Equal(t, "refresh-rotated", *stored.RefreshToken)
		assert.Equal(t, "email", stored.Scope)
	})

	t.Run("permanent failure deactivates the connection", func(t *testing.T) {
		f := newFixture(t)
		f.provider.refresh = func(string) (*providers.Tokens, error) {
			return nil, errors.New(`oauth2: "invalid_grant" "Token has been expired or revoked."`)
		}
		conn := f.createConnection(t, -time.Minute, "refresh-old")

		_, err := f.manager.Refresh(context.Background(), conn.ID)
		require.Error(t, err)
		assert.True(t, oautherr.IsKind(err, oautherr.RefreshTokenExpired))

		stored := f.reload(t, conn.ID)
		assert.False(t, stored.IsActive)
		require.NotNil(t, stored.LastError)
		assert.Equal(t, ReauthMessage, *stored.LastError)
	})

	t.Run("provider classified expiry is permanent", func(t *testing.T) {
		f := newFixture(t)
		f.provider.refresh = func(string) (*providers.Tokens, error) {
			return nil, oautherr.New(oautherr.RefreshTokenExpired, "test", "AADSTS70008: expired")
		}
		conn := f.createConnection(t, -time.Minute, "refresh-old")

		_, err := f.manager.Refresh(context.Background(), conn.ID)
		assert.True(t, oautherr.IsKind(err, oautherr.RefreshTokenExpired))
		assert.False(t, f.reload(t, conn.ID).IsActive)
	})

	t.Run("transient failure keeps the connection active", func(t *testing.T) {
		f := newFixture(t)
		f.provider.refresh = func(string) (*providers.Tokens, error) {
			return nil, errors.New("connection reset by peer")
		}
		conn := f.createConnection(t, -time.Minute, "refresh-old")

		_, err := f.manager.Refresh(context.Background(), conn.ID)
		require.Error(t, err)
		assert.True(t, oautherr.IsKind(err, oautherr.OAuthError))
		e, ok := oautherr.As(err)
		require.True(t, ok)
		assert.Equal(t, "connection reset by peer", e.Details["originalError"])

		stored := f.reload(t, conn.ID)
		assert.True(t, stored.IsActive)
		require.NotNil(t, stored.LastError)
		assert.Equal(t, "connection reset by peer", *stored.LastError)
		assert.Equal(t, "access-old", stored.AccessToken)
	})

	t.Run("unknown connection", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.manager.Refresh(context.Background(), "missing")
		assert.True(t, oautherr.IsKind(err, oautherr.ConnectionNotFound))
	})

	t.Run("no refresh token", func(t *testing.T) {
		f := newFixture(t)
		conn := f.createConnection(t, -time.Minute, "")
		_, err := f.manager.Refresh(context.Background(), conn.ID)
		assert.True(t, oautherr.IsKind(err, oautherr.RefreshTokenExpired))
	})

	t.Run("unregistered provider", func(t *testing.T) {
		f := newFixture(t)
		conn := f.createConnection(t, -time.Minute, "refresh-old")
		f.registry.Unregister("test")

		_, err := f.manager.Refresh(context.Background(), conn.ID)
		assert.True(t, oautherr.IsKind(err, oautherr.ProviderNotFound))
	})

	t.Run("provider without refresh support", func(t *testing.T) {
		f := newFixture(t)
		f.provider.descriptor.SupportsRefresh = false
		conn := f.createConnection(t, -time.Minute, "refresh-old")

		_, err := f.manager.Refresh(context.Background(), conn.ID)
		assert.True(t, oautherr.IsKind(err, oautherr.InvalidConfiguration))
		assert.Zero(t, f.provider.calls.Load())
	})
}

func TestRefreshSingleFlight(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	rotation := atomic.Int32{}
	f.provider.refresh = func(string) (*providers.Tokens, error) {
		<-release
		n := rotation.Add(1)
		expiresAt := time.Now().Add(time.Hour)
		return &providers.Tokens{
			AccessToken:  "access-new",
			RefreshToken: "refresh-rotated-" + string(rune('0'+n)),
			ExpiresAt:    &expiresAt,
		}, nil
	}
	conn := f.createConnection(t, -time.Minute, "refresh-old")

	const callers = 8
	var (
		started sync.WaitGroup
		done    sync.WaitGroup
		results = make([]string, callers)
		errs    = make([]error, callers)
	)
	for i := range callers {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			token, err := f.manager.EnsureValidToken(context.Background(), conn)
			results[i], errs[i] = token, err
		}(i)
	}
	started.Wait()
	require.Eventually(t, func() bool { return f.provider.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-new", results[i])
	}
	assert.Equal(t, int32(1), f.provider.calls.Load())
	assert.Equal(t, "refresh-rotated-1", *f.reload(t, conn.ID).RefreshToken)
}

func TestRefreshCallerDeadline(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.provider.refresh = func(string) (*providers.Tokens, error) {
		<-release
		expiresAt := time.Now().Add(time.Hour)
		return &providers.Tokens{AccessToken: "access-late", RefreshToken: "refresh-late", ExpiresAt: &expiresAt}, nil
	}
	conn := f.createConnection(t, -time.Minute, "refresh-old")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.manager.Refresh(ctx, conn.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// the abandoned refresh still runs to completion for the next caller
	close(release)
	require.Eventually(t, func() bool {
		return f.reload(t, conn.ID).AccessToken == "access-late"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "refresh-late", *f.reload(t, conn.ID).RefreshToken)
	assert.Equal(t, int32(1), f.provider.calls.Load())
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		err       error
		permanent bool
	}{
		{errors.New(`oauth2: "invalid_grant"`), true},
		{errors.New("Token has been expired or revoked."), true},
		{errors.New("token has been revoked by the user"), true},
		{oautherr.New(oautherr.RefreshTokenExpired, "microsoft", "AADSTS700082"), true},
		{errors.New("500 Internal Server Error"), false},
		{errors.New("dial tcp: i/o timeout"), false},
		{nil, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.permanent, IsPermanentRefreshError(tt.err), "%v", tt.err)
	}
}
