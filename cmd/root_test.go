package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cmd     RootCmd
		wantErr string
	}{
		{name: "empty", cmd: RootCmd{}},
		{name: "public url", cmd: RootCmd{PublicURL: "https://connections.example.com"}},
		{name: "bad public url", cmd: RootCmd{PublicURL: "connections.example.com"}, wantErr: "invalid public URL"},
		{
			name: "generic provider",
			cmd:  RootCmd{OAuthAuthorizeURL: "https://idp.example.com", OAuthClientID: "id", OAuthClientSecret: "secret"},
		},
		{
			name:    "generic provider without secret",
			cmd:     RootCmd{OAuthAuthorizeURL: "https://idp.example.com", OAuthClientID: "id"},
			wantErr: "oauth-client-secret",
		},
		{
			name:    "bad authorize url",
			cmd:     RootCmd{OAuthAuthorizeURL: "ftp://idp.example.com", OAuthClientID: "id", OAuthClientSecret: "secret"},
			wantErr: "invalid OAuth authorize URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.validateConfig()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestConfig(t *testing.T) {
	c := RootCmd{
		Host:            "0.0.0.0",
		Port:            "9000",
		RoutePrefix:     "/api",
		MicrosoftTenant: "organizations",
		SweepInterval:   "15m",
		LogLevel:        "debug",

		CORSAllowedOrigins: "https://app.example.com",
	}

	config, err := c.config()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", config.Host)
	assert.Equal(t, "9000", config.Port)
	assert.Equal(t, "/api", config.RoutePrefix)
	assert.Equal(t, "organizations", config.MicrosoftTenant)
	assert.Equal(t, 15*time.Minute, config.SweepInterval)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "https://app.example.com", config.CORSAllowedOrigins)

	c.SweepInterval = ""
	config, err = c.config()
	require.NoError(t, err)
	assert.Zero(t, config.SweepInterval)

	c.SweepInterval = "soon"
	_, err = c.config()
	assert.ErrorContains(t, err, "invalid sweep interval")

	c.SweepInterval = "-1m"
	_, err = c.config()
	assert.Error(t, err)
}
