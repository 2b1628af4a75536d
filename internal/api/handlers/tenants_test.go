package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/runtime"
)

func TestLowestFreePort(t *testing.T) {
	port, err := lowestFreePort(map[int]bool{}, 9000, 50)
	require.NoError(t, err)
	assert.Equal(t, 9000, port)

	port, err = lowestFreePort(map[int]bool{9000: true, 9001: true}, 9000, 50)
	require.NoError(t, err)
	assert.Equal(t, 9002, port)

	// Holes from deleted tenants are reclaimed.
	port, err = lowestFreePort(map[int]bool{9000: true, 9002: true}, 9000, 50)
	require.NoError(t, err)
	assert.Equal(t, 9001, port)
}

func TestLowestFreePortExhausted(t *testing.T) {
	used := make(map[int]bool)
	for p := 9000; p < 9003; p++ {
		used[p] = true
	}
	_, err := lowestFreePort(used, 9000, 3)
	assert.ErrorIs(t, err, runtime.ErrResourceExhausted)
}

func TestPluginsFromFeatures(t *testing.T) {
	plugins := pluginsFromFeatures([]string{"basic_chat", "github_plugin", "gsc_plugin", "custom_rules"})
	assert.Equal(t, []string{"github", "gsc"}, plugins)

	assert.Empty(t, pluginsFromFeatures(nil))
	assert.Empty(t, pluginsFromFeatures([]string{"basic_chat"}))
}

func TestCredentialFromRequest(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	cred := credentialFromRequest(7, ProvisionRequest{
		ProviderAccountID: "8412345",
		Provider:          "google",
		AccessToken:       "ya29.token",
		RefreshToken:      "1//refresh",
	}, now)

	assert.Equal(t, int64(7), cred.TenantID)
	assert.Equal(t, db.ProviderGoogle, cred.Provider)
	assert.Equal(t, "8412345", cred.ProviderAccountID)
	assert.Equal(t, "ya29.token", cred.AccessToken)
	require.NotNil(t, cred.RefreshToken)
	assert.Equal(t, "1//refresh", *cred.RefreshToken)

	// Provider defaults to github; absent refresh token stays NULL so the
	// upsert keeps the stored one.
	cred = credentialFromRequest(7, ProvisionRequest{ProviderAccountID: "8412345"}, now)
	assert.Equal(t, db.ProviderGitHub, cred.Provider)
	assert.Empty(t, cred.AccessToken)
	assert.Nil(t, cred.RefreshToken)
}

func TestCredentialChanged(t *testing.T) {
	stored := db.Connections{
		db.ProviderGitHub: {ProviderAccountID: "8412345", AccessToken: "ghs_old"},
	}

	tests := []struct {
		name string
		req  ProvisionRequest
		want bool
	}{
		{"no credential input", ProvisionRequest{}, false},
		{"same account repeated", ProvisionRequest{ProviderAccountID: "8412345"}, false},
		{"same account and token", ProvisionRequest{ProviderAccountID: "8412345", AccessToken: "ghs_old"}, false},
		{"rotated token", ProvisionRequest{ProviderAccountID: "8412345", AccessToken: "ghs_new"}, true},
		{"different account", ProvisionRequest{ProviderAccountID: "999"}, true},
		{"new provider link", ProvisionRequest{ProviderAccountID: "8412345", Provider: "google"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, credentialChanged(stored, tt.req))
		})
	}
}

func TestValidProvider(t *testing.T) {
	assert.True(t, validProvider("github"))
	assert.True(t, validProvider("google"))
	assert.True(t, validProvider("wordpress"))
	assert.False(t, validProvider("gitlab"))
	assert.False(t, validProvider(""))
}
