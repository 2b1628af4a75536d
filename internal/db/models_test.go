package db

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionsProvidersStableOrder(t *testing.T) {
	conns := NewConnections([]*ExternalCredential{
		{Provider: ProviderWordPress, ProviderAccountID: "w1"},
		{Provider: ProviderGitHub, ProviderAccountID: "g1"},
		{Provider: ProviderGoogle, ProviderAccountID: "o1"},
	})
	assert.Equal(t, []string{"github", "google", "wordpress"}, conns.Providers())
}

func TestConnectionsSummary(t *testing.T) {
	assert.Equal(t, "- (no linked accounts)\n", Connections{}.Summary())

	conns := NewConnections([]*ExternalCredential{
		{Provider: ProviderGitHub, ProviderAccountID: "8412345"},
	})
	assert.Equal(t, "- **github**: account `8412345`\n", conns.Summary())
}

func TestConnectionsEnvJSON(t *testing.T) {
	refresh := "r-token"
	conns := NewConnections([]*ExternalCredential{
		{
			Provider:          ProviderGoogle,
			ProviderAccountID: "o1",
			AccessToken:       "a-token",
			RefreshToken:      &refresh,
			TokenType:         "bearer",
		},
	})

	raw, err := conns.EnvJSON()
	require.NoError(t, err)

	var decoded map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))

	google := decoded["google"]
	assert.Equal(t, "o1", google["provider_account_id"])
	assert.Equal(t, "a-token", google["access_token"])
	assert.Equal(t, "r-token", google["refresh_token"])
}
