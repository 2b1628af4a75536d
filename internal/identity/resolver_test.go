package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botpod/botpod/internal/db"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "alice", "alice"},
		{"email", "alice@example.com", "alice-at-example.com"},
		{"spaces and symbols", "a b/c:d", "a-b-c-d"},
		{"allowed punctuation kept", "a_b.c-d", "a_b.c-d"},
		{"leading dot prefixed", ".hidden", "u.hidden"},
		{"leading dash prefixed", "-flag", "u-flag"},
		{"unicode replaced", "žluť", "u-lu-"},
		{"numeric id", "8412345", "8412345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitizeStable(t *testing.T) {
	in := "Alice O'Hara@example.com"
	assert.Equal(t, Sanitize(in), Sanitize(in))
}

func TestCanonicalPrecedence(t *testing.T) {
	tests := []struct {
		name  string
		hints Hints
		want  string
	}{
		{
			"provider account id wins",
			Hints{ProviderAccountID: "8412345", LegacyID: "old-alice", Email: "alice@example.com"},
			"8412345",
		},
		{
			"legacy id over email",
			Hints{LegacyID: "old-alice", Email: "alice@example.com"},
			"old-alice",
		},
		{
			"email as last resort",
			Hints{Email: "alice@example.com"},
			"alice-at-example.com",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.hints.Canonical()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalEmptyHints(t *testing.T) {
	_, err := Hints{}.Canonical()
	assert.ErrorIs(t, err, ErrNoIdentity)
}

type fakeLookup struct {
	byCanonical map[string]*db.Tenant
	byAccount   map[string]*db.Tenant
	byEmail     map[string]*db.Tenant
}

func (f *fakeLookup) GetTenantByCanonicalID(id string) (*db.Tenant, error) {
	if t, ok := f.byCanonical[id]; ok {
		return t, nil
	}
	return nil, db.ErrNoRows
}

func (f *fakeLookup) GetTenantByProviderAccountID(id string) (*db.Tenant, error) {
	if t, ok := f.byAccount[id]; ok {
		return t, nil
	}
	return nil, db.ErrNoRows
}

func (f *fakeLookup) GetTenantByEmail(email string) (*db.Tenant, error) {
	if t, ok := f.byEmail[email]; ok {
		return t, nil
	}
	return nil, db.ErrNoRows
}

func TestResolveCanonicalFirst(t *testing.T) {
	want := &db.Tenant{ID: 1, CanonicalID: "8412345"}
	r := NewResolver(&fakeLookup{
		byCanonical: map[string]*db.Tenant{"8412345": want},
	})

	got, err := r.Resolve(Hints{ProviderAccountID: "8412345"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveFallsBackToCredentials(t *testing.T) {
	// Tenant created before the canonical scheme: its row is keyed by an
	// older identifier, only the credentials table knows the account id.
	want := &db.Tenant{ID: 2, CanonicalID: "alice-at-example.com"}
	r := NewResolver(&fakeLookup{
		byCanonical: map[string]*db.Tenant{"alice-at-example.com": want},
		byAccount:   map[string]*db.Tenant{"8412345": want},
	})

	got, err := r.Resolve(Hints{ProviderAccountID: "8412345"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveFallsBackToEmail(t *testing.T) {
	// A tenant signing in through a provider they never linked still
	// resolves by the email on file, instead of becoming a duplicate.
	want := &db.Tenant{ID: 3, CanonicalID: "old-alice"}
	r := NewResolver(&fakeLookup{
		byCanonical: map[string]*db.Tenant{"old-alice": want},
		byEmail:     map[string]*db.Tenant{"alice@example.com": want},
	})

	got, err := r.Resolve(Hints{ProviderAccountID: "999111", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveArbitraryIdentifier(t *testing.T) {
	// A bare identifier, the way the admin routes pass path params:
	// canonical match first, credentials table second.
	want := &db.Tenant{ID: 4, CanonicalID: "alice-at-example.com"}
	r := NewResolver(&fakeLookup{
		byCanonical: map[string]*db.Tenant{"alice-at-example.com": want},
		byAccount:   map[string]*db.Tenant{"8412345": want},
	})

	byCanonical, err := r.Resolve(Hints{ProviderAccountID: "alice-at-example.com"})
	require.NoError(t, err)
	assert.Equal(t, want, byCanonical)

	byAccount, err := r.Resolve(Hints{ProviderAccountID: "8412345"})
	require.NoError(t, err)
	assert.Equal(t, want, byAccount)
}

func TestResolveNotFound(t *testing.T) {
	r := NewResolver(&fakeLookup{})
	_, err := r.Resolve(Hints{Email: "nobody@example.com"})
	assert.ErrorIs(t, err, db.ErrNoRows)
}
