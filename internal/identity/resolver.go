package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/botpod/botpod/internal/db"
)

// ErrNoIdentity is returned when a hint set carries nothing usable.
var ErrNoIdentity = errors.New("no usable identity hint")

// Hints are the identifiers a caller may know about a tenant. Any subset
// can be empty; precedence decides which one becomes canonical.
type Hints struct {
	// ProviderAccountID is the OAuth provider's stable account id.
	// Preferred: it survives email changes and renames.
	ProviderAccountID string
	// LegacyID is the identifier older installations keyed tenants by.
	LegacyID string
	// Email is the weakest hint, last resort only.
	Email string
}

// Canonical derives the canonical tenant identifier from the strongest
// available hint. The result is filesystem- and container-name-safe.
func (h Hints) Canonical() (string, error) {
	for _, raw := range []string{h.ProviderAccountID, h.LegacyID, h.Email} {
		if raw != "" {
			return Sanitize(raw), nil
		}
	}
	return "", ErrNoIdentity
}

// Sanitize maps an arbitrary identifier onto the safe alphabet
// [A-Za-z0-9_.-]. The mapping is stable: equal inputs always produce
// equal outputs, so a tenant keeps its directory and container name
// across calls.
func Sanitize(raw string) string {
	s := strings.ReplaceAll(raw, "@", "-at-")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}

	out := b.String()
	// A leading dot or dash makes a hostile path or flag-looking name.
	if strings.HasPrefix(out, ".") || strings.HasPrefix(out, "-") {
		out = "u" + out
	}
	return out
}

// Lookup is the slice of the store the resolver needs.
type Lookup interface {
	GetTenantByCanonicalID(canonicalID string) (*db.Tenant, error)
	GetTenantByProviderAccountID(accountID string) (*db.Tenant, error)
	GetTenantByEmail(email string) (*db.Tenant, error)
}

// Resolver finds existing tenants from identity hints.
type Resolver struct {
	store Lookup
}

func NewResolver(store Lookup) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the tenant the hints point at, or db.ErrNoRows when
// none exists yet. Lookup walks the tiers in weakening order: the
// canonical identifier first, then the raw provider account id through
// the credentials table, which catches tenants created before the
// canonical scheme settled, then the email, which catches a known tenant
// arriving through a provider they never linked.
func (r *Resolver) Resolve(hints Hints) (*db.Tenant, error) {
	canonical, err := hints.Canonical()
	if err != nil {
		return nil, err
	}

	tenant, err := r.store.GetTenantByCanonicalID(canonical)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, db.ErrNoRows) {
		return nil, fmt.Errorf("lookup by canonical id: %w", err)
	}

	if hints.ProviderAccountID != "" {
		tenant, err = r.store.GetTenantByProviderAccountID(hints.ProviderAccountID)
		if err == nil {
			return tenant, nil
		}
		if !errors.Is(err, db.ErrNoRows) {
			return nil, fmt.Errorf("lookup by provider account: %w", err)
		}
	}

	if hints.Email != "" {
		tenant, err = r.store.GetTenantByEmail(hints.Email)
		if err == nil {
			return tenant, nil
		}
		if !errors.Is(err, db.ErrNoRows) {
			return nil, fmt.Errorf("lookup by email: %w", err)
		}
	}

	return nil, db.ErrNoRows
}
