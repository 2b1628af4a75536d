package db

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/botpod/botpod/internal/config"
)

// ContainerStatus is the last persisted view of a tenant's container.
type ContainerStatus string

const (
	StatusStopped    ContainerStatus = "stopped"
	StatusRunning    ContainerStatus = "running"
	StatusRestarting ContainerStatus = "restarting"
	StatusError      ContainerStatus = "error"
	StatusNotFound   ContainerStatus = "not_found"
)

type Tenant struct {
	ID          int64           `json:"id" db:"id"`
	CanonicalID string          `json:"canonical_id" db:"canonical_id"`
	DisplayName string          `json:"display_name" db:"display_name"`
	Email       *string         `json:"email,omitempty" db:"email"`
	Plan        config.PlanName `json:"plan" db:"plan"`

	TelegramBotToken string  `json:"-" db:"telegram_bot_token"`
	ModelAPIKey      *string `json:"-" db:"model_api_key"`
	CustomRules      *string `json:"custom_rules,omitempty" db:"custom_rules"`

	ContainerID     string          `json:"container_id" db:"container_id"`
	ContainerName   string          `json:"container_name" db:"container_name"`
	ContainerPort   *int            `json:"container_port" db:"container_port"`
	ContainerStatus ContainerStatus `json:"container_status" db:"container_status"`

	IsActive        bool       `json:"is_active" db:"is_active"`
	RestartCount    int        `json:"restart_count" db:"restart_count"`
	LastHealthCheck *time.Time `json:"last_health_check" db:"last_health_check"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Provider tags an external account provider. Connections are keyed by
// provider, so presence of a provider is explicit rather than inferred
// from an untyped bag.
type Provider string

const (
	ProviderGitHub    Provider = "github"
	ProviderGoogle    Provider = "google"
	ProviderWordPress Provider = "wordpress"
)

type ExternalCredential struct {
	ID                int64     `json:"id" db:"id"`
	TenantID          int64     `json:"tenant_id" db:"tenant_id"`
	Provider          Provider  `json:"provider" db:"provider"`
	ProviderAccountID string    `json:"provider_account_id" db:"provider_account_id"`
	AccessToken       string    `json:"-" db:"access_token"`
	RefreshToken      *string   `json:"-" db:"refresh_token"`
	TokenType         string    `json:"token_type" db:"token_type"`
	Scope             *string   `json:"scope,omitempty" db:"scope"`
	ExpiresAt         *int64    `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Connections is the per-tenant view of linked external accounts.
type Connections map[Provider]ExternalCredential

// NewConnections indexes credentials by provider.
func NewConnections(creds []*ExternalCredential) Connections {
	conns := make(Connections, len(creds))
	for _, c := range creds {
		conns[c.Provider] = *c
	}
	return conns
}

// Providers returns the linked provider names in stable order.
func (c Connections) Providers() []string {
	names := make([]string, 0, len(c))
	for p := range c {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// Summary renders a human-readable account list for the workspace addendum.
func (c Connections) Summary() string {
	if len(c) == 0 {
		return "- (no linked accounts)\n"
	}
	var out string
	for _, name := range c.Providers() {
		cred := c[Provider(name)]
		out += fmt.Sprintf("- **%s**: account `%s`\n", name, cred.ProviderAccountID)
	}
	return out
}

// EnvJSON serializes the connection set for injection into a container
// environment. Tokens are included: the container is the tenant's own
// trust domain.
func (c Connections) EnvJSON() (string, error) {
	type wireCred struct {
		ProviderAccountID string `json:"provider_account_id"`
		AccessToken       string `json:"access_token,omitempty"`
		RefreshToken      string `json:"refresh_token,omitempty"`
		TokenType         string `json:"token_type,omitempty"`
	}
	wire := make(map[string]wireCred, len(c))
	for p, cred := range c {
		w := wireCred{
			ProviderAccountID: cred.ProviderAccountID,
			AccessToken:       cred.AccessToken,
			TokenType:         cred.TokenType,
		}
		if cred.RefreshToken != nil {
			w.RefreshToken = *cred.RefreshToken
		}
		wire[string(p)] = w
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EventKind classifies a lifecycle event.
type EventKind string

const (
	EventCreate      EventKind = "create"
	EventStart       EventKind = "start"
	EventStop        EventKind = "stop"
	EventRestart     EventKind = "restart"
	EventDelete      EventKind = "delete"
	EventUpgrade     EventKind = "upgrade"
	EventAutoRestart EventKind = "auto_restart"
	EventMaxRestarts EventKind = "max_restarts"
	EventAdopt       EventKind = "adopt"
	EventPrune       EventKind = "prune"
)

// LifecycleEvent is an append-only audit record. Rows are never updated
// or deleted by the service.
type LifecycleEvent struct {
	ID          string    `json:"id" db:"id"`
	TenantID    int64     `json:"tenant_id" db:"tenant_id"`
	ContainerID string    `json:"container_id" db:"container_id"`
	Kind        EventKind `json:"kind" db:"kind"`
	Detail      string    `json:"detail" db:"detail"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

type Alert struct {
	ID         string        `json:"id" db:"id"`
	Severity   AlertSeverity `json:"severity" db:"severity"`
	Message    string        `json:"message" db:"message"`
	TenantID   *int64        `json:"tenant_id,omitempty" db:"tenant_id"`
	Resolved   bool          `json:"resolved" db:"resolved"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at" db:"resolved_at"`
}
