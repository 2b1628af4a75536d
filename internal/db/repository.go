package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrNoRows is returned by lookups that found nothing. Callers translate
// it into their own not-found taxonomy.
var ErrNoRows = errors.New("no rows")

type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string, maxConns, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping() error {
	return r.db.Ping()
}

// Tenant operations

func (r *Repository) CreateTenant(t *Tenant) error {
	query := `
        INSERT INTO tenants (
            canonical_id, display_name, email, plan,
            telegram_bot_token, model_api_key, custom_rules,
            container_id, container_name, container_port, container_status,
            is_active, restart_count, created_at, updated_at
        ) VALUES (
            :canonical_id, :display_name, :email, :plan,
            :telegram_bot_token, :model_api_key, :custom_rules,
            :container_id, :container_name, :container_port, :container_status,
            :is_active, :restart_count, :created_at, :updated_at
        ) RETURNING id`

	rows, err := r.db.NamedQuery(query, t)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&t.ID)
	}
	return fmt.Errorf("insert tenant returned no id")
}

func (r *Repository) GetTenantByCanonicalID(canonicalID string) (*Tenant, error) {
	var t Tenant
	query := `SELECT * FROM tenants WHERE canonical_id = $1`
	err := r.db.Get(&t, query, canonicalID)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return &t, err
}

func (r *Repository) GetTenantByEmail(email string) (*Tenant, error) {
	var t Tenant
	query := `SELECT * FROM tenants WHERE email = $1`
	err := r.db.Get(&t, query, email)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return &t, err
}

func (r *Repository) GetTenantByID(id int64) (*Tenant, error) {
	var t Tenant
	query := `SELECT * FROM tenants WHERE id = $1`
	err := r.db.Get(&t, query, id)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return &t, err
}

// GetTenantByProviderAccountID resolves a tenant through one of its
// linked external credentials.
func (r *Repository) GetTenantByProviderAccountID(accountID string) (*Tenant, error) {
	var t Tenant
	query := `
        SELECT t.* FROM tenants t
        JOIN external_credentials c ON c.tenant_id = t.id
        WHERE c.provider_account_id = $1
        ORDER BY c.created_at ASC
        LIMIT 1`
	err := r.db.Get(&t, query, accountID)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return &t, err
}

func (r *Repository) ListTenants() ([]*Tenant, error) {
	tenants := []*Tenant{}
	query := `SELECT * FROM tenants ORDER BY created_at ASC`
	err := r.db.Select(&tenants, query)
	return tenants, err
}

func (r *Repository) ListActiveTenants() ([]*Tenant, error) {
	tenants := []*Tenant{}
	query := `SELECT * FROM tenants WHERE is_active = true ORDER BY created_at ASC`
	err := r.db.Select(&tenants, query)
	return tenants, err
}

func (r *Repository) UpdateTenant(t *Tenant) error {
	t.UpdatedAt = time.Now().UTC()
	query := `
        UPDATE tenants SET
            display_name = :display_name,
            email = :email,
            plan = :plan,
            telegram_bot_token = :telegram_bot_token,
            model_api_key = :model_api_key,
            custom_rules = :custom_rules,
            container_id = :container_id,
            container_name = :container_name,
            container_port = :container_port,
            container_status = :container_status,
            is_active = :is_active,
            updated_at = :updated_at
        WHERE id = :id`

	_, err := r.db.NamedExec(query, t)
	return err
}

func (r *Repository) DeleteTenant(id int64) error {
	_, err := r.db.Exec(`DELETE FROM tenants WHERE id = $1`, id)
	return err
}

func (r *Repository) CountTenants() (int, error) {
	var count int
	err := r.db.Get(&count, `SELECT COUNT(*) FROM tenants`)
	return count, err
}

// Watchdog mutations. Each is a single focused statement so the loop
// commits runtime truth incrementally.

func (r *Repository) SetContainerStatus(tenantID int64, status ContainerStatus) error {
	query := `UPDATE tenants SET container_status = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(query, tenantID, status)
	return err
}

func (r *Repository) SetContainerBinding(tenantID int64, containerID, containerName string, port int) error {
	query := `
        UPDATE tenants SET
            container_id = $2, container_name = $3, container_port = $4, updated_at = NOW()
        WHERE id = $1`
	_, err := r.db.Exec(query, tenantID, containerID, containerName, port)
	return err
}

func (r *Repository) IncrementRestartCount(tenantID int64) error {
	query := `UPDATE tenants SET restart_count = restart_count + 1, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(query, tenantID)
	return err
}

func (r *Repository) TouchHealthCheck(tenantID int64, at time.Time) error {
	query := `UPDATE tenants SET last_health_check = $2 WHERE id = $1`
	_, err := r.db.Exec(query, tenantID, at)
	return err
}

// Deactivate marks a tenant failed: terminal status, no further
// watchdog attention until manual reactivation.
func (r *Repository) Deactivate(tenantID int64) error {
	query := `UPDATE tenants SET container_status = 'error', is_active = false, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(query, tenantID)
	return err
}

func (r *Repository) Reactivate(tenantID int64) error {
	query := `UPDATE tenants SET is_active = true, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(query, tenantID)
	return err
}

// UsedPorts returns every host port currently bound to a tenant.
func (r *Repository) UsedPorts() (map[int]bool, error) {
	var ports []int
	query := `SELECT container_port FROM tenants WHERE container_port IS NOT NULL`
	if err := r.db.Select(&ports, query); err != nil {
		return nil, err
	}
	used := make(map[int]bool, len(ports))
	for _, p := range ports {
		used[p] = true
	}
	return used, nil
}

// Credential operations

// UpsertCredential inserts or refreshes the credential for
// (tenant, provider). A tenant never holds two rows for one provider.
func (r *Repository) UpsertCredential(c *ExternalCredential) error {
	query := `
        INSERT INTO external_credentials (
            tenant_id, provider, provider_account_id,
            access_token, refresh_token, token_type, scope, expires_at,
            created_at, updated_at
        ) VALUES (
            :tenant_id, :provider, :provider_account_id,
            :access_token, :refresh_token, :token_type, :scope, :expires_at,
            :created_at, :updated_at
        ) ON CONFLICT (tenant_id, provider) DO UPDATE SET
            provider_account_id = EXCLUDED.provider_account_id,
            access_token = CASE WHEN EXCLUDED.access_token <> '' THEN EXCLUDED.access_token ELSE external_credentials.access_token END,
            refresh_token = COALESCE(EXCLUDED.refresh_token, external_credentials.refresh_token),
            token_type = EXCLUDED.token_type,
            scope = COALESCE(EXCLUDED.scope, external_credentials.scope),
            expires_at = COALESCE(EXCLUDED.expires_at, external_credentials.expires_at),
            updated_at = EXCLUDED.updated_at`

	_, err := r.db.NamedExec(query, c)
	return err
}

func (r *Repository) CredentialsByTenant(tenantID int64) ([]*ExternalCredential, error) {
	creds := []*ExternalCredential{}
	query := `SELECT * FROM external_credentials WHERE tenant_id = $1 ORDER BY provider ASC`
	err := r.db.Select(&creds, query, tenantID)
	return creds, err
}

// Events (append-only)

func (r *Repository) AppendEvent(e *LifecycleEvent) error {
	query := `
        INSERT INTO lifecycle_events (id, tenant_id, container_id, kind, detail, created_at)
        VALUES (:id, :tenant_id, :container_id, :kind, :detail, :created_at)`
	_, err := r.db.NamedExec(query, e)
	return err
}

func (r *Repository) ListEvents(limit int) ([]*LifecycleEvent, error) {
	events := []*LifecycleEvent{}
	query := `SELECT * FROM lifecycle_events ORDER BY created_at DESC LIMIT $1`
	err := r.db.Select(&events, query, limit)
	return events, err
}

// Alerts

func (r *Repository) CreateAlert(a *Alert) error {
	query := `
        INSERT INTO alerts (id, severity, message, tenant_id, resolved, created_at)
        VALUES (:id, :severity, :message, :tenant_id, :resolved, :created_at)`
	_, err := r.db.NamedExec(query, a)
	return err
}

func (r *Repository) ListAlerts(limit int, unresolvedOnly bool) ([]*Alert, error) {
	alerts := []*Alert{}
	query := `SELECT * FROM alerts`
	if unresolvedOnly {
		query += ` WHERE resolved = false`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`
	err := r.db.Select(&alerts, query, limit)
	return alerts, err
}

func (r *Repository) ResolveAlert(id string) error {
	query := `UPDATE alerts SET resolved = true, resolved_at = NOW() WHERE id = $1`
	res, err := r.db.Exec(query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNoRows
	}
	return err
}
