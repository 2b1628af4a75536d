package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/config"
	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/identity"
	"github.com/botpod/botpod/internal/runtime"
)

type ProvisionRequest struct {
	ProviderAccountID string `json:"provider_account_id"`
	Provider          string `json:"provider"`
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token"`
	LegacyID          string `json:"legacy_id"`
	Email             string `json:"email"`
	DisplayName       string `json:"display_name"`
	Plan              string `json:"plan"`
	TelegramBotToken  string `json:"telegram_bot_token"`
	ModelAPIKey       string `json:"model_api_key"`
	CustomRules       string `json:"custom_rules"`
}

// ProvisionTenant is the single entry point for onboarding: it creates
// the tenant on first call and converges an existing one on every call
// after, so the upstream signup flow can retry freely.
func (h *Handler) ProvisionTenant(c *gin.Context) {
	var req ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hints := identity.Hints{
		ProviderAccountID: req.ProviderAccountID,
		LegacyID:          req.LegacyID,
		Email:             req.Email,
	}
	canonical, err := hints.Canonical()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "At least one of provider_account_id, legacy_id or email is required"})
		return
	}

	if req.Plan != "" && !h.cfg.Plans.Valid(config.PlanName(req.Plan)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown plan: " + req.Plan})
		return
	}
	if req.Provider != "" && !validProvider(req.Provider) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown provider: " + req.Provider})
		return
	}

	tenant, err := h.resolver.Resolve(hints)
	switch {
	case err == nil:
		h.updateExisting(c, tenant, req)
	case errors.Is(err, db.ErrNoRows):
		h.provisionNew(c, canonical, req)
	default:
		h.logger.Error("Tenant resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve tenant"})
	}
}

func validProvider(p string) bool {
	switch db.Provider(p) {
	case db.ProviderGitHub, db.ProviderGoogle, db.ProviderWordPress:
		return true
	}
	return false
}

func (h *Handler) provisionNew(c *gin.Context, canonical string, req ProvisionRequest) {
	if req.TelegramBotToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "telegram_bot_token is required for a new tenant"})
		return
	}

	count, err := h.repo.CountTenants()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check capacity"})
		return
	}
	if count >= h.cfg.Runtime.MaxTenants {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Tenant capacity reached"})
		return
	}

	port, err := h.allocatePort()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No host ports available"})
		return
	}

	plan := config.PlanName(req.Plan)
	if req.Plan == "" {
		plan = config.PlanFree
	}
	display := req.DisplayName
	if display == "" {
		display = canonical
	}

	now := time.Now().UTC()
	tenant := &db.Tenant{
		CanonicalID:      canonical,
		DisplayName:      display,
		Plan:             plan,
		TelegramBotToken: req.TelegramBotToken,
		ContainerStatus:  db.StatusStopped,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Email != "" {
		tenant.Email = &req.Email
	}
	if req.ModelAPIKey != "" {
		tenant.ModelAPIKey = &req.ModelAPIKey
	}
	if req.CustomRules != "" {
		tenant.CustomRules = &req.CustomRules
	}

	if err := h.repo.CreateTenant(tenant); err != nil {
		h.logger.Error("Failed to create tenant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create tenant"})
		return
	}

	if err := h.upsertCredential(tenant.ID, req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store credential"})
		return
	}

	spec, err := h.buildCreateSpec(tenant, port)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load credentials"})
		return
	}

	res, err := h.mgr.Create(c.Request.Context(), spec)
	if err != nil {
		_ = h.repo.SetContainerStatus(tenant.ID, db.StatusError)
		h.logger.Error("Container provisioning failed",
			zap.String("tenant_id", canonical), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to provision container"})
		return
	}

	_ = h.repo.SetContainerBinding(tenant.ID, res.ContainerID, res.ContainerName, res.Port)
	_ = h.repo.SetContainerStatus(tenant.ID, db.StatusRunning)
	_ = h.repo.AppendEvent(&db.LifecycleEvent{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		ContainerID: res.ContainerID,
		Kind:        db.EventCreate,
		Detail:      "provisioned on plan " + string(plan),
		CreatedAt:   time.Now().UTC(),
	})

	h.sink.Notify(db.SeverityInfo, "Provisioned tenant "+canonical+" on plan "+string(plan))

	created, err := h.repo.GetTenantByID(tenant.ID)
	if err != nil {
		c.JSON(http.StatusCreated, tenant)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// updateExisting converges an existing tenant toward the request. The
// container is recreated only when something it bakes into the
// environment changed; otherwise create just ensures it is running.
func (h *Handler) updateExisting(c *gin.Context, tenant *db.Tenant, req ProvisionRequest) {
	creds, err := h.repo.CredentialsByTenant(tenant.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load credentials"})
		return
	}

	planChanged := req.Plan != "" && config.PlanName(req.Plan) != tenant.Plan
	tokenChanged := req.TelegramBotToken != "" && req.TelegramBotToken != tenant.TelegramBotToken
	credsChanged := credentialChanged(db.NewConnections(creds), req)
	recreate := planChanged || tokenChanged || credsChanged

	if req.DisplayName != "" {
		tenant.DisplayName = req.DisplayName
	}
	if req.Email != "" {
		tenant.Email = &req.Email
	}
	if req.Plan != "" {
		tenant.Plan = config.PlanName(req.Plan)
	}
	if req.TelegramBotToken != "" {
		tenant.TelegramBotToken = req.TelegramBotToken
	}
	if req.ModelAPIKey != "" {
		tenant.ModelAPIKey = &req.ModelAPIKey
	}
	if req.CustomRules != "" {
		tenant.CustomRules = &req.CustomRules
	}
	tenant.IsActive = true

	if err := h.repo.UpdateTenant(tenant); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update tenant"})
		return
	}

	if err := h.upsertCredential(tenant.ID, req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store credential"})
		return
	}

	port := 0
	if tenant.ContainerPort != nil {
		port = *tenant.ContainerPort
	}
	if port == 0 {
		p, err := h.allocatePort()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No host ports available"})
			return
		}
		port = p
	}

	spec, err := h.buildCreateSpec(tenant, port)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load credentials"})
		return
	}

	ctx := c.Request.Context()
	if recreate {
		if err := h.mgr.Delete(ctx, tenant.CanonicalID, false); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			h.logger.Error("Failed to remove container for recreate", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to replace container"})
			return
		}
	}

	res, err := h.mgr.Create(ctx, spec)
	if err != nil {
		_ = h.repo.SetContainerStatus(tenant.ID, db.StatusError)
		h.logger.Error("Container provisioning failed",
			zap.String("tenant_id", tenant.CanonicalID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to provision container"})
		return
	}

	_ = h.repo.SetContainerBinding(tenant.ID, res.ContainerID, res.ContainerName, res.Port)
	_ = h.repo.SetContainerStatus(tenant.ID, db.StatusRunning)

	if recreate {
		kind := db.EventRestart
		detail := "recreated with updated configuration"
		if planChanged {
			kind = db.EventUpgrade
			detail = "plan changed to " + string(tenant.Plan)
		}
		_ = h.repo.AppendEvent(&db.LifecycleEvent{
			ID:          uuid.NewString(),
			TenantID:    tenant.ID,
			ContainerID: res.ContainerID,
			Kind:        kind,
			Detail:      detail,
			CreatedAt:   time.Now().UTC(),
		})
	}

	updated, err := h.repo.GetTenantByID(tenant.ID)
	if err != nil {
		c.JSON(http.StatusOK, tenant)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) upsertCredential(tenantID int64, req ProvisionRequest) error {
	if req.ProviderAccountID == "" {
		return nil
	}
	return h.repo.UpsertCredential(credentialFromRequest(tenantID, req, time.Now().UTC()))
}

// credentialFromRequest builds the credential row the upsert persists.
// An empty access token keeps the stored one; the upsert's CASE/COALESCE
// clauses handle that on the SQL side.
func credentialFromRequest(tenantID int64, req ProvisionRequest, now time.Time) *db.ExternalCredential {
	cred := &db.ExternalCredential{
		TenantID:          tenantID,
		Provider:          requestProvider(req),
		ProviderAccountID: req.ProviderAccountID,
		AccessToken:       req.AccessToken,
		TokenType:         "bearer",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.RefreshToken != "" {
		cred.RefreshToken = &req.RefreshToken
	}
	return cred
}

func requestProvider(req ProvisionRequest) db.Provider {
	if req.Provider == "" {
		return db.ProviderGitHub
	}
	return db.Provider(req.Provider)
}

// credentialChanged reports whether the request carries credential input
// the container environment does not already reflect. Repeating the
// stored account id is not a change, so idempotent retries do not churn
// the container.
func credentialChanged(existing db.Connections, req ProvisionRequest) bool {
	if req.ProviderAccountID == "" {
		return false
	}
	cur, ok := existing[requestProvider(req)]
	if !ok {
		return true
	}
	if cur.ProviderAccountID != req.ProviderAccountID {
		return true
	}
	return req.AccessToken != "" && req.AccessToken != cur.AccessToken
}

// buildCreateSpec assembles the container spec from persisted tenant
// state plus linked credentials.
func (h *Handler) buildCreateSpec(tenant *db.Tenant, port int) (runtime.CreateSpec, error) {
	creds, err := h.repo.CredentialsByTenant(tenant.ID)
	if err != nil {
		return runtime.CreateSpec{}, err
	}

	plan, _ := h.cfg.Plans.Get(tenant.Plan)

	spec := runtime.CreateSpec{
		TenantID:       tenant.CanonicalID,
		Plan:           tenant.Plan,
		Port:           port,
		TelegramToken:  tenant.TelegramBotToken,
		EnabledPlugins: pluginsFromFeatures(plan.Features),
		Connections:    db.NewConnections(creds),
	}
	if tenant.ModelAPIKey != nil {
		spec.ModelAPIKey = *tenant.ModelAPIKey
	}
	if tenant.CustomRules != nil {
		spec.CustomRules = *tenant.CustomRules
	}
	return spec, nil
}

// pluginsFromFeatures maps plan entitlements onto plugin directory
// names: the "_plugin" suffix marks a feature that ships as a plugin.
func pluginsFromFeatures(features []string) []string {
	plugins := make([]string, 0, len(features))
	for _, f := range features {
		if name, ok := strings.CutSuffix(f, "_plugin"); ok {
			plugins = append(plugins, name)
		}
	}
	return plugins
}

// allocatePort picks the lowest free host port in the configured range.
func (h *Handler) allocatePort() (int, error) {
	used, err := h.repo.UsedPorts()
	if err != nil {
		return 0, err
	}
	return lowestFreePort(used, h.cfg.Runtime.BasePort, h.cfg.Runtime.MaxTenants)
}

func lowestFreePort(used map[int]bool, base, capacity int) (int, error) {
	for p := base; p < base+capacity; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, runtime.ErrResourceExhausted
}

func (h *Handler) ListTenants(c *gin.Context) {
	tenants, err := h.repo.ListTenants()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tenants"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenants": tenants,
		"count":   len(tenants),
	})
}

// lookupTenant resolves the :id path param, which may be a numeric row
// id, a canonical identifier, or a raw provider account id known only to
// the credentials table.
func (h *Handler) lookupTenant(c *gin.Context) (*db.Tenant, bool) {
	param := c.Param("id")

	var tenant *db.Tenant
	var err error
	if id, perr := strconv.ParseInt(param, 10, 64); perr == nil {
		tenant, err = h.repo.GetTenantByID(id)
	}
	// Provider account ids are often numeric too, so a row-id miss still
	// falls through to the identity lookup.
	if tenant == nil && (err == nil || errors.Is(err, db.ErrNoRows)) {
		tenant, err = h.resolver.Resolve(identity.Hints{ProviderAccountID: param})
	}
	if errors.Is(err, db.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Tenant not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get tenant"})
		return nil, false
	}
	return tenant, true
}

func (h *Handler) GetTenant(c *gin.Context) {
	tenant, ok := h.lookupTenant(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, tenant)
}

func (h *Handler) DeleteTenant(c *gin.Context) {
	tenant, ok := h.lookupTenant(c)
	if !ok {
		return
	}
	removeData := c.Query("remove_data") == "true"

	err := h.mgr.Delete(c.Request.Context(), tenant.CanonicalID, removeData)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		h.logger.Error("Failed to remove container",
			zap.String("tenant_id", tenant.CanonicalID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove container"})
		return
	}

	if err := h.repo.DeleteTenant(tenant.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete tenant"})
		return
	}

	_ = h.repo.AppendEvent(&db.LifecycleEvent{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		ContainerID: tenant.ContainerID,
		Kind:        db.EventDelete,
		Detail:      "remove_data=" + strconv.FormatBool(removeData),
		CreatedAt:   time.Now().UTC(),
	})
	h.sink.Notify(db.SeverityInfo, "Deleted tenant "+tenant.CanonicalID)

	c.JSON(http.StatusOK, gin.H{"deleted": tenant.CanonicalID, "data_removed": removeData})
}

// ReactivateTenant puts a deactivated tenant back under watchdog care.
func (h *Handler) ReactivateTenant(c *gin.Context) {
	tenant, ok := h.lookupTenant(c)
	if !ok {
		return
	}

	if err := h.repo.Reactivate(tenant.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reactivate tenant"})
		return
	}

	if err := h.mgr.Start(c.Request.Context(), tenant.CanonicalID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		h.logger.Warn("Reactivated tenant but container start failed",
			zap.String("tenant_id", tenant.CanonicalID), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"reactivated": tenant.CanonicalID})
}
