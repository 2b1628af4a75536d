package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/runtime"
)

// Runtime is the slice of the container manager the reconciler uses.
type Runtime interface {
	ListOwned(ctx context.Context) ([]runtime.OwnedContainer, error)
	InspectForSync(ctx context.Context, tenantID string) (*runtime.TenantSnapshot, error)
	RemoveByID(ctx context.Context, containerID string) error
}

// Store is the slice of the repository the reconciler uses.
type Store interface {
	GetTenantByCanonicalID(canonicalID string) (*db.Tenant, error)
	CreateTenant(t *db.Tenant) error
	UpsertCredential(c *db.ExternalCredential) error
	AppendEvent(e *db.LifecycleEvent) error
}

// Reconciler converges the persistent store and the container runtime
// after the two have drifted: adopt imports containers with no tenant
// row, prune removes them.
type Reconciler struct {
	rt     Runtime
	store  Store
	logger *zap.Logger

	// pruneLimiter spaces out removals so a store outage that makes every
	// tenant look orphaned cannot mass-delete the fleet in one pass.
	pruneLimiter *rate.Limiter
}

func NewReconciler(rt Runtime, store Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		rt:           rt,
		store:        store,
		logger:       logger,
		pruneLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Adopt scans owned containers and creates tenant rows for any that have
// none, reconstructing tenant state from container labels and
// environment. Returns how many tenants were adopted.
func (r *Reconciler) Adopt(ctx context.Context) (int, error) {
	owned, err := r.rt.ListOwned(ctx)
	if err != nil {
		return 0, fmt.Errorf("list owned containers: %w", err)
	}

	adopted := 0
	for _, c := range owned {
		if c.TenantID == "" {
			continue
		}

		_, err := r.store.GetTenantByCanonicalID(c.TenantID)
		if err == nil {
			continue
		}
		if !errors.Is(err, db.ErrNoRows) {
			return adopted, fmt.Errorf("lookup tenant %s: %w", c.TenantID, err)
		}

		if err := r.adoptOne(ctx, c); err != nil {
			// One bad container should not abort the whole sweep.
			r.logger.Error("Failed to adopt container",
				zap.String("tenant_id", c.TenantID),
				zap.String("container_id", shortID(c.ContainerID)),
				zap.Error(err),
			)
			continue
		}
		adopted++
	}

	if adopted > 0 {
		r.logger.Info("Adopted orphaned containers", zap.Int("count", adopted))
	}
	return adopted, nil
}

func (r *Reconciler) adoptOne(ctx context.Context, c runtime.OwnedContainer) error {
	snap, err := r.rt.InspectForSync(ctx, c.TenantID)
	if err != nil {
		return err
	}

	status := db.StatusStopped
	if c.State == "running" {
		status = db.StatusRunning
	}

	now := time.Now().UTC()
	tenant := &db.Tenant{
		CanonicalID:      snap.TenantID,
		DisplayName:      snap.TenantID,
		Plan:             snap.Plan,
		TelegramBotToken: snap.TelegramToken,
		ContainerID:      snap.ContainerID,
		ContainerName:    snap.ContainerName,
		ContainerStatus:  status,
		IsActive:         true,
		CreatedAt:        snap.CreatedAt,
		UpdatedAt:        now,
	}
	if snap.ModelAPIKey != "" {
		tenant.ModelAPIKey = &snap.ModelAPIKey
	}
	if snap.Port > 0 {
		tenant.ContainerPort = &snap.Port
	}

	if err := r.store.CreateTenant(tenant); err != nil {
		return fmt.Errorf("create tenant row: %w", err)
	}

	if snap.GitHubID != "" {
		cred := &db.ExternalCredential{
			TenantID:          tenant.ID,
			Provider:          db.ProviderGitHub,
			ProviderAccountID: snap.GitHubID,
			AccessToken:       snap.GitHubToken,
			TokenType:         "bearer",
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := r.store.UpsertCredential(cred); err != nil {
			return fmt.Errorf("restore github credential: %w", err)
		}
	}

	r.logger.Info("Adopted container",
		zap.String("tenant_id", snap.TenantID),
		zap.String("container_id", shortID(snap.ContainerID)),
		zap.String("plan", string(snap.Plan)),
	)

	return r.store.AppendEvent(&db.LifecycleEvent{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		ContainerID: snap.ContainerID,
		Kind:        db.EventAdopt,
		Detail:      "tenant reconstructed from container labels",
		CreatedAt:   now,
	})
}

// Prune removes owned containers whose tenant row no longer exists.
// Removal is destructive, so each candidate is re-verified against the
// store immediately before it goes. Returns how many were removed.
func (r *Reconciler) Prune(ctx context.Context) (int, error) {
	owned, err := r.rt.ListOwned(ctx)
	if err != nil {
		return 0, fmt.Errorf("list owned containers: %w", err)
	}

	pruned := 0
	for _, c := range owned {
		if c.TenantID == "" {
			continue
		}

		_, err := r.store.GetTenantByCanonicalID(c.TenantID)
		if err == nil {
			continue
		}
		if !errors.Is(err, db.ErrNoRows) {
			// Store trouble. Do not treat as orphaned.
			return pruned, fmt.Errorf("lookup tenant %s: %w", c.TenantID, err)
		}

		if err := r.pruneLimiter.Wait(ctx); err != nil {
			return pruned, err
		}

		if err := r.rt.RemoveByID(ctx, c.ContainerID); err != nil {
			r.logger.Error("Failed to prune container",
				zap.String("tenant_id", c.TenantID),
				zap.String("container_id", shortID(c.ContainerID)),
				zap.Error(err),
			)
			continue
		}

		r.logger.Warn("Pruned orphaned container",
			zap.String("tenant_id", c.TenantID),
			zap.String("container_id", shortID(c.ContainerID)),
		)

		_ = r.store.AppendEvent(&db.LifecycleEvent{
			ID:          uuid.NewString(),
			TenantID:    0,
			ContainerID: c.ContainerID,
			Kind:        db.EventPrune,
			Detail:      "container had no tenant row: " + c.TenantID,
			CreatedAt:   time.Now().UTC(),
		})
		pruned++
	}

	return pruned, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
