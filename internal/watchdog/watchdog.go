package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/alerts"
	"github.com/botpod/botpod/internal/config"
	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/metrics"
	"github.com/botpod/botpod/internal/runtime"
)

// ContainerManager is the slice of the runtime manager the watchdog uses.
type ContainerManager interface {
	Status(ctx context.Context, tenantID string) (*runtime.Status, error)
	Start(ctx context.Context, tenantID string) error
	Restart(ctx context.Context, tenantID string) error
}

// Store is the slice of the repository the watchdog uses.
type Store interface {
	ListActiveTenants() ([]*db.Tenant, error)
	SetContainerStatus(tenantID int64, status db.ContainerStatus) error
	IncrementRestartCount(tenantID int64) error
	TouchHealthCheck(tenantID int64, at time.Time) error
	Deactivate(tenantID int64) error
	AppendEvent(e *db.LifecycleEvent) error
	CreateAlert(a *db.Alert) error
}

// Pruner removes containers with no tenant row. Optional.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// Watchdog polls every active tenant's container and restarts unhealthy
// ones, escalating to deactivation when restarts stop helping. Passes are
// strictly sequential: the next one starts a full interval after the
// previous one finished, so passes never overlap no matter how slow the
// runtime is.
type Watchdog struct {
	mgr    ContainerManager
	store  Store
	sink   alerts.Sink
	pruner Pruner
	coll   *metrics.Collector
	cfg    config.WatchdogConfig
	logger *zap.Logger

	// attempts counts consecutive failed health checks per tenant. Held
	// in memory only: a watchdog restart resets the counters, which at
	// worst grants a failing tenant one extra round of restarts.
	attempts map[int64]int
	cycles   int
}

func New(mgr ContainerManager, store Store, sink alerts.Sink, pruner Pruner, coll *metrics.Collector, cfg config.WatchdogConfig, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		mgr:      mgr,
		store:    store,
		sink:     sink,
		pruner:   pruner,
		coll:     coll,
		cfg:      cfg,
		logger:   logger,
		attempts: make(map[int64]int),
	}
}

// Run blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("Watchdog started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("max_restart_attempts", w.cfg.MaxRestartAttempts),
		zap.Bool("prune_enabled", w.cfg.PruneEnabled),
	)
	w.sink.Notify(db.SeverityInfo, fmt.Sprintf("Watchdog started (interval %s)", w.cfg.Interval))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watchdog stopping")
			return
		case <-timer.C:
		}

		w.pass(ctx)
		timer.Reset(w.cfg.Interval)
	}
}

// pass runs one full sweep over all active tenants.
func (w *Watchdog) pass(ctx context.Context) {
	start := time.Now()

	tenants, err := w.store.ListActiveTenants()
	if err != nil {
		w.logger.Error("Failed to list active tenants", zap.Error(err))
		return
	}
	w.coll.ActiveTenants.Set(float64(len(tenants)))

	running := 0
	for _, t := range tenants {
		if ctx.Err() != nil {
			return
		}
		if w.checkTenant(ctx, t) {
			running++
		}
	}
	w.coll.RunningContainers.Set(float64(running))
	w.coll.CycleDuration.Observe(time.Since(start).Seconds())

	w.cycles++
	if w.cfg.PruneEnabled && w.pruner != nil && w.cfg.PruneEveryCycles > 0 && w.cycles%w.cfg.PruneEveryCycles == 0 {
		pruned, err := w.pruner.Prune(ctx)
		if err != nil {
			w.logger.Error("Prune pass failed", zap.Error(err))
		}
		if pruned > 0 {
			w.coll.PrunedTotal.Add(float64(pruned))
			w.sink.Notify(db.SeverityWarning, fmt.Sprintf("Pruned %d orphaned container(s)", pruned))
		}
	}

	w.logger.Debug("Watchdog pass complete",
		zap.Int("tenants", len(tenants)),
		zap.Int("running", running),
		zap.Duration("took", time.Since(start)),
	)
}

// checkTenant inspects one tenant and applies the restart policy.
// Reports whether the container was observed running and healthy.
func (w *Watchdog) checkTenant(ctx context.Context, t *db.Tenant) bool {
	w.coll.ChecksTotal.Inc()

	// The timestamp records that a check happened, not its outcome, so it
	// moves every cycle even when the container is gone or the runtime is
	// down.
	if err := w.store.TouchHealthCheck(t.ID, time.Now().UTC()); err != nil {
		w.logger.Error("Failed to record health check", zap.Int64("tenant", t.ID), zap.Error(err))
	}

	st, err := w.mgr.Status(ctx, t.CanonicalID)
	if errors.Is(err, runtime.ErrNotFound) {
		// Vanished container. Record it; recreation is an operator call.
		if serr := w.store.SetContainerStatus(t.ID, db.StatusNotFound); serr != nil {
			w.logger.Error("Failed to persist status", zap.Int64("tenant", t.ID), zap.Error(serr))
		}
		w.sink.Notify(db.SeverityWarning,
			fmt.Sprintf("Container for tenant %s not found", t.CanonicalID))
		return false
	}
	if err != nil {
		// Runtime trouble is not the tenant's fault: no attempt counted.
		w.logger.Error("Health check failed",
			zap.String("tenant_id", t.CanonicalID),
			zap.Error(err),
		)
		return false
	}

	if st.Running && st.Healthy {
		if w.attempts[t.ID] > 0 {
			w.logger.Info("Tenant recovered",
				zap.String("tenant_id", t.CanonicalID),
				zap.Int("after_attempts", w.attempts[t.ID]),
			)
			delete(w.attempts, t.ID)
		}
		if err := w.store.SetContainerStatus(t.ID, db.StatusRunning); err != nil {
			w.logger.Error("Failed to persist status", zap.Int64("tenant", t.ID), zap.Error(err))
		}
		return true
	}

	w.attempts[t.ID]++
	if w.attempts[t.ID] >= w.cfg.MaxRestartAttempts {
		w.escalate(t, st)
		return false
	}

	w.restart(ctx, t, st)
	return false
}

// restart issues the recovery action: a plain start for exited
// containers, a restart for running-but-unhealthy ones.
func (w *Watchdog) restart(ctx context.Context, t *db.Tenant, st *runtime.Status) {
	attempt := w.attempts[t.ID]
	w.logger.Warn("Container unhealthy, attempting recovery",
		zap.String("tenant_id", t.CanonicalID),
		zap.String("state", st.State),
		zap.String("health", st.Health),
		zap.Int("attempt", attempt),
		zap.Int("max", w.cfg.MaxRestartAttempts),
	)

	var err error
	if st.State == "exited" {
		err = w.mgr.Start(ctx, t.CanonicalID)
	} else {
		err = w.mgr.Restart(ctx, t.CanonicalID)
	}
	if err != nil {
		w.logger.Error("Recovery action failed",
			zap.String("tenant_id", t.CanonicalID),
			zap.Error(err),
		)
		return
	}

	w.coll.RestartsTotal.Inc()
	if err := w.store.IncrementRestartCount(t.ID); err != nil {
		w.logger.Error("Failed to bump restart count", zap.Int64("tenant", t.ID), zap.Error(err))
	}
	if err := w.store.SetContainerStatus(t.ID, db.StatusRestarting); err != nil {
		w.logger.Error("Failed to persist status", zap.Int64("tenant", t.ID), zap.Error(err))
	}
	_ = w.store.AppendEvent(&db.LifecycleEvent{
		ID:          uuid.NewString(),
		TenantID:    t.ID,
		ContainerID: t.ContainerID,
		Kind:        db.EventAutoRestart,
		Detail:      fmt.Sprintf("attempt %d/%d, state=%s health=%s", attempt, w.cfg.MaxRestartAttempts, st.State, st.Health),
		CreatedAt:   time.Now().UTC(),
	})

	w.sink.Notify(db.SeverityWarning,
		fmt.Sprintf("Restarted container for tenant %s (attempt %d/%d)", t.CanonicalID, attempt, w.cfg.MaxRestartAttempts))
}

// escalate gives up on a tenant: deactivate so the loop stops burning
// restarts on it, persist a critical alert, and page the operator.
func (w *Watchdog) escalate(t *db.Tenant, st *runtime.Status) {
	w.logger.Error("Max restart attempts exhausted, deactivating tenant",
		zap.String("tenant_id", t.CanonicalID),
		zap.Int("attempts", w.cfg.MaxRestartAttempts),
	)

	if err := w.store.Deactivate(t.ID); err != nil {
		w.logger.Error("Failed to deactivate tenant", zap.Int64("tenant", t.ID), zap.Error(err))
		return
	}
	delete(w.attempts, t.ID)
	w.coll.Escalations.Inc()

	now := time.Now().UTC()
	msg := fmt.Sprintf("Tenant %s deactivated after %d failed restart attempts (state=%s health=%s)",
		t.CanonicalID, w.cfg.MaxRestartAttempts, st.State, st.Health)

	tenantID := t.ID
	if err := w.store.CreateAlert(&db.Alert{
		ID:        uuid.NewString(),
		Severity:  db.SeverityCritical,
		Message:   msg,
		TenantID:  &tenantID,
		CreatedAt: now,
	}); err != nil {
		w.logger.Error("Failed to persist alert", zap.Error(err))
	}
	_ = w.store.AppendEvent(&db.LifecycleEvent{
		ID:          uuid.NewString(),
		TenantID:    t.ID,
		ContainerID: t.ContainerID,
		Kind:        db.EventMaxRestarts,
		Detail:      msg,
		CreatedAt:   now,
	})

	w.sink.Notify(db.SeverityCritical, msg)
}
