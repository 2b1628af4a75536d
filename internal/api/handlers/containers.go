package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/runtime"
)

// containerAction runs one lifecycle verb and records the matching event.
func (h *Handler) containerAction(c *gin.Context, kind db.EventKind, status db.ContainerStatus, action func(tenantID string) error) {
	tenant, ok := h.lookupTenant(c)
	if !ok {
		return
	}

	if err := action(tenant.CanonicalID); err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			_ = h.repo.SetContainerStatus(tenant.ID, db.StatusNotFound)
			c.JSON(http.StatusNotFound, gin.H{"error": "Container not found"})
			return
		}
		h.logger.Error("Container action failed",
			zap.String("tenant_id", tenant.CanonicalID),
			zap.String("action", string(kind)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Container action failed"})
		return
	}

	_ = h.repo.SetContainerStatus(tenant.ID, status)
	_ = h.repo.AppendEvent(&db.LifecycleEvent{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		ContainerID: tenant.ContainerID,
		Kind:        kind,
		Detail:      "requested via API",
		CreatedAt:   time.Now().UTC(),
	})

	c.JSON(http.StatusOK, gin.H{"tenant": tenant.CanonicalID, "action": string(kind)})
}

func (h *Handler) StartContainer(c *gin.Context) {
	h.containerAction(c, db.EventStart, db.StatusRunning, func(id string) error {
		return h.mgr.Start(c.Request.Context(), id)
	})
}

func (h *Handler) StopContainer(c *gin.Context) {
	h.containerAction(c, db.EventStop, db.StatusStopped, func(id string) error {
		return h.mgr.Stop(c.Request.Context(), id)
	})
}

func (h *Handler) RestartContainer(c *gin.Context) {
	h.containerAction(c, db.EventRestart, db.StatusRunning, func(id string) error {
		return h.mgr.Restart(c.Request.Context(), id)
	})
}

// ContainerStatus reports the live container view next to the persisted
// tenant record.
func (h *Handler) ContainerStatus(c *gin.Context) {
	tenant, ok := h.lookupTenant(c)
	if !ok {
		return
	}

	st, err := h.mgr.Status(c.Request.Context(), tenant.CanonicalID)
	if errors.Is(err, runtime.ErrNotFound) {
		_ = h.repo.SetContainerStatus(tenant.ID, db.StatusNotFound)
		c.JSON(http.StatusOK, gin.H{
			"tenant": tenant,
			"container": gin.H{
				"state": string(db.StatusNotFound),
			},
		})
		return
	}
	if err != nil {
		h.logger.Error("Status check failed",
			zap.String("tenant_id", tenant.CanonicalID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to inspect container"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant": tenant,
		"container": gin.H{
			"state":           st.State,
			"running":         st.Running,
			"health":          st.Health,
			"healthy":         st.Healthy,
			"connectivity":    string(st.Connectivity),
			"memory_usage_mb": st.MemoryUsageMB,
			"memory_percent":  st.MemoryPercent,
			"restart_count":   st.RestartCount,
			"started_at":      st.StartedAt,
			"uptime_seconds":  int64(st.Uptime.Seconds()),
			"bot_identity":    st.BotIdentity,
		},
	})
}

func (h *Handler) ContainerLogs(c *gin.Context) {
	tenant, ok := h.lookupTenant(c)
	if !ok {
		return
	}

	tail := 100
	if raw := c.Query("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 5000 {
			tail = n
		}
	}

	logs, err := h.mgr.Logs(c.Request.Context(), tenant.CanonicalID, tail)
	if errors.Is(err, runtime.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Container not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant": tenant.CanonicalID,
		"tail":   tail,
		"logs":   logs,
	})
}
