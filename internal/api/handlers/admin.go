package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/db"
)

// Overview summarizes fleet state for the admin dashboard.
func (h *Handler) Overview(c *gin.Context) {
	tenants, err := h.repo.ListTenants()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tenants"})
		return
	}

	byStatus := map[db.ContainerStatus]int{}
	byPlan := map[string]int{}
	active := 0
	for _, t := range tenants {
		byStatus[t.ContainerStatus]++
		byPlan[string(t.Plan)]++
		if t.IsActive {
			active++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"tenants":   len(tenants),
		"active":    active,
		"by_status": byStatus,
		"by_plan":   byPlan,
		"capacity":  h.cfg.Runtime.MaxTenants,
	})
}

// ListContainers exposes the raw runtime view, including containers the
// store does not know about.
func (h *Handler) ListContainers(c *gin.Context) {
	owned, err := h.mgr.ListOwned(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list containers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"containers": owned,
		"count":      len(owned),
	})
}

func (h *Handler) ListEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := h.repo.ListEvents(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (h *Handler) ListAlerts(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	unresolvedOnly := c.Query("unresolved") == "true"

	alerts, err := h.repo.ListAlerts(limit, unresolvedOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (h *Handler) ResolveAlert(c *gin.Context) {
	id := c.Param("id")
	err := h.repo.ResolveAlert(id)
	if errors.Is(err, db.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve alert"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": id})
}

// Adopt triggers a reconciliation sweep that imports containers with no
// tenant row.
func (h *Handler) Adopt(c *gin.Context) {
	adopted, err := h.rec.Adopt(c.Request.Context())
	if err != nil {
		h.logger.Error("Adopt sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Adopt sweep failed", "adopted": adopted})
		return
	}
	c.JSON(http.StatusOK, gin.H{"adopted": adopted})
}

// Prune removes containers whose tenant row is gone. Destructive, so it
// is never implicit on the API side: only this explicit call runs it.
func (h *Handler) Prune(c *gin.Context) {
	pruned, err := h.rec.Prune(c.Request.Context())
	if err != nil {
		h.logger.Error("Prune sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Prune sweep failed", "pruned": pruned})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pruned": pruned})
}
