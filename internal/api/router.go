package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/alerts"
	"github.com/botpod/botpod/internal/api/handlers"
	"github.com/botpod/botpod/internal/api/middleware"
	"github.com/botpod/botpod/internal/config"
	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/reconcile"
	"github.com/botpod/botpod/internal/runtime"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
}

func NewServer(cfg *config.Config, repo *db.Repository, mgr *runtime.Manager, rec *reconcile.Reconciler, sink alerts.Sink, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Config: cfg,
		Router: router,
	}

	h := handlers.New(repo, mgr, rec, sink, cfg, logger)
	server.setupRoutes(h)
	return server
}

func (s *Server) setupRoutes(h *handlers.Handler) {
	// Health checks
	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Admin API (protected)
	api := s.Router.Group("/api/v1")
	api.Use(middleware.APIKey(s.Config.Server.AdminAPIKey))

	// Tenant routes
	{
		api.POST("/tenants", h.ProvisionTenant)
		api.GET("/tenants", h.ListTenants)
		api.GET("/tenants/:id", h.GetTenant)
		api.DELETE("/tenants/:id", h.DeleteTenant)
		api.POST("/tenants/:id/reactivate", h.ReactivateTenant)

		api.POST("/tenants/:id/start", h.StartContainer)
		api.POST("/tenants/:id/stop", h.StopContainer)
		api.POST("/tenants/:id/restart", h.RestartContainer)
		api.GET("/tenants/:id/status", h.ContainerStatus)
		api.GET("/tenants/:id/logs", h.ContainerLogs)
	}

	// Fleet routes
	admin := api.Group("/admin")
	{
		admin.GET("/status", h.Overview)
		admin.GET("/containers", h.ListContainers)
		admin.GET("/events", h.ListEvents)
		admin.GET("/alerts", h.ListAlerts)
		admin.POST("/alerts/:id/resolve", h.ResolveAlert)
		admin.POST("/adopt", h.Adopt)
		admin.POST("/prune", h.Prune)
	}
}
