package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/alerts"
	"github.com/botpod/botpod/internal/api"
	"github.com/botpod/botpod/internal/config"
	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/reconcile"
	"github.com/botpod/botpod/internal/runtime"
	"github.com/botpod/botpod/internal/workspace"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	logger, err := newLogger(cfg.Server.Mode)
	if err != nil {
		log.Fatal("Failed to init logger: ", err)
	}
	defer logger.Sync()

	// Database
	conn, err := db.NewConnection(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer conn.Close()

	if err := db.Migrate(conn); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	repo := db.NewRepository(conn)

	// Container runtime
	ws := workspace.NewProvisioner(cfg.Workspace, cfg.Runtime.ContainerUID, cfg.Runtime.ContainerGID, nil, logger)
	mgr, err := runtime.NewManager(cfg.Runtime, cfg.Plans, ws, logger)
	if err != nil {
		logger.Fatal("Failed to connect to container runtime", zap.Error(err))
	}

	sink, err := alerts.NewSink(cfg.Alerts, logger)
	if err != nil {
		logger.Fatal("Failed to init alert sink", zap.Error(err))
	}

	rec := reconcile.NewReconciler(mgr, repo, logger)

	// Import containers that survived a database reset before serving.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if adopted, err := rec.Adopt(ctx); err != nil {
			logger.Error("Startup adopt pass failed", zap.Error(err))
		} else if adopted > 0 {
			logger.Info("Startup adopt pass complete", zap.Int("adopted", adopted))
		}
		cancel()
	}

	// API Server
	server := api.NewServer(cfg, repo, mgr, rec, sink, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "release" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
