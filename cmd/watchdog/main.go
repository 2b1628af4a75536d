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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/alerts"
	"github.com/botpod/botpod/internal/config"
	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/metrics"
	"github.com/botpod/botpod/internal/reconcile"
	"github.com/botpod/botpod/internal/runtime"
	"github.com/botpod/botpod/internal/watchdog"
	"github.com/botpod/botpod/internal/workspace"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	logger, err := zap.NewProduction()
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
	coll := metrics.NewCollector(prometheus.DefaultRegisterer)

	wd := watchdog.New(mgr, repo, sink, rec, coll, cfg.Watchdog, logger)

	// Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.Watchdog.MetricsPort,
		Handler: mux,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()
	logger.Info("Metrics server started", zap.String("port", cfg.Watchdog.MetricsPort))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		wd.Run(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down watchdog...")
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server forced to shutdown", zap.Error(err))
	}

	logger.Info("Watchdog exited")
}
