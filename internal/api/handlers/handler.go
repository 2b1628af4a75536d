package handlers

import (
	"go.uber.org/zap"

	"github.com/botpod/botpod/internal/alerts"
	"github.com/botpod/botpod/internal/config"
	"github.com/botpod/botpod/internal/db"
	"github.com/botpod/botpod/internal/identity"
	"github.com/botpod/botpod/internal/reconcile"
	"github.com/botpod/botpod/internal/runtime"
)

type Handler struct {
	repo     *db.Repository
	mgr      *runtime.Manager
	resolver *identity.Resolver
	rec      *reconcile.Reconciler
	sink     alerts.Sink
	cfg      *config.Config
	logger   *zap.Logger
}

func New(repo *db.Repository, mgr *runtime.Manager, rec *reconcile.Reconciler, sink alerts.Sink, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		repo:     repo,
		mgr:      mgr,
		resolver: identity.NewResolver(repo),
		rec:      rec,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
	}
}
