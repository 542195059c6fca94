// Package api is the gateway's HTTP control plane. Handlers stay thin: each
// resolves the tenant's session through the Manager and reads or drives it.
package api

import (
	"go.uber.org/zap"

	"wagateway/internal/session"
	"wagateway/pkg/config"
	"wagateway/pkg/logger"
	"wagateway/pkg/openapi"
)

const (
	ServiceName = "wa-gateway"
	Version     = "1.0.0"
)

// App holds the shared dependencies of the control API.
type App struct {
	log  *zap.SugaredLogger
	mgr  *session.Manager
	cfg  config.Config
	docs *openapi.Registry
}

func New(log *zap.SugaredLogger, mgr *session.Manager, cfg config.Config) *App {
	if log == nil {
		log = logger.Nop()
	}
	a := &App{log: log, mgr: mgr, cfg: cfg, docs: openapi.NewRegistry()}
	a.describe()
	return a
}
