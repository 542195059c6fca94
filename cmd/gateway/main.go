// cmd/gateway/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"wagateway/internal/api"
	"wagateway/internal/audit"
	"wagateway/internal/authflow"
	"wagateway/internal/backend"
	"wagateway/internal/credentials"
	"wagateway/internal/metrics"
	"wagateway/internal/session"
	"wagateway/pkg/config"
	"wagateway/pkg/db"
	"wagateway/pkg/logger"
	"wagateway/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder audit.Recorder = audit.Noop{}
	if pool := db.MustConnect(cfg, log); pool != nil {
		defer pool.Close()
		if err := audit.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("audit schema", "err", err)
		}
		recorder = audit.New(pool, log)
	}

	opts := session.Options{Audit: recorder}
	if rdb := db.MustRedis(cfg, log); rdb != nil {
		defer func() { _ = rdb.Close() }()
		opts.Locker = session.NewRedisLocker(rdb, 2*time.Minute)
		opts.Mirror = session.NewRedisMirror(rdb)
	}

	fs := afero.NewOsFs()
	store, err := credentials.NewStore(fs, cfg.AuthDir, log)
	if err != nil {
		log.Fatalw("credential store", "dir", cfg.AuthDir, "err", err)
	}
	rules, err := authflow.LoadRules(fs, cfg.PhoneRulesFile)
	if err != nil {
		log.Fatalw("phone rules", "file", cfg.PhoneRulesFile, "err", err)
	}

	opts.Dialer = backend.NewWhatsmeowDialer(log, cfg.MediaMaxBytes)
	opts.Store = store
	opts.Auth = authflow.NewController(rules, cfg.PairingAttemptTTL, log)
	opts.Log = log
	opts.MaxRetries = cfg.MaxRetries
	opts.ReconnectDelay = cfg.ReconnectDelay
	opts.EraseGrace = cfg.EraseGrace
	mgr := session.NewManager(opts)

	collector := metrics.NewCollector(mgr, 15*time.Second)
	go collector.Start(ctx)

	if cfg.RestoreOnStartup {
		go mgr.Restore(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(log, mgr, cfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("wa-gateway listening", "addr", cfg.HTTPAddr, "auth_dir", store.Root(), "auth", cfg.AuthEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	<-ctx.Done()
	log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	collector.Stop()
	mgr.Shutdown(shutdownCtx)
	if err := recorder.Close(shutdownCtx); err != nil {
		log.Warnw("audit flush", "err", err)
	}
	if err := middleware.ShutdownTracing(shutdownCtx); err != nil {
		log.Warnw("tracing shutdown", "err", err)
	}
	log.Infow("wa-gateway stopped")
}
