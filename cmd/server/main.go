package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kb-chat/internal/app"
	"kb-chat/internal/config"
	"kb-chat/internal/logging"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, version, logger)
	if err != nil {
		logger.Error("failed to build service", zap.Error(err))
		return err
	}
	defer func() { _ = a.Close() }()

	// No write timeout: chat responses stream for as long as generation runs.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	sched, err := a.ScheduleReconcile(gctx, cfg.ReconcileSchedule, logger.Named("cron"))
	if err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	if sched != nil {
		sched.Start()
		logger.Info("reconciliation scheduled", zap.String("schedule", cfg.ReconcileSchedule))
		g.Go(func() error {
			<-gctx.Done()
			<-sched.Stop().Done()
			return nil
		})
	}

	return g.Wait()
}
