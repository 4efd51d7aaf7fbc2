// Package main provides the HTTP API server for dishcapture.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/raphaelgruber/dishcapture/internal/app"
	"github.com/raphaelgruber/dishcapture/internal/config"
	"github.com/raphaelgruber/dishcapture/internal/server"
)

func main() {
	// Parse flags
	listen := flag.String("listen", "", "listen address (overrides DISHCAPTURE_LISTEN_ADDR)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	logger.Info("starting dishcapture-server", "addr", cfg.ListenAddr, "storage", cfg.StorageBackend, "ledger", cfg.LedgerBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.New(initCtx, cfg, logger, app.Engines{})
	cancel()
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Error("failed to close", "error", err)
		}
	}()

	// Reconcile dishes left pending by earlier runs.
	go func() {
		report, err := a.Pipeline.Reconcile(ctx)
		if err != nil {
			logger.Warn("startup reconcile failed", "error", err)
			return
		}
		logger.Info("startup reconcile finished",
			"checked", report.Checked,
			"reconciled", report.Reconciled,
			"failed", report.Failed,
			"dropped", report.Dropped)
	}()

	srv := server.New(server.Deps{
		Pipeline: a.Pipeline,
		Ledger:   a.Ledger,
		Dishes:   a.Catalog,
		Metrics:  a.Metrics,
		Logger:   logger.With("component", "http"),
	})
	if err := srv.Run(ctx, cfg.ListenAddr); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
