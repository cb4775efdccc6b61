package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/parlance/backend/internal/app"
	"github.com/parlance/backend/internal/config"
	"github.com/parlance/backend/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := app.Bootstrap(ctx, cfg, logger, app.Options{HTTP: true, Workers: cfg.RunWorkers})
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	logger.Info("starting API", "addr", cfg.HTTPAddr, "workers", cfg.RunWorkers)
	if err := a.Run(ctx); err != nil {
		logger.Error("API stopped with error", "error", err)
		cleanup()
		os.Exit(1)
	}
	logger.Info("API stopped")
}
