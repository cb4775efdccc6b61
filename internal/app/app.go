// Package app runs the process's long-lived servers until the context ends.
package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Server is a long-running component. Start blocks until the server stops or fails.
type Server interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

const defaultShutdownTimeout = 30 * time.Second

type App struct {
	servers         []Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

func New(logger *slog.Logger, servers ...Server) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{servers: servers, shutdownTimeout: defaultShutdownTimeout, logger: logger}
}

// Run starts every server and stops all of them when ctx ends or any one fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range a.servers {
		g.Go(func() error {
			a.logger.Info("server starting", "server", srv.Name())
			return srv.Start(gctx)
		})
	}

	<-gctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout)
	defer cancel()
	for i := len(a.servers) - 1; i >= 0; i-- {
		srv := a.servers[i]
		if err := srv.Stop(stopCtx); err != nil {
			a.logger.Error("server stop failed", "server", srv.Name(), "error", err)
			continue
		}
		a.logger.Info("server stopped", "server", srv.Name())
	}

	return g.Wait()
}
