package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// HTTPServer adapts *http.Server.
type HTTPServer struct {
	srv *http.Server
}

func NewHTTPServer(addr string, h http.Handler) *HTTPServer {
	return &HTTPServer{srv: &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

func (s *HTTPServer) Name() string { return "http" }

func (s *HTTPServer) Start(ctx context.Context) error {
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Riverer is the part of a river client the worker server drives.
type Riverer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Stopped() <-chan struct{}
}

var _ Riverer = (*river.Client[pgx.Tx])(nil)

// RiverServer runs the worker pool and periodic jobs of a river client.
type RiverServer struct {
	client Riverer
}

func NewRiverServer(client Riverer) *RiverServer {
	return &RiverServer{client: client}
}

func (s *RiverServer) Name() string { return "river" }

// Start returns once the client has stopped.
func (s *RiverServer) Start(ctx context.Context) error {
	// Detached so that shutdown goes through Stop, which drains in-flight jobs.
	if err := s.client.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	select {
	case <-s.client.Stopped():
	case <-ctx.Done():
		<-s.client.Stopped()
	}
	return nil
}

func (s *RiverServer) Stop(ctx context.Context) error {
	return s.client.Stop(ctx)
}
