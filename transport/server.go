// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/courier/agent"
	"github.com/bureau-foundation/courier/lib/clock"
)

// Config configures a Server.
type Config struct {
	// Address is the TCP listen address (e.g. ":8000",
	// "127.0.0.1:0"). Required.
	Address string

	// Registry holds the agents this server fronts. Required.
	Registry *agent.Registry

	// SyncTimeout bounds how long a synchronous submission waits for
	// a reply when the envelope carries no expiry. Defaults to 30
	// seconds.
	SyncTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight
	// requests during graceful shutdown. Defaults to 10 seconds.
	ShutdownTimeout time.Duration

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Clock times synchronous waits. Defaults to the real clock.
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// Server is the HTTP front of an agent registry. Serve(ctx) blocks
// until the context is cancelled and active requests drain.
type Server struct {
	address         string
	registry        *agent.Registry
	syncTimeout     time.Duration
	shutdownTimeout time.Duration
	clock           clock.Clock
	logger          *slog.Logger

	echo *echo.Echo

	// ready is closed after the listener is bound.
	ready chan struct{}

	// addr is the resolved listen address, valid once ready is
	// closed.
	addr net.Addr
}

// NewServer builds the router. Call Serve to start accepting
// connections.
func NewServer(config Config) *Server {
	if config.Address == "" {
		panic("transport.Server: Address is required")
	}
	if config.Registry == nil {
		panic("transport.Server: Registry is required")
	}
	if config.Logger == nil {
		panic("transport.Server: Logger is required")
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	s := &Server{
		address:         config.Address,
		registry:        config.Registry,
		syncTimeout:     config.SyncTimeout,
		shutdownTimeout: config.ShutdownTimeout,
		clock:           config.Clock,
		logger:          config.Logger,
		ready:           make(chan struct{}),
	}
	s.echo = s.routes(config.Gatherer)
	return s
}

// Handler returns the router, for tests and for embedding in another
// server.
func (s *Server) Handler() http.Handler { return s.echo }

// Ready returns a channel that is closed once the server is bound and
// accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the resolved listen address. Only valid after Ready()
// is closed; useful when Address asks for port 0.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve accepts connections until ctx is cancelled, then stops
// accepting and waits up to ShutdownTimeout for active requests.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	// WriteTimeout must outlast the longest synchronous wait.
	server := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.syncTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("transport listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("transport shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("transport shutdown error", "error", err)
		return fmt.Errorf("transport shutdown: %w", err)
	}
	s.logger.Info("transport stopped")
	return nil
}
