// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collab wires the collaboration server.
//
// This package builds every server component from a config.Config: the
// Badger store, the relay, the collaboration hub, the run hub, telemetry,
// and the gin router. Run serves HTTP until its context ends and then
// shuts everything down in order.
//
// # Extension Points
//
// The service accepts extensions.ServiceOptions so an embedding
// application can supply its own implementations of:
//   - AuthProvider: token validation (JWT with a secret by default)
//   - AuditLogger: compliance audit logging
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	svc, err := collab.New(ctx, cfg, nil, logger)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/canvassync/pkg/extensions"
	"github.com/AleutianAI/canvassync/services/collab/config"
	"github.com/AleutianAI/canvassync/services/collab/hub"
	"github.com/AleutianAI/canvassync/services/collab/observability"
	"github.com/AleutianAI/canvassync/services/collab/relay"
	"github.com/AleutianAI/canvassync/services/collab/routes"
	"github.com/AleutianAI/canvassync/services/collab/runhub"
	"github.com/AleutianAI/canvassync/services/collab/storage"
	"github.com/AleutianAI/canvassync/services/collab/telemetry"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the collaboration server lifecycle.
//
// # Thread Safety
//
// Run blocks and must be called at most once. Close may be called from any
// goroutine and is idempotent.
type Service interface {
	// Run serves HTTP on the configured port until ctx ends or the listener
	// fails, then closes the service. A ctx cancellation is a clean stop
	// and returns nil.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine

	// Close disconnects every socket and releases the store, relay, and
	// telemetry. Run calls it on exit.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config config.Config
	opts   extensions.ServiceOptions
	logger *slog.Logger

	router *gin.Engine
	store  *storage.Store
	relay  relay.Relay
	hub    *hub.Hub
	runs   *runhub.Manager

	telemetryShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// New builds a service from cfg.
//
// # Description
//
// If opts is nil, the options are derived from cfg: a JWTAuthProvider when
// JWTSecret is set (NopAuthProvider otherwise) and an audit logger writing
// to logger. Components are created in dependency order and torn down again
// if a later one fails.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Telemetry, store, relay, or run restore failures.
func New(ctx context.Context, cfg config.Config, opts *extensions.ServiceOptions, logger *slog.Logger) (Service, error) {
	return newService(ctx, cfg, opts, logger, prometheus.DefaultRegisterer)
}

func newService(ctx context.Context, cfg config.Config, opts *extensions.ServiceOptions,
	logger *slog.Logger, reg prometheus.Registerer) (*service, error) {

	if logger == nil {
		logger = slog.Default()
	}
	s := &service{config: cfg, logger: logger}

	// Apply extension options (derive from config if nil)
	if opts != nil {
		s.opts = opts.Normalize()
	} else {
		s.opts = extensions.DefaultOptions().WithAudit(extensions.NewSlogAuditLogger(logger))
		if cfg.JWTSecret != "" {
			s.opts = s.opts.WithAuth(extensions.NewJWTAuthProvider(cfg.JWTSecret))
		} else {
			logger.Warn("no jwt secret configured, every connection is the local user")
		}
	}

	if err := s.init(ctx, reg); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *service) init(ctx context.Context, reg prometheus.Registerer) error {
	cfg := s.config

	// Initialize OpenTelemetry
	telCfg := cfg.Telemetry
	telCfg.Registerer = reg
	shutdown, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	// Initialize Prometheus metrics
	var metrics *observability.Metrics
	if reg == prometheus.DefaultRegisterer {
		metrics = observability.Default()
	} else {
		metrics = observability.NewMetrics(reg)
	}
	runMetrics, err := telemetry.NewRunMetrics(otel.Meter("canvassync.runhub"))
	if err != nil {
		return fmt.Errorf("failed to create run metrics: %w", err)
	}

	// Initialize storage
	storeCfg := storage.InMemoryConfig()
	if cfg.DataDir != "" {
		storeCfg = storage.DefaultConfig(cfg.DataDir)
	} else {
		s.logger.Warn("no data_dir configured, workspace state is kept in memory")
	}
	storeCfg.Logger = s.logger
	s.store, err = storage.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	// Initialize relay
	if cfg.RedisAddr != "" {
		s.relay, err = relay.NewRedis(ctx, cfg.RedisAddr, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect relay: %w", err)
		}
		s.logger.Info("relaying rooms through redis", "redis_addr", cfg.RedisAddr)
	} else {
		s.relay = relay.NewLocal()
	}

	s.hub = hub.New(hub.Config{
		RateLimit: rate.Limit(cfg.Hub.RateLimit),
		Burst:     cfg.Hub.Burst,
		Store:     s.store,
		Relay:     s.relay,
		Logger:    s.logger,
		Metrics:   metrics,
	})

	s.runs = runhub.New(runhub.Config{
		Committer:  s.hub,
		Store:      s.store,
		Audit:      s.opts.AuditLogger,
		Metrics:    metrics,
		RunMetrics: runMetrics,
		Logger:     s.logger,
	})
	if err := s.runs.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore runs: %w", err)
	}

	s.initRouter()
	return nil
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	// Websocket upgrades live as long as the socket; they are not traced.
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName,
		otelgin.WithFilter(func(r *http.Request) bool {
			return !websocket.IsWebSocketUpgrade(r)
		})))

	routes.SetupRoutes(s.router, s.hub, s.runs, s.opts)
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves until ctx ends. The HTTP server and the shutdown watcher run
// in one errgroup so a listener failure also triggers shutdown.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting collaboration server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down collaboration server")

		// Hijacked websocket connections are not tracked by Shutdown.
		s.runs.Close()
		s.hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases every component in reverse creation order.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.runs != nil {
			s.runs.Close()
		}
		if s.hub != nil {
			s.hub.Close()
		}
		if s.relay != nil {
			errs = append(errs, s.relay.Close())
		}
		if s.store != nil {
			errs = append(errs, s.store.Close())
		}
		if s.opts.AuditLogger != nil {
			errs = append(errs, s.opts.AuditLogger.Flush(context.Background()))
		}
		if s.telemetryShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, s.telemetryShutdown(ctx))
			cancel()
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Warn("errors while closing", "error", s.closeErr)
		}
	})
	return s.closeErr
}

var _ Service = (*service)(nil)
