// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the triage queue and dispatcher metrics over HTTP.
//
// # Routes
//
//	GET    /healthz
//	GET    /metrics                          Prometheus exposition
//	GET    /v1/dispatch/metrics              dispatcher snapshot
//	GET    /v1/queue/stats
//	GET    /v1/queue/items                   ?state=&tab=&account=&include_snoozed=
//	GET    /v1/queue/items/:id
//	POST   /v1/queue/items/:id/resolve
//	PUT    /v1/queue/items/:id/snooze
//	DELETE /v1/queue/items/:id/snooze
//	POST   /v1/events                        analyze and enqueue one message
//
// Everything under /v1 is throttled by a token bucket and, when a token is
// configured, requires a bearer token.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianTriage/services/dispatch"
	"github.com/AleutianAI/AleutianTriage/services/orchestrator"
	"github.com/AleutianAI/AleutianTriage/services/queue"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

// Service is the HTTP server.
type Service interface {
	// Run serves until ctx ends, then shuts down gracefully.
	Run(ctx context.Context) error

	// Router exposes the engine for tests.
	Router() *gin.Engine
}

// Config configures the server.
type Config struct {
	// Port to listen on. Default 12230.
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// GinMode is "debug", "release", or "test". Default release.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// APIToken, when set, is required as a bearer token under /v1.
	APIToken string `yaml:"-"`

	// RequestsPerSecond and Burst size the /v1 token bucket. Default 20/40.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`

	// ShutdownTimeout bounds graceful shutdown. Default 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsSource provides the dispatcher snapshot.
// *dispatch.Dispatcher implements it.
type MetricsSource interface {
	GetMetrics() dispatch.MetricsSnapshot
}

// Deps are the collaborators the handlers use. Processor may be nil, in
// which case POST /v1/events is not registered.
type Deps struct {
	Store      *queue.Store
	Processor  *orchestrator.Processor
	Dispatcher MetricsSource
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

type service struct {
	config   Config
	deps     Deps
	router   *gin.Engine
	logger   *slog.Logger
	validate *validator.Validate
}

// New builds the router.
//
// # Inputs
//
//   - cfg: Server configuration; zero values take defaults.
//   - deps: Store and Dispatcher are required.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Missing dependencies.
func New(cfg Config, deps Deps) (Service, error) {
	if deps.Store == nil {
		return nil, errors.New("api: store is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("api: dispatcher is required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &service{
		config:   applyConfigDefaults(cfg),
		deps:     deps,
		logger:   logger,
		validate: validator.New(),
	}
	s.initRouter()
	return s, nil
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12230
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst == 0 {
		cfg.Burst = 40
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return cfg
}

func (s *service) initRouter() {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("aleutian-triage"))
	s.router.Use(RequestLogger(s.logger))

	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/v1")
	v1.Use(RateLimit(rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.Burst)))
	if s.config.APIToken != "" {
		v1.Use(BearerAuth(s.config.APIToken))
	}
	{
		v1.GET("/dispatch/metrics", s.dispatchMetrics)
		if s.deps.Processor != nil {
			v1.POST("/events", s.createEvent)
		}
		items := v1.Group("/queue")
		{
			items.GET("/stats", s.queueStats)
			items.GET("/items", s.listItems)
			items.GET("/items/:id", s.getItem)
			items.POST("/items/:id/resolve", s.resolveItem)
			items.PUT("/items/:id/snooze", s.snoozeItem)
			items.DELETE("/items/:id/snooze", s.unsnoozeItem)
		}
	}
}

// Run serves until ctx ends.
func (s *service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting triage API server", slog.Int("port", s.config.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down triage API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

var _ Service = (*service)(nil)
