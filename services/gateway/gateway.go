// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway assembles the HTTP service: gin router, otel tracing,
// prometheus metrics, and the route handlers that front the job manager,
// workflow stream, and synthesis engine.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/meridianlabs-ai/meridian/services/gateway/observability"
	"github.com/meridianlabs-ai/meridian/services/gateway/routes"
	"github.com/meridianlabs-ai/meridian/services/gateway/stream"
	"github.com/meridianlabs-ai/meridian/services/synthesis"
	"github.com/meridianlabs-ai/meridian/services/workflow/jobs"
	"github.com/meridianlabs-ai/meridian/services/workflow/project"
)

// Service is the gateway lifecycle contract.
//
// Thread Safety: implementations are safe for concurrent use. Run blocks
// and is called at most once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until ctx is cancelled or the
	// server fails.
	Run(ctx context.Context) error

	// Router returns the underlying gin engine for tests.
	Router() *gin.Engine
}

// Config controls the gateway.
type Config struct {
	// Port the HTTP server listens on. Default: 12400
	Port int

	// TracingEnabled turns on the OTLP trace exporter. The collector
	// endpoint comes from OTEL_EXPORTER_OTLP_ENDPOINT.
	TracingEnabled bool

	// Logger for gateway logs. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 12400
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Deps are the assembled collaborators handed to the gateway.
type Deps struct {
	Manager   *jobs.Manager
	Synthesis *synthesis.Engine
	Projects  *project.Store
	Bus       *stream.Bus
}

type service struct {
	cfg     Config
	router  *gin.Engine
	logger  *slog.Logger
	metrics *observability.Metrics

	shutdownTracer func(context.Context)
}

// New builds the gateway service: router, middleware, metrics, routes, and
// (when enabled) the trace exporter.
func New(cfg Config, deps Deps) (Service, error) {
	if deps.Manager == nil {
		return nil, errors.New("job manager must not be nil")
	}
	if deps.Synthesis == nil {
		return nil, errors.New("synthesis engine must not be nil")
	}
	if deps.Projects == nil {
		return nil, errors.New("project store must not be nil")
	}
	if deps.Bus == nil {
		return nil, errors.New("stream bus must not be nil")
	}
	cfg.applyDefaults()

	s := &service{
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "gateway")),
		metrics: observability.NewMetrics(prometheus.DefaultRegisterer),
	}

	if cfg.TracingEnabled {
		shutdown, err := initTracer()
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		s.shutdownTracer = shutdown
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("meridian-gateway"))
	router.Use(s.requestMetrics())

	routes.SetupRoutes(router, routes.Deps{
		Manager:   deps.Manager,
		Synthesis: deps.Synthesis,
		Projects:  deps.Projects,
		Bus:       deps.Bus,
		Metrics:   s.metrics,
	})
	s.router = router
	return s, nil
}

func (s *service) Router() *gin.Engine { return s.router }

// Run starts the server and blocks. Cancelling ctx triggers a graceful
// shutdown with a short drain window.
func (s *service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", slog.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}
	if s.shutdownTracer != nil {
		s.shutdownTracer(shutdownCtx)
	}
	return nil
}

// requestMetrics records request counts and latency per route template.
func (s *service) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := fmt.Sprintf("%dxx", c.Writer.Status()/100)
		s.metrics.RequestsTotal.WithLabelValues(endpoint, status).Inc()
		s.metrics.RequestDurationSeconds.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	}
}

// initTracer wires the OTLP gRPC exporter and registers the global tracer
// provider. Returns the exporter shutdown function.
func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("meridian-gateway")))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
