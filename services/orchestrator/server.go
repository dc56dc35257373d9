// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles and runs the streaming chat service.
//
// This package wires the durable store, the model client, the evidence
// pipeline, the sandbox, and observability into the turn pipeline, and owns
// the HTTP server lifecycle. Every collaborator except the store and the
// model client is optional; missing ones degrade the service instead of
// stopping it.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/AleutianAI/Tidewater/services/llm"
	"github.com/AleutianAI/Tidewater/services/orchestrator/config"
	"github.com/AleutianAI/Tidewater/services/orchestrator/engine"
	"github.com/AleutianAI/Tidewater/services/orchestrator/middleware"
	"github.com/AleutianAI/Tidewater/services/orchestrator/observability"
	"github.com/AleutianAI/Tidewater/services/orchestrator/routes"
	"github.com/AleutianAI/Tidewater/services/orchestrator/services"
	"github.com/AleutianAI/Tidewater/services/orchestrator/store"
	"github.com/AleutianAI/Tidewater/services/sandbox"
	"github.com/AleutianAI/Tidewater/services/searchpipe"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "tidewater-orchestrator"

// =============================================================================
// Configuration
// =============================================================================

// Config holds the service's connection-level settings. Behavioral tunables
// (budgets, model tiers, timeouts) live in the hot-reloadable config file;
// see the config package.
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// ConfigPath is the tunables YAML file. Empty means built-in defaults.
	ConfigPath string

	// WeaviateURL is the durable store. Empty runs the in-memory store
	// (lightweight mode): fully functional, nothing survives a restart.
	WeaviateURL string

	// OTelEndpoint is the OpenTelemetry collector.
	// Default: "tidewater-otel-collector:4317"
	OTelEndpoint string

	// GCSBucket is the artifact bucket for sandbox file links. Empty
	// disables durable file links; sandbox paths pass through unrewritten.
	GCSBucket string

	// LinkDBPath is the badger directory for the sandbox link map.
	// Default: "./data/links"
	LinkDBPath string

	// AuthMode selects the auth provider: "none" (single local user) or
	// "header" (trust the gateway's bearer token as the user id).
	// Default: "none"
	AuthMode string

	// GinMode sets the Gin framework mode: "debug", "release", "test".
	GinMode string

	// EnableMetrics registers Prometheus metrics and serves /metrics.
	// Default: true
	EnableMetrics bool
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "tidewater-otel-collector:4317"
	}
	if cfg.LinkDBPath == "" {
		cfg.LinkDBPath = "./data/links"
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = "none"
	}
	return cfg
}

// =============================================================================
// Service
// =============================================================================

// Service is the orchestrator lifecycle contract. Run blocks until shutdown;
// Router exposes the configured engine for integration tests.
type Service interface {
	Run() error
	Router() *gin.Engine
}

type service struct {
	config        Config
	router        *gin.Engine
	store         store.Store
	manager       *config.Manager
	usage         *services.InfluxUsageRecorder
	linkDB        *badger.DB
	tracerCleanup func(context.Context)
	watchDone     chan struct{}
	cleanupOnce   sync.Once
}

var _ Service = (*service)(nil)

// New assembles the service from its configuration.
//
// # Description
//
// Initialization order matters: tracing and metrics first so every later
// step is observed, then the tunables file, then the store, then the
// collaborators, then the router. The store and the model client are the
// only hard requirements; a missing Weaviate falls back to the in-memory
// store and everything else degrades to nil.
func New(cfg Config) (Service, error) {
	s := &service{
		config:    applyConfigDefaults(cfg),
		watchDone: make(chan struct{}),
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("initializing tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	var metrics *observability.StreamingMetrics
	if s.config.EnableMetrics {
		metrics = observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for streaming")
	}

	s.manager, err = config.Load(s.config.ConfigPath)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("loading tunables: %w", err)
	}
	if err := s.manager.Watch(s.watchDone); err != nil {
		slog.Warn("Config hot reload unavailable", "error", err)
	}

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	modelClient, err := llm.NewOpenAIClient()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("initializing model client: %w", err)
	}

	deps := services.Deps{
		Store:     s.store,
		LLM:       modelClient,
		Policy:    modelClient,
		Retriever: searchpipe.NewClient(),
		Runner:    sandbox.NewHTTPRunner(),
		Metrics:   metrics,
		Config:    s.manager,
	}
	deps.Links = s.initLinks()
	if s.usage = services.NewInfluxUsageRecorderFromEnv(); s.usage != nil {
		deps.Usage = s.usage
	}

	s.initRouter(services.NewOrchestrator(deps), metrics)
	return s, nil
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM or a fatal
// listener error. In-flight streams get a grace period to finish.
func (s *service) Run() error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting orchestrator server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down, draining in-flight streams")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Router returns the configured Gin engine for integration testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Initialization
// =============================================================================

// initTracer sets up the OTLP trace exporter against the collector.
// Uses an insecure gRPC connection, appropriate for internal networks.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("creating gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}
	return cleanup, nil
}

// initStore connects the Weaviate store, or falls back to the in-memory
// store when no URL is configured.
func (s *service) initStore() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		slog.Info("Weaviate URL not configured, running in lightweight mode")
		s.store = store.NewMemoryStore()
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("creating Weaviate client: %w", err)
	}

	store.EnsureSchema(context.Background(), client)
	s.store = store.NewWeaviateStore(client)
	slog.Info("Weaviate store initialized", "url", weaviateURL)
	return nil
}

// initLinks builds the durable sandbox link map: GCS for bytes, badger for
// the path-to-object mapping. Both are optional; failures log and return nil.
func (s *service) initLinks() *sandbox.LinkMap {
	if s.config.GCSBucket == "" {
		slog.Info("GCS bucket not configured, sandbox file links disabled")
		return nil
	}

	uploader, err := sandbox.NewGCSUploader(context.Background(), s.config.GCSBucket)
	if err != nil {
		slog.Warn("GCS uploader unavailable, sandbox file links disabled", "error", err)
		return nil
	}

	opts := badger.DefaultOptions(s.config.LinkDBPath).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		slog.Warn("Link database unavailable, sandbox file links disabled",
			"path", s.config.LinkDBPath, "error", err)
		return nil
	}
	s.linkDB = db

	slog.Info("Sandbox file links enabled",
		"bucket", s.config.GCSBucket, "db_path", s.config.LinkDBPath)
	return sandbox.NewLinkMap(db, uploader)
}

// initRouter builds the Gin engine with tracing middleware and all routes.
func (s *service) initRouter(orchestrator *services.Orchestrator, metrics *observability.StreamingMetrics) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(serviceName))

	var auth middleware.AuthProvider = middleware.NopAuthProvider{}
	if s.config.AuthMode == "header" {
		auth = middleware.HeaderAuthProvider{}
	}
	routes.SetupRoutes(s.router, orchestrator, s.store, auth, metrics)
}

// cleanup releases everything New acquired, in reverse order. Secure token
// buffers are purged last so no reply text outlives the process teardown.
// Safe to call twice; New's failure paths and Run's defer may both reach it.
func (s *service) cleanup() {
	s.cleanupOnce.Do(s.release)
}

func (s *service) release() {
	close(s.watchDone)

	if s.usage != nil {
		s.usage.Close()
	}
	if s.linkDB != nil {
		if err := s.linkDB.Close(); err != nil && !errors.Is(err, badger.ErrDBClosed) {
			slog.Warn("Link database close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	engine.PurgeAllSecureMemory()
}
