// Copyright (C) 2026 DealerLens (engineering@dealerlens.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator assembles the DealerLens answer service.
//
// It wires the session store (Redis), semantic cache and corpus
// retrieval (Weaviate), the structured SQL path (Postgres), the LLM
// task registry, and the pipeline controller behind a Gin HTTP server
// with OpenTelemetry tracing and Prometheus metrics.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/DealerLens/dealerlens/services/llm"
	"github.com/DealerLens/dealerlens/services/orchestrator/cache"
	"github.com/DealerLens/dealerlens/services/orchestrator/classify"
	"github.com/DealerLens/dealerlens/services/orchestrator/datatypes"
	"github.com/DealerLens/dealerlens/services/orchestrator/memory"
	"github.com/DealerLens/dealerlens/services/orchestrator/observability"
	"github.com/DealerLens/dealerlens/services/orchestrator/pipeline"
	"github.com/DealerLens/dealerlens/services/orchestrator/retrieval"
	"github.com/DealerLens/dealerlens/services/orchestrator/route"
	"github.com/DealerLens/dealerlens/services/orchestrator/routes"
	"github.com/DealerLens/dealerlens/services/orchestrator/rewrite"
	"github.com/DealerLens/dealerlens/services/orchestrator/sqlpath"
	"github.com/DealerLens/dealerlens/services/orchestrator/ttl"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration. Zero values use defaults
// applied by New().
type Config struct {
	// Port is the HTTP server port. Default: 12310.
	Port int

	// LLMBackend selects the preferred provider for registry defaults:
	// "openai" or "ollama". Default: "openai".
	LLMBackend string

	// WeaviateURL is the vector database URL, e.g.
	// "http://localhost:8080". Required: the cache and the retrieval
	// path live there.
	WeaviateURL string

	// RedisURL is the session store URL. Default:
	// "redis://localhost:6379/0". An unreachable Redis degrades requests
	// to history-less mode instead of failing them.
	RedisURL string

	// PostgresURL is the DSN for the structured SQL path. If empty,
	// structured-mode requests fail at execution time.
	PostgresURL string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "dealerlens-otel-collector:4317".
	OTelEndpoint string

	// ModelConfigPath optionally points at a YAML file overriding the
	// per-task model registry.
	ModelConfigPath string

	// CacheThreshold is the semantic-cache similarity bar, clamped to
	// [0.90, 0.99]. Default: 0.96.
	CacheThreshold float64

	// CacheTTL is the cache entry lifetime. Default: 24h, matching the
	// session TTL.
	CacheTTL time.Duration

	// SweepInterval is the cache sweeper period. Default: 1h.
	SweepInterval time.Duration

	// HistoryWindow is the session sliding-window size in messages.
	// Default: 4.
	HistoryWindow int

	// DomainLabel names the corpus domain for the gate prompt.
	// Default: "automotive dealership operations".
	DomainLabel string

	// CorpusSources are the ingested source names.
	// Default: complaints, chat_logs, service_records.
	CorpusSources []string

	// DirectLookupSources are sources with an entity direct-lookup
	// path. Default: chat_logs.
	DirectLookupSources []string

	// SQLRowCap / SQLTimeCap bound structured query execution.
	// Defaults: 1000 rows, 10s.
	SQLRowCap  int
	SQLTimeCap time.Duration

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	GinMode string
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "openai"
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379/0"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "dealerlens-otel-collector:4317"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 1 * time.Hour
	}
	if cfg.DomainLabel == "" {
		cfg.DomainLabel = "automotive dealership operations"
	}
	if len(cfg.CorpusSources) == 0 {
		cfg.CorpusSources = []string{"complaints", "chat_logs", "service_records"}
	}
	if len(cfg.DirectLookupSources) == 0 {
		cfg.DirectLookupSources = []string{"chat_logs"}
	}
	if cfg.SQLRowCap == 0 {
		cfg.SQLRowCap = sqlpath.DefaultRowCap
	}
	if cfg.SQLTimeCap == 0 {
		cfg.SQLTimeCap = sqlpath.DefaultTimeCap
	}
	return cfg
}

// =============================================================================
// Service
// =============================================================================

// Service is the orchestrator lifecycle surface.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Router returns the configured Gin engine for integration tests.
	Router() *gin.Engine
}

type service struct {
	config         Config
	router         *gin.Engine
	weaviateClient *weaviate.Client
	redisClient    *redis.Client
	pgPool         *pgxpool.Pool
	registry       *llm.Registry
	store          *memory.Store
	controller     *pipeline.Controller
	metrics        *observability.PipelineMetrics
	sweeper        *ttl.Sweeper
	tracerCleanup  func(context.Context)
}

// New creates a ready-to-run orchestrator.
//
// # Description
//
// Initialization order: tracing, metrics, Weaviate (with schema check),
// Redis, Postgres, LLM backends and registry, pipeline components,
// controller, sweeper, router. Weaviate and at least one LLM backend
// are required; Redis and Postgres outages surface at request time as
// degraded behavior.
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.metrics = observability.InitMetrics()

	if err := s.initWeaviate(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize Weaviate: %w", err)
	}

	if err := s.initRedis(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize Redis client: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize Postgres pool: %w", err)
	}

	caller, embedder, err := s.initLLM()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM stack: %w", err)
	}

	s.initPipeline(caller, embedder)
	s.initRouter()

	return s, nil
}

// Run starts the HTTP server and the background sweeper, blocking until
// the server stops.
func (s *service) Run() error {
	defer s.cleanup()

	if s.sweeper != nil {
		if err := s.sweeper.Start(context.Background()); err != nil {
			slog.Warn("Cache sweeper failed to start", "error", err)
		}
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting orchestrator server", "port", s.config.Port)
	return s.router.Run(addr)
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Initialization
// =============================================================================

func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("dealerlens-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
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
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

func (s *service) initWeaviate() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")
	if weaviateURL == "" {
		return fmt.Errorf("WeaviateURL is required (cache and retrieval live there)")
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	s.weaviateClient, err = weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	if err := datatypes.EnsureWeaviateSchema(s.weaviateClient); err != nil {
		return err
	}
	slog.Info("Weaviate client initialized", "url", weaviateURL)
	return nil
}

func (s *service) initRedis() error {
	opts, err := redis.ParseURL(s.config.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid Redis URL: %w", err)
	}
	s.redisClient = redis.NewClient(opts)

	storeOpts := []memory.Option{memory.WithTTL(s.config.CacheTTL)}
	if s.config.HistoryWindow > 0 {
		storeOpts = append(storeOpts, memory.WithWindow(s.config.HistoryWindow))
	}
	s.store = memory.NewStore(s.redisClient, storeOpts...)

	slog.Info("Session store initialized", "window", s.config.HistoryWindow)
	return nil
}

func (s *service) initPostgres() error {
	if s.config.PostgresURL == "" {
		slog.Warn("PostgresURL not set; structured-mode questions will fail at execution")
		return nil
	}

	pool, err := pgxpool.New(context.Background(), s.config.PostgresURL)
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	s.pgPool = pool

	slog.Info("Postgres pool initialized")
	return nil
}

// initLLM builds the provider backends, the task registry, and the
// shared embedder.
func (s *service) initLLM() (*llm.Caller, llm.Embedder, error) {
	backends := make(map[llm.Provider]llm.LLMClient)

	if client, err := llm.NewOpenAIClient(); err != nil {
		slog.Warn("OpenAI backend unavailable", "error", err)
	} else {
		backends[llm.ProviderOpenAI] = client
		slog.Info("Using OpenAI LLM backend")
	}

	if client, err := llm.NewOllamaClient(); err != nil {
		slog.Warn("Ollama backend unavailable", "error", err)
	} else {
		backends[llm.ProviderOllama] = client
		slog.Info("Using Ollama LLM backend")
	}

	if len(backends) == 0 {
		return nil, nil, fmt.Errorf("no LLM backend available")
	}
	if _, ok := backends[llm.Provider(s.config.LLMBackend)]; !ok {
		slog.Warn("Preferred LLM backend unavailable, tasks routed to it will fail",
			"backend", s.config.LLMBackend)
	}

	var err error
	if s.config.ModelConfigPath != "" {
		s.registry, err = llm.LoadRegistry(s.config.ModelConfigPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load model registry: %w", err)
		}
	} else {
		s.registry = llm.NewRegistry()
	}

	embedder, err := llm.NewOpenAIEmbedder()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	caller := llm.NewCaller(s.registry, backends,
		llm.WithUsageRecorder(s.metrics.RecordTokens))
	return caller, embedder, nil
}

// initPipeline wires the cache, retriever, classifiers, rewriters, the
// SQL path, and the controller.
func (s *service) initPipeline(caller *llm.Caller, embedder llm.Embedder) {
	semanticCache := cache.NewSemanticCache(s.weaviateClient, embedder, cache.Config{
		Threshold: s.config.CacheThreshold,
		TTL:       s.config.CacheTTL,
	})

	retriever := retrieval.NewRetriever(s.weaviateClient, embedder, retrieval.Config{})

	window := s.config.HistoryWindow
	if window <= 0 {
		window = memory.DefaultWindow
	}

	s.controller = pipeline.NewController(pipeline.Deps{
		Memory:     s.store,
		Cache:      semanticCache,
		Domain:     classify.NewDomainClassifier(caller, s.config.DomainLabel, s.config.CorpusSources),
		Selector:   classify.NewContextSelector(caller, window),
		Intent:     classify.NewIntentClassifier(caller),
		Compressor: rewrite.NewHistoryCompressor(caller),
		Reform:     rewrite.NewQueryReformulator(caller),
		Entities:   route.NewEntityExtractor(caller, s.config.DirectLookupSources),
		Format:     route.NewFormatDetector(caller),
		Retriever:  retriever,
		SQLPlanner: sqlpath.NewPlanner(caller),
		SQLGen:     sqlpath.NewGenerator(caller, ""),
		SQLExec:    sqlpath.NewExecutor(s.pgPool, s.config.SQLRowCap, s.config.SQLTimeCap),
		SQLFormat:  sqlpath.NewFormatter(caller),
		Generator:  pipeline.NewAnswerGenerator(caller),
		Caller:     caller,
		Metrics:    s.metrics,
	}, pipeline.Config{
		DirectLookupSources: s.config.DirectLookupSources,
	})

	s.sweeper = ttl.NewSweeper(semanticCache, s.metrics, ttl.SweeperConfig{
		Interval: s.config.SweepInterval,
	})
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	routes.SetupRoutes(s.router, s.controller, s.store, s.registry, s.metrics)
}

// cleanup releases background resources. Called when Run exits or on a
// failed New.
func (s *service) cleanup() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.pgPool != nil {
		s.pgPool.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			slog.Warn("Redis close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

var _ Service = (*service)(nil)
