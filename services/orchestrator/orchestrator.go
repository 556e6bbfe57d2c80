// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the core orchestrator service for Meridian.
//
// This package contains the main Orchestrator type that coordinates all
// components of the service: HTTP routing, the diagnostic pipeline, LLM
// clients, the policy engine, the Weaviate case corpus, and observability
// infrastructure.
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210}
//	svc, err := orchestrator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

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

	"github.com/AleutianAI/MeridianFOSS/services/llm"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/datatypes"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/middleware"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/observability"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/pipeline"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/retrieval"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/routes"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/security"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/services"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/session"
	"github.com/AleutianAI/MeridianFOSS/services/orchestrator/terminology"
	"github.com/AleutianAI/MeridianFOSS/services/policy_engine"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Description
//
// Service abstracts the orchestrator lifecycle, enabling testing and
// alternative implementations. The interface follows the minimal surface
// area principle - only essential lifecycle methods are exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
//
// # Limitations
//
//   - No graceful shutdown method yet (planned for future)
//   - Run() blocks until server error
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Limitations
	//
	//   - Should not be used to modify routes after construction
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes all configuration for the orchestrator service.
// Values can be populated from environment variables, config files,
// or programmatically for testing.
//
// # Required Fields
//
// None - all fields have sensible defaults.
//
// # Examples
//
//	// Minimal config (uses all defaults)
//	cfg := Config{}
//
//	// Custom port and LLM backend
//	cfg := Config{
//	    Port:       8080,
//	    LLMBackend: "openai",
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int

	// LLMBackend specifies the LLM provider.
	// Valid values: "local", "openai", "ollama", "claude", "anthropic"
	// Default: "ollama"
	LLMBackend string

	// WeaviateURL is the Weaviate vector database URL backing the case
	// corpus. Default: "http://localhost:8080"
	WeaviateURL string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "meridian-otel-collector:4317"
	OTelEndpoint string

	// APIKey gates the /v1 surface. Empty disables authentication and
	// every request is treated as local.
	APIKey string

	// AuditDir is the Badger directory for the security audit log.
	// Empty selects an in-memory store that dies with the process.
	AuditDir string

	// VocabularyPath overrides the embedded clinical vocabulary. When set,
	// the file is watched and reloaded on change.
	VocabularyPath string

	// PolicyPath overrides the embedded risk-classification rule set. When
	// set, the file is watched and reloaded on change.
	PolicyPath string

	// EnableMetrics enables the Prometheus metrics endpoint.
	// Default: true
	EnableMetrics bool

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string

	// Limiter, Sessions, and Dialog tune the security chain and the dialog
	// loop. Zero-valued fields fall back to the package defaults.
	Limiter  security.LimiterConfig
	Sessions session.Config
	Dialog   services.DiagnosisConfig
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service is the main implementation that coordinates:
//   - HTTP routing via Gin
//   - The four-stage diagnostic pipeline and its session layer
//   - The layered security chain (limiter, sanitizer, validator, audit)
//   - LLM and embedding clients
//   - Weaviate case corpus access
//   - OpenTelemetry tracing and Prometheus metrics
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
//
// # Limitations
//
//   - No hot-reload of configuration (the vocabulary file is the one
//     exception)
//   - Single LLM backend per instance
type service struct {
	config         Config
	router         *gin.Engine
	llmClient      llm.LLMClient
	embedClient    llm.EmbeddingClient
	policyEngine   *policy_engine.PolicyEngine
	weaviateClient *weaviate.Client
	terms          *terminology.Store
	audit          *security.AuditStore
	diagnosis      *services.DiagnosisService
	keyAuth        *middleware.KeyAuth
	tracerCleanup  func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all orchestrator components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Creates the Weaviate client and ensures the schema exists
//  5. Initializes the policy engine and clinical vocabulary
//  6. Creates LLM and embedding clients based on backend type
//  7. Builds the security chain and session manager
//  8. Assembles the diagnostic pipeline and service
//  9. Sets up HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service
//   - error: Non-nil if initialization fails
//
// # Examples
//
//	cfg := Config{Port: 12210, LLMBackend: "ollama"}
//	svc, err := New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// # Limitations
//
//   - LLM client creation may fail if provider is unreachable
//   - A Weaviate connection failure is not fatal, but the diagnostic
//     endpoint will reject every round until the corpus is reachable
//
// # Assumptions
//
//   - Environment variables are set for LLM providers (API keys, URLs)
//   - Network is available for external service connections
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	// Initialize OpenTelemetry tracer
	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	// Initialize Prometheus metrics
	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus pipeline metrics")
	}

	// Initialize Weaviate client (case corpus)
	if err := s.initWeaviate(); err != nil {
		slog.Warn("Weaviate initialization failed, case corpus unavailable",
			"error", err)
		// Not fatal - admin endpoints still work, diagnosis will error
	}

	// Initialize policy engine
	if err := s.initPolicyEngine(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	// Initialize clinical vocabulary
	if err := s.initVocabulary(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize vocabulary: %w", err)
	}

	// Initialize LLM and embedding clients
	if err := s.initLLMClients(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	// Assemble the security chain and the diagnostic pipeline
	if err := s.initDiagnosisService(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to assemble diagnostic pipeline: %w", err)
	}

	// Setup HTTP router
	s.keyAuth = middleware.NewKeyAuth(s.config.APIKey)
	if s.keyAuth.Enabled() {
		slog.Info("API key authentication enabled")
	} else {
		slog.Info("No API key configured, running in local mode")
	}
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting orchestrator server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "ollama"
	}
	if cfg.WeaviateURL == "" {
		cfg.WeaviateURL = "http://localhost:8080"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "meridian-otel-collector:4317"
	}
	// EnableMetrics defaults to true (zero value is false, so we need explicit check)
	// We'll handle this by always enabling unless explicitly disabled via a setter
	cfg.EnableMetrics = true

	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up OTLP trace exporter to send spans to the configured collector.
//
// # Outputs
//
//   - func(context.Context): Cleanup function to call on shutdown
//   - error: Non-nil if tracer setup fails
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
//
// # Assumptions
//
//   - OTel collector is reachable at configured endpoint
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
		resource.WithAttributes(semconv.ServiceNameKey.String("orchestrator-service")))
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

// initWeaviate initializes the Weaviate vector database client.
//
// # Description
//
// Creates a Weaviate client for the case corpus, validates the URL format,
// and ensures the schema is created.
//
// # Outputs
//
//   - error: Non-nil if Weaviate initialization fails
//
// # Assumptions
//
//   - Weaviate server is running and accessible
func (s *service) initWeaviate() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")

	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		return fmt.Errorf("weaviate URL not usable: %q", weaviateURL)
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	clientConf := weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	}

	s.weaviateClient, err = weaviate.NewClient(clientConf)
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	datatypes.EnsureWeaviateSchema(s.weaviateClient)
	slog.Info("Weaviate client initialized", "url", weaviateURL)

	return nil
}

// initPolicyEngine loads the risk-classification rules, from file when
// configured, otherwise from the embedded defaults.
func (s *service) initPolicyEngine() error {
	if s.config.PolicyPath == "" {
		engine, err := policy_engine.NewPolicyEngine()
		if err != nil {
			return err
		}
		s.policyEngine = engine
		slog.Info("Loaded embedded risk-classification rules")
		return nil
	}

	engine, err := policy_engine.NewPolicyEngineFromFile(s.config.PolicyPath)
	if err != nil {
		return err
	}
	if err := engine.Watch(); err != nil {
		slog.Warn("Policy file watch failed, edits need a restart",
			"path", s.config.PolicyPath, "error", err)
	}
	s.policyEngine = engine
	slog.Info("Loaded risk-classification rules from file", "path", s.config.PolicyPath)
	return nil
}

// initVocabulary loads the clinical term store, from file when configured,
// otherwise from the embedded defaults.
func (s *service) initVocabulary() error {
	if s.config.VocabularyPath == "" {
		terms, err := terminology.NewStore()
		if err != nil {
			return err
		}
		s.terms = terms
		slog.Info("Loaded embedded clinical vocabulary", "terms", terms.Len())
		return nil
	}

	terms, err := terminology.NewStoreFromFile(s.config.VocabularyPath)
	if err != nil {
		return err
	}
	if err := terms.Watch(); err != nil {
		slog.Warn("Vocabulary file watch failed, edits need a restart",
			"path", s.config.VocabularyPath, "error", err)
	}
	s.terms = terms
	slog.Info("Loaded clinical vocabulary from file",
		"path", s.config.VocabularyPath, "terms", terms.Len())
	return nil
}

// initLLMClients initializes the generation and embedding clients.
//
// # Description
//
// Creates the appropriate LLM client based on the configured backend type.
// Backends that also serve embeddings (ollama, openai) double as the
// embedding client; the rest borrow Ollama for embeddings since the
// retrieval loop cannot run without vectors.
//
// # Outputs
//
//   - error: Non-nil if client creation fails
//
// # Assumptions
//
//   - Required environment variables are set for the chosen provider
func (s *service) initLLMClients() error {
	var err error

	switch s.config.LLMBackend {
	case "local":
		s.llmClient, err = llm.NewLocalLlamaCppClient()
		slog.Info("Using Local Llama.cpp LLM backend")
	case "openai":
		var client *llm.OpenAIClient
		client, err = llm.NewOpenAIClient()
		s.llmClient, s.embedClient = client, client
		slog.Info("Using OpenAI LLM backend")
	case "ollama":
		var client *llm.OllamaClient
		client, err = llm.NewOllamaClient()
		s.llmClient, s.embedClient = client, client
		slog.Info("Using Ollama LLM backend")
	case "claude", "anthropic":
		s.llmClient, err = llm.NewAnthropicClient()
		slog.Info("Using Anthropic (Claude) LLM backend")
	default:
		slog.Warn("Unknown LLM backend, defaulting to ollama", "backend", s.config.LLMBackend)
		var client *llm.OllamaClient
		client, err = llm.NewOllamaClient()
		s.llmClient, s.embedClient = client, client
	}
	if err != nil {
		return err
	}

	if s.embedClient == nil {
		embed, embedErr := llm.NewOllamaClient()
		if embedErr != nil {
			return fmt.Errorf("backend %q has no embedding support and ollama is unavailable: %w",
				s.config.LLMBackend, embedErr)
		}
		s.embedClient = embed
		slog.Info("Using Ollama for embeddings", "generation_backend", s.config.LLMBackend)
	}

	return nil
}

// initDiagnosisService builds the security chain, the session manager, the
// pipeline stages, and the diagnosis service that sequences them.
func (s *service) initDiagnosisService() error {
	var err error
	if s.config.AuditDir != "" {
		s.audit, err = security.NewAuditStore(s.config.AuditDir)
		if err != nil {
			return err
		}
		slog.Info("Audit store opened", "dir", s.config.AuditDir)
	} else {
		s.audit, err = security.NewInMemoryAuditStore()
		if err != nil {
			return err
		}
		slog.Info("Audit store is in-memory, events die with the process")
	}

	deps := services.Deps{
		Limiter:   security.NewRateLimiter(s.config.Limiter),
		Sanitizer: security.NewSanitizer(s.policyEngine, 0),
		Validator: security.NewOutputValidator(s.policyEngine, 0),
		Audit:     s.audit,
		Sessions:  session.NewManager(s.config.Sessions),

		Gate: pipeline.NewGate(s.llmClient, s.terms, pipeline.GateConfig{}),
		Retriever: retrieval.NewEngine(
			retrieval.NewWeaviateSearcher(s.weaviateClient),
			s.embedClient,
			retrieval.Config{},
		),
		Synthesizer: pipeline.NewSynthesizer(s.llmClient, s.terms),
		Reviewer:    pipeline.NewReviewer(s.policyEngine, pipeline.ReviewConfig{}),
	}

	s.diagnosis = services.NewDiagnosisService(deps, s.config.Dialog)
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
//
// # Description
//
// Creates the Gin engine, applies middleware, and registers all routes.
// Routes are configured based on available dependencies (e.g., Weaviate).
//
// # Assumptions
//
//   - All dependencies (pipeline, security chain) are initialized
func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("orchestrator-service"))

	routes.SetupRoutes(s.router, s.diagnosis, s.weaviateClient, s.embedClient, s.keyAuth)
}

// cleanup releases all resources held by the service.
//
// # Description
//
// Called when Run() exits or on initialization failure. Closes the audit
// store and vocabulary watcher, then shuts down the tracer.
func (s *service) cleanup() {
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			slog.Warn("Audit store close error", "error", err)
		}
	}

	if s.terms != nil {
		if err := s.terms.Close(); err != nil {
			slog.Warn("Vocabulary watcher close error", "error", err)
		}
	}

	if s.policyEngine != nil {
		if err := s.policyEngine.Close(); err != nil {
			slog.Warn("Policy watcher close error", "error", err)
		}
	}

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
