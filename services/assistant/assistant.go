// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assistant assembles and serves the concierge.
//
// # Description
//
// The package wires the full dependency graph — session store, memory
// tiers, intent router, contracts, pipelines, engine, retention — behind
// a Gin HTTP surface, choosing in-memory or durable backends from the
// configuration. Hosted deployments inject auth, audit and filtering
// through extensions.ServiceOptions; the open defaults are all no-ops.
//
// # Thread Safety
//
// A Service is immutable after New. Run blocks and must be called at
// most once per instance.
package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/lucerne-ai/concierge/pkg/extensions"
	"github.com/lucerne-ai/concierge/pkg/logging"
	"github.com/lucerne-ai/concierge/services/assistant/contract"
	"github.com/lucerne-ai/concierge/services/assistant/engine"
	"github.com/lucerne-ai/concierge/services/assistant/intent"
	"github.com/lucerne-ai/concierge/services/assistant/memory"
	"github.com/lucerne-ai/concierge/services/assistant/observability"
	"github.com/lucerne-ai/concierge/services/assistant/pipeline"
	"github.com/lucerne-ai/concierge/services/assistant/pipelines"
	"github.com/lucerne-ai/concierge/services/assistant/redact"
	"github.com/lucerne-ai/concierge/services/assistant/retention"
	"github.com/lucerne-ai/concierge/services/assistant/session"
	"github.com/lucerne-ai/concierge/services/assistant/summarize"
	"github.com/lucerne-ai/concierge/services/llm"
	"github.com/lucerne-ai/concierge/services/providers"
)

// Config holds the service configuration. Zero values select the
// single-node development profile: in-memory stores, fake providers,
// stdout-free observability.
type Config struct {
	// Port is the HTTP listen port. Default 12310.
	Port int `yaml:"port"`

	// GinMode is "debug", "release" or "test". Empty defers to GIN_MODE.
	GinMode string `yaml:"gin_mode"`

	// Logging configures the process-wide log streams. The server
	// command applies it before the service is built.
	Logging logging.Config `yaml:"logging"`

	// LLM selects and configures the model backend.
	LLM llm.Config `yaml:"llm"`

	// Engine tunes per-turn behavior (deadlines, caps, loop breaker).
	Engine engine.Config `yaml:"engine"`

	// SessionBackend is "memory", "badger" or "postgres". Default memory.
	SessionBackend string `yaml:"session_backend"`

	// BadgerPath is the badger database directory. Required for the
	// badger backend.
	BadgerPath string `yaml:"badger_path"`

	// PostgresDSN connects the postgres session and summary backends.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisAddr enables the Redis message buffer. Empty keeps the
	// in-process buffer.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	// WeaviateURL enables the Weaviate semantic store. Empty keeps the
	// in-process store.
	WeaviateURL string `yaml:"weaviate_url"`

	// EmbedderBaseURL points at an OpenAI-compatible /embeddings
	// endpoint. Empty falls back to a deterministic local embedder,
	// which is only useful for development.
	EmbedderBaseURL string `yaml:"embedder_base_url"`
	EmbedderAPIKey  string `yaml:"embedder_api_key"`
	EmbedderModel   string `yaml:"embedder_model"`

	// GCSBucket receives encrypted audit artifacts. Empty uses the
	// filesystem sink under AuditDir.
	GCSBucket string `yaml:"gcs_bucket"`
	AuditDir  string `yaml:"audit_dir"`
	SpoolDir  string `yaml:"spool_dir"`

	// InfluxEnabled turns on pipeline timing export to InfluxDB,
	// configured through the INFLUXDB_* environment.
	InfluxEnabled bool `yaml:"influx_enabled"`

	// VolatilityFile is a YAML file of volatility keyword sets, watched
	// for changes. Empty keeps the built-in defaults.
	VolatilityFile string `yaml:"volatility_file"`

	// RetentionDisabled turns off the idle-session archive sweep.
	RetentionDisabled bool             `yaml:"retention_disabled"`
	Retention         retention.Config `yaml:"retention"`

	// Observability configures trace and metric exporters.
	Observability observability.Config `yaml:"observability"`

	// RedactNER enables the named-entity layer of the redactor.
	RedactNER bool `yaml:"redact_ner"`

	// Provider endpoints. Empty endpoints fall back to fakes, which is
	// only acceptable for development.
	ProductSearchURL    string `yaml:"product_search_url"`
	ProductSearchAPIKey string `yaml:"product_search_api_key"`
	SpecsURL            string `yaml:"specs_url"`
	WebSearchURL        string `yaml:"web_search_url"`
	WebSearchAPIKey     string `yaml:"web_search_api_key"`
	CheckoutURL         string `yaml:"checkout_url"`
	CheckoutAPIKey      string `yaml:"checkout_api_key"`
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.AuditDir == "" {
		cfg.AuditDir = "./data/audit"
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = "./data/spool"
	}
	return cfg
}

// Service is the assembled concierge.
type Service struct {
	cfg      Config
	opts     extensions.ServiceOptions
	router   *gin.Engine
	handlers *Handlers
	engine   *engine.Engine
	sweeper  *retention.Scheduler
	log      *slog.Logger

	// closers run in reverse order on shutdown.
	closers []func(ctx context.Context)
}

// New builds the full dependency graph. If opts is nil the no-op
// defaults apply.
func New(cfg Config, opts *extensions.ServiceOptions) (*Service, error) {
	cfg = applyConfigDefaults(cfg)
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	s := &Service{cfg: cfg, log: slog.Default().With("component", "assistant")}
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	ctx := context.Background()

	shutdownTelemetry, err := observability.Init(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.closers = append(s.closers, func(ctx context.Context) {
		if err := shutdownTelemetry(ctx); err != nil {
			s.log.Warn("telemetry shutdown failed", "error", err)
		}
	})

	metrics, err := observability.NewMetrics(otel.Meter("concierge"))
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	redactor, err := redact.New(redact.Config{
		UseNER:      cfg.RedactNER,
		DefaultMode: redact.ModeHash,
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init redactor: %w", err)
	}

	client, err := llm.New(cfg.LLM)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init llm client: %w", err)
	}

	sessions, db, err := s.initSessions(ctx)
	if err != nil {
		s.close()
		return nil, err
	}
	buffer, err := s.initBuffer()
	if err != nil {
		s.close()
		return nil, err
	}
	summaries, err := s.initSummaries(ctx, db)
	if err != nil {
		s.close()
		return nil, err
	}
	semantic, err := s.initSemantic(ctx, redactor)
	if err != nil {
		s.close()
		return nil, err
	}
	audit, err := s.initAudit(ctx)
	if err != nil {
		s.close()
		return nil, err
	}

	var sink pipeline.TimingSink
	if cfg.InfluxEnabled {
		influx := observability.NewInfluxSink(observability.DefaultInfluxConfig())
		s.closers = append(s.closers, func(context.Context) { influx.Close() })
		sink = influx
	}
	runtime := pipeline.NewRuntime(pipeline.NewCache(0), sink)

	search, match, checkout, web := s.initProviders(runtime, client)

	contracts := contract.NewRegistry()
	if err := contracts.Register(contract.NewPurchaseContract(contract.PurchaseDeps{
		Search:   search,
		Match:    match,
		Checkout: checkout,
		LLM:      client,
	})); err != nil {
		s.close()
		return nil, fmt.Errorf("register purchase contract: %w", err)
	}

	tools := providers.NewToolRegistry()
	if err := tools.Register(&providers.ClockTool{}); err != nil {
		s.close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	settings, err := intent.NewSettingsStore()
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init volatility settings: %w", err)
	}
	if cfg.VolatilityFile != "" {
		if err := settings.Watch(cfg.VolatilityFile); err != nil {
			s.log.Warn("volatility file watch failed, using built-in sets",
				"path", cfg.VolatilityFile, "error", err)
		} else {
			s.closers = append(s.closers, func(context.Context) { settings.Close() })
		}
	}

	summarizer := summarize.New(client, redactor, buffer, summaries, summarize.Config{})

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Sessions:   sessions,
		Buffer:     buffer,
		Summaries:  summaries,
		Semantic:   semantic,
		Audit:      audit,
		Router:     intent.NewRouter(client, settings, contracts, tools, intent.Config{}),
		Contracts:  contracts,
		Tools:      tools,
		Web:        web,
		LLM:        client,
		Summarizer: summarizer,
		Metrics:    metrics,
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init engine: %w", err)
	}
	s.engine = eng

	if !cfg.RetentionDisabled {
		archiver, err := retention.NewArchiver(cfg.Retention, sessions, buffer, summaries, audit, redactor)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("init retention: %w", err)
		}
		s.sweeper = retention.NewScheduler(archiver)
	}

	s.handlers = NewHandlers(HandlerDeps{
		Engine:    eng,
		Sessions:  sessions,
		Buffer:    buffer,
		Summaries: summaries,
		Semantic:  semantic,
		Audit:     audit,
		Settings:  settings,
		Redactor:  redactor,
		Probes: []HealthProbe{
			{Name: "sessions", Check: func(ctx context.Context) error {
				_, err := sessions.List(ctx)
				return err
			}},
			{Name: "buffer", Check: func(ctx context.Context) error {
				_, err := buffer.TokenCount(ctx, "health-probe")
				return err
			}},
		},
	}, s.opts)

	s.initRouter()
	return s, nil
}

// Run starts the retention sweeper and the HTTP server, then blocks
// until SIGINT/SIGTERM or a listener error. Shutdown drains in-flight
// requests, flushes the audit queue, and closes every backend.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer s.close()

	if s.sweeper != nil {
		if err := s.sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start retention sweeper: %w", err)
		}
		defer s.sweeper.Stop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("concierge listening", "port", s.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Router exposes the configured engine for integration tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

func (s *Service) initSessions(ctx context.Context) (*session.Store, *sql.DB, error) {
	switch s.cfg.SessionBackend {
	case "", "memory":
		s.log.Info("using in-memory session backend")
		return session.NewStore(session.NewMemoryBackend(), session.Config{}), nil, nil

	case "badger":
		backend, err := session.NewBadgerBackend(session.BadgerConfig{
			Path:       s.cfg.BadgerPath,
			SyncWrites: true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init badger backend: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) {
			if err := backend.Close(); err != nil {
				s.log.Warn("badger close failed", "error", err)
			}
		})
		return session.NewStore(backend, session.Config{}), nil, nil

	case "postgres":
		db, err := sql.Open("postgres", s.cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) {
			if err := db.Close(); err != nil {
				s.log.Warn("postgres close failed", "error", err)
			}
		})
		backend, err := session.NewPostgresBackend(ctx, db)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres backend: %w", err)
		}
		return session.NewStore(backend, session.Config{}), db, nil

	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", s.cfg.SessionBackend)
	}
}

func (s *Service) initBuffer() (memory.BufferStore, error) {
	if s.cfg.RedisAddr == "" {
		s.log.Info("using in-memory message buffer")
		return memory.NewMemoryBuffer(memory.DefaultBufferConfig()), nil
	}
	buf, err := memory.NewRedisBuffer(memory.RedisBufferConfig{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("init redis buffer: %w", err)
	}
	s.closers = append(s.closers, func(context.Context) {
		if err := buf.Close(); err != nil {
			s.log.Warn("redis close failed", "error", err)
		}
	})
	return buf, nil
}

func (s *Service) initSummaries(ctx context.Context, db *sql.DB) (memory.SummaryStore, error) {
	if db == nil {
		return memory.NewMemorySummaryStore(), nil
	}
	store, err := memory.NewPostgresSummaryStore(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("init postgres summaries: %w", err)
	}
	return store, nil
}

func (s *Service) initSemantic(ctx context.Context, redactor *redact.Redactor) (memory.SemanticStore, error) {
	var embedder memory.Embedder
	if s.cfg.EmbedderBaseURL != "" {
		embedder = memory.NewHTTPEmbedder(memory.HTTPEmbedderConfig{
			BaseURL: s.cfg.EmbedderBaseURL,
			APIKey:  s.cfg.EmbedderAPIKey,
			Model:   s.cfg.EmbedderModel,
		})
	} else {
		s.log.Warn("no embedder configured, using deterministic local vectors")
		embedder = memory.NewFakeEmbedder(64)
	}

	if s.cfg.WeaviateURL == "" {
		s.log.Info("using in-memory semantic store")
		return memory.NewMemorySemanticStore(embedder, redactor)
	}
	store, err := memory.NewWeaviateSemanticStore(ctx, memory.WeaviateSemanticStoreConfig{
		URL: s.cfg.WeaviateURL,
	}, embedder, redactor)
	if err != nil {
		return nil, fmt.Errorf("init weaviate semantic store: %w", err)
	}
	return store, nil
}

func (s *Service) initAudit(ctx context.Context) (memory.AuditStore, error) {
	var sink memory.ObjectSink
	if s.cfg.GCSBucket != "" {
		gcs, err := memory.NewGCSObjectSink(ctx, memory.GCSObjectSinkConfig{
			Bucket: s.cfg.GCSBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs audit sink: %w", err)
		}
		sink = gcs
	} else {
		fs, err := memory.NewFSObjectSink(s.cfg.AuditDir)
		if err != nil {
			return nil, fmt.Errorf("init fs audit sink: %w", err)
		}
		sink = fs
	}

	spool, err := memory.NewSpool(s.cfg.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("init audit spool: %w", err)
	}

	recorder, err := memory.NewAuditRecorder(memory.AuditConfig{}, sink, memory.NewSealer(), spool)
	if err != nil {
		return nil, fmt.Errorf("init audit recorder: %w", err)
	}
	s.closers = append(s.closers, func(ctx context.Context) {
		if err := recorder.Close(ctx); err != nil {
			s.log.Warn("audit recorder close failed", "error", err)
		}
	})
	return recorder, nil
}

// initProviders builds the pipelines' external adapters, substituting
// fakes for any endpoint left unconfigured.
func (s *Service) initProviders(runtime *pipeline.Runtime, client llm.Client) (
	*pipelines.ProductSearchPipeline, *pipelines.PreferenceMatchPipeline,
	providers.Checkout, providers.WebSearch) {

	var productSearch providers.ProductSearch
	if s.cfg.ProductSearchURL != "" {
		ps, err := providers.NewHTTPProductSearch(providers.ProductSearchConfig{
			BaseURL: s.cfg.ProductSearchURL,
			APIKey:  s.cfg.ProductSearchAPIKey,
		}, nil)
		if err == nil {
			productSearch = ps
		} else {
			s.log.Warn("product search init failed, using fake", "error", err)
		}
	}
	if productSearch == nil {
		productSearch = &providers.FakeProductSearch{}
	}

	var specs providers.SpecProvider
	if s.cfg.SpecsURL != "" {
		sp, err := providers.NewHTTPSpecProvider(providers.SpecProviderConfig{
			BaseURL: s.cfg.SpecsURL,
		}, nil)
		if err == nil {
			specs = sp
		} else {
			s.log.Warn("spec provider init failed, using fake", "error", err)
		}
	}
	if specs == nil {
		specs = &providers.FakeSpecProvider{}
	}

	var checkout providers.Checkout
	if s.cfg.CheckoutURL != "" {
		co, err := providers.NewHTTPCheckout(providers.CheckoutConfig{
			BaseURL: s.cfg.CheckoutURL,
			APIKey:  s.cfg.CheckoutAPIKey,
		}, nil)
		if err == nil {
			checkout = co
		} else {
			s.log.Warn("checkout init failed, using fake", "error", err)
		}
	}
	if checkout == nil {
		checkout = &providers.FakeCheckout{}
	}

	var web providers.WebSearch
	if s.cfg.WebSearchURL != "" {
		ws, err := providers.NewHTTPWebSearch(providers.WebSearchConfig{
			BaseURL: s.cfg.WebSearchURL,
			APIKey:  s.cfg.WebSearchAPIKey,
		}, nil)
		if err == nil {
			web = ws
		} else {
			s.log.Warn("web search init failed, using fake", "error", err)
		}
	}
	if web == nil {
		web = &providers.FakeWebSearch{}
	}

	return pipelines.NewProductSearch(runtime, productSearch, client),
		pipelines.NewPreferenceMatch(runtime, specs, client),
		checkout, web
}

func (s *Service) initRouter() {
	s.router = gin.New()
	s.router.Use(
		gin.Recovery(),
		otelgin.Middleware("concierge"),
		RequestIDMiddleware(),
		AuthMiddleware(s.opts.Auth),
	)
	RegisterRoutes(s.router.Group("/v1"), s.handlers)
	RegisterRoot(s.router, s.handlers)
}

func (s *Service) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i](ctx)
	}
	s.closers = nil
}
