// Package cortexlab is the public API for embedding the CortexLab run
// orchestration server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := cortexlab.New(
//	    cortexlab.WithVersion(version),
//	    cortexlab.WithLogger(logger),
//	    cortexlab.WithSearchProvider(myIndex{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types
// (Paper, SearchQuery) are standalone structs; the adapters that convert them
// live here because this is the only file that sees both sides.
package cortexlab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/cortexlab/api"
	"github.com/ashita-ai/cortexlab/internal/agents"
	"github.com/ashita-ai/cortexlab/internal/auth"
	"github.com/ashita-ai/cortexlab/internal/config"
	"github.com/ashita-ai/cortexlab/internal/engine"
	"github.com/ashita-ai/cortexlab/internal/errs"
	"github.com/ashita-ai/cortexlab/internal/generation"
	"github.com/ashita-ai/cortexlab/internal/mcp"
	"github.com/ashita-ai/cortexlab/internal/model"
	"github.com/ashita-ai/cortexlab/internal/ranking"
	"github.com/ashita-ai/cortexlab/internal/ratelimit"
	"github.com/ashita-ai/cortexlab/internal/retrieval"
	"github.com/ashita-ai/cortexlab/internal/server"
	"github.com/ashita-ai/cortexlab/internal/storage"
	"github.com/ashita-ai/cortexlab/internal/storage/memstore"
	"github.com/ashita-ai/cortexlab/internal/telemetry"
	"github.com/ashita-ai/cortexlab/migrations"
)

// Shutdown phase budgets.
const (
	httpDrainTimeout = 10 * time.Second
	runDrainTimeout  = 20 * time.Second
)

// App is the CortexLab server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        engine.Store
	db           *storage.DB // nil with the in-memory store
	eng          *engine.Engine
	srv          *server.Server
	broker       *server.Broker // nil without a notify connection
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It opens the store, runs migrations, wires the
// engine, pipelines and API surfaces, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		if o.notifyURL == "" {
			cfg.NotifyURL = o.databaseURL
		}
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("cortexlab starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, db, err := openStore(ctx, cfg, o, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}
	cleanup := func() {
		if db != nil {
			db.Close(ctx)
		}
		_ = otelShutdown(ctx)
	}

	var verifier *auth.Verifier
	if cfg.JWTPublicKeyPath != "" {
		verifier, err = auth.NewVerifier(cfg.JWTPublicKeyPath)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("auth: %w", err)
		}
		logger.Info("auth: enabled", "public_key", cfg.JWTPublicKeyPath)
	} else {
		logger.Warn("auth: disabled (no CORTEXLAB_JWT_PUBLIC_KEY)")
	}

	httpClient := retrieval.NewHTTPClient()
	providers := newRetrievalProviders(cfg, httpClient, logger)
	for _, p := range o.searchProviders {
		providers = append(providers, &searchProviderAdapter{p: p})
	}
	if len(providers) == 0 {
		logger.Warn("retrieval: no providers configured; runs will fail")
	}
	gateway := retrieval.NewGateway(cfg.CallTimeout, cfg.ExternalParallelism(), logger, providers...)

	var generator generation.Generator
	if o.generator != nil {
		generator = &generatorAdapter{g: o.generator}
		logger.Info("generation: external generator", "name", o.generator.Name())
	} else {
		generator = newGenerator(cfg, httpClient, logger)
	}

	var embedder generation.Embedder
	if _, ok := store.(engine.VectorStore); ok && cfg.OpenAIAPIKey != "" {
		embedder = generation.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions, "", httpClient)
		logger.Info("embeddings: openai", "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
	} else {
		logger.Info("embeddings: disabled")
	}

	registry := agents.New(agents.Deps{
		Store:     store,
		Search:    gateway,
		Generator: generator,
		Embedder:  embedder,
		Weights: ranking.Weights{
			Evidence: cfg.WeightEvidence,
			Recency:  cfg.WeightRecency,
			Coverage: cfg.WeightCoverage,
		},
		Limits: agents.Limits{
			MinSources:    cfg.MinSources,
			MinDirections: cfg.MinDirections,
			MaxDirections: cfg.MaxDirections,
		},
		Logger: logger,
	})

	eng := engine.New(store, registry, engine.Config{
		MaxAttempts:    cfg.MaxAttempts,
		MaxParallel:    cfg.MaxParallel,
		RetryBaseDelay: cfg.RetryBaseDelay,
		PollInterval:   cfg.StreamPoll,
	}, logger)

	// Cross-instance wakeups for stream subscribers.
	var broker *server.Broker
	if db != nil && db.HasNotifyConn() {
		broker = server.NewBroker(db, eng.EventLog(), logger)
	} else {
		logger.Info("notify broker: disabled (no notify connection)")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(eng, logger, version)

	srv := server.New(server.ServerConfig{
		Engine:              eng,
		Store:               store,
		Logger:              logger,
		Verifier:            verifier,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		KeepaliveInterval:   cfg.KeepaliveInterval,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		db:           db,
		eng:          eng,
		srv:          srv,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for embedding the API in another server.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run resumes interrupted runs, starts the notify broker and the HTTP server,
// then blocks until ctx is cancelled or the server fails. On return, Shutdown
// has already been called.
func (a *App) Run(ctx context.Context) error {
	n, err := a.eng.Recover(ctx)
	if err != nil {
		a.logger.Error("run recovery failed", "error", err)
	} else if n > 0 {
		a.logger.Info("resumed interrupted runs", "count", n)
	}

	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}
	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown: (1) stop accepting HTTP
// requests and drain in-flight ones, (2) stop admitting runs and wait for the
// active ones to reach a resumable point. It then releases the limiter, the
// OTEL providers and the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("cortexlab shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, httpDrainTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	var shutdownErr error
	runCtx, runCancel := context.WithTimeout(ctx, runDrainTimeout)
	if err := a.eng.Shutdown(runCtx); err != nil {
		a.logger.Error("engine drain incomplete; unfinished runs resume on next start",
			"error", err, "active_runs", a.eng.ActiveRuns())
		shutdownErr = fmt.Errorf("engine shutdown: %w", err)
	}
	runCancel()

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	if a.db != nil {
		a.db.Close(context.Background())
	}

	a.logger.Info("cortexlab stopped")
	return shutdownErr
}

// openStore connects to Postgres and applies migrations, or falls back to the
// in-memory store when no database is configured.
func openStore(ctx context.Context, cfg config.Config, o resolvedOptions, logger *slog.Logger) (engine.Store, *storage.DB, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("storage: in-memory (no DATABASE_URL); runs are lost on restart")
		return memstore.New(), nil, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			db.Close(ctx)
			return nil, nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'runs')`,
	).Scan(&schemaOK); err != nil {
		db.Close(ctx)
		return nil, nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(ctx)
		return nil, nil, fmt.Errorf("critical table 'runs' does not exist after migration; check that the vector extension is available")
	}
	logger.Info("storage: postgres", "notify", db.HasNotifyConn())
	return db, db, nil
}

// newRetrievalProviders registers every literature index the config enables.
// OpenAlex and Semantic Scholar work without keys; SerpAPI needs one.
func newRetrievalProviders(cfg config.Config, client *http.Client, logger *slog.Logger) []retrieval.Provider {
	providers := []retrieval.Provider{
		retrieval.NewOpenAlex(cfg.OpenAlexMailto, client),
		retrieval.NewSemanticScholar(cfg.SemanticScholarKey, client),
	}
	if cfg.SerpAPIKey != "" {
		providers = append(providers, retrieval.NewSerpAPI(cfg.SerpAPIKey, client))
	} else {
		logger.Info("retrieval: serpapi disabled (no SERPAPI_API_KEY)")
	}
	return providers
}

// newGenerator chains the configured LLM providers: Groq first, then OpenAI,
// then Anthropic.
func newGenerator(cfg config.Config, client *http.Client, logger *slog.Logger) generation.Generator {
	var gens []generation.Generator
	if cfg.GroqAPIKey != "" {
		gens = append(gens, generation.NewOpenAI("groq", cfg.GroqAPIKey, cfg.GroqModel, cfg.GroqBaseURL, client))
	}
	if cfg.OpenAIAPIKey != "" {
		gens = append(gens, generation.NewOpenAI("openai", cfg.OpenAIAPIKey, cfg.OpenAIModel, "", client))
	}
	if cfg.AnthropicAPIKey != "" {
		gens = append(gens, generation.NewAnthropic(cfg.AnthropicAPIKey, cfg.AnthropicModel, "", client))
	}
	fb := generation.NewFallback(logger, gens...)
	if len(gens) == 0 {
		logger.Warn("generation: no provider configured; runs will fail at the first model call")
	} else {
		logger.Info("generation: providers", "chain", fb.Name())
	}
	return fb
}

// ── Adapters from the public extension interfaces ─────────────────────────────

type generatorAdapter struct{ g Generator }

func (a *generatorAdapter) Name() string { return a.g.Name() }

func (a *generatorAdapter) Generate(ctx context.Context, p generation.Prompt) (string, error) {
	out, err := a.g.Generate(ctx, p.System, p.UserText())
	if err != nil {
		return "", errs.Provider("generation."+a.g.Name(), err)
	}
	return out, nil
}

type searchProviderAdapter struct{ p SearchProvider }

func (a *searchProviderAdapter) Name() string { return a.p.Name() }

func (a *searchProviderAdapter) Search(ctx context.Context, q retrieval.Query) ([]model.Source, error) {
	papers, err := a.p.Search(ctx, SearchQuery{
		Text:     q.Text,
		Limit:    q.Limit,
		YearFrom: q.YearFrom,
		YearTo:   q.YearTo,
	})
	if err != nil {
		return nil, errs.Provider("retrieval."+a.p.Name(), err)
	}
	out := make([]model.Source, len(papers))
	for i, p := range papers {
		out[i] = toSource(p)
	}
	return out, nil
}

func toSource(p Paper) model.Source {
	return model.Source{
		ExternalID:    p.ExternalID,
		DOI:           p.DOI,
		Title:         p.Title,
		Authors:       p.Authors,
		Year:          p.Year,
		Venue:         p.Venue,
		URL:           p.URL,
		Abstract:      p.Abstract,
		CitationCount: p.CitationCount,
	}
}
