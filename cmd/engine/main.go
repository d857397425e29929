// Command engine is the conexus-engine process entrypoint: it wires the
// config loader, the metadata and vector stores, the index orchestrator, the
// repository watcher, and the hybrid searcher behind a small Cobra CLI that
// exposes the engine's external interfaces (§6) directly, since the HTTP/MCP
// façade that would otherwise front them is out of scope.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ferg-cod3s/conexus-engine/internal/config"
	"github.com/ferg-cod3s/conexus-engine/internal/embedding"
	"github.com/ferg-cod3s/conexus-engine/internal/indexer"
	"github.com/ferg-cod3s/conexus-engine/internal/metadata"
	"github.com/ferg-cod3s/conexus-engine/internal/observability"
	"github.com/ferg-cod3s/conexus-engine/internal/search"
	"github.com/ferg-cod3s/conexus-engine/internal/vectorstore/sqlite"
	"github.com/ferg-cod3s/conexus-engine/internal/watcher"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
)

// Version is the engine's release version, reported by the version command.
const Version = "0.1.0"

// defaultConfigPath is where the registry surface persists repository
// mutations when CONEXUS_CONFIG_FILE is unset.
const defaultConfigPath = "./conexus.yaml"

// App holds every wired service a subcommand needs. It is built once in
// PersistentPreRunE, after config load, and passed by reference into each
// command constructor, following an up-front wiring order (config -> logger
// -> metrics/tracing/sentry -> core services).
type App struct {
	ConfigPath string
	Cfg        *config.Config
	Registry   *config.RepoRegistry
	Logger     *observability.Logger
	Metrics    *observability.MetricsCollector
	Tracer     *observability.TracerProvider

	Meta     metadata.Store
	Store    *sqlite.Store
	Embedder embedding.Embedder
	Orch     *indexer.Orchestrator
	Search   *search.HybridSearcher
	Watch    *watcher.RepositoryWatcher
}

func main() {
	ctx := context.Background()

	root := &cobra.Command{
		Use:           "engine",
		Short:         "conexus-engine: hybrid code and documentation search",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	var app *App
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		built, err := buildApp(cmd.Context())
		if err != nil {
			return fmt.Errorf("initialize engine: %w", err)
		}
		app = built
		return nil
	}
	root.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if app != nil {
			app.Close()
		}
	}

	// appRef defers dereferencing app until Run time, since cobra builds the
	// command tree before PersistentPreRunE has populated it.
	appRef := func() *App { return app }

	root.AddCommand(
		newServeCmd(appRef),
		newIndexCmd(appRef),
		newStopIndexCmd(appRef),
		newSearchCmd(appRef),
		newStatusCmd(appRef),
		newRepoCmd(appRef),
		newVersionCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildApp loads configuration and constructs every service a command might
// need. Subcommands that only touch the registry (e.g. `repo list`) still
// pay for opening the stores; that cost is acceptable for a CLI invoked a
// handful of times per session rather than per request.
func buildApp(ctx context.Context) (*App, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:         cfg.Logging.Level,
		Format:        cfg.Logging.Format,
		Output:        os.Stderr,
		AddSource:     true,
		SentryEnabled: cfg.Observability.Sentry.Enabled,
	})

	var metrics *observability.MetricsCollector
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetricsCollector("conexus_engine")
	}

	var tracerProvider *observability.TracerProvider
	if cfg.Observability.Tracing.Enabled {
		tracerProvider, err = observability.NewTracerProvider(observability.TracerConfig{
			ServiceName:    "conexus-engine",
			ServiceVersion: Version,
			Environment:    cfg.Observability.Sentry.Environment,
			OTLPEndpoint:   cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SampleRate,
			Enabled:        true,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize tracer provider: %w", err)
		}
	}

	if cfg.Observability.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Observability.Sentry.DSN,
			Environment:      cfg.Observability.Sentry.Environment,
			TracesSampleRate: cfg.Observability.Sentry.SampleRate,
		}); err != nil {
			return nil, fmt.Errorf("initialize sentry: %w", err)
		}
	}

	meta, err := metadata.NewSQLiteStore(cfg.Database.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	store, err := sqlite.NewStore(cfg.Database.DocumentPath)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	provider, err := embedding.Get(cfg.Embedding.Provider)
	if err != nil {
		return nil, fmt.Errorf("resolve embedding provider %q: %w", cfg.Embedding.Provider, err)
	}
	providerConfig := make(map[string]interface{}, len(cfg.Embedding.Config)+2)
	for k, v := range cfg.Embedding.Config {
		providerConfig[k] = v
	}
	providerConfig["model"] = cfg.Embedding.Model
	providerConfig["dimensions"] = cfg.Embedding.Dimensions
	embedder, err := provider.Create(providerConfig)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	registry := config.NewRepoRegistry(cfg)
	orch := indexer.NewOrchestrator(indexer.NewFileWalker(), meta)
	searcher := search.NewHybridSearcher(store, embedder, registry)

	debounce := time.Duration(cfg.Watcher.DebounceSeconds) * time.Second
	template := watcher.JobTemplate{
		Kinds:        []metadata.IndexKind{metadata.KindLexical, metadata.KindVector},
		Embedder:     embedder,
		VectorStore:  store,
		MaxFileSize:  cfg.Indexer.MaxFileSize,
		ChunkSize:    cfg.Indexer.ChunkSize,
		ChunkOverlap: cfg.Indexer.ChunkOverlap,
	}
	watch := watcher.NewRepositoryWatcher(orch, registry, template, debounce, logger.Underlying())

	configPath := os.Getenv("CONEXUS_CONFIG_FILE")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	logger.Info("engine initialized",
		"version", Version,
		"metadata_path", cfg.Database.MetadataPath,
		"document_path", cfg.Database.DocumentPath,
		"embedding_provider", cfg.Embedding.Provider,
		"repositories", len(cfg.Repositories),
	)

	return &App{
		ConfigPath: configPath,
		Cfg:        cfg,
		Registry:   registry,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracerProvider,
		Meta:       meta,
		Store:      store,
		Embedder:   embedder,
		Orch:       orch,
		Search:     searcher,
		Watch:      watch,
	}, nil
}

// Close releases every resource buildApp opened.
func (a *App) Close() {
	if a.Watch != nil {
		a.Watch.StopAll()
	}
	if a.Tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Tracer.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("shut down tracer provider", "error", err)
		}
	}
	if a.Cfg.Observability.Sentry.Enabled {
		sentry.Flush(2 * time.Second)
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Error("close document store", "error", err)
		}
	}
	if a.Meta != nil {
		if err := a.Meta.Close(); err != nil {
			a.Logger.Error("close metadata store", "error", err)
		}
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}
