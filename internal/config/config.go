// Package config loads and validates process configuration with
// env > file > defaults precedence (C9, §4.9).
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ferg-cod3s/conexus-engine/internal/validation"
)

// Priority is a repository's indexing priority (§3 Repository).
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// repositoryNamePattern is the invariant from §3: "[A-Za-z0-9_.-]+".
var repositoryNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Repository is a logical collection of files rooted at an absolute path
// (§3 Repository).
type Repository struct {
	Name            string   `yaml:"name" json:"name"`
	Path            string   `yaml:"path" json:"path"`
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Excluded        bool     `yaml:"excluded" json:"excluded"`
	Priority        Priority `yaml:"priority" json:"priority"`
	AutoReindex     bool     `yaml:"auto_reindex" json:"auto_reindex"`
	IncludePatterns []string `yaml:"include_patterns,omitempty" json:"include_patterns,omitempty"`
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty" json:"exclude_patterns,omitempty"`
}

// Validate checks the Repository invariants of §3.
func (r Repository) Validate() error {
	if !repositoryNamePattern.MatchString(r.Name) {
		return fmt.Errorf("repository name %q must match [A-Za-z0-9_.-]+", r.Name)
	}
	info, err := os.Stat(r.Path)
	if err != nil {
		return fmt.Errorf("repository path %q: %w", r.Path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repository path %q is not a directory", r.Path)
	}
	return nil
}

// Config is the process-wide configuration (C9, §4.9).
type Config struct {
	Repositories  []Repository        `yaml:"repositories" json:"repositories"`
	Global        GlobalPatternConfig `yaml:"global" json:"global"`
	Database      DatabaseConfig      `yaml:"database" json:"database"`
	Indexer       IndexerConfig       `yaml:"indexer" json:"indexer"`
	Embedding     EmbeddingConfig     `yaml:"embedding" json:"embedding"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Watcher       WatcherConfig       `yaml:"watcher" json:"watcher"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// GlobalPatternConfig holds include/exclude patterns inherited by
// repositories that don't set their own (§4.2).
type GlobalPatternConfig struct {
	IncludePatterns []string `yaml:"include_patterns" json:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns" json:"exclude_patterns"`
}

// DatabaseConfig points at the MetadataStore + document store files.
type DatabaseConfig struct {
	MetadataPath string `yaml:"metadata_path" json:"metadata_path"`
	DocumentPath string `yaml:"document_path" json:"document_path"`
}

// IndexerConfig configures the Chunker (C3) and default scan limits.
type IndexerConfig struct {
	ChunkSize    int   `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int   `yaml:"chunk_overlap" json:"chunk_overlap"`
	MaxFileSize  int64 `yaml:"max_file_size" json:"max_file_size"`
}

// EmbeddingConfig selects and configures the VectorWriter's embedding
// provider (C5, §4.5).
type EmbeddingConfig struct {
	Provider   string                 `yaml:"provider" json:"provider"`
	Model      string                 `yaml:"model" json:"model"`
	Dimensions int                    `yaml:"dimensions" json:"dimensions"`
	Config     map[string]interface{} `yaml:"config" json:"config"`
}

// LoggingConfig configures the slog-based structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// WatcherConfig configures the RepositoryWatcher (C8, §4.8).
type WatcherConfig struct {
	DebounceSeconds int `yaml:"debounce_seconds" json:"debounce_seconds"`
}

// ObservabilityConfig configures metrics, tracing, and error reporting.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Sentry  SentryConfig  `yaml:"sentry" json:"sentry"`
}

// MetricsConfig configures the Prometheus registry (not served directly;
// handed to the out-of-scope HTTP façade).
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	Endpoint   string  `yaml:"endpoint" json:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
}

// SentryConfig configures the optional Sentry error reporting forwarder.
type SentryConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	DSN         string  `yaml:"dsn" json:"dsn"`
	Environment string  `yaml:"environment" json:"environment"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// Defaults, mirroring the env > file > defaults precedence chain.
const (
	DefaultMetadataPath          = "./data/metadata.db"
	DefaultDocumentPath          = "./data/documents.db"
	DefaultChunkSize             = 500
	DefaultChunkOverlap          = 50
	DefaultMaxFileSize           = 1024 * 1024
	DefaultEmbeddingProvider     = "local"
	DefaultEmbeddingModel        = "all-MiniLM-L6-v2"
	DefaultEmbeddingDimensions   = 384
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultWatcherDebounceSecs   = 5
	DefaultMetricsEnabled        = true
	DefaultMetricsPath           = "/metrics"
	DefaultTracingEnabled        = false
	DefaultTracingSampleRate     = 0.1
	DefaultSentryEnabled         = false
	DefaultSentrySampleRate      = 1.0
)

var (
	// ValidLogLevels are the accepted slog level names.
	ValidLogLevels = []string{"debug", "info", "warn", "error"}
	// ValidLogFormats are the accepted logger handler formats.
	ValidLogFormats = []string{"json", "text"}
	// ValidPriorities are the accepted repository priority values.
	ValidPriorities = []string{string(PriorityHigh), string(PriorityMedium), string(PriorityLow)}
)

// Load builds the final Config following env > file > defaults
// precedence (§4.9).
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	if configFile := os.Getenv("CONEXUS_CONFIG_FILE"); configFile != "" {
		validatedPath, err := validation.ValidateConfigPath(configFile)
		if err != nil {
			return nil, fmt.Errorf("config file path validation failed: %w", err)
		}

		fileCfg, err := loadFile(validatedPath)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		cfg = merge(cfg, fileCfg)
	}

	cfg = loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with all default values populated.
func defaults() *Config {
	return &Config{
		Repositories: nil,
		Global: GlobalPatternConfig{
			IncludePatterns: []string{
				".py", ".js", ".ts", ".tsx", ".jsx", ".java", ".go", ".rs",
				".c", ".cpp", ".h", ".hpp", ".md", ".txt", ".rst", ".yaml",
				".yml", ".json", ".toml", ".sh", ".sql", ".dart", ".swift", ".kt",
			},
			ExcludePatterns: []string{".git/", "node_modules/", "vendor/", "dist/", "build/"},
		},
		Database: DatabaseConfig{
			MetadataPath: DefaultMetadataPath,
			DocumentPath: DefaultDocumentPath,
		},
		Indexer: IndexerConfig{
			ChunkSize:    DefaultChunkSize,
			ChunkOverlap: DefaultChunkOverlap,
			MaxFileSize:  DefaultMaxFileSize,
		},
		Embedding: EmbeddingConfig{
			Provider:   DefaultEmbeddingProvider,
			Model:      DefaultEmbeddingModel,
			Dimensions: DefaultEmbeddingDimensions,
			Config:     make(map[string]interface{}),
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Watcher: WatcherConfig{
			DebounceSeconds: DefaultWatcherDebounceSecs,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: DefaultMetricsEnabled,
				Path:    DefaultMetricsPath,
			},
			Tracing: TracingConfig{
				Enabled:    DefaultTracingEnabled,
				SampleRate: DefaultTracingSampleRate,
			},
			Sentry: SentryConfig{
				Enabled:    DefaultSentryEnabled,
				SampleRate: DefaultSentrySampleRate,
			},
		},
	}
}

// loadFile loads configuration from a YAML or JSON file.
func loadFile(path string) (*Config, error) {
	safePath := filepath.Clean(path)

	data, err := os.ReadFile(safePath) // #nosec G304 -- path validated by validation.ValidateConfigPath in Load
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	cfg := &Config{}
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}

	return cfg, nil
}

// Save writes cfg back to path as YAML or JSON, chosen by extension,
// mirroring loadFile's decode formats. Used by the registry surface to
// persist add/remove/update/bulk_update mutations (§6).
func Save(cfg *Config, path string) error {
	ext := strings.ToLower(filepath.Ext(path))

	var data []byte
	var err error
	switch ext {
	case ".yaml", ".yml", "":
		data, err = yaml.Marshal(cfg)
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		return fmt.Errorf("unsupported file extension: %s", ext)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Clean(path), data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// loadEnv overrides non-zero values from CONEXUS_* environment variables.
func loadEnv(cfg *Config) *Config {
	if metadataPath := os.Getenv("CONEXUS_METADATA_PATH"); metadataPath != "" {
		cfg.Database.MetadataPath = metadataPath
	}
	if documentPath := os.Getenv("CONEXUS_DOCUMENT_PATH"); documentPath != "" {
		cfg.Database.DocumentPath = documentPath
	}

	if chunkSize := os.Getenv("CONEXUS_CHUNK_SIZE"); chunkSize != "" {
		if cs, err := strconv.Atoi(chunkSize); err == nil {
			cfg.Indexer.ChunkSize = cs
		}
	}
	if chunkOverlap := os.Getenv("CONEXUS_CHUNK_OVERLAP"); chunkOverlap != "" {
		if co, err := strconv.Atoi(chunkOverlap); err == nil {
			cfg.Indexer.ChunkOverlap = co
		}
	}

	if provider := os.Getenv("CONEXUS_EMBEDDING_PROVIDER"); provider != "" {
		cfg.Embedding.Provider = provider
	}
	if model := os.Getenv("CONEXUS_EMBEDDING_MODEL"); model != "" {
		cfg.Embedding.Model = model
	}
	if dimensions := os.Getenv("CONEXUS_EMBEDDING_DIMENSIONS"); dimensions != "" {
		if dim, err := strconv.Atoi(dimensions); err == nil {
			cfg.Embedding.Dimensions = dim
		}
	}

	if logLevel := os.Getenv("CONEXUS_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("CONEXUS_LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	if debounce := os.Getenv("CONEXUS_WATCHER_DEBOUNCE_SECONDS"); debounce != "" {
		if d, err := strconv.Atoi(debounce); err == nil {
			cfg.Watcher.DebounceSeconds = d
		}
	}

	if metricsEnabled := os.Getenv("CONEXUS_METRICS_ENABLED"); metricsEnabled != "" {
		if b, err := strconv.ParseBool(metricsEnabled); err == nil {
			cfg.Observability.Metrics.Enabled = b
		}
	}
	if tracingEndpoint := os.Getenv("CONEXUS_TRACING_ENDPOINT"); tracingEndpoint != "" {
		cfg.Observability.Tracing.Enabled = true
		cfg.Observability.Tracing.Endpoint = tracingEndpoint
	}
	if sentryDSN := os.Getenv("CONEXUS_SENTRY_DSN"); sentryDSN != "" {
		cfg.Observability.Sentry.Enabled = true
		cfg.Observability.Sentry.DSN = sentryDSN
	}

	return cfg
}

// merge overlays non-zero fields of override onto base.
func merge(base, override *Config) *Config {
	result := *base

	if len(override.Repositories) > 0 {
		result.Repositories = override.Repositories
	}
	if len(override.Global.IncludePatterns) > 0 {
		result.Global.IncludePatterns = override.Global.IncludePatterns
	}
	if len(override.Global.ExcludePatterns) > 0 {
		result.Global.ExcludePatterns = override.Global.ExcludePatterns
	}

	if override.Database.MetadataPath != "" {
		result.Database.MetadataPath = override.Database.MetadataPath
	}
	if override.Database.DocumentPath != "" {
		result.Database.DocumentPath = override.Database.DocumentPath
	}

	if override.Indexer.ChunkSize != 0 {
		result.Indexer.ChunkSize = override.Indexer.ChunkSize
	}
	if override.Indexer.ChunkOverlap != 0 {
		result.Indexer.ChunkOverlap = override.Indexer.ChunkOverlap
	}
	if override.Indexer.MaxFileSize != 0 {
		result.Indexer.MaxFileSize = override.Indexer.MaxFileSize
	}

	if override.Embedding.Provider != "" {
		result.Embedding.Provider = override.Embedding.Provider
	}
	if override.Embedding.Model != "" {
		result.Embedding.Model = override.Embedding.Model
	}
	if override.Embedding.Dimensions != 0 {
		result.Embedding.Dimensions = override.Embedding.Dimensions
	}
	if override.Embedding.Config != nil {
		result.Embedding.Config = override.Embedding.Config
	}

	if override.Logging.Level != "" {
		result.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		result.Logging.Format = override.Logging.Format
	}

	if override.Watcher.DebounceSeconds != 0 {
		result.Watcher.DebounceSeconds = override.Watcher.DebounceSeconds
	}

	if override.Observability.Metrics.Enabled != DefaultMetricsEnabled {
		result.Observability.Metrics.Enabled = override.Observability.Metrics.Enabled
	}
	if override.Observability.Metrics.Path != "" {
		result.Observability.Metrics.Path = override.Observability.Metrics.Path
	}
	if override.Observability.Tracing.Enabled {
		result.Observability.Tracing = override.Observability.Tracing
	}
	if override.Observability.Sentry.Enabled {
		result.Observability.Sentry = override.Observability.Sentry
	}

	return &result
}

// Validate checks cross-field invariants and each repository's invariants.
func (c *Config) Validate() error {
	if c.Database.MetadataPath == "" {
		return fmt.Errorf("metadata path cannot be empty")
	}
	if c.Database.DocumentPath == "" {
		return fmt.Errorf("document path cannot be empty")
	}

	if c.Indexer.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive: %d", c.Indexer.ChunkSize)
	}
	if c.Indexer.ChunkOverlap < 0 {
		return fmt.Errorf("chunk overlap cannot be negative: %d", c.Indexer.ChunkOverlap)
	}
	if c.Indexer.ChunkOverlap >= c.Indexer.ChunkSize {
		return fmt.Errorf("chunk overlap (%d) must be less than chunk size (%d)",
			c.Indexer.ChunkOverlap, c.Indexer.ChunkSize)
	}

	if c.Embedding.Dimensions != DefaultEmbeddingDimensions {
		return fmt.Errorf("embedding dimensions must be %d, got %d", DefaultEmbeddingDimensions, c.Embedding.Dimensions)
	}

	if !contains(ValidLogLevels, c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
	}
	if !contains(ValidLogFormats, c.Logging.Format) {
		return fmt.Errorf("invalid log format: %s (valid: %v)", c.Logging.Format, ValidLogFormats)
	}

	if c.Watcher.DebounceSeconds < 1 {
		return fmt.Errorf("watcher debounce seconds must be positive: %d", c.Watcher.DebounceSeconds)
	}

	if c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.SampleRate < 0 || c.Observability.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing sample rate must be in [0,1]: %f", c.Observability.Tracing.SampleRate)
		}
	}

	names := make(map[string]bool, len(c.Repositories))
	for _, repo := range c.Repositories {
		if err := repo.Validate(); err != nil {
			return fmt.Errorf("repository %q: %w", repo.Name, err)
		}
		if !contains(ValidPriorities, string(repo.Priority)) {
			return fmt.Errorf("repository %q: invalid priority %q", repo.Name, repo.Priority)
		}
		if names[repo.Name] {
			return fmt.Errorf("duplicate repository name: %q", repo.Name)
		}
		names[repo.Name] = true
	}

	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// Default returns the zero-config default Config (no repositories
// registered), useful for tests.
func Default() *Config {
	return defaults()
}

// RepoRegistry is the mutable, in-process registry of repositories (C9,
// §4.9). It notifies subscribers (the watcher, the orchestrator) of
// additions, removals, and updates so they can react without polling.
type RepoRegistry struct {
	mu          sync.RWMutex
	repos       map[string]Repository
	global      GlobalPatternConfig
	subscribers []func(event RegistryEvent)
}

// RegistryEventKind enumerates the RepoRegistry mutation kinds.
type RegistryEventKind string

const (
	EventRepositoryAdded   RegistryEventKind = "added"
	EventRepositoryRemoved RegistryEventKind = "removed"
	EventRepositoryUpdated RegistryEventKind = "updated"
)

// RegistryEvent is published to subscribers on every mutation.
type RegistryEvent struct {
	Kind       RegistryEventKind
	Repository Repository
}

// NewRepoRegistry builds a RepoRegistry seeded from a loaded Config.
func NewRepoRegistry(cfg *Config) *RepoRegistry {
	r := &RepoRegistry{
		repos:  make(map[string]Repository, len(cfg.Repositories)),
		global: cfg.Global,
	}
	for _, repo := range cfg.Repositories {
		r.repos[repo.Name] = repo
	}
	return r
}

// Subscribe registers fn to be called on every subsequent mutation.
func (r *RepoRegistry) Subscribe(fn func(event RegistryEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *RepoRegistry) notify(event RegistryEvent) {
	for _, fn := range r.subscribers {
		fn(event)
	}
}

// AddRepository registers a new repository, applying global patterns where
// the repository doesn't set its own.
func (r *RepoRegistry) AddRepository(repo Repository) error {
	if err := repo.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.repos[repo.Name]; exists {
		return fmt.Errorf("repository %q already registered", repo.Name)
	}
	if len(repo.IncludePatterns) == 0 {
		repo.IncludePatterns = r.global.IncludePatterns
	}
	repo.ExcludePatterns = append(append([]string{}, r.global.ExcludePatterns...), repo.ExcludePatterns...)

	r.repos[repo.Name] = repo
	r.notify(RegistryEvent{Kind: EventRepositoryAdded, Repository: repo})
	return nil
}

// RemoveRepository unregisters a repository. Callers (the orchestrator) are
// responsible for deleting its documents and MetadataStore rows (§3
// "removing a repository ... must also remove its documents").
func (r *RepoRegistry) RemoveRepository(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, exists := r.repos[name]
	if !exists {
		return fmt.Errorf("repository %q not found", name)
	}
	delete(r.repos, name)
	r.notify(RegistryEvent{Kind: EventRepositoryRemoved, Repository: repo})
	return nil
}

// UpdateRepository replaces a repository's configuration in place.
func (r *RepoRegistry) UpdateRepository(repo Repository) error {
	if err := repo.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.repos[repo.Name]; !exists {
		return fmt.Errorf("repository %q not found", repo.Name)
	}
	r.repos[repo.Name] = repo
	r.notify(RegistryEvent{Kind: EventRepositoryUpdated, Repository: repo})
	return nil
}

// BulkUpdate replaces the entire repository set in one call, diffing
// against the previous set to emit the right sequence of events.
func (r *RepoRegistry) BulkUpdate(repos []Repository) error {
	for _, repo := range repos {
		if err := repo.Validate(); err != nil {
			return fmt.Errorf("repository %q: %w", repo.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Repository, len(repos))
	for _, repo := range repos {
		next[repo.Name] = repo
	}

	for name, repo := range r.repos {
		if _, stillPresent := next[name]; !stillPresent {
			r.notify(RegistryEvent{Kind: EventRepositoryRemoved, Repository: repo})
		}
	}
	for name, repo := range next {
		if old, existed := r.repos[name]; !existed {
			r.notify(RegistryEvent{Kind: EventRepositoryAdded, Repository: repo})
		} else if old != repo {
			r.notify(RegistryEvent{Kind: EventRepositoryUpdated, Repository: repo})
		}
	}

	r.repos = next
	return nil
}

// Get returns a repository by name.
func (r *RepoRegistry) Get(name string) (Repository, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repos[name]
	return repo, ok
}

// List returns all registered repositories.
func (r *RepoRegistry) List() []Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		out = append(out, repo)
	}
	return out
}
