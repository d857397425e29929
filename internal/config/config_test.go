package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	assert.Equal(t, DefaultMetadataPath, cfg.Database.MetadataPath)
	assert.Equal(t, DefaultDocumentPath, cfg.Database.DocumentPath)
	assert.Equal(t, DefaultChunkSize, cfg.Indexer.ChunkSize)
	assert.Equal(t, DefaultChunkOverlap, cfg.Indexer.ChunkOverlap)
	assert.Equal(t, DefaultEmbeddingProvider, cfg.Embedding.Provider)
	assert.Equal(t, DefaultEmbeddingModel, cfg.Embedding.Model)
	assert.Equal(t, DefaultEmbeddingDimensions, cfg.Embedding.Dimensions)
	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
	assert.Equal(t, DefaultLogFormat, cfg.Logging.Format)
	assert.Equal(t, DefaultWatcherDebounceSecs, cfg.Watcher.DebounceSeconds)
	assert.Empty(t, cfg.Repositories)
	assert.NotEmpty(t, cfg.Global.IncludePatterns)
}

func TestLoadEnv(t *testing.T) {
	vars := map[string]string{
		"CONEXUS_METADATA_PATH":            "/custom/metadata.db",
		"CONEXUS_DOCUMENT_PATH":            "/custom/documents.db",
		"CONEXUS_CHUNK_SIZE":               "1024",
		"CONEXUS_CHUNK_OVERLAP":            "100",
		"CONEXUS_EMBEDDING_PROVIDER":       "mock",
		"CONEXUS_EMBEDDING_MODEL":          "mock-384",
		"CONEXUS_EMBEDDING_DIMENSIONS":     "384",
		"CONEXUS_LOG_LEVEL":                "debug",
		"CONEXUS_LOG_FORMAT":               "text",
		"CONEXUS_WATCHER_DEBOUNCE_SECONDS": "10",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}

	cfg := loadEnv(defaults())

	assert.Equal(t, "/custom/metadata.db", cfg.Database.MetadataPath)
	assert.Equal(t, "/custom/documents.db", cfg.Database.DocumentPath)
	assert.Equal(t, 1024, cfg.Indexer.ChunkSize)
	assert.Equal(t, 100, cfg.Indexer.ChunkOverlap)
	assert.Equal(t, "mock", cfg.Embedding.Provider)
	assert.Equal(t, "mock-384", cfg.Embedding.Model)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 10, cfg.Watcher.DebounceSeconds)
}

func TestLoadEnv_NoOverride(t *testing.T) {
	cfg := loadEnv(defaults())
	assert.Equal(t, DefaultChunkSize, cfg.Indexer.ChunkSize)
	assert.Equal(t, DefaultEmbeddingProvider, cfg.Embedding.Provider)
}

func TestLoadFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conexus.yaml")
	yamlContent := `
repositories:
  - name: myrepo
    path: ` + dir + `
    enabled: true
    priority: high
indexer:
  chunk_size: 800
  chunk_overlap: 40
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	cfg, err := loadFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Repositories, 1)
	assert.Equal(t, "myrepo", cfg.Repositories[0].Name)
	assert.Equal(t, 800, cfg.Indexer.ChunkSize)
	assert.Equal(t, 40, cfg.Indexer.ChunkOverlap)
}

func TestLoadFile_UnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conexus.toml")
	require.NoError(t, os.WriteFile(path, []byte("x=1"), 0600))

	_, err := loadFile(path)
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	base := defaults()
	override := &Config{
		Indexer: IndexerConfig{ChunkSize: 999},
		Logging: LoggingConfig{Level: "debug"},
	}

	merged := merge(base, override)
	assert.Equal(t, 999, merged.Indexer.ChunkSize)
	assert.Equal(t, DefaultChunkOverlap, merged.Indexer.ChunkOverlap)
	assert.Equal(t, "debug", merged.Logging.Level)
	assert.Equal(t, DefaultLogFormat, merged.Logging.Format)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid default config", func(t *testing.T) {
		assert.NoError(t, defaults().Validate())
	})

	t.Run("rejects wrong embedding dimensions", func(t *testing.T) {
		cfg := defaults()
		cfg.Embedding.Dimensions = 768
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects overlap >= chunk size", func(t *testing.T) {
		cfg := defaults()
		cfg.Indexer.ChunkOverlap = cfg.Indexer.ChunkSize
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects invalid log level", func(t *testing.T) {
		cfg := defaults()
		cfg.Logging.Level = "verbose"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects duplicate repository names", func(t *testing.T) {
		dir := t.TempDir()
		cfg := defaults()
		cfg.Repositories = []Repository{
			{Name: "dup", Path: dir, Priority: PriorityHigh},
			{Name: "dup", Path: dir, Priority: PriorityLow},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects repository with nonexistent path", func(t *testing.T) {
		cfg := defaults()
		cfg.Repositories = []Repository{
			{Name: "gone", Path: "/does/not/exist", Priority: PriorityHigh},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects repository name with invalid characters", func(t *testing.T) {
		dir := t.TempDir()
		cfg := defaults()
		cfg.Repositories = []Repository{
			{Name: "bad name!", Path: dir, Priority: PriorityHigh},
		}
		assert.Error(t, cfg.Validate())
	})
}

func TestRepoRegistry_AddRemoveUpdate(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	reg := NewRepoRegistry(cfg)

	var events []RegistryEvent
	reg.Subscribe(func(e RegistryEvent) { events = append(events, e) })

	repo := Repository{Name: "repo1", Path: dir, Priority: PriorityHigh, Enabled: true}
	require.NoError(t, reg.AddRepository(repo))
	require.Len(t, events, 1)
	assert.Equal(t, EventRepositoryAdded, events[0].Kind)

	got, ok := reg.Get("repo1")
	require.True(t, ok)
	assert.Equal(t, "repo1", got.Name)
	assert.NotEmpty(t, got.IncludePatterns, "global include patterns should be inherited")

	require.Error(t, reg.AddRepository(repo), "duplicate registration must fail")

	repo.Priority = PriorityLow
	require.NoError(t, reg.UpdateRepository(repo))
	assert.Equal(t, EventRepositoryUpdated, events[len(events)-1].Kind)

	require.NoError(t, reg.RemoveRepository("repo1"))
	assert.Equal(t, EventRepositoryRemoved, events[len(events)-1].Kind)
	_, ok = reg.Get("repo1")
	assert.False(t, ok)
}

func TestRepoRegistry_BulkUpdate(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	reg := NewRepoRegistry(cfg)

	require.NoError(t, reg.AddRepository(Repository{Name: "a", Path: dir, Priority: PriorityHigh}))

	var events []RegistryEvent
	reg.Subscribe(func(e RegistryEvent) { events = append(events, e) })

	require.NoError(t, reg.BulkUpdate([]Repository{
		{Name: "a", Path: dir, Priority: PriorityLow},
		{Name: "b", Path: dir, Priority: PriorityMedium},
	}))

	assert.Len(t, reg.List(), 2)

	var kinds []RegistryEventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, EventRepositoryAdded)
	assert.Contains(t, kinds, EventRepositoryUpdated)
}
