// Package indexer provides file system traversal, content chunking, and
// writer pipelines for building a searchable codebase index.
package indexer

import (
	"context"
	"io/fs"
	"time"

	"github.com/ferg-cod3s/conexus-engine/internal/embedding"
	"github.com/ferg-cod3s/conexus-engine/internal/metadata"
	"github.com/ferg-cod3s/conexus-engine/internal/vectorstore"
)

// Chunk represents a unit of indexed content with metadata (§3 "chunk").
type Chunk struct {
	ID        string            // "{file_path}:{chunk_index}"
	Content   string            // Raw text content
	FilePath  string            // Absolute file path (the stable file identifier)
	Language  string            // Detected from file extension
	StartLine int               // Starting line number in source file
	EndLine   int               // Ending line number in source file
	Metadata  map[string]string // Additional metadata
	Hash      string            // Content hash (dedup / incremental updates)
	IndexedAt time.Time         // When this chunk was indexed
}

// Priority orders repositories within a kind's pipeline (§4.6 rule 2):
// high before medium before low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// RepositoryTarget is one repository the orchestrator may index, as
// resolved by the caller's repository registry.
type RepositoryTarget struct {
	Name            string   // Repository name (§3)
	RootPath        string   // Root directory to index
	Priority        Priority // Processing order within a kind's pipeline
	Excluded        bool     // Gates writes unless the job sets OverrideExcluded
	IncludePatterns []string
	ExcludePatterns []string
}

// IndexMode selects how a run decides which files to write.
type IndexMode string

const (
	// ModeIncremental indexes only files the MetadataStore reports stale.
	ModeIncremental IndexMode = "incremental"
	// ModeFullRebuild clears the writer's documents for a repository/kind
	// before reindexing every file (§4.6 rule 5). MetadataStore rows are
	// not removed; each reindexed file's row is overwritten.
	ModeFullRebuild IndexMode = "full_rebuild"
)

// IndexJob describes one orchestrator run (C6, §4.6).
type IndexJob struct {
	Repositories     []RepositoryTarget
	Kinds            []metadata.IndexKind // nonempty subset of {lexical, vector}
	Mode             IndexMode
	OverrideExcluded bool // true bypasses each target's Excluded flag

	MaxFileSize  int64 // Content cap in bytes; longer files are truncated at a UTF-8 boundary, not skipped; 0 = no limit
	ChunkSize    int   // Target chunk size in runes, for the vector kind
	ChunkOverlap int   // Overlap between chunks in runes, for the vector kind

	Embedder    embedding.Embedder      // Required when Kinds includes vector
	VectorStore vectorstore.VectorStore // Destination for lexical + vector writes
}

// KindProgress reports the state of one kind's pipeline (§4.6). A single
// controller holds one KindProgress per kind in the job it is running.
type KindProgress struct {
	IsRunning             bool
	CurrentRepository     string
	RepositoriesTotal     int
	RepositoriesCompleted int
	FilesTotal            int
	FilesProcessed        int
	Mode                  IndexMode
}

// IndexController manages the IndexOrchestrator's background pipelines
// (C6, §4.6). Each kind in a started job runs as an independent concurrent
// pipeline; repositories within a kind run in priority order.
type IndexController interface {
	// Start launches one concurrent pipeline per kind in job.Kinds. Returns
	// an error if a pipeline is already running.
	Start(ctx context.Context, job IndexJob) error

	// Stop requests every running pipeline to stop at its next file
	// boundary and waits for them to exit.
	Stop(ctx context.Context) error

	// ForceReindex runs job with Mode forced to ModeFullRebuild.
	ForceReindex(ctx context.Context, job IndexJob) error

	// ReindexPaths reindexes only the given paths within repository,
	// regardless of staleness, for every kind in job.Kinds.
	ReindexPaths(ctx context.Context, job IndexJob, repository string, paths []string) error

	// DeletePaths removes the given paths within repository from every
	// writer in job.Kinds and from the MetadataStore. Used by
	// RepositoryWatcher to apply delete/move-away events (§4.8).
	DeletePaths(ctx context.Context, job IndexJob, repository string, paths []string) error

	// PurgeRepository clears every writer in job.Kinds and the
	// MetadataStore for repository entirely. Used by the registry surface's
	// remove_repository (§6).
	PurgeRepository(ctx context.Context, job IndexJob, repository string) error

	// Status returns the current state machine phase
	// (idle/scanning/indexing/finalizing/stopping/failed) and per-kind
	// progress.
	Status() (string, map[metadata.IndexKind]KindProgress)

	// HealthCheck reports whether the orchestrator is in a healthy state.
	HealthCheck(ctx context.Context) error
}

// Chunker splits file content into fixed-size, overlapping chunks (C3,
// §4.3). It is deliberately not language-aware: the split is a sliding
// window over runes, not an AST or semantic boundary.
type Chunker interface {
	// Chunk splits content into chunks.
	Chunk(ctx context.Context, content string, filePath string) ([]Chunk, error)

	// Supports returns true if this chunker handles the given file extension.
	Supports(fileExtension string) bool
}

// Walker traverses a file system, applying include patterns and then
// exclude/.gitignore patterns (FileScanner, C2, §4.2).
type Walker interface {
	// Walk traverses the directory tree and calls fn for each file that
	// passes includePatterns (extension/path-tail match; empty means
	// everything passes) and does not match ignorePatterns or any
	// .gitignore found along the way.
	Walk(ctx context.Context, root string, includePatterns, ignorePatterns []string, fn func(path string, info fs.FileInfo) error) error
}
