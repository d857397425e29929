// Package metadata implements the MetadataStore: the durable,
// single-writer-per-row store that drives incremental indexing. It persists
// per-file index state, per-(repository, index-kind) aggregate stats, and a
// small process-wide key/value table.
package metadata

import (
	"context"
	"time"
)

// IndexKind is the set of backends a file has been written to.
type IndexKind string

const (
	KindLexical IndexKind = "lexical"
	KindVector  IndexKind = "vector"
	KindBoth    IndexKind = "both"
)

// Contains reports whether kind participates in the combined state k,
// treating KindBoth as containing both KindLexical and KindVector.
func (k IndexKind) Contains(part IndexKind) bool {
	if k == KindBoth {
		return true
	}
	return k == part
}

// Merge extends kind monotonically: lexical+vector merges to both, and
// merging a kind with itself or with both is idempotent.
func Merge(existing, incoming IndexKind) IndexKind {
	if existing == incoming {
		return existing
	}
	if existing == KindBoth || incoming == KindBoth {
		return KindBoth
	}
	return KindBoth
}

// FileRecord is one row per indexed file path (§3).
type FileRecord struct {
	FilePath       string
	Repository     string
	LastIndexedTS  int64 // monotonic seconds
	LastModifiedTS int64 // filesystem mtime observed at index time
	ContentHash    string
	FileSize       int64
	IndexKind      IndexKind
	CreatedTS      int64
	UpdatedTS      int64
}

// RepositoryStat is one row per (repository, index_kind) (§3).
type RepositoryStat struct {
	Repository        string
	IndexKind         IndexKind
	TotalFilesIndexed int
	InitialRunSeconds float64
	InitialRunTS      int64
	LastRunSeconds    float64
	LastRunTS         int64
	TotalSizeBytes    int64
}

// Well-known SystemState keys (§3).
const (
	StateLastIndexTime    = "last_index_time"
	StateTotalSearches    = "total_searches"
	StateTotalSearchTimeMs = "total_search_time_ms"
)

// FileRecordCursor streams FileRecords without loading the full result set
// into memory (§4.1 "lazy, constant memory").
type FileRecordCursor interface {
	Next() bool
	Record() FileRecord
	Err() error
	Close() error
}

// Store is the MetadataStore contract (C1, §4.1).
type Store interface {
	// IsStale reports whether (filePath, kind) needs (re)indexing: true if no
	// FileRecord exists for that (file_path, index_kind) or fileMtime is
	// strictly after the recorded last_indexed_ts.
	IsStale(ctx context.Context, filePath string, fileMtime time.Time, kind IndexKind) (bool, error)

	// Upsert inserts or updates a FileRecord. IndexKind is extended
	// monotonically against any existing row (lexical + vector → both).
	Upsert(ctx context.Context, rec FileRecord) error

	// Delete removes a single FileRecord.
	Delete(ctx context.Context, filePath string) error

	// DeleteAll removes every FileRecord for a repository.
	DeleteAll(ctx context.Context, repository string) error

	// ListIndexed returns a lazy cursor over FileRecords for a repository and
	// kind. Pass an empty kind to match any.
	ListIndexed(ctx context.Context, repository string, kind IndexKind) (FileRecordCursor, error)

	// RecordRun records the outcome of an indexing run for (repository, kind),
	// updating RepositoryStat and marking initial_run_* on the first run.
	RecordRun(ctx context.Context, repository string, kind IndexKind, filesIndexed int, durationSeconds float64, totalSizeBytes int64, isInitial bool, now time.Time) error

	// GetStat returns the RepositoryStat for (repository, kind), if any.
	GetStat(ctx context.Context, repository string, kind IndexKind) (*RepositoryStat, bool, error)

	// GetState reads a SystemState value.
	GetState(ctx context.Context, key string) (string, bool, error)

	// PutState writes a SystemState value atomically.
	PutState(ctx context.Context, key, value string) error

	// Close releases the underlying database handle.
	Close() error
}
