package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ferg-cod3s/conexus-engine/internal/embedding"
)

// TextChunk is a caller-supplied window of file content to embed. Callers
// (the indexing pipeline) own chunking; vectorstore only owns embedding and
// storage, which keeps this package independent of the chunker's types.
type TextChunk struct {
	Content   string
	StartLine int
	EndLine   int
}

// ChunkFunc splits file content into chunks for the VectorWriter (C3, §4.3).
type ChunkFunc func(ctx context.Context, content, filePath string) ([]TextChunk, error)

// LexicalWriter maintains one searchable document per file for lexical
// search (C4, §4.4). Each file is a single document keyed by a stable hash
// of its path, independent of chunk boundaries.
type LexicalWriter interface {
	// Upsert replaces the indexed content for filePath.
	Upsert(ctx context.Context, filePath, repository, content, fileType string) error

	// Delete removes the document for filePath, if present.
	Delete(ctx context.Context, filePath string) error

	// Clear removes every document belonging to repository (full_rebuild,
	// §4.6 rule 5).
	Clear(ctx context.Context, repository string) error
}

// VectorWriter maintains embedded chunks for vector search (C5, §4.5). Each
// file may expand into zero or more chunk documents, identified as
// "{file_path}:{chunk_index}".
type VectorWriter interface {
	// Upsert re-chunks and re-embeds filePath, replacing any chunks
	// previously stored for it.
	Upsert(ctx context.Context, filePath, repository, content, fileType string) error

	// Delete removes every chunk belonging to filePath.
	Delete(ctx context.Context, filePath string) error

	// Clear removes every chunk belonging to repository (full_rebuild,
	// §4.6 rule 5).
	Clear(ctx context.Context, repository string) error
}

// docID returns a stable document id for a file path, independent of
// repository or content, so re-indexing the same path always overwrites the
// same document.
func docID(filePath string) string {
	sum := sha256.Sum256([]byte(filePath))
	return hex.EncodeToString(sum[:16])
}

// sqliteLexicalWriter implements LexicalWriter over a generic VectorStore
// backend. It stores a zero vector alongside the file content since the
// backing schema is shared with vector documents; BM25 search never reads
// the vector column.
type sqliteLexicalWriter struct {
	store VectorStore
	mu    sync.Mutex
}

// NewLexicalWriter adapts a VectorStore into a LexicalWriter (C4, §4.4).
func NewLexicalWriter(store VectorStore) LexicalWriter {
	return &sqliteLexicalWriter{store: store}
}

func (w *sqliteLexicalWriter) Upsert(ctx context.Context, filePath, repository, content, fileType string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	doc := Document{
		ID:      docID(filePath),
		Content: content,
		Metadata: map[string]interface{}{
			"file_path":  filePath,
			"repository": repository,
			"file_type":  fileType,
			"index_kind": "lexical",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.store.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("upsert lexical document for %s: %w", filePath, err)
	}
	return nil
}

func (w *sqliteLexicalWriter) Delete(ctx context.Context, filePath string) error {
	if err := w.store.Delete(ctx, docID(filePath)); err != nil {
		return fmt.Errorf("delete lexical document for %s: %w", filePath, err)
	}
	return nil
}

func (w *sqliteLexicalWriter) Clear(ctx context.Context, repository string) error {
	clearer, ok := w.store.(interface {
		DeleteByFilter(ctx context.Context, filters map[string]interface{}) error
	})
	if !ok {
		return fmt.Errorf("lexical store does not support clearing by repository")
	}
	if err := clearer.DeleteByFilter(ctx, map[string]interface{}{"repository": repository, "index_kind": "lexical"}); err != nil {
		return fmt.Errorf("clear lexical documents for %s: %w", repository, err)
	}
	return nil
}

// sqliteVectorWriter implements VectorWriter over a generic VectorStore
// backend plus an Embedder and caller-supplied ChunkFunc. All work for a
// given file path is serialized through perFileLock so concurrent
// re-indexing of the same file cannot interleave delete-then-insert with a
// racing writer (§4.5 "per-file critical section").
type sqliteVectorWriter struct {
	store     VectorStore
	embedder  embedding.Embedder
	chunk     ChunkFunc
	batchSize int

	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex
}

// NewVectorWriter adapts a VectorStore, Embedder, and ChunkFunc into a
// VectorWriter (C5, §4.5). batchSize controls how many chunks are embedded
// per EmbedBatch call; values <= 0 default to 32.
func NewVectorWriter(store VectorStore, embedder embedding.Embedder, chunk ChunkFunc, batchSize int) VectorWriter {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &sqliteVectorWriter{
		store:     store,
		embedder:  embedder,
		chunk:     chunk,
		batchSize: batchSize,
		fileLocks: make(map[string]*sync.Mutex),
	}
}

func (w *sqliteVectorWriter) lockFor(filePath string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.fileLocks[filePath]
	if !ok {
		lock = &sync.Mutex{}
		w.fileLocks[filePath] = lock
	}
	return lock
}

func (w *sqliteVectorWriter) Upsert(ctx context.Context, filePath, repository, content, fileType string) error {
	fileLock := w.lockFor(filePath)
	fileLock.Lock()
	defer fileLock.Unlock()

	chunks, err := w.chunk(ctx, content, filePath)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", filePath, err)
	}

	if err := w.deleteChunks(ctx, filePath); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	now := time.Now()
	for start := 0; start < len(chunks); start += w.batchSize {
		end := start + w.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		embeddings, err := w.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch for %s: %w", filePath, err)
		}
		if len(embeddings) != len(batch) {
			return fmt.Errorf("embed batch for %s: expected %d vectors, got %d", filePath, len(batch), len(embeddings))
		}

		docs := make([]Document, len(batch))
		for i, c := range batch {
			docs[i] = Document{
				ID:      fmt.Sprintf("%s:%d", filePath, start+i),
				Content: c.Content,
				Vector:  embeddings[i].Vector,
				Metadata: map[string]interface{}{
					"file_path":   filePath,
					"repository":  repository,
					"chunk_index": start + i,
					"file_type":   fileType,
					"start_line":  c.StartLine,
					"end_line":    c.EndLine,
					"index_kind":  "vector",
				},
				CreatedAt: now,
				UpdatedAt: now,
			}
		}
		if err := w.store.UpsertBatch(ctx, docs); err != nil {
			return fmt.Errorf("upsert chunk batch for %s: %w", filePath, err)
		}
	}

	return nil
}

func (w *sqliteVectorWriter) deleteChunks(ctx context.Context, filePath string) error {
	clearer, ok := w.store.(interface {
		DeleteByFilter(ctx context.Context, filters map[string]interface{}) error
	})
	if !ok {
		return fmt.Errorf("vector store does not support deleting by file path")
	}
	if err := clearer.DeleteByFilter(ctx, map[string]interface{}{"file_path": filePath, "index_kind": "vector"}); err != nil {
		return fmt.Errorf("delete existing chunks for %s: %w", filePath, err)
	}
	return nil
}

func (w *sqliteVectorWriter) Delete(ctx context.Context, filePath string) error {
	fileLock := w.lockFor(filePath)
	fileLock.Lock()
	defer fileLock.Unlock()
	return w.deleteChunks(ctx, filePath)
}

func (w *sqliteVectorWriter) Clear(ctx context.Context, repository string) error {
	clearer, ok := w.store.(interface {
		DeleteByFilter(ctx context.Context, filters map[string]interface{}) error
	})
	if !ok {
		return fmt.Errorf("vector store does not support clearing by repository")
	}
	if err := clearer.DeleteByFilter(ctx, map[string]interface{}{"repository": repository, "index_kind": "vector"}); err != nil {
		return fmt.Errorf("clear vector chunks for %s: %w", repository, err)
	}
	return nil
}
