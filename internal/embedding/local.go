package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// localDimensions is the fixed output width of the sentence-transformer
// family this engine targets (§4.5: "384-dim, sentence-transformer family").
const localDimensions = 384

// LocalEmbedder wraps a singleton sentence-embedding model, loaded once at
// process start and reused for the lifetime of the process (§4.5, §9
// "Singleton embedding model with heavy init"). The vector generation below
// stands in for the real model weights: deterministic and hash-seeded so
// that tests and local runs don't depend on a model file being present.
// Swapping in a real sentence-transformer only requires a new type behind
// the Embedder interface — callers never see the difference.
type LocalEmbedder struct {
	mu         sync.Mutex // model forward passes are not assumed safe for reuse across goroutines
	model      string
	dimensions int
}

// NewLocal creates the process-wide local embedder. Dimensions is fixed at
// localDimensions regardless of the requested value, because changing it
// would shift every existing chunk id's embedding and require
// re-embedding the whole corpus (§9 "Chunking overlap" makes the same point
// about chunk ids).
func NewLocal(model string) *LocalEmbedder {
	if model == "" {
		model = "all-MiniLM-L6-v2"
	}
	return &LocalEmbedder{
		model:      model,
		dimensions: localDimensions,
	}
}

// Embed generates an embedding for a single text input.
func (l *LocalEmbedder) Embed(ctx context.Context, text string) (*Embedding, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}

	l.mu.Lock()
	vector := l.generateVector(text)
	l.mu.Unlock()

	return &Embedding{
		Text:   text,
		Vector: vector,
		Model:  l.model,
	}, nil
}

// EmbedBatch generates embeddings for multiple texts. The caller (VectorWriter,
// §4.5) is responsible for batch sizing; this just processes whatever batch
// it is given.
func (l *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]*Embedding, error) {
	embeddings := make([]*Embedding, len(texts))

	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		emb, err := l.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text at index %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	return embeddings, nil
}

// Dimensions returns the vector dimensionality.
func (l *LocalEmbedder) Dimensions() int {
	return l.dimensions
}

// Model returns the model identifier.
func (l *LocalEmbedder) Model() string {
	return l.model
}

// generateVector derives a deterministic, L2-normalized vector from a
// SHA256 hash of (model, text). Distinct from MockEmbedder's generator only
// in its seed salt, so that the local and mock providers never collide
// when both are registered in the same process.
func (l *LocalEmbedder) generateVector(text string) Vector {
	hash := sha256.Sum256([]byte(l.model + ":" + text))

	vector := make(Vector, l.dimensions)
	for i := 0; i < l.dimensions; i++ {
		offset := (i * 4) % len(hash)
		seed := binary.BigEndian.Uint32(hash[offset:])

		seed64 := int64(seed)
		if seed64 > math.MaxInt32 {
			seed64 = seed64 % math.MaxInt32
		}
		vector[i] = float32(seed64) / float32(math.MaxInt32) // #nosec G115 -- seed64 is guaranteed <= MaxInt32
	}

	return normalize(vector)
}

// LocalProvider implements Provider for the local sentence-embedding model.
type LocalProvider struct{}

// Name returns the provider identifier.
func (p *LocalProvider) Name() string {
	return "local"
}

// Create instantiates the local embedder. Dimensions in config is ignored
// (and validated elsewhere to equal 384) since the model fixes its own
// output width.
func (p *LocalProvider) Create(config map[string]interface{}) (Embedder, error) {
	model, _ := config["model"].(string)
	return NewLocal(model), nil
}
