package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// FixedWindowChunker splits content into fixed-size, overlapping windows of
// runes (C3, §4.3). It is deterministic and language-agnostic: the same
// input always produces the same chunks, and it never inspects language
// syntax to decide boundaries.
type FixedWindowChunker struct {
	chunkSize int // target window size, in runes
	overlap   int // overlap between consecutive windows, in runes
}

// NewFixedWindowChunker creates a chunker with the given window size and
// overlap. Non-positive chunkSize defaults to 500; negative overlap
// defaults to 50; overlap is clamped below chunkSize.
func NewFixedWindowChunker(chunkSize, overlap int) *FixedWindowChunker {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if overlap < 0 {
		overlap = 50
	}
	if overlap >= chunkSize {
		overlap = chunkSize - 1
	}
	return &FixedWindowChunker{chunkSize: chunkSize, overlap: overlap}
}

// Supports returns true for every extension: this chunker has no
// language-specific behavior, so it handles anything the caller hands it.
func (c *FixedWindowChunker) Supports(fileExtension string) bool {
	return true
}

// Chunk splits content into a deterministic sequence of overlapping
// windows. An empty file yields zero chunks.
func (c *FixedWindowChunker) Chunk(ctx context.Context, content string, filePath string) ([]Chunk, error) {
	if len(content) == 0 {
		return nil, nil
	}

	runes := []rune(utf8ToValidString(content))
	total := len(runes)
	if total == 0 {
		return nil, nil
	}

	stride := c.chunkSize - c.overlap
	if stride <= 0 {
		stride = c.chunkSize
	}

	language := detectLanguage(filePath)
	now := time.Now()

	var chunks []Chunk
	for start, i := 0, 0; start < total; start, i = start+stride, i+1 {
		end := start + c.chunkSize
		if end > total {
			end = total
		}

		chunkContent := string(runes[start:end])
		prefix := string(runes[:start])
		startLine := countLines(prefix)
		if start > 0 {
			startLine++
		}
		endLine := startLine + countLines(chunkContent) - 1

		chunks = append(chunks, Chunk{
			ID:        chunkID(filePath, i),
			Content:   chunkContent,
			FilePath:  filePath,
			Language:  language,
			StartLine: startLine,
			EndLine:   endLine,
			Metadata:  map[string]string{},
			Hash:      contentHash(chunkContent),
			IndexedAt: now,
		})

		if end >= total {
			break
		}
	}

	return chunks, nil
}

// chunkID returns the chunk identifier "{file_path}:{chunk_index}" (§3 Chunk).
func chunkID(filePath string, index int) string {
	return filePath + ":" + itoa(index)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// contentHash creates a hash of the content for dedup / incremental updates.
func contentHash(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

// utf8ToValidString replaces invalid UTF-8 byte sequences with the Unicode
// replacement character so rune-based slicing never panics or splits a
// multi-byte sequence (§4.3 "UTF-8-safe truncation").
func utf8ToValidString(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				b.WriteRune(utf8.RuneError)
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// fileExtension returns a file's extension without its leading dot, used as
// the QueryResult/FileRecord `file_type` (§3), distinct from Chunk.Language.
func fileExtension(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}

// Helper: detectLanguage attempts to detect the programming language from file extension.
func detectLanguage(path string) string {
	ext := filepath.Ext(path)
	switch ext {
	case ".go":
		return "go"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".py":
		return "python"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".cpp", ".cc", ".cxx", ".c++":
		return "cpp"
	case ".c":
		return "c"
	case ".md":
		return "markdown"
	case ".txt":
		return "text"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "unknown"
	}
}

// Helper: countLines counts the number of lines in a string.
func countLines(s string) int {
	if len(s) == 0 {
		return 0
	}
	lines := 1
	for _, c := range s {
		if c == '\n' {
			lines++
		}
	}
	return lines
}
