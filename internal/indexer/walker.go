package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ferg-cod3s/conexus-engine/internal/security"
	"github.com/ferg-cod3s/conexus-engine/internal/validation"
)

// FileWalker implements Walker with .gitignore-style pattern matching.
// Size limits are not a traversal concern: the caller truncates oversized
// content itself (§4.3/§4.4) rather than have the walker skip the file.
type FileWalker struct{}

// NewFileWalker creates a new FileWalker.
func NewFileWalker() *FileWalker {
	return &FileWalker{}
}

// Walk traverses the directory tree starting at root, applying include
// patterns (matched against the path tail and extension) and then exclude
// patterns, plus any .gitignore files found along the way (§4.2). Calls fn
// for each regular file that passes every filter. Size is not a traversal
// concern: a file's content is capped and truncated by the caller, not
// skipped here.
func (w *FileWalker) Walk(ctx context.Context, root string, includePatterns, ignorePatterns []string, fn func(path string, info fs.FileInfo) error) error {
	// Normalize root path
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root path: %w", err)
	}

	rootGitignore, err := LoadGitignore(filepath.Join(root, ".gitignore"), root)
	if err != nil {
		return fmt.Errorf("load root .gitignore: %w", err)
	}
	basePatterns := make([]string, 0, len(ignorePatterns)+len(rootGitignore))
	basePatterns = append(basePatterns, ignorePatterns...)
	basePatterns = append(basePatterns, rootGitignore...)

	// scopes tracks, as a stack, the accumulated ignore patterns in effect
	// for the directory currently being descended and its subtree. Each
	// directory's own .gitignore (if any) pushes a new scope merging its
	// patterns onto its parent's.
	scopes := []scanScope{{dir: root, patterns: basePatterns}}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Handle walk errors
		if err != nil {
			return err
		}

		// Get relative path for pattern matching
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}

		// Normalize relative path (use forward slashes)
		relPath = filepath.ToSlash(relPath)

		// Validate path to prevent traversal attacks
		if err := validation.IsPathSafe(relPath); err != nil {
			return fmt.Errorf("path validation failed for %s: %w", relPath, err)
		}

		dir := path
		if !d.IsDir() {
			dir = filepath.Dir(path)
		}
		for len(scopes) > 1 && !withinDir(scopes[len(scopes)-1].dir, dir) {
			scopes = scopes[:len(scopes)-1]
		}
		scope := scopes[len(scopes)-1]
		matcher := scope.matcher()

		// Check if path should be ignored
		if path != root && matcher.match(relPath, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path == root {
				return nil
			}
			local, err := LoadGitignore(filepath.Join(path, ".gitignore"), root)
			if err != nil {
				return fmt.Errorf("load .gitignore for %s: %w", relPath, err)
			}
			if len(local) > 0 {
				merged := make([]string, 0, len(scope.patterns)+len(local))
				merged = append(merged, scope.patterns...)
				for _, p := range local {
					merged = append(merged, rewriteAnchoredPattern(p, relPath))
				}
				scopes = append(scopes, scanScope{dir: path, patterns: merged})
			}
			return nil
		}

		if !matchesIncludePatterns(includePatterns, relPath) {
			return nil
		}

		// Get file info
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info for %s: %w", path, err)
		}

		// Call the callback with the file
		return fn(path, info)
	})
}

// scanScope is the set of ignore patterns in effect for one directory and
// its descendants, layered from the root down through any .gitignore files
// encountered along the way.
type scanScope struct {
	dir      string
	patterns []string
}

func (s scanScope) matcher() *patternMatcher {
	return newPatternMatcher(s.patterns)
}

// withinDir reports whether target is dir itself or a descendant of it.
func withinDir(dir, target string) bool {
	if target == dir {
		return true
	}
	return strings.HasPrefix(target, dir+string(filepath.Separator))
}

// rewriteAnchoredPattern relocates a pattern anchored ("/foo") in a
// .gitignore found at relDir so it anchors to the repository root instead
// of that subdirectory. Non-anchored patterns are left as-is: they already
// match at any depth below the directory scopes merges them into.
func rewriteAnchoredPattern(p, relDir string) string {
	if relDir == "." || relDir == "" || !strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + path.Join(relDir, strings.TrimPrefix(p, "/"))
}

// matchesIncludePatterns reports whether relPath should be indexed given
// include patterns (§4.2 "matched against the path tail and extension"). No
// patterns means everything passes. A pattern starting with "." matches the
// file's extension case-insensitively; anything else is tried as a glob
// against the base name and the full relative path, the same two-step
// matchesAny uses for exclude patterns in the watcher.
func matchesIncludePatterns(patterns []string, relPath string) bool {
	if len(patterns) == 0 {
		return true
	}
	ext := filepath.Ext(relPath)
	base := filepath.Base(relPath)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, ".") && !strings.ContainsAny(p, "*?[") {
			if strings.EqualFold(ext, p) {
				return true
			}
			continue
		}
		if matched, _ := filepath.Match(p, base); matched {
			return true
		}
		if matched, _ := filepath.Match(p, relPath); matched {
			return true
		}
	}
	return false
}

// patternMatcher handles .gitignore-style pattern matching.
type patternMatcher struct {
	patterns []pattern
}

type pattern struct {
	raw       string
	negate    bool   // Pattern starts with !
	dirOnly   bool   // Pattern ends with /
	anchored  bool   // Pattern starts with /
	glob      string // Pattern for matching
}

// newPatternMatcher creates a matcher from ignore patterns.
func newPatternMatcher(patterns []string) *patternMatcher {
	m := &patternMatcher{
		patterns: make([]pattern, 0, len(patterns)),
	}

	for _, p := range patterns {
		if p == "" || strings.HasPrefix(p, "#") {
			continue // Skip empty lines and comments
		}

		pat := pattern{raw: p}

		// Check for negation
		if strings.HasPrefix(p, "!") {
			pat.negate = true
			p = p[1:]
		}

		// Check for directory-only
		if strings.HasSuffix(p, "/") {
			pat.dirOnly = true
			p = strings.TrimSuffix(p, "/")
		}

		// Check for anchored pattern
		if strings.HasPrefix(p, "/") {
			pat.anchored = true
			p = strings.TrimPrefix(p, "/")
		}

		pat.glob = p
		m.patterns = append(m.patterns, pat)
	}

	return m
}

// match checks if the path matches any ignore pattern.
// Returns true if the path should be ignored.
func (m *patternMatcher) match(relPath string, isDir bool) bool {
	// Track the current ignore state (last matching pattern wins)
	ignored := false

	for _, pat := range m.patterns {
		// For directory-only patterns (e.g., "node_modules/"):
		// - Match the directory itself
		// - Match all files/dirs inside that directory
		if pat.dirOnly {
			// Check if this is the directory itself
			if relPath == pat.glob && isDir {
				ignored = !pat.negate
				continue
			}
			// Check if this is inside the directory (file or subdir)
			if strings.HasPrefix(relPath, pat.glob+"/") {
				ignored = !pat.negate
				continue
			}
			// Also check for non-anchored directory patterns
			// e.g., "node_modules/" should match "a/b/node_modules/c.js"
			if !pat.anchored {
				parts := strings.Split(relPath, "/")
				for i := 0; i < len(parts); i++ {
					if parts[i] == pat.glob {
						// Found the directory in the path
						// If this is the dir itself or something inside it, match
						if i == len(parts)-1 && isDir {
							ignored = !pat.negate
							break
						}
						if i < len(parts)-1 {
							// Something inside the directory
							ignored = !pat.negate
							break
						}
					}
				}
			}
			continue
		}

		matches := m.matchPattern(pat, relPath, isDir)
		if matches {
			ignored = !pat.negate
		}
	}

	return ignored
}

// matchPattern checks if a single pattern matches the path.
func (m *patternMatcher) matchPattern(pat pattern, relPath string, isDir bool) bool {
	// Handle anchored patterns (match from root)
	if pat.anchored {
		matched, _ := filepath.Match(pat.glob, relPath)
		if matched {
			return true
		}
		// Also try matching with directory prefix
		if isDir {
			matched, _ = filepath.Match(pat.glob, relPath+"/")
			return matched
		}
		return false
	}

	// For non-anchored patterns, match against any path segment
	// e.g., "*.log" matches "a/b/c.log"
	matched, _ := filepath.Match(pat.glob, filepath.Base(relPath))
	if matched {
		return true
	}

	// Try matching the full path for patterns with path separators
	if strings.Contains(pat.glob, "/") {
		matched, _ := filepath.Match(pat.glob, relPath)
		if matched {
			return true
		}
	}

	// Try matching any suffix of the path
	// e.g., "foo/bar" matches "a/b/foo/bar/baz"
	parts := strings.Split(relPath, "/")
	for i := 0; i < len(parts); i++ {
		suffix := strings.Join(parts[i:], "/")
		matched, _ := filepath.Match(pat.glob, suffix)
		if matched {
			return true
		}
	}

	return false
}

// DefaultIgnorePatterns returns common patterns to ignore in codebases.
func DefaultIgnorePatterns() []string {
	return []string{
		".git/",
		".svn/",
		".hg/",
		"node_modules/",
		"vendor/",
		"target/",
		"build/",
		"dist/",
		"*.pyc",
		"*.pyo",
		"*.class",
		"*.o",
		"*.so",
		"*.dylib",
		"*.dll",
		"*.exe",
		".DS_Store",
		"Thumbs.db",
	}
}

// LoadGitignore reads a .gitignore file and returns its patterns.
func LoadGitignore(path string, basePath string) ([]string, error) {
	// G304: Validate path to prevent directory traversal
	if _, err := security.ValidatePathWithinBase(path, basePath); err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	// #nosec G304 - Path validated above with ValidatePathWithinBase
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read .gitignore: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	patterns := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}

	return patterns, nil
}
