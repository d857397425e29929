// Package watcher provides the RepositoryWatcher: a per-repository
// fsnotify-based observer that debounces file-system events and submits
// incremental IndexJobs to an IndexController (C8, §4.8).
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ferg-cod3s/conexus-engine/internal/config"
	"github.com/ferg-cod3s/conexus-engine/internal/embedding"
	"github.com/ferg-cod3s/conexus-engine/internal/indexer"
	"github.com/ferg-cod3s/conexus-engine/internal/metadata"
	"github.com/ferg-cod3s/conexus-engine/internal/vectorstore"
)

// DefaultDebounce is the debounce window applied when a RepositoryWatcher is
// constructed without an explicit override (§4.8: "default 5 seconds").
const DefaultDebounce = 5 * time.Second

// busyRetryInterval is how long a flush waits before re-checking whether the
// orchestrator has finished a job covering this repository (§4.8: "the
// watcher's flush waits").
const busyRetryInterval = 250 * time.Millisecond

// State is a per-repository watch state reported by Status.
type State string

const (
	StateWatching State = "watching"
	StateFlushing State = "flushing"
	StateStopped  State = "stopped"
)

// RepoStatus reports one repository's watch state.
type RepoStatus struct {
	State           State
	PendingCount    int
	DebounceSeconds int
	LastFlushTS     time.Time
}

// Status is the result of RepositoryWatcher.Status (§4.8).
type Status struct {
	Repositories map[string]RepoStatus
}

// JobTemplate carries the indexing configuration shared by every
// per-repository job the watcher submits; RepositoryWatcher fills in
// Repositories and Mode per flush.
type JobTemplate struct {
	Kinds        []metadata.IndexKind
	Embedder     embedding.Embedder
	VectorStore  vectorstore.VectorStore
	MaxFileSize  int64
	ChunkSize    int
	ChunkOverlap int
}

type pendingEvent struct {
	kind string // "create" | "modify" | "delete" | "rename", for status/observability only
	at   time.Time
}

// repoState is the live watch state for one repository.
type repoState struct {
	repo      config.Repository
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu        sync.Mutex
	pending   map[string]pendingEvent // relPath -> last observed event
	timer     *time.Timer
	state     State
	lastFlush time.Time
}

// RepositoryWatcher watches every enabled, auto-reindex repository for
// file-system changes and submits incremental IndexJobs to an
// IndexController once each repository's pending set goes quiet (C8, §4.8).
type RepositoryWatcher struct {
	controller indexer.IndexController
	repos      *config.RepoRegistry
	template   JobTemplate
	debounce   time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	states map[string]*repoState
}

// NewRepositoryWatcher builds a RepositoryWatcher. debounce <= 0 applies
// DefaultDebounce; a nil logger uses slog.Default().
func NewRepositoryWatcher(controller indexer.IndexController, repos *config.RepoRegistry, template JobTemplate, debounce time.Duration, logger *slog.Logger) *RepositoryWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RepositoryWatcher{
		controller: controller,
		repos:      repos,
		template:   template,
		debounce:   debounce,
		logger:     logger,
		states:     make(map[string]*repoState),
	}
}

// Start begins watching repository (§4.8's start(repository)). Only
// repositories with Enabled && AutoReindex are eligible.
func (w *RepositoryWatcher) Start(ctx context.Context, repository string) error {
	repo, ok := w.repos.Get(repository)
	if !ok {
		return fmt.Errorf("repository %q not registered", repository)
	}
	if !repo.Enabled || !repo.AutoReindex {
		return fmt.Errorf("repository %q is not enabled for watching (enabled=%v auto_reindex=%v)", repository, repo.Enabled, repo.AutoReindex)
	}

	w.mu.Lock()
	if _, exists := w.states[repository]; exists {
		w.mu.Unlock()
		return fmt.Errorf("repository %q is already being watched", repository)
	}
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher for %s: %w", repository, err)
	}

	absRoot, err := filepath.Abs(repo.Path)
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("resolve root path for %s: %w", repository, err)
	}
	repo.Path = absRoot

	if err := addRecursive(fsw, repo.Path, repo.ExcludePatterns); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", repo.Path, err)
	}

	rs := &repoState{
		repo:      repo,
		fsWatcher: fsw,
		debounce:  w.debounce,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		pending:   make(map[string]pendingEvent),
		state:     StateWatching,
	}

	w.mu.Lock()
	w.states[repository] = rs
	w.mu.Unlock()

	go w.run(ctx, rs)
	return nil
}

// StartAll starts watching every registered repository eligible per Start's
// rule, logging and continuing past individual failures.
func (w *RepositoryWatcher) StartAll(ctx context.Context) {
	for _, repo := range w.repos.List() {
		if !repo.Enabled || !repo.AutoReindex {
			continue
		}
		if err := w.Start(ctx, repo.Name); err != nil {
			w.logger.Warn("failed to start repository watch", "repository", repo.Name, "error", err)
		}
	}
}

// Stop stops watching repository (§4.8's stop(repository)) and waits for
// its goroutine to exit. Safe to call on a repository that was never
// started; returns an error in that case.
func (w *RepositoryWatcher) Stop(repository string) error {
	w.mu.Lock()
	rs, ok := w.states[repository]
	if ok {
		delete(w.states, repository)
	}
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("repository %q is not being watched", repository)
	}

	close(rs.stopCh)
	<-rs.doneCh
	return nil
}

// StopAll stops every currently watched repository.
func (w *RepositoryWatcher) StopAll() {
	w.mu.Lock()
	names := make([]string, 0, len(w.states))
	for name := range w.states {
		names = append(names, name)
	}
	w.mu.Unlock()

	for _, name := range names {
		_ = w.Stop(name)
	}
}

// Status reports per-repository watch state (§4.8's status()).
func (w *RepositoryWatcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := Status{Repositories: make(map[string]RepoStatus, len(w.states))}
	for name, rs := range w.states {
		rs.mu.Lock()
		out.Repositories[name] = RepoStatus{
			State:           rs.state,
			PendingCount:    len(rs.pending),
			DebounceSeconds: int(rs.debounce / time.Second),
			LastFlushTS:     rs.lastFlush,
		}
		rs.mu.Unlock()
	}
	return out
}

// run is the per-repository event loop: one goroutine per watched
// repository, exiting when ctx is cancelled or Stop closes rs.stopCh.
func (w *RepositoryWatcher) run(ctx context.Context, rs *repoState) {
	defer close(rs.doneCh)
	defer rs.fsWatcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rs.stopCh:
			return
		case ev, ok := <-rs.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, rs, ev)
		case err, ok := <-rs.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "repository", rs.repo.Name, "error", err)
		}
	}
}

// handleEvent filters and enqueues one fsnotify event, then resets the
// repository's debounce timer (§4.8 rules 1-3).
func (w *RepositoryWatcher) handleEvent(ctx context.Context, rs *repoState, ev fsnotify.Event) {
	relPath, err := filepath.Rel(rs.repo.Path, ev.Name)
	if err != nil {
		return
	}
	relPath = filepath.ToSlash(relPath)
	if relPath == "." || relPath == "" {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !matchesAny(rs.repo.ExcludePatterns, relPath) {
				_ = rs.fsWatcher.Add(ev.Name)
			}
			return
		}
	}

	kind := eventKind(ev.Op)
	if kind == "" {
		return
	}

	if !matchesFilters(rs.repo, relPath) {
		return
	}

	rs.mu.Lock()
	rs.pending[relPath] = pendingEvent{kind: kind, at: time.Now()}
	if rs.timer != nil {
		rs.timer.Stop()
	}
	rs.timer = time.AfterFunc(rs.debounce, func() { w.flush(ctx, rs) })
	rs.mu.Unlock()
}

// flush snapshots and clears the pending set, then applies a single
// index-or-delete action per path based on its final on-disk state (§4.8
// rule 4 and the move/collapse paragraph) and submits one incremental
// IndexJob per action kind.
func (w *RepositoryWatcher) flush(ctx context.Context, rs *repoState) {
	rs.mu.Lock()
	if len(rs.pending) == 0 {
		rs.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(rs.pending))
	for p := range rs.pending {
		paths = append(paths, p)
	}
	rs.pending = make(map[string]pendingEvent)
	rs.state = StateFlushing
	rs.mu.Unlock()

	var toReindex, toDelete []string
	for _, relPath := range paths {
		full := filepath.Join(rs.repo.Path, relPath)
		if _, err := os.Stat(full); err != nil {
			toDelete = append(toDelete, relPath)
		} else {
			toReindex = append(toReindex, relPath)
		}
	}

	job := w.jobFor(rs.repo)

	if len(toReindex) > 0 {
		w.submitWithRetry(ctx, rs, func() error {
			return w.controller.ReindexPaths(ctx, job, rs.repo.Name, toReindex)
		})
	}
	if len(toDelete) > 0 {
		w.submitWithRetry(ctx, rs, func() error {
			return w.controller.DeletePaths(ctx, job, rs.repo.Name, toDelete)
		})
	}

	rs.mu.Lock()
	rs.lastFlush = time.Now()
	rs.state = StateWatching
	rs.mu.Unlock()
}

// submitWithRetry calls fn, retrying on the orchestrator's "already
// running" error until it succeeds or the watcher stops — the waiting
// described in §4.8 rather than queuing a duplicate job.
func (w *RepositoryWatcher) submitWithRetry(ctx context.Context, rs *repoState, fn func() error) {
	for {
		err := fn()
		if err == nil {
			return
		}
		if !isBusyErr(err) {
			w.logger.Error("watcher flush failed", "repository", rs.repo.Name, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-rs.stopCh:
			return
		case <-time.After(busyRetryInterval):
		}
	}
}

func isBusyErr(err error) bool {
	return strings.Contains(err.Error(), "already running")
}

// jobFor builds a one-repository incremental IndexJob from the watcher's
// JobTemplate.
func (w *RepositoryWatcher) jobFor(repo config.Repository) indexer.IndexJob {
	return indexer.IndexJob{
		Repositories: []indexer.RepositoryTarget{{
			Name:            repo.Name,
			RootPath:        repo.Path,
			Priority:        priorityFor(repo.Priority),
			Excluded:        repo.Excluded,
			IncludePatterns: repo.IncludePatterns,
			ExcludePatterns: repo.ExcludePatterns,
		}},
		Kinds:        w.template.Kinds,
		Mode:         indexer.ModeIncremental,
		MaxFileSize:  w.template.MaxFileSize,
		ChunkSize:    w.template.ChunkSize,
		ChunkOverlap: w.template.ChunkOverlap,
		Embedder:     w.template.Embedder,
		VectorStore:  w.template.VectorStore,
	}
}

func priorityFor(p config.Priority) indexer.Priority {
	switch p {
	case config.PriorityHigh:
		return indexer.PriorityHigh
	case config.PriorityMedium:
		return indexer.PriorityMedium
	default:
		return indexer.PriorityLow
	}
}

// eventKind maps an fsnotify op to the coarse kind recorded in the pending
// set. Chmod-only events are ignored.
func eventKind(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "modify"
	case op&fsnotify.Remove != 0:
		return "delete"
	case op&fsnotify.Rename != 0:
		// fsnotify reports Rename for the source name only; the
		// destination arrives as its own Create event, so this is the
		// "delete-at-source" half of §4.8's move handling.
		return "rename"
	default:
		return ""
	}
}

// matchesFilters applies §4.8 rule 1: reject paths outside the include set
// or inside the exclude set.
func matchesFilters(repo config.Repository, relPath string) bool {
	if len(repo.IncludePatterns) > 0 && !matchesAny(repo.IncludePatterns, relPath) {
		return false
	}
	return !matchesAny(repo.ExcludePatterns, relPath)
}

// matchesAny reports whether relPath matches any of patterns, tried against
// both its base name and its full relative form.
func matchesAny(patterns []string, relPath string) bool {
	base := filepath.Base(relPath)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if matched, _ := filepath.Match(p, base); matched {
			return true
		}
		if matched, _ := filepath.Match(p, relPath); matched {
			return true
		}
		dirPattern := strings.TrimSuffix(p, "/")
		if dirPattern != p && (relPath == dirPattern || strings.HasPrefix(relPath, dirPattern+"/")) {
			return true
		}
	}
	return false
}

// addRecursive registers root and every non-excluded subdirectory with fsw,
// mirroring fsnotify's need for an explicit Add per watched directory.
func addRecursive(fsw *fsnotify.Watcher, root string, excludePatterns []string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		relPath, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)
		if relPath != "." && matchesAny(excludePatterns, relPath) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
