// Package indexer provides the IndexOrchestrator: the background controller
// that drives per-kind indexing pipelines (C6, §4.6).
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/ferg-cod3s/conexus-engine/internal/metadata"
	"github.com/ferg-cod3s/conexus-engine/internal/security"
	"github.com/ferg-cod3s/conexus-engine/internal/validation"
	"github.com/ferg-cod3s/conexus-engine/internal/vectorstore"
)

// State machine phases (§4.6): idle -> scanning -> indexing -> finalizing ->
// idle, with *-> stopping -> idle and *-> failed -> idle side-transitions.
const (
	StateIdle       = "idle"
	StateScanning   = "scanning"
	StateIndexing   = "indexing"
	StateFinalizing = "finalizing"
	StateStopping   = "stopping"
	StateFailed     = "failed"
)

// fileWriter is the shape shared by vectorstore.LexicalWriter and
// vectorstore.VectorWriter. Both satisfy it structurally, so one pipeline
// implementation drives either kind.
type fileWriter interface {
	Upsert(ctx context.Context, filePath, repository, content, fileType string) error
	Delete(ctx context.Context, filePath string) error
	Clear(ctx context.Context, repository string) error
}

// Orchestrator implements IndexController: one concurrent pipeline per
// index kind, MetadataStore-driven staleness, and a small state machine
// tracked per run.
type Orchestrator struct {
	walker Walker
	meta   metadata.Store

	stateMu sync.RWMutex
	state   string

	progressMu sync.Mutex
	progress   map[metadata.IndexKind]*KindProgress
	stopFlags  map[metadata.IndexKind]*atomic.Bool

	runningMu sync.Mutex
	running   bool
	wg        sync.WaitGroup
}

// NewOrchestrator creates an IndexOrchestrator backed by walker for file
// discovery and meta for staleness tracking and run bookkeeping.
func NewOrchestrator(walker Walker, meta metadata.Store) *Orchestrator {
	return &Orchestrator{
		walker: walker,
		meta:   meta,
		state:  StateIdle,
	}
}

func (o *Orchestrator) setState(s string) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}

// Start launches one concurrent pipeline per kind in job.Kinds (§4.6 rule 3).
func (o *Orchestrator) Start(ctx context.Context, job IndexJob) error {
	if len(job.Kinds) == 0 {
		return fmt.Errorf("index job must name at least one kind")
	}

	o.runningMu.Lock()
	if o.running {
		o.runningMu.Unlock()
		return fmt.Errorf("indexing is already running")
	}
	o.running = true
	o.runningMu.Unlock()

	o.progressMu.Lock()
	o.progress = make(map[metadata.IndexKind]*KindProgress, len(job.Kinds))
	o.stopFlags = make(map[metadata.IndexKind]*atomic.Bool, len(job.Kinds))
	for _, kind := range job.Kinds {
		o.progress[kind] = &KindProgress{Mode: job.Mode, RepositoriesTotal: len(job.Repositories)}
		o.stopFlags[kind] = &atomic.Bool{}
	}
	o.progressMu.Unlock()

	o.setState(StateScanning)

	var anyFailed atomic.Bool
	for _, kind := range job.Kinds {
		o.wg.Add(1)
		go func(kind metadata.IndexKind) {
			defer o.wg.Done()
			if err := o.runKindPipeline(ctx, job, kind); err != nil {
				anyFailed.Store(true)
			}
		}(kind)
	}

	go func() {
		o.wg.Wait()

		o.runningMu.Lock()
		o.running = false
		o.runningMu.Unlock()

		if anyFailed.Load() {
			o.setState(StateFailed)
			o.setState(StateIdle)
			return
		}

		o.setState(StateFinalizing)
		if err := o.meta.PutState(context.Background(), metadata.StateLastIndexTime, time.Now().UTC().Format(time.RFC3339)); err != nil {
			o.setState(StateFailed)
		}
		o.setState(StateIdle)
	}()

	return nil
}

// Stop requests every running pipeline to stop at its next file boundary
// and waits for them to exit.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.progressMu.Lock()
	flags := o.stopFlags
	o.progressMu.Unlock()

	if len(flags) == 0 {
		return nil
	}

	o.setState(StateStopping)
	for _, flag := range flags {
		flag.Store(true)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.setState(StateIdle)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceReindex runs job with Mode forced to ModeFullRebuild (§4.6 rule 5).
func (o *Orchestrator) ForceReindex(ctx context.Context, job IndexJob) error {
	job.Mode = ModeFullRebuild
	return o.Start(ctx, job)
}

// ReindexPaths reindexes only the given paths within repository,
// regardless of staleness, for every kind in job.Kinds.
func (o *Orchestrator) ReindexPaths(ctx context.Context, job IndexJob, repository string, paths []string) error {
	o.runningMu.Lock()
	if o.running {
		o.runningMu.Unlock()
		return fmt.Errorf("indexing is already running")
	}
	o.running = true
	o.runningMu.Unlock()
	defer func() {
		o.runningMu.Lock()
		o.running = false
		o.runningMu.Unlock()
	}()

	var target RepositoryTarget
	found := false
	for _, r := range job.Repositories {
		if r.Name == repository {
			target = r
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("repository %q not found in job", repository)
	}

	absRoot, err := filepath.Abs(target.RootPath)
	if err != nil {
		return fmt.Errorf("resolve root path for %s: %w", repository, err)
	}
	target.RootPath = absRoot

	o.setState(StateIndexing)
	defer o.setState(StateIdle)

	for _, kind := range job.Kinds {
		writer, err := o.buildWriter(job, kind)
		if err != nil {
			return err
		}
		for _, relPath := range paths {
			fullPath := filepath.Join(target.RootPath, relPath)
			if err := o.indexOneFile(ctx, writer, kind, target, job.MaxFileSize, fullPath, relPath); err != nil {
				return fmt.Errorf("reindex %s (%s): %w", relPath, kind, err)
			}
		}
	}
	return nil
}

// DeletePaths removes the given paths within repository from every writer in
// job.Kinds and from the MetadataStore, regardless of whether a file exists
// on disk at that path. paths are repository-relative, the same convention
// ReindexPaths uses.
func (o *Orchestrator) DeletePaths(ctx context.Context, job IndexJob, repository string, paths []string) error {
	o.runningMu.Lock()
	if o.running {
		o.runningMu.Unlock()
		return fmt.Errorf("indexing is already running")
	}
	o.running = true
	o.runningMu.Unlock()
	defer func() {
		o.runningMu.Lock()
		o.running = false
		o.runningMu.Unlock()
	}()

	var target RepositoryTarget
	found := false
	for _, r := range job.Repositories {
		if r.Name == repository {
			target = r
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("repository %q not found in job", repository)
	}

	absRoot, err := filepath.Abs(target.RootPath)
	if err != nil {
		return fmt.Errorf("resolve root path for %s: %w", repository, err)
	}
	target.RootPath = absRoot

	o.setState(StateIndexing)
	defer o.setState(StateIdle)

	fullPaths := make([]string, len(paths))
	for i, relPath := range paths {
		fullPaths[i] = filepath.Join(target.RootPath, relPath)
	}

	for _, kind := range job.Kinds {
		writer, err := o.buildWriter(job, kind)
		if err != nil {
			return err
		}
		for _, path := range fullPaths {
			if err := writer.Delete(ctx, path); err != nil && !isNotFoundErr(err) {
				return fmt.Errorf("delete %s (%s): %w", path, kind, err)
			}
		}
	}

	for _, path := range fullPaths {
		if err := o.meta.Delete(ctx, path); err != nil {
			return fmt.Errorf("delete file record for %s: %w", path, err)
		}
	}
	return nil
}

// PurgeRepository clears every writer in job.Kinds and the MetadataStore for
// repository entirely, for the registry surface's remove_repository (§6):
// "removes from registry and from both backends; files on disk are
// untouched." Unlike DeletePaths, which targets specific files, this clears
// an entire repository the same way full_rebuild mode does per file-writer.
func (o *Orchestrator) PurgeRepository(ctx context.Context, job IndexJob, repository string) error {
	o.runningMu.Lock()
	if o.running {
		o.runningMu.Unlock()
		return fmt.Errorf("indexing is already running")
	}
	o.running = true
	o.runningMu.Unlock()
	defer func() {
		o.runningMu.Lock()
		o.running = false
		o.runningMu.Unlock()
	}()

	for _, kind := range job.Kinds {
		writer, err := o.buildWriter(job, kind)
		if err != nil {
			return err
		}
		if err := writer.Clear(ctx, repository); err != nil {
			return fmt.Errorf("clear %s (%s): %w", repository, kind, err)
		}
	}

	if err := o.meta.DeleteAll(ctx, repository); err != nil {
		return fmt.Errorf("delete file records for %s: %w", repository, err)
	}
	return nil
}

// truncateUTF8 caps content at limit bytes, backing up to the nearest
// complete rune boundary so a multi-byte character straddling the cap is
// dropped whole instead of split.
func truncateUTF8(content []byte, limit int64) []byte {
	n := int(limit)
	if n >= len(content) {
		return content
	}
	for n > 0 && !utf8.RuneStart(content[n]) {
		n--
	}
	return content[:n]
}

// isNotFoundErr reports whether err is a writer's "document not found"
// error, which DeletePaths treats as an already-deleted no-op rather than a
// failure: a path the watcher saw created and deleted within one debounce
// window, or one that was never written under a given kind, has nothing to
// remove.
func isNotFoundErr(err error) bool {
	return strings.Contains(err.Error(), "not found")
}

// Status returns the current state machine phase and per-kind progress.
func (o *Orchestrator) Status() (string, map[metadata.IndexKind]KindProgress) {
	o.stateMu.RLock()
	state := o.state
	o.stateMu.RUnlock()

	o.progressMu.Lock()
	defer o.progressMu.Unlock()

	snapshot := make(map[metadata.IndexKind]KindProgress, len(o.progress))
	for kind, p := range o.progress {
		snapshot[kind] = *p
	}
	return state, snapshot
}

// HealthCheck reports whether the orchestrator is in a healthy state.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	state, _ := o.Status()
	if state == StateFailed {
		return fmt.Errorf("orchestrator is in failed state")
	}
	return nil
}

func (o *Orchestrator) buildWriter(job IndexJob, kind metadata.IndexKind) (fileWriter, error) {
	if job.VectorStore == nil {
		return nil, fmt.Errorf("job has no VectorStore configured")
	}
	switch kind {
	case metadata.KindLexical:
		return vectorstore.NewLexicalWriter(job.VectorStore), nil
	case metadata.KindVector:
		if job.Embedder == nil {
			return nil, fmt.Errorf("job has no Embedder configured for vector kind")
		}
		chunker := NewFixedWindowChunker(job.ChunkSize, job.ChunkOverlap)
		chunkFn := func(ctx context.Context, content, filePath string) ([]vectorstore.TextChunk, error) {
			chunks, err := chunker.Chunk(ctx, content, filePath)
			if err != nil {
				return nil, err
			}
			out := make([]vectorstore.TextChunk, len(chunks))
			for i, c := range chunks {
				out[i] = vectorstore.TextChunk{Content: c.Content, StartLine: c.StartLine, EndLine: c.EndLine}
			}
			return out, nil
		}
		return vectorstore.NewVectorWriter(job.VectorStore, job.Embedder, chunkFn, 32), nil
	default:
		return nil, fmt.Errorf("unsupported index kind %q", kind)
	}
}

// runKindPipeline processes every repository in priority order for one
// kind. A repository failure is recorded but does not stop the pipeline
// from continuing to the next repository (§4.6: failed doesn't poison
// other repos in the run).
func (o *Orchestrator) runKindPipeline(ctx context.Context, job IndexJob, kind metadata.IndexKind) error {
	writer, err := o.buildWriter(job, kind)
	if err != nil {
		return err
	}

	repos := make([]RepositoryTarget, len(job.Repositories))
	copy(repos, job.Repositories)
	sort.SliceStable(repos, func(i, j int) bool { return repos[i].Priority > repos[j].Priority })

	o.setState(StateIndexing)

	stopFlag := o.stopFlags[kind]
	var pipelineFailed bool

	for _, repo := range repos {
		if stopFlag.Load() {
			break
		}
		if repo.Excluded && !job.OverrideExcluded {
			o.advanceRepo(kind, repo.Name)
			continue
		}

		o.setCurrentRepository(kind, repo.Name)

		start := time.Now()
		filesIndexed, totalBytes, err := o.runRepoPipeline(ctx, job, kind, repo, writer, stopFlag)
		if err != nil {
			pipelineFailed = true
			o.advanceRepo(kind, repo.Name)
			continue
		}

		_, existed, statErr := o.meta.GetStat(ctx, repo.Name, kind)
		isInitial := statErr == nil && !existed

		if err := o.meta.RecordRun(ctx, repo.Name, kind, filesIndexed, time.Since(start).Seconds(), totalBytes, isInitial, time.Now()); err != nil {
			pipelineFailed = true
		}

		o.advanceRepo(kind, repo.Name)
	}

	if pipelineFailed {
		return fmt.Errorf("one or more repositories failed during %s pipeline", kind)
	}
	return nil
}

func (o *Orchestrator) setCurrentRepository(kind metadata.IndexKind, repository string) {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	if p, ok := o.progress[kind]; ok {
		p.IsRunning = true
		p.CurrentRepository = repository
	}
}

func (o *Orchestrator) advanceRepo(kind metadata.IndexKind, repository string) {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	if p, ok := o.progress[kind]; ok {
		p.RepositoriesCompleted++
		if p.RepositoriesCompleted >= p.RepositoriesTotal {
			p.IsRunning = false
		}
	}
}

func (o *Orchestrator) addFileProgress(kind metadata.IndexKind, delta int) {
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	if p, ok := o.progress[kind]; ok {
		p.FilesProcessed += delta
	}
}

// runRepoPipeline walks repo.RootPath and writes every eligible file to
// writer, returning the count of files written and their total size.
func (o *Orchestrator) runRepoPipeline(ctx context.Context, job IndexJob, kind metadata.IndexKind, repo RepositoryTarget, writer fileWriter, stopFlag *atomic.Bool) (int, int64, error) {
	if job.Mode == ModeFullRebuild {
		if err := writer.Clear(ctx, repo.Name); err != nil {
			return 0, 0, fmt.Errorf("clear %s writer for %s: %w", kind, repo.Name, err)
		}
	}

	var filesIndexed int
	var totalBytes int64
	var walkErr error

	absRoot, err := filepath.Abs(repo.RootPath)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve root path for %s: %w", repo.Name, err)
	}
	repo.RootPath = absRoot

	seen := make(map[string]struct{})

	err = o.walker.Walk(ctx, absRoot, repo.IncludePatterns, repo.ExcludePatterns, func(path string, info os.FileInfo) error {
		if stopFlag.Load() {
			return filepath.SkipAll
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(absRoot, path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}
		if err := validation.IsPathSafe(relPath); err != nil {
			return fmt.Errorf("path validation failed for %s: %w", relPath, err)
		}

		if job.Mode == ModeIncremental {
			stale, err := o.meta.IsStale(ctx, path, info.ModTime(), kind)
			if err != nil {
				walkErr = fmt.Errorf("check staleness for %s: %w", path, err)
				return walkErr
			}
			seen[path] = struct{}{}
			if !stale {
				return nil
			}
		}

		if indexErr := o.indexOneFile(ctx, writer, kind, repo, job.MaxFileSize, path, relPath); indexErr != nil {
			walkErr = indexErr
			return indexErr
		}

		filesIndexed++
		totalBytes += info.Size()
		o.addFileProgress(kind, 1)
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipAll) {
		return filesIndexed, totalBytes, err
	}
	if walkErr != nil {
		return filesIndexed, totalBytes, walkErr
	}

	if job.Mode == ModeIncremental && !stopFlag.Load() {
		if err := o.sweepDeleted(ctx, writer, kind, repo, seen); err != nil {
			return filesIndexed, totalBytes, err
		}
	}

	return filesIndexed, totalBytes, nil
}

// sweepDeleted implements §4.6 rule 4: after a scan, files that exist in
// the MetadataStore for this repository and kind but no longer exist on
// disk are removed from writer and from the MetadataStore. seen holds
// every path the walk visited (stale or not), which is enough to tell a
// file the walk skipped because it was up to date from one the walk never
// reached at all because it vanished from the repository entirely.
func (o *Orchestrator) sweepDeleted(ctx context.Context, writer fileWriter, kind metadata.IndexKind, repo RepositoryTarget, seen map[string]struct{}) error {
	cursor, err := o.meta.ListIndexed(ctx, repo.Name, kind)
	if err != nil {
		return fmt.Errorf("list indexed files for %s: %w", repo.Name, err)
	}
	defer cursor.Close()

	var stale []string
	for cursor.Next() {
		rec := cursor.Record()
		if _, ok := seen[rec.FilePath]; ok {
			continue
		}
		if !strings.HasPrefix(rec.FilePath, repo.RootPath+string(filepath.Separator)) && rec.FilePath != repo.RootPath {
			continue
		}
		if _, err := os.Stat(rec.FilePath); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", rec.FilePath, err)
		}
		stale = append(stale, rec.FilePath)
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("list indexed files for %s: %w", repo.Name, err)
	}

	for _, path := range stale {
		if err := writer.Delete(ctx, path); err != nil && !isNotFoundErr(err) {
			return fmt.Errorf("delete %s (%s): %w", path, kind, err)
		}
		if err := o.meta.Delete(ctx, path); err != nil {
			return fmt.Errorf("delete file record for %s: %w", path, err)
		}
	}
	return nil
}

// indexOneFile reads path, writes it through writer, and records a
// FileRecord for it. path is used as the stable file identifier throughout
// (writer document id, FileRecord primary key, chunk id prefix) since §3
// defines FileRecord as keyed by absolute file path; a repository-relative
// key would collide across repositories sharing a relative path (e.g. two
// repos each containing "README.md"). relPath is retained only to compute
// the file extension for the fileType attribute, which is identical either
// way; HybridSearcher derives the repository-relative display path from the
// repository's root at query time.
func (o *Orchestrator) indexOneFile(ctx context.Context, writer fileWriter, kind metadata.IndexKind, repo RepositoryTarget, maxFileSize int64, path, relPath string) error {
	if _, err := security.ValidatePathWithinBase(path, repo.RootPath); err != nil {
		if errors.Is(err, security.ErrPathTraversal) {
			return fmt.Errorf("security: path traversal detected for %s: %w", path, err)
		}
		return fmt.Errorf("path validation failed for %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	// #nosec G304 - path validated above with ValidatePathWithinBase
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if len(content) == 0 {
		return nil
	}

	// §4.3/§4.4: content is size-capped, not dropped — truncate at the last
	// UTF-8 boundary at or before the cap rather than split a rune.
	if maxFileSize > 0 && int64(len(content)) > maxFileSize {
		content = truncateUTF8(content, maxFileSize)
	}

	fileType := fileExtension(relPath)
	if err := writer.Upsert(ctx, path, repo.Name, string(content), fileType); err != nil {
		return fmt.Errorf("upsert %s: %w", path, err)
	}

	now := time.Now()
	if err := o.meta.Upsert(ctx, metadata.FileRecord{
		FilePath:       path,
		Repository:     repo.Name,
		LastIndexedTS:  now.Unix(),
		LastModifiedTS: info.ModTime().Unix(),
		FileSize:       info.Size(),
		IndexKind:      kind,
		CreatedTS:      now.Unix(),
		UpdatedTS:      now.Unix(),
	}); err != nil {
		return fmt.Errorf("record file state for %s: %w", path, err)
	}

	return nil
}
