// Package search implements the engine's hybrid search surface: lexical,
// semantic, and reciprocal-rank-fused hybrid retrieval over an indexed
// document store (C7, §4.7).
package search

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ferg-cod3s/conexus-engine/internal/config"
	"github.com/ferg-cod3s/conexus-engine/internal/embedding"
	"github.com/ferg-cod3s/conexus-engine/internal/engineerr"
	"github.com/ferg-cod3s/conexus-engine/internal/vectorstore"
)

// Mode selects which backend(s) a search consults.
type Mode string

const (
	ModeLexical  Mode = "lexical"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

const (
	// DefaultLimit is applied when a request does not set Limit.
	DefaultLimit = 10
	// MaxLimit is the largest Limit a request may ask for.
	MaxLimit = 100

	// rrfK is the reciprocal rank fusion constant (§4.7).
	rrfK = 60
	// snippetWindow is the maximum rune length of an assembled snippet.
	snippetWindow = 300
	// defaultDeadline is the soft per-search timeout (§5).
	defaultDeadline = 10 * time.Second
	// noRank marks a candidate absent from a backend's result list for the
	// purposes of the tie-break comparator.
	noRank = 1 << 30
)

// SearchRequest is the caller-facing query shared by all three search
// operations (§4.7, §6 "Search surface").
type SearchRequest struct {
	Query        string
	Mode         Mode
	Limit        int
	Repositories []string
	FileTypes    []string
	FolderFilter string // path prefix, repository-relative
	MinScore     float32
}

// Degraded reports that a hybrid search fell back to a single backend, and
// why (§5: a failed backend affects only the request it was serving).
type Degraded struct {
	Backend string
	Reason  string
}

// QueryResult is one search hit (§3 QueryResult).
type QueryResult struct {
	FilePath     string
	Repository   string
	RelativePath string
	FileType     string
	Snippet      string
	Score        float32
	LexicalScore float32
	VectorScore  float32
}

// Response is the shared return shape of search_lexical/search_semantic/
// search_hybrid (§6).
type Response struct {
	Results      []QueryResult
	TotalResults int
	SearchType   Mode
	Query        string
	Degraded     *Degraded
}

// RepositoryPather resolves a registered repository's root path. It is used
// to reject unknown repository names in SearchRequest.Repositories and to
// derive QueryResult.RelativePath from a stored absolute file path.
// *config.RepoRegistry satisfies it. A nil RepositoryPather skips both: no
// repository is validated and RelativePath falls back to the absolute path.
type RepositoryPather interface {
	Get(name string) (config.Repository, bool)
}

// HybridSearcher is the engine's C7 search component: it dispatches a
// SearchRequest to the lexical store, the vector store, or both, and fuses
// the two via reciprocal rank fusion for hybrid queries.
type HybridSearcher struct {
	Store    vectorstore.VectorStore
	Embedder embedding.Embedder
	Repos    RepositoryPather
	// Deadline bounds each Search call. Zero uses defaultDeadline.
	Deadline time.Duration
}

// NewHybridSearcher builds a HybridSearcher over the given store and
// embedder. repos may be nil (see RepositoryPather).
func NewHybridSearcher(store vectorstore.VectorStore, embedder embedding.Embedder, repos RepositoryPather) *HybridSearcher {
	return &HybridSearcher{Store: store, Embedder: embedder, Repos: repos, Deadline: defaultDeadline}
}

// Search validates req and dispatches to the lexical, semantic, or hybrid
// path according to req.Mode (empty Mode defaults to hybrid).
func (s *HybridSearcher) Search(ctx context.Context, req SearchRequest) (*Response, error) {
	if err := s.normalize(&req); err != nil {
		return nil, err
	}

	deadline := s.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	switch req.Mode {
	case ModeLexical:
		return s.searchLexical(ctx, req)
	case ModeSemantic:
		return s.searchSemantic(ctx, req)
	default:
		return s.searchHybrid(ctx, req)
	}
}

// normalize validates req in place and fills in mode/limit defaults.
func (s *HybridSearcher) normalize(req *SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return fmt.Errorf("search: query must not be empty: %w", engineerr.ErrInvalidArgument)
	}

	switch req.Mode {
	case ModeLexical, ModeSemantic, ModeHybrid:
	case "":
		req.Mode = ModeHybrid
	default:
		return fmt.Errorf("search: unknown mode %q: %w", req.Mode, engineerr.ErrInvalidArgument)
	}

	if req.Limit == 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit < 0 || req.Limit > MaxLimit {
		return fmt.Errorf("search: limit %d out of range [1,%d]: %w", req.Limit, MaxLimit, engineerr.ErrInvalidArgument)
	}

	if s.Repos != nil {
		for _, name := range req.Repositories {
			if _, ok := s.Repos.Get(name); !ok {
				return fmt.Errorf("search: unknown repository %q: %w", name, engineerr.ErrInvalidArgument)
			}
		}
	}
	return nil
}

// oversample returns the candidate count each backend is asked for, per
// §4.7's k = max(limit*3, 30).
func oversample(limit int) int {
	k := limit * 3
	if k < 30 {
		k = 30
	}
	return k
}

func (s *HybridSearcher) searchLexical(ctx context.Context, req SearchRequest) (*Response, error) {
	// Only the lexical writer's per-file documents; vector chunks share the store.
	raw, err := s.Store.SearchBM25(ctx, req.Query, vectorstore.SearchOptions{Limit: oversample(req.Limit), Filters: map[string]interface{}{"index_kind": "lexical"}})
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w (%v)", engineerr.ErrBackendUnavailable, err)
	}

	raw = s.filterRaw(raw, req)
	if len(raw) > req.Limit {
		raw = raw[:req.Limit]
	}

	results := make([]QueryResult, len(raw))
	for i, r := range raw {
		results[i] = s.toQueryResult(r, r.Score, r.Score, 0, req.Query)
	}

	return &Response{Results: results, TotalResults: len(results), SearchType: ModeLexical, Query: req.Query}, nil
}

func (s *HybridSearcher) searchSemantic(ctx context.Context, req SearchRequest) (*Response, error) {
	emb, err := s.Embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("semantic search: embed query: %w (%v)", engineerr.ErrBackendUnavailable, err)
	}

	raw, err := s.Store.SearchVector(ctx, emb.Vector, vectorstore.SearchOptions{Limit: oversample(req.Limit)})
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w (%v)", engineerr.ErrBackendUnavailable, err)
	}

	raw = collapseVectorToFiles(s.filterRaw(raw, req))
	if len(raw) > req.Limit {
		raw = raw[:req.Limit]
	}

	results := make([]QueryResult, len(raw))
	for i, r := range raw {
		results[i] = s.toQueryResult(r, r.Score, 0, r.Score, req.Query)
	}

	return &Response{Results: results, TotalResults: len(results), SearchType: ModeSemantic, Query: req.Query}, nil
}

func (s *HybridSearcher) searchHybrid(ctx context.Context, req SearchRequest) (*Response, error) {
	k := oversample(req.Limit)

	var wg sync.WaitGroup
	var lexResults, vecResults []vectorstore.SearchResult
	var lexErr, vecErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		lexResults, lexErr = s.Store.SearchBM25(ctx, req.Query, vectorstore.SearchOptions{Limit: k, Filters: map[string]interface{}{"index_kind": "lexical"}})
	}()
	go func() {
		defer wg.Done()
		emb, err := s.Embedder.Embed(ctx, req.Query)
		if err != nil {
			vecErr = fmt.Errorf("embed query: %w", err)
			return
		}
		vecResults, vecErr = s.Store.SearchVector(ctx, emb.Vector, vectorstore.SearchOptions{Limit: k})
	}()
	wg.Wait()

	var degraded *Degraded
	switch {
	case lexErr != nil && vecErr != nil:
		return nil, fmt.Errorf("hybrid search: lexical backend: %v; vector backend: %v: %w", lexErr, vecErr, engineerr.ErrBackendUnavailable)
	case lexErr != nil:
		degraded = &Degraded{Backend: "lexical", Reason: lexErr.Error()}
	case vecErr != nil:
		degraded = &Degraded{Backend: "vector", Reason: vecErr.Error()}
	}

	lexResults = s.filterRaw(lexResults, req)
	vecResults = collapseVectorToFiles(s.filterRaw(vecResults, req))

	candidates := fuseRRF(lexResults, vecResults)
	sortCandidates(candidates)

	if req.MinScore > 0 {
		filtered := candidates[:0]
		for _, c := range candidates {
			if c.fusedScore() >= req.MinScore {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	results := make([]QueryResult, len(candidates))
	for i, c := range candidates {
		results[i] = s.toQueryResultFromCandidate(c, req.Query)
	}

	return &Response{
		Results:      results,
		TotalResults: len(results),
		SearchType:   ModeHybrid,
		Query:        req.Query,
		Degraded:     degraded,
	}, nil
}

// filterRaw drops raw backend results that don't match the request's
// repository, file type, or folder filters. This emulates, client-side, the
// backend-query-time filtering §4.7 calls for: neither SearchBM25 nor
// SearchVector's SearchOptions.Filters support whitelist or prefix
// semantics, only single-key equality.
func (s *HybridSearcher) filterRaw(results []vectorstore.SearchResult, req SearchRequest) []vectorstore.SearchResult {
	if len(req.Repositories) == 0 && len(req.FileTypes) == 0 && req.FolderFilter == "" {
		return results
	}
	out := make([]vectorstore.SearchResult, 0, len(results))
	for _, r := range results {
		repository, _ := r.Document.Metadata["repository"].(string)
		fileType, _ := r.Document.Metadata["file_type"].(string)
		filePath, _ := r.Document.Metadata["file_path"].(string)

		if len(req.Repositories) > 0 && !containsString(req.Repositories, repository) {
			continue
		}
		if len(req.FileTypes) > 0 && !containsString(req.FileTypes, fileType) {
			continue
		}
		if req.FolderFilter != "" && !strings.HasPrefix(s.relativePath(repository, filePath), req.FolderFilter) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// collapseVectorToFiles reduces a per-chunk vector result list to one entry
// per file, keeping the first (best-ranked) chunk for each file path since
// results already arrive sorted by descending score.
func collapseVectorToFiles(results []vectorstore.SearchResult) []vectorstore.SearchResult {
	seen := make(map[string]bool, len(results))
	out := make([]vectorstore.SearchResult, 0, len(results))
	for _, r := range results {
		filePath, _ := r.Document.Metadata["file_path"].(string)
		if filePath == "" || seen[filePath] {
			continue
		}
		seen[filePath] = true
		out = append(out, r)
	}
	return out
}

// fileCandidate tracks one file's standing across the lexical and vector
// result lists while reciprocal rank fusion is computed.
type fileCandidate struct {
	filePath     string
	repository   string
	fileType     string
	content      string
	lexicalRank  int // 0-based rank in the lexical list, -1 if absent
	vectorRank   int // 0-based rank in the (file-collapsed) vector list, -1 if absent
	lexicalScore float32
	vectorScore  float32
}

func (c fileCandidate) fusedScore() float32 {
	return rrfTerm(c.lexicalRank) + rrfTerm(c.vectorRank)
}

func rrfTerm(rank int) float32 {
	if rank < 0 {
		return 0
	}
	return 1.0 / float32(rrfK+rank+1)
}

func tieRank(rank int) int {
	if rank < 0 {
		return noRank
	}
	return rank
}

// sortCandidates orders fused candidates by score desc, then lexical rank
// asc (files absent from the lexical list sort after ones present), then
// file path asc (§4.7 tie-break rule).
func sortCandidates(candidates []fileCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].fusedScore(), candidates[j].fusedScore()
		if si != sj {
			return si > sj
		}
		ri, rj := tieRank(candidates[i].lexicalRank), tieRank(candidates[j].lexicalRank)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].filePath < candidates[j].filePath
	})
}

// fuseRRF builds the fused candidate set: every file appearing in either
// list, annotated with its rank and score in each (§4.7).
func fuseRRF(lexResults, vecResults []vectorstore.SearchResult) []fileCandidate {
	index := make(map[string]*fileCandidate)
	order := make([]string, 0, len(lexResults)+len(vecResults))

	get := func(filePath string) *fileCandidate {
		c, ok := index[filePath]
		if !ok {
			c = &fileCandidate{filePath: filePath, lexicalRank: -1, vectorRank: -1}
			index[filePath] = c
			order = append(order, filePath)
		}
		return c
	}

	for rank, r := range lexResults {
		filePath, _ := r.Document.Metadata["file_path"].(string)
		if filePath == "" {
			continue
		}
		c := get(filePath)
		c.lexicalRank = rank
		c.lexicalScore = r.Score
		c.repository, _ = r.Document.Metadata["repository"].(string)
		c.fileType, _ = r.Document.Metadata["file_type"].(string)
		c.content = r.Document.Content
	}

	for rank, r := range vecResults {
		filePath, _ := r.Document.Metadata["file_path"].(string)
		if filePath == "" {
			continue
		}
		c := get(filePath)
		c.vectorRank = rank
		c.vectorScore = r.Score
		if c.repository == "" {
			c.repository, _ = r.Document.Metadata["repository"].(string)
		}
		if c.fileType == "" {
			c.fileType, _ = r.Document.Metadata["file_type"].(string)
		}
		if c.content == "" {
			c.content = r.Document.Content
		}
	}

	out := make([]fileCandidate, len(order))
	for i, filePath := range order {
		out[i] = *index[filePath]
	}
	return out
}

func (s *HybridSearcher) toQueryResult(r vectorstore.SearchResult, score, lexicalScore, vectorScore float32, query string) QueryResult {
	filePath, _ := r.Document.Metadata["file_path"].(string)
	repository, _ := r.Document.Metadata["repository"].(string)
	fileType, _ := r.Document.Metadata["file_type"].(string)
	return QueryResult{
		FilePath:     filePath,
		Repository:   repository,
		RelativePath: s.relativePath(repository, filePath),
		FileType:     fileType,
		Snippet:      snippetFor(r.Document.Content, query),
		Score:        score,
		LexicalScore: lexicalScore,
		VectorScore:  vectorScore,
	}
}

func (s *HybridSearcher) toQueryResultFromCandidate(c fileCandidate, query string) QueryResult {
	return QueryResult{
		FilePath:     c.filePath,
		Repository:   c.repository,
		RelativePath: s.relativePath(c.repository, c.filePath),
		FileType:     c.fileType,
		Snippet:      snippetFor(c.content, query),
		Score:        c.fusedScore(),
		LexicalScore: c.lexicalScore,
		VectorScore:  c.vectorScore,
	}
}

// relativePath trims a repository's registered root from an absolute file
// path. It falls back to the absolute path when the repository is unknown
// or no registry is configured.
func (s *HybridSearcher) relativePath(repository, filePath string) string {
	if s.Repos == nil || filePath == "" {
		return filePath
	}
	repo, ok := s.Repos.Get(repository)
	if !ok {
		return filePath
	}
	rel, err := filepath.Rel(repo.Path, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filePath
	}
	return rel
}

// snippetFor returns a window of content at most snippetWindow runes long,
// centered on the first occurrence of any query term. It falls back to the
// file's leading content when no term appears literally (e.g. a
// semantic-only match with no lexical overlap).
func snippetFor(content, query string) string {
	if content == "" {
		return ""
	}

	lowerContent := strings.ToLower(content)
	matchByte := -1
	for _, term := range strings.Fields(query) {
		term = strings.ToLower(term)
		if term == "" {
			continue
		}
		if idx := strings.Index(lowerContent, term); idx >= 0 && (matchByte == -1 || idx < matchByte) {
			matchByte = idx
		}
	}

	runes := []rune(content)
	if matchByte == -1 {
		return truncateRunes(runes, 0)
	}
	matchRune := len([]rune(content[:matchByte]))
	start := matchRune - snippetWindow/2
	if start < 0 {
		start = 0
	}
	return truncateRunes(runes, start)
}

func truncateRunes(runes []rune, start int) string {
	if start > len(runes) {
		start = len(runes)
	}
	end := start + snippetWindow
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:end])
}
