// Package search performs hybrid dense+sparse retrieval with per-user
// folder visibility filtering.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/varasto-kb/varasto/internal/embed"
	verrors "github.com/varasto-kb/varasto/internal/errors"
	"github.com/varasto-kb/varasto/internal/paths"
	"github.com/varasto-kb/varasto/internal/store"
	"github.com/varasto-kb/varasto/internal/vector"
)

// Limits on the query contract.
const (
	DefaultLimit = 20
	MaxLimit     = 100

	// MaxRangeChunks bounds one get_chunk_range call.
	MaxRangeChunks = 20
)

// DefaultUser is the identity used when the surface supplies none.
const DefaultUser = "default"

// Options refine a search.
type Options struct {
	// Limit caps result count. Non-positive means DefaultLimit; values
	// above MaxLimit are clamped to MaxLimit.
	Limit int
	// IncludeFolders restricts the search to these subtrees.
	IncludeFolders []string
	// ExcludeFolders removes subtrees from the search.
	ExcludeFolders []string
	// User is the opaque identity for visibility filtering.
	User string
	// ContextWindow attaches this many adjacent chunks on each side of
	// the best chunk.
	ContextWindow int
}

// Result is one search hit, deduplicated by file.
type Result struct {
	Score        float64 `json:"score"`
	FilePath     string  `json:"file_path"`
	FileName     string  `json:"file_name"`
	FolderPath   string  `json:"folder_path"`
	ChunkText    string  `json:"chunk_text"`
	ChunkOrdinal int     `json:"chunk_ordinal"`
	TokenCount   int     `json:"token_count"`
	Metadata     string  `json:"metadata,omitempty"`
}

// FolderInfo summarizes an indexed folder.
type FolderInfo struct {
	Path         string `json:"folder_path"`
	Status       string `json:"status"`
	Enabled      bool   `json:"enabled"`
	SearchActive bool   `json:"search_active"`
	FileCount    int    `json:"file_count"`
	TotalChunks  int    `json:"total_chunks"`
	Metadata     string `json:"metadata,omitempty"`
}

// Engine answers search queries from the state and vector stores.
type Engine struct {
	store    store.Store
	vectors  vector.Store
	embedder embed.Embedder
	sparse   *embed.SparseEncoder
	logger   *slog.Logger
}

// New creates a search engine.
func New(st store.Store, vectors vector.Store, embedder embed.Embedder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		sparse:   embed.NewSparseEncoder(),
		logger:   logger,
	}
}

// Search runs a hybrid query restricted to the caller's visible folders.
// An empty visible set short-circuits to no results.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, verrors.New(verrors.KindInvalidPath, "query must not be empty")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	visible, err := e.visibleFolders(ctx, userOrDefault(opts.User))
	if err != nil {
		return nil, err
	}
	include := intersectFolders(visible, opts.IncludeFolders)
	if len(include) == 0 {
		return []Result{}, nil
	}

	dense, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindEmbedFailed, "embed query", err)
	}
	sparse := e.sparse.Encode(query)

	filter := vector.Filter{
		IncludeFolders: include,
		ExcludeFolders: opts.ExcludeFolders,
	}

	// Overfetch so per-file deduplication still fills the limit.
	hits, err := e.vectors.Query(ctx, dense, sparse, limit*3, filter)
	if err != nil {
		return nil, err
	}

	results := e.dedupeByFile(hits, limit)

	if opts.ContextWindow > 0 {
		for i := range results {
			e.attachContext(ctx, &results[i], opts.ContextWindow)
		}
	}

	e.logger.Debug("search complete",
		slog.String("query", query),
		slog.Int("hits", len(hits)),
		slog.Int("results", len(results)))
	return results, nil
}

func userOrDefault(user string) string {
	if user == "" {
		return DefaultUser
	}
	return user
}

// visibleFolders computes the folders a user may search: indexing
// enabled, fully indexed, search-active for the user, and no disabled
// ancestor.
func (e *Engine) visibleFolders(ctx context.Context, user string) ([]string, error) {
	folders, err := e.store.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	visibility, err := e.store.GetUserVisibility(ctx, user)
	if err != nil {
		return nil, err
	}

	enabled := make(map[string]bool, len(folders))
	for _, f := range folders {
		enabled[f.Path] = f.IndexingEnabled
	}

	var visible []string
	for _, f := range folders {
		if !f.IndexingEnabled || f.IndexStatus != store.IndexStatusIndexed {
			continue
		}
		if active, ok := visibility[f.Path]; ok && !active {
			continue
		}
		disabledAncestor := false
		for _, ancestor := range paths.Ancestors(f.Path) {
			if on, ok := enabled[ancestor]; ok && !on {
				disabledAncestor = true
				break
			}
		}
		if disabledAncestor {
			continue
		}
		visible = append(visible, f.Path)
	}
	return visible, nil
}

// intersectFolders narrows the visible set by the caller's include list.
// With no include list the visible set stands as-is.
func intersectFolders(visible, include []string) []string {
	if len(include) == 0 {
		return visible
	}

	seen := make(map[string]bool)
	var out []string
	for _, v := range visible {
		for _, inc := range include {
			switch {
			case paths.IsUnder(inc, v):
				// Requested folder sits inside a visible subtree.
				if !seen[inc] {
					seen[inc] = true
					out = append(out, inc)
				}
			case paths.IsUnder(v, inc):
				// Visible folder sits inside the requested subtree.
				if !seen[v] {
					seen[v] = true
					out = append(out, v)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// dedupeByFile keeps the best-scoring chunk per file.
func (e *Engine) dedupeByFile(hits []vector.Result, limit int) []Result {
	best := make(map[string]vector.Result)
	var order []string
	for _, hit := range hits {
		path := hit.Payload.FilePath
		if prev, ok := best[path]; !ok {
			best[path] = hit
			order = append(order, path)
		} else if hit.Score > prev.Score {
			best[path] = hit
		}
	}

	results := make([]Result, 0, len(order))
	for _, path := range order {
		hit := best[path]
		results = append(results, Result{
			Score:        hit.Score,
			FilePath:     path,
			FileName:     paths.Base(path),
			FolderPath:   hit.Payload.FolderPath,
			ChunkText:    hit.Payload.Text,
			ChunkOrdinal: hit.Payload.Ordinal,
			TokenCount:   hit.Payload.TokenCount,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// attachContext widens a result's chunk text with its neighbors.
func (e *Engine) attachContext(ctx context.Context, r *Result, window int) {
	first := r.ChunkOrdinal - window
	if first < 0 {
		first = 0
	}
	chunks, err := e.store.GetChunkRange(ctx, r.FilePath, first, r.ChunkOrdinal+window)
	if err != nil || len(chunks) == 0 {
		return
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	r.ChunkText = MergeChunks(texts)
}

// GetFile returns a file's full text: its chunks joined in order with
// overlap regions deduplicated.
func (e *Engine) GetFile(ctx context.Context, path string) (string, int, error) {
	file, err := e.store.GetFile(ctx, path)
	if err != nil {
		return "", 0, err
	}
	chunks, err := e.store.GetChunks(ctx, path)
	if err != nil {
		return "", 0, err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return MergeChunks(texts), file.ChunkCount, nil
}

// RangeResult is the outcome of GetChunkRange.
type RangeResult struct {
	Text        string `json:"merged_text"`
	FirstChunk  int    `json:"actual_first_chunk"`
	LastChunk   int    `json:"actual_last_chunk"`
	TotalChunks int    `json:"total_chunks_in_file"`
	Truncated   bool   `json:"truncated_to_limit"`
}

// GetChunkRange merges the chunks with ordinals in [first, last],
// clamped to the file and to MaxRangeChunks.
func (e *Engine) GetChunkRange(ctx context.Context, path string, first, last int) (*RangeResult, error) {
	if first < 0 {
		first = 0
	}
	if last < first {
		return nil, verrors.Newf(verrors.KindInvalidPath, "invalid chunk range [%d, %d]", first, last)
	}

	file, err := e.store.GetFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if file.ChunkCount == 0 {
		return &RangeResult{TotalChunks: 0, FirstChunk: 0, LastChunk: 0}, nil
	}
	if first >= file.ChunkCount {
		return nil, verrors.Newf(verrors.KindInvalidPath, "first chunk %d beyond file's %d chunks", first, file.ChunkCount)
	}
	if last >= file.ChunkCount {
		last = file.ChunkCount - 1
	}

	truncated := false
	if last-first+1 > MaxRangeChunks {
		last = first + MaxRangeChunks - 1
		truncated = true
	}

	chunks, err := e.store.GetChunkRange(ctx, path, first, last)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	return &RangeResult{
		Text:        MergeChunks(texts),
		FirstChunk:  first,
		LastChunk:   last,
		TotalChunks: file.ChunkCount,
		Truncated:   truncated,
	}, nil
}

// ListIndexedFolders returns folders with counts and statuses for the
// given user.
func (e *Engine) ListIndexedFolders(ctx context.Context, user string) ([]FolderInfo, error) {
	folders, err := e.store.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	visibility, err := e.store.GetUserVisibility(ctx, userOrDefault(user))
	if err != nil {
		return nil, err
	}

	out := make([]FolderInfo, 0, len(folders))
	for _, f := range folders {
		files, err := e.store.ListFilesUnder(ctx, f.Path)
		if err != nil {
			return nil, err
		}
		totalChunks := 0
		for _, file := range files {
			totalChunks += file.ChunkCount
		}

		active := true
		if explicit, ok := visibility[f.Path]; ok {
			active = explicit
		}

		out = append(out, FolderInfo{
			Path:         f.Path,
			Status:       string(f.IndexStatus),
			Enabled:      f.IndexingEnabled,
			SearchActive: active,
			FileCount:    len(files),
			TotalChunks:  totalChunks,
			Metadata:     f.MetadataText,
		})
	}
	return out, nil
}

// MergeChunks joins ordered chunk texts, deduplicating the overlap
// between consecutive chunks by the greedy longest suffix/prefix match.
func MergeChunks(texts []string) string {
	if len(texts) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(texts[0])
	for _, next := range texts[1:] {
		current := sb.String()
		overlap := overlapLength(current, next)
		if overlap == 0 && len(current) > 0 && len(next) > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(next[overlap:])
	}
	return sb.String()
}

// overlapLength finds the longest suffix of a that is a prefix of b.
func overlapLength(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	for k := max; k > 0; k-- {
		if a[len(a)-k:] == b[:k] {
			return k
		}
	}
	return 0
}
