package search

import (
	"context"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varasto-kb/varasto/internal/embed"
	"github.com/varasto-kb/varasto/internal/store"
	"github.com/varasto-kb/varasto/internal/vector"
)

// bagEmbedder embeds text as a bag-of-words histogram so shared
// vocabulary produces real cosine similarity in tests.
type bagEmbedder struct{}

func (bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 16)
	for _, tok := range embed.Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[h.Sum32()%16]++
	}
	return v, nil
}

func (e bagEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (bagEmbedder) Dimensions() int                { return 16 }
func (bagEmbedder) ModelName() string              { return "bag-test" }
func (bagEmbedder) Available(context.Context) bool { return true }
func (bagEmbedder) Close() error                   { return nil }

type fixture struct {
	store   *store.SQLiteStore
	vectors *vector.MemoryStore
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vectors := vector.NewMemoryStore(0.6)
	return &fixture{
		store:   st,
		vectors: vectors,
		engine:  New(st, vectors, bagEmbedder{}, nil),
	}
}

// indexFile loads a one-chunk-per-text file into both stores.
func (f *fixture) indexFile(t *testing.T, folder, path string, texts []string) {
	t.Helper()
	ctx := context.Background()
	enc := embed.NewSparseEncoder()
	emb := bagEmbedder{}

	require.NoError(t, f.store.UpsertFile(ctx, &store.File{Path: path, FolderPath: folder}))

	rows := make([]*store.Chunk, len(texts))
	points := make([]vector.Point, len(texts))
	for i, text := range texts {
		id := vector.PointID(path, i, 1)
		rows[i] = &store.Chunk{FilePath: path, Ordinal: i, Text: text, TokenCount: embed.CountTokens(text), PointID: id, EmbeddingVersion: 1}
		dense, _ := emb.Embed(ctx, text)
		points[i] = vector.Point{
			ID:     id,
			Dense:  dense,
			Sparse: enc.Encode(text),
			Payload: vector.Payload{
				FilePath: path, FolderPath: folder, Ordinal: i,
				Text: text, TokenCount: embed.CountTokens(text), FileMIME: "text/plain",
			},
		}
	}
	require.NoError(t, f.store.SwapChunks(ctx, path, "hash-"+path, 1, rows))
	require.NoError(t, f.vectors.Upsert(ctx, points))
}

func (f *fixture) addFolder(t *testing.T, path string, indexed bool) {
	t.Helper()
	status := store.IndexStatusIndexed
	if !indexed {
		status = store.IndexStatusNone
	}
	require.NoError(t, f.store.UpsertFolder(context.Background(), &store.Folder{
		Path:            path,
		IndexingEnabled: true,
		IndexStatus:     status,
	}))
}

func TestSearch_FindsMatchingChunk(t *testing.T) {
	f := newFixture(t)
	f.addFolder(t, "docs", true)
	f.indexFile(t, "docs", "docs/hello.txt", []string{"the quick brown fox"})
	f.indexFile(t, "docs", "docs/other.txt", []string{"completely unrelated subject matter"})

	results, err := f.engine.Search(context.Background(), "fox", Options{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "docs/hello.txt", results[0].FilePath)
	assert.Equal(t, "hello.txt", results[0].FileName)
	assert.Contains(t, results[0].ChunkText, "fox")
}

func TestSearch_EmptyQueryRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Search(context.Background(), "   ", Options{})
	assert.Error(t, err)
}

func TestSearch_NoVisibleFoldersReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	// A folder exists but is not indexed yet.
	f.addFolder(t, "docs", false)
	f.indexFile(t, "docs", "docs/hello.txt", []string{"the quick brown fox"})

	results, err := f.engine.Search(context.Background(), "fox", Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_UserVisibilityFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addFolder(t, "docs", true)
	f.indexFile(t, "docs", "docs/hello.txt", []string{"the quick brown fox"})

	require.NoError(t, f.store.SetUserVisibility(ctx, "alice", "docs", false))

	hidden, err := f.engine.Search(ctx, "fox", Options{User: "alice"})
	require.NoError(t, err)
	assert.Empty(t, hidden, "folder deactivated for alice")

	shown, err := f.engine.Search(ctx, "fox", Options{User: "bob"})
	require.NoError(t, err)
	assert.NotEmpty(t, shown, "default-active for other users")
}

func TestSearch_DisabledAncestorHidesSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs", true)
	f.addFolder(t, "docs/sub", true)
	require.NoError(t, f.store.SetFolderIndexing(ctx, "docs", false))
	f.indexFile(t, "docs/sub", "docs/sub/inner.txt", []string{"the quick brown fox"})

	results, err := f.engine.Search(ctx, "fox", Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_IncludeExcludeFolders(t *testing.T) {
	f := newFixture(t)
	f.addFolder(t, "a", true)
	f.addFolder(t, "b", true)
	f.indexFile(t, "a", "a/one.txt", []string{"shared term foxtrot alpha"})
	f.indexFile(t, "b", "b/two.txt", []string{"shared term foxtrot beta"})

	ctx := context.Background()

	onlyA, err := f.engine.Search(ctx, "foxtrot", Options{IncludeFolders: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "a/one.txt", onlyA[0].FilePath)

	noB, err := f.engine.Search(ctx, "foxtrot", Options{ExcludeFolders: []string{"b"}})
	require.NoError(t, err)
	require.Len(t, noB, 1)
	assert.Equal(t, "a/one.txt", noB[0].FilePath)
}

func TestSearch_DedupesByFile(t *testing.T) {
	f := newFixture(t)
	f.addFolder(t, "docs", true)
	f.indexFile(t, "docs", "docs/multi.txt", []string{
		"foxtrot paragraph the first",
		"foxtrot paragraph the second",
		"foxtrot paragraph the third",
	})

	results, err := f.engine.Search(context.Background(), "foxtrot paragraph", Options{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1, "one result per file")
}

func TestSearch_LimitClamped(t *testing.T) {
	f := newFixture(t)
	f.addFolder(t, "docs", true)
	for i := 0; i < 3; i++ {
		path := []string{"docs/x.txt", "docs/y.txt", "docs/z.txt"}[i]
		f.indexFile(t, "docs", path, []string{"common token searchterm"})
	}

	results, err := f.engine.Search(context.Background(), "searchterm", Options{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	_, err = f.engine.Search(context.Background(), "searchterm", Options{Limit: 5000})
	require.NoError(t, err, "over-limit is clamped, not rejected")
}

func TestMergeChunks_OverlapDedup(t *testing.T) {
	assert.Equal(t, "", MergeChunks(nil))
	assert.Equal(t, "solo", MergeChunks([]string{"solo"}))

	merged := MergeChunks([]string{
		"one two three four",
		"three four five six",
	})
	assert.Equal(t, "one two three four five six", merged)

	// No overlap: joined with a space.
	assert.Equal(t, "abc def", MergeChunks([]string{"abc", "def"}))
}

func TestGetFile_EqualsMergedChunkRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addFolder(t, "docs", true)
	f.indexFile(t, "docs", "docs/long.txt", []string{
		"alpha bravo charlie delta",
		"delta echo foxtrot golf",
		"golf hotel india juliet",
	})

	full, chunkCount, err := f.engine.GetFile(ctx, "docs/long.txt")
	require.NoError(t, err)
	assert.Equal(t, 3, chunkCount)

	ranged, err := f.engine.GetChunkRange(ctx, "docs/long.txt", 0, chunkCount-1)
	require.NoError(t, err)
	assert.Equal(t, full, ranged.Text)
}

func TestGetChunkRange_ClampsAndTruncates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addFolder(t, "docs", true)

	texts := make([]string, 30)
	for i := range texts {
		texts[i] = "chunk number " + string(rune('a'+i))
	}
	f.indexFile(t, "docs", "docs/big.txt", texts)

	result, err := f.engine.GetChunkRange(ctx, "docs/big.txt", 0, 99)
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Equal(t, MaxRangeChunks-1, result.LastChunk)
	assert.Equal(t, 30, result.TotalChunks)

	_, err = f.engine.GetChunkRange(ctx, "docs/big.txt", 50, 60)
	assert.Error(t, err, "first beyond file")

	_, err = f.engine.GetChunkRange(ctx, "docs/big.txt", 5, 2)
	assert.Error(t, err, "inverted range")
}

func TestGetFile_NotFound(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.engine.GetFile(context.Background(), "missing.txt")
	assert.Error(t, err)
}

func TestListIndexedFolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs", true)
	f.addFolder(t, "notes", false)
	f.indexFile(t, "docs", "docs/a.txt", []string{"one", "two"})
	require.NoError(t, f.store.SetUserVisibility(ctx, "alice", "docs", false))

	infos, err := f.engine.ListIndexedFolders(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byPath := map[string]FolderInfo{}
	for _, info := range infos {
		byPath[info.Path] = info
	}
	assert.Equal(t, "indexed", byPath["docs"].Status)
	assert.Equal(t, 1, byPath["docs"].FileCount)
	assert.Equal(t, 2, byPath["docs"].TotalChunks)
	assert.False(t, byPath["docs"].SearchActive)
	assert.Equal(t, "none", byPath["notes"].Status)
	assert.True(t, byPath["notes"].SearchActive)
}
