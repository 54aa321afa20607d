package indexer

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varasto-kb/varasto/internal/chunk"
	"github.com/varasto-kb/varasto/internal/embed"
	"github.com/varasto-kb/varasto/internal/events"
	"github.com/varasto-kb/varasto/internal/store"
	"github.com/varasto-kb/varasto/internal/vector"
	"github.com/varasto-kb/varasto/internal/watcher"
)

// bagEmbedder produces deterministic bag-of-words vectors so identical
// text embeds identically and overlapping vocabulary scores higher.
type bagEmbedder struct {
	batchCalls atomic.Int64
}

func (e *bagEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *bagEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.batchCalls.Add(1)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 16)
		for _, tok := range embed.Tokenize(text) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			v[h.Sum32()%16]++
		}
		out[i] = v
	}
	return out, nil
}

func (e *bagEmbedder) Dimensions() int                { return 16 }
func (e *bagEmbedder) ModelName() string              { return "bag-test" }
func (e *bagEmbedder) Available(context.Context) bool { return true }
func (e *bagEmbedder) Close() error                   { return nil }

type fixture struct {
	root    string
	store   *store.SQLiteStore
	vectors *vector.MemoryStore
	bus     *events.Bus
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vectors := vector.NewMemoryStore(0.6)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	root := t.TempDir()
	svc := New(root, Config{EmbeddingVersion: 1}, st, vectors, &bagEmbedder{},
		chunk.NewSplitter(64, 8), bus, nil)

	return &fixture{root: root, store: st, vectors: vectors, bus: bus, svc: svc}
}

func (f *fixture) write(t *testing.T, logical, content string) {
	t.Helper()
	abs := filepath.Join(f.root, filepath.FromSlash(logical))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (f *fixture) addFolder(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, filepath.FromSlash(path)), 0o755))
	require.NoError(t, f.store.UpsertFolder(context.Background(), &store.Folder{
		Path:            path,
		IndexingEnabled: true,
		IndexStatus:     store.IndexStatusPending,
	}))
}

func TestScanFolder_IndexesFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	f.write(t, "docs/hello.txt", "the quick brown fox jumps over the lazy dog")
	f.write(t, "docs/sub/nested.md", "# Notes\n\nnested content here")

	sub := f.bus.Subscribe(events.TopicIndexStatus, events.TopicIndexComplete)

	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	folder, err := f.store.GetFolder(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, store.IndexStatusIndexed, folder.IndexStatus)

	file, err := f.store.GetFile(ctx, "docs/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, store.IndexStatusIndexed, file.IndexStatus)
	assert.Equal(t, file.ContentHash, file.IndexedHash)
	assert.Equal(t, 1, file.ChunkCount)

	nested, err := f.store.GetFile(ctx, "docs/sub/nested.md")
	require.NoError(t, err)
	assert.Equal(t, store.IndexStatusIndexed, nested.IndexStatus)

	count, err := f.vectors.Count(ctx, vector.Filter{FilePath: "docs/hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, file.ChunkCount, count, "vector count matches chunk_count")

	// indexing -> indexed -> complete, in order on their topics.
	var sawIndexing, sawIndexed, sawComplete bool
	timeout := time.After(time.Second)
	for !(sawIndexing && sawIndexed && sawComplete) {
		select {
		case ev := <-sub.Events():
			switch {
			case ev.Type == events.TypeIndexStatus && ev.Status == "indexing":
				sawIndexing = true
			case ev.Type == events.TypeIndexStatus && ev.Status == "indexed":
				sawIndexed = true
			case ev.Type == events.TypeIndexComplete:
				sawComplete = true
				assert.Equal(t, 2, ev.FilesIndexed)
				assert.Greater(t, ev.TotalChunks, 0)
			}
		case <-timeout:
			t.Fatal("missing status events")
		}
	}
}

func TestScanFolder_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	f.write(t, "docs/a.txt", "stable content that does not change")

	require.NoError(t, f.svc.scanFolder(ctx, "docs"))
	embedder := f.svc.embedder.(*bagEmbedder)
	callsAfterFirst := embedder.batchCalls.Load()

	require.NoError(t, f.svc.scanFolder(ctx, "docs"))
	assert.Equal(t, callsAfterFirst, embedder.batchCalls.Load(),
		"unchanged file must not re-embed")
}

func TestScanFolder_ReindexesChangedBytes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	f.write(t, "docs/a.txt", "the quick brown fox")
	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	f.write(t, "docs/a.txt", "a lazy dog sleeps all day")
	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	file, err := f.store.GetFile(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, file.ContentHash, file.IndexedHash)

	chunks, err := f.store.GetChunks(ctx, "docs/a.txt")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Text, "lazy dog")
}

func TestScanFolder_RemovesVanishedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	f.write(t, "docs/a.txt", "soon to vanish")
	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	require.NoError(t, os.Remove(filepath.Join(f.root, "docs", "a.txt")))
	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	_, err := f.store.GetFile(ctx, "docs/a.txt")
	assert.Error(t, err)

	count, err := f.vectors.Count(ctx, vector.Filter{FilePath: "docs/a.txt"})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestScanFolder_UnsupportedBinaryIndexedWithZeroChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	abs := filepath.Join(f.root, "docs", "blob.bin")
	require.NoError(t, os.WriteFile(abs, []byte{0x00, 0x01, 0x02, 0xff}, 0o644))

	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	file, err := f.store.GetFile(ctx, "docs/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, store.IndexStatusIndexed, file.IndexStatus)
	assert.Zero(t, file.ChunkCount)

	count, err := f.vectors.Count(ctx, vector.Filter{FilePath: "docs/blob.bin"})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestScanFolder_EmptyFileIndexedWithZeroChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	f.write(t, "docs/empty.txt", "")

	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	file, err := f.store.GetFile(ctx, "docs/empty.txt")
	require.NoError(t, err)
	assert.Equal(t, store.IndexStatusIndexed, file.IndexStatus)
	assert.Zero(t, file.ChunkCount)
}

func TestScanFolder_ExtractFailureIsolatesToFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	f.write(t, "docs/good.txt", "healthy readable text")
	// Recognized extension, corrupt payload.
	f.write(t, "docs/broken.docx", "this is not a zip archive")

	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	good, err := f.store.GetFile(ctx, "docs/good.txt")
	require.NoError(t, err)
	assert.Equal(t, store.IndexStatusIndexed, good.IndexStatus)

	broken, err := f.store.GetFile(ctx, "docs/broken.docx")
	require.NoError(t, err)
	assert.Equal(t, store.IndexStatusError, broken.IndexStatus)
	assert.NotEmpty(t, broken.ErrorMessage)

	folder, err := f.store.GetFolder(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, store.IndexStatusError, folder.IndexStatus)
}

func TestScanFolder_ResumeSkipsCompletedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	f.write(t, "docs/one.txt", "file one content")
	f.write(t, "docs/two.txt", "file two content, a little longer")
	f.write(t, "docs/three.txt", "file three content, the longest of them all")

	// File one was fully indexed by a previous process.
	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	// Simulate the crash: files two and three lose their rows, folder is
	// left mid-flight.
	require.NoError(t, f.store.DeleteFile(ctx, "docs/two.txt"))
	require.NoError(t, f.store.DeleteFile(ctx, "docs/three.txt"))
	require.NoError(t, f.store.SetFolderIndexStatus(ctx, "docs", store.IndexStatusIndexing, ""))

	embedder := f.svc.embedder.(*bagEmbedder)
	before := embedder.batchCalls.Load()

	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	assert.Equal(t, before+2, embedder.batchCalls.Load(),
		"only the two unfinished files re-embed")

	folder, err := f.store.GetFolder(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, store.IndexStatusIndexed, folder.IndexStatus)
}

func TestEnqueue_CollapsesWhileActive(t *testing.T) {
	f := newFixture(t)

	f.svc.mu.Lock()
	f.svc.active["docs"] = true
	f.svc.mu.Unlock()

	f.svc.Enqueue("docs")
	f.svc.Enqueue("docs")
	f.svc.Enqueue("docs")

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	assert.True(t, f.svc.pending["docs"], "re-enqueues collapse into one pending flag")
	assert.Empty(t, f.svc.queue, "no duplicate queue entries while active")
}

func TestWorker_RunsExactlyOneFollowUpScan(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.addFolder(t, "docs")
	f.write(t, "docs/a.txt", "content for the follow-up test")

	f.svc.Start(ctx)
	defer f.svc.Stop()

	f.svc.Enqueue("docs")
	f.svc.Enqueue("docs") // lands while the first scan may be running

	require.Eventually(t, func() bool {
		f.svc.mu.Lock()
		defer f.svc.mu.Unlock()
		return !f.svc.active["docs"] && !f.svc.pending["docs"]
	}, 5*time.Second, 10*time.Millisecond)

	folder, err := f.store.GetFolder(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, store.IndexStatusIndexed, folder.IndexStatus)
}

func TestHandleEvent_DeleteFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	f.write(t, "docs/a.txt", "delete me soon")
	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	f.svc.HandleEvent(ctx, watcher.Event{Type: watcher.EventDeleted, Path: "docs/a.txt"})

	count, err := f.vectors.Count(ctx, vector.Filter{FilePath: "docs/a.txt"})
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = f.store.GetFile(ctx, "docs/a.txt")
	assert.Error(t, err)
}

func TestHandleEvent_MovePurgesOldPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "a")
	f.write(t, "a/b.txt", "movable file contents")
	require.NoError(t, f.svc.scanFolder(ctx, "a"))

	// Simulate the rename on disk, then deliver the move event.
	require.NoError(t, os.Rename(
		filepath.Join(f.root, "a", "b.txt"),
		filepath.Join(f.root, "a", "c.txt")))
	f.svc.HandleEvent(ctx, watcher.Event{Type: watcher.EventMoved, Path: "a/c.txt", OldPath: "a/b.txt"})
	require.NoError(t, f.svc.scanFolder(ctx, "a"))

	oldCount, err := f.vectors.Count(ctx, vector.Filter{FilePath: "a/b.txt"})
	require.NoError(t, err)
	assert.Zero(t, oldCount, "old path vectors deleted")

	newCount, err := f.vectors.Count(ctx, vector.Filter{FilePath: "a/c.txt"})
	require.NoError(t, err)
	assert.Greater(t, newCount, 0, "new path vectors created")
}

func TestDisableFolder_PurgesVectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	f.write(t, "docs/a.txt", "content that will be purged")
	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	require.NoError(t, f.svc.DisableFolder(ctx, "docs"))

	count, err := f.vectors.Count(ctx, vector.Filter{FolderPrefix: "docs"})
	require.NoError(t, err)
	assert.Zero(t, count)

	folder, err := f.store.GetFolder(ctx, "docs")
	require.NoError(t, err)
	assert.False(t, folder.IndexingEnabled)
	assert.Equal(t, store.IndexStatusNone, folder.IndexStatus)
}

func TestDisableThenEnableRestoresChunkCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	f.write(t, "docs/a.txt", "identical bytes before and after")
	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	original, err := f.store.GetFile(ctx, "docs/a.txt")
	require.NoError(t, err)

	require.NoError(t, f.svc.DisableFolder(ctx, "docs"))
	require.NoError(t, f.svc.EnableFolder(ctx, "docs"))
	require.NoError(t, f.svc.scanFolder(ctx, "docs"))

	restored, err := f.store.GetFile(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, original.ChunkCount, restored.ChunkCount)
	assert.Equal(t, original.IndexedHash, restored.IndexedHash)
}

func TestReindex_RequiresEnabledFolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFolder(t, "docs")
	require.NoError(t, f.store.SetFolderIndexing(ctx, "docs", false))

	err := f.svc.Reindex(ctx, "docs")
	assert.Error(t, err)
}
