package syncer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	verrors "github.com/varasto-kb/varasto/internal/errors"
	"github.com/varasto-kb/varasto/internal/events"
	"github.com/varasto-kb/varasto/internal/store"
)

// fakeProvider serves an in-memory tree.
type fakeProvider struct {
	files     map[string]string // path -> content
	authErr   error
	listErr   error
	listCalls atomic.Int64
	unchanged bool
	blockList chan struct{} // when set, List waits for a receive
}

func (f *fakeProvider) Kind() string { return "fake" }

func (f *fakeProvider) Authorize(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return raw, nil
}

func (f *fakeProvider) List(ctx context.Context, _ json.RawMessage, _ json.RawMessage) (*Listing, error) {
	f.listCalls.Add(1)
	if f.blockList != nil {
		select {
		case <-f.blockList:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.unchanged {
		return &Listing{Unchanged: true}, nil
	}

	var files []RemoteFile
	for path, content := range f.files {
		content := content
		sum := sha256.Sum256([]byte(content))
		files = append(files, RemoteFile{
			Path:     path,
			Size:     int64(len(content)),
			Hash:     hex.EncodeToString(sum[:]),
			HashKind: HashSHA256,
			Fetch: func(context.Context) (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader([]byte(content))), nil
			},
		})
	}
	cursor, _ := json.Marshal(map[string]string{"gen": "1"})
	return &Listing{Files: files, Cursor: cursor}, nil
}

type syncFixture struct {
	root     string
	store    *store.SQLiteStore
	bus      *events.Bus
	engine   *Engine
	provider *fakeProvider
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	st, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	root := t.TempDir()
	engine := NewEngine(root, Config{RequestTimeout: 2 * time.Second, Deadline: 10 * time.Second}, st, bus, nil)
	provider := &fakeProvider{files: map[string]string{}}
	engine.Register(provider)

	ctx := context.Background()
	require.NoError(t, st.UpsertFolder(ctx, &store.Folder{Path: "remote"}))
	require.NoError(t, st.SetSyncSource(ctx, &store.SyncSource{
		FolderPath: "remote",
		Provider:   "fake",
		Config:     json.RawMessage(`{}`),
	}, false))

	return &syncFixture{root: root, store: st, bus: bus, engine: engine, provider: provider}
}

func (f *syncFixture) localPath(rel string) string {
	return filepath.Join(f.root, "remote", filepath.FromSlash(rel))
}

func TestTrigger_DownloadsRemoteTree(t *testing.T) {
	f := newSyncFixture(t)
	f.provider.files = map[string]string{
		"README.md":   "# readme contents",
		"src/code.py": "print('hello')",
	}

	require.NoError(t, f.engine.Trigger(context.Background(), "remote"))

	data, err := os.ReadFile(f.localPath("README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# readme contents", string(data))

	data, err = os.ReadFile(f.localPath("src/code.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hello')", string(data))

	folder, err := f.store.GetFolder(context.Background(), "remote")
	require.NoError(t, err)
	assert.Equal(t, store.SyncStatusSynced, folder.SyncStatus)
	assert.False(t, folder.LastSyncedAt.IsZero())

	src, err := f.store.GetSyncSource(context.Background(), "remote")
	require.NoError(t, err)
	assert.NotNil(t, src.Cursor, "cursor persisted after success")
}

func TestTrigger_MirrorsDeletions(t *testing.T) {
	f := newSyncFixture(t)
	f.provider.files = map[string]string{"keep.txt": "keep", "drop.txt": "drop"}
	require.NoError(t, f.engine.Trigger(context.Background(), "remote"))

	delete(f.provider.files, "drop.txt")
	require.NoError(t, f.engine.Trigger(context.Background(), "remote"))

	assert.FileExists(t, f.localPath("keep.txt"))
	_, err := os.Stat(f.localPath("drop.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestTrigger_PrunesEmptiedDirectories(t *testing.T) {
	f := newSyncFixture(t)
	f.provider.files = map[string]string{"deep/nested/file.txt": "x"}
	require.NoError(t, f.engine.Trigger(context.Background(), "remote"))

	f.provider.files = map[string]string{}
	require.NoError(t, f.engine.Trigger(context.Background(), "remote"))

	_, err := os.Stat(filepath.Join(f.root, "remote", "deep"))
	assert.True(t, os.IsNotExist(err))
}

func TestTrigger_SkipsUnchangedFiles(t *testing.T) {
	f := newSyncFixture(t)
	f.provider.files = map[string]string{"stable.txt": "stable content"}
	require.NoError(t, f.engine.Trigger(context.Background(), "remote"))

	info1, err := os.Stat(f.localPath("stable.txt"))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, f.engine.Trigger(context.Background(), "remote"))

	info2, err := os.Stat(f.localPath("stable.txt"))
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime(), "matching hash skips rewrite")
}

func TestTrigger_UnchangedListingShortCircuits(t *testing.T) {
	f := newSyncFixture(t)
	f.provider.unchanged = true

	require.NoError(t, f.engine.Trigger(context.Background(), "remote"))

	folder, err := f.store.GetFolder(context.Background(), "remote")
	require.NoError(t, err)
	assert.Equal(t, store.SyncStatusSynced, folder.SyncStatus)
}

func TestTrigger_AuthRequiredSurfacesReconnectPrompt(t *testing.T) {
	f := newSyncFixture(t)
	f.provider.authErr = verrors.New(verrors.KindProviderAuthRequired, "token expired")

	sub := f.bus.Subscribe(events.TopicSyncStatus)

	err := f.engine.Trigger(context.Background(), "remote")
	require.Error(t, err)
	assert.True(t, verrors.IsKind(err, verrors.KindProviderAuthRequired))

	folder, err := f.store.GetFolder(context.Background(), "remote")
	require.NoError(t, err)
	assert.Equal(t, store.SyncStatusError, folder.SyncStatus)
	assert.Contains(t, folder.LastSyncError, "token expired")

	// The source binding survives an auth failure.
	_, err = f.store.GetSyncSource(context.Background(), "remote")
	assert.NoError(t, err)

	// syncing then error with the reconnect flag.
	var sawNeedsAuth bool
	timeout := time.After(time.Second)
	for !sawNeedsAuth {
		select {
		case ev := <-sub.Events():
			if ev.Status == string(store.SyncStatusError) {
				assert.True(t, ev.NeedsAuth)
				sawNeedsAuth = true
			}
		case <-timeout:
			t.Fatal("no error event")
		}
	}
}

func TestTrigger_FatalErrorEndsRun(t *testing.T) {
	f := newSyncFixture(t)
	f.provider.listErr = verrors.New(verrors.KindProviderFatal, "repository deleted")

	err := f.engine.Trigger(context.Background(), "remote")
	require.Error(t, err)
	assert.Equal(t, int64(1), f.provider.listCalls.Load(), "fatal errors do not retry")

	folder, err := f.store.GetFolder(context.Background(), "remote")
	require.NoError(t, err)
	assert.Equal(t, store.SyncStatusError, folder.SyncStatus)
}

func TestTrigger_SingleFlightCollapsesConcurrentRuns(t *testing.T) {
	f := newSyncFixture(t)
	f.provider.files = map[string]string{"a.txt": "content"}
	f.provider.blockList = make(chan struct{})

	done := make(chan error, 2)
	go func() { done <- f.engine.Trigger(context.Background(), "remote") }()
	go func() { done <- f.engine.Trigger(context.Background(), "remote") }()

	// Let both triggers land on the single in-flight List call.
	time.Sleep(100 * time.Millisecond)
	close(f.provider.blockList)

	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), f.provider.listCalls.Load(), "concurrent triggers collapse")
}

func TestTrigger_CancellationIsNotAnError(t *testing.T) {
	f := newSyncFixture(t)
	f.provider.files = map[string]string{"a.txt": "partial"}
	f.provider.blockList = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Trigger(ctx, "remote") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.NoError(t, <-done, "cancellation is a no-op, not an error")
}

func TestTrigger_OnSyncedHookFires(t *testing.T) {
	f := newSyncFixture(t)
	f.provider.files = map[string]string{"a.txt": "x"}

	var hooked atomic.Bool
	f.engine.OnSynced = func(folder string) {
		assert.Equal(t, "remote", folder)
		hooked.Store(true)
	}

	require.NoError(t, f.engine.Trigger(context.Background(), "remote"))
	assert.True(t, hooked.Load())
}

func TestAtomicWrite_NoPartialFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	require.NoError(t, atomicWrite(target, bytes.NewReader([]byte("complete content"))))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "complete content", string(data))

	// No temp droppings left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOAuthState_RoundTrip(t *testing.T) {
	state := encodeState("docs/remote")
	folder, err := decodeState(state)
	require.NoError(t, err)
	assert.Equal(t, "docs/remote", folder)

	_, err = decodeState("tampered.state")
	assert.Error(t, err)

	_, err = decodeState(state + "x")
	assert.Error(t, err)
}

func TestHashFile_GitBlob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.txt")
	require.NoError(t, os.WriteFile(path, []byte("what is up, doc?\n"), 0o644))

	// git hash-object output for this exact content.
	sum, err := hashFile(path, HashGitBlob)
	require.NoError(t, err)
	assert.Equal(t, "bd9dbf5aae1a3862dd1526723246b20206e5fc37", sum)
}
