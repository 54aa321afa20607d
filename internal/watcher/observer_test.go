package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startObserver(t *testing.T) (string, *Observer) {
	t.Helper()
	root := t.TempDir()

	obs, err := New(root, Options{DebounceWindow: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, obs.Start(ctx))
	t.Cleanup(func() { _ = obs.Close() })

	return root, obs
}

func waitFor(t *testing.T, obs *Observer, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-obs.Events():
			require.True(t, ok, "event channel closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestObserver_CreateFile(t *testing.T) {
	root, obs := startObserver(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0o644))

	ev := waitFor(t, obs, func(e Event) bool { return e.Path == "hello.txt" })
	assert.Equal(t, EventCreated, ev.Type)
	assert.False(t, ev.IsDir)
}

func TestObserver_ModifyFile(t *testing.T) {
	root, obs := startObserver(t)

	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))
	waitFor(t, obs, func(e Event) bool { return e.Path == "a.txt" })

	require.NoError(t, os.WriteFile(path, []byte("two two"), 0o644))
	ev := waitFor(t, obs, func(e Event) bool { return e.Path == "a.txt" })
	assert.Equal(t, EventModified, ev.Type)
}

func TestObserver_DeleteFile(t *testing.T) {
	root, obs := startObserver(t)

	path := filepath.Join(root, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	waitFor(t, obs, func(e Event) bool { return e.Path == "gone.txt" && e.Type == EventCreated })

	require.NoError(t, os.Remove(path))
	ev := waitFor(t, obs, func(e Event) bool { return e.Path == "gone.txt" })
	assert.Equal(t, EventDeleted, ev.Type)
}

func TestObserver_IgnoresHiddenAndTempPaths(t *testing.T) {
	root, obs := startObserver(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tmp-varasto-abc"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "visible.txt"), []byte("x"), 0o644))

	ev := waitFor(t, obs, func(e Event) bool { return e.Type == EventCreated })
	assert.Equal(t, "visible.txt", ev.Path, "hidden and temp files are suppressed")
}

func TestObserver_NewDirectoryIsWatched(t *testing.T) {
	root, obs := startObserver(t)

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	waitFor(t, obs, func(e Event) bool { return e.Path == "sub" && e.IsDir })

	// A file created inside the new directory must be observed too.
	require.NoError(t, os.WriteFile(filepath.Join(sub, "inner.txt"), []byte("x"), 0o644))
	ev := waitFor(t, obs, func(e Event) bool { return e.Path == "sub/inner.txt" })
	assert.Equal(t, EventCreated, ev.Type)
}

func TestObserver_RenameBecomesMove(t *testing.T) {
	root, obs := startObserver(t)

	oldPath := filepath.Join(root, "b.txt")
	require.NoError(t, os.WriteFile(oldPath, []byte("movable content"), 0o644))
	waitFor(t, obs, func(e Event) bool { return e.Path == "b.txt" && e.Type == EventCreated })

	require.NoError(t, os.Rename(oldPath, filepath.Join(root, "c.txt")))
	ev := waitFor(t, obs, func(e Event) bool { return e.Path == "c.txt" })
	assert.Equal(t, EventMoved, ev.Type)
	assert.Equal(t, "b.txt", ev.OldPath)
}
