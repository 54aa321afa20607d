package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWindow = 20 * time.Millisecond

func collect(t *testing.T, d *Debouncer, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-d.Output():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func drainNone(t *testing.T, d *Debouncer) {
	t.Helper()
	select {
	case ev := <-d.Output():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(4 * testWindow):
	}
}

func TestDebouncer_CreateThenModifyIsCreate(t *testing.T) {
	d := NewDebouncer(testWindow, 16)
	defer d.Stop()

	d.Add(Event{Type: EventCreated, Path: "a.txt"}, fileSig{})
	d.Add(Event{Type: EventModified, Path: "a.txt"}, fileSig{})

	events := collect(t, d, 1)
	assert.Equal(t, EventCreated, events[0].Type)
	drainNone(t, d)
}

func TestDebouncer_CreateThenDeleteCancels(t *testing.T) {
	d := NewDebouncer(testWindow, 16)
	defer d.Stop()

	d.Add(Event{Type: EventCreated, Path: "a.txt"}, fileSig{})
	d.Add(Event{Type: EventDeleted, Path: "a.txt"}, fileSig{})

	drainNone(t, d)
}

func TestDebouncer_DeleteThenCreateIsModify(t *testing.T) {
	d := NewDebouncer(testWindow, 16)
	defer d.Stop()

	d.Add(Event{Type: EventDeleted, Path: "a.txt"}, fileSig{})
	d.Add(Event{Type: EventCreated, Path: "a.txt"}, fileSig{})

	events := collect(t, d, 1)
	assert.Equal(t, EventModified, events[0].Type)
}

func TestDebouncer_ModifyBurstCollapses(t *testing.T) {
	d := NewDebouncer(testWindow, 16)
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Add(Event{Type: EventModified, Path: "a.txt"}, fileSig{})
	}

	events := collect(t, d, 1)
	assert.Equal(t, EventModified, events[0].Type)
	drainNone(t, d)
}

func TestDebouncer_MoveCorrelation(t *testing.T) {
	d := NewDebouncer(testWindow, 16)
	defer d.Stop()

	sig := fileSig{size: 1234, mtime: 42}
	d.Add(Event{Type: EventDeleted, Path: "a/b.txt"}, sig)
	d.Add(Event{Type: EventCreated, Path: "a/c.txt"}, sig)

	events := collect(t, d, 1)
	require.Equal(t, EventMoved, events[0].Type)
	assert.Equal(t, "a/c.txt", events[0].Path)
	assert.Equal(t, "a/b.txt", events[0].OldPath)
	drainNone(t, d)
}

func TestDebouncer_NoMoveWhenSignaturesDiffer(t *testing.T) {
	d := NewDebouncer(testWindow, 16)
	defer d.Stop()

	d.Add(Event{Type: EventDeleted, Path: "a/b.txt"}, fileSig{size: 1, mtime: 1})
	d.Add(Event{Type: EventCreated, Path: "a/c.txt"}, fileSig{size: 2, mtime: 2})

	events := collect(t, d, 2)
	types := map[string]EventType{}
	for _, ev := range events {
		types[ev.Path] = ev.Type
	}
	assert.Equal(t, EventDeleted, types["a/b.txt"])
	assert.Equal(t, EventCreated, types["a/c.txt"])
}

func TestDebouncer_DirectoryDeleteSuppressesChildren(t *testing.T) {
	d := NewDebouncer(testWindow, 16)
	defer d.Stop()

	d.Add(Event{Type: EventDeleted, Path: "docs", IsDir: true}, fileSig{})
	d.Add(Event{Type: EventDeleted, Path: "docs/a.txt"}, fileSig{})
	d.Add(Event{Type: EventDeleted, Path: "docs/sub/b.txt"}, fileSig{})

	events := collect(t, d, 1)
	assert.Equal(t, "docs", events[0].Path)
	assert.True(t, events[0].IsDir)
	drainNone(t, d)
}

func TestDebouncer_ReplayDeterministic(t *testing.T) {
	run := func() []Event {
		d := NewDebouncer(testWindow, 64)
		defer d.Stop()
		d.Add(Event{Type: EventCreated, Path: "x.txt"}, fileSig{})
		d.Add(Event{Type: EventModified, Path: "x.txt"}, fileSig{})
		d.Add(Event{Type: EventModified, Path: "y.txt"}, fileSig{})
		d.Add(Event{Type: EventDeleted, Path: "z.txt"}, fileSig{size: 7, mtime: 7})
		d.Add(Event{Type: EventCreated, Path: "w.txt"}, fileSig{size: 7, mtime: 7})
		return collect(t, d, 3)
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Type, second[i].Type)
		assert.Equal(t, first[i].Path, second[i].Path)
		assert.Equal(t, first[i].OldPath, second[i].OldPath)
	}
}

func TestDebouncer_FullBufferRetriesNextWindow(t *testing.T) {
	d := NewDebouncer(testWindow, 1)
	defer d.Stop()

	d.Add(Event{Type: EventModified, Path: "a.txt"}, fileSig{})
	d.Add(Event{Type: EventModified, Path: "b.txt"}, fileSig{})
	d.Add(Event{Type: EventModified, Path: "c.txt"}, fileSig{})

	// Buffer holds one event at a time; draining slowly must still
	// deliver all three (coalesced, not dropped).
	events := collect(t, d, 3)
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.Path] = true
	}
	assert.True(t, seen["a.txt"] && seen["b.txt"] && seen["c.txt"])
}

func TestDebouncer_StopIsIdempotent(t *testing.T) {
	d := NewDebouncer(testWindow, 4)
	d.Stop()
	d.Stop()
	d.Add(Event{Type: EventModified, Path: "a.txt"}, fileSig{})
	_, open := <-d.Output()
	assert.False(t, open)
}
