package watcher

import (
	"sort"
	"sync"
	"time"
)

// fileSig identifies file bytes cheaply for move correlation.
type fileSig struct {
	size  int64
	mtime int64
}

// Debouncer coalesces rapid file events to prevent index thrashing.
// Events for the same path within the window merge:
//   - CREATE + MODIFY = CREATE (file is still new)
//   - CREATE + DELETE = nothing (file never really existed)
//   - MODIFY + DELETE = DELETE (file is gone)
//   - DELETE + CREATE = MODIFY (file was replaced)
//
// At flush time a DELETE of one path and a CREATE of another with an
// identical signature collapse into a single MOVED event.
type Debouncer struct {
	window time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent
	output  chan Event
	timer   *time.Timer
	stopped bool

	// sigs carries file signatures for move correlation: the signature
	// of a deleted path (recorded before deletion) and of created files.
	sigs map[string]fileSig
}

type pendingEvent struct {
	event   Event
	firstOp EventType
}

// NewDebouncer creates a debouncer with the given window and output
// buffer capacity.
func NewDebouncer(window time.Duration, buffer int) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingEvent),
		sigs:    make(map[string]fileSig),
		output:  make(chan Event, buffer),
	}
}

// Add submits an event for coalescing. sig carries the file signature
// when known (created files and pre-delete stats); pass the zero value
// when unavailable.
func (d *Debouncer) Add(event Event, sig fileSig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if sig != (fileSig{}) {
		d.sigs[event.Path] = sig
	}

	if existing, ok := d.pending[event.Path]; ok {
		coalesced := coalesce(existing, event)
		if coalesced == nil {
			delete(d.pending, event.Path)
		} else {
			existing.event = *coalesced
		}
	} else {
		d.pending[event.Path] = &pendingEvent{event: event, firstOp: event.Type}
	}

	d.scheduleFlush()
}

// coalesce merges a new event into the pending one for the same path.
// A nil result means the pair cancelled out.
func coalesce(existing *pendingEvent, next Event) *Event {
	switch existing.firstOp {
	case EventCreated:
		switch next.Type {
		case EventModified:
			return &existing.event
		case EventDeleted:
			return nil
		default:
			return &next
		}
	case EventDeleted:
		if next.Type == EventCreated {
			replaced := next
			replaced.Type = EventModified
			return &replaced
		}
		return &next
	default:
		return &next
	}
}

func (d *Debouncer) scheduleFlush() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// flush correlates moves and emits all pending events in path order.
// Events that do not fit the output buffer stay pending and a new flush
// is scheduled, so the final state of a path is never dropped.
func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	d.suppressChildDeletes()
	d.correlateMoves()

	keys := make([]string, 0, len(d.pending))
	for path := range d.pending {
		keys = append(keys, path)
	}
	sort.Strings(keys)

	for _, path := range keys {
		pe := d.pending[path]
		select {
		case d.output <- pe.event:
			delete(d.pending, path)
			delete(d.sigs, path)
		default:
			// Downstream is saturated; retry the remainder next window.
			d.scheduleFlush()
			return
		}
	}
}

// suppressChildDeletes drops deletions that are implied by a pending
// directory deletion of an ancestor: removing a tree emits exactly one
// event for the directory itself.
func (d *Debouncer) suppressChildDeletes() {
	var dirs []string
	for path, pe := range d.pending {
		if pe.event.Type == EventDeleted && pe.event.IsDir {
			dirs = append(dirs, path)
		}
	}
	if len(dirs) == 0 {
		return
	}

	for path, pe := range d.pending {
		if pe.event.Type != EventDeleted {
			continue
		}
		for _, dir := range dirs {
			if path != dir && len(path) > len(dir) && path[:len(dir)] == dir && path[len(dir)] == '/' {
				delete(d.pending, path)
				break
			}
		}
	}
}

// correlateMoves rewrites DELETE(a) + CREATE(b) pairs with identical
// signatures into a single MOVED event on b.
func (d *Debouncer) correlateMoves() {
	type deletion struct {
		path string
		sig  fileSig
	}
	var deletions []deletion
	for path, pe := range d.pending {
		if pe.event.Type == EventDeleted && !pe.event.IsDir {
			if sig, ok := d.sigs[path]; ok {
				deletions = append(deletions, deletion{path: path, sig: sig})
			}
		}
	}
	if len(deletions) == 0 {
		return
	}
	sort.Slice(deletions, func(i, j int) bool { return deletions[i].path < deletions[j].path })

	created := make([]string, 0)
	for path, pe := range d.pending {
		if pe.event.Type == EventCreated && !pe.event.IsDir {
			created = append(created, path)
		}
	}
	sort.Strings(created)

	for _, del := range deletions {
		for _, createdPath := range created {
			pe, ok := d.pending[createdPath]
			if !ok || pe.event.Type != EventCreated {
				continue
			}
			sig, ok := d.sigs[createdPath]
			if !ok || sig != del.sig {
				continue
			}

			moved := pe.event
			moved.Type = EventMoved
			moved.OldPath = del.path
			pe.event = moved
			pe.firstOp = EventMoved
			delete(d.pending, del.path)
			break
		}
	}
}

// Output returns the debounced event stream.
func (d *Debouncer) Output() <-chan Event {
	return d.output
}

// Stop stops the debouncer and closes the output channel. Safe to call
// multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
