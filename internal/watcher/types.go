// Package watcher observes the managed root for external changes.
//
// Raw fsnotify events are normalized, debounced and move-correlated
// before they reach the indexer. The observer guarantees eventual
// consistency: bursts coalesce, but the final observable state of every
// path is always delivered.
package watcher

import (
	"time"
)

// EventType is the kind of filesystem change.
type EventType string

const (
	// EventCreated indicates a new file or directory.
	EventCreated EventType = "created"
	// EventModified indicates changed file contents.
	EventModified EventType = "modified"
	// EventDeleted indicates a removed file or directory.
	EventDeleted EventType = "deleted"
	// EventMoved indicates a rename; OldPath holds the previous path.
	EventMoved EventType = "moved"
)

// Event is a normalized filesystem event.
type Event struct {
	// Type is the change kind.
	Type EventType

	// Path is the logical path relative to the managed root.
	Path string

	// AbsPath is the absolute on-disk path.
	AbsPath string

	// OldPath is the previous logical path for moved events.
	OldPath string

	// IsDir marks directory events.
	IsDir bool

	// Time is when the change was observed.
	Time time.Time
}

// Options configures the observer.
type Options struct {
	// DebounceWindow is how long bursts on the same path coalesce.
	// Default: 500ms.
	DebounceWindow time.Duration

	// OutputBuffer is the event channel capacity. Default: 1024.
	OutputBuffer int
}

// WithDefaults fills zero values with defaults.
func (o Options) WithDefaults() Options {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 500 * time.Millisecond
	}
	if o.OutputBuffer <= 0 {
		o.OutputBuffer = 1024
	}
	return o
}
