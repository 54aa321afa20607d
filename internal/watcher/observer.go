package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/varasto-kb/varasto/internal/paths"
)

// Observer watches the managed root recursively and emits debounced,
// move-correlated events with logical paths.
type Observer struct {
	root      string
	opts      Options
	logger    *slog.Logger
	notifier  *fsnotify.Watcher
	debouncer *Debouncer

	mu sync.Mutex
	// stats remembers (size, mtime) per file so deletions can be
	// correlated with creations into moves.
	stats   map[string]fileSig
	started bool
	closed  bool
}

// New creates an observer for the managed root.
func New(root string, opts Options, logger *slog.Logger) (*Observer, error) {
	opts = opts.WithDefaults()
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		root:      root,
		opts:      opts,
		logger:    logger,
		notifier:  notifier,
		debouncer: NewDebouncer(opts.DebounceWindow, opts.OutputBuffer),
		stats:     make(map[string]fileSig),
	}, nil
}

// Events returns the debounced event stream. Closed when the observer
// stops.
func (o *Observer) Events() <-chan Event {
	return o.debouncer.Output()
}

// Start begins watching. It returns after the initial watch tree is in
// place; the event loop runs until the context is cancelled or Close is
// called.
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if err := o.watchTree(o.root); err != nil {
		return err
	}

	go o.loop(ctx)
	return nil
}

// Close stops the observer and closes the event channel.
func (o *Observer) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	err := o.notifier.Close()
	o.debouncer.Stop()
	return err
}

// watchTree registers watches for root and every non-ignored directory
// beneath it, recording file signatures along the way. Symlinks are
// skipped.
func (o *Observer) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip, do not abort the walk
		}

		logical, perr := paths.FromAbsolute(o.root, path)
		if perr != nil {
			return nil
		}
		if logical != "" && paths.Ignored(logical) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if entry.IsDir() {
			if werr := o.notifier.Add(path); werr != nil {
				o.logger.Warn("watch add failed",
					slog.String("path", path),
					slog.String("error", werr.Error()))
			}
			return nil
		}

		if info, ierr := entry.Info(); ierr == nil {
			o.rememberStat(logical, info)
		}
		return nil
	})
}

func (o *Observer) rememberStat(logical string, info fs.FileInfo) {
	o.mu.Lock()
	o.stats[logical] = fileSig{size: info.Size(), mtime: info.ModTime().UnixNano()}
	o.mu.Unlock()
}

func (o *Observer) forgetStat(logical string) (fileSig, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sig, ok := o.stats[logical]
	delete(o.stats, logical)
	return sig, ok
}

func (o *Observer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = o.Close()
			return

		case raw, ok := <-o.notifier.Events:
			if !ok {
				return
			}
			o.handle(raw)

		case err, ok := <-o.notifier.Errors:
			if !ok {
				return
			}
			if err != nil {
				o.logger.Warn("watch error", slog.String("error", err.Error()))
			}
		}
	}
}

// handle normalizes one raw fsnotify event into the debouncer.
func (o *Observer) handle(raw fsnotify.Event) {
	logical, err := paths.FromAbsolute(o.root, raw.Name)
	if err != nil || logical == "" {
		return
	}
	if paths.Ignored(logical) {
		return
	}

	now := time.Now()

	switch {
	case raw.Op.Has(fsnotify.Create):
		info, statErr := os.Lstat(raw.Name)
		if statErr != nil {
			return
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return
		}

		if info.IsDir() {
			// New subtree: watch it and surface its contents, which
			// fsnotify never reports individually.
			_ = o.watchTree(raw.Name)
			o.debouncer.Add(Event{
				Type: EventCreated, Path: logical, AbsPath: raw.Name,
				IsDir: true, Time: now,
			}, fileSig{})
			o.emitSubtree(raw.Name, now)
			return
		}

		sig := fileSig{size: info.Size(), mtime: info.ModTime().UnixNano()}
		o.rememberStat(logical, info)
		o.debouncer.Add(Event{
			Type: EventCreated, Path: logical, AbsPath: raw.Name, Time: now,
		}, sig)

	case raw.Op.Has(fsnotify.Write):
		info, statErr := os.Lstat(raw.Name)
		if statErr != nil || info.IsDir() {
			return
		}
		o.rememberStat(logical, info)
		o.debouncer.Add(Event{
			Type: EventModified, Path: logical, AbsPath: raw.Name, Time: now,
		}, fileSig{})

	case raw.Op.Has(fsnotify.Remove), raw.Op.Has(fsnotify.Rename):
		// Renames look like a remove on the old path; the destination
		// arrives as a separate create and the debouncer correlates the
		// pair into a move via the remembered signature.
		sig, hadStat := o.forgetStat(logical)
		isDir := !hadStat
		event := Event{
			Type: EventDeleted, Path: logical, AbsPath: raw.Name,
			IsDir: isDir, Time: now,
		}
		if isDir {
			o.forgetSubtree(logical)
		}
		o.debouncer.Add(event, sig)
	}
}

// emitSubtree synthesizes created events for files inside a directory
// that appeared whole (e.g. a move into the root).
func (o *Observer) emitSubtree(dir string, now time.Time) {
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || path == dir {
			return nil
		}
		logical, perr := paths.FromAbsolute(o.root, path)
		if perr != nil || paths.Ignored(logical) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			o.debouncer.Add(Event{
				Type: EventCreated, Path: logical, AbsPath: path,
				IsDir: true, Time: now,
			}, fileSig{})
			return nil
		}
		info, ierr := entry.Info()
		if ierr != nil {
			return nil
		}
		o.rememberStat(logical, info)
		o.debouncer.Add(Event{
			Type: EventCreated, Path: logical, AbsPath: path, Time: now,
		}, fileSig{size: info.Size(), mtime: info.ModTime().UnixNano()})
		return nil
	})
}

// forgetSubtree drops remembered stats beneath a deleted directory. The
// directory itself already produced a single deleted event; contained
// files are implicit.
func (o *Observer) forgetSubtree(logical string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for path := range o.stats {
		if paths.IsUnder(path, logical) {
			delete(o.stats, path)
		}
	}
}
