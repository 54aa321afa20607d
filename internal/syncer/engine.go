package syncer

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	verrors "github.com/varasto-kb/varasto/internal/errors"
	"github.com/varasto-kb/varasto/internal/events"
	"github.com/varasto-kb/varasto/internal/paths"
	"github.com/varasto-kb/varasto/internal/store"
)

// Config tunes the sync engine.
type Config struct {
	// RequestTimeout bounds a single provider HTTP call.
	RequestTimeout time.Duration

	// Deadline bounds a whole sync run.
	Deadline time.Duration
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 15 * time.Minute
	}
	return c
}

// Engine runs per-folder pull syncs.
type Engine struct {
	root      string
	cfg       Config
	store     store.Store
	bus       *events.Bus
	logger    *slog.Logger
	providers map[string]Provider
	group     singleflight.Group

	// OnSynced is invoked after a successful run (including one whose
	// listing was unchanged) so the indexer can
	// schedule a scan without waiting for the observer debounce.
	OnSynced func(folder string)
}

// NewEngine creates a sync engine with no providers registered.
func NewEngine(root string, cfg Config, st store.Store, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		root:      root,
		cfg:       cfg.WithDefaults(),
		store:     st,
		bus:       bus,
		logger:    logger,
		providers: make(map[string]Provider),
	}
}

// Register adds a provider implementation to the dispatch table.
func (e *Engine) Register(p Provider) {
	e.providers[p.Kind()] = p
}

// Provider returns a registered provider by kind.
func (e *Engine) Provider(kind string) (Provider, bool) {
	p, ok := e.providers[kind]
	return p, ok
}

// Trigger runs a sync for the folder. Concurrent triggers for the same
// folder collapse into the in-flight run.
func (e *Engine) Trigger(ctx context.Context, folder string) error {
	_, err, _ := e.group.Do(folder, func() (any, error) {
		return nil, e.runSync(ctx, folder)
	})
	if verrors.IsCancelled(err) {
		return nil
	}
	return err
}

// Schedule periodically re-syncs every configured source until the
// context is cancelled.
func (e *Engine) Schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sources, err := e.store.ListSyncSources(ctx)
			if err != nil {
				e.logger.Warn("list sync sources failed", slog.String("error", err.Error()))
				continue
			}
			for _, src := range sources {
				if err := e.Trigger(ctx, src.FolderPath); err != nil {
					e.logger.Warn("scheduled sync failed",
						slog.String("folder", src.FolderPath),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

// runSync executes the three phases: authenticate, plan, apply.
func (e *Engine) runSync(ctx context.Context, folder string) error {
	src, err := e.store.GetSyncSource(ctx, folder)
	if err != nil {
		return err
	}
	provider, ok := e.providers[src.Provider]
	if !ok {
		return verrors.Newf(verrors.KindProviderFatal, "unknown provider %q", src.Provider)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	if err := e.store.SetFolderSyncStatus(ctx, folder, store.SyncStatusSyncing, ""); err != nil {
		return err
	}
	e.publishSyncStatus(folder, store.SyncStatusSyncing, "", false)

	err = e.syncPhases(ctx, folder, provider, src)
	switch {
	case err == nil:
		if serr := e.store.SetFolderSyncStatus(ctx, folder, store.SyncStatusSynced, ""); serr != nil {
			return serr
		}
		e.publishSyncStatus(folder, store.SyncStatusSynced, "", false)
		if e.OnSynced != nil {
			e.OnSynced(folder)
		}
		return nil

	case verrors.IsCancelled(err):
		// Partial state stays on disk; the observer and indexer
		// reconcile. Cancellation is not a failure.
		_ = e.store.SetFolderSyncStatus(context.WithoutCancel(ctx), folder, store.SyncStatusIdle, "")
		return err

	default:
		needsAuth := verrors.IsKind(err, verrors.KindProviderAuthRequired)
		_ = e.store.SetFolderSyncStatus(context.WithoutCancel(ctx), folder, store.SyncStatusError, err.Error())
		e.publishSyncStatus(folder, store.SyncStatusError, err.Error(), needsAuth)
		return err
	}
}

func (e *Engine) syncPhases(ctx context.Context, folder string, provider Provider, src *store.SyncSource) error {
	// Phase 1: authenticate. Refreshed credentials are persisted so the
	// next run starts warm.
	newConfig, err := provider.Authorize(ctx, src.Config)
	if err != nil {
		return err
	}
	if newConfig != nil && string(newConfig) != string(src.Config) {
		src.Config = newConfig
		if err := e.store.SetSyncSource(ctx, src, true); err != nil {
			return err
		}
	}

	// Phase 2: plan, retrying transient provider failures.
	var listing *Listing
	listErr := e.retryTransient(ctx, func() error {
		var innerErr error
		listing, innerErr = provider.List(ctx, src.Config, src.Cursor)
		return innerErr
	})
	if listErr != nil {
		return listErr
	}
	if listing.Unchanged {
		e.logger.Debug("remote unchanged", slog.String("folder", folder))
		return nil
	}

	// Phase 3: apply, mirroring the listing onto disk.
	if err := e.apply(ctx, folder, listing); err != nil {
		return err
	}

	if listing.Cursor != nil {
		if err := e.store.SaveSyncCursor(ctx, folder, listing.Cursor); err != nil {
			return err
		}
	}
	return nil
}

// apply mirrors the remote listing under the sync folder: download new
// and changed files, delete local files absent from the remote, prune
// empty directories. Every write is temp+rename so the observer's
// hash-based change detection never sees partial bytes.
func (e *Engine) apply(ctx context.Context, folder string, listing *Listing) error {
	localRoot, err := paths.ToAbsolute(e.root, folder)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return verrors.Wrap(verrors.KindStoreUnavailable, "create sync folder", err)
	}

	remote := make(map[string]bool, len(listing.Files))
	downloaded, skipped := 0, 0

	for _, rf := range listing.Files {
		if ctx.Err() != nil {
			return verrors.Wrap(verrors.KindCancelled, "sync interrupted", ctx.Err())
		}

		rel, perr := paths.Normalize(rf.Path)
		if perr != nil || rel == "" {
			e.logger.Warn("skipping remote file with unsafe path", slog.String("path", rf.Path))
			continue
		}
		remote[rel] = true
		localPath := filepath.Join(localRoot, filepath.FromSlash(rel))

		if unchangedLocally(localPath, rf) {
			skipped++
			continue
		}

		if err := e.download(ctx, localPath, rf); err != nil {
			return err
		}
		downloaded++
	}

	deleted, err := e.deleteMissing(localRoot, remote)
	if err != nil {
		return err
	}
	pruneEmptyDirs(localRoot)

	e.logger.Info("sync applied",
		slog.String("folder", folder),
		slog.Int("downloaded", downloaded),
		slog.Int("deleted", deleted),
		slog.Int("skipped", skipped))
	return nil
}

// unchangedLocally reports whether the local file already matches the
// remote signature.
func unchangedLocally(localPath string, rf RemoteFile) bool {
	info, err := os.Stat(localPath)
	if err != nil {
		return false
	}

	switch rf.HashKind {
	case HashGitBlob, HashMD5, HashSHA1, HashSHA256:
		local, err := hashFile(localPath, rf.HashKind)
		if err != nil {
			return false
		}
		return local == rf.Hash
	default:
		return rf.Size >= 0 && info.Size() == rf.Size
	}
}

// hashFile computes the requested digest over local file bytes.
func hashFile(path string, kind HashKind) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var h hash.Hash
	switch kind {
	case HashGitBlob:
		h = sha1.New()
		fmt.Fprintf(h, "blob %d\x00", len(data))
	case HashMD5:
		h = md5.New()
	case HashSHA1:
		h = sha1.New()
	case HashSHA256:
		h = sha256.New()
	default:
		return "", fmt.Errorf("no local equivalent for hash kind %q", kind)
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// download streams one remote file to disk atomically, retrying
// transient failures.
func (e *Engine) download(ctx context.Context, localPath string, rf RemoteFile) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return verrors.Wrap(verrors.KindStoreUnavailable, "create directories", err)
	}

	return e.retryTransient(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()

		body, err := rf.Fetch(reqCtx)
		if err != nil {
			return err
		}
		defer func() { _ = body.Close() }()

		return atomicWrite(localPath, body)
	})
}

// atomicWrite lands content via a temp file and rename, so readers see
// either the old bytes or the new bytes, never a truncated file.
func atomicWrite(localPath string, content io.Reader) error {
	var nonce [6]byte
	_, _ = rand.Read(nonce[:])
	tmpPath := filepath.Join(filepath.Dir(localPath),
		"tmp-varasto-"+hex.EncodeToString(nonce[:]))

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return verrors.Wrap(verrors.KindStoreUnavailable, "create temp file", err)
	}

	if _, err := io.Copy(tmp, content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return verrors.Wrap(verrors.KindProviderTransient, "stream remote file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return verrors.Wrap(verrors.KindStoreUnavailable, "finish temp file", err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		_ = os.Remove(tmpPath)
		return verrors.Wrap(verrors.KindStoreUnavailable, "rename into place", err)
	}
	return nil
}

// deleteMissing removes local files the remote no longer has.
func (e *Engine) deleteMissing(localRoot string, remote map[string]bool) (int, error) {
	deleted := 0
	err := filepath.WalkDir(localRoot, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(localRoot, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if paths.Ignored(rel) {
			return nil
		}
		if !remote[rel] {
			if rmErr := os.Remove(path); rmErr == nil {
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

// pruneEmptyDirs removes directories emptied by deletions, deepest first.
func pruneEmptyDirs(localRoot string) {
	var dirs []string
	_ = filepath.WalkDir(localRoot, func(path string, entry fs.DirEntry, err error) error {
		if err == nil && entry.IsDir() && path != localRoot {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		_ = os.Remove(dir) // fails on non-empty, which is fine
	}
}

// retryTransient retries ProviderTransient failures with exponential
// backoff inside the run; other kinds propagate immediately.
func (e *Engine) retryTransient(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if verrors.IsKind(err, verrors.KindProviderTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (e *Engine) publishSyncStatus(folder string, status store.SyncStatus, errMsg string, needsAuth bool) {
	e.bus.Publish(events.Event{
		Type:      events.TypeSyncStatus,
		Path:      folder,
		Status:    string(status),
		Error:     errMsg,
		NeedsAuth: needsAuth,
	})
}

// PublishConnected announces a completed provider OAuth flow.
func (e *Engine) PublishConnected(provider, folder string) {
	e.bus.Publish(events.Event{
		Type:     events.ConnectedType(provider),
		Path:     folder,
		Provider: provider,
	})
}
