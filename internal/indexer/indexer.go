// Package indexer drives the content pipeline: scan, hash, extract,
// chunk, embed, upsert. A fixed worker pool drains a per-folder queue;
// at most one worker ever holds a given folder.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/varasto-kb/varasto/internal/chunk"
	"github.com/varasto-kb/varasto/internal/embed"
	verrors "github.com/varasto-kb/varasto/internal/errors"
	"github.com/varasto-kb/varasto/internal/events"
	"github.com/varasto-kb/varasto/internal/extract"
	"github.com/varasto-kb/varasto/internal/paths"
	"github.com/varasto-kb/varasto/internal/store"
	"github.com/varasto-kb/varasto/internal/vector"
	"github.com/varasto-kb/varasto/internal/watcher"
)

// Config tunes the indexer.
type Config struct {
	// Workers is the worker pool size. Default: 2.
	Workers int

	// EmbeddingVersion is the current embedding model version. Files
	// indexed under an older version re-index lazily on their next scan.
	EmbeddingVersion int

	// PollInterval is how often the scheduler looks for folders left
	// pending (including those abandoned by a crashed process).
	PollInterval time.Duration

	// MaxFolderRetries bounds backoff retries after store outages.
	MaxFolderRetries int
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.EmbeddingVersion <= 0 {
		c.EmbeddingVersion = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxFolderRetries <= 0 {
		c.MaxFolderRetries = 6
	}
	return c
}

// Service is the indexing engine.
type Service struct {
	root     string
	cfg      Config
	store    store.Store
	vectors  vector.Store
	embedder embed.Embedder
	sparse   *embed.SparseEncoder
	splitter *chunk.Splitter
	bus      *events.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	active  map[string]bool // folder -> a worker holds it
	pending map[string]bool // folder -> rescan requested while active
	retries map[string]int  // folder -> consecutive store failures
	queue   chan string

	wg      sync.WaitGroup
	started bool
	cancel  context.CancelFunc
}

// New creates an indexer service.
func New(root string, cfg Config, st store.Store, vectors vector.Store, embedder embed.Embedder, splitter *chunk.Splitter, bus *events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		root:     root,
		cfg:      cfg.WithDefaults(),
		store:    st,
		vectors:  vectors,
		embedder: embedder,
		sparse:   embed.NewSparseEncoder(),
		splitter: splitter,
		bus:      bus,
		logger:   logger,
		active:   make(map[string]bool),
		pending:  make(map[string]bool),
		retries:  make(map[string]int),
		queue:    make(chan string, 4096),
	}
}

// Start launches the worker pool and the pending-folder scheduler.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Add(1)
	go s.schedule(ctx)
}

// Stop cancels workers after their current file and waits for them.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Enqueue schedules a folder scan. A second enqueue while the folder is
// being processed collapses into exactly one follow-up scan.
func (s *Service) Enqueue(folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active[folder] {
		s.pending[folder] = true
		return
	}
	s.active[folder] = true
	select {
	case s.queue <- folder:
	default:
		// Queue saturated; drop the claim so the scheduler poll retries.
		delete(s.active, folder)
	}
}

// worker drains the folder queue.
func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case folder := <-s.queue:
			s.runFolder(ctx, folder)

			s.mu.Lock()
			if s.pending[folder] {
				delete(s.pending, folder)
				select {
				case s.queue <- folder:
				default:
					delete(s.active, folder)
				}
			} else {
				delete(s.active, folder)
			}
			s.mu.Unlock()
		}
	}
}

// schedule polls for folders needing work: explicitly pending ones and
// folders a previous process abandoned mid-scan.
func (s *Service) schedule(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			folders, err := s.store.ListFoldersByIndexStatus(ctx, store.IndexStatusPending, store.IndexStatusIndexing)
			if err != nil {
				s.logger.Warn("scheduler poll failed", slog.String("error", err.Error()))
				continue
			}
			for _, folder := range folders {
				if folder.IndexingEnabled {
					s.Enqueue(folder.Path)
				}
			}
		}
	}
}

// HandleEvent reacts to a filesystem observer event.
func (s *Service) HandleEvent(ctx context.Context, ev watcher.Event) {
	switch ev.Type {
	case watcher.EventCreated, watcher.EventModified:
		s.enqueueCovering(ctx, ev.Path)

	case watcher.EventDeleted:
		if ev.IsDir {
			s.deleteSubtree(ctx, ev.Path)
		} else {
			s.deleteFile(ctx, ev.Path)
		}

	case watcher.EventMoved:
		// Old path vectors go away; the new path is picked up by a scan.
		s.deleteFile(ctx, ev.OldPath)
		s.enqueueCovering(ctx, ev.Path)
	}
}

// enqueueCovering finds the nearest enabled folder covering a logical
// path and schedules it. Paths not covered by any enabled folder are
// ignored.
func (s *Service) enqueueCovering(ctx context.Context, logical string) {
	for _, ancestor := range append([]string{paths.Parent(logical)}, paths.Ancestors(paths.Parent(logical))...) {
		folder, err := s.store.GetFolder(ctx, ancestor)
		if err != nil {
			continue
		}
		if !folder.IndexingEnabled {
			continue
		}
		if s.hasDisabledAncestor(ctx, folder.Path) {
			return
		}
		if err := s.store.SetFolderIndexStatus(ctx, folder.Path, store.IndexStatusPending, ""); err == nil {
			s.Enqueue(folder.Path)
		}
		return
	}
}

func (s *Service) hasDisabledAncestor(ctx context.Context, folderPath string) bool {
	for _, ancestor := range paths.Ancestors(folderPath) {
		parent, err := s.store.GetFolder(ctx, ancestor)
		if err == nil && !parent.IndexingEnabled {
			return true
		}
	}
	return false
}

// runFolder performs one folder scan. Store outages re-enqueue the
// folder with exponential backoff; per-file failures isolate.
func (s *Service) runFolder(ctx context.Context, folder string) {
	err := s.scanFolder(ctx, folder)
	if err == nil {
		s.mu.Lock()
		delete(s.retries, folder)
		s.mu.Unlock()
		return
	}

	if verrors.IsCancelled(err) {
		return
	}

	s.logger.Error("folder scan failed",
		slog.String("folder", folder),
		slog.String("error", err.Error()))

	_ = s.store.SetFolderIndexStatus(ctx, folder, store.IndexStatusError, err.Error())
	s.publishStatus(folder, store.IndexStatusError)

	if !verrors.IsRetryable(err) {
		return
	}

	s.mu.Lock()
	s.retries[folder]++
	attempt := s.retries[folder]
	s.mu.Unlock()

	if attempt > s.cfg.MaxFolderRetries {
		s.logger.Error("folder retries exhausted", slog.String("folder", folder))
		return
	}

	// 1s, 2s, 4s, ... capped at 60s.
	delay := time.Second << (attempt - 1)
	if delay > time.Minute {
		delay = time.Minute
	}
	timer := time.AfterFunc(delay, func() { s.Enqueue(folder) })
	go func() {
		<-ctx.Done()
		timer.Stop()
	}()
}

// scanFolder reconciles one folder subtree against the state store and
// processes every stale file.
func (s *Service) scanFolder(ctx context.Context, folder string) error {
	folderRow, err := s.store.GetFolder(ctx, folder)
	if err != nil {
		return err
	}
	if !folderRow.IndexingEnabled {
		// Disabled while queued: no work, vectors were purged by the
		// disable operation.
		return s.store.SetFolderIndexStatus(ctx, folder, store.IndexStatusNone, "")
	}

	if err := s.store.SetFolderIndexStatus(ctx, folder, store.IndexStatusIndexing, ""); err != nil {
		return err
	}
	s.publishStatus(folder, store.IndexStatusIndexing)

	diskFiles, err := s.enumerate(folder)
	if err != nil {
		return err
	}

	known, err := s.store.ListFilesUnder(ctx, folder)
	if err != nil {
		return err
	}

	onDisk := make(map[string]bool, len(diskFiles))
	for _, f := range diskFiles {
		onDisk[f.logical] = true
	}

	// DELETE plan: rows whose file vanished from disk.
	for _, row := range known {
		if !onDisk[row.Path] {
			if err := s.removeFile(ctx, row.Path); err != nil {
				return err
			}
		}
	}

	// ADD/UPDATE/NOOP plan, smallest files first for fast feedback.
	filesIndexed := 0
	totalChunks := 0
	fileErrors := 0
	for _, f := range diskFiles {
		if ctx.Err() != nil {
			return verrors.Wrap(verrors.KindCancelled, "scan interrupted", ctx.Err())
		}

		indexed, chunks, err := s.processFile(ctx, folder, f)
		if err != nil {
			if verrors.IsRetryable(err) || verrors.IsCancelled(err) {
				return err
			}
			fileErrors++
			continue
		}
		if indexed {
			filesIndexed++
			totalChunks += chunks
		}
	}

	status := store.IndexStatusIndexed
	errMsg := ""
	if fileErrors > 0 {
		status = store.IndexStatusError
		errMsg = "some files failed to index"
	}
	if err := s.store.SetFolderIndexStatus(ctx, folder, status, errMsg); err != nil {
		return err
	}
	s.publishStatus(folder, status)
	s.bus.Publish(events.Event{
		Type:         events.TypeIndexComplete,
		Path:         folder,
		FilesIndexed: filesIndexed,
		TotalChunks:  totalChunks,
	})

	s.logger.Info("folder scan complete",
		slog.String("folder", folder),
		slog.Int("files_indexed", filesIndexed),
		slog.Int("total_chunks", totalChunks),
		slog.Int("file_errors", fileErrors))
	return nil
}

type diskFile struct {
	logical string
	abs     string
	size    int64
	mtime   time.Time
}

// enumerate lists candidate files under a folder, smallest first.
// Ignore rules match the observer's; symlinks are skipped.
func (s *Service) enumerate(folder string) ([]diskFile, error) {
	abs, err := paths.ToAbsolute(s.root, folder)
	if err != nil {
		return nil, err
	}

	var out []diskFile
	walkErr := filepath.WalkDir(abs, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		logical, perr := paths.FromAbsolute(s.root, path)
		if perr != nil {
			return nil
		}
		if logical != "" && paths.Ignored(logical) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type()&fs.ModeSymlink != 0 || entry.IsDir() {
			return nil
		}
		info, ierr := entry.Info()
		if ierr != nil {
			return nil
		}
		out = append(out, diskFile{logical: logical, abs: path, size: info.Size(), mtime: info.ModTime()})
		return nil
	})
	if walkErr != nil {
		return nil, verrors.Wrap(verrors.KindStoreUnavailable, "enumerate folder", walkErr)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].size != out[j].size {
			return out[i].size < out[j].size
		}
		return out[i].logical < out[j].logical
	})
	return out, nil
}

// processFile indexes one file if stale. Returns whether work happened
// and how many chunks were written. Extraction and embedding failures
// are recorded on the row and isolated; retryable store errors abort.
func (s *Service) processFile(ctx context.Context, folder string, f diskFile) (bool, int, error) {
	data, err := os.ReadFile(f.abs)
	if err != nil {
		// Vanished between enumerate and read: the next scan reconciles.
		return false, 0, nil
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	existing, err := s.store.GetFile(ctx, f.logical)
	if err != nil && !verrors.IsKind(err, verrors.KindNotFound) {
		return false, 0, err
	}
	if existing != nil && existing.IndexStatus == store.IndexStatusIndexed &&
		!existing.NeedsReindex(contentHash, s.cfg.EmbeddingVersion) {
		return false, 0, nil // NOOP
	}

	mime := extract.DetectMIME(f.logical, data)
	row := &store.File{
		Path:        f.logical,
		FolderPath:  paths.Parent(f.logical),
		Size:        f.size,
		ModTime:     f.mtime,
		ContentHash: contentHash,
		MIME:        mime,
		IndexStatus: store.IndexStatusIndexing,
	}
	if err := s.store.UpsertFile(ctx, row); err != nil {
		return false, 0, err
	}

	result, err := extract.Extract(data, mime, f.logical)
	if err != nil && !stderrors.Is(err, extract.ErrUnsupported) {
		markErr := s.store.MarkFileIndexStatus(ctx, f.logical, store.IndexStatusError, err.Error())
		if markErr != nil {
			return false, 0, markErr
		}
		return false, 0, verrors.Wrap(verrors.KindExtractFailed, "extract", err)
	}

	var chunks []chunk.Chunk
	if err == nil {
		chunks = s.splitter.Split(result.Text, result.SoftBreaks)
	}

	// Unsupported or empty content: indexed with zero chunks. The state
	// store commits first, then stale vectors are purged.
	if len(chunks) == 0 {
		if err := s.store.SwapChunks(ctx, f.logical, contentHash, s.cfg.EmbeddingVersion, nil); err != nil {
			return false, 0, err
		}
		if existing != nil && existing.ChunkCount > 0 {
			if derr := s.vectors.DeleteByFilter(ctx, vector.Filter{FilePath: f.logical}); derr != nil {
				if merr := s.store.MarkFileIndexStatus(ctx, f.logical, store.IndexStatusError, derr.Error()); merr != nil {
					return false, 0, merr
				}
				return false, 0, derr
			}
		}
		return true, 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	dense, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if verrors.IsCancelled(err) {
			return false, 0, err
		}
		if markErr := s.store.MarkFileIndexStatus(ctx, f.logical, store.IndexStatusError, err.Error()); markErr != nil {
			return false, 0, markErr
		}
		return false, 0, verrors.Wrap(verrors.KindEmbedFailed, "embed", err)
	}

	sparse := s.sparse.EncodeBatch(texts)

	rows := make([]*store.Chunk, len(chunks))
	points := make([]vector.Point, len(chunks))
	for i, c := range chunks {
		pointID := vector.PointID(f.logical, c.Ordinal, s.cfg.EmbeddingVersion)
		rows[i] = &store.Chunk{
			FilePath:         f.logical,
			Ordinal:          c.Ordinal,
			Text:             c.Text,
			TokenCount:       c.TokenCount,
			CharStart:        c.CharStart,
			CharEnd:          c.CharEnd,
			EmbeddingVersion: s.cfg.EmbeddingVersion,
			PointID:          pointID,
		}
		points[i] = vector.Point{
			ID:     pointID,
			Dense:  dense[i],
			Sparse: sparse[i],
			Payload: vector.Payload{
				FilePath:   f.logical,
				FolderPath: paths.Parent(f.logical),
				Ordinal:    c.Ordinal,
				Text:       c.Text,
				TokenCount: c.TokenCount,
				FileMIME:   mime,
			},
		}
	}

	// State store commits first; the vector upsert follows. A vector
	// failure leaves the chunk rows authoritative and the file in error
	// for the next scan to retry.
	if err := s.store.SwapChunks(ctx, f.logical, contentHash, s.cfg.EmbeddingVersion, rows); err != nil {
		return false, 0, err
	}

	if err := s.vectors.DeleteByFilter(ctx, vector.Filter{FilePath: f.logical}); err != nil {
		if markErr := s.store.MarkFileIndexStatus(ctx, f.logical, store.IndexStatusError, err.Error()); markErr != nil {
			return false, 0, markErr
		}
		return false, 0, err
	}
	if err := s.vectors.Upsert(ctx, points); err != nil {
		// The chunk rows stay authoritative; the file is marked error so
		// the next scan retries the upsert.
		if markErr := s.store.MarkFileIndexStatus(ctx, f.logical, store.IndexStatusError, err.Error()); markErr != nil {
			return false, 0, markErr
		}
		return false, 0, err
	}

	return true, len(chunks), nil
}

// removeFile deletes a file's vectors first, then its state rows, so a
// concurrent search sees the file whole or not at all.
func (s *Service) removeFile(ctx context.Context, logical string) error {
	if err := s.vectors.DeleteByFilter(ctx, vector.Filter{FilePath: logical}); err != nil {
		return err
	}
	return s.store.DeleteFile(ctx, logical)
}

// deleteFile handles an observer file deletion.
func (s *Service) deleteFile(ctx context.Context, logical string) {
	if err := s.removeFile(ctx, logical); err != nil && !verrors.IsKind(err, verrors.KindNotFound) {
		s.logger.Warn("delete file index failed",
			slog.String("path", logical),
			slog.String("error", err.Error()))
	}
}

// deleteSubtree handles an observer directory deletion: one event, the
// whole subtree purged.
func (s *Service) deleteSubtree(ctx context.Context, logical string) {
	if err := s.vectors.DeleteByFilter(ctx, vector.Filter{FolderPrefix: logical}); err != nil {
		s.logger.Warn("delete folder vectors failed",
			slog.String("path", logical),
			slog.String("error", err.Error()))
		return
	}
	files, err := s.store.ListFilesUnder(ctx, logical)
	if err != nil {
		return
	}
	for _, f := range files {
		_ = s.store.DeleteFile(ctx, f.Path)
	}
}

// ScheduleCovering marks the enabled folder covering a path pending and
// enqueues it. Used by the upload handler for a fast index turnaround.
func (s *Service) ScheduleCovering(ctx context.Context, logical string) {
	s.enqueueCovering(ctx, logical)
}

// ScheduleFolder marks a folder pending and enqueues it when indexing
// is enabled for it. Used by the sync engine after a successful apply.
func (s *Service) ScheduleFolder(ctx context.Context, folder string) {
	row, err := s.store.GetFolder(ctx, folder)
	if err != nil || !row.IndexingEnabled {
		return
	}
	if err := s.store.SetFolderIndexStatus(ctx, folder, store.IndexStatusPending, ""); err != nil {
		return
	}
	s.Enqueue(folder)
}

// PurgeVectors removes every vector under a folder subtree. Used by the
// recursive folder delete.
func (s *Service) PurgeVectors(ctx context.Context, folder string) error {
	return s.vectors.DeleteByFilter(ctx, vector.Filter{FolderPrefix: folder})
}

// DisableFolder turns indexing off and purges the folder's vectors and
// chunk rows. File rows are removed so a later re-enable rebuilds them
// from disk.
func (s *Service) DisableFolder(ctx context.Context, folder string) error {
	if err := s.store.SetFolderIndexing(ctx, folder, false); err != nil {
		return err
	}
	if err := s.vectors.DeleteByFilter(ctx, vector.Filter{FolderPrefix: folder}); err != nil {
		return err
	}
	files, err := s.store.ListFilesUnder(ctx, folder)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.store.DeleteFile(ctx, f.Path); err != nil {
			return err
		}
	}
	if err := s.store.SetFolderIndexStatus(ctx, folder, store.IndexStatusNone, ""); err != nil {
		return err
	}
	s.publishStatus(folder, store.IndexStatusNone)
	return nil
}

// EnableFolder turns indexing on and schedules a scan.
func (s *Service) EnableFolder(ctx context.Context, folder string) error {
	if err := s.store.SetFolderIndexing(ctx, folder, true); err != nil {
		return err
	}
	if err := s.store.SetFolderIndexStatus(ctx, folder, store.IndexStatusPending, ""); err != nil {
		return err
	}
	s.publishStatus(folder, store.IndexStatusPending)
	s.Enqueue(folder)
	return nil
}

// Reindex schedules a fresh scan of an enabled folder.
func (s *Service) Reindex(ctx context.Context, folder string) error {
	folderRow, err := s.store.GetFolder(ctx, folder)
	if err != nil {
		return err
	}
	if !folderRow.IndexingEnabled {
		return verrors.New(verrors.KindConflict, "indexing is disabled for this folder").WithPath(folder)
	}
	if err := s.store.SetFolderIndexStatus(ctx, folder, store.IndexStatusPending, ""); err != nil {
		return err
	}
	s.publishStatus(folder, store.IndexStatusPending)
	s.Enqueue(folder)
	return nil
}

func (s *Service) publishStatus(folder string, status store.IndexStatus) {
	s.bus.Publish(events.Event{
		Type:   events.TypeIndexStatus,
		Path:   folder,
		Status: string(status),
	})
}
