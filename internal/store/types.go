// Package store persists all durable metadata: folders, files, chunks,
// folder settings, sync sources and per-user visibility.
//
// SQLite is the single source of truth for metadata. Vector payloads
// live in the vector store and are joined to chunk rows by point ID.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// IndexStatus is the lifecycle state of a folder's or file's index.
type IndexStatus string

const (
	IndexStatusNone     IndexStatus = "none"
	IndexStatusPending  IndexStatus = "pending"
	IndexStatusIndexing IndexStatus = "indexing"
	IndexStatusIndexed  IndexStatus = "indexed"
	IndexStatusError    IndexStatus = "error"
)

// SyncStatus is the lifecycle state of a folder's remote sync.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// Folder is a directory under the managed root.
type Folder struct {
	Path              string
	IndexingEnabled   bool
	IndexStatus       IndexStatus
	IndexError        string
	SyncStatus        SyncStatus
	LastSyncedAt      time.Time
	LastSyncError     string
	MetadataText      string
	MetadataUpdatedBy string
	UpdatedAt         time.Time
}

// File is a tracked file under the managed root.
type File struct {
	Path        string
	FolderPath  string
	Size        int64
	ModTime     time.Time
	ContentHash string
	MIME        string
	IndexStatus IndexStatus
	IndexedAt   time.Time
	// IndexedHash is the content hash that was last indexed. Empty means
	// the file has never been indexed successfully.
	IndexedHash string
	// EmbeddingVersion is the embedding model version the chunks were
	// built with. A bump invalidates the file lazily on the next scan.
	EmbeddingVersion int
	ChunkCount       int
	ErrorMessage     string
	UpdatedAt        time.Time
}

// NeedsReindex reports whether the file's chunks are stale for the given
// current hash and embedding version.
func (f *File) NeedsReindex(contentHash string, embeddingVersion int) bool {
	return f.IndexedHash == "" ||
		f.IndexedHash != contentHash ||
		f.EmbeddingVersion != embeddingVersion
}

// Chunk is one contiguous slice of a file's extracted text.
type Chunk struct {
	FilePath         string
	Ordinal          int
	Text             string
	TokenCount       int
	CharStart        int
	CharEnd          int
	EmbeddingVersion int
	// PointID is the deterministic vector store point identifier.
	PointID string
}

// SyncSource binds a remote provider to a folder.
type SyncSource struct {
	FolderPath string
	Provider   string
	// Config is the provider-specific variant payload (credentials and
	// selectors), stored verbatim.
	Config json.RawMessage
	// Cursor is the provider's incremental sync position (etags, commit
	// SHAs, delta links). Empty until the first successful sync.
	Cursor    json.RawMessage
	UpdatedAt time.Time
}

// ExtensionStat counts files per extension within a folder subtree.
type ExtensionStat struct {
	Extension string
	Count     int
	Chunks    int
}

// Store is the durable metadata API. All mutations go through it; the
// SQLite implementation serializes writers via its transactions.
type Store interface {
	// Folder operations.
	UpsertFolder(ctx context.Context, folder *Folder) error
	GetFolder(ctx context.Context, path string) (*Folder, error)
	ListFolders(ctx context.Context) ([]*Folder, error)
	SetFolderIndexing(ctx context.Context, path string, enabled bool) error
	SetFolderIndexStatus(ctx context.Context, path string, status IndexStatus, errMsg string) error
	SetFolderSyncStatus(ctx context.Context, path string, status SyncStatus, syncErr string) error
	SetFolderMetadata(ctx context.Context, path, text, updatedBy string) error
	// DeleteFolder removes the folder row and every file and chunk row
	// beneath it.
	DeleteFolder(ctx context.Context, path string) error
	// ListFoldersByIndexStatus is used by the scheduler to pick up work,
	// including folders a previous process left mid-flight.
	ListFoldersByIndexStatus(ctx context.Context, statuses ...IndexStatus) ([]*Folder, error)

	// File operations.
	GetFile(ctx context.Context, path string) (*File, error)
	ListFilesUnder(ctx context.Context, prefix string) ([]*File, error)
	UpsertFile(ctx context.Context, file *File) error
	MarkFileIndexStatus(ctx context.Context, path string, status IndexStatus, errMsg string) error
	DeleteFile(ctx context.Context, path string) error

	// SwapChunks atomically replaces a file's chunk set and transitions
	// the file to indexed with the given hash and embedding version.
	// Readers never observe a partial chunk set or a stale chunk count.
	SwapChunks(ctx context.Context, filePath, indexedHash string, embeddingVersion int, chunks []*Chunk) error
	GetChunks(ctx context.Context, filePath string) ([]*Chunk, error)
	GetChunkRange(ctx context.Context, filePath string, first, last int) ([]*Chunk, error)

	// StatsByExtension aggregates file counts per extension under a prefix.
	StatsByExtension(ctx context.Context, prefix string) ([]ExtensionStat, error)

	// Sync source operations. Setting a source on a folder that already
	// has one and holds synced content requires replace=true, otherwise
	// the call fails with Conflict.
	GetSyncSource(ctx context.Context, folderPath string) (*SyncSource, error)
	SetSyncSource(ctx context.Context, source *SyncSource, replace bool) error
	DeleteSyncSource(ctx context.Context, folderPath string) error
	SaveSyncCursor(ctx context.Context, folderPath string, cursor json.RawMessage) error
	ListSyncSources(ctx context.Context) ([]*SyncSource, error)

	// Per-user visibility. Folders default to active.
	SetUserVisibility(ctx context.Context, user, folderPath string, active bool) error
	GetUserVisibility(ctx context.Context, user string) (map[string]bool, error)

	Close() error
}
