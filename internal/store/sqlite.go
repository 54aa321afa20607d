package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

// SQLiteStore implements Store backed by a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Verify interface implementation at compile time.
var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS folders (
	path                TEXT PRIMARY KEY,
	indexing_enabled    INTEGER NOT NULL DEFAULT 0,
	index_status        TEXT NOT NULL DEFAULT 'none',
	index_error         TEXT NOT NULL DEFAULT '',
	sync_status         TEXT NOT NULL DEFAULT 'idle',
	last_synced_at      INTEGER NOT NULL DEFAULT 0,
	last_sync_error     TEXT NOT NULL DEFAULT '',
	metadata_text       TEXT NOT NULL DEFAULT '',
	metadata_updated_by TEXT NOT NULL DEFAULT '',
	updated_at          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS files (
	path              TEXT PRIMARY KEY,
	folder_path       TEXT NOT NULL,
	size              INTEGER NOT NULL DEFAULT 0,
	mtime             INTEGER NOT NULL DEFAULT 0,
	content_hash      TEXT NOT NULL DEFAULT '',
	mime              TEXT NOT NULL DEFAULT '',
	index_status      TEXT NOT NULL DEFAULT 'pending',
	indexed_at        INTEGER NOT NULL DEFAULT 0,
	indexed_hash      TEXT NOT NULL DEFAULT '',
	embedding_version INTEGER NOT NULL DEFAULT 0,
	chunk_count       INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	updated_at        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_files_folder ON files(folder_path);

CREATE TABLE IF NOT EXISTS chunks (
	file_path         TEXT NOT NULL,
	ordinal           INTEGER NOT NULL,
	text              TEXT NOT NULL,
	token_count       INTEGER NOT NULL DEFAULT 0,
	char_start        INTEGER NOT NULL DEFAULT 0,
	char_end          INTEGER NOT NULL DEFAULT 0,
	embedding_version INTEGER NOT NULL DEFAULT 0,
	point_id          TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (file_path, ordinal)
);

CREATE TABLE IF NOT EXISTS sync_sources (
	folder_path TEXT PRIMARY KEY,
	provider    TEXT NOT NULL,
	config_json TEXT NOT NULL,
	cursor_json TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS user_folder_visibility (
	user_name   TEXT NOT NULL,
	folder_path TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (user_name, folder_path)
);
`

// NewSQLiteStore opens (creating if necessary) the metadata database at
// path. An empty path opens an in-memory database for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, verrors.Wrap(verrors.KindStoreUnavailable, "open metadata database", err)
	}

	// Single writer connection prevents SQLITE_BUSY under concurrent
	// indexer workers. Readers share the same serialized connection;
	// throughput is bounded by the vector store, not SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, verrors.Wrap(verrors.KindStoreUnavailable, "configure database", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, verrors.Wrap(verrors.KindStoreUnavailable, "apply schema", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return verrors.Wrap(verrors.KindStoreUnavailable, op, err)
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

// UpsertFolder inserts or updates a folder row, preserving settings that
// the zero value would otherwise clobber is the caller's responsibility;
// dedicated setters exist for status fields.
func (s *SQLiteStore) UpsertFolder(ctx context.Context, folder *Folder) error {
	if folder.IndexStatus == "" {
		folder.IndexStatus = IndexStatusNone
	}
	if folder.SyncStatus == "" {
		folder.SyncStatus = SyncStatusIdle
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (path, indexing_enabled, index_status, index_error,
			sync_status, last_synced_at, last_sync_error, metadata_text,
			metadata_updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			indexing_enabled = excluded.indexing_enabled,
			index_status = excluded.index_status,
			index_error = excluded.index_error,
			sync_status = excluded.sync_status,
			last_synced_at = excluded.last_synced_at,
			last_sync_error = excluded.last_sync_error,
			metadata_text = excluded.metadata_text,
			metadata_updated_by = excluded.metadata_updated_by,
			updated_at = excluded.updated_at`,
		folder.Path, folder.IndexingEnabled, string(folder.IndexStatus), folder.IndexError,
		string(folder.SyncStatus), toUnix(folder.LastSyncedAt), folder.LastSyncError,
		folder.MetadataText, folder.MetadataUpdatedBy, time.Now().Unix())
	return storeErr("upsert folder", err)
}

func scanFolder(row interface{ Scan(...any) error }) (*Folder, error) {
	var f Folder
	var status, syncStatus string
	var syncedAt, updatedAt int64
	err := row.Scan(&f.Path, &f.IndexingEnabled, &status, &f.IndexError,
		&syncStatus, &syncedAt, &f.LastSyncError, &f.MetadataText,
		&f.MetadataUpdatedBy, &updatedAt)
	if err != nil {
		return nil, err
	}
	f.IndexStatus = IndexStatus(status)
	f.SyncStatus = SyncStatus(syncStatus)
	f.LastSyncedAt = fromUnix(syncedAt)
	f.UpdatedAt = fromUnix(updatedAt)
	return &f, nil
}

const folderColumns = `path, indexing_enabled, index_status, index_error,
	sync_status, last_synced_at, last_sync_error, metadata_text,
	metadata_updated_by, updated_at`

// GetFolder returns a folder by logical path.
func (s *SQLiteStore) GetFolder(ctx context.Context, path string) (*Folder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE path = ?`, path)
	folder, err := scanFolder(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, verrors.Newf(verrors.KindNotFound, "folder not found").WithPath(path)
	}
	if err != nil {
		return nil, storeErr("get folder", err)
	}
	return folder, nil
}

// ListFolders returns all folders ordered by path.
func (s *SQLiteStore) ListFolders(ctx context.Context) ([]*Folder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+folderColumns+` FROM folders ORDER BY path`)
	if err != nil {
		return nil, storeErr("list folders", err)
	}
	defer rows.Close()

	var out []*Folder
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, storeErr("scan folder", err)
		}
		out = append(out, folder)
	}
	return out, storeErr("list folders", rows.Err())
}

// ListFoldersByIndexStatus returns folders in any of the given states.
func (s *SQLiteStore) ListFoldersByIndexStatus(ctx context.Context, statuses ...IndexStatus) ([]*Folder, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE index_status IN (`+placeholders+`) ORDER BY path`, args...)
	if err != nil {
		return nil, storeErr("list folders by status", err)
	}
	defer rows.Close()

	var out []*Folder
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, storeErr("scan folder", err)
		}
		out = append(out, folder)
	}
	return out, storeErr("list folders by status", rows.Err())
}

// SetFolderIndexing flips the indexing_enabled setting.
func (s *SQLiteStore) SetFolderIndexing(ctx context.Context, path string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE folders SET indexing_enabled = ?, updated_at = ? WHERE path = ?`,
		enabled, time.Now().Unix(), path)
	if err != nil {
		return storeErr("set folder indexing", err)
	}
	return s.requireRow(res, path)
}

// SetFolderIndexStatus transitions a folder's index status.
func (s *SQLiteStore) SetFolderIndexStatus(ctx context.Context, path string, status IndexStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE folders SET index_status = ?, index_error = ?, updated_at = ? WHERE path = ?`,
		string(status), errMsg, time.Now().Unix(), path)
	if err != nil {
		return storeErr("set folder index status", err)
	}
	return s.requireRow(res, path)
}

// SetFolderSyncStatus transitions a folder's sync status. Reaching
// synced stamps last_synced_at.
func (s *SQLiteStore) SetFolderSyncStatus(ctx context.Context, path string, status SyncStatus, syncErr string) error {
	syncedAt := int64(0)
	if status == SyncStatusSynced {
		syncedAt = time.Now().Unix()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE folders SET sync_status = ?, last_sync_error = ?,
			last_synced_at = CASE WHEN ? > 0 THEN ? ELSE last_synced_at END,
			updated_at = ?
		WHERE path = ?`,
		string(status), syncErr, syncedAt, syncedAt, time.Now().Unix(), path)
	if err != nil {
		return storeErr("set folder sync status", err)
	}
	return s.requireRow(res, path)
}

// SetFolderMetadata stores free-form metadata text on a folder row. A path
// without a folder row reports NotFound.
func (s *SQLiteStore) SetFolderMetadata(ctx context.Context, path, text, updatedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE folders SET metadata_text = ?, metadata_updated_by = ?, updated_at = ? WHERE path = ?`,
		text, updatedBy, time.Now().Unix(), path)
	if err != nil {
		return storeErr("set folder metadata", err)
	}
	return s.requireRow(res, path)
}

// DeleteFolder removes the folder and every file and chunk row beneath
// it, plus its sync source and visibility rows. Ownership is strictly
// hierarchical, so deletion propagates top-down.
func (s *SQLiteStore) DeleteFolder(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin delete folder", err)
	}
	defer func() { _ = tx.Rollback() }()

	prefix := path + "/%"
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE file_path LIKE ? OR file_path IN
			(SELECT path FROM files WHERE folder_path = ?)`, prefix, path); err != nil {
		return storeErr("delete folder chunks", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM files WHERE path LIKE ? OR folder_path = ?`, prefix, path); err != nil {
		return storeErr("delete folder files", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM folders WHERE path = ? OR path LIKE ?`, path, prefix); err != nil {
		return storeErr("delete folder rows", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_sources WHERE folder_path = ? OR folder_path LIKE ?`, path, prefix); err != nil {
		return storeErr("delete folder sync sources", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_folder_visibility WHERE folder_path = ? OR folder_path LIKE ?`, path, prefix); err != nil {
		return storeErr("delete folder visibility", err)
	}

	return storeErr("commit delete folder", tx.Commit())
}

func (s *SQLiteStore) requireRow(res sql.Result, path string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return verrors.New(verrors.KindNotFound, "folder not found").WithPath(path)
	}
	return nil
}

const fileColumns = `path, folder_path, size, mtime, content_hash, mime,
	index_status, indexed_at, indexed_hash, embedding_version, chunk_count,
	error_message, updated_at`

func scanFile(row interface{ Scan(...any) error }) (*File, error) {
	var f File
	var status string
	var mtime, indexedAt, updatedAt int64
	err := row.Scan(&f.Path, &f.FolderPath, &f.Size, &mtime, &f.ContentHash,
		&f.MIME, &status, &indexedAt, &f.IndexedHash, &f.EmbeddingVersion,
		&f.ChunkCount, &f.ErrorMessage, &updatedAt)
	if err != nil {
		return nil, err
	}
	f.IndexStatus = IndexStatus(status)
	f.ModTime = fromUnix(mtime)
	f.IndexedAt = fromUnix(indexedAt)
	f.UpdatedAt = fromUnix(updatedAt)
	return &f, nil
}

// GetFile returns a file row by logical path.
func (s *SQLiteStore) GetFile(ctx context.Context, path string) (*File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE path = ?`, path)
	file, err := scanFile(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, verrors.New(verrors.KindNotFound, "file not found").WithPath(path)
	}
	if err != nil {
		return nil, storeErr("get file", err)
	}
	return file, nil
}

// ListFilesUnder returns all file rows whose path is at or beneath the
// given prefix, ordered by path. An empty prefix lists everything.
func (s *SQLiteStore) ListFilesUnder(ctx context.Context, prefix string) ([]*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files ORDER BY path`
	var args []any
	if prefix != "" {
		query = `SELECT ` + fileColumns + ` FROM files WHERE path = ? OR path LIKE ? ORDER BY path`
		args = []any{prefix, prefix + "/%"}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list files", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, storeErr("scan file", err)
		}
		out = append(out, file)
	}
	return out, storeErr("list files", rows.Err())
}

// UpsertFile inserts or updates a file row. Index bookkeeping columns
// (indexed_hash, chunk_count, embedding_version) are preserved on update;
// they change only through SwapChunks and DeleteFile.
func (s *SQLiteStore) UpsertFile(ctx context.Context, file *File) error {
	if file.IndexStatus == "" {
		file.IndexStatus = IndexStatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (path, folder_path, size, mtime, content_hash, mime,
			index_status, indexed_at, indexed_hash, embedding_version,
			chunk_count, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', 0, 0, '', ?)
		ON CONFLICT(path) DO UPDATE SET
			folder_path = excluded.folder_path,
			size = excluded.size,
			mtime = excluded.mtime,
			content_hash = excluded.content_hash,
			mime = excluded.mime,
			index_status = excluded.index_status,
			error_message = '',
			updated_at = excluded.updated_at`,
		file.Path, file.FolderPath, file.Size, toUnix(file.ModTime),
		file.ContentHash, file.MIME, string(file.IndexStatus), time.Now().Unix())
	return storeErr("upsert file", err)
}

// MarkFileIndexStatus updates only the index status and error message.
func (s *SQLiteStore) MarkFileIndexStatus(ctx context.Context, path string, status IndexStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET index_status = ?, error_message = ?, updated_at = ? WHERE path = ?`,
		string(status), errMsg, time.Now().Unix(), path)
	if err != nil {
		return storeErr("mark file status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return verrors.New(verrors.KindNotFound, "file not found").WithPath(path)
	}
	return nil
}

// DeleteFile removes a file row and its chunks in one transaction.
func (s *SQLiteStore) DeleteFile(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin delete file", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_path = ?`, path); err != nil {
		return storeErr("delete file chunks", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return storeErr("delete file row", err)
	}
	return storeErr("commit delete file", tx.Commit())
}

// SwapChunks replaces the chunk set for a file and marks it indexed, all
// in one transaction. The chunk count readers observe is always
// consistent with the rows present.
func (s *SQLiteStore) SwapChunks(ctx context.Context, filePath, indexedHash string, embeddingVersion int, chunks []*Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin swap chunks", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_path = ?`, filePath); err != nil {
		return storeErr("clear chunks", err)
	}

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (file_path, ordinal, text, token_count,
				char_start, char_end, embedding_version, point_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			filePath, c.Ordinal, c.Text, c.TokenCount,
			c.CharStart, c.CharEnd, c.EmbeddingVersion, c.PointID); err != nil {
			return storeErr("insert chunk", err)
		}
	}

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE files SET index_status = ?, indexed_hash = ?, embedding_version = ?,
			chunk_count = ?, indexed_at = ?, error_message = '', updated_at = ?
		WHERE path = ?`,
		string(IndexStatusIndexed), indexedHash, embeddingVersion,
		len(chunks), now, now, filePath)
	if err != nil {
		return storeErr("finalize file", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return verrors.New(verrors.KindNotFound, "file not found").WithPath(filePath)
	}

	return storeErr("commit swap chunks", tx.Commit())
}

const chunkColumns = `file_path, ordinal, text, token_count, char_start,
	char_end, embedding_version, point_id`

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, args ...any) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query chunks", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.FilePath, &c.Ordinal, &c.Text, &c.TokenCount,
			&c.CharStart, &c.CharEnd, &c.EmbeddingVersion, &c.PointID); err != nil {
			return nil, storeErr("scan chunk", err)
		}
		out = append(out, &c)
	}
	return out, storeErr("query chunks", rows.Err())
}

// GetChunks returns a file's chunks ordered by ordinal.
func (s *SQLiteStore) GetChunks(ctx context.Context, filePath string) ([]*Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE file_path = ? ORDER BY ordinal`, filePath)
}

// GetChunkRange returns chunks with ordinals in [first, last], ordered.
func (s *SQLiteStore) GetChunkRange(ctx context.Context, filePath string, first, last int) ([]*Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE file_path = ? AND ordinal >= ? AND ordinal <= ? ORDER BY ordinal`,
		filePath, first, last)
}

// StatsByExtension aggregates file and chunk counts per extension under
// a folder prefix. Extension parsing happens here rather than in SQL.
func (s *SQLiteStore) StatsByExtension(ctx context.Context, prefix string) ([]ExtensionStat, error) {
	query := `SELECT path, chunk_count FROM files`
	var args []any
	if prefix != "" {
		query += ` WHERE path LIKE ?`
		args = append(args, prefix+"/%")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("stats by extension", err)
	}
	defer rows.Close()

	counts := make(map[string]*ExtensionStat)
	for rows.Next() {
		var path string
		var chunks int
		if err := rows.Scan(&path, &chunks); err != nil {
			return nil, storeErr("scan stats", err)
		}
		ext := strings.ToLower(filepath.Ext(path))
		st, ok := counts[ext]
		if !ok {
			st = &ExtensionStat{Extension: ext}
			counts[ext] = st
		}
		st.Count++
		st.Chunks += chunks
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("stats by extension", err)
	}

	out := make([]ExtensionStat, 0, len(counts))
	for _, st := range counts {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Extension < out[j].Extension
	})
	return out, nil
}

// GetSyncSource returns the sync source bound to a folder.
func (s *SQLiteStore) GetSyncSource(ctx context.Context, folderPath string) (*SyncSource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT folder_path, provider, config_json, cursor_json, updated_at
		FROM sync_sources WHERE folder_path = ?`, folderPath)

	var src SyncSource
	var cfg, cursor string
	var updatedAt int64
	err := row.Scan(&src.FolderPath, &src.Provider, &cfg, &cursor, &updatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, verrors.New(verrors.KindNotFound, "no sync source configured").WithPath(folderPath)
	}
	if err != nil {
		return nil, storeErr("get sync source", err)
	}
	src.Config = json.RawMessage(cfg)
	if cursor != "" {
		src.Cursor = json.RawMessage(cursor)
	}
	src.UpdatedAt = fromUnix(updatedAt)
	return &src, nil
}

// SetSyncSource binds a provider to a folder. When a source already
// exists and the folder holds previously synced content, the caller must
// pass replace=true; a plain set fails with Conflict so credentials and
// selectors are never edited piecemeal under live content.
func (s *SQLiteStore) SetSyncSource(ctx context.Context, source *SyncSource, replace bool) error {
	existing, err := s.GetSyncSource(ctx, source.FolderPath)
	if err != nil && !verrors.IsKind(err, verrors.KindNotFound) {
		return err
	}

	if existing != nil && !replace {
		var fileCount int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM files WHERE path LIKE ?`,
			source.FolderPath+"/%").Scan(&fileCount); err != nil {
			return storeErr("count synced files", err)
		}
		if fileCount > 0 {
			return verrors.New(verrors.KindConflict,
				"folder has synced content; replace the source instead of editing it").
				WithPath(source.FolderPath)
		}
	}

	cursor := ""
	if source.Cursor != nil {
		cursor = string(source.Cursor)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_sources (folder_path, provider, config_json, cursor_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(folder_path) DO UPDATE SET
			provider = excluded.provider,
			config_json = excluded.config_json,
			cursor_json = excluded.cursor_json,
			updated_at = excluded.updated_at`,
		source.FolderPath, source.Provider, string(source.Config), cursor, time.Now().Unix())
	return storeErr("set sync source", err)
}

// DeleteSyncSource removes the binding; local files are untouched.
func (s *SQLiteStore) DeleteSyncSource(ctx context.Context, folderPath string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_sources WHERE folder_path = ?`, folderPath)
	if err != nil {
		return storeErr("delete sync source", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return verrors.New(verrors.KindNotFound, "no sync source configured").WithPath(folderPath)
	}
	return nil
}

// SaveSyncCursor persists the incremental sync position after a run.
func (s *SQLiteStore) SaveSyncCursor(ctx context.Context, folderPath string, cursor json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_sources SET cursor_json = ?, updated_at = ? WHERE folder_path = ?`,
		string(cursor), time.Now().Unix(), folderPath)
	return storeErr("save sync cursor", err)
}

// ListSyncSources returns all configured sources.
func (s *SQLiteStore) ListSyncSources(ctx context.Context) ([]*SyncSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT folder_path, provider, config_json, cursor_json, updated_at
		FROM sync_sources ORDER BY folder_path`)
	if err != nil {
		return nil, storeErr("list sync sources", err)
	}
	defer rows.Close()

	var out []*SyncSource
	for rows.Next() {
		var src SyncSource
		var cfg, cursor string
		var updatedAt int64
		if err := rows.Scan(&src.FolderPath, &src.Provider, &cfg, &cursor, &updatedAt); err != nil {
			return nil, storeErr("scan sync source", err)
		}
		src.Config = json.RawMessage(cfg)
		if cursor != "" {
			src.Cursor = json.RawMessage(cursor)
		}
		src.UpdatedAt = fromUnix(updatedAt)
		out = append(out, &src)
	}
	return out, storeErr("list sync sources", rows.Err())
}

// SetUserVisibility records a per-user search-active flag for a folder.
func (s *SQLiteStore) SetUserVisibility(ctx context.Context, user, folderPath string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_folder_visibility (user_name, folder_path, active)
		VALUES (?, ?, ?)
		ON CONFLICT(user_name, folder_path) DO UPDATE SET active = excluded.active`,
		user, folderPath, active)
	return storeErr("set user visibility", err)
}

// GetUserVisibility returns the user's explicit visibility map. Folders
// absent from the map default to active.
func (s *SQLiteStore) GetUserVisibility(ctx context.Context, user string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT folder_path, active FROM user_folder_visibility WHERE user_name = ?`, user)
	if err != nil {
		return nil, storeErr("get user visibility", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var folder string
		var active bool
		if err := rows.Scan(&folder, &active); err != nil {
			return nil, storeErr("scan visibility", err)
		}
		out[folder] = active
	}
	return out, storeErr("get user visibility", rows.Err())
}
