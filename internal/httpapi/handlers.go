package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"

	verrors "github.com/varasto-kb/varasto/internal/errors"
	"github.com/varasto-kb/varasto/internal/paths"
	"github.com/varasto-kb/varasto/internal/store"
)

// folderListing is the /api/folders response.
type folderListing struct {
	Path    string        `json:"path"`
	Folders []folderEntry `json:"folders"`
	Files   []fileEntry   `json:"files"`
}

type folderEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IndexStatus string `json:"index_status"`
	SyncStatus  string `json:"sync_status"`
	Enabled     bool   `json:"indexing_enabled"`
	HasSync     bool   `json:"has_sync_source"`
	Metadata    string `json:"metadata,omitempty"`
	LastSyncErr string `json:"last_sync_error,omitempty"`
	IndexError  string `json:"index_error,omitempty"`
}

type fileEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	MIME        string `json:"mime,omitempty"`
	IndexStatus string `json:"index_status"`
	ChunkCount  int    `json:"chunk_count"`
	Error       string `json:"error_message,omitempty"`
}

// handleListFolder lists the immediate children of a folder.
func (s *Server) handleListFolder(w http.ResponseWriter, r *http.Request) {
	logical, err := paths.Normalize(wildcard(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx := r.Context()

	folders, err := s.store.ListFolders(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	listing := folderListing{Path: logical, Folders: []folderEntry{}, Files: []fileEntry{}}
	for _, f := range folders {
		if paths.Parent(f.Path) != logical || f.Path == logical {
			continue
		}
		_, syncErr := s.store.GetSyncSource(ctx, f.Path)
		listing.Folders = append(listing.Folders, folderEntry{
			Name:        paths.Base(f.Path),
			Path:        f.Path,
			IndexStatus: string(f.IndexStatus),
			SyncStatus:  string(f.SyncStatus),
			Enabled:     f.IndexingEnabled,
			HasSync:     syncErr == nil,
			Metadata:    f.MetadataText,
			LastSyncErr: f.LastSyncError,
			IndexError:  f.IndexError,
		})
	}

	files, err := s.store.ListFilesUnder(ctx, logical)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, f := range files {
		if paths.Parent(f.Path) != logical {
			continue
		}
		listing.Files = append(listing.Files, fileEntry{
			Name:        paths.Base(f.Path),
			Path:        f.Path,
			Size:        f.Size,
			MIME:        f.MIME,
			IndexStatus: string(f.IndexStatus),
			ChunkCount:  f.ChunkCount,
			Error:       f.ErrorMessage,
		})
	}

	writeJSON(w, http.StatusOK, listing)
}

// handleCreateFolder creates a directory and its folder row.
func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Name == "" {
		s.writeError(w, verrors.New(verrors.KindInvalidPath, "folder name is required"))
		return
	}

	parent, err := paths.Normalize(body.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	logical, err := paths.Normalize(parent + "/" + body.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	abs, err := paths.ToAbsolute(s.root, logical)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		s.writeError(w, verrors.Wrap(verrors.KindStoreUnavailable, "create directory", err))
		return
	}

	if err := s.store.UpsertFolder(r.Context(), &store.Folder{Path: logical}); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": logical})
}

// handleDeleteFolder removes a folder recursively: disk, vectors, rows.
func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	logical, err := paths.Normalize(wildcard(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if logical == "" {
		s.writeError(w, verrors.New(verrors.KindInvalidPath, "refusing to delete the managed root"))
		return
	}
	ctx := r.Context()

	if _, err := s.store.GetFolder(ctx, logical); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.indexer.PurgeVectors(ctx, logical); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteFolder(ctx, logical); err != nil {
		s.writeError(w, err)
		return
	}

	abs, err := paths.ToAbsolute(s.root, logical)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		s.writeError(w, verrors.Wrap(verrors.KindStoreUnavailable, "remove directory", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"deleted": logical})
}

// handleUpload accepts a multipart file and lands it atomically under
// the target folder.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		s.writeError(w, verrors.Wrap(verrors.KindInvalidPath, "parse multipart form", err))
		return
	}

	folder, err := paths.Normalize(r.FormValue("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, verrors.Wrap(verrors.KindInvalidPath, "file field is required", err))
		return
	}
	defer func() { _ = file.Close() }()

	logical, err := paths.Normalize(folder + "/" + filepath.Base(header.Filename))
	if err != nil {
		s.writeError(w, err)
		return
	}
	abs, err := paths.ToAbsolute(s.root, logical)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		s.writeError(w, verrors.Wrap(verrors.KindStoreUnavailable, "create directories", err))
		return
	}
	if err := atomicWrite(abs, file); err != nil {
		s.writeError(w, err)
		return
	}

	// The observer will debounce the write too, but scheduling directly
	// gives upload-to-searchable its fastest path.
	s.indexer.ScheduleCovering(r.Context(), logical)

	writeJSON(w, http.StatusCreated, map[string]string{"path": logical})
}

// atomicWrite lands uploaded bytes via temp file + rename, matching the
// writer discipline every other producer follows.
func atomicWrite(abs string, content io.Reader) error {
	var nonce [6]byte
	_, _ = rand.Read(nonce[:])
	tmpPath := filepath.Join(filepath.Dir(abs), "tmp-varasto-"+hex.EncodeToString(nonce[:]))

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return verrors.Wrap(verrors.KindStoreUnavailable, "create temp file", err)
	}
	if _, err := io.Copy(tmp, content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return verrors.Wrap(verrors.KindStoreUnavailable, "write upload", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return verrors.Wrap(verrors.KindStoreUnavailable, "finish upload", err)
	}
	if err := os.Rename(tmpPath, abs); err != nil {
		_ = os.Remove(tmpPath)
		return verrors.Wrap(verrors.KindStoreUnavailable, "rename upload", err)
	}
	return nil
}

// handleDetails returns metadata and status for a folder or file.
func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	logical, err := paths.Normalize(wildcard(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx := r.Context()

	if folder, err := s.store.GetFolder(ctx, logical); err == nil {
		stats, serr := s.store.StatsByExtension(ctx, logical)
		if serr != nil {
			s.writeError(w, serr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"type":                "folder",
			"path":                folder.Path,
			"indexing_enabled":    folder.IndexingEnabled,
			"index_status":        string(folder.IndexStatus),
			"index_error":         folder.IndexError,
			"sync_status":         string(folder.SyncStatus),
			"last_synced_at":      folder.LastSyncedAt,
			"last_sync_error":     folder.LastSyncError,
			"metadata":            folder.MetadataText,
			"metadata_updated_by": folder.MetadataUpdatedBy,
			"extension_stats":     stats,
		})
		return
	}

	file, err := s.store.GetFile(ctx, logical)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":          "file",
		"path":          file.Path,
		"size":          file.Size,
		"mtime":         file.ModTime,
		"mime":          file.MIME,
		"content_hash":  file.ContentHash,
		"index_status":  string(file.IndexStatus),
		"indexed_at":    file.IndexedAt,
		"chunk_count":   file.ChunkCount,
		"error_message": file.ErrorMessage,
	})
}

// handleSetMetadata stores free-form metadata text on a folder.
func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request) {
	logical, err := paths.Normalize(wildcard(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body struct {
		Metadata string `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.store.SetFolderMetadata(r.Context(), logical, body.Metadata, identity(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": logical})
}

// handleFolderSettings multiplexes the settings wildcard:
//
//	PUT  /api/settings/folders/{path}                {"enabled": bool}
//	PUT  /api/settings/folders/{path}/search-active  {"search_active": bool}
//	POST /api/settings/folders/{path}/reindex
func (s *Server) handleFolderSettings(w http.ResponseWriter, r *http.Request) {
	tail, action := trimSuffixRoute(wildcard(r), "search-active", "reindex")
	logical, err := paths.Normalize(tail)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx := r.Context()

	switch {
	case r.Method == http.MethodPost && action == "reindex":
		if err := s.indexer.Reindex(ctx, logical); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"path": logical, "status": "pending"})

	case r.Method == http.MethodPut && action == "search-active":
		var body struct {
			SearchActive bool `json:"search_active"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.store.SetUserVisibility(ctx, identity(r), logical, body.SearchActive); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": logical, "search_active": body.SearchActive})

	case r.Method == http.MethodPut && action == "":
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		var opErr error
		if body.Enabled {
			opErr = s.indexer.EnableFolder(ctx, logical)
		} else {
			opErr = s.indexer.DisableFolder(ctx, logical)
		}
		if opErr != nil {
			s.writeError(w, opErr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": logical, "enabled": body.Enabled})

	default:
		s.writeError(w, verrors.New(verrors.KindNotFound, "unknown settings operation"))
	}
}

// handleSearch serves the UI search endpoint.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	opts := searchOptionsFromQuery(r)

	results, err := s.engine.Search(r.Context(), query, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleRaw streams file bytes; it backs the MCP get_file_uri tool.
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	logical, err := paths.Normalize(wildcard(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	abs, err := paths.ToAbsolute(s.root, logical)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := os.Stat(abs); err != nil {
		s.writeError(w, verrors.New(verrors.KindNotFound, "file not found").WithPath(logical))
		return
	}
	http.ServeFile(w, r, abs)
}
