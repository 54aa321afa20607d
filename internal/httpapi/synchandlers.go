package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	verrors "github.com/varasto-kb/varasto/internal/errors"
	"github.com/varasto-kb/varasto/internal/paths"
	"github.com/varasto-kb/varasto/internal/search"
	"github.com/varasto-kb/varasto/internal/store"
	"github.com/varasto-kb/varasto/internal/syncer"
)

// syncSourceBody is the PUT /api/sync payload.
type syncSourceBody struct {
	Provider string          `json:"provider"`
	Config   json.RawMessage `json:"config"`
	Replace  bool            `json:"replace,omitempty"`
}

// handleGetSync returns the sync source bound to a folder, with
// credentials redacted to their presence.
func (s *Server) handleGetSync(w http.ResponseWriter, r *http.Request) {
	logical, err := paths.Normalize(wildcard(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	src, err := s.store.GetSyncSource(r.Context(), logical)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"folder_path": src.FolderPath,
		"provider":    src.Provider,
		"config":      redactConfig(src.Config),
		"updated_at":  src.UpdatedAt,
	})
}

// redactConfig blanks secret-bearing fields before the config leaves
// the process.
func redactConfig(raw json.RawMessage) map[string]any {
	var cfg map[string]any
	if json.Unmarshal(raw, &cfg) != nil {
		return nil
	}
	for key := range cfg {
		switch key {
		case "token", "pat", "api_token", "client_secret":
			cfg[key] = "***"
		}
	}
	return cfg
}

// handlePutSync creates or replaces a folder's sync source.
func (s *Server) handlePutSync(w http.ResponseWriter, r *http.Request) {
	logical, err := paths.Normalize(wildcard(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body syncSourceBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if _, ok := s.syncer.Provider(body.Provider); !ok {
		s.writeError(w, verrors.Newf(verrors.KindInvalidPath, "unknown provider %q", body.Provider))
		return
	}

	if _, err := s.store.GetFolder(r.Context(), logical); err != nil {
		s.writeError(w, err)
		return
	}

	src := &store.SyncSource{
		FolderPath: logical,
		Provider:   body.Provider,
		Config:     body.Config,
	}
	if err := s.store.SetSyncSource(r.Context(), src, body.Replace); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"folder_path": logical, "provider": body.Provider})
}

// handleDeleteSync unbinds the sync source; local files stay.
func (s *Server) handleDeleteSync(w http.ResponseWriter, r *http.Request) {
	logical, err := paths.Normalize(wildcard(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteSyncSource(r.Context(), logical); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"folder_path": logical})
}

// handleSyncAction handles POST /api/sync/{path}/trigger.
func (s *Server) handleSyncAction(w http.ResponseWriter, r *http.Request) {
	tail, action := trimSuffixRoute(wildcard(r), "trigger")
	if action != "trigger" {
		s.writeError(w, verrors.New(verrors.KindNotFound, "unknown sync operation"))
		return
	}
	logical, err := paths.Normalize(tail)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The run outlives the request; progress arrives on the event bus.
	go func() {
		if err := s.syncer.Trigger(contextWithoutRequest(r), logical); err != nil {
			s.logger.Warn("triggered sync failed",
				"folder", logical, "error", err.Error())
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"folder_path": logical, "status": "syncing"})
}

// handleOAuthAuth returns the provider consent URL for a folder.
func (s *Server) handleOAuthAuth(w http.ResponseWriter, r *http.Request) {
	logical, err := paths.Normalize(r.URL.Query().Get("folder_path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	authURL, err := s.syncer.AuthURL(r.Context(), logical)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
}

// handleOAuthCallback completes the browser flow and hands the token to
// the sync engine.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		s.writeError(w, verrors.New(verrors.KindInvalidPath, "state and code are required"))
		return
	}

	folder, err := s.syncer.HandleOAuthCallback(r.Context(), state, code)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><p>Connected. You can close this window and sync the folder <b>" +
		folder + "</b>.</p></body></html>"))
}

// handleGitBranches lists branches for the repo given in query params.
func (s *Server) handleGitBranches(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.syncer.Provider(syncer.KindGitHub)
	if !ok {
		s.writeError(w, verrors.New(verrors.KindProviderFatal, "github provider not registered"))
		return
	}
	github, ok := provider.(syncer.GitHubProvider)
	if !ok {
		s.writeError(w, verrors.New(verrors.KindProviderFatal, "github provider mismatch"))
		return
	}

	cfg, err := json.Marshal(map[string]string{
		"repo":   r.URL.Query().Get("repo"),
		"branch": "main",
		"token":  r.URL.Query().Get("token"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	branches, err := github.ListBranches(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

// handleDriveFolders lists Drive folders for the picker, using the
// credentials already stored on the folder's sync source.
func (s *Server) handleDriveFolders(w http.ResponseWriter, r *http.Request) {
	logical, err := paths.Normalize(r.URL.Query().Get("folder_path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	src, err := s.store.GetSyncSource(r.Context(), logical)
	if err != nil {
		s.writeError(w, err)
		return
	}
	provider, ok := s.syncer.Provider(syncer.KindGoogleDrive)
	if !ok || src.Provider != syncer.KindGoogleDrive {
		s.writeError(w, verrors.New(verrors.KindConflict, "folder is not bound to google drive"))
		return
	}
	drive, ok := provider.(syncer.GoogleDriveProvider)
	if !ok {
		s.writeError(w, verrors.New(verrors.KindProviderFatal, "google drive provider mismatch"))
		return
	}

	folders, err := drive.ListFolders(r.Context(), src.Config, r.URL.Query().Get("parent"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

// searchOptionsFromQuery parses the /api/search query parameters.
func searchOptionsFromQuery(r *http.Request) search.Options {
	q := r.URL.Query()
	opts := search.Options{User: identity(r)}

	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = limit
	}
	if include := q.Get("include_folders"); include != "" {
		opts.IncludeFolders = strings.Split(include, ",")
	}
	if exclude := q.Get("exclude_folders"); exclude != "" {
		opts.ExcludeFolders = strings.Split(exclude, ",")
	}
	if window, err := strconv.Atoi(q.Get("context")); err == nil {
		opts.ContextWindow = window
	}
	return opts
}
