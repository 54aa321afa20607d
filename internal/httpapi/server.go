// Package httpapi exposes the REST and WebSocket surface.
//
// Routing is chi; errors map to statuses through the shared error
// kinds; the /ws endpoint relays the event bus to connected clients.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	verrors "github.com/varasto-kb/varasto/internal/errors"
	"github.com/varasto-kb/varasto/internal/events"
	"github.com/varasto-kb/varasto/internal/indexer"
	"github.com/varasto-kb/varasto/internal/search"
	"github.com/varasto-kb/varasto/internal/store"
	"github.com/varasto-kb/varasto/internal/syncer"
)

// Server wires the HTTP surface to the core services.
type Server struct {
	root    string
	store   store.Store
	indexer *indexer.Service
	syncer  *syncer.Engine
	engine  *search.Engine
	bus     *events.Bus
	logger  *slog.Logger
}

// New creates the HTTP server facade.
func New(root string, st store.Store, idx *indexer.Service, sync *syncer.Engine, engine *search.Engine, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		root:    root,
		store:   st,
		indexer: idx,
		syncer:  sync,
		engine:  engine,
		bus:     bus,
		logger:  logger,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/folders/*", s.handleListFolder)
		r.Get("/folders", s.handleListFolder)
		r.Post("/folders", s.handleCreateFolder)
		r.Delete("/folders/*", s.handleDeleteFolder)

		r.Post("/files/upload", s.handleUpload)
		r.Get("/details/*", s.handleDetails)
		r.Put("/metadata/*", s.handleSetMetadata)

		r.Put("/settings/folders/*", s.handleFolderSettings)
		r.Post("/settings/folders/*", s.handleFolderSettings)

		r.Get("/sync/oauth/auth", s.handleOAuthAuth)
		r.Get("/sync/oauth/callback", s.handleOAuthCallback)
		r.Get("/sync/git/branches", s.handleGitBranches)
		r.Get("/sync/google-drive/folders", s.handleDriveFolders)
		r.Get("/sync/*", s.handleGetSync)
		r.Put("/sync/*", s.handlePutSync)
		r.Delete("/sync/*", s.handleDeleteSync)
		r.Post("/sync/*", s.handleSyncAction)

		r.Get("/search", s.handleSearch)
		r.Get("/raw/*", s.handleRaw)
	})

	r.Get("/ws", s.handleWebSocket)
	return r
}

// identity extracts the opaque user identity from the request.
func identity(r *http.Request) string {
	if user := r.Header.Get("X-User-Name"); user != "" {
		return user
	}
	return search.DefaultUser
}

// wildcard returns the raw path captured by a chi "*" route parameter.
// It is not normalized; callers pass it through paths.Normalize.
func wildcard(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// trimSuffixRoute splits a wildcard tail like "docs/sub/reindex" into
// the path and the recognized action suffix.
func trimSuffixRoute(tail string, actions ...string) (string, string) {
	for _, action := range actions {
		if strings.HasSuffix(tail, "/"+action) {
			return strings.TrimSuffix(tail, "/"+action), action
		}
	}
	return tail, ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := verrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

// contextWithoutRequest detaches a background operation from the
// request lifetime while keeping its values.
func contextWithoutRequest(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return verrors.Wrap(verrors.KindInvalidPath, "invalid request body", err)
	}
	return nil
}
