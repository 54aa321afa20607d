// Package mcpserver exposes the knowledge base to AI clients over the
// Model Context Protocol.
//
// The tool surface mirrors the search engine: hybrid search, folder
// listing, full-file retrieval, chunk ranges and per-user folder
// activation. Over the HTTP transport the user identity arrives in the
// X-User-Name header; stdio sessions act as the default user.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/varasto-kb/varasto/internal/paths"
	"github.com/varasto-kb/varasto/internal/search"
	"github.com/varasto-kb/varasto/internal/store"
	"github.com/varasto-kb/varasto/pkg/version"
)

// Config tunes the MCP surface.
type Config struct {
	// SearchLimit is the default result count for the search tool.
	SearchLimit int

	// BaseURL is the HTTP surface address used to mint file URIs.
	BaseURL string
}

// Service builds per-identity MCP servers over the shared engine.
type Service struct {
	engine *search.Engine
	store  store.Store
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	servers map[string]*mcp.Server
}

// New creates the MCP service facade.
func New(engine *search.Engine, st store.Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:  engine,
		store:   st,
		cfg:     cfg,
		logger:  logger,
		servers: make(map[string]*mcp.Server),
	}
}

// ServerFor returns the MCP server bound to one user identity. Servers
// are cached per identity; tool handlers close over the user.
func (s *Service) ServerFor(user string) *mcp.Server {
	if user == "" {
		user = search.DefaultUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if server, ok := s.servers[user]; ok {
		return server
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "varasto",
		Version: version.Short(),
	}, nil)
	s.registerTools(server, user)
	s.servers[user] = server
	return server
}

// RunStdio serves a stdio session as the default user.
func (s *Service) RunStdio(ctx context.Context) error {
	return s.ServerFor(search.DefaultUser).Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves the streamable HTTP transport, binding each
// request to the identity in its X-User-Name header.
func (s *Service) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.ServerFor(r.Header.Get("X-User-Name"))
	}, nil)
}

// Tool inputs and outputs.

type searchInput struct {
	Query          string   `json:"query" jsonschema:"the search query text"`
	Limit          int      `json:"limit,omitempty" jsonschema:"maximum number of results"`
	IncludeFolders []string `json:"include_folders,omitempty" jsonschema:"folder paths to search within"`
	ExcludeFolders []string `json:"exclude_folders,omitempty" jsonschema:"folder paths to exclude"`
}

type searchOutput struct {
	Results []search.Result `json:"results" jsonschema:"matching chunks ordered by score"`
}

type listFoldersInput struct{}

type listFoldersOutput struct {
	Folders []search.FolderInfo `json:"folders" jsonschema:"indexed folders with counts and status"`
}

type getFileInput struct {
	FilePath string `json:"file_path" jsonschema:"logical path of the file"`
}

type getFileOutput struct {
	FilePath   string `json:"file_path"`
	FileName   string `json:"file_name"`
	Content    string `json:"content" jsonschema:"full text, chunk overlaps deduplicated"`
	ChunkCount int    `json:"chunk_count"`
}

type getChunkRangeInput struct {
	FilePath string `json:"file_path" jsonschema:"logical path of the file"`
	Start    int    `json:"start" jsonschema:"first chunk ordinal, inclusive"`
	End      int    `json:"end" jsonschema:"last chunk ordinal, inclusive"`
}

type chunkRangeOutput struct {
	FilePath    string `json:"file_path"`
	MergedText  string `json:"merged_text" jsonschema:"chunk texts joined with overlaps removed"`
	FirstChunk  int    `json:"actual_first_chunk"`
	LastChunk   int    `json:"actual_last_chunk"`
	TotalChunks int    `json:"total_chunks_in_file"`
	Truncated   bool   `json:"truncated_to_limit"`
}

type getFileURIInput struct {
	FilePath string `json:"file_path" jsonschema:"logical path of the file"`
}

type getFileURIOutput struct {
	URI string `json:"uri" jsonschema:"download URI for the raw file bytes"`
}

type setFolderActiveInput struct {
	FolderPath string `json:"folder_path" jsonschema:"logical folder path"`
	Active     bool   `json:"active" jsonschema:"whether the folder participates in this user's searches"`
}

type setFolderActiveOutput struct {
	FolderPath string `json:"folder_path"`
	Active     bool   `json:"active"`
}

type folderActiveStatesInput struct{}

type folderActiveStatesOutput struct {
	States map[string]bool `json:"states" jsonschema:"folder path to active flag for this user"`
}

func (s *Service) registerTools(server *mcp.Server, user string) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "search",
		Description: "Search the knowledge base with hybrid semantic + keyword retrieval. Results are the best chunk per file, restricted to folders active for you.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input searchInput) (*mcp.CallToolResult, searchOutput, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = s.cfg.SearchLimit
		}
		results, err := s.engine.Search(ctx, input.Query, search.Options{
			Limit:          limit,
			IncludeFolders: input.IncludeFolders,
			ExcludeFolders: input.ExcludeFolders,
			User:           user,
		})
		if err != nil {
			return nil, searchOutput{}, err
		}
		if results == nil {
			results = []search.Result{}
		}
		return nil, searchOutput{Results: results}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_indexed_folders",
		Description: "List folders with their index status, file counts and chunk totals.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ listFoldersInput) (*mcp.CallToolResult, listFoldersOutput, error) {
		folders, err := s.engine.ListIndexedFolders(ctx, user)
		if err != nil {
			return nil, listFoldersOutput{}, err
		}
		if folders == nil {
			folders = []search.FolderInfo{}
		}
		return nil, listFoldersOutput{Folders: folders}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_file",
		Description: "Return a file's full extracted text with chunk overlaps removed.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input getFileInput) (*mcp.CallToolResult, getFileOutput, error) {
		logical, err := paths.Normalize(input.FilePath)
		if err != nil {
			return nil, getFileOutput{}, err
		}
		content, chunkCount, err := s.engine.GetFile(ctx, logical)
		if err != nil {
			return nil, getFileOutput{}, err
		}
		return nil, getFileOutput{
			FilePath:   logical,
			FileName:   paths.Base(logical),
			Content:    content,
			ChunkCount: chunkCount,
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_chunk_range",
		Description: "Return the merged text of a file's chunks in [start, end]; at most 20 chunks per call.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input getChunkRangeInput) (*mcp.CallToolResult, chunkRangeOutput, error) {
		logical, err := paths.Normalize(input.FilePath)
		if err != nil {
			return nil, chunkRangeOutput{}, err
		}
		result, err := s.engine.GetChunkRange(ctx, logical, input.Start, input.End)
		if err != nil {
			return nil, chunkRangeOutput{}, err
		}
		return nil, chunkRangeOutput{
			FilePath:    logical,
			MergedText:  result.Text,
			FirstChunk:  result.FirstChunk,
			LastChunk:   result.LastChunk,
			TotalChunks: result.TotalChunks,
			Truncated:   result.Truncated,
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_file_uri",
		Description: "Return a download URI for the raw file bytes.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input getFileURIInput) (*mcp.CallToolResult, getFileURIOutput, error) {
		logical, err := paths.Normalize(input.FilePath)
		if err != nil {
			return nil, getFileURIOutput{}, err
		}
		if _, err := s.store.GetFile(ctx, logical); err != nil {
			return nil, getFileURIOutput{}, err
		}
		uri := fmt.Sprintf("%s/api/raw/%s", s.cfg.BaseURL, escapeLogical(logical))
		return nil, getFileURIOutput{URI: uri}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_folder_active",
		Description: "Toggle whether a folder participates in your searches.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input setFolderActiveInput) (*mcp.CallToolResult, setFolderActiveOutput, error) {
		logical, err := paths.Normalize(input.FolderPath)
		if err != nil {
			return nil, setFolderActiveOutput{}, err
		}
		if _, err := s.store.GetFolder(ctx, logical); err != nil {
			return nil, setFolderActiveOutput{}, err
		}
		if err := s.store.SetUserVisibility(ctx, user, logical, input.Active); err != nil {
			return nil, setFolderActiveOutput{}, err
		}
		return nil, setFolderActiveOutput{FolderPath: logical, Active: input.Active}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_folder_active_states",
		Description: "Return your per-folder search activation map. Folders absent from the map are active.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ folderActiveStatesInput) (*mcp.CallToolResult, folderActiveStatesOutput, error) {
		states, err := s.store.GetUserVisibility(ctx, user)
		if err != nil {
			return nil, folderActiveStatesOutput{}, err
		}
		return nil, folderActiveStatesOutput{States: states}, nil
	})
}

// escapeLogical escapes each path segment for use in a URI.
func escapeLogical(logical string) string {
	parts := strings.Split(logical, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
