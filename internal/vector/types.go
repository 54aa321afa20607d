// Package vector adapts the Qdrant vector database for chunk storage.
//
// A single collection holds one point per chunk with a named dense
// vector and a named sparse vector. Points are addressed by a
// deterministic UUID derived from (file_path, ordinal, embedding
// version), which makes upserts idempotent across re-index runs.
package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// pointNamespace seeds deterministic point IDs.
var pointNamespace = uuid.MustParse("8f9c6f1e-4b7a-4e2e-9f35-1c2b7d0a6c11")

// PointID returns the deterministic point identifier for a chunk.
func PointID(filePath string, ordinal, embeddingVersion int) string {
	key := fmt.Sprintf("%s|%d|%d", filePath, ordinal, embeddingVersion)
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

// SparseVector is a bag-of-tokens weight vector.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// Payload is the metadata stored alongside each point.
type Payload struct {
	FilePath   string
	FolderPath string
	Ordinal    int
	Text       string
	TokenCount int
	FileMIME   string
}

// folderTree returns the containing folder and all of its ancestors.
// Storing the full chain as a keyword array turns subtree filters into
// exact matches, which Qdrant indexes natively.
func (p Payload) folderTree() []string {
	if p.FolderPath == "" {
		return []string{""}
	}
	tree := []string{p.FolderPath}
	rest := p.FolderPath
	for {
		idx := lastSlash(rest)
		if idx < 0 {
			break
		}
		rest = rest[:idx]
		tree = append(tree, rest)
	}
	return tree
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// Point is one chunk embedding destined for the vector store.
type Point struct {
	ID      string
	Dense   []float32
	Sparse  *SparseVector
	Payload Payload
}

// Filter restricts queries and deletions.
type Filter struct {
	// FilePath matches exactly when set.
	FilePath string
	// FolderPrefix matches the folder and everything beneath it.
	FolderPrefix string
	// IncludeFolders whitelists folder paths (OR logic) when non-empty.
	IncludeFolders []string
	// ExcludeFolders blacklists folder paths.
	ExcludeFolders []string
	// MIMEs whitelists file MIME types when non-empty.
	MIMEs []string
}

// Result is a scored query hit.
type Result struct {
	ID      string
	Score   float64
	Payload Payload
}

// Store is the vector store capability the indexer and search engine
// depend on. Connectivity failures are retryable and never advance a
// file's index status.
type Store interface {
	// Upsert writes points, replacing any with the same ID.
	Upsert(ctx context.Context, points []Point) error

	// DeleteByFilter removes every point matching the filter.
	DeleteByFilter(ctx context.Context, filter Filter) error

	// Query runs a hybrid dense+sparse search restricted by the filter.
	// Either modality may be nil; scores are fused with the configured
	// alpha weight.
	Query(ctx context.Context, dense []float32, sparse *SparseVector, limit int, filter Filter) ([]Result, error)

	// Count returns the number of points matching the filter.
	Count(ctx context.Context, filter Filter) (int, error)

	Close() error
}
