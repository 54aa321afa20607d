package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by deployments
// that run without an external vector database. Scoring matches the
// Qdrant adapter's contract: cosine similarity for dense vectors, dot
// product for sparse, fused with the alpha weight.
type MemoryStore struct {
	alpha float64

	mu     sync.RWMutex
	points map[string]Point
}

// Verify interface implementation at compile time.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(alpha float64) *MemoryStore {
	if alpha == 0 {
		alpha = 0.6
	}
	return &MemoryStore{alpha: alpha, points: make(map[string]Point)}
}

// Upsert inserts or replaces points by ID.
func (m *MemoryStore) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

// matches mirrors the Qdrant filter semantics, including subtree
// matching through the folder chain.
func matches(p Point, f Filter) bool {
	if f.FilePath != "" && p.Payload.FilePath != f.FilePath {
		return false
	}
	tree := p.Payload.folderTree()
	inTree := func(folder string) bool {
		for _, t := range tree {
			if t == folder {
				return true
			}
		}
		return false
	}
	if f.FolderPrefix != "" && !inTree(f.FolderPrefix) {
		return false
	}
	if len(f.IncludeFolders) > 0 {
		found := false
		for _, folder := range f.IncludeFolders {
			if inTree(folder) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, folder := range f.ExcludeFolders {
		if inTree(folder) {
			return false
		}
	}
	if len(f.MIMEs) > 0 {
		found := false
		for _, mime := range f.MIMEs {
			if p.Payload.FileMIME == mime {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DeleteByFilter removes every matching point.
func (m *MemoryStore) DeleteByFilter(_ context.Context, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if matches(p, filter) {
			delete(m.points, id)
		}
	}
	return nil
}

// Count returns the number of matching points.
func (m *MemoryStore) Count(_ context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.points {
		if matches(p, filter) {
			n++
		}
	}
	return n, nil
}

// Query scores matching points per modality and fuses the lists.
func (m *MemoryStore) Query(_ context.Context, dense []float32, sparse *SparseVector, limit int, filter Filter) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var denseHits, sparseHits []Result
	for _, p := range m.points {
		if !matches(p, filter) {
			continue
		}
		if len(dense) > 0 && len(p.Dense) == len(dense) {
			denseHits = append(denseHits, Result{ID: p.ID, Score: cosine(dense, p.Dense), Payload: p.Payload})
		}
		if sparse != nil && p.Sparse != nil {
			if score := sparseDot(sparse, p.Sparse); score > 0 {
				sparseHits = append(sparseHits, Result{ID: p.ID, Score: score, Payload: p.Payload})
			}
		}
	}

	sortByScore(denseHits)
	sortByScore(sparseHits)

	fused := FuseScored(denseHits, sparseHits, m.alpha)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func sortByScore(hits []Result) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

func cosine(a, b []float32) float64 {
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func sparseDot(a, b *SparseVector) float64 {
	weights := make(map[uint32]float32, len(a.Indices))
	for i, idx := range a.Indices {
		weights[idx] = a.Values[i]
	}
	var dot float64
	for i, idx := range b.Indices {
		if w, ok := weights[idx]; ok {
			dot += float64(w) * float64(b.Values[i])
		}
	}
	return dot
}
