package vector

import (
	"context"
	"sort"

	"github.com/qdrant/go-client/qdrant"

	verrors "github.com/varasto-kb/varasto/internal/errors"
)

// Names of the per-point vectors in the collection.
const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
)

// Config holds connection parameters for a Qdrant instance.
type Config struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the collection name to use.
	Collection string

	// Dimension is the dense embedding dimensionality.
	Dimension uint64

	// Alpha is the dense weight in hybrid fusion; sparse gets 1-alpha.
	Alpha float64

	// APIKey is the optional API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements Store backed by a Qdrant instance.
type QdrantStore struct {
	client *qdrant.Client
	cfg    Config
}

// Verify interface implementation at compile time.
var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant and ensures the collection exists
// with dense and sparse named vectors and payload indexes for filtering.
func NewQdrantStore(ctx context.Context, cfg Config) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 0.6
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, verrors.Wrap(verrors.KindStoreUnavailable, "create qdrant client", err)
	}

	s := &QdrantStore{client: client, cfg: cfg}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return verrors.Wrap(verrors.KindStoreUnavailable, "check collection", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     s.cfg.Dimension,
				Distance: qdrant.Distance_Cosine,
			},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {
				Modifier: qdrant.Modifier_Idf.Enum(),
			},
		}),
	})
	if err != nil {
		return verrors.Wrap(verrors.KindStoreUnavailable, "create collection", err)
	}

	// Keyword indexes back the folder visibility and file filters.
	for _, field := range []string{"file_path", "folder_path", "folder_tree", "file_mime"} {
		_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.cfg.Collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return verrors.Wrap(verrors.KindStoreUnavailable, "create payload index", err)
		}
	}
	return nil
}

// Upsert writes points idempotently by ID.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		vectors := map[string]*qdrant.Vector{
			denseVectorName: qdrant.NewVector(p.Dense...),
		}
		if p.Sparse != nil && len(p.Sparse.Indices) > 0 {
			vectors[sparseVectorName] = qdrant.NewVectorSparse(p.Sparse.Indices, p.Sparse.Values)
		}

		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(map[string]any{
				"file_path":   p.Payload.FilePath,
				"folder_path": p.Payload.FolderPath,
				"folder_tree": toAnySlice(p.Payload.folderTree()),
				"ordinal":     int64(p.Payload.Ordinal),
				"text":        p.Payload.Text,
				"token_count": int64(p.Payload.TokenCount),
				"file_mime":   p.Payload.FileMIME,
			}),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         qpoints,
	})
	return verrors.Wrap(verrors.KindStoreUnavailable, "upsert points", err)
}

// buildFilter translates a Filter into Qdrant conditions.
func buildFilter(f Filter) *qdrant.Filter {
	var must, mustNot []*qdrant.Condition

	if f.FilePath != "" {
		must = append(must, qdrant.NewMatch("file_path", f.FilePath))
	}
	if f.FolderPrefix != "" {
		// folder_tree holds the folder chain, so subtree membership is an
		// exact keyword match.
		must = append(must, qdrant.NewMatch("folder_tree", f.FolderPrefix))
	}
	if len(f.IncludeFolders) > 0 {
		must = append(must, qdrant.NewMatchKeywords("folder_tree", f.IncludeFolders...))
	}
	for _, folder := range f.ExcludeFolders {
		mustNot = append(mustNot, qdrant.NewMatch("folder_tree", folder))
	}
	if len(f.MIMEs) > 0 {
		must = append(must, qdrant.NewMatchKeywords("file_mime", f.MIMEs...))
	}

	if len(must) == 0 && len(mustNot) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must, MustNot: mustNot}
}

// DeleteByFilter purges all points for a file or folder prefix.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, filter Filter) error {
	qf := buildFilter(filter)
	if qf == nil {
		return verrors.New(verrors.KindInvalidPath, "refusing to delete with an empty filter")
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelectorFilter(qf),
	})
	return verrors.Wrap(verrors.KindStoreUnavailable, "delete points", err)
}

// Count returns the number of points matching the filter.
func (s *QdrantStore) Count(ctx context.Context, filter Filter) (int, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Filter:         buildFilter(filter),
	})
	if err != nil {
		return 0, verrors.Wrap(verrors.KindStoreUnavailable, "count points", err)
	}
	return int(count), nil
}

// Query runs dense and sparse searches and fuses the scored results
// client-side with the configured alpha weight.
func (s *QdrantStore) Query(ctx context.Context, dense []float32, sparse *SparseVector, limit int, filter Filter) ([]Result, error) {
	qf := buildFilter(filter)
	fetch := uint64(limit * 2) // overfetch per modality before fusion
	if fetch == 0 {
		fetch = 10
	}

	var denseHits, sparseHits []*qdrant.ScoredPoint

	if len(dense) > 0 {
		hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.cfg.Collection,
			Query:          qdrant.NewQuery(dense...),
			Using:          qdrant.PtrOf(denseVectorName),
			Filter:         qf,
			Limit:          &fetch,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, verrors.Wrap(verrors.KindStoreUnavailable, "dense query", err)
		}
		denseHits = hits
	}

	if sparse != nil && len(sparse.Indices) > 0 {
		hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.cfg.Collection,
			Query:          qdrant.NewQuerySparse(sparse.Indices, sparse.Values),
			Using:          qdrant.PtrOf(sparseVectorName),
			Filter:         qf,
			Limit:          &fetch,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, verrors.Wrap(verrors.KindStoreUnavailable, "sparse query", err)
		}
		sparseHits = hits
	}

	fused := FuseScored(toResults(denseHits), toResults(sparseHits), s.cfg.Alpha)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}

// Close closes the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func toAnySlice(strs []string) []any {
	out := make([]any, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}

func toResults(hits []*qdrant.ScoredPoint) []Result {
	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		r := Result{
			ID:    hit.Id.GetUuid(),
			Score: float64(hit.Score),
		}
		if p := hit.Payload; p != nil {
			r.Payload = Payload{
				FilePath:   p["file_path"].GetStringValue(),
				FolderPath: p["folder_path"].GetStringValue(),
				Ordinal:    int(p["ordinal"].GetIntegerValue()),
				Text:       p["text"].GetStringValue(),
				TokenCount: int(p["token_count"].GetIntegerValue()),
				FileMIME:   p["file_mime"].GetStringValue(),
			}
		}
		out = append(out, r)
	}
	return out
}

// FuseScored combines dense and sparse result lists into a single
// ranking: alpha*dense + (1-alpha)*normalized sparse. Sparse scores are
// unbounded, so they are normalized by the list maximum before mixing.
// With a single non-empty modality the ranking is unchanged by alpha.
func FuseScored(dense, sparse []Result, alpha float64) []Result {
	var maxSparse float64
	for _, r := range sparse {
		if r.Score > maxSparse {
			maxSparse = r.Score
		}
	}

	type fusedHit struct {
		result Result
		score  float64
	}
	byID := make(map[string]*fusedHit)

	for _, r := range dense {
		byID[r.ID] = &fusedHit{result: r, score: alpha * r.Score}
	}
	for _, r := range sparse {
		norm := r.Score
		if maxSparse > 0 {
			norm = r.Score / maxSparse
		}
		if hit, ok := byID[r.ID]; ok {
			hit.score += (1 - alpha) * norm
		} else {
			byID[r.ID] = &fusedHit{result: r, score: (1 - alpha) * norm}
		}
	}

	out := make([]Result, 0, len(byID))
	for _, hit := range byID {
		hit.result.Score = hit.score
		out = append(out, hit.result)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}
