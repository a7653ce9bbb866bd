package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// Payload keys written alongside every point.
const (
	qdrantContentKey   = "content"
	qdrantMetadataKey  = "metadata"
	qdrantCreatedAtKey = "_created_at_us"
	qdrantPartitionKey = "_partition"

	// qdrantIndexingThreshold is Qdrant's default HNSW indexing threshold (kB).
	qdrantIndexingThreshold = 20000
)

// QdrantConfig holds connection parameters for a Qdrant vector index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// Dimensions is the length of the embeddings stored in this collection.
	Dimensions int

	// PartitionInterval buckets records by their ID timestamp (default: 7 days).
	PartitionInterval time.Duration

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// IndexedFields are metadata keys that get a keyword payload index on BuildIndex.
	IndexedFields []string
}

// QdrantIndex implements VectorIndex backed by a Qdrant collection.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg QdrantConfig
}

// NewQdrantIndex connects to Qdrant and returns an index. The collection is
// not created until CreateSchema is called.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if err := CheckPartitionInterval(cfg.PartitionInterval); err != nil {
		return nil, err
	}
	if cfg.PartitionInterval <= 0 {
		cfg.PartitionInterval = 7 * 24 * time.Hour
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant: collection name must not be empty")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("qdrant: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if len(cfg.IndexedFields) == 0 {
		cfg.IndexedFields = []string{"category"}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	return &QdrantIndex{client: client, cfg: cfg}, nil
}

// Client exposes the gRPC client for health probes.
func (s *QdrantIndex) Client() *qdrant.Client {
	return s.client
}

// CreateSchema creates the collection if it does not already exist and
// verifies the vector size of an existing one.
func (s *QdrantIndex) CreateSchema(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		info, err := s.client.GetCollectionInfo(ctx, s.cfg.Collection)
		if err != nil {
			return fmt.Errorf("qdrant: failed to read collection %q: %w", s.cfg.Collection, err)
		}
		size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if size != uint64(s.cfg.Dimensions) {
			return fmt.Errorf("%w: collection %q has %d dimensions, configured %d",
				ErrSchema, s.cfg.Collection, size, s.cfg.Dimensions)
		}
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.cfg.Dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
		// Bulk loads stay unindexed until BuildIndex.
		OptimizersConfig: &qdrant.OptimizersConfigDiff{
			IndexingThreshold: qdrant.PtrOf(uint64(0)),
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}
	return nil
}

// BuildIndex enables HNSW indexing for the collection and adds keyword
// payload indexes for the configured metadata fields.
func (s *QdrantIndex) BuildIndex(ctx context.Context) error {
	if err := s.setIndexingThreshold(ctx, qdrantIndexingThreshold); err != nil {
		return err
	}
	wait := true
	for _, field := range s.cfg.IndexedFields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.cfg.Collection,
			Wait:           &wait,
			FieldName:      qdrantMetadataKey + "." + field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("qdrant: failed to index field %q: %w", field, err)
		}
	}
	return nil
}

// DropIndex disables HNSW indexing; Qdrant falls back to full scan.
func (s *QdrantIndex) DropIndex(ctx context.Context) error {
	return s.setIndexingThreshold(ctx, 0)
}

func (s *QdrantIndex) setIndexingThreshold(ctx context.Context, threshold uint64) error {
	err := s.client.UpdateCollection(ctx, &qdrant.UpdateCollection{
		CollectionName: s.cfg.Collection,
		OptimizersConfig: &qdrant.OptimizersConfigDiff{
			IndexingThreshold: qdrant.PtrOf(threshold),
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to update indexing threshold: %w", err)
	}
	return nil
}

// Upsert stores or updates a batch of records in a single request.
func (s *QdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, rec := range records {
		rec, err := rec.Normalize(s.cfg.Dimensions)
		if err != nil {
			return err
		}
		ts, _ := TimeFromID(rec.ID)

		payload, err := qdrant.TryValueMap(map[string]any{
			qdrantContentKey:   rec.Content,
			qdrantMetadataKey:  rec.Metadata,
			qdrantCreatedAtKey: ts.UnixMicro(),
			qdrantPartitionKey: PartitionOf(ts, s.cfg.PartitionInterval),
		})
		if err != nil {
			return fmt.Errorf("qdrant: encode payload for %s: %w", rec.ID, err)
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Embedding...),
			Payload: payload,
		})
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

// Search performs a filtered cosine similarity search.
func (s *QdrantIndex) Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]SearchResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(embedding) != s.cfg.Dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d",
			ErrInvalidArgument, len(embedding), s.cfg.Dimensions)
	}
	filter, err := qdrantFilter(opts)
	if err != nil {
		return nil, err
	}

	limit := uint64(opts.Limit)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(embedding...),
		Filter:         filter,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		res := SearchResult{
			ID:        p.GetId().GetUuid(),
			Embedding: p.GetVectors().GetVector().GetData(),
			Distance:  max(0, 1-float64(p.GetScore())),
			Metadata:  map[string]any{},
		}
		payload := p.GetPayload()
		res.Content = payload[qdrantContentKey].GetStringValue()
		for k, v := range payload[qdrantMetadataKey].GetStructValue().GetFields() {
			res.Metadata[k] = qdrantScalar(v)
		}
		results = append(results, res)
	}
	return results, nil
}

// Delete removes points by ID, by metadata filter, or the whole collection.
func (s *QdrantIndex) Delete(ctx context.Context, sel DeleteSelector) error {
	if err := sel.Validate(); err != nil {
		return err
	}

	if sel.All {
		if err := s.client.DeleteCollection(ctx, s.cfg.Collection); err != nil {
			return fmt.Errorf("qdrant: drop collection failed: %w", err)
		}
		return s.CreateSchema(ctx)
	}

	var selector *qdrant.PointsSelector
	if len(sel.IDs) > 0 {
		ids := make([]*qdrant.PointId, 0, len(sel.IDs))
		for _, id := range sel.IDs {
			ids = append(ids, qdrant.NewIDUUID(id))
		}
		selector = qdrant.NewPointsSelector(ids...)
	} else {
		filter, err := qdrantFilter(SearchOptions{Filter: sel.Filter})
		if err != nil {
			return err
		}
		selector = qdrant.NewPointsSelectorFilter(filter)
	}

	wait := true
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points:         selector,
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}

// qdrantFilter translates search options into a Qdrant filter. Returns nil
// when no filter applies.
func qdrantFilter(opts SearchOptions) (*qdrant.Filter, error) {
	var must []*qdrant.Condition

	switch len(opts.Filter) {
	case 0:
	case 1:
		conds, err := qdrantEqualities(opts.Filter[0])
		if err != nil {
			return nil, err
		}
		must = append(must, conds...)
	default:
		should := make([]*qdrant.Condition, 0, len(opts.Filter))
		for _, group := range opts.Filter {
			conds, err := qdrantEqualities(group)
			if err != nil {
				return nil, err
			}
			should = append(should, qdrant.NewFilterAsCondition(&qdrant.Filter{Must: conds}))
		}
		must = append(must, qdrant.NewFilterAsCondition(&qdrant.Filter{Should: should}))
	}

	if opts.Predicates != nil {
		cond, err := qdrantPredicate(opts.Predicates)
		if err != nil {
			return nil, err
		}
		must = append(must, cond)
	}

	if tr := opts.TimeRange; tr != nil && (!tr.Start.IsZero() || !tr.End.IsZero()) {
		r := &qdrant.Range{}
		if !tr.Start.IsZero() {
			r.Gte = qdrant.PtrOf(float64(tr.Lower().UnixMicro()))
		}
		if !tr.End.IsZero() {
			r.Lte = qdrant.PtrOf(float64(tr.End.UnixMicro()))
		}
		must = append(must, qdrant.NewRange(qdrantCreatedAtKey, r))
	}

	if len(must) == 0 {
		return nil, nil
	}
	return &qdrant.Filter{Must: must}, nil
}

func qdrantEqualities(group map[string]any) ([]*qdrant.Condition, error) {
	conds := make([]*qdrant.Condition, 0, len(group))
	for k, v := range group {
		cond, err := qdrantMatch(k, v)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	return conds, nil
}

func qdrantMatch(field string, value any) (*qdrant.Condition, error) {
	key := qdrantMetadataKey + "." + field
	v, err := NormalizeValue(value)
	if err != nil {
		return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidArgument, field, err)
	}
	switch x := v.(type) {
	case string:
		return qdrant.NewMatch(key, x), nil
	case bool:
		return qdrant.NewMatchBool(key, x), nil
	case int64:
		// A match condition skips stored floats such as 3.0; a closed range does not.
		f := float64(x)
		return qdrant.NewRange(key, &qdrant.Range{Gte: qdrant.PtrOf(f), Lte: qdrant.PtrOf(f)}), nil
	case float64:
		return qdrant.NewRange(key, &qdrant.Range{Gte: qdrant.PtrOf(x), Lte: qdrant.PtrOf(x)}), nil
	}
	return nil, fmt.Errorf("%w: field %q: unsupported value %T", ErrInvalidArgument, field, v)
}

func qdrantPredicate(p *Predicate) (*qdrant.Condition, error) {
	if len(p.And) > 0 || len(p.Or) > 0 {
		children := p.And
		if len(p.Or) > 0 {
			children = p.Or
		}
		conds := make([]*qdrant.Condition, 0, len(children))
		for _, child := range children {
			c, err := qdrantPredicate(child)
			if err != nil {
				return nil, err
			}
			conds = append(conds, c)
		}
		if len(p.And) > 0 {
			return qdrant.NewFilterAsCondition(&qdrant.Filter{Must: conds}), nil
		}
		return qdrant.NewFilterAsCondition(&qdrant.Filter{Should: conds}), nil
	}

	key := qdrantMetadataKey + "." + p.Field
	switch p.Op {
	case OpEqual:
		return qdrantMatch(p.Field, p.Value)
	case OpNotEqual:
		match, err := qdrantMatch(p.Field, p.Value)
		if err != nil {
			return nil, err
		}
		// A missing field must not satisfy !=.
		return qdrant.NewFilterAsCondition(&qdrant.Filter{
			MustNot: []*qdrant.Condition{match, qdrant.NewIsEmpty(key)},
		}), nil
	}

	v, _ := NormalizeValue(p.Value)
	f, ok := asFloat64(v)
	if !ok {
		return nil, fmt.Errorf("%w: predicate %q: operator %s needs a numeric value", ErrInvalidArgument, p.Field, p.Op)
	}
	r := &qdrant.Range{}
	switch p.Op {
	case OpLessThan:
		r.Lt = &f
	case OpLessEqual:
		r.Lte = &f
	case OpGreaterThan:
		r.Gt = &f
	case OpGreaterEqual:
		r.Gte = &f
	default:
		return nil, fmt.Errorf("%w: predicate %q: unknown operator %q", ErrInvalidArgument, p.Field, p.Op)
	}
	return qdrant.NewRange(key, r), nil
}

func qdrantScalar(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	default:
		return nil
	}
}
