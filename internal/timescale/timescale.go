// Package timescale provides a rag.VectorIndex on PostgreSQL with the
// TimescaleDB, pgvector and pgvectorscale extensions. Records live in a
// hypertable partitioned by the timestamp embedded in their UUID and are
// searched with a StreamingDiskANN index.
package timescale

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/54b3r/ragfaq/internal/rag"
)

// DefaultPartitionInterval is the hypertable chunk interval.
const DefaultPartitionInterval = 7 * 24 * time.Hour

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// uuidTimestampFn extracts the version 1 timestamp from a UUID. It is the
// hypertable partitioning function.
const uuidTimestampFn = `
CREATE OR REPLACE FUNCTION public.uuid_timestamp(uuid UUID) RETURNS TIMESTAMPTZ AS $$
DECLARE
    bytes bytea;
BEGIN
    bytes := uuid_send(uuid);
    IF (get_byte(bytes, 6) >> 4)::int2 != 1 THEN
        RAISE EXCEPTION 'UUID version is not 1';
    END IF;
    RETURN to_timestamp(
        (
            (
                (get_byte(bytes, 0)::bigint << 24) |
                (get_byte(bytes, 1)::bigint << 16) |
                (get_byte(bytes, 2)::bigint <<  8) |
                (get_byte(bytes, 3)::bigint <<  0)
            ) + (
                ((get_byte(bytes, 4)::bigint << 8 | get_byte(bytes, 5)::bigint)) << 32
            ) + (
                (((get_byte(bytes, 6)::bigint & 15) << 8 | get_byte(bytes, 7)::bigint) & 4095) << 48
            ) - 122192928000000000
        ) / 10000 / 1000::double precision
    );
END
$$ LANGUAGE plpgsql
IMMUTABLE PARALLEL SAFE
RETURNS NULL ON NULL INPUT;
`

// Config holds connection and layout parameters.
type Config struct {
	// ServiceURL is the PostgreSQL connection string.
	ServiceURL string

	// Table is the records table name (default: embeddings).
	Table string

	// Dimensions is the embedding length.
	Dimensions int

	// PartitionInterval is the hypertable chunk interval (default: 7 days).
	PartitionInterval time.Duration
}

// Index is a rag.VectorIndex backed by TimescaleDB.
type Index struct {
	// db is the connection pool.
	db *sql.DB

	// cfg is the resolved configuration.
	cfg Config
}

// Open connects to the database and verifies it is reachable.
func Open(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.ServiceURL == "" {
		return nil, fmt.Errorf("timescale: service URL must not be empty")
	}
	if cfg.Table == "" {
		cfg.Table = "embeddings"
	}
	if !tableNameRE.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: invalid table name %q", rag.ErrInvalidArgument, cfg.Table)
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive, got %d", rag.ErrInvalidArgument, cfg.Dimensions)
	}
	if err := rag.CheckPartitionInterval(cfg.PartitionInterval); err != nil {
		return nil, err
	}
	if cfg.PartitionInterval <= 0 {
		cfg.PartitionInterval = DefaultPartitionInterval
	}

	db, err := sql.Open("postgres", cfg.ServiceURL)
	if err != nil {
		return nil, fmt.Errorf("timescale: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("timescale: ping: %w", err)
	}
	return &Index{db: db, cfg: cfg}, nil
}

func (x *Index) indexName() string {
	return x.cfg.Table + "_embedding_idx"
}

// CreateSchema installs the extensions, the partitioning function, the
// hypertable and a metadata GIN index. An existing table must have the
// configured dimension.
func (x *Index) CreateSchema(ctx context.Context) error {
	var exists bool
	err := x.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, x.cfg.Table).Scan(&exists)
	if err != nil {
		return fmt.Errorf("timescale: inspect schema: %w", err)
	}
	if exists {
		var dims int
		err := x.db.QueryRowContext(ctx,
			`SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'`,
			x.cfg.Table).Scan(&dims)
		if err != nil {
			return fmt.Errorf("timescale: read embedding dimension: %w", err)
		}
		if dims != x.cfg.Dimensions {
			return fmt.Errorf("%w: table %s has %d dimensions, configured %d",
				rag.ErrSchema, x.cfg.Table, dims, x.cfg.Dimensions)
		}
		return nil
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("timescale: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vectorscale CASCADE`,
		uuidTimestampFn,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id        UUID PRIMARY KEY,
    metadata  JSONB,
    contents  TEXT,
    embedding VECTOR(%d)
)`, x.cfg.Table, x.cfg.Dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_meta_idx ON %[1]s USING GIN (metadata jsonb_path_ops)`, x.cfg.Table),
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("timescale: create schema: %w", err)
		}
	}
	interval := strconv.FormatInt(int64(x.cfg.PartitionInterval/time.Second), 10) + " seconds"
	_, err = tx.ExecContext(ctx,
		`SELECT create_hypertable($1::regclass, 'id', if_not_exists => true,
		     time_partitioning_func => 'public.uuid_timestamp', chunk_time_interval => $2::interval)`,
		x.cfg.Table, interval)
	if err != nil {
		return fmt.Errorf("timescale: create hypertable: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("timescale: commit schema: %w", err)
	}
	return nil
}

// BuildIndex creates the StreamingDiskANN index on the embedding column.
func (x *Index) BuildIndex(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING diskann (embedding vector_cosine_ops)`,
		x.indexName(), x.cfg.Table)
	if _, err := x.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("timescale: build index: %w", err)
	}
	return nil
}

// DropIndex removes the DiskANN index.
func (x *Index) DropIndex(ctx context.Context) error {
	if _, err := x.db.ExecContext(ctx, `DROP INDEX IF EXISTS `+x.indexName()); err != nil {
		return fmt.Errorf("timescale: drop index: %w", err)
	}
	return nil
}

// Upsert writes the batch in one transaction.
func (x *Index) Upsert(ctx context.Context, records []rag.Record) error {
	if len(records) == 0 {
		return nil
	}
	type row struct {
		rec rag.Record
		md  []byte
	}
	prepared := make([]row, 0, len(records))
	for _, rec := range records {
		rec, err := rec.Normalize(x.cfg.Dimensions)
		if err != nil {
			return err
		}
		md, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("timescale: encode metadata for %s: %w", rec.ID, err)
		}
		prepared = append(prepared, row{rec: rec, md: md})
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("timescale: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
INSERT INTO %s (id, metadata, contents, embedding) VALUES ($1, $2::jsonb, $3, $4::vector)
ON CONFLICT (id) DO UPDATE
SET metadata = EXCLUDED.metadata, contents = EXCLUDED.contents, embedding = EXCLUDED.embedding`, x.cfg.Table))
	if err != nil {
		return fmt.Errorf("timescale: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range prepared {
		if _, err := stmt.ExecContext(ctx, p.rec.ID, string(p.md), p.rec.Content, formatVector(p.rec.Embedding)); err != nil {
			return fmt.Errorf("timescale: upsert %s: %w", p.rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("timescale: commit upsert: %w", err)
	}
	return nil
}

// Search runs a filtered cosine-distance query.
func (x *Index) Search(ctx context.Context, embedding []float32, opts rag.SearchOptions) ([]rag.SearchResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(embedding) != x.cfg.Dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d",
			rag.ErrInvalidArgument, len(embedding), x.cfg.Dimensions)
	}
	query, args, err := buildSearchQuery(x.cfg.Table, embedding, opts)
	if err != nil {
		return nil, err
	}

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("timescale: search: %w", err)
	}
	defer rows.Close()

	results := []rag.SearchResult{}
	for rows.Next() {
		var (
			res rag.SearchResult
			md  []byte
			vec string
		)
		if err := rows.Scan(&res.ID, &md, &res.Content, &vec, &res.Distance); err != nil {
			return nil, fmt.Errorf("timescale: search scan: %w", err)
		}
		if res.Metadata, err = rag.DecodeMetadata(md); err != nil {
			return nil, fmt.Errorf("timescale: record %s: %w", res.ID, err)
		}
		if res.Embedding, err = parseVector(vec); err != nil {
			return nil, fmt.Errorf("timescale: record %s: %w", res.ID, err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timescale: search rows: %w", err)
	}
	return results, nil
}

// Delete removes the records chosen by sel.
func (x *Index) Delete(ctx context.Context, sel rag.DeleteSelector) error {
	if err := sel.Validate(); err != nil {
		return err
	}
	query, args, err := buildDeleteQuery(x.cfg.Table, sel)
	if err != nil {
		return err
	}
	if _, err := x.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("timescale: delete: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (x *Index) Ping(ctx context.Context) error {
	return x.db.PingContext(ctx)
}

// Close releases the connection pool.
func (x *Index) Close() error {
	return x.db.Close()
}

// queryBuilder accumulates positional parameters.
type queryBuilder struct {
	args []any
}

func (b *queryBuilder) param(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// buildSearchQuery returns the SQL and parameters for a filtered search.
func buildSearchQuery(table string, q []float32, opts rag.SearchOptions) (string, []any, error) {
	b := &queryBuilder{}
	vec := b.param(formatVector(q))

	where, err := b.where(opts.Filter, opts.Predicates, opts.TimeRange)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT id::text, metadata, contents, embedding::text, embedding <=> %s::vector AS distance FROM %s", vec, table)
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}
	fmt.Fprintf(&sb, " ORDER BY distance LIMIT %s", b.param(opts.Limit))
	return sb.String(), b.args, nil
}

// buildDeleteQuery returns the SQL and parameters for a validated selector.
func buildDeleteQuery(table string, sel rag.DeleteSelector) (string, []any, error) {
	switch {
	case sel.All:
		return "DELETE FROM " + table, nil, nil
	case len(sel.IDs) > 0:
		return "DELETE FROM " + table + " WHERE id = ANY($1::uuid[])", []any{pq.Array(sel.IDs)}, nil
	default:
		b := &queryBuilder{}
		where, err := b.where(sel.Filter, nil, nil)
		if err != nil {
			return "", nil, err
		}
		return "DELETE FROM " + table + " WHERE " + where, b.args, nil
	}
}

func (b *queryBuilder) where(f rag.MetadataFilter, p *rag.Predicate, tr *rag.TimeRange) (string, error) {
	var clauses []string

	switch len(f) {
	case 0:
	case 1:
		js, err := json.Marshal(f[0])
		if err != nil {
			return "", fmt.Errorf("%w: filter: %v", rag.ErrInvalidArgument, err)
		}
		clauses = append(clauses, "metadata @> "+b.param(string(js))+"::jsonb")
	default:
		docs := make([]string, 0, len(f))
		for _, group := range f {
			js, err := json.Marshal(group)
			if err != nil {
				return "", fmt.Errorf("%w: filter: %v", rag.ErrInvalidArgument, err)
			}
			docs = append(docs, string(js))
		}
		clauses = append(clauses, "metadata @> ANY("+b.param(pq.Array(docs))+"::jsonb[])")
	}

	if p != nil {
		c, err := b.predicate(p)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, c)
	}

	if tr != nil {
		if !tr.Start.IsZero() {
			// Postgres timestamps hold microseconds.
			clauses = append(clauses, "uuid_timestamp(id) >= "+b.param(tr.Lower().Truncate(time.Microsecond)))
		}
		if !tr.End.IsZero() {
			clauses = append(clauses, "uuid_timestamp(id) <= "+b.param(tr.End))
		}
	}
	return strings.Join(clauses, " AND "), nil
}

var sqlOperators = map[rag.Operator]string{
	rag.OpEqual:        "=",
	rag.OpNotEqual:     "<>",
	rag.OpLessThan:     "<",
	rag.OpLessEqual:    "<=",
	rag.OpGreaterThan:  ">",
	rag.OpGreaterEqual: ">=",
}

// predicate compiles a predicate tree into a jsonb comparison expression.
// Comparing jsonb values keeps numeric semantics for numbers; a missing
// field yields NULL and so never matches.
func (b *queryBuilder) predicate(p *rag.Predicate) (string, error) {
	if len(p.And) > 0 || len(p.Or) > 0 {
		children, joiner := p.And, " AND "
		if len(p.Or) > 0 {
			children, joiner = p.Or, " OR "
		}
		parts := make([]string, 0, len(children))
		for _, c := range children {
			s, err := b.predicate(c)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "(" + strings.Join(parts, joiner) + ")", nil
	}

	op, ok := sqlOperators[p.Op]
	if !ok {
		return "", fmt.Errorf("%w: predicate %q: unknown operator %q", rag.ErrInvalidArgument, p.Field, p.Op)
	}
	v, err := rag.NormalizeValue(p.Value)
	if err != nil {
		return "", fmt.Errorf("%w: predicate %q: %v", rag.ErrInvalidArgument, p.Field, err)
	}
	js, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: predicate %q: %v", rag.ErrInvalidArgument, p.Field, err)
	}
	field := b.param(p.Field)
	cmp := fmt.Sprintf("metadata -> %s %s %s::jsonb", field, op, b.param(string(js)))
	if p.Op != rag.OpEqual && p.Op != rag.OpNotEqual {
		cmp = fmt.Sprintf("(jsonb_typeof(metadata -> %s) = 'number' AND %s)", field, cmp)
	}
	return cmp, nil
}

// formatVector renders vec in pgvector's text format.
func formatVector(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// parseVector reverses formatVector.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, errors.New("malformed vector literal")
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
