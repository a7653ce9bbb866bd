// Package store provides a SQLite-backed VectorIndex. Records live in a
// single table keyed by their time-based ID, bucketed into time partitions
// for range pruning. Approximate search uses an in-memory Vamana graph that
// is built on demand and rebuilt when the database is reopened.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/ragfaq/internal/ann"
	"github.com/54b3r/ragfaq/internal/rag"
)

const (
	// DefaultTable is the records table name.
	DefaultTable = "embeddings"

	// DefaultPartitionInterval is the width of one time partition.
	DefaultPartitionInterval = 7 * 24 * time.Hour

	// candidateFactor is how many graph candidates are fetched per requested
	// result, leaving room for filters to reject some.
	candidateFactor = 4

	// deleteChunk bounds the number of bound parameters per DELETE.
	deleteChunk = 500

	metaDimensions = "dimensions"
	metaInterval   = "partition_interval_us"
	metaANNState   = "ann_index"
	annBuilt       = "built"
)

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds the parameters of a SQLiteIndex.
type Config struct {
	// Path is the database file. Use ":memory:" in tests.
	Path string

	// Table is the records table name (default: embeddings).
	Table string

	// Dimensions is the embedding length every record must have.
	Dimensions int

	// PartitionInterval is the time bucket width (default: 7 days).
	PartitionInterval time.Duration

	// Graph tunes the ANN graph. Zero value means ann.DefaultOptions.
	Graph ann.Options

	// Logger receives index lifecycle events. Defaults to slog.Default.
	Logger *slog.Logger
}

// SQLiteIndex is a rag.VectorIndex backed by a local SQLite database.
type SQLiteIndex struct {
	// db is the underlying database connection pool.
	db *sql.DB

	// cfg is the resolved configuration.
	cfg Config

	// log receives build and open events.
	log *slog.Logger

	// mu guards every field below. Writers hold it exclusively for the
	// whole transaction so the graph never disagrees with the table.
	mu sync.RWMutex

	// ready is set once the schema exists and matches cfg.
	ready bool

	// graph is nil until BuildIndex (or a reopen of a built index).
	graph *ann.Graph

	// graphIDs maps graph positions to record IDs.
	graphIDs []string

	// graphed holds the IDs whose stored vector is the one in the graph.
	// Overwritten or deleted records leave this set.
	graphed map[string]struct{}
}

// DefaultDBPath returns the default path for the index database.
// It resolves to ~/.ragfaq/index.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragfaq")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "index.db"), nil
}

// Open opens (or creates) the database at cfg.Path. When the schema already
// exists it is checked against cfg and a previously built graph is rebuilt.
func Open(ctx context.Context, cfg Config) (*SQLiteIndex, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
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
	if cfg.Graph.R == 0 {
		cfg.Graph = ann.DefaultOptions()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteIndex{db: db, cfg: cfg, log: log}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteIndex) metaTable() string {
	return s.cfg.Table + "_meta"
}

// load inspects an existing schema and restores the graph.
func (s *SQLiteIndex) load(ctx context.Context) error {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, s.metaTable()).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: inspect schema: %w", err)
	}

	if err := s.checkMeta(ctx, s.db); err != nil {
		return err
	}
	s.ready = true

	state, ok, err := s.metaGet(ctx, s.db, metaANNState)
	if err != nil {
		return err
	}
	if ok && state == annBuilt {
		start := time.Now()
		if err := s.loadGraph(ctx, s.db, "WHERE indexed = 1"); err != nil {
			return err
		}
		s.log.Info("store: ann graph restored",
			slog.String("table", s.cfg.Table),
			slog.Int("nodes", len(s.graphIDs)),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
	return nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteIndex) metaGet(ctx context.Context, q queryRower, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM `+s.metaTable()+` WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: read meta %s: %w", key, err)
	}
	return v, true, nil
}

// checkMeta compares the stored layout with cfg.
func (s *SQLiteIndex) checkMeta(ctx context.Context, q queryRower) error {
	checks := []struct {
		key  string
		want int64
	}{
		{metaDimensions, int64(s.cfg.Dimensions)},
		{metaInterval, s.cfg.PartitionInterval.Microseconds()},
	}
	for _, c := range checks {
		v, ok, err := s.metaGet(ctx, q, c.key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		got, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: table %s has unreadable %s %q", rag.ErrSchema, s.cfg.Table, c.key, v)
		}
		if got != c.want {
			return fmt.Errorf("%w: table %s has %s %d, configured %d", rag.ErrSchema, s.cfg.Table, c.key, got, c.want)
		}
	}
	return nil
}

// CreateSchema creates the records and meta tables if they do not exist.
func (s *SQLiteIndex) CreateSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id          TEXT    PRIMARY KEY,
    partition   INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,  -- Unix microseconds from the id
    metadata    TEXT    NOT NULL,  -- JSON object
    contents    TEXT    NOT NULL,
    embedding   BLOB    NOT NULL,  -- little-endian float32
    indexed     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_partition_created
    ON %[1]s (partition, created_at);
CREATE INDEX IF NOT EXISTS idx_%[1]s_indexed
    ON %[1]s (indexed);
CREATE TABLE IF NOT EXISTS %[2]s (
    key    TEXT PRIMARY KEY,
    value  TEXT NOT NULL
);
`, s.cfg.Table, s.metaTable())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	if err := s.checkMeta(ctx, tx); err != nil {
		return err
	}
	const ins = `INSERT OR IGNORE INTO %s (key, value) VALUES (?, ?)`
	for k, v := range map[string]int64{
		metaDimensions: int64(s.cfg.Dimensions),
		metaInterval:   s.cfg.PartitionInterval.Microseconds(),
	} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(ins, s.metaTable()), k, strconv.FormatInt(v, 10)); err != nil {
			return fmt.Errorf("store: write meta %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit schema: %w", err)
	}
	s.ready = true
	return nil
}

// BuildIndex builds the ANN graph over every stored record.
func (s *SQLiteIndex) BuildIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return errNoSchema(s.cfg.Table)
	}

	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.loadGraph(ctx, tx, ""); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE `+s.cfg.Table+` SET indexed = 1`); err != nil {
		return fmt.Errorf("store: mark indexed: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+s.metaTable()+` (key, value) VALUES (?, ?)`, metaANNState, annBuilt); err != nil {
		return fmt.Errorf("store: write meta %s: %w", metaANNState, err)
	}
	if err := tx.Commit(); err != nil {
		s.dropGraph()
		return fmt.Errorf("store: commit index: %w", err)
	}

	s.log.Info("store: ann graph built",
		slog.String("table", s.cfg.Table),
		slog.Int("nodes", len(s.graphIDs)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// loadGraph reads the selected rows and builds the graph over them.
func (s *SQLiteIndex) loadGraph(ctx context.Context, q queryRower, where string) error {
	rows, err := q.QueryContext(ctx, `SELECT id, embedding FROM `+s.cfg.Table+` `+where+` ORDER BY id`)
	if err != nil {
		return fmt.Errorf("store: load vectors: %w", err)
	}
	defer rows.Close()

	var ids []string
	var vecs [][]float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("store: load vectors scan: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		vecs = append(vecs, vec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: load vectors rows: %w", err)
	}

	s.dropGraph()
	s.graphed = make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return nil
	}
	g, err := ann.Build(ctx, vecs, rag.CosineDistance, s.cfg.Graph)
	if err != nil {
		return fmt.Errorf("store: build graph: %w", err)
	}
	s.graph = g
	s.graphIDs = ids
	for _, id := range ids {
		s.graphed[id] = struct{}{}
	}
	return nil
}

func (s *SQLiteIndex) dropGraph() {
	s.graph = nil
	s.graphIDs = nil
	s.graphed = nil
}

// DropIndex discards the ANN graph. Search falls back to an exact scan.
func (s *SQLiteIndex) DropIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return errNoSchema(s.cfg.Table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE `+s.cfg.Table+` SET indexed = 0`); err != nil {
		return fmt.Errorf("store: clear indexed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+s.metaTable()+` WHERE key = ?`, metaANNState); err != nil {
		return fmt.Errorf("store: clear meta %s: %w", metaANNState, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit drop index: %w", err)
	}
	s.dropGraph()
	return nil
}

// Upsert writes the batch in one transaction. Every record is validated
// before anything is written.
func (s *SQLiteIndex) Upsert(ctx context.Context, records []rag.Record) error {
	if len(records) == 0 {
		return nil
	}
	type row struct {
		rec       rag.Record
		createdAt time.Time
		metadata  []byte
	}
	prepared := make([]row, 0, len(records))
	for _, rec := range records {
		rec, err := rec.Normalize(s.cfg.Dimensions)
		if err != nil {
			return err
		}
		ts, _ := rag.TimeFromID(rec.ID)
		md, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("store: encode metadata for %s: %w", rec.ID, err)
		}
		prepared = append(prepared, row{rec: rec, createdAt: ts, metadata: md})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return errNoSchema(s.cfg.Table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO `+s.cfg.Table+
		` (id, partition, created_at, metadata, contents, embedding, indexed) VALUES (?, ?, ?, ?, ?, ?, 0)`)
	if err != nil {
		return fmt.Errorf("store: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range prepared {
		_, err := stmt.ExecContext(ctx,
			p.rec.ID,
			rag.PartitionOf(p.createdAt, s.cfg.PartitionInterval),
			p.createdAt.UnixMicro(),
			string(p.metadata),
			p.rec.Content,
			encodeVector(p.rec.Embedding),
		)
		if err != nil {
			return fmt.Errorf("store: upsert %s: %w", p.rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit upsert: %w", err)
	}

	for _, p := range prepared {
		delete(s.graphed, p.rec.ID)
	}
	return nil
}

// Search returns the nearest records that satisfy every filter in opts.
func (s *SQLiteIndex) Search(ctx context.Context, embedding []float32, opts rag.SearchOptions) ([]rag.SearchResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(embedding) != s.cfg.Dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d",
			rag.ErrInvalidArgument, len(embedding), s.cfg.Dimensions)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, errNoSchema(s.cfg.Table)
	}

	if s.graph != nil {
		res, complete, err := s.searchGraph(ctx, embedding, opts)
		if err != nil {
			return nil, err
		}
		if complete {
			return res, nil
		}
	}

	res, err := s.scan(ctx, embedding, opts, "", nil)
	if err != nil {
		return nil, err
	}
	return topK(res, opts.Limit), nil
}

// searchGraph merges graph candidates with rows written after the build.
// complete is false when filters rejected too many candidates and the
// caller should fall back to an exact scan.
func (s *SQLiteIndex) searchGraph(ctx context.Context, q []float32, opts rag.SearchOptions) ([]rag.SearchResult, bool, error) {
	k := min(opts.Limit*candidateFactor, s.graph.Len())
	nbs := s.graph.Search(q, k, max(s.cfg.Graph.SearchL, k))

	ids := make([]any, 0, len(nbs))
	for _, nb := range nbs {
		id := s.graphIDs[nb.Index]
		if _, ok := s.graphed[id]; ok {
			ids = append(ids, id)
		}
	}

	var res []rag.SearchResult
	if len(ids) > 0 {
		where := "indexed = 1 AND id IN (" + placeholders(len(ids)) + ")"
		hits, err := s.scan(ctx, q, opts, where, ids)
		if err != nil {
			return nil, false, err
		}
		res = append(res, hits...)
	}

	fresh, err := s.scan(ctx, q, opts, "indexed = 0", nil)
	if err != nil {
		return nil, false, err
	}
	res = append(res, fresh...)

	complete := len(res) >= opts.Limit || k >= s.graph.Len()
	return topK(res, opts.Limit), complete, nil
}

// scan reads the rows selected by where (plus time pruning), applies the
// metadata filters and computes exact distances. Results are unsorted.
func (s *SQLiteIndex) scan(ctx context.Context, q []float32, opts rag.SearchOptions, where string, args []any) ([]rag.SearchResult, error) {
	clauses := []string{}
	if where != "" {
		clauses = append(clauses, where)
	}
	if tr := opts.TimeRange; tr != nil {
		if !tr.Start.IsZero() {
			clauses = append(clauses, "partition >= ?", "created_at >= ?")
			lower := tr.Lower()
			args = append(args, rag.PartitionOf(lower, s.cfg.PartitionInterval), lower.UnixMicro())
		}
		if !tr.End.IsZero() {
			clauses = append(clauses, "partition <= ?", "created_at <= ?")
			args = append(args, rag.PartitionOf(tr.End, s.cfg.PartitionInterval), tr.End.UnixMicro())
		}
	}
	query := `SELECT id, metadata, contents, embedding FROM ` + s.cfg.Table
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	var out []rag.SearchResult
	for rows.Next() {
		var (
			res  rag.SearchResult
			md   string
			blob []byte
		)
		if err := rows.Scan(&res.ID, &md, &res.Content, &blob); err != nil {
			return nil, fmt.Errorf("store: search scan: %w", err)
		}
		if opts.TimeRange != nil {
			ts, err := rag.TimeFromID(res.ID)
			if err != nil || !opts.TimeRange.Contains(ts) {
				continue
			}
		}
		res.Metadata, err = rag.DecodeMetadata([]byte(md))
		if err != nil {
			return nil, fmt.Errorf("store: record %s: %w", res.ID, err)
		}
		if !opts.Filter.Matches(res.Metadata) || !opts.Predicates.Matches(res.Metadata) {
			continue
		}
		res.Embedding, err = decodeVector(blob)
		if err != nil {
			return nil, err
		}
		if len(res.Embedding) != len(q) {
			return nil, fmt.Errorf("%w: record %s has %d dimensions, index expects %d",
				rag.ErrSchema, res.ID, len(res.Embedding), len(q))
		}
		res.Distance = rag.CosineDistance(q, res.Embedding)
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: search rows: %w", err)
	}
	return out, nil
}

// Delete removes the records chosen by sel.
func (s *SQLiteIndex) Delete(ctx context.Context, sel rag.DeleteSelector) error {
	if err := sel.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return errNoSchema(s.cfg.Table)
	}

	if sel.All {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.cfg.Table); err != nil {
			return fmt.Errorf("store: delete all: %w", err)
		}
		s.graphed = map[string]struct{}{}
		return nil
	}

	ids := sel.IDs
	if len(sel.Filter) > 0 {
		var err error
		ids, err = s.matchingIDs(ctx, sel.Filter)
		if err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(ids); start += deleteChunk {
		chunk := ids[start:min(start+deleteChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		q := `DELETE FROM ` + s.cfg.Table + ` WHERE id IN (` + placeholders(len(chunk)) + `)`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("store: delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delete: %w", err)
	}
	for _, id := range ids {
		delete(s.graphed, id)
	}
	return nil
}

func (s *SQLiteIndex) matchingIDs(ctx context.Context, f rag.MetadataFilter) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, metadata FROM `+s.cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("store: delete select: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, md string
		if err := rows.Scan(&id, &md); err != nil {
			return nil, fmt.Errorf("store: delete scan: %w", err)
		}
		meta, err := rag.DecodeMetadata([]byte(md))
		if err != nil {
			return nil, fmt.Errorf("store: record %s: %w", id, err)
		}
		if f.Matches(meta) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: delete rows: %w", err)
	}
	return ids, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteIndex) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *SQLiteIndex) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

func errNoSchema(table string) error {
	return fmt.Errorf("%w: table %s does not exist, run CreateSchema first", rag.ErrSchema, table)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// topK sorts by ascending distance (ties by id) and keeps the first k.
func topK(res []rag.SearchResult, k int) []rag.SearchResult {
	sort.Slice(res, func(i, j int) bool {
		if res[i].Distance != res[j].Distance {
			return res[i].Distance < res[j].Distance
		}
		return res[i].ID < res[j].ID
	})
	if len(res) > k {
		res = res[:k]
	}
	if res == nil {
		res = []rag.SearchResult{}
	}
	return res
}
