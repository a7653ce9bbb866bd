package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/ragfaq/internal/rag"
	"github.com/54b3r/ragfaq/internal/rag/ragtest"
	"github.com/54b3r/ragfaq/internal/store"
)

const dataset = `question;answer;category
What are your shipping options?;We ship via standard and express.;Shipping
 How do I reset my password? ; Use the forgot password link. ;Account
"Can I pay; in parts?";Yes, with instalments.;Payments
`

func TestReadFAQ(t *testing.T) {
	t.Parallel()
	got, err := ReadFAQ(strings.NewReader(dataset), 0)
	if err != nil {
		t.Fatalf("ReadFAQ: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("rows = %d, want 3", len(got))
	}
	want := FAQ{Question: "How do I reset my password?", Answer: "Use the forgot password link.", Category: "Account"}
	if got[1] != want {
		t.Errorf("row 2 = %+v, want %+v", got[1], want)
	}
	if got[2].Question != "Can I pay; in parts?" {
		t.Errorf("quoted delimiter not preserved: %q", got[2].Question)
	}
	if c := got[0].Content(); c != "Question: What are your shipping options?\nAnswer: We ship via standard and express." {
		t.Errorf("content = %q", c)
	}
}

func TestReadFAQ_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		wantArg bool
	}{
		{name: "empty", input: "", wantArg: true},
		{name: "missing answer column", input: "question;category\nq;c\n", wantArg: true},
		{name: "empty answer", input: "question;answer;category\nq;  ;c\n", wantArg: true},
		{name: "empty question", input: "question;answer\n;a\n", wantArg: true},
		{name: "wrong field count", input: "question;answer;category\nq;a\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadFAQ(strings.NewReader(tt.input), ';')
			if err == nil {
				t.Fatal("want error, got nil")
			}
			if tt.wantArg && !errors.Is(err, rag.ErrInvalidArgument) {
				t.Errorf("want ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestReadFAQ_CustomDelimiterAndOrder(t *testing.T) {
	t.Parallel()
	got, err := ReadFAQ(strings.NewReader("category,answer,question\nShipping,Two days.,How fast?\n"), ',')
	if err != nil {
		t.Fatalf("ReadFAQ: %v", err)
	}
	if len(got) != 1 || got[0].Question != "How fast?" || got[0].Category != "Shipping" {
		t.Errorf("got %+v", got)
	}
}

// recordingIndex captures every call made by the pipeline.
type recordingIndex struct {
	mu        sync.Mutex
	batches   [][]rag.Record
	created   bool
	built     bool
	upsertErr error
}

func (r *recordingIndex) CreateSchema(context.Context) error { r.created = true; return nil }
func (r *recordingIndex) BuildIndex(context.Context) error { r.built = true; return nil }
func (r *recordingIndex) DropIndex(context.Context) error { return nil }
func (r *recordingIndex) Upsert(_ context.Context, recs []rag.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.batches = append(r.batches, recs)
	return nil
}
func (r *recordingIndex) Search(context.Context, []float32, rag.SearchOptions) ([]rag.SearchResult, error) {
	return nil, nil
}
func (r *recordingIndex) Delete(context.Context, rag.DeleteSelector) error { return nil }
func (r *recordingIndex) Close() error { return nil }

func entries(n int) []FAQ {
	out := make([]FAQ, n)
	for i := range out {
		out[i] = FAQ{Question: fmt.Sprintf("question %d", i), Answer: fmt.Sprintf("answer %d", i), Category: "General"}
	}
	return out
}

func TestIngest_BatchesInOrder(t *testing.T) {
	t.Parallel()
	idx := &recordingIndex{}
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	p, err := NewPipeline(ragtest.NewHashEmbedder(16), idx, &Config{
		BatchSize:    2,
		Concurrency:  3,
		CreateSchema: true,
		BuildIndex:   true,
		Now:          func() time.Time { return at },
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	var msgs []string
	n, err := p.Ingest(context.Background(), entries(5), func(m string) { msgs = append(msgs, m) })
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 5 {
		t.Errorf("written = %d, want 5", n)
	}
	if !idx.created || !idx.built {
		t.Errorf("created=%v built=%v, want both", idx.created, idx.built)
	}
	if len(idx.batches) != 3 || len(idx.batches[2]) != 1 {
		t.Fatalf("batches = %d, want sizes 2,2,1", len(idx.batches))
	}

	seen := map[string]bool{}
	for bi, batch := range idx.batches {
		for ri, rec := range batch {
			want := fmt.Sprintf("Question: question %d\nAnswer: answer %d", bi*2+ri, bi*2+ri)
			if rec.Content != want {
				t.Errorf("batch %d row %d content = %q, want %q", bi, ri, rec.Content, want)
			}
			if rec.Metadata["category"] != "General" || rec.Metadata["created_at"] != "2024-05-01T09:30:00Z" {
				t.Errorf("metadata = %v", rec.Metadata)
			}
			ts, err := rag.TimeFromID(rec.ID)
			if err != nil || !ts.Equal(at) {
				t.Errorf("id %s time = %v (%v), want %v", rec.ID, ts, err, at)
			}
			if seen[rec.ID] {
				t.Errorf("duplicate id %s", rec.ID)
			}
			seen[rec.ID] = true
		}
	}
	if last := msgs[len(msgs)-1]; last != "index built" {
		t.Errorf("last progress = %q", last)
	}
}

func TestIngest_EmbeddingFailureWritesNothing(t *testing.T) {
	t.Parallel()
	idx := &recordingIndex{}
	emb := ragtest.NewHashEmbedder(16)
	emb.Err = fmt.Errorf("%w: quota exceeded", rag.ErrEmbeddingService)
	p, err := NewPipeline(emb, idx, &Config{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	n, err := p.Ingest(context.Background(), entries(4), nil)
	if !errors.Is(err, rag.ErrEmbeddingService) {
		t.Fatalf("want ErrEmbeddingService, got %v", err)
	}
	if n != 0 || len(idx.batches) != 0 {
		t.Errorf("written = %d batches = %d, want none", n, len(idx.batches))
	}
}

func TestIngest_UpsertFailure(t *testing.T) {
	t.Parallel()
	idx := &recordingIndex{upsertErr: errors.New("disk full")}
	p, err := NewPipeline(ragtest.NewHashEmbedder(16), idx, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if _, err := p.Ingest(context.Background(), entries(1), nil); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("want upsert error, got %v", err)
	}
}

func TestIngest_IntoSQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	emb := ragtest.NewHashEmbedder(32)
	idx, err := store.Open(ctx, store.Config{Path: ":memory:", Dimensions: 32})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	rows, err := ReadFAQ(strings.NewReader(dataset), ';')
	if err != nil {
		t.Fatalf("ReadFAQ: %v", err)
	}
	p, err := NewPipeline(emb, idx, &Config{CreateSchema: true, BuildIndex: true})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if _, err := p.Ingest(ctx, rows, nil); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	res, err := idx.Search(ctx, emb.Vector(rows[1].Content()), rag.SearchOptions{Limit: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 1 || res[0].Metadata["category"] != "Account" {
		t.Errorf("nearest = %+v, want the Account entry", res)
	}
}

func TestNewPipeline_Validation(t *testing.T) {
	t.Parallel()
	if _, err := NewPipeline(nil, &recordingIndex{}, nil); err == nil {
		t.Error("want error for nil embedder")
	}
	if _, err := NewPipeline(ragtest.NewHashEmbedder(4), nil, nil); err == nil {
		t.Error("want error for nil index")
	}
}

func TestOpen_LocalAndRemote(t *testing.T) {
	t.Parallel()
	p, err := NewPipeline(ragtest.NewHashEmbedder(4), &recordingIndex{}, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	path := filepath.Join(t.TempDir(), "faq.csv")
	if err := os.WriteFile(path, []byte(dataset), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/faq.csv" {
			http.NotFound(w, r)
			return
		}
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "ragfaq/") {
			t.Errorf("user agent = %q", ua)
		}
		_, _ = io.WriteString(w, dataset)
	}))
	t.Cleanup(srv.Close)

	for _, src := range []string{path, srv.URL + "/faq.csv"} {
		rc, err := p.Open(context.Background(), src)
		if err != nil {
			t.Fatalf("Open(%s): %v", src, err)
		}
		rows, err := ReadFAQ(rc, 0)
		rc.Close()
		if err != nil || len(rows) != 3 {
			t.Errorf("Open(%s): rows=%d err=%v", src, len(rows), err)
		}
	}

	if _, err := p.Open(context.Background(), srv.URL+"/missing.csv"); err == nil {
		t.Error("want error for 404")
	}
}
