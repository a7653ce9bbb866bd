package rag

import (
	"errors"
	"testing"
	"time"
)

func TestQdrantFilter_Empty(t *testing.T) {
	t.Parallel()
	f, err := qdrantFilter(SearchOptions{Limit: 5})
	if err != nil {
		t.Fatalf("qdrantFilter: %v", err)
	}
	if f != nil {
		t.Errorf("want nil filter, got %v", f)
	}
}

func TestQdrantFilter_SingleGroup(t *testing.T) {
	t.Parallel()
	f, err := qdrantFilter(SearchOptions{Filter: MetadataFilter{{"category": "Shipping", "views": 3}}})
	if err != nil {
		t.Fatalf("qdrantFilter: %v", err)
	}
	if len(f.GetMust()) != 2 {
		t.Fatalf("must conditions = %d, want 2", len(f.GetMust()))
	}
	for _, c := range f.GetMust() {
		key := c.GetField().GetKey()
		if key != "metadata.category" && key != "metadata.views" {
			t.Errorf("unexpected key %q", key)
		}
	}
}

func TestQdrantFilter_OrGroups(t *testing.T) {
	t.Parallel()
	f, err := qdrantFilter(SearchOptions{Filter: MetadataFilter{{"category": "A"}, {"category": "B"}}})
	if err != nil {
		t.Fatalf("qdrantFilter: %v", err)
	}
	if len(f.GetMust()) != 1 {
		t.Fatalf("must conditions = %d, want 1", len(f.GetMust()))
	}
	if got := len(f.GetMust()[0].GetFilter().GetShould()); got != 2 {
		t.Errorf("should groups = %d, want 2", got)
	}
}

func TestQdrantFilter_TimeRange(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f, err := qdrantFilter(SearchOptions{TimeRange: &TimeRange{Start: start}})
	if err != nil {
		t.Fatalf("qdrantFilter: %v", err)
	}
	c := f.GetMust()[0].GetField()
	if c.GetKey() != qdrantCreatedAtKey {
		t.Errorf("key = %q, want %q", c.GetKey(), qdrantCreatedAtKey)
	}
	if got := c.GetRange().GetGte(); got != float64(start.UnixMicro()) {
		t.Errorf("gte = %v, want %v", got, float64(start.UnixMicro()))
	}
	if c.GetRange().Lte != nil {
		t.Error("open end must not set lte")
	}
}

func TestQdrantFilter_IntegerMatchesAsRange(t *testing.T) {
	t.Parallel()
	f, err := qdrantFilter(SearchOptions{Filter: MetadataFilter{{"views": 3}}})
	if err != nil {
		t.Fatalf("qdrantFilter: %v", err)
	}
	c := f.GetMust()[0].GetField()
	if c.GetMatch() != nil {
		t.Fatal("integer equality must not use a match condition")
	}
	r := c.GetRange()
	if r.GetGte() != 3 || r.GetLte() != 3 {
		t.Errorf("range = [%v, %v], want [3, 3]", r.GetGte(), r.GetLte())
	}
}

func TestNewQdrantIndex_RejectsSubSecondInterval(t *testing.T) {
	t.Parallel()
	_, err := NewQdrantIndex(QdrantConfig{Collection: "faq", Dimensions: 4, PartitionInterval: 500 * time.Nanosecond})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("want ErrInvalidArgument, got %v", err)
	}
}

func TestQdrantPredicate(t *testing.T) {
	t.Parallel()
	c, err := qdrantPredicate(And(
		Where("views", OpGreaterThan, 10),
		Where("category", OpNotEqual, "Billing"),
	))
	if err != nil {
		t.Fatalf("qdrantPredicate: %v", err)
	}
	must := c.GetFilter().GetMust()
	if len(must) != 2 {
		t.Fatalf("must = %d, want 2", len(must))
	}
	if got := must[0].GetField().GetRange().GetGt(); got != 10 {
		t.Errorf("gt = %v, want 10", got)
	}
	if got := len(must[1].GetFilter().GetMustNot()); got != 2 {
		t.Errorf("!= must_not conditions = %d, want 2", got)
	}
}
