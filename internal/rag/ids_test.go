package rag

import (
	"errors"
	"testing"
	"time"
)

func TestNewID_RoundTripsTime(t *testing.T) {
	t.Parallel()
	want := time.Date(2024, 3, 14, 15, 9, 26, 535897900, time.UTC)
	id := NewID(want)

	got, err := TimeFromID(id)
	if err != nil {
		t.Fatalf("TimeFromID: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("TimeFromID = %s, want %s", got, want)
	}
}

func TestNewID_Unique(t *testing.T) {
	t.Parallel()
	now := time.Now()
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		id := NewID(now)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestTimeFromID_RejectsNonV1(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"not-a-uuid", "6ba7b810-9dad-41d1-80b4-00c04fd430c8"} {
		if _, err := TimeFromID(id); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("TimeFromID(%q): want ErrInvalidArgument, got %v", id, err)
		}
	}
}

func TestPartitionOf(t *testing.T) {
	t.Parallel()
	week := 7 * 24 * time.Hour
	a := time.Unix(0, 0)
	if got := PartitionOf(a, week); got != 0 {
		t.Errorf("PartitionOf(epoch) = %d, want 0", got)
	}
	if got := PartitionOf(a.Add(week), week); got != 1 {
		t.Errorf("PartitionOf(epoch+1w) = %d, want 1", got)
	}
	if got := PartitionOf(a.Add(-time.Second), week); got != -1 {
		t.Errorf("PartitionOf(epoch-1s) = %d, want -1", got)
	}
	if got := PartitionOf(a.Add(week), 500*time.Nanosecond); got != 0 {
		t.Errorf("PartitionOf(sub-microsecond interval) = %d, want 0", got)
	}
}

func TestCheckPartitionInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		interval time.Duration
		wantErr  bool
	}{
		{0, false},
		{-time.Hour, false},
		{time.Second, false},
		{7 * 24 * time.Hour, false},
		{500 * time.Nanosecond, true},
		{999 * time.Millisecond, true},
	}
	for _, tc := range tests {
		err := CheckPartitionInterval(tc.interval)
		if tc.wantErr && !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("CheckPartitionInterval(%s): want ErrInvalidArgument, got %v", tc.interval, err)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("CheckPartitionInterval(%s): unexpected error %v", tc.interval, err)
		}
	}
}

func TestRecord_Normalize(t *testing.T) {
	t.Parallel()
	rec := Record{ID: NewID(time.Now()), Content: "x", Embedding: []float32{1, 2, 3}}
	if _, err := rec.Normalize(3); err != nil {
		t.Errorf("Normalize: %v", err)
	}
	if _, err := rec.Normalize(4); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("wrong dimension: want ErrInvalidArgument, got %v", err)
	}
	rec.Metadata = map[string]any{"content": "clash"}
	if _, err := rec.Normalize(3); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("reserved key: want ErrInvalidArgument, got %v", err)
	}
}

func TestCosineDistance(t *testing.T) {
	t.Parallel()
	cases := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 0},
		{[]float32{1, 0}, []float32{0, 1}, 1},
		{[]float32{1, 0}, []float32{-1, 0}, 2},
		{[]float32{0, 0}, []float32{1, 0}, 1},
		{[]float32{2, 0}, []float32{5, 0}, 0},
	}
	for _, tc := range cases {
		got := CosineDistance(tc.a, tc.b)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("CosineDistance(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
