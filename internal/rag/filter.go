package rag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// MetadataFilter matches a record when at least one of its maps is fully
// contained in the record's metadata. A single map is therefore an AND of
// equalities and a list of maps is an OR of those groups. A nil filter
// matches everything.
type MetadataFilter []map[string]any

// Operator is a comparison used by a leaf Predicate.
type Operator string

// Supported predicate operators.
const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLessThan     Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreaterThan  Operator = ">"
	OpGreaterEqual Operator = ">="
)

// Predicate is a boolean expression over metadata fields. A node is either a
// leaf comparison (Field, Op, Value) or a group (And or Or), never both.
type Predicate struct {
	Field string   `json:"field,omitempty"`
	Op    Operator `json:"op,omitempty"`
	Value any      `json:"value,omitempty"`

	And []*Predicate `json:"and,omitempty"`
	Or  []*Predicate `json:"or,omitempty"`
}

// Where returns a leaf predicate comparing field with value.
func Where(field string, op Operator, value any) *Predicate {
	return &Predicate{Field: field, Op: op, Value: value}
}

// And returns a predicate that holds when every child holds.
func And(children ...*Predicate) *Predicate {
	return &Predicate{And: children}
}

// Or returns a predicate that holds when any child holds.
func Or(children ...*Predicate) *Predicate {
	return &Predicate{Or: children}
}

// TimeRange is an inclusive interval over record timestamps. A zero Start or
// End leaves that side unbounded.
type TimeRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// reservedKeys are the flattened result columns metadata may not shadow.
var reservedKeys = map[string]struct{}{
	"id":        {},
	"content":   {},
	"embedding": {},
	"distance":  {},
}

// IsReservedKey reports whether key collides with a result column.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// Validate checks the options and returns ErrInvalidArgument on any problem.
func (o SearchOptions) Validate() error {
	if o.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidArgument, o.Limit)
	}
	if err := o.Filter.Validate(); err != nil {
		return err
	}
	if o.Predicates != nil {
		if err := o.Predicates.Validate(); err != nil {
			return err
		}
	}
	if o.TimeRange != nil {
		if err := o.TimeRange.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that exactly one selector is set.
func (d DeleteSelector) Validate() error {
	set := 0
	if len(d.IDs) > 0 {
		set++
	}
	if len(d.Filter) > 0 {
		set++
	}
	if d.All {
		set++
	}
	if set != 1 {
		return ErrAmbiguousDeletion
	}
	return d.Filter.Validate()
}

// Validate checks that every key is non-empty and every value is a scalar.
func (f MetadataFilter) Validate() error {
	for i, group := range f {
		for k, v := range group {
			if k == "" {
				return fmt.Errorf("%w: filter %d has an empty key", ErrInvalidArgument, i)
			}
			if _, err := NormalizeValue(v); err != nil {
				return fmt.Errorf("%w: filter %d key %q: %v", ErrInvalidArgument, i, k, err)
			}
		}
	}
	return nil
}

// Matches reports whether metadata satisfies the filter.
func (f MetadataFilter) Matches(metadata map[string]any) bool {
	if len(f) == 0 {
		return true
	}
	for _, group := range f {
		if containsAll(metadata, group) {
			return true
		}
	}
	return false
}

func containsAll(metadata, group map[string]any) bool {
	for k, want := range group {
		got, ok := metadata[k]
		if !ok || !compareEqual(got, want) {
			return false
		}
	}
	return true
}

// Validate checks the expression tree.
func (p *Predicate) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil predicate", ErrInvalidArgument)
	}
	groups := 0
	if len(p.And) > 0 {
		groups++
	}
	if len(p.Or) > 0 {
		groups++
	}
	leaf := p.Field != "" || p.Op != ""
	switch {
	case groups > 1 || (groups == 1 && leaf):
		return fmt.Errorf("%w: predicate must be a comparison or a single and/or group", ErrInvalidArgument)
	case groups == 0 && !leaf:
		return fmt.Errorf("%w: empty predicate", ErrInvalidArgument)
	}
	for _, children := range [][]*Predicate{p.And, p.Or} {
		for _, child := range children {
			if err := child.Validate(); err != nil {
				return err
			}
		}
	}
	if groups == 1 {
		return nil
	}

	if p.Field == "" {
		return fmt.Errorf("%w: predicate field must not be empty", ErrInvalidArgument)
	}
	v, err := NormalizeValue(p.Value)
	if err != nil {
		return fmt.Errorf("%w: predicate %q: %v", ErrInvalidArgument, p.Field, err)
	}
	switch p.Op {
	case OpEqual, OpNotEqual:
	case OpLessThan, OpLessEqual, OpGreaterThan, OpGreaterEqual:
		if _, ok := asFloat64(v); !ok {
			return fmt.Errorf("%w: predicate %q: operator %s needs a numeric value", ErrInvalidArgument, p.Field, p.Op)
		}
	default:
		return fmt.Errorf("%w: predicate %q: unknown operator %q", ErrInvalidArgument, p.Field, p.Op)
	}
	return nil
}

// Matches evaluates the expression against metadata. A missing field never
// satisfies a comparison, including !=.
func (p *Predicate) Matches(metadata map[string]any) bool {
	if p == nil {
		return true
	}
	if len(p.And) > 0 {
		for _, child := range p.And {
			if !child.Matches(metadata) {
				return false
			}
		}
		return true
	}
	if len(p.Or) > 0 {
		for _, child := range p.Or {
			if child.Matches(metadata) {
				return true
			}
		}
		return false
	}

	got, ok := metadata[p.Field]
	if !ok {
		return false
	}
	switch p.Op {
	case OpEqual:
		return compareEqual(got, p.Value)
	case OpNotEqual:
		return !compareEqual(got, p.Value)
	case OpLessThan:
		return compareNumbers(got, p.Value, func(a, b float64) bool { return a < b })
	case OpLessEqual:
		return compareNumbers(got, p.Value, func(a, b float64) bool { return a <= b })
	case OpGreaterThan:
		return compareNumbers(got, p.Value, func(a, b float64) bool { return a > b })
	case OpGreaterEqual:
		return compareNumbers(got, p.Value, func(a, b float64) bool { return a >= b })
	default:
		return false
	}
}

// Validate rejects a range whose start is after its end.
func (r *TimeRange) Validate() error {
	if r == nil {
		return nil
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.Start.After(r.End) {
		return fmt.Errorf("%w: time range start %s is after end %s",
			ErrInvalidArgument, r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}

// Lower returns Start truncated to IDResolution. A record minted at Start
// reads back at this instant, so every backend compares against it.
func (r *TimeRange) Lower() time.Time {
	return r.Start.Truncate(IDResolution)
}

// Contains reports whether t lies inside the inclusive range.
func (r *TimeRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.Start.IsZero() && t.Before(r.Lower()) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// NormalizeValue converts a metadata value to one of string, bool, int64 or
// float64. Nested values and nil are rejected.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", x.String())
		}
		return f, nil
	case nil:
		return nil, fmt.Errorf("null values are not supported")
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// NormalizeMetadata returns a copy of m with every value normalized. Empty
// keys, reserved keys and non-scalar values are rejected.
func NormalizeMetadata(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "" {
			return nil, fmt.Errorf("%w: metadata key must not be empty", ErrInvalidArgument)
		}
		if IsReservedKey(k) {
			return nil, fmt.Errorf("%w: metadata key %q is reserved", ErrInvalidArgument, k)
		}
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata key %q: %v", ErrInvalidArgument, k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// DecodeMetadata parses stored JSON metadata, keeping integers as int64.
func DecodeMetadata(data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(data) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("rag: decode metadata: %w", err)
	}
	for k, v := range raw {
		nv, err := NormalizeValue(v)
		if err != nil {
			// Nested values written by other tools are kept verbatim.
			out[k] = v
			continue
		}
		out[k] = nv
	}
	return out, nil
}

func compareEqual(a, b any) bool {
	na, errA := NormalizeValue(a)
	nb, errB := NormalizeValue(b)
	if errA != nil || errB != nil {
		return false
	}
	fa, okA := asFloat64(na)
	fb, okB := asFloat64(nb)
	if okA && okB {
		ia, intA := na.(int64)
		ib, intB := nb.(int64)
		if intA && intB {
			return ia == ib
		}
		return fa == fb
	}
	return na == nb
}

func compareNumbers(a, b any, cmp func(a, b float64) bool) bool {
	na, errA := NormalizeValue(a)
	nb, errB := NormalizeValue(b)
	if errA != nil || errB != nil {
		return false
	}
	fa, okA := asFloat64(na)
	fb, okB := asFloat64(nb)
	if !okA || !okB {
		return false
	}
	return cmp(fa, fb)
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
