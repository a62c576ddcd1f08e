// Package aggregate defines aggregate selections, groupBy specifications, and
// their typed result rows. Validation (numeric-only avg/sum, having/orderBy
// restricted to grouped fields) happens at compile time, before storage.
package aggregate

import "testhealth/pkg/query"

// Selection picks which aggregates to compute. CountAll is COUNT(*); Count
// lists per-field non-null counts; Avg and Sum accept numeric fields only.
type Selection struct {
	CountAll bool
	Count    []string
	Avg      []string
	Sum      []string
	Min      []string
	Max      []string
}

// IsZero reports whether nothing was selected.
func (s Selection) IsZero() bool {
	return !s.CountAll && len(s.Count) == 0 && len(s.Avg) == 0 &&
		len(s.Sum) == 0 && len(s.Min) == 0 && len(s.Max) == 0
}

// Result is one aggregate row. Per-field maps are keyed by field name; Avg and
// Sum are nil-valued for empty sets (SQL NULL), matching AVG/SUM semantics.
type Result struct {
	CountAll int64
	Count    map[string]int64
	Avg      map[string]*float64
	Sum      map[string]*float64
	Min      map[string]any
	Max      map[string]any
}

// HavingAgg names the aggregate an individual having term constrains.
type HavingAgg string

const (
	HavingCount HavingAgg = "_count"
	HavingAvg   HavingAgg = "_avg"
	HavingSum   HavingAgg = "_sum"
	HavingMin   HavingAgg = "_min"
	HavingMax   HavingAgg = "_max"
	// HavingField constrains a field from the grouping key itself.
	HavingField HavingAgg = "_field"
)

// HavingOp is the comparator for a having term.
type HavingOp string

const (
	HavingEq  HavingOp = "equals"
	HavingNe  HavingOp = "not"
	HavingLt  HavingOp = "lt"
	HavingLte HavingOp = "lte"
	HavingGt  HavingOp = "gt"
	HavingGte HavingOp = "gte"
)

// Having is one post-grouping predicate term. Field is empty for _count over
// all rows. Terms referencing a field must either aggregate it or name a field
// in the grouping key; anything else is rejected at compile time.
type Having struct {
	Agg   HavingAgg
	Field string
	Op    HavingOp
	Value any
}

// CountGt is shorthand for "group row count greater than n".
func CountGt(n int64) Having {
	return Having{Agg: HavingCount, Op: HavingGt, Value: n}
}

// GroupOrder sorts group rows by a grouped field or by an aggregate.
type GroupOrder struct {
	Agg       HavingAgg // HavingField to sort by a grouped field
	Field     string
	Direction query.Direction
}

// GroupBy partitions rows by a field list and computes Select per partition.
// Take/Skip/OrderBy apply to the grouped result rows, not the underlying rows.
type GroupBy struct {
	By      []string
	Select  Selection
	Having  []Having
	OrderBy []GroupOrder
	Take    int
	Skip    int
}

// Group is one groupBy result row keyed by the grouping field values.
type Group struct {
	Key map[string]any
	Result
}
