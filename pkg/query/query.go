// Package query holds the result-shaping inputs: field selection, relation
// inclusion, ordering, and pagination. A *Query recurses into related entities
// through Include, mirroring the relation graph to the depth the caller asks for.
package query

// Direction orders rows ascending or descending.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// NullPlacement controls where NULL values sort. MySQL has no NULLS FIRST/LAST
// clause, so the compiler lowers placement to an ISNULL() prefix ordering.
type NullPlacement int

const (
	NullsDefault NullPlacement = iota
	NullsFirst
	NullsLast
)

// Order is one sort term. Exactly one of Field or RelationCount is set;
// RelationCount orders parents by the number of rows in a one-to-many relation.
type Order struct {
	Field         string
	RelationCount string
	Direction     Direction
	Nulls         NullPlacement
}

// OrderAsc builds an ascending field sort.
func OrderAsc(field string) Order {
	return Order{Field: field, Direction: Asc}
}

// OrderDesc builds a descending field sort.
func OrderDesc(field string) Order {
	return Order{Field: field, Direction: Desc}
}

// ByRelationCount orders by the size of a one-to-many relation.
func ByRelationCount(relation string, dir Direction) Order {
	return Order{RelationCount: relation, Direction: dir}
}

// Cursor is an opaque pagination boundary produced by a previous page.
type Cursor string

// Page is the pagination window. Take applies after Skip; a negative Take
// with a cursor pages backward from the boundary. Cursor pagination is
// preferred over offsets for append-only facts (executions, coverage) where
// concurrent inserts make offsets drift.
type Page struct {
	Take   int
	Skip   int
	Cursor Cursor
}

// Query shapes one level of a read: either an explicit scalar Select or an
// Include of default scalars plus named relations (mutually exclusive; the
// compiler rejects a level with both), plus ordering, pagination, and Distinct.
type Query struct {
	Select   []string
	Include  map[string]*Query
	OrderBy  []Order
	Page     Page
	Distinct []string
}
