// Package filter is the predicate DSL for the query engine: composable boolean
// trees over one entity's scalar fields, JSON paths, and relations. Filters are
// plain immutable values; validation against the schema and lowering to SQL
// happen in the compiler, before any storage call is made.
package filter

// Op is a scalar comparison operator.
type Op string

const (
	OpEquals     Op = "equals"
	OpNot        Op = "not"
	OpIn         Op = "in"
	OpNotIn      Op = "notIn"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
	OpIsNull     Op = "isNull"
)

// Mode selects case sensitivity for string comparisons.
type Mode int

const (
	ModeDefault Mode = iota
	ModeInsensitive
)

// Cond is a single scalar field condition.
type Cond struct {
	Field string
	Op    Op
	Value any
	Mode  Mode
}

// Insensitive returns a copy of the condition with case-insensitive matching.
func (c Cond) Insensitive() Cond {
	c.Mode = ModeInsensitive
	return c
}

func Eq(field string, v any) Cond    { return Cond{Field: field, Op: OpEquals, Value: v} }
func Ne(field string, v any) Cond    { return Cond{Field: field, Op: OpNot, Value: v} }
func In(field string, vs ...any) Cond {
	return Cond{Field: field, Op: OpIn, Value: vs}
}
func NotIn(field string, vs ...any) Cond {
	return Cond{Field: field, Op: OpNotIn, Value: vs}
}
func Lt(field string, v any) Cond  { return Cond{Field: field, Op: OpLt, Value: v} }
func Lte(field string, v any) Cond { return Cond{Field: field, Op: OpLte, Value: v} }
func Gt(field string, v any) Cond  { return Cond{Field: field, Op: OpGt, Value: v} }
func Gte(field string, v any) Cond { return Cond{Field: field, Op: OpGte, Value: v} }

func Contains(field, s string) Cond   { return Cond{Field: field, Op: OpContains, Value: s} }
func StartsWith(field, s string) Cond { return Cond{Field: field, Op: OpStartsWith, Value: s} }
func EndsWith(field, s string) Cond   { return Cond{Field: field, Op: OpEndsWith, Value: s} }

// IsNull matches SQL NULL (or NOT NULL when isNull is false).
func IsNull(field string, isNull bool) Cond {
	return Cond{Field: field, Op: OpIsNull, Value: isNull}
}

// JSONOp is an operator applied at a JSON path.
type JSONOp string

const (
	JSONEquals         JSONOp = "equals"
	JSONStringContains JSONOp = "string_contains"
	JSONStringStarts   JSONOp = "string_starts_with"
	JSONStringEnds     JSONOp = "string_ends_with"
	JSONArrayContains  JSONOp = "array_contains"
	JSONArrayStarts    JSONOp = "array_starts_with"
	JSONArrayEnds      JSONOp = "array_ends_with"
	JSONNullIs         JSONOp = "null_is"
)

// NullKind discriminates the three null states of a nullable JSON column.
// Collapsing these produces incorrect results, so they are distinct values:
// DBNull matches only a missing column value, JSONNull matches only a stored
// JSON literal null, AnyNull matches either.
type NullKind int

const (
	DBNull NullKind = iota
	JSONNull
	AnyNull
)

// JSONCond is a condition on a JSON field, optionally addressed at a nested path.
type JSONCond struct {
	Field string
	Path  []string
	Op    JSONOp
	Value any
	Null  NullKind
}

func JSONEq(field string, path []string, v any) JSONCond {
	return JSONCond{Field: field, Path: path, Op: JSONEquals, Value: v}
}

func JSONHasString(field string, path []string, s string) JSONCond {
	return JSONCond{Field: field, Path: path, Op: JSONStringContains, Value: s}
}

func JSONStringStartsWith(field string, path []string, s string) JSONCond {
	return JSONCond{Field: field, Path: path, Op: JSONStringStarts, Value: s}
}

func JSONStringEndsWith(field string, path []string, s string) JSONCond {
	return JSONCond{Field: field, Path: path, Op: JSONStringEnds, Value: s}
}

func JSONHasElement(field string, path []string, v any) JSONCond {
	return JSONCond{Field: field, Path: path, Op: JSONArrayContains, Value: v}
}

func JSONFirstElement(field string, path []string, v any) JSONCond {
	return JSONCond{Field: field, Path: path, Op: JSONArrayStarts, Value: v}
}

func JSONLastElement(field string, path []string, v any) JSONCond {
	return JSONCond{Field: field, Path: path, Op: JSONArrayEnds, Value: v}
}

// JSONIsNull builds the three-way null test for a JSON column.
func JSONIsNull(field string, kind NullKind) JSONCond {
	return JSONCond{Field: field, Op: JSONNullIs, Null: kind}
}

// Quantifier binds a nested predicate over a relation's rows.
type Quantifier int

const (
	// QuantSome: at least one related row satisfies the predicate.
	QuantSome Quantifier = iota
	// QuantEvery: all related rows satisfy it; vacuously true for zero rows.
	QuantEvery
	// QuantNone: no related row satisfies it.
	QuantNone
)

// RelationCond applies a quantified nested predicate to a relation.
type RelationCond struct {
	Relation   string
	Quantifier Quantifier
	Where      Where
}

func Some(relation string, where Where) RelationCond {
	return RelationCond{Relation: relation, Quantifier: QuantSome, Where: where}
}

func Every(relation string, where Where) RelationCond {
	return RelationCond{Relation: relation, Quantifier: QuantEvery, Where: where}
}

func None(relation string, where Where) RelationCond {
	return RelationCond{Relation: relation, Quantifier: QuantNone, Where: where}
}

// Where is a boolean predicate tree. All populated members are conjoined:
// the direct conditions, each And branch, the disjunction of the Or branches,
// and the negation of each Not branch. An empty And list is true and an empty
// Or list is false, matching relational convention.
type Where struct {
	And       []Where
	Or        []Where
	Not       []Where
	Conds     []Cond
	JSON      []JSONCond
	Relations []RelationCond
}

// Of wraps scalar conditions in a Where.
func Of(conds ...Cond) Where {
	return Where{Conds: conds}
}

// All conjoins predicate trees.
func All(wheres ...Where) Where {
	return Where{And: wheres}
}

// Any disjoins predicate trees. With no branches the disjunction is false,
// so the predicate matches nothing.
func Any(wheres ...Where) Where {
	if wheres == nil {
		wheres = []Where{}
	}
	return Where{Or: wheres}
}

// Negate negates predicate trees.
func Negate(wheres ...Where) Where {
	return Where{Not: wheres}
}

// IsZero reports whether the predicate is empty (matches everything). A
// non-nil empty Or is not zero: the empty disjunction is false.
func (w Where) IsZero() bool {
	return len(w.And) == 0 && w.Or == nil && len(w.Not) == 0 &&
		len(w.Conds) == 0 && len(w.JSON) == 0 && len(w.Relations) == 0
}
