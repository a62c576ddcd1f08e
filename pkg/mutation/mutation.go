// Package mutation defines the write inputs: create/update payloads, atomic
// numeric operations, and nested relation writes. Inputs are plain values;
// the compiler validates them against the schema and lowers them into an
// ordered statement list executed inside one transaction.
package mutation

import "testhealth/pkg/filter"

// NumericOp is an atomic arithmetic update applied in the database, never as a
// client-side read-modify-write.
type NumericOp int

const (
	OpIncrement NumericOp = iota
	OpDecrement
	OpMultiply
	OpDivide
)

// FieldOp wraps a numeric delta inside an update payload.
type FieldOp struct {
	Op    NumericOp
	Value any
}

func Increment(v any) FieldOp { return FieldOp{Op: OpIncrement, Value: v} }
func Decrement(v any) FieldOp { return FieldOp{Op: OpDecrement, Value: v} }
func Multiply(v any) FieldOp  { return FieldOp{Op: OpMultiply, Value: v} }
func Divide(v any) FieldOp    { return FieldOp{Op: OpDivide, Value: v} }

// Data maps field names to values. In update payloads a value may be a FieldOp;
// any other value means plain assignment. Fields absent from the map are left
// untouched; absence and explicit null are distinct states.
type Data map[string]any

// Create is a single-row create with optional nested relation writes.
type Create struct {
	Data      Data
	Relations []RelationWrite
}

// CreateMany is a batch insert. Without SkipDuplicates a unique collision
// aborts the whole batch; with it, colliding rows are skipped per-row and the
// rest land. Partial application never happens implicitly.
type CreateMany struct {
	Rows           []Data
	SkipDuplicates bool
}

// ConnectOrCreate connects an existing row by unique key, creating it first
// when the lookup finds nothing.
type ConnectOrCreate struct {
	Where  filter.Unique
	Create Data
}

// NestedUpdate updates one related row addressed by a nested unique filter.
type NestedUpdate struct {
	Where filter.Unique
	Data  Data
}

// NestedUpsert upserts one related row addressed by a nested unique filter.
type NestedUpsert struct {
	Where  filter.Unique
	Create Data
	Update Data
}

// RelationWrite groups the nested operations for one relation. Within a single
// mutation the engine executes relation edits in a fixed order so structurally
// identical requests always converge to the same state:
// Disconnect, Set, Connect, ConnectOrCreate, Create, Update, Upsert, Delete.
type RelationWrite struct {
	Relation        string
	Create          []Create
	Connect         []filter.Unique
	ConnectOrCreate []ConnectOrCreate
	Disconnect      []filter.Unique
	Set             []filter.Unique
	Update          []NestedUpdate
	Upsert          []NestedUpsert
	Delete          []filter.Unique
}

// Update is a single-row update addressed by unique key, with optional nested
// relation writes applied in the same transaction.
type Update struct {
	Data      Data
	Relations []RelationWrite
}

// Upsert pairs disjoint create and update payloads against one unique key.
// Exactly one of the two paths executes.
type Upsert struct {
	Create Data
	Update Data
}
