// Package schema is the single source of truth for entity shapes, field types,
// relation cardinalities, and uniqueness. All other engine components consult a
// *Schema handle rather than hold their own copies; the handle is passed in
// explicitly and never exposed as ambient global state.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// FieldKind categorizes the semantic type of a scalar field.
type FieldKind int

const (
	KindString FieldKind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
	KindEnum
	KindJSON
)

// String returns the kind name used in error messages.
func (k FieldKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindEnum:
		return "enum"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Ordered reports whether lt/lte/gt/gte comparisons apply to the kind.
func (k FieldKind) Ordered() bool {
	switch k {
	case KindInt, KindFloat, KindString, KindTime:
		return true
	default:
		return false
	}
}

// Numeric reports whether avg/sum aggregation and atomic numeric ops apply.
func (k FieldKind) Numeric() bool {
	return k == KindInt || k == KindFloat
}

// DefaultKind describes how a missing value is filled on create.
type DefaultKind int

const (
	NoDefault DefaultKind = iota
	// DefaultUUID generates a random UUID string.
	DefaultUUID
	// DefaultNow uses the current UTC time.
	DefaultNow
	// DefaultLiteral uses Field.DefaultValue verbatim.
	DefaultLiteral
)

// Field describes one scalar attribute of an entity.
type Field struct {
	Name         string
	Column       string // database column; derived from Name when empty
	Kind         FieldKind
	Enum         string // enum name, required when Kind == KindEnum
	Nullable     bool
	Default      DefaultKind
	DefaultValue any
}

// Enum is a closed value set. Writers are rejected for values outside it and
// the materializer reports unknown stored values as decode errors.
type Enum struct {
	Name   string
	Values []string
}

// Has reports whether v is a member of the enum.
func (e Enum) Has(v string) bool {
	for _, val := range e.Values {
		if val == v {
			return true
		}
	}
	return false
}

// RelationKind is the cardinality of a relation as seen from the declaring entity.
type RelationKind int

const (
	OneToMany RelationKind = iota
	ManyToOne
	ManyToMany
)

// DeletePolicy is the schema-declared cascade behavior for dependent rows.
type DeletePolicy int

const (
	// Restrict relies on the foreign key: deleting a referenced parent fails.
	Restrict DeletePolicy = iota
	// Cascade removes dependent rows (or junction rows) before the parent.
	Cascade
)

// Junction describes the join table backing a many-to-many relation.
type Junction struct {
	Table        string
	LocalColumn  string // FK column referencing the declaring entity's id
	RemoteColumn string // FK column referencing the target entity's id
}

// Relation is a declared association between two entities.
//
// For OneToMany, ForeignKeyField names the field on the target entity that
// references this entity's id. For ManyToOne it names the local field holding
// the reference. ManyToMany relations traverse Junction instead.
type Relation struct {
	Name            string
	Kind            RelationKind
	Target          string
	ForeignKeyField string
	Junction        Junction
	OnDelete        DeletePolicy
}

// UniqueKey is a named ordered field set that identifies at most one row.
type UniqueKey struct {
	Name   string
	Fields []string
}

// Entity is a schema-declared row type.
type Entity struct {
	Name       string
	Table      string // derived from Name when empty
	Fields     []Field
	Relations  []Relation
	UniqueKeys []UniqueKey

	fieldIndex    map[string]int
	relationIndex map[string]int
}

// Field returns the named field, or an error naming the entity for context.
func (e *Entity) Field(name string) (*Field, error) {
	idx, ok := e.fieldIndex[name]
	if !ok {
		return nil, fmt.Errorf("unknown field %s.%s", e.Name, name)
	}
	return &e.Fields[idx], nil
}

// HasField reports whether the entity declares the field.
func (e *Entity) HasField(name string) bool {
	_, ok := e.fieldIndex[name]
	return ok
}

// Relation returns the named relation.
func (e *Entity) Relation(name string) (*Relation, error) {
	idx, ok := e.relationIndex[name]
	if !ok {
		return nil, fmt.Errorf("unknown relation %s.%s", e.Name, name)
	}
	return &e.Relations[idx], nil
}

// Column resolves a field name to its database column.
func (e *Entity) Column(field string) (string, error) {
	f, err := e.Field(field)
	if err != nil {
		return "", err
	}
	return f.Column, nil
}

// PrimaryKey returns the entity's id field.
func (e *Entity) PrimaryKey() *Field {
	f, _ := e.Field("id")
	return f
}

// UniqueKeyMatching returns the declared unique key covering exactly the given
// field set, independent of order. Nil when no declared key matches.
func (e *Entity) UniqueKeyMatching(fields []string) *UniqueKey {
	want := append([]string(nil), fields...)
	sort.Strings(want)
	for i := range e.UniqueKeys {
		have := append([]string(nil), e.UniqueKeys[i].Fields...)
		sort.Strings(have)
		if len(have) != len(want) {
			continue
		}
		match := true
		for j := range have {
			if have[j] != want[j] {
				match = false
				break
			}
		}
		if match {
			return &e.UniqueKeys[i]
		}
	}
	return nil
}

// Schema is the entity registry. Entities are stored arena-style and addressed
// by name; iteration follows declaration order.
type Schema struct {
	entities map[string]*Entity
	enums    map[string]Enum
	order    []string
}

// New builds and validates a schema from enum and entity declarations.
func New(enums []Enum, entities []Entity) (*Schema, error) {
	s := &Schema{
		entities: make(map[string]*Entity, len(entities)),
		enums:    make(map[string]Enum, len(enums)),
	}
	for _, e := range enums {
		if _, dup := s.enums[e.Name]; dup {
			return nil, fmt.Errorf("duplicate enum %s", e.Name)
		}
		s.enums[e.Name] = e
	}
	for i := range entities {
		ent := entities[i]
		if _, dup := s.entities[ent.Name]; dup {
			return nil, fmt.Errorf("duplicate entity %s", ent.Name)
		}
		prepared, err := prepareEntity(ent)
		if err != nil {
			return nil, err
		}
		s.entities[ent.Name] = prepared
		s.order = append(s.order, ent.Name)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Extend returns a new schema containing the receiver's declarations plus the
// given additions. Existing entities gain the extra relations listed for them.
// This supports additive migration: new optional entities and relations without
// breaking existing call sites.
func (s *Schema) Extend(enums []Enum, entities []Entity, extraRelations map[string][]Relation) (*Schema, error) {
	mergedEnums := make([]Enum, 0, len(s.enums)+len(enums))
	for _, name := range s.enumNames() {
		mergedEnums = append(mergedEnums, s.enums[name])
	}
	mergedEnums = append(mergedEnums, enums...)

	mergedEntities := make([]Entity, 0, len(s.order)+len(entities))
	for _, name := range s.order {
		ent := *s.entities[name]
		ent.Relations = append(append([]Relation(nil), ent.Relations...), extraRelations[name]...)
		mergedEntities = append(mergedEntities, ent)
	}
	mergedEntities = append(mergedEntities, entities...)
	return New(mergedEnums, mergedEntities)
}

// Entity returns the named entity; unknown names are errors, never no-ops.
func (s *Schema) Entity(name string) (*Entity, error) {
	ent, ok := s.entities[name]
	if !ok {
		return nil, fmt.Errorf("unknown entity %s", name)
	}
	return ent, nil
}

// HasEntity reports whether the entity is declared.
func (s *Schema) HasEntity(name string) bool {
	_, ok := s.entities[name]
	return ok
}

// Entities returns entity names in declaration order.
func (s *Schema) Entities() []string {
	return append([]string(nil), s.order...)
}

// Enum returns the named enum definition.
func (s *Schema) Enum(name string) (Enum, bool) {
	e, ok := s.enums[name]
	return e, ok
}

func (s *Schema) enumNames() []string {
	names := make([]string, 0, len(s.enums))
	for name := range s.enums {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func prepareEntity(ent Entity) (*Entity, error) {
	if ent.Name == "" {
		return nil, fmt.Errorf("entity name is required")
	}
	if ent.Table == "" {
		ent.Table = TableName(ent.Name)
	}
	ent.fieldIndex = make(map[string]int, len(ent.Fields))
	for i := range ent.Fields {
		f := &ent.Fields[i]
		if f.Name == "" {
			return nil, fmt.Errorf("entity %s has an unnamed field", ent.Name)
		}
		if f.Column == "" {
			f.Column = ColumnName(f.Name)
		}
		if _, dup := ent.fieldIndex[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %s.%s", ent.Name, f.Name)
		}
		ent.fieldIndex[f.Name] = i
	}
	if _, ok := ent.fieldIndex["id"]; !ok {
		return nil, fmt.Errorf("entity %s must declare an id field", ent.Name)
	}
	ent.relationIndex = make(map[string]int, len(ent.Relations))
	for i := range ent.Relations {
		r := &ent.Relations[i]
		if _, dup := ent.relationIndex[r.Name]; dup {
			return nil, fmt.Errorf("duplicate relation %s.%s", ent.Name, r.Name)
		}
		if _, clash := ent.fieldIndex[r.Name]; clash {
			return nil, fmt.Errorf("relation %s.%s collides with a field name", ent.Name, r.Name)
		}
		ent.relationIndex[r.Name] = i
	}
	if ent.UniqueKeyMatching([]string{"id"}) == nil {
		ent.UniqueKeys = append([]UniqueKey{{Name: "id", Fields: []string{"id"}}}, ent.UniqueKeys...)
	}
	return &ent, nil
}

func (s *Schema) validate() error {
	for _, name := range s.order {
		ent := s.entities[name]
		for i := range ent.Fields {
			f := &ent.Fields[i]
			if f.Kind == KindEnum {
				if f.Enum == "" {
					return fmt.Errorf("field %s.%s is enum-typed but names no enum", ent.Name, f.Name)
				}
				if _, ok := s.enums[f.Enum]; !ok {
					return fmt.Errorf("field %s.%s references unknown enum %s", ent.Name, f.Name, f.Enum)
				}
			}
		}
		for i := range ent.Relations {
			r := &ent.Relations[i]
			target, ok := s.entities[r.Target]
			if !ok {
				return fmt.Errorf("relation %s.%s targets unknown entity %s", ent.Name, r.Name, r.Target)
			}
			switch r.Kind {
			case OneToMany:
				if !target.HasField(r.ForeignKeyField) {
					return fmt.Errorf("relation %s.%s: target %s has no field %s", ent.Name, r.Name, r.Target, r.ForeignKeyField)
				}
				// Cascading into the same table would subselect the table
				// being deleted from, which MySQL rejects.
				if r.OnDelete == Cascade && r.Target == ent.Name {
					return fmt.Errorf("relation %s.%s: cascade delete cannot target its own entity", ent.Name, r.Name)
				}
			case ManyToOne:
				if !ent.HasField(r.ForeignKeyField) {
					return fmt.Errorf("relation %s.%s: local field %s not declared", ent.Name, r.Name, r.ForeignKeyField)
				}
			case ManyToMany:
				if r.Junction.Table == "" || r.Junction.LocalColumn == "" || r.Junction.RemoteColumn == "" {
					return fmt.Errorf("relation %s.%s: many-to-many requires a complete junction mapping", ent.Name, r.Name)
				}
			}
		}
		for i := range ent.UniqueKeys {
			uk := &ent.UniqueKeys[i]
			for _, f := range uk.Fields {
				if !ent.HasField(f) {
					return fmt.Errorf("unique key %s.%s references unknown field %s", ent.Name, uk.Name, f)
				}
			}
		}
	}
	return nil
}

// TableName derives the database table name for an entity: snake case, pluralized.
func TableName(entity string) string {
	return inflection.Plural(snakeCase(entity))
}

// ColumnName derives the database column name for a field.
func ColumnName(field string) string {
	return snakeCase(field)
}

func snakeCase(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (!unicode.IsUpper(runes[i-1]) || (i+1 < len(runes) && !unicode.IsUpper(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
