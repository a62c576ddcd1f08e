// Package compile lowers typed engine inputs (filters, query shapes, mutations,
// aggregate selections) into parameterized MySQL statements. Compilation never
// touches storage: every request is validated against the schema here, and only
// parameterized SQL with bound arguments leaves this package. User-supplied
// values are always arguments, never interpolated into SQL text.
package compile

import (
	"strings"

	"testhealth/internal/dberr"
	"testhealth/internal/sqlutil"
	"testhealth/pkg/schema"
)

// BatchParentColumn is the alias under which batched relation loads expose the
// parent grouping key. The materializer strips it while assembling the graph.
const BatchParentColumn = "__parent_key"

// SQLQuery is one parameterized statement.
type SQLQuery struct {
	SQL  string
	Args []any
}

// Statement is one mutation statement in an ordered transactional plan.
// ExpectRow marks statements whose zero-rows-affected outcome means the
// addressed row does not exist. This relies on CLIENT_FOUND_ROWS being set on
// the connection so no-op updates still report matched rows.
type Statement struct {
	SQL       string
	Args      []any
	ExpectRow bool
	Entity    string
}

// Compiler lowers requests against one schema handle.
type Compiler struct {
	schema *schema.Schema
}

// New builds a compiler bound to a schema.
func New(s *schema.Schema) *Compiler {
	return &Compiler{schema: s}
}

// Schema exposes the bound schema handle.
func (c *Compiler) Schema() *schema.Schema {
	return c.schema
}

func (c *Compiler) entity(name string) (*schema.Entity, error) {
	ent, err := c.schema.Entity(name)
	if err != nil {
		return nil, dberr.Validation("%s", err.Error())
	}
	return ent, nil
}

// qualify resolves a field to its quoted table-qualified column.
func qualify(ent *schema.Entity, alias string, f *schema.Field) string {
	if alias == "" {
		alias = ent.Table
	}
	return sqlutil.Qualify(alias, f.Column)
}

func quotedTable(ent *schema.Entity) string {
	return sqlutil.QuoteIdentifier(ent.Table)
}

func aliasedTable(ent *schema.Entity, alias string) string {
	if alias == "" {
		return quotedTable(ent)
	}
	return quotedTable(ent) + " AS " + sqlutil.QuoteIdentifier(alias)
}

// escapeLike escapes LIKE metacharacters in a literal fragment.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// resolveUnique validates a unique lookup against the entity's declared keys
// and returns the addressed fields in the key's declared order.
func resolveUnique(ent *schema.Entity, fields map[string]any) ([]*schema.Field, []any, error) {
	if len(fields) == 0 {
		return nil, nil, dberr.Validation("unique lookup on %s addresses no fields", ent.Name)
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	key := ent.UniqueKeyMatching(names)
	if key == nil {
		return nil, nil, dberr.Validation("fields [%s] do not form a declared unique key of %s", strings.Join(names, ", "), ent.Name)
	}
	resolved := make([]*schema.Field, len(key.Fields))
	values := make([]any, len(key.Fields))
	for i, name := range key.Fields {
		f, err := ent.Field(name)
		if err != nil {
			return nil, nil, dberr.Validation("%s", err.Error())
		}
		v := fields[name]
		if err := validateValue(nil, ent, f, v); err != nil {
			return nil, nil, err
		}
		resolved[i] = f
		values[i] = v
	}
	return resolved, values, nil
}

// validateValue rejects values the schema cannot accept: null into a
// non-nullable field and enum values outside the declared set. Scalar shape
// beyond that is left to the driver.
func validateValue(s *schema.Schema, ent *schema.Entity, f *schema.Field, v any) error {
	if v == nil {
		if !f.Nullable {
			return dberr.Validation("field %s.%s is not nullable", ent.Name, f.Name)
		}
		return nil
	}
	if f.Kind != schema.KindEnum {
		return nil
	}
	str, ok := v.(string)
	if !ok {
		return dberr.Validation("field %s.%s expects an enum string, got %T", ent.Name, f.Name, v)
	}
	return checkEnumValue(s, ent, f, str)
}

func checkEnumValue(s *schema.Schema, ent *schema.Entity, f *schema.Field, v string) error {
	if s == nil {
		return nil
	}
	enum, ok := s.Enum(f.Enum)
	if !ok {
		return dberr.Validation("field %s.%s references unknown enum %s", ent.Name, f.Name, f.Enum)
	}
	if !enum.Has(v) {
		return dberr.EnumDomain(ent.Name, f.Name, v)
	}
	return nil
}
