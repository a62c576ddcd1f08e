package compile

import (
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"testhealth/internal/dberr"
	"testhealth/internal/sqlutil"
	"testhealth/pkg/filter"
	"testhealth/pkg/schema"
)

// whereState carries alias generation across a predicate tree so nested
// relation subqueries never collide.
type whereState struct {
	aliasCounter int
}

func (s *whereState) nextAlias(prefix string) string {
	s.aliasCounter++
	return fmt.Sprintf("__%s_%d", prefix, s.aliasCounter)
}

// lowerWhere lowers a predicate tree into a squirrel condition. Returns nil
// for an empty tree (matches everything). alias qualifies column references;
// empty alias uses the entity's table name, which keeps correlated subqueries
// unambiguous without aliasing the root FROM.
func (c *Compiler) lowerWhere(ent *schema.Entity, alias string, w filter.Where, state *whereState) (sq.Sqlizer, error) {
	if w.IsZero() {
		return nil, nil
	}

	var conj sq.And
	for _, cond := range w.Conds {
		lowered, err := c.lowerCond(ent, alias, cond)
		if err != nil {
			return nil, err
		}
		conj = append(conj, lowered)
	}
	for _, jc := range w.JSON {
		lowered, err := c.lowerJSONCond(ent, alias, jc)
		if err != nil {
			return nil, err
		}
		conj = append(conj, lowered)
	}
	for _, rc := range w.Relations {
		lowered, err := c.lowerRelationCond(ent, alias, rc, state)
		if err != nil {
			return nil, err
		}
		conj = append(conj, lowered)
	}
	for _, branch := range w.And {
		lowered, err := c.lowerWhere(ent, alias, branch, state)
		if err != nil {
			return nil, err
		}
		if lowered != nil {
			conj = append(conj, lowered)
		}
	}
	if w.Or != nil {
		if len(w.Or) == 0 {
			// The empty disjunction is false.
			conj = append(conj, sq.Expr("1=0"))
		} else {
			var disj sq.Or
			for _, branch := range w.Or {
				lowered, err := c.lowerWhere(ent, alias, branch, state)
				if err != nil {
					return nil, err
				}
				if lowered == nil {
					lowered = sq.Expr("1=1")
				}
				disj = append(disj, lowered)
			}
			conj = append(conj, disj)
		}
	}
	for _, branch := range w.Not {
		lowered, err := c.lowerWhere(ent, alias, branch, state)
		if err != nil {
			return nil, err
		}
		if lowered == nil {
			conj = append(conj, sq.Expr("1=0"))
			continue
		}
		sql, args, err := lowered.ToSql()
		if err != nil {
			return nil, err
		}
		conj = append(conj, sq.Expr("NOT ("+sql+")", args...))
	}

	if len(conj) == 0 {
		return nil, nil
	}
	if len(conj) == 1 {
		return conj[0], nil
	}
	return conj, nil
}

func (c *Compiler) lowerCond(ent *schema.Entity, alias string, cond filter.Cond) (sq.Sqlizer, error) {
	f, err := ent.Field(cond.Field)
	if err != nil {
		return nil, dberr.Validation("%s", err.Error())
	}
	if f.Kind == schema.KindJSON {
		return nil, dberr.Validation("field %s.%s is JSON; use a JSON condition", ent.Name, cond.Field)
	}
	col := qualify(ent, alias, f)

	insensitive := cond.Mode == filter.ModeInsensitive
	if insensitive && f.Kind != schema.KindString {
		return nil, dberr.Validation("case-insensitive mode applies to string fields, not %s.%s", ent.Name, cond.Field)
	}

	switch cond.Op {
	case filter.OpEquals:
		if err := c.checkFilterValue(ent, f, cond.Value); err != nil {
			return nil, err
		}
		if insensitive && cond.Value != nil {
			return sq.Expr("LOWER("+col+") = LOWER(?)", cond.Value), nil
		}
		return sq.Eq{col: cond.Value}, nil
	case filter.OpNot:
		if err := c.checkFilterValue(ent, f, cond.Value); err != nil {
			return nil, err
		}
		if insensitive && cond.Value != nil {
			return sq.Expr("LOWER("+col+") <> LOWER(?)", cond.Value), nil
		}
		return sq.NotEq{col: cond.Value}, nil
	case filter.OpIn, filter.OpNotIn:
		values, ok := cond.Value.([]any)
		if !ok {
			return nil, dberr.Validation("%s on %s.%s requires a value list", cond.Op, ent.Name, cond.Field)
		}
		for _, v := range values {
			if err := c.checkFilterValue(ent, f, v); err != nil {
				return nil, err
			}
		}
		if insensitive {
			expr := "LOWER(" + col + ") IN (" + loweredPlaceholders(len(values)) + ")"
			if cond.Op == filter.OpNotIn {
				expr = "LOWER(" + col + ") NOT IN (" + loweredPlaceholders(len(values)) + ")"
			}
			if len(values) == 0 {
				if cond.Op == filter.OpIn {
					return sq.Expr("1=0"), nil
				}
				return sq.Expr("1=1"), nil
			}
			return sq.Expr(expr, values...), nil
		}
		if cond.Op == filter.OpIn {
			return sq.Eq{col: values}, nil
		}
		return sq.NotEq{col: values}, nil
	case filter.OpLt, filter.OpLte, filter.OpGt, filter.OpGte:
		if !f.Kind.Ordered() {
			return nil, dberr.Validation("%s does not apply to %s field %s.%s", cond.Op, f.Kind, ent.Name, cond.Field)
		}
		switch cond.Op {
		case filter.OpLt:
			return sq.Lt{col: cond.Value}, nil
		case filter.OpLte:
			return sq.LtOrEq{col: cond.Value}, nil
		case filter.OpGt:
			return sq.Gt{col: cond.Value}, nil
		default:
			return sq.GtOrEq{col: cond.Value}, nil
		}
	case filter.OpContains, filter.OpStartsWith, filter.OpEndsWith:
		if f.Kind != schema.KindString {
			return nil, dberr.Validation("%s applies to string fields, not %s.%s", cond.Op, ent.Name, cond.Field)
		}
		s, ok := cond.Value.(string)
		if !ok {
			return nil, dberr.Validation("%s on %s.%s requires a string value", cond.Op, ent.Name, cond.Field)
		}
		pattern := likePattern(cond.Op, s)
		if insensitive {
			return sq.Expr("LOWER("+col+") LIKE LOWER(?)", pattern), nil
		}
		return sq.Like{col: pattern}, nil
	case filter.OpIsNull:
		isNull, ok := cond.Value.(bool)
		if !ok {
			return nil, dberr.Validation("isNull on %s.%s requires a bool value", ent.Name, cond.Field)
		}
		if isNull {
			return sq.Eq{col: nil}, nil
		}
		return sq.NotEq{col: nil}, nil
	default:
		return nil, dberr.Validation("unknown filter operator %q", cond.Op)
	}
}

// checkFilterValue validates equality operands the way write values are
// validated, so a filter on an impossible enum value fails fast instead of
// silently matching nothing.
func (c *Compiler) checkFilterValue(ent *schema.Entity, f *schema.Field, v any) error {
	if v == nil || f.Kind != schema.KindEnum {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return dberr.Validation("field %s.%s expects an enum string, got %T", ent.Name, f.Name, v)
	}
	return checkEnumValue(c.schema, ent, f, s)
}

func likePattern(op filter.Op, s string) string {
	escaped := escapeLike(s)
	switch op {
	case filter.OpStartsWith:
		return escaped + "%"
	case filter.OpEndsWith:
		return "%" + escaped
	default:
		return "%" + escaped + "%"
	}
}

func loweredPlaceholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "LOWER(?)"
	}
	return out
}

func (c *Compiler) lowerJSONCond(ent *schema.Entity, alias string, cond filter.JSONCond) (sq.Sqlizer, error) {
	f, err := ent.Field(cond.Field)
	if err != nil {
		return nil, dberr.Validation("%s", err.Error())
	}
	if f.Kind != schema.KindJSON {
		return nil, dberr.Validation("field %s.%s is not JSON", ent.Name, cond.Field)
	}
	col := qualify(ent, alias, f)
	path := sqlutil.JSONPath(cond.Path)

	switch cond.Op {
	case filter.JSONEquals:
		encoded, err := encodeJSONValue(cond.Value)
		if err != nil {
			return nil, dberr.Validation("JSON equals on %s.%s: %v", ent.Name, cond.Field, err)
		}
		return sq.Expr("JSON_EXTRACT("+col+", ?) = CAST(? AS JSON)", path, encoded), nil
	case filter.JSONStringContains, filter.JSONStringStarts, filter.JSONStringEnds:
		s, ok := cond.Value.(string)
		if !ok {
			return nil, dberr.Validation("%s on %s.%s requires a string value", cond.Op, ent.Name, cond.Field)
		}
		var pattern string
		switch cond.Op {
		case filter.JSONStringStarts:
			pattern = escapeLike(s) + "%"
		case filter.JSONStringEnds:
			pattern = "%" + escapeLike(s)
		default:
			pattern = "%" + escapeLike(s) + "%"
		}
		return sq.Expr("JSON_UNQUOTE(JSON_EXTRACT("+col+", ?)) LIKE ?", path, pattern), nil
	case filter.JSONArrayContains:
		encoded, err := encodeJSONValue(cond.Value)
		if err != nil {
			return nil, dberr.Validation("JSON array_contains on %s.%s: %v", ent.Name, cond.Field, err)
		}
		return sq.Expr("JSON_CONTAINS("+col+", CAST(? AS JSON), ?)", encoded, path), nil
	case filter.JSONArrayStarts, filter.JSONArrayEnds:
		encoded, err := encodeJSONValue(cond.Value)
		if err != nil {
			return nil, dberr.Validation("JSON array element filter on %s.%s: %v", ent.Name, cond.Field, err)
		}
		elemPath := path + "[0]"
		if cond.Op == filter.JSONArrayEnds {
			elemPath = path + "[last]"
		}
		return sq.Expr("JSON_EXTRACT("+col+", ?) = CAST(? AS JSON)", elemPath, encoded), nil
	case filter.JSONNullIs:
		return lowerJSONNull(col, cond.Path, path, cond.Null)
	default:
		return nil, dberr.Validation("unknown JSON filter operator %q", cond.Op)
	}
}

// lowerJSONNull discriminates the three null states of a JSON column: SQL NULL
// (column or path absent), stored JSON literal null, or either. The three
// produce different SQL because JSON_TYPE reports 'NULL' only for the literal.
func lowerJSONNull(col string, segments []string, path string, kind filter.NullKind) (sq.Sqlizer, error) {
	var dbNull, jsonNull sq.Sqlizer
	if len(segments) == 0 {
		dbNull = sq.Expr(col + " IS NULL")
		jsonNull = sq.Expr("JSON_TYPE(" + col + ") = 'NULL'")
	} else {
		dbNull = sq.Expr("JSON_EXTRACT("+col+", ?) IS NULL", path)
		jsonNull = sq.Expr("JSON_TYPE(JSON_EXTRACT("+col+", ?)) = 'NULL'", path)
	}
	switch kind {
	case filter.DBNull:
		return dbNull, nil
	case filter.JSONNull:
		return jsonNull, nil
	case filter.AnyNull:
		return sq.Or{dbNull, jsonNull}, nil
	default:
		return nil, dberr.Validation("unknown JSON null kind %d", kind)
	}
}

func encodeJSONValue(v any) (string, error) {
	switch raw := v.(type) {
	case json.RawMessage:
		return string(raw), nil
	case []byte:
		return string(raw), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Compiler) lowerRelationCond(ent *schema.Entity, alias string, cond filter.RelationCond, state *whereState) (sq.Sqlizer, error) {
	rel, err := ent.Relation(cond.Relation)
	if err != nil {
		return nil, dberr.Validation("%s", err.Error())
	}
	target, err := c.entity(rel.Target)
	if err != nil {
		return nil, err
	}

	outerRef := alias
	if outerRef == "" {
		outerRef = ent.Table
	}

	switch cond.Quantifier {
	case filter.QuantSome:
		sub, err := c.relationSubquery(ent, outerRef, rel, target, cond.Where, false, state)
		if err != nil {
			return nil, err
		}
		return exists(sub, true), nil
	case filter.QuantNone:
		sub, err := c.relationSubquery(ent, outerRef, rel, target, cond.Where, false, state)
		if err != nil {
			return nil, err
		}
		return exists(sub, false), nil
	case filter.QuantEvery:
		// Vacuously true for zero related rows: no counterexample exists.
		if cond.Where.IsZero() {
			return sq.Expr("1=1"), nil
		}
		sub, err := c.relationSubquery(ent, outerRef, rel, target, cond.Where, true, state)
		if err != nil {
			return nil, err
		}
		return exists(sub, false), nil
	default:
		return nil, dberr.Validation("unknown relation quantifier %d", cond.Quantifier)
	}
}

func exists(sub SQLQuery, shouldExist bool) sq.Sqlizer {
	prefix := "EXISTS"
	if !shouldExist {
		prefix = "NOT EXISTS"
	}
	return sq.Expr(prefix+" ("+sub.SQL+")", sub.Args...)
}

// relationSubquery builds the correlated SELECT 1 subquery for a relation
// predicate. negate inverts the nested predicate, which is how the every
// quantifier becomes "no counterexample row exists".
func (c *Compiler) relationSubquery(ent *schema.Entity, outerRef string, rel *schema.Relation, target *schema.Entity, nested filter.Where, negate bool, state *whereState) (SQLQuery, error) {
	targetAlias := state.nextAlias(target.Table)

	pred, err := c.lowerWhere(target, targetAlias, nested, state)
	if err != nil {
		return SQLQuery{}, err
	}
	if negate && pred != nil {
		sql, args, err := pred.ToSql()
		if err != nil {
			return SQLQuery{}, err
		}
		pred = sq.Expr("NOT ("+sql+")", args...)
	}

	builder := sq.Select("1").From(aliasedTable(target, targetAlias))

	switch rel.Kind {
	case schema.OneToMany:
		fk, err := target.Field(rel.ForeignKeyField)
		if err != nil {
			return SQLQuery{}, dberr.Validation("%s", err.Error())
		}
		pk := ent.PrimaryKey()
		builder = builder.Where(sq.Expr(
			sqlutil.Qualify(targetAlias, fk.Column) + " = " + sqlutil.Qualify(outerRef, pk.Column)))
	case schema.ManyToOne:
		fk, err := ent.Field(rel.ForeignKeyField)
		if err != nil {
			return SQLQuery{}, dberr.Validation("%s", err.Error())
		}
		pk := target.PrimaryKey()
		builder = builder.Where(sq.Expr(
			sqlutil.Qualify(targetAlias, pk.Column) + " = " + sqlutil.Qualify(outerRef, fk.Column)))
	case schema.ManyToMany:
		junctionAlias := state.nextAlias(rel.Junction.Table)
		pk := ent.PrimaryKey()
		targetPK := target.PrimaryKey()
		builder = sq.Select("1").
			From(sqlutil.QuoteIdentifier(rel.Junction.Table) + " AS " + sqlutil.QuoteIdentifier(junctionAlias)).
			Join(aliasedTable(target, targetAlias) + " ON " +
				sqlutil.Qualify(targetAlias, targetPK.Column) + " = " + sqlutil.Qualify(junctionAlias, rel.Junction.RemoteColumn)).
			Where(sq.Expr(
				sqlutil.Qualify(junctionAlias, rel.Junction.LocalColumn) + " = " + sqlutil.Qualify(outerRef, pk.Column)))
	default:
		return SQLQuery{}, dberr.Validation("unknown relation kind %d", rel.Kind)
	}

	if pred != nil {
		builder = builder.Where(pred)
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: sql, Args: args}, nil
}
