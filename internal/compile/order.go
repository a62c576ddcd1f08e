package compile

import (
	"strings"

	sq "github.com/Masterminds/squirrel"

	"testhealth/internal/cursor"
	"testhealth/internal/dberr"
	"testhealth/internal/sqlutil"
	"testhealth/pkg/query"
	"testhealth/pkg/schema"
)

// orderTerm is one lowered ORDER BY expression.
type orderTerm struct {
	expr string
	args []any
}

// ordering is the fully lowered sort of one query level, always in forward
// orientation. Cursors are minted and validated against the forward key even
// when a backward page flips the emitted SQL directions.
type ordering struct {
	terms []orderTerm

	// Field terms only, in order. These drive cursor encode/decode and seek.
	fields     []*schema.Field
	directions []string
	orderKey   string

	hasRelationCount bool
	hasNullPlacement bool
}

func directionSQL(d query.Direction) string {
	if d == query.Desc {
		return "DESC"
	}
	return "ASC"
}

func flip(dir string) string {
	if dir == "DESC" {
		return "ASC"
	}
	return "DESC"
}

// sqlTerms returns the ORDER BY expressions, flipping every direction when a
// backward page reverses the scan.
func (o *ordering) sqlTerms(reverse bool) []string {
	out := make([]string, len(o.terms))
	for i, t := range o.terms {
		expr := t.expr
		if reverse {
			switch {
			case strings.HasSuffix(expr, " DESC"):
				expr = strings.TrimSuffix(expr, " DESC") + " ASC"
			case strings.HasSuffix(expr, " ASC"):
				expr = strings.TrimSuffix(expr, " ASC") + " DESC"
			}
		}
		out[i] = expr
	}
	return out
}

// lowerOrder lowers sort terms and appends an id tiebreak when absent, so
// every ordering is total and cursor boundaries address exactly one row.
func (c *Compiler) lowerOrder(ent *schema.Entity, orders []query.Order) (*ordering, error) {
	out := &ordering{}
	seenID := false
	var keyParts []string

	for _, o := range orders {
		switch {
		case o.Field != "" && o.RelationCount != "":
			return nil, dberr.Validation("order term sets both field and relation count")
		case o.RelationCount != "":
			term, err := c.lowerRelationCountOrder(ent, o)
			if err != nil {
				return nil, err
			}
			out.terms = append(out.terms, term)
			out.hasRelationCount = true
			keyParts = append(keyParts, o.RelationCount+"._count:"+directionSQL(o.Direction))
		case o.Field != "":
			f, err := ent.Field(o.Field)
			if err != nil {
				return nil, dberr.Validation("%s", err.Error())
			}
			if f.Kind == schema.KindJSON {
				return nil, dberr.Validation("cannot order by JSON field %s.%s", ent.Name, o.Field)
			}
			col := qualify(ent, "", f)
			dir := directionSQL(o.Direction)
			if o.Nulls != query.NullsDefault {
				if !f.Nullable {
					return nil, dberr.Validation("null placement on non-nullable field %s.%s", ent.Name, o.Field)
				}
				// MySQL has no NULLS FIRST/LAST; an ISNULL prefix term
				// reproduces it.
				placement := "ASC"
				if o.Nulls == query.NullsFirst {
					placement = "DESC"
				}
				out.terms = append(out.terms, orderTerm{expr: "ISNULL(" + col + ") " + placement})
				out.hasNullPlacement = true
			}
			out.terms = append(out.terms, orderTerm{expr: col + " " + dir})
			out.fields = append(out.fields, f)
			out.directions = append(out.directions, dir)
			keyParts = append(keyParts, o.Field+":"+dir)
			if o.Field == "id" {
				seenID = true
			}
		default:
			return nil, dberr.Validation("empty order term")
		}
	}

	if !seenID {
		id := ent.PrimaryKey()
		out.terms = append(out.terms, orderTerm{expr: qualify(ent, "", id) + " ASC"})
		out.fields = append(out.fields, id)
		out.directions = append(out.directions, "ASC")
		keyParts = append(keyParts, "id:ASC")
	}

	out.orderKey = strings.Join(keyParts, ",")
	return out, nil
}

func (c *Compiler) lowerRelationCountOrder(ent *schema.Entity, o query.Order) (orderTerm, error) {
	rel, err := ent.Relation(o.RelationCount)
	if err != nil {
		return orderTerm{}, dberr.Validation("%s", err.Error())
	}
	if rel.Kind != schema.OneToMany {
		return orderTerm{}, dberr.Validation("relation-count ordering applies to one-to-many relations, not %s.%s", ent.Name, o.RelationCount)
	}
	target, err := c.entity(rel.Target)
	if err != nil {
		return orderTerm{}, err
	}
	fk, err := target.Field(rel.ForeignKeyField)
	if err != nil {
		return orderTerm{}, dberr.Validation("%s", err.Error())
	}
	pk := ent.PrimaryKey()
	expr := "(SELECT COUNT(*) FROM " + quotedTable(target) +
		" WHERE " + sqlutil.Qualify(target.Table, fk.Column) + " = " + qualify(ent, "", pk) + ") " +
		directionSQL(o.Direction)
	return orderTerm{expr: expr}, nil
}

// seekCondition builds the row-wise boundary predicate for cursor pagination:
// strictly past the row the cursor encodes, in the effective scan direction.
// Lowered as an OR chain of progressively longer equality prefixes.
func seekCondition(ent *schema.Entity, ord *ordering, boundary []any, reverse bool) (sq.Sqlizer, error) {
	if len(boundary) != len(ord.fields) {
		return nil, dberr.Validation("cursor carries %d values for %d order fields", len(boundary), len(ord.fields))
	}
	var branches sq.Or
	for i := range ord.fields {
		var branch sq.And
		for j := 0; j < i; j++ {
			branch = append(branch, sq.Eq{qualify(ent, "", ord.fields[j]): boundary[j]})
		}
		col := qualify(ent, "", ord.fields[i])
		dir := ord.directions[i]
		if reverse {
			dir = flip(dir)
		}
		if dir == "DESC" {
			branch = append(branch, sq.Lt{col: boundary[i]})
		} else {
			branch = append(branch, sq.Gt{col: boundary[i]})
		}
		branches = append(branches, branch)
	}
	return branches, nil
}

// applyCursor decodes, validates, and lowers a cursor into a seek condition.
// The cursor must match the query's entity and forward ordering exactly; a
// boundary minted under a different sort would seek to a meaningless position.
func (c *Compiler) applyCursor(ent *schema.Entity, ord *ordering, raw query.Cursor, reverse bool) (sq.Sqlizer, error) {
	if ord.hasRelationCount {
		return nil, dberr.Validation("cursor pagination cannot combine with relation-count ordering")
	}
	if ord.hasNullPlacement {
		return nil, dberr.Validation("cursor pagination cannot combine with explicit null placement")
	}
	for _, f := range ord.fields {
		if f.Nullable {
			return nil, dberr.Validation("cursor pagination requires non-nullable order fields; %s.%s is nullable", ent.Name, f.Name)
		}
	}
	entity, orderKey, directions, values, err := cursor.Decode(string(raw))
	if err != nil {
		return nil, dberr.Validation("%s", err.Error())
	}
	if err := cursor.Validate(ent.Name, ord.orderKey, ord.directions, entity, orderKey, directions); err != nil {
		return nil, dberr.Validation("%s", err.Error())
	}
	boundary, err := cursor.ParseValues(values, ord.fields)
	if err != nil {
		return nil, dberr.Validation("%s", err.Error())
	}
	return seekCondition(ent, ord, boundary, reverse)
}
