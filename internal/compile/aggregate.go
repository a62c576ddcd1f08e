package compile

import (
	sq "github.com/Masterminds/squirrel"

	"testhealth/internal/dberr"
	"testhealth/pkg/aggregate"
	"testhealth/pkg/filter"
	"testhealth/pkg/schema"
)

// AggKind is one lowered aggregate function.
type AggKind string

const (
	AggCountAll AggKind = "_count_all"
	AggCount    AggKind = "_count"
	AggAvg      AggKind = "_avg"
	AggSum      AggKind = "_sum"
	AggMin      AggKind = "_min"
	AggMax      AggKind = "_max"
)

// AggColumn is one aggregate result column. Field is nil for COUNT(*).
// Columns are positional with the statement's select list, after any group
// key columns.
type AggColumn struct {
	Alias string
	Kind  AggKind
	Field *schema.Field
}

// AggregatePlan is a compiled aggregation: one statement whose result rows
// carry the group key columns (empty for a plain aggregate) followed by the
// aggregate columns.
type AggregatePlan struct {
	Entity      *schema.Entity
	Query       SQLQuery
	GroupFields []*schema.Field
	Columns     []AggColumn
}

// CompileAggregate lowers a whole-table (or filtered) aggregate selection.
func (c *Compiler) CompileAggregate(entityName string, where filter.Where, sel aggregate.Selection) (*AggregatePlan, error) {
	ent, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	if sel.IsZero() {
		return nil, dberr.Validation("aggregate on %s selects nothing", ent.Name)
	}
	columns, exprs, err := c.aggColumns(ent, sel)
	if err != nil {
		return nil, err
	}

	builder := sq.Select(exprs...).From(quotedTable(ent))
	state := &whereState{}
	cond, err := c.lowerWhere(ent, "", where, state)
	if err != nil {
		return nil, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	return &AggregatePlan{
		Entity:  ent,
		Query:   SQLQuery{SQL: sql, Args: args},
		Columns: columns,
	}, nil
}

// CompileCount is the COUNT(*) shortcut.
func (c *Compiler) CompileCount(entityName string, where filter.Where) (*AggregatePlan, error) {
	return c.CompileAggregate(entityName, where, aggregate.Selection{CountAll: true})
}

// CompileGroupBy lowers a grouped aggregation with having, ordering, and
// pagination over the group rows.
func (c *Compiler) CompileGroupBy(entityName string, where filter.Where, spec aggregate.GroupBy) (*AggregatePlan, error) {
	ent, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	if len(spec.By) == 0 {
		return nil, dberr.Validation("groupBy on %s names no grouping fields", ent.Name)
	}
	if spec.Take < 0 || spec.Skip < 0 {
		return nil, dberr.Validation("groupBy take and skip must be non-negative")
	}

	groupFields := make([]*schema.Field, len(spec.By))
	bySet := make(map[string]bool, len(spec.By))
	groupCols := make([]string, len(spec.By))
	for i, name := range spec.By {
		f, err := ent.Field(name)
		if err != nil {
			return nil, dberr.Validation("%s", err.Error())
		}
		if f.Kind == schema.KindJSON {
			return nil, dberr.Validation("cannot group by JSON field %s.%s", ent.Name, name)
		}
		if bySet[name] {
			return nil, dberr.Validation("field %s.%s grouped twice", ent.Name, name)
		}
		bySet[name] = true
		groupFields[i] = f
		groupCols[i] = qualify(ent, "", f)
	}

	columns, aggExprs, err := c.aggColumns(ent, spec.Select)
	if err != nil {
		return nil, err
	}

	builder := sq.Select(append(append([]string(nil), groupCols...), aggExprs...)...).
		From(quotedTable(ent))

	state := &whereState{}
	cond, err := c.lowerWhere(ent, "", where, state)
	if err != nil {
		return nil, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	builder = builder.GroupBy(groupCols...)

	for _, h := range spec.Having {
		expr, err := c.havingExpr(ent, bySet, h)
		if err != nil {
			return nil, err
		}
		builder = builder.Having(expr)
	}

	for _, o := range spec.OrderBy {
		term, err := c.groupOrderTerm(ent, bySet, o)
		if err != nil {
			return nil, err
		}
		builder = builder.OrderBy(term)
	}

	if spec.Take > 0 {
		builder = builder.Limit(uint64(spec.Take))
	}
	if spec.Skip > 0 {
		builder = builder.Offset(uint64(spec.Skip))
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	return &AggregatePlan{
		Entity:      ent,
		Query:       SQLQuery{SQL: sql, Args: args},
		GroupFields: groupFields,
		Columns:     columns,
	}, nil
}

// aggColumns lowers a selection into aggregate columns and their select
// expressions, in a fixed order: count-all, counts, avgs, sums, mins, maxes.
func (c *Compiler) aggColumns(ent *schema.Entity, sel aggregate.Selection) ([]AggColumn, []string, error) {
	var columns []AggColumn
	var exprs []string

	add := func(kind AggKind, fn string, f *schema.Field) {
		alias := string(kind)
		target := "*"
		if f != nil {
			alias = string(kind) + "_" + f.Name
			target = qualify(ent, "", f)
		}
		columns = append(columns, AggColumn{Alias: alias, Kind: kind, Field: f})
		exprs = append(exprs, fn+"("+target+") AS `"+alias+"`")
	}

	if sel.CountAll {
		add(AggCountAll, "COUNT", nil)
	}
	for _, name := range sel.Count {
		f, err := ent.Field(name)
		if err != nil {
			return nil, nil, dberr.Validation("%s", err.Error())
		}
		add(AggCount, "COUNT", f)
	}
	for _, name := range sel.Avg {
		f, err := c.numericField(ent, name, "_avg")
		if err != nil {
			return nil, nil, err
		}
		add(AggAvg, "AVG", f)
	}
	for _, name := range sel.Sum {
		f, err := c.numericField(ent, name, "_sum")
		if err != nil {
			return nil, nil, err
		}
		add(AggSum, "SUM", f)
	}
	for _, name := range sel.Min {
		f, err := c.orderedField(ent, name, "_min")
		if err != nil {
			return nil, nil, err
		}
		add(AggMin, "MIN", f)
	}
	for _, name := range sel.Max {
		f, err := c.orderedField(ent, name, "_max")
		if err != nil {
			return nil, nil, err
		}
		add(AggMax, "MAX", f)
	}
	return columns, exprs, nil
}

func (c *Compiler) numericField(ent *schema.Entity, name, agg string) (*schema.Field, error) {
	f, err := ent.Field(name)
	if err != nil {
		return nil, dberr.Validation("%s", err.Error())
	}
	if !f.Kind.Numeric() {
		return nil, dberr.Validation("%s applies to numeric fields, not %s %s.%s", agg, f.Kind, ent.Name, name)
	}
	return f, nil
}

func (c *Compiler) orderedField(ent *schema.Entity, name, agg string) (*schema.Field, error) {
	f, err := ent.Field(name)
	if err != nil {
		return nil, dberr.Validation("%s", err.Error())
	}
	if !f.Kind.Ordered() && f.Kind != schema.KindEnum && f.Kind != schema.KindBool {
		return nil, dberr.Validation("%s does not apply to %s field %s.%s", agg, f.Kind, ent.Name, name)
	}
	return f, nil
}

func havingOpSQL(op aggregate.HavingOp) (string, error) {
	switch op {
	case aggregate.HavingEq:
		return "=", nil
	case aggregate.HavingNe:
		return "<>", nil
	case aggregate.HavingLt:
		return "<", nil
	case aggregate.HavingLte:
		return "<=", nil
	case aggregate.HavingGt:
		return ">", nil
	case aggregate.HavingGte:
		return ">=", nil
	default:
		return "", dberr.Validation("unknown having operator %q", op)
	}
}

// havingExpr lowers one having term. Field terms must reference the grouping
// key; aggregate terms re-state their function, which MySQL resolves without
// requiring the aggregate to be selected.
func (c *Compiler) havingExpr(ent *schema.Entity, bySet map[string]bool, h aggregate.Having) (sq.Sqlizer, error) {
	op, err := havingOpSQL(h.Op)
	if err != nil {
		return nil, err
	}
	if h.Value == nil {
		return nil, dberr.Validation("having term on %s has no comparison value", ent.Name)
	}
	target, err := c.havingTarget(ent, bySet, h.Agg, h.Field, "having")
	if err != nil {
		return nil, err
	}
	return sq.Expr(target+" "+op+" ?", h.Value), nil
}

func (c *Compiler) groupOrderTerm(ent *schema.Entity, bySet map[string]bool, o aggregate.GroupOrder) (string, error) {
	target, err := c.havingTarget(ent, bySet, o.Agg, o.Field, "groupBy ordering")
	if err != nil {
		return "", err
	}
	return target + " " + directionSQL(o.Direction), nil
}

func (c *Compiler) havingTarget(ent *schema.Entity, bySet map[string]bool, agg aggregate.HavingAgg, field, context string) (string, error) {
	switch agg {
	case aggregate.HavingField:
		if !bySet[field] {
			return "", dberr.Validation("%s references %s.%s, which is not in the grouping key", context, ent.Name, field)
		}
		f, err := ent.Field(field)
		if err != nil {
			return "", dberr.Validation("%s", err.Error())
		}
		return qualify(ent, "", f), nil
	case aggregate.HavingCount:
		if field == "" {
			return "COUNT(*)", nil
		}
		f, err := ent.Field(field)
		if err != nil {
			return "", dberr.Validation("%s", err.Error())
		}
		return "COUNT(" + qualify(ent, "", f) + ")", nil
	case aggregate.HavingAvg, aggregate.HavingSum:
		f, err := c.numericField(ent, field, string(agg))
		if err != nil {
			return "", err
		}
		fn := "AVG"
		if agg == aggregate.HavingSum {
			fn = "SUM"
		}
		return fn + "(" + qualify(ent, "", f) + ")", nil
	case aggregate.HavingMin, aggregate.HavingMax:
		f, err := c.orderedField(ent, field, string(agg))
		if err != nil {
			return "", err
		}
		fn := "MIN"
		if agg == aggregate.HavingMax {
			fn = "MAX"
		}
		return fn + "(" + qualify(ent, "", f) + ")", nil
	default:
		return "", dberr.Validation("unknown aggregate %q in %s", agg, context)
	}
}
