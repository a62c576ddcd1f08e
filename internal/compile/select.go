package compile

import (
	"math"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"testhealth/internal/dberr"
	"testhealth/internal/sqlutil"
	"testhealth/pkg/filter"
	"testhealth/pkg/query"
	"testhealth/pkg/schema"
)

// SelectPlan is a compiled read: the root statement, the scan layout of its
// result columns, and the relation loads to run against the root rows.
type SelectPlan struct {
	Entity  *schema.Entity
	Query   SQLQuery
	Columns []string        // result labels, positional with the scan
	Fields  []*schema.Field // parallel to Columns

	Relations []RelationPlan

	// Cursor bookkeeping. With a cursor the statement fetches one row past the
	// window so the executor can tell whether another page exists.
	Take        int
	Reversed    bool
	HasCursor   bool
	OrderKey    string
	Directions  []string
	OrderFields []*schema.Field

	// Per-parent window for batched relation loads, applied while grouping.
	PerParentTake int
	PerParentSkip int
}

// RelationPlan names one relation to load after the root rows are in hand.
// ParentKeyField is the root-side field whose values key the batch.
type RelationPlan struct {
	Name           string
	Relation       *schema.Relation
	ParentKeyField string
	Query          *query.Query
}

// CompileFindMany lowers a filtered, shaped list read.
func (c *Compiler) CompileFindMany(entityName string, where filter.Where, q *query.Query) (*SelectPlan, error) {
	ent, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = &query.Query{}
	}

	fields, relations, err := c.resolveShape(ent, q)
	if err != nil {
		return nil, err
	}
	ord, err := c.lowerOrder(ent, q.OrderBy)
	if err != nil {
		return nil, err
	}

	hasCursor := q.Page.Cursor != ""
	reverse := hasCursor && q.Page.Take < 0
	if q.Page.Take < 0 && !hasCursor {
		return nil, dberr.Validation("negative take requires a cursor")
	}
	if q.Page.Skip < 0 {
		return nil, dberr.Validation("negative skip")
	}

	cols := make([]string, len(fields))
	labels := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = qualify(ent, "", f)
		labels[i] = f.Name
	}

	builder := sq.Select(cols...).From(quotedTable(ent))
	if len(q.Distinct) > 0 {
		if err := checkDistinct(ent, q); err != nil {
			return nil, err
		}
		builder = sq.Select(cols...).Distinct().From(quotedTable(ent))
	}

	state := &whereState{}
	cond, err := c.lowerWhere(ent, "", where, state)
	if err != nil {
		return nil, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	if hasCursor {
		seek, err := c.applyCursor(ent, ord, q.Page.Cursor, reverse)
		if err != nil {
			return nil, err
		}
		builder = builder.Where(seek)
	}

	builder = builder.OrderBy(ord.sqlTerms(reverse)...)

	take := q.Page.Take
	if take < 0 {
		take = -take
	}
	if take > 0 {
		limit := uint64(take)
		if hasCursor {
			limit++
		}
		builder = builder.Limit(limit)
	} else if q.Page.Skip > 0 {
		// MySQL has no bare OFFSET; an unbounded skip rides on the maximal
		// LIMIT per the MySQL manual's idiom.
		builder = builder.Limit(math.MaxUint64)
	}
	if q.Page.Skip > 0 {
		builder = builder.Offset(uint64(q.Page.Skip))
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	return &SelectPlan{
		Entity:      ent,
		Query:       SQLQuery{SQL: sql, Args: args},
		Columns:     labels,
		Fields:      fields,
		Relations:   relations,
		Take:        take,
		Reversed:    reverse,
		HasCursor:   hasCursor,
		OrderKey:    ord.orderKey,
		Directions:  ord.directions,
		OrderFields: ord.fields,
	}, nil
}

// CompileFindFirst is FindMany narrowed to one row.
func (c *Compiler) CompileFindFirst(entityName string, where filter.Where, q *query.Query) (*SelectPlan, error) {
	narrowed := query.Query{}
	if q != nil {
		narrowed = *q
	}
	if narrowed.Page.Cursor != "" {
		return nil, dberr.Validation("findFirst does not take a cursor")
	}
	narrowed.Page = query.Page{Take: 1}
	return c.CompileFindMany(entityName, where, &narrowed)
}

// CompileFindUnique lowers a unique-key point read. The shape query may carry
// Select or Include; ordering and pagination are meaningless for one row and
// rejected.
func (c *Compiler) CompileFindUnique(entityName string, unique filter.Unique, q *query.Query) (*SelectPlan, error) {
	ent, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = &query.Query{}
	}
	if len(q.OrderBy) > 0 || q.Page != (query.Page{}) || len(q.Distinct) > 0 {
		return nil, dberr.Validation("findUnique takes only select or include")
	}

	keyFields, keyValues, err := resolveUnique(ent, unique.Fields)
	if err != nil {
		return nil, err
	}
	fields, relations, err := c.resolveShape(ent, q)
	if err != nil {
		return nil, err
	}

	cols := make([]string, len(fields))
	labels := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = qualify(ent, "", f)
		labels[i] = f.Name
	}

	builder := sq.Select(cols...).From(quotedTable(ent))
	for i, f := range keyFields {
		builder = builder.Where(sq.Eq{qualify(ent, "", f): keyValues[i]})
	}
	builder = builder.Limit(1)

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	return &SelectPlan{
		Entity:    ent,
		Query:     SQLQuery{SQL: sql, Args: args},
		Columns:   labels,
		Fields:    fields,
		Relations: relations,
	}, nil
}

// CompileRelationBatch lowers one relation load over the collected parent
// keys. The statement carries the grouping key as a trailing aliased column so
// one round trip serves every parent row.
func (c *Compiler) CompileRelationBatch(parentEntity, relationName string, parentKeys []any, q *query.Query) (*SelectPlan, error) {
	parent, err := c.entity(parentEntity)
	if err != nil {
		return nil, err
	}
	rel, err := parent.Relation(relationName)
	if err != nil {
		return nil, dberr.Validation("%s", err.Error())
	}
	target, err := c.entity(rel.Target)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = &query.Query{}
	}
	if q.Page.Cursor != "" {
		return nil, dberr.Validation("cursor pagination is not supported on included relations")
	}
	if len(q.Distinct) > 0 {
		return nil, dberr.Validation("distinct is not supported on included relations")
	}
	if q.Page.Take < 0 || q.Page.Skip < 0 {
		return nil, dberr.Validation("included relation take and skip must be non-negative")
	}

	fields, relations, err := c.resolveShape(target, q)
	if err != nil {
		return nil, err
	}
	ord, err := c.lowerOrder(target, q.OrderBy)
	if err != nil {
		return nil, err
	}

	cols := make([]string, len(fields), len(fields)+1)
	labels := make([]string, len(fields), len(fields)+1)
	for i, f := range fields {
		cols[i] = qualify(target, "", f)
		labels[i] = f.Name
	}

	var builder sq.SelectBuilder
	switch rel.Kind {
	case schema.OneToMany:
		fk, err := target.Field(rel.ForeignKeyField)
		if err != nil {
			return nil, dberr.Validation("%s", err.Error())
		}
		keyCol := qualify(target, "", fk)
		builder = sq.Select(append(cols, keyCol+" AS "+sqlutil.QuoteIdentifier(BatchParentColumn))...).
			From(quotedTable(target)).
			Where(sq.Eq{keyCol: parentKeys})
	case schema.ManyToOne:
		pk := qualify(target, "", target.PrimaryKey())
		builder = sq.Select(append(cols, pk+" AS "+sqlutil.QuoteIdentifier(BatchParentColumn))...).
			From(quotedTable(target)).
			Where(sq.Eq{pk: parentKeys})
	case schema.ManyToMany:
		junction := sqlutil.QuoteIdentifier(rel.Junction.Table)
		local := sqlutil.Qualify(rel.Junction.Table, rel.Junction.LocalColumn)
		remote := sqlutil.Qualify(rel.Junction.Table, rel.Junction.RemoteColumn)
		pk := qualify(target, "", target.PrimaryKey())
		builder = sq.Select(append(cols, local+" AS "+sqlutil.QuoteIdentifier(BatchParentColumn))...).
			From(junction).
			Join(quotedTable(target) + " ON " + pk + " = " + remote).
			Where(sq.Eq{local: parentKeys})
	default:
		return nil, dberr.Validation("unknown relation kind %d", rel.Kind)
	}

	builder = builder.OrderBy(ord.sqlTerms(false)...)

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	return &SelectPlan{
		Entity:        target,
		Query:         SQLQuery{SQL: sql, Args: args},
		Columns:       labels,
		Fields:        fields,
		Relations:     relations,
		PerParentTake: q.Page.Take,
		PerParentSkip: q.Page.Skip,
	}, nil
}

// resolveShape resolves one query level into scalar fields plus relation
// plans. Select and Include are mutually exclusive; neither selected means all
// scalar fields.
func (c *Compiler) resolveShape(ent *schema.Entity, q *query.Query) ([]*schema.Field, []RelationPlan, error) {
	if len(q.Select) > 0 && len(q.Include) > 0 {
		return nil, nil, dberr.Validation("select and include are mutually exclusive on %s", ent.Name)
	}

	if len(q.Select) > 0 {
		fields := make([]*schema.Field, 0, len(q.Select))
		seen := make(map[string]bool, len(q.Select))
		for _, name := range q.Select {
			if seen[name] {
				return nil, nil, dberr.Validation("field %s.%s selected twice", ent.Name, name)
			}
			seen[name] = true
			f, err := ent.Field(name)
			if err != nil {
				return nil, nil, dberr.Validation("%s", err.Error())
			}
			fields = append(fields, f)
		}
		return fields, nil, nil
	}

	fields := make([]*schema.Field, len(ent.Fields))
	for i := range ent.Fields {
		fields[i] = &ent.Fields[i]
	}

	if len(q.Include) == 0 {
		return fields, nil, nil
	}

	names := make([]string, 0, len(q.Include))
	for name := range q.Include {
		names = append(names, name)
	}
	sort.Strings(names)

	relations := make([]RelationPlan, 0, len(names))
	for _, name := range names {
		rel, err := ent.Relation(name)
		if err != nil {
			return nil, nil, dberr.Validation("%s", err.Error())
		}
		parentKey := "id"
		if rel.Kind == schema.ManyToOne {
			parentKey = rel.ForeignKeyField
		}
		relations = append(relations, RelationPlan{
			Name:           name,
			Relation:       rel,
			ParentKeyField: parentKey,
			Query:          q.Include[name],
		})
	}
	return fields, relations, nil
}

func checkDistinct(ent *schema.Entity, q *query.Query) error {
	if len(q.Select) == 0 {
		return dberr.Validation("distinct requires an explicit select of the distinct fields")
	}
	selected := make(map[string]bool, len(q.Select))
	for _, name := range q.Select {
		selected[name] = true
	}
	if len(q.Distinct) != len(q.Select) {
		return dberr.Validation("distinct must cover exactly the selected fields")
	}
	for _, name := range q.Distinct {
		if !selected[name] {
			return dberr.Validation("distinct field %s is not selected", name)
		}
	}
	return nil
}
