package compile

import (
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"testhealth/internal/dberr"
	"testhealth/internal/sqlutil"
	"testhealth/pkg/filter"
	"testhealth/pkg/mutation"
	"testhealth/pkg/schema"
)

// MutationPlan is an ordered statement list to run inside one transaction,
// plus the unique address of the row to read back afterwards. ReadBack is nil
// for batch mutations, which report affected counts instead of rows.
type MutationPlan struct {
	Entity     *schema.Entity
	Statements []Statement
	ReadBack   *filter.Unique

	// ResolveReadBack marks plans whose statements may rewrite the very
	// fields ReadBack addresses. The executor resolves the row's primary key
	// through ReadBack before running the statements and reads back by id,
	// so a mutation that moves its own unique key still returns the row.
	ResolveReadBack bool
	// InsertedID is the id the insert path of an upsert assigns when no row
	// matched ReadBack beforehand.
	InsertedID any
}

// keyedByID reports whether the unique address is the primary key alone.
// The id is never rewritten, so such plans skip the pre-resolve round trip.
func keyedByID(unique filter.Unique) bool {
	_, ok := unique.Fields["id"]
	return ok && len(unique.Fields) == 1
}

// rowRef is a SQL expression yielding one row's id: either a bound literal or
// a scalar subquery resolving a non-id unique key.
type rowRef struct {
	expr string
	args []any
}

func literalRef(id any) rowRef {
	return rowRef{expr: "?", args: []any{id}}
}

func (c *Compiler) uniqueRef(ent *schema.Entity, unique filter.Unique) (rowRef, error) {
	if id, ok := unique.Fields["id"]; ok && len(unique.Fields) == 1 {
		return literalRef(id), nil
	}
	keyFields, keyValues, err := resolveUnique(ent, unique.Fields)
	if err != nil {
		return rowRef{}, err
	}
	var conds []string
	for _, f := range keyFields {
		conds = append(conds, sqlutil.QuoteIdentifier(f.Column)+" = ?")
	}
	pk := ent.PrimaryKey()
	expr := "(SELECT " + sqlutil.QuoteIdentifier(pk.Column) + " FROM " + quotedTable(ent) +
		" WHERE " + strings.Join(conds, " AND ") + ")"
	return rowRef{expr: expr, args: keyValues}, nil
}

// fieldValue pairs a schema field with its write value. The value may be a
// squirrel expression (atomic ops, subquery references).
type fieldValue struct {
	field *schema.Field
	value any
}

// CompileCreate lowers a single-row create with nested relation writes into an
// ordered statement list. Generated defaults (UUID ids, timestamps) are
// resolved here so the created row's address is known before execution.
func (c *Compiler) CompileCreate(entityName string, create mutation.Create) (*MutationPlan, error) {
	ent, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	plan := &MutationPlan{Entity: ent}
	id, err := c.compileCreateInto(ent, create, nil, plan)
	if err != nil {
		return nil, err
	}
	readBack := filter.ByID(id)
	plan.ReadBack = &readBack
	return plan, nil
}

// compileCreateInto appends the insert (and its nested writes) for one row.
// extra carries relation-derived column values, e.g. the parent foreign key of
// a nested child create. Returns the row's id.
func (c *Compiler) compileCreateInto(ent *schema.Entity, create mutation.Create, extra []fieldValue, plan *MutationPlan) (any, error) {
	toOne, toMany, err := c.splitRelationWrites(ent, create.Relations)
	if err != nil {
		return nil, err
	}

	// To-one targets first: their rows must exist before this row's foreign
	// key columns can reference them.
	for _, rw := range toOne {
		fv, err := c.compileToOneWrite(ent, rw, plan)
		if err != nil {
			return nil, err
		}
		extra = append(extra, fv)
	}

	values, id, err := c.createValues(ent, create.Data, extra)
	if err != nil {
		return nil, err
	}
	stmt, err := insertStatement(ent, values, "")
	if err != nil {
		return nil, err
	}
	plan.Statements = append(plan.Statements, stmt)

	parent := literalRef(id)
	for _, rw := range toMany {
		if err := c.compileToManyWrite(ent, parent, rw, plan); err != nil {
			return nil, err
		}
	}
	return id, nil
}

// createValues resolves the write set for one insert: validated data values,
// relation-derived extras, then generated defaults. Returns the row id.
func (c *Compiler) createValues(ent *schema.Entity, data mutation.Data, extra []fieldValue) ([]fieldValue, any, error) {
	set := make(map[string]any, len(data)+len(extra)+2)
	for name, v := range data {
		f, err := ent.Field(name)
		if err != nil {
			return nil, nil, dberr.Validation("%s", err.Error())
		}
		if _, isOp := v.(mutation.FieldOp); isOp {
			return nil, nil, dberr.Validation("atomic numeric ops do not apply on create (%s.%s)", ent.Name, name)
		}
		if err := validateValue(c.schema, ent, f, v); err != nil {
			return nil, nil, err
		}
		set[name] = v
	}
	for _, fv := range extra {
		if _, dup := set[fv.field.Name]; dup {
			return nil, nil, dberr.Validation("field %s.%s is set both directly and through a relation write", ent.Name, fv.field.Name)
		}
		set[fv.field.Name] = fv.value
	}

	var id any
	values := make([]fieldValue, 0, len(set))
	for i := range ent.Fields {
		f := &ent.Fields[i]
		v, present := set[f.Name]
		if !present {
			switch f.Default {
			case schema.DefaultUUID:
				v = uuid.NewString()
			case schema.DefaultNow:
				v = time.Now().UTC()
			case schema.DefaultLiteral:
				v = f.DefaultValue
			default:
				continue
			}
		}
		if f.Name == "id" {
			id = v
		}
		values = append(values, fieldValue{field: f, value: v})
	}
	if id == nil {
		return nil, nil, dberr.Validation("create on %s resolves no id", ent.Name)
	}
	if _, isExpr := id.(sq.Sqlizer); isExpr {
		return nil, nil, dberr.Validation("create on %s cannot derive id from an expression", ent.Name)
	}
	return values, id, nil
}

// insertStatement builds an INSERT, optionally with an ON DUPLICATE KEY UPDATE
// suffix (already rendered with its args).
func insertStatement(ent *schema.Entity, values []fieldValue, suffix string, suffixArgs ...any) (Statement, error) {
	cols := make([]string, len(values))
	row := make([]any, len(values))
	for i, fv := range values {
		cols[i] = sqlutil.QuoteIdentifier(fv.field.Column)
		row[i] = fv.value
	}
	builder := sq.Insert(quotedTable(ent)).Columns(cols...).Values(row...)
	if suffix != "" {
		builder = builder.Suffix(suffix, suffixArgs...)
	}
	sql, args, err := builder.ToSql()
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: sql, Args: args, Entity: ent.Name}, nil
}

// CompileCreateMany lowers a batch insert. The column set is the union of the
// rows' fields plus generated defaults; a row missing a non-nullable,
// non-defaulted column fails validation before any SQL runs.
func (c *Compiler) CompileCreateMany(entityName string, batch mutation.CreateMany) (*MutationPlan, error) {
	ent, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	if len(batch.Rows) == 0 {
		return nil, dberr.Validation("createMany on %s with no rows", ent.Name)
	}

	used := make(map[string]bool)
	for _, row := range batch.Rows {
		for name := range row {
			f, err := ent.Field(name)
			if err != nil {
				return nil, dberr.Validation("%s", err.Error())
			}
			used[f.Name] = true
		}
	}
	var cols []*schema.Field
	for i := range ent.Fields {
		f := &ent.Fields[i]
		if used[f.Name] || f.Default != schema.NoDefault {
			cols = append(cols, f)
		}
	}

	quoted := make([]string, len(cols))
	for i, f := range cols {
		quoted[i] = sqlutil.QuoteIdentifier(f.Column)
	}
	builder := sq.Insert(quotedTable(ent)).Columns(quoted...)
	if batch.SkipDuplicates {
		builder = builder.Options("IGNORE")
	}

	for i, row := range batch.Rows {
		values := make([]any, len(cols))
		for j, f := range cols {
			v, present := row[f.Name]
			if !present {
				switch f.Default {
				case schema.DefaultUUID:
					v = uuid.NewString()
				case schema.DefaultNow:
					v = time.Now().UTC()
				case schema.DefaultLiteral:
					v = f.DefaultValue
				default:
					if !f.Nullable {
						return nil, dberr.Validation("createMany row %d misses non-nullable field %s.%s", i, ent.Name, f.Name)
					}
					v = nil
				}
			}
			if _, isOp := v.(mutation.FieldOp); isOp {
				return nil, dberr.Validation("atomic numeric ops do not apply on create (%s.%s)", ent.Name, f.Name)
			}
			if err := validateValue(c.schema, ent, f, v); err != nil {
				return nil, err
			}
			values[j] = v
		}
		builder = builder.Values(values...)
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	return &MutationPlan{
		Entity:     ent,
		Statements: []Statement{{SQL: sql, Args: args, Entity: ent.Name}},
	}, nil
}

// CompileUpdate lowers a unique-addressed update with nested relation writes.
// The parent row is updated before its relation edits; zero matched rows
// surfaces as not found.
func (c *Compiler) CompileUpdate(entityName string, unique filter.Unique, update mutation.Update) (*MutationPlan, error) {
	ent, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	keyFields, keyValues, err := resolveUnique(ent, unique.Fields)
	if err != nil {
		return nil, err
	}
	plan := &MutationPlan{Entity: ent}

	toOne, toMany, err := c.splitRelationWrites(ent, update.Relations)
	if err != nil {
		return nil, err
	}

	assigns, err := c.updateAssignments(ent, update.Data)
	if err != nil {
		return nil, err
	}
	for _, rw := range toOne {
		fv, err := c.compileToOneWrite(ent, rw, plan)
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, fv)
	}
	if len(assigns) == 0 {
		// Existence touch: nothing to assign, but zero matched rows must
		// still report not found, and relation writes need the row present.
		pk := ent.PrimaryKey()
		assigns = append(assigns, fieldValue{field: pk, value: sq.Expr(sqlutil.QuoteIdentifier(pk.Column))})
	}

	builder := sq.Update(quotedTable(ent))
	for _, a := range assigns {
		builder = builder.Set(sqlutil.QuoteIdentifier(a.field.Column), a.value)
	}
	for i, f := range keyFields {
		builder = builder.Where(sq.Eq{sqlutil.QuoteIdentifier(f.Column): keyValues[i]})
	}
	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	plan.Statements = append(plan.Statements, Statement{SQL: sql, Args: args, ExpectRow: true, Entity: ent.Name})

	if len(toMany) > 0 {
		parent, err := c.uniqueRef(ent, unique)
		if err != nil {
			return nil, err
		}
		for _, rw := range toMany {
			if err := c.compileToManyWrite(ent, parent, rw, plan); err != nil {
				return nil, err
			}
		}
	}

	readBack := unique
	plan.ReadBack = &readBack
	plan.ResolveReadBack = !keyedByID(unique)
	return plan, nil
}

// CompileUpdateMany lowers a filtered bulk update. No relation writes, no read
// back; the executor reports the affected count.
func (c *Compiler) CompileUpdateMany(entityName string, where filter.Where, data mutation.Data) (*MutationPlan, error) {
	ent, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	assigns, err := c.updateAssignments(ent, data)
	if err != nil {
		return nil, err
	}
	if len(assigns) == 0 {
		return nil, dberr.Validation("updateMany on %s assigns nothing", ent.Name)
	}

	builder := sq.Update(quotedTable(ent))
	for _, a := range assigns {
		builder = builder.Set(sqlutil.QuoteIdentifier(a.field.Column), a.value)
	}
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
	return &MutationPlan{
		Entity:     ent,
		Statements: []Statement{{SQL: sql, Args: args, Entity: ent.Name}},
	}, nil
}

// CompileUpsert lowers create-or-update on one unique key into a single
// INSERT ... ON DUPLICATE KEY UPDATE, so concurrent upserts on the same key
// cannot race between a lookup and a write. The unique key's fields are merged
// into the create payload; a conflicting explicit value is rejected.
func (c *Compiler) CompileUpsert(entityName string, unique filter.Unique, upsert mutation.Upsert) (*MutationPlan, error) {
	ent, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	if _, _, err := resolveUnique(ent, unique.Fields); err != nil {
		return nil, err
	}

	createData := make(mutation.Data, len(upsert.Create)+len(unique.Fields))
	for k, v := range upsert.Create {
		createData[k] = v
	}
	for k, v := range unique.Fields {
		if existing, ok := createData[k]; ok && existing != v {
			return nil, dberr.Validation("upsert create sets %s.%s to a value different from its unique filter", ent.Name, k)
		}
		createData[k] = v
	}

	values, insertedID, err := c.createValues(ent, createData, nil)
	if err != nil {
		return nil, err
	}

	updateAssigns, err := c.updateAssignments(ent, upsert.Update)
	if err != nil {
		return nil, err
	}
	suffix, suffixArgs, err := onDuplicateSuffix(ent, updateAssigns)
	if err != nil {
		return nil, err
	}

	stmt, err := insertStatement(ent, values, suffix, suffixArgs...)
	if err != nil {
		return nil, err
	}
	readBack := unique
	return &MutationPlan{
		Entity:          ent,
		Statements:      []Statement{stmt},
		ReadBack:        &readBack,
		ResolveReadBack: !keyedByID(unique),
		InsertedID:      insertedID,
	}, nil
}

// CompileDelete lowers a unique-addressed delete: cascade statements for
// dependent rows first, junction edges and children before their parent, then
// the row itself. Restrict relations emit nothing and rely on the foreign key.
func (c *Compiler) CompileDelete(entityName string, unique filter.Unique) (*MutationPlan, error) {
	ent, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	keyFields, keyValues, err := resolveUnique(ent, unique.Fields)
	if err != nil {
		return nil, err
	}

	var conds []string
	for _, f := range keyFields {
		conds = append(conds, sqlutil.Qualify(ent.Table, f.Column)+" = ?")
	}
	pk := ent.PrimaryKey()
	selector := rowRef{
		expr: "(SELECT " + sqlutil.Qualify(ent.Table, pk.Column) + " FROM " + quotedTable(ent) +
			" WHERE " + strings.Join(conds, " AND ") + ")",
		args: keyValues,
	}

	plan := &MutationPlan{Entity: ent}
	if err := c.cascadeDeletes(ent, selector, map[string]bool{ent.Name: true}, plan); err != nil {
		return nil, err
	}

	builder := sq.Delete(quotedTable(ent))
	for i, f := range keyFields {
		builder = builder.Where(sq.Eq{sqlutil.QuoteIdentifier(f.Column): keyValues[i]})
	}
	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	plan.Statements = append(plan.Statements, Statement{SQL: sql, Args: args, ExpectRow: true, Entity: ent.Name})

	readBack := unique
	plan.ReadBack = &readBack
	return plan, nil
}

// CompileDeleteMany lowers a filtered bulk delete with the same cascade rules.
func (c *Compiler) CompileDeleteMany(entityName string, where filter.Where) (*MutationPlan, error) {
	ent, err := c.entity(entityName)
	if err != nil {
		return nil, err
	}
	state := &whereState{}
	cond, err := c.lowerWhere(ent, "", where, state)
	if err != nil {
		return nil, err
	}

	pk := ent.PrimaryKey()
	selectorBuilder := sq.Select(sqlutil.Qualify(ent.Table, pk.Column)).From(quotedTable(ent))
	if cond != nil {
		selectorBuilder = selectorBuilder.Where(cond)
	}
	selectorSQL, selectorArgs, err := selectorBuilder.ToSql()
	if err != nil {
		return nil, err
	}
	selector := rowRef{expr: "(" + selectorSQL + ")", args: selectorArgs}

	plan := &MutationPlan{Entity: ent}
	if err := c.cascadeDeletes(ent, selector, map[string]bool{ent.Name: true}, plan); err != nil {
		return nil, err
	}

	builder := sq.Delete(quotedTable(ent))
	if cond != nil {
		builder = builder.Where(cond)
	}
	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	plan.Statements = append(plan.Statements, Statement{SQL: sql, Args: args, Entity: ent.Name})
	return plan, nil
}

// cascadeDeletes appends deletes for rows depending on the selected ids,
// deepest descendants first. The visited set stops relation cycles.
func (c *Compiler) cascadeDeletes(ent *schema.Entity, selector rowRef, visited map[string]bool, plan *MutationPlan) error {
	for i := range ent.Relations {
		rel := &ent.Relations[i]
		if rel.OnDelete != schema.Cascade {
			continue
		}
		switch rel.Kind {
		case schema.OneToMany:
			target, err := c.entity(rel.Target)
			if err != nil {
				return err
			}
			fk, err := target.Field(rel.ForeignKeyField)
			if err != nil {
				return dberr.Validation("%s", err.Error())
			}
			if !visited[target.Name] {
				visited[target.Name] = true
				childPK := target.PrimaryKey()
				childSelector := rowRef{
					expr: "(SELECT " + sqlutil.Qualify(target.Table, childPK.Column) + " FROM " + quotedTable(target) +
						" WHERE " + sqlutil.Qualify(target.Table, fk.Column) + " IN " + selector.expr + ")",
					args: selector.args,
				}
				if err := c.cascadeDeletes(target, childSelector, visited, plan); err != nil {
					return err
				}
			}
			stmt := Statement{
				SQL:    "DELETE FROM " + quotedTable(target) + " WHERE " + sqlutil.QuoteIdentifier(fk.Column) + " IN " + selector.expr,
				Args:   append([]any(nil), selector.args...),
				Entity: target.Name,
			}
			plan.Statements = append(plan.Statements, stmt)
		case schema.ManyToMany:
			stmt := Statement{
				SQL: "DELETE FROM " + sqlutil.QuoteIdentifier(rel.Junction.Table) +
					" WHERE " + sqlutil.QuoteIdentifier(rel.Junction.LocalColumn) + " IN " + selector.expr,
				Args:   append([]any(nil), selector.args...),
				Entity: ent.Name,
			}
			plan.Statements = append(plan.Statements, stmt)
		}
	}
	return nil
}

// updateAssignments lowers an update payload into column assignments in field
// declaration order. FieldOp values become in-database arithmetic so
// concurrent increments never lose updates to read-modify-write races.
func (c *Compiler) updateAssignments(ent *schema.Entity, data mutation.Data) ([]fieldValue, error) {
	if len(data) == 0 {
		return nil, nil
	}
	for name := range data {
		if !ent.HasField(name) {
			return nil, dberr.Validation("unknown field %s.%s", ent.Name, name)
		}
	}
	var out []fieldValue
	for i := range ent.Fields {
		f := &ent.Fields[i]
		v, present := data[f.Name]
		if !present {
			continue
		}
		if op, isOp := v.(mutation.FieldOp); isOp {
			expr, err := numericOpExpr(ent, f, op)
			if err != nil {
				return nil, err
			}
			out = append(out, fieldValue{field: f, value: expr})
			continue
		}
		if err := validateValue(c.schema, ent, f, v); err != nil {
			return nil, err
		}
		out = append(out, fieldValue{field: f, value: v})
	}
	return out, nil
}

func numericOpExpr(ent *schema.Entity, f *schema.Field, op mutation.FieldOp) (sq.Sqlizer, error) {
	if !f.Kind.Numeric() {
		return nil, dberr.Validation("atomic numeric op on non-numeric field %s.%s", ent.Name, f.Name)
	}
	if op.Value == nil {
		return nil, dberr.Validation("atomic numeric op on %s.%s has no operand", ent.Name, f.Name)
	}
	col := sqlutil.QuoteIdentifier(f.Column)
	switch op.Op {
	case mutation.OpIncrement:
		return sq.Expr(col+" + ?", op.Value), nil
	case mutation.OpDecrement:
		return sq.Expr(col+" - ?", op.Value), nil
	case mutation.OpMultiply:
		return sq.Expr(col+" * ?", op.Value), nil
	case mutation.OpDivide:
		return sq.Expr(col+" / ?", op.Value), nil
	default:
		return nil, dberr.Validation("unknown numeric op %d", op.Op)
	}
}

// onDuplicateSuffix renders the ON DUPLICATE KEY UPDATE clause. With nothing
// to assign it degrades to a no-op id self-assignment so the insert still
// succeeds against an existing row.
func onDuplicateSuffix(ent *schema.Entity, assigns []fieldValue) (string, []any, error) {
	if len(assigns) == 0 {
		id := sqlutil.QuoteIdentifier(ent.PrimaryKey().Column)
		return "ON DUPLICATE KEY UPDATE " + id + " = " + id, nil, nil
	}
	var parts []string
	var args []any
	for _, a := range assigns {
		col := sqlutil.QuoteIdentifier(a.field.Column)
		if expr, ok := a.value.(sq.Sqlizer); ok {
			exprSQL, exprArgs, err := expr.ToSql()
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, col+" = "+exprSQL)
			args = append(args, exprArgs...)
			continue
		}
		parts = append(parts, col+" = ?")
		args = append(args, a.value)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(parts, ", "), args, nil
}
