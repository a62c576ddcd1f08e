package compile

import (
	"strings"

	sq "github.com/Masterminds/squirrel"

	"testhealth/internal/dberr"
	"testhealth/internal/sqlutil"
	"testhealth/pkg/filter"
	"testhealth/pkg/mutation"
	"testhealth/pkg/schema"
)

// relationWrite is a resolved nested write: the declared relation, its target
// entity, and the requested operations.
type relationWrite struct {
	rel    *schema.Relation
	target *schema.Entity
	write  mutation.RelationWrite
}

func (r rowRef) value() any {
	if r.expr == "?" {
		return r.args[0]
	}
	return sq.Expr(r.expr, r.args...)
}

func (r rowRef) sqlizer() sq.Sqlizer {
	return sq.Expr(r.expr, r.args...)
}

// splitRelationWrites resolves and partitions nested writes into to-one
// (lowered into the owning row's foreign key columns) and to-many (lowered
// into statements after the owning row exists).
func (c *Compiler) splitRelationWrites(ent *schema.Entity, writes []mutation.RelationWrite) (toOne, toMany []relationWrite, err error) {
	seen := make(map[string]bool, len(writes))
	for _, w := range writes {
		rel, err := ent.Relation(w.Relation)
		if err != nil {
			return nil, nil, dberr.Validation("%s", err.Error())
		}
		if seen[w.Relation] {
			return nil, nil, dberr.Validation("relation %s.%s written twice in one mutation", ent.Name, w.Relation)
		}
		seen[w.Relation] = true
		target, err := c.entity(rel.Target)
		if err != nil {
			return nil, nil, err
		}
		rw := relationWrite{rel: rel, target: target, write: w}
		if rel.Kind == schema.ManyToOne {
			if err := checkToOneWrite(ent, w); err != nil {
				return nil, nil, err
			}
			toOne = append(toOne, rw)
		} else {
			toMany = append(toMany, rw)
		}
	}
	return toOne, toMany, nil
}

func checkToOneWrite(ent *schema.Entity, w mutation.RelationWrite) error {
	if len(w.Set) > 0 || len(w.Update) > 0 || len(w.Upsert) > 0 || len(w.Delete) > 0 {
		return dberr.Validation("relation %s.%s is to-one; only connect, connectOrCreate, create, and disconnect apply", ent.Name, w.Relation)
	}
	ops := 0
	if len(w.Connect) > 0 {
		ops++
	}
	if len(w.ConnectOrCreate) > 0 {
		ops++
	}
	if len(w.Create) > 0 {
		ops++
	}
	if len(w.Disconnect) > 0 {
		ops++
	}
	if ops != 1 {
		return dberr.Validation("to-one relation write %s.%s needs exactly one operation", ent.Name, w.Relation)
	}
	if len(w.Connect) > 1 || len(w.ConnectOrCreate) > 1 || len(w.Create) > 1 {
		return dberr.Validation("to-one relation write %s.%s accepts one target", ent.Name, w.Relation)
	}
	return nil
}

// compileToOneWrite lowers a to-one write into the owning row's foreign key
// value, appending any target-side statements (nested create, ensure-exists)
// to the plan first.
func (c *Compiler) compileToOneWrite(ent *schema.Entity, rw relationWrite, plan *MutationPlan) (fieldValue, error) {
	fk, err := ent.Field(rw.rel.ForeignKeyField)
	if err != nil {
		return fieldValue{}, dberr.Validation("%s", err.Error())
	}
	w := rw.write

	switch {
	case len(w.Connect) == 1:
		ref, err := c.uniqueRef(rw.target, w.Connect[0])
		if err != nil {
			return fieldValue{}, err
		}
		return fieldValue{field: fk, value: ref.value()}, nil
	case len(w.Create) == 1:
		id, err := c.compileCreateInto(rw.target, w.Create[0], nil, plan)
		if err != nil {
			return fieldValue{}, err
		}
		return fieldValue{field: fk, value: id}, nil
	case len(w.ConnectOrCreate) == 1:
		coc := w.ConnectOrCreate[0]
		if err := c.appendEnsureExists(rw.target, coc, plan); err != nil {
			return fieldValue{}, err
		}
		ref, err := c.uniqueRef(rw.target, coc.Where)
		if err != nil {
			return fieldValue{}, err
		}
		return fieldValue{field: fk, value: ref.value()}, nil
	default: // disconnect
		if !fk.Nullable {
			return fieldValue{}, dberr.Validation("cannot disconnect required relation %s.%s", ent.Name, rw.rel.Name)
		}
		return fieldValue{field: fk, value: nil}, nil
	}
}

// appendEnsureExists inserts the connectOrCreate target, degrading to a no-op
// when the unique key already holds a row.
func (c *Compiler) appendEnsureExists(target *schema.Entity, coc mutation.ConnectOrCreate, plan *MutationPlan) error {
	data, err := mergeUniqueIntoData(target, coc.Where, coc.Create)
	if err != nil {
		return err
	}
	values, _, err := c.createValues(target, data, nil)
	if err != nil {
		return err
	}
	suffix, suffixArgs, err := onDuplicateSuffix(target, nil)
	if err != nil {
		return err
	}
	stmt, err := insertStatement(target, values, suffix, suffixArgs...)
	if err != nil {
		return err
	}
	plan.Statements = append(plan.Statements, stmt)
	return nil
}

// mergeUniqueIntoData folds a unique filter's fields into a create payload so
// the created row lands on the addressed key. Conflicting values are rejected.
func mergeUniqueIntoData(ent *schema.Entity, unique filter.Unique, data mutation.Data) (mutation.Data, error) {
	if _, _, err := resolveUnique(ent, unique.Fields); err != nil {
		return nil, err
	}
	merged := make(mutation.Data, len(data)+len(unique.Fields))
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range unique.Fields {
		if existing, ok := merged[k]; ok && existing != v {
			return nil, dberr.Validation("create payload sets %s.%s to a value different from its unique filter", ent.Name, k)
		}
		merged[k] = v
	}
	return merged, nil
}

// uniqueConds renders a unique filter as an AND-joined condition over
// unqualified quoted columns.
func uniqueConds(ent *schema.Entity, unique filter.Unique) (string, []any, error) {
	keyFields, keyValues, err := resolveUnique(ent, unique.Fields)
	if err != nil {
		return "", nil, err
	}
	parts := make([]string, len(keyFields))
	for i, f := range keyFields {
		parts[i] = sqlutil.QuoteIdentifier(f.Column) + " = ?"
	}
	return strings.Join(parts, " AND "), keyValues, nil
}

// compileToManyWrite lowers one to-many relation write into its ordered
// statements: disconnect, set, connect, connectOrCreate, create, update,
// upsert, delete. The fixed order makes structurally identical mutations
// converge to the same state.
func (c *Compiler) compileToManyWrite(ent *schema.Entity, parent rowRef, rw relationWrite, plan *MutationPlan) error {
	switch rw.rel.Kind {
	case schema.OneToMany:
		return c.compileChildWrite(ent, parent, rw, plan)
	case schema.ManyToMany:
		return c.compileJunctionWrite(ent, parent, rw, plan)
	default:
		return dberr.Validation("unknown relation kind %d", rw.rel.Kind)
	}
}

func (c *Compiler) compileChildWrite(ent *schema.Entity, parent rowRef, rw relationWrite, plan *MutationPlan) error {
	target := rw.target
	fk, err := target.Field(rw.rel.ForeignKeyField)
	if err != nil {
		return dberr.Validation("%s", err.Error())
	}
	fkCol := sqlutil.QuoteIdentifier(fk.Column)
	w := rw.write

	requireNullableFK := func(op string) error {
		if !fk.Nullable {
			return dberr.Validation("%s on %s.%s requires a nullable foreign key %s.%s", op, ent.Name, rw.rel.Name, target.Name, fk.Name)
		}
		return nil
	}
	appendStmt := func(b sq.Sqlizer, expectRow bool, entity string) error {
		sql, args, err := b.ToSql()
		if err != nil {
			return err
		}
		plan.Statements = append(plan.Statements, Statement{SQL: sql, Args: args, ExpectRow: expectRow, Entity: entity})
		return nil
	}
	connect := func(u filter.Unique, expectRow bool) error {
		cond, args, err := uniqueConds(target, u)
		if err != nil {
			return err
		}
		b := sq.Update(quotedTable(target)).
			Set(fkCol, parent.value()).
			Where(sq.Expr(cond, args...))
		return appendStmt(b, expectRow, target.Name)
	}

	for _, u := range w.Disconnect {
		if err := requireNullableFK("disconnect"); err != nil {
			return err
		}
		cond, args, err := uniqueConds(target, u)
		if err != nil {
			return err
		}
		b := sq.Update(quotedTable(target)).
			Set(fkCol, nil).
			Where(sq.Expr(cond, args...)).
			Where(sq.Expr(fkCol+" = "+parent.expr, parent.args...))
		if err := appendStmt(b, false, target.Name); err != nil {
			return err
		}
	}

	if w.Set != nil {
		if err := requireNullableFK("set"); err != nil {
			return err
		}
		clearStmt := sq.Update(quotedTable(target)).
			Set(fkCol, nil).
			Where(sq.Expr(fkCol+" = "+parent.expr, parent.args...))
		if err := appendStmt(clearStmt, false, target.Name); err != nil {
			return err
		}
		for _, u := range w.Set {
			if err := connect(u, true); err != nil {
				return err
			}
		}
	}

	for _, u := range w.Connect {
		if err := connect(u, true); err != nil {
			return err
		}
	}

	for _, coc := range w.ConnectOrCreate {
		data, err := mergeUniqueIntoData(target, coc.Where, coc.Create)
		if err != nil {
			return err
		}
		values, _, err := c.createValues(target, data, []fieldValue{{field: fk, value: parent.value()}})
		if err != nil {
			return err
		}
		stmt, err := insertStatement(target, values,
			"ON DUPLICATE KEY UPDATE "+fkCol+" = "+parent.expr, parent.args...)
		if err != nil {
			return err
		}
		plan.Statements = append(plan.Statements, stmt)
	}

	for _, nested := range w.Create {
		if _, err := c.compileCreateInto(target, nested, []fieldValue{{field: fk, value: parent.value()}}, plan); err != nil {
			return err
		}
	}

	for _, nu := range w.Update {
		assigns, err := c.updateAssignments(target, nu.Data)
		if err != nil {
			return err
		}
		if len(assigns) == 0 {
			return dberr.Validation("nested update on %s.%s assigns nothing", ent.Name, rw.rel.Name)
		}
		cond, args, err := uniqueConds(target, nu.Where)
		if err != nil {
			return err
		}
		b := sq.Update(quotedTable(target))
		for _, a := range assigns {
			b = b.Set(sqlutil.QuoteIdentifier(a.field.Column), a.value)
		}
		b = b.Where(sq.Expr(cond, args...)).
			Where(sq.Expr(fkCol+" = "+parent.expr, parent.args...))
		if err := appendStmt(b, true, target.Name); err != nil {
			return err
		}
	}

	for _, nu := range w.Upsert {
		data, err := mergeUniqueIntoData(target, nu.Where, nu.Create)
		if err != nil {
			return err
		}
		values, _, err := c.createValues(target, data, []fieldValue{{field: fk, value: parent.value()}})
		if err != nil {
			return err
		}
		assigns, err := c.updateAssignments(target, nu.Update)
		if err != nil {
			return err
		}
		assigns = append(assigns, fieldValue{field: fk, value: parent.sqlizer()})
		suffix, suffixArgs, err := onDuplicateSuffix(target, assigns)
		if err != nil {
			return err
		}
		stmt, err := insertStatement(target, values, suffix, suffixArgs...)
		if err != nil {
			return err
		}
		plan.Statements = append(plan.Statements, stmt)
	}

	for _, u := range w.Delete {
		cond, args, err := uniqueConds(target, u)
		if err != nil {
			return err
		}
		pk := target.PrimaryKey()
		selector := rowRef{
			expr: "(SELECT " + sqlutil.Qualify(target.Table, pk.Column) + " FROM " + quotedTable(target) +
				" WHERE " + cond + " AND " + fkCol + " = " + parent.expr + ")",
			args: append(append([]any(nil), args...), parent.args...),
		}
		visited := map[string]bool{ent.Name: true, target.Name: true}
		if err := c.cascadeDeletes(target, selector, visited, plan); err != nil {
			return err
		}
		b := sq.Delete(quotedTable(target)).
			Where(sq.Expr(cond, args...)).
			Where(sq.Expr(fkCol+" = "+parent.expr, parent.args...))
		if err := appendStmt(b, true, target.Name); err != nil {
			return err
		}
	}

	return nil
}

func (c *Compiler) compileJunctionWrite(ent *schema.Entity, parent rowRef, rw relationWrite, plan *MutationPlan) error {
	target := rw.target
	junction := sqlutil.QuoteIdentifier(rw.rel.Junction.Table)
	local := sqlutil.QuoteIdentifier(rw.rel.Junction.LocalColumn)
	remote := sqlutil.QuoteIdentifier(rw.rel.Junction.RemoteColumn)
	pk := target.PrimaryKey()
	pkCol := sqlutil.Qualify(target.Table, pk.Column)
	w := rw.write

	edgeSelect := func(cond string, condArgs []any, ignore bool) Statement {
		verb := "INSERT INTO "
		if ignore {
			verb = "INSERT IGNORE INTO "
		}
		return Statement{
			SQL: verb + junction + " (" + local + ", " + remote + ") " +
				"SELECT " + parent.expr + ", " + pkCol + " FROM " + quotedTable(target) + " WHERE " + cond,
			Args:   append(append([]any(nil), parent.args...), condArgs...),
			Entity: target.Name,
		}
	}

	for _, u := range w.Disconnect {
		cond, args, err := uniqueConds(target, u)
		if err != nil {
			return err
		}
		plan.Statements = append(plan.Statements, Statement{
			SQL: "DELETE FROM " + junction + " WHERE " + local + " = " + parent.expr +
				" AND " + remote + " IN (SELECT " + pkCol + " FROM " + quotedTable(target) + " WHERE " + cond + ")",
			Args:   append(append([]any(nil), parent.args...), args...),
			Entity: ent.Name,
		})
	}

	if w.Set != nil {
		plan.Statements = append(plan.Statements, Statement{
			SQL:    "DELETE FROM " + junction + " WHERE " + local + " = " + parent.expr,
			Args:   append([]any(nil), parent.args...),
			Entity: ent.Name,
		})
		for _, u := range w.Set {
			cond, args, err := uniqueConds(target, u)
			if err != nil {
				return err
			}
			stmt := edgeSelect(cond, args, false)
			stmt.ExpectRow = true
			plan.Statements = append(plan.Statements, stmt)
		}
	}

	for _, u := range w.Connect {
		cond, args, err := uniqueConds(target, u)
		if err != nil {
			return err
		}
		stmt := edgeSelect(cond, args, false)
		stmt.ExpectRow = true
		plan.Statements = append(plan.Statements, stmt)
	}

	for _, coc := range w.ConnectOrCreate {
		if err := c.appendEnsureExists(target, coc, plan); err != nil {
			return err
		}
		cond, args, err := uniqueConds(target, coc.Where)
		if err != nil {
			return err
		}
		plan.Statements = append(plan.Statements, edgeSelect(cond, args, true))
	}

	for _, nested := range w.Create {
		id, err := c.compileCreateInto(target, nested, nil, plan)
		if err != nil {
			return err
		}
		b := sq.Insert(junction).Columns(local, remote).Values(parent.value(), id)
		sql, args, err := b.ToSql()
		if err != nil {
			return err
		}
		plan.Statements = append(plan.Statements, Statement{SQL: sql, Args: args, Entity: ent.Name})
	}

	for _, nu := range w.Update {
		assigns, err := c.updateAssignments(target, nu.Data)
		if err != nil {
			return err
		}
		if len(assigns) == 0 {
			return dberr.Validation("nested update on %s.%s assigns nothing", ent.Name, rw.rel.Name)
		}
		cond, args, err := uniqueConds(target, nu.Where)
		if err != nil {
			return err
		}
		b := sq.Update(quotedTable(target))
		for _, a := range assigns {
			b = b.Set(sqlutil.QuoteIdentifier(a.field.Column), a.value)
		}
		b = b.Where(sq.Expr(cond, args...)).
			Where(sq.Expr(sqlutil.QuoteIdentifier(pk.Column)+" IN (SELECT "+remote+" FROM "+junction+" WHERE "+local+" = "+parent.expr+")", parent.args...))
		sql, sqlArgs, err := b.ToSql()
		if err != nil {
			return err
		}
		plan.Statements = append(plan.Statements, Statement{SQL: sql, Args: sqlArgs, ExpectRow: true, Entity: target.Name})
	}

	for _, nu := range w.Upsert {
		data, err := mergeUniqueIntoData(target, nu.Where, nu.Create)
		if err != nil {
			return err
		}
		values, _, err := c.createValues(target, data, nil)
		if err != nil {
			return err
		}
		assigns, err := c.updateAssignments(target, nu.Update)
		if err != nil {
			return err
		}
		suffix, suffixArgs, err := onDuplicateSuffix(target, assigns)
		if err != nil {
			return err
		}
		stmt, err := insertStatement(target, values, suffix, suffixArgs...)
		if err != nil {
			return err
		}
		plan.Statements = append(plan.Statements, stmt)
		cond, args, err := uniqueConds(target, nu.Where)
		if err != nil {
			return err
		}
		plan.Statements = append(plan.Statements, edgeSelect(cond, args, true))
	}

	for _, u := range w.Delete {
		cond, args, err := uniqueConds(target, u)
		if err != nil {
			return err
		}
		// Deleting through the relation only reaches connected rows. The edge
		// must exist; a miss aborts the plan before the row delete runs.
		plan.Statements = append(plan.Statements, Statement{
			SQL: "DELETE FROM " + junction + " WHERE " + local + " = " + parent.expr +
				" AND " + remote + " IN (SELECT " + pkCol + " FROM " + quotedTable(target) + " WHERE " + cond + ")",
			Args:      append(append([]any(nil), parent.args...), args...),
			ExpectRow: true,
			Entity:    target.Name,
		})
		selector := rowRef{
			expr: "(SELECT " + pkCol + " FROM " + quotedTable(target) + " WHERE " + cond + ")",
			args: args,
		}
		visited := map[string]bool{ent.Name: true, target.Name: true}
		if err := c.cascadeDeletes(target, selector, visited, plan); err != nil {
			return err
		}
		b := sq.Delete(quotedTable(target)).Where(sq.Expr(cond, args...))
		sql, sqlArgs, err := b.ToSql()
		if err != nil {
			return err
		}
		plan.Statements = append(plan.Statements, Statement{SQL: sql, Args: sqlArgs, ExpectRow: true, Entity: target.Name})
	}

	return nil
}
