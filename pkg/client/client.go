// Package client is the engine's entry point: schema-validated reads,
// transactional mutations, and aggregations over the test-health store, with
// typed per-entity accessors layered on top.
package client

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"testhealth/internal/compile"
	"testhealth/internal/dberr"
	"testhealth/internal/dbexec"
	"testhealth/internal/logging"
	"testhealth/internal/materialize"
	"testhealth/internal/observability"
	"testhealth/pkg/aggregate"
	"testhealth/pkg/filter"
	"testhealth/pkg/mutation"
	"testhealth/pkg/query"
	"testhealth/pkg/schema"
)

// Client executes compiled operations against one database handle. All
// methods are safe for concurrent use; per-operation state lives on the
// stack and the only shared resource is the pool inside *sql.DB.
type Client struct {
	schema   *schema.Schema
	compiler *compile.Compiler
	db       *dbexec.DB
	logger   *logging.Logger
	metrics  *observability.QueryMetrics
	tracer   trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the operation logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the engine metrics recorder.
func WithMetrics(m *observability.QueryMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New builds a client over an open database handle.
func New(db *sql.DB, s *schema.Schema, opts ...Option) *Client {
	c := &Client{
		schema:   s,
		compiler: compile.New(s),
		db:       dbexec.NewDB(db),
		logger:   &logging.Logger{Logger: slog.Default()},
		tracer:   otel.Tracer("testhealth"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schema returns the schema the client validates against.
func (c *Client) Schema() *schema.Schema {
	return c.schema
}

// instrument opens a span for one operation and returns its finisher.
func (c *Client) instrument(ctx context.Context, entity, operation string) (context.Context, func(error)) {
	ctx, span := c.tracer.Start(ctx, "engine."+operation,
		trace.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("operation", operation),
		))
	start := time.Now()
	return ctx, func(err error) {
		elapsed := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.WithOperation(entity, operation).Warn("operation failed",
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			c.logger.WithOperation(entity, operation).Debug("operation complete",
				slog.Duration("elapsed", elapsed),
			)
		}
		c.metrics.RecordOperation(ctx, entity, operation, elapsed, err != nil)
		span.End()
	}
}

// FindMany runs a filtered, shaped, ordered list read with pagination.
func (c *Client) FindMany(ctx context.Context, entity string, where filter.Where, q *query.Query) (materialize.Page, error) {
	ctx, done := c.instrument(ctx, entity, "findMany")
	var page materialize.Page
	err := func() error {
		plan, err := c.compiler.CompileFindMany(entity, where, q)
		if err != nil {
			return err
		}
		nodes, err := c.runSelect(ctx, c.db, plan)
		if err != nil {
			return err
		}
		page = materialize.FinalizePage(plan, nodes)
		c.metrics.RecordRows(ctx, entity, int64(len(page.Nodes)))
		return nil
	}()
	done(err)
	return page, err
}

// FindFirst returns the first row of an ordered filtered read, or nil.
func (c *Client) FindFirst(ctx context.Context, entity string, where filter.Where, q *query.Query) (*materialize.Node, error) {
	ctx, done := c.instrument(ctx, entity, "findFirst")
	node, err := func() (*materialize.Node, error) {
		plan, err := c.compiler.CompileFindFirst(entity, where, q)
		if err != nil {
			return nil, err
		}
		nodes, err := c.runSelect(ctx, c.db, plan)
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			return nil, nil
		}
		return nodes[0], nil
	}()
	done(err)
	return node, err
}

// FindUnique returns the row addressed by a unique key, or nil.
func (c *Client) FindUnique(ctx context.Context, entity string, unique filter.Unique, q *query.Query) (*materialize.Node, error) {
	ctx, done := c.instrument(ctx, entity, "findUnique")
	node, err := c.findUniqueIn(ctx, c.db, entity, unique, q)
	done(err)
	return node, err
}

func (c *Client) findUniqueIn(ctx context.Context, exec dbexec.Executor, entity string, unique filter.Unique, q *query.Query) (*materialize.Node, error) {
	plan, err := c.compiler.CompileFindUnique(entity, unique, q)
	if err != nil {
		return nil, err
	}
	nodes, err := c.runSelect(ctx, exec, plan)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[0], nil
}

// resolveID looks up the primary key of the row a unique address names.
// Returns nil when no row matches.
func (c *Client) resolveID(ctx context.Context, exec dbexec.Executor, entity string, unique filter.Unique) (any, error) {
	node, err := c.findUniqueIn(ctx, exec, entity, unique, &query.Query{Select: []string{"id"}})
	if err != nil || node == nil {
		return nil, err
	}
	return node.Value("id"), nil
}

// runSelect executes the root statement and every relation load it names.
func (c *Client) runSelect(ctx context.Context, exec dbexec.Executor, plan *compile.SelectPlan) ([]*materialize.Node, error) {
	rows, err := exec.QueryContext(ctx, plan.Query.SQL, plan.Query.Args...)
	if err != nil {
		return nil, dberr.Classify(err)
	}
	nodes, err := materialize.Rows(c.schema, rows, plan)
	if err != nil {
		return nil, err
	}
	if err := c.loadRelations(ctx, exec, plan.Entity.Name, plan.Relations, nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// loadRelations batches each relation load over the collected parent keys,
// then recurses into nested includes on the loaded children.
func (c *Client) loadRelations(ctx context.Context, exec dbexec.Executor, entity string, relations []compile.RelationPlan, nodes []*materialize.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	for _, rp := range relations {
		var keys []any
		seen := make(map[string]bool, len(nodes))
		for _, n := range nodes {
			v := n.Value(rp.ParentKeyField)
			if v == nil {
				continue
			}
			k := materialize.KeyString(v)
			if !seen[k] {
				seen[k] = true
				keys = append(keys, v)
			}
		}
		if len(keys) == 0 {
			for _, n := range nodes {
				n.Attach(rp.Name, nil)
			}
			continue
		}

		batch, err := c.compiler.CompileRelationBatch(entity, rp.Name, keys, rp.Query)
		if err != nil {
			return err
		}
		rows, err := exec.QueryContext(ctx, batch.Query.SQL, batch.Query.Args...)
		if err != nil {
			return dberr.Classify(err)
		}
		groups, err := materialize.BatchRows(c.schema, rows, batch)
		if err != nil {
			return err
		}

		var loaded int64
		var children []*materialize.Node
		for _, n := range nodes {
			group := groups[materialize.KeyString(n.Value(rp.ParentKeyField))]
			loaded += int64(len(group))
			group = materialize.Window(group, batch.PerParentSkip, batch.PerParentTake)
			n.Attach(rp.Name, group)
			children = append(children, group...)
		}
		c.metrics.RecordBatch(ctx, rp.Name, int64(len(keys)), loaded)

		if err := c.loadRelations(ctx, exec, batch.Entity.Name, batch.Relations, children); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts one row with its nested relation writes and reads it back.
func (c *Client) Create(ctx context.Context, entity string, create mutation.Create, q *query.Query) (*materialize.Node, error) {
	ctx, done := c.instrument(ctx, entity, "create")
	node, err := func() (*materialize.Node, error) {
		plan, err := c.compiler.CompileCreate(entity, create)
		if err != nil {
			return nil, err
		}
		return c.runMutation(ctx, plan, q)
	}()
	done(err)
	return node, err
}

// CreateMany inserts a batch and returns the inserted row count.
func (c *Client) CreateMany(ctx context.Context, entity string, batch mutation.CreateMany) (int64, error) {
	ctx, done := c.instrument(ctx, entity, "createMany")
	count, err := func() (int64, error) {
		plan, err := c.compiler.CompileCreateMany(entity, batch)
		if err != nil {
			return 0, err
		}
		return c.runCounted(ctx, plan)
	}()
	done(err)
	return count, err
}

// Update applies a unique-addressed update with nested relation writes and
// reads the row back. A missing row is a not-found error.
func (c *Client) Update(ctx context.Context, entity string, unique filter.Unique, update mutation.Update, q *query.Query) (*materialize.Node, error) {
	ctx, done := c.instrument(ctx, entity, "update")
	node, err := func() (*materialize.Node, error) {
		plan, err := c.compiler.CompileUpdate(entity, unique, update)
		if err != nil {
			return nil, err
		}
		return c.runMutation(ctx, plan, q)
	}()
	done(err)
	return node, err
}

// UpdateMany applies a filtered bulk update and returns the matched count.
func (c *Client) UpdateMany(ctx context.Context, entity string, where filter.Where, data mutation.Data) (int64, error) {
	ctx, done := c.instrument(ctx, entity, "updateMany")
	count, err := func() (int64, error) {
		plan, err := c.compiler.CompileUpdateMany(entity, where, data)
		if err != nil {
			return 0, err
		}
		return c.runCounted(ctx, plan)
	}()
	done(err)
	return count, err
}

// Upsert creates or updates the row on one unique key and reads it back.
func (c *Client) Upsert(ctx context.Context, entity string, unique filter.Unique, upsert mutation.Upsert, q *query.Query) (*materialize.Node, error) {
	ctx, done := c.instrument(ctx, entity, "upsert")
	node, err := func() (*materialize.Node, error) {
		plan, err := c.compiler.CompileUpsert(entity, unique, upsert)
		if err != nil {
			return nil, err
		}
		return c.runMutation(ctx, plan, q)
	}()
	done(err)
	return node, err
}

// Delete removes the row addressed by a unique key, cascading per the
// schema's delete policies, and returns the row as it was.
func (c *Client) Delete(ctx context.Context, entity string, unique filter.Unique, q *query.Query) (*materialize.Node, error) {
	ctx, done := c.instrument(ctx, entity, "delete")
	var node *materialize.Node
	err := func() error {
		plan, err := c.compiler.CompileDelete(entity, unique)
		if err != nil {
			return err
		}
		return dbexec.WithTransaction(ctx, c.db, func(tx *dbexec.Tx) error {
			// Capture the row before its cascade erases it.
			node, err = c.findUniqueIn(ctx, tx, entity, unique, q)
			if err != nil {
				return err
			}
			if node == nil {
				return dberr.NotFound(entity)
			}
			return c.execStatements(ctx, tx, plan)
		})
	}()
	done(err)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// DeleteMany removes every matching row, cascading per the schema's delete
// policies, and returns the removed root-row count.
func (c *Client) DeleteMany(ctx context.Context, entity string, where filter.Where) (int64, error) {
	ctx, done := c.instrument(ctx, entity, "deleteMany")
	count, err := func() (int64, error) {
		plan, err := c.compiler.CompileDeleteMany(entity, where)
		if err != nil {
			return 0, err
		}
		return c.runCounted(ctx, plan)
	}()
	done(err)
	return count, err
}

// Count returns the number of matching rows.
func (c *Client) Count(ctx context.Context, entity string, where filter.Where) (int64, error) {
	ctx, done := c.instrument(ctx, entity, "count")
	count, err := func() (int64, error) {
		plan, err := c.compiler.CompileCount(entity, where)
		if err != nil {
			return 0, err
		}
		result, err := c.runAggregate(ctx, plan)
		if err != nil {
			return 0, err
		}
		return result.CountAll, nil
	}()
	done(err)
	return count, err
}

// Aggregate computes the selected aggregates over the matching rows.
func (c *Client) Aggregate(ctx context.Context, entity string, where filter.Where, sel aggregate.Selection) (*aggregate.Result, error) {
	ctx, done := c.instrument(ctx, entity, "aggregate")
	result, err := func() (*aggregate.Result, error) {
		plan, err := c.compiler.CompileAggregate(entity, where, sel)
		if err != nil {
			return nil, err
		}
		return c.runAggregate(ctx, plan)
	}()
	done(err)
	return result, err
}

// GroupBy partitions matching rows and computes aggregates per group.
func (c *Client) GroupBy(ctx context.Context, entity string, where filter.Where, spec aggregate.GroupBy) ([]aggregate.Group, error) {
	ctx, done := c.instrument(ctx, entity, "groupBy")
	groups, err := func() ([]aggregate.Group, error) {
		plan, err := c.compiler.CompileGroupBy(entity, where, spec)
		if err != nil {
			return nil, err
		}
		rows, err := c.db.QueryContext(ctx, plan.Query.SQL, plan.Query.Args...)
		if err != nil {
			return nil, dberr.Classify(err)
		}
		return materialize.GroupRows(c.schema, rows, plan)
	}()
	done(err)
	return groups, err
}

func (c *Client) runAggregate(ctx context.Context, plan *compile.AggregatePlan) (*aggregate.Result, error) {
	rows, err := c.db.QueryContext(ctx, plan.Query.SQL, plan.Query.Args...)
	if err != nil {
		return nil, dberr.Classify(err)
	}
	return materialize.AggregateRow(c.schema, rows, plan)
}

// runMutation executes a mutation plan in one transaction and reads the
// addressed row back inside it, so the returned shape reflects exactly the
// committed state.
func (c *Client) runMutation(ctx context.Context, plan *compile.MutationPlan, q *query.Query) (*materialize.Node, error) {
	var node *materialize.Node
	err := dbexec.WithTransaction(ctx, c.db, func(tx *dbexec.Tx) error {
		address := plan.ReadBack
		if plan.ResolveReadBack && address != nil {
			// The statements may rewrite the fields the address names, so pin
			// the row's id before they run.
			id, err := c.resolveID(ctx, tx, plan.Entity.Name, *address)
			if err != nil {
				return err
			}
			switch {
			case id != nil:
				byID := filter.ByID(id)
				address = &byID
			case plan.InsertedID != nil:
				byID := filter.ByID(plan.InsertedID)
				address = &byID
			default:
				return dberr.NotFound(plan.Entity.Name)
			}
		}
		if err := c.execStatements(ctx, tx, plan); err != nil {
			return err
		}
		if address == nil {
			return nil
		}
		readBack, err := c.findUniqueIn(ctx, tx, plan.Entity.Name, *address, q)
		if err != nil {
			return err
		}
		if readBack == nil {
			return dberr.NotFound(plan.Entity.Name)
		}
		node = readBack
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// runCounted executes a mutation plan and returns the affected count of its
// final statement, which always targets the root entity's table.
func (c *Client) runCounted(ctx context.Context, plan *compile.MutationPlan) (int64, error) {
	var count int64
	err := dbexec.WithTransaction(ctx, c.db, func(tx *dbexec.Tx) error {
		for i, stmt := range plan.Statements {
			affected, err := c.execStatement(ctx, tx, stmt)
			if err != nil {
				return err
			}
			if i == len(plan.Statements)-1 {
				count = affected
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.metrics.RecordStatements(ctx, plan.Entity.Name, int64(len(plan.Statements)))
	return count, nil
}

func (c *Client) execStatements(ctx context.Context, tx *dbexec.Tx, plan *compile.MutationPlan) error {
	for _, stmt := range plan.Statements {
		if _, err := c.execStatement(ctx, tx, stmt); err != nil {
			return err
		}
	}
	c.metrics.RecordStatements(ctx, plan.Entity.Name, int64(len(plan.Statements)))
	return nil
}

func (c *Client) execStatement(ctx context.Context, tx *dbexec.Tx, stmt compile.Statement) (int64, error) {
	res, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, dberr.Classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if stmt.ExpectRow && affected == 0 {
		return 0, dberr.NotFound(stmt.Entity)
	}
	return affected, nil
}
