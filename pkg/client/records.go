package client

import (
	"context"

	"testhealth/internal/dberr"
	"testhealth/internal/materialize"
	"testhealth/pkg/aggregate"
	"testhealth/pkg/filter"
	"testhealth/pkg/model"
	"testhealth/pkg/mutation"
	"testhealth/pkg/query"
)

// Page is one page of typed rows with the opaque cursors bounding it.
// NextCursor is empty when HasMore is false; PrevCursor is only set on pages
// reached through a cursor.
type Page[T any] struct {
	Items      []*T
	HasMore    bool
	NextCursor query.Cursor
	PrevCursor query.Cursor
}

// Records is the typed surface over one entity. Find variants return nil
// (not an error) for absent rows; the OrThrow variants turn absence into a
// not-found error. All methods delegate to the untyped client, so behavior
// matches it exactly.
type Records[T any] struct {
	client *Client
	entity string
	decode func(*materialize.Node) (*T, error)
}

func records[T any](c *Client, entity string, decode func(*materialize.Node) (*T, error)) Records[T] {
	return Records[T]{client: c, entity: entity, decode: decode}
}

func (r Records[T]) decodeNode(n *materialize.Node) (*T, error) {
	if n == nil {
		return nil, nil
	}
	return r.decode(n)
}

func (r Records[T]) decodePage(p materialize.Page) (Page[T], error) {
	items := make([]*T, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		item, err := r.decode(n)
		if err != nil {
			return Page[T]{}, err
		}
		items = append(items, item)
	}
	return Page[T]{
		Items:      items,
		HasMore:    p.HasMore,
		NextCursor: p.NextCursor,
		PrevCursor: p.PrevCursor,
	}, nil
}

// FindUnique returns the row addressed by a unique key, or nil.
func (r Records[T]) FindUnique(ctx context.Context, unique filter.Unique, q *query.Query) (*T, error) {
	node, err := r.client.FindUnique(ctx, r.entity, unique, q)
	if err != nil {
		return nil, err
	}
	return r.decodeNode(node)
}

// FindUniqueOrThrow is FindUnique with absence reported as not-found.
func (r Records[T]) FindUniqueOrThrow(ctx context.Context, unique filter.Unique, q *query.Query) (*T, error) {
	item, err := r.FindUnique(ctx, unique, q)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, dberr.NotFound(r.entity)
	}
	return item, nil
}

// FindFirst returns the first matching row under the given ordering, or nil.
func (r Records[T]) FindFirst(ctx context.Context, where filter.Where, q *query.Query) (*T, error) {
	node, err := r.client.FindFirst(ctx, r.entity, where, q)
	if err != nil {
		return nil, err
	}
	return r.decodeNode(node)
}

// FindFirstOrThrow is FindFirst with absence reported as not-found.
func (r Records[T]) FindFirstOrThrow(ctx context.Context, where filter.Where, q *query.Query) (*T, error) {
	item, err := r.FindFirst(ctx, where, q)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, dberr.NotFound(r.entity)
	}
	return item, nil
}

// FindMany returns a page of matching rows.
func (r Records[T]) FindMany(ctx context.Context, where filter.Where, q *query.Query) (Page[T], error) {
	page, err := r.client.FindMany(ctx, r.entity, where, q)
	if err != nil {
		return Page[T]{}, err
	}
	return r.decodePage(page)
}

// Create inserts one row and returns it as committed.
func (r Records[T]) Create(ctx context.Context, create mutation.Create, q *query.Query) (*T, error) {
	node, err := r.client.Create(ctx, r.entity, create, q)
	if err != nil {
		return nil, err
	}
	return r.decodeNode(node)
}

// CreateMany inserts a batch and returns the inserted row count.
func (r Records[T]) CreateMany(ctx context.Context, batch mutation.CreateMany) (int64, error) {
	return r.client.CreateMany(ctx, r.entity, batch)
}

// Update applies a unique-addressed update and returns the committed row.
func (r Records[T]) Update(ctx context.Context, unique filter.Unique, update mutation.Update, q *query.Query) (*T, error) {
	node, err := r.client.Update(ctx, r.entity, unique, update, q)
	if err != nil {
		return nil, err
	}
	return r.decodeNode(node)
}

// UpdateMany applies a filtered bulk update and returns the matched count.
func (r Records[T]) UpdateMany(ctx context.Context, where filter.Where, data mutation.Data) (int64, error) {
	return r.client.UpdateMany(ctx, r.entity, where, data)
}

// Upsert creates or updates on one unique key and returns the committed row.
func (r Records[T]) Upsert(ctx context.Context, unique filter.Unique, upsert mutation.Upsert, q *query.Query) (*T, error) {
	node, err := r.client.Upsert(ctx, r.entity, unique, upsert, q)
	if err != nil {
		return nil, err
	}
	return r.decodeNode(node)
}

// Delete removes the addressed row and returns it as it was.
func (r Records[T]) Delete(ctx context.Context, unique filter.Unique, q *query.Query) (*T, error) {
	node, err := r.client.Delete(ctx, r.entity, unique, q)
	if err != nil {
		return nil, err
	}
	return r.decodeNode(node)
}

// DeleteMany removes every matching row and returns the removed count.
func (r Records[T]) DeleteMany(ctx context.Context, where filter.Where) (int64, error) {
	return r.client.DeleteMany(ctx, r.entity, where)
}

// Count returns the number of matching rows.
func (r Records[T]) Count(ctx context.Context, where filter.Where) (int64, error) {
	return r.client.Count(ctx, r.entity, where)
}

// Aggregate computes the selected aggregates over the matching rows.
func (r Records[T]) Aggregate(ctx context.Context, where filter.Where, sel aggregate.Selection) (*aggregate.Result, error) {
	return r.client.Aggregate(ctx, r.entity, where, sel)
}

// GroupBy partitions matching rows and computes aggregates per group.
func (r Records[T]) GroupBy(ctx context.Context, where filter.Where, spec aggregate.GroupBy) ([]aggregate.Group, error) {
	return r.client.GroupBy(ctx, r.entity, where, spec)
}

// TestFiles accesses the TestFile entity.
func (c *Client) TestFiles() Records[model.TestFile] {
	return records(c, "TestFile", model.TestFileFromNode)
}

// TestExecutions accesses the TestExecution entity.
func (c *Client) TestExecutions() Records[model.TestExecution] {
	return records(c, "TestExecution", model.TestExecutionFromNode)
}

// TestCoverages accesses the TestCoverage entity.
func (c *Client) TestCoverages() Records[model.TestCoverage] {
	return records(c, "TestCoverage", model.TestCoverageFromNode)
}

// TestFixes accesses the TestFix entity.
func (c *Client) TestFixes() Records[model.TestFix] {
	return records(c, "TestFix", model.TestFixFromNode)
}

// TestGenerations accesses the TestGeneration entity.
func (c *Client) TestGenerations() Records[model.TestGeneration] {
	return records(c, "TestGeneration", model.TestGenerationFromNode)
}

// TestPatterns accesses the TestPattern entity.
func (c *Client) TestPatterns() Records[model.TestPattern] {
	return records(c, "TestPattern", model.TestPatternFromNode)
}

// FixPatterns accesses the FixPattern entity.
func (c *Client) FixPatterns() Records[model.FixPattern] {
	return records(c, "FixPattern", model.FixPatternFromNode)
}

// AnalysisSessions accesses the AnalysisSession entity.
func (c *Client) AnalysisSessions() Records[model.AnalysisSession] {
	return records(c, "AnalysisSession", model.AnalysisSessionFromNode)
}

// TestAnalyses accesses the TestAnalysis entity.
func (c *Client) TestAnalyses() Records[model.TestAnalysis] {
	return records(c, "TestAnalysis", model.TestAnalysisFromNode)
}
