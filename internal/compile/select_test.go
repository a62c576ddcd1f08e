package compile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testhealth/internal/cursor"
	"testhealth/pkg/filter"
	"testhealth/pkg/query"
	"testhealth/pkg/schema"
)

func TestFindManySelectsDeclaredFields(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileFindMany(schema.EntityTestExecution, filter.Where{}, nil)
	require.NoError(t, err)
	assert.Contains(t, plan.Query.SQL, "SELECT `test_executions`.`id`, `test_executions`.`test_file_id`")
	assert.Contains(t, plan.Query.SQL, "FROM `test_executions`")
	assert.Len(t, plan.Columns, 10)
	assert.Equal(t, "id", plan.Columns[0])
	assert.Empty(t, plan.Relations)
}

func TestFindManyExplicitSelect(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileFindMany(schema.EntityTestFile, filter.Where{}, &query.Query{
		Select: []string{"id", "filePath", "healthScore"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "filePath", "healthScore"}, plan.Columns)
	assert.NotContains(t, plan.Query.SQL, "`total_runs`")
}

func TestFindManySelectAndIncludeAreExclusive(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileFindMany(schema.EntityTestFile, filter.Where{}, &query.Query{
		Select:  []string{"id"},
		Include: map[string]*query.Query{"executions": nil},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestFindManyIncludePlansRelations(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileFindMany(schema.EntityTestExecution, filter.Where{}, &query.Query{
		Include: map[string]*query.Query{"testFile": nil},
	})
	require.NoError(t, err)
	require.Len(t, plan.Relations, 1)
	assert.Equal(t, "testFile", plan.Relations[0].Name)
	// to-one batches are keyed by the local foreign key values.
	assert.Equal(t, "testFileId", plan.Relations[0].ParentKeyField)
}

func TestFindUniqueByDeclaredKey(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileFindUnique(schema.EntityTestFile, filter.By("filePath", "/a/b.test.ts"), nil)
	require.NoError(t, err)
	assert.Contains(t, plan.Query.SQL, "`test_files`.`file_path` = ?")
	assert.Contains(t, plan.Query.SQL, "LIMIT 1")
	assert.Equal(t, []any{"/a/b.test.ts"}, plan.Query.Args)
}

func TestFindUniqueRejectsNonUniqueFields(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileFindUnique(schema.EntityTestFile, filter.By("fileName", "b.test.ts"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not form a declared unique key")
}

func TestFindFirstLimitsToOneRow(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileFindFirst(schema.EntityTestFile, filter.Where{}, &query.Query{
		OrderBy: []query.Order{query.OrderDesc("totalRuns")},
	})
	require.NoError(t, err)
	assert.Contains(t, plan.Query.SQL, "LIMIT 1")
}

func TestCursorPaginationForward(t *testing.T) {
	c := testCompiler(t)

	boundary := cursor.Encode(schema.EntityTestFile, "totalRuns:DESC,id:ASC", []string{"DESC", "ASC"}, int64(12), "tf-9")
	plan, err := c.CompileFindMany(schema.EntityTestFile, filter.Where{}, &query.Query{
		OrderBy: []query.Order{query.OrderDesc("totalRuns")},
		Page:    query.Page{Take: 10, Cursor: query.Cursor(boundary)},
	})
	require.NoError(t, err)

	// Row-wise seek: strictly past the boundary in sort order.
	assert.Contains(t, plan.Query.SQL, "`test_files`.`total_runs` < ?")
	assert.Contains(t, plan.Query.SQL, "(`test_files`.`total_runs` = ? AND `test_files`.`id` > ?)")
	// One row past the window to detect the next page.
	assert.Contains(t, plan.Query.SQL, "LIMIT 11")
	assert.True(t, plan.HasCursor)
	assert.False(t, plan.Reversed)
	assert.Equal(t, 10, plan.Take)
}

func TestCursorPaginationBackward(t *testing.T) {
	c := testCompiler(t)

	boundary := cursor.Encode(schema.EntityTestFile, "totalRuns:DESC,id:ASC", []string{"DESC", "ASC"}, int64(12), "tf-9")
	plan, err := c.CompileFindMany(schema.EntityTestFile, filter.Where{}, &query.Query{
		OrderBy: []query.Order{query.OrderDesc("totalRuns")},
		Page:    query.Page{Take: -10, Cursor: query.Cursor(boundary)},
	})
	require.NoError(t, err)

	// Scan direction flips; the executor reverses rows back afterwards.
	assert.Contains(t, plan.Query.SQL, "ORDER BY `test_files`.`total_runs` ASC, `test_files`.`id` DESC")
	assert.Contains(t, plan.Query.SQL, "`test_files`.`total_runs` > ?")
	assert.True(t, plan.Reversed)
	assert.Equal(t, 10, plan.Take)
}

func TestCursorRejectsMismatchedOrdering(t *testing.T) {
	c := testCompiler(t)

	boundary := cursor.Encode(schema.EntityTestFile, "totalRuns:DESC,id:ASC", []string{"DESC", "ASC"}, int64(12), "tf-9")
	_, err := c.CompileFindMany(schema.EntityTestFile, filter.Where{}, &query.Query{
		OrderBy: []query.Order{query.OrderAsc("avgPassRate")},
		Page:    query.Page{Take: 10, Cursor: query.Cursor(boundary)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cursor ordering mismatch")
}

func TestCursorRejectsNullableOrderField(t *testing.T) {
	c := testCompiler(t)

	boundary := cursor.Encode(schema.EntityTestFile, "lastRun:ASC,id:ASC", []string{"ASC", "ASC"}, "x", "tf-1")
	_, err := c.CompileFindMany(schema.EntityTestFile, filter.Where{}, &query.Query{
		OrderBy: []query.Order{query.OrderAsc("lastRun")},
		Page:    query.Page{Take: 5, Cursor: query.Cursor(boundary)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-nullable order fields")
}

func TestSkipWithoutTakeKeepsLimitClause(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileFindMany(schema.EntityTestFile, filter.Where{}, &query.Query{
		Page: query.Page{Skip: 5},
	})
	require.NoError(t, err)

	// MySQL rejects a bare OFFSET, so an unbounded skip pairs it with the
	// maximal LIMIT.
	assert.Contains(t, plan.Query.SQL, "LIMIT 18446744073709551615 OFFSET 5")
}

func TestNegativeTakeWithoutCursorRejected(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileFindMany(schema.EntityTestFile, filter.Where{}, &query.Query{
		Page: query.Page{Take: -5},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a cursor")
}

func TestRelationBatchOneToMany(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileRelationBatch(schema.EntityTestFile, "executions", []any{"tf-1", "tf-2"}, nil)
	require.NoError(t, err)
	assert.Contains(t, plan.Query.SQL, "`test_executions`.`test_file_id` AS `__parent_key`")
	assert.Contains(t, plan.Query.SQL, "`test_executions`.`test_file_id` IN (?,?)")
	assert.Equal(t, []any{"tf-1", "tf-2"}, plan.Query.Args)
	assert.Equal(t, schema.EntityTestExecution, plan.Entity.Name)
}

func TestRelationBatchManyToOne(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileRelationBatch(schema.EntityTestExecution, "testFile", []any{"tf-1"}, nil)
	require.NoError(t, err)
	assert.Contains(t, plan.Query.SQL, "`test_files`.`id` AS `__parent_key`")
	assert.Contains(t, plan.Query.SQL, "`test_files`.`id` IN (?)")
}

func TestRelationBatchManyToMany(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileRelationBatch(schema.EntityAnalysisSession, "files", []any{"s-1"}, nil)
	require.NoError(t, err)
	assert.Contains(t, plan.Query.SQL, "FROM `analysis_session_files`")
	assert.Contains(t, plan.Query.SQL, "JOIN `test_files` ON `test_files`.`id` = `analysis_session_files`.`test_file_id`")
	assert.Contains(t, plan.Query.SQL, "`analysis_session_files`.`session_id` AS `__parent_key`")
	assert.Contains(t, plan.Query.SQL, "`analysis_session_files`.`session_id` IN (?)")
}

func TestRelationBatchWindowIsPerParent(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileRelationBatch(schema.EntityTestFile, "executions", []any{"tf-1"}, &query.Query{
		OrderBy: []query.Order{query.OrderDesc("executedAt")},
		Page:    query.Page{Take: 3, Skip: 1},
	})
	require.NoError(t, err)
	// The window applies per parent while grouping, not as a SQL LIMIT.
	assert.NotContains(t, plan.Query.SQL, "LIMIT")
	assert.Equal(t, 3, plan.PerParentTake)
	assert.Equal(t, 1, plan.PerParentSkip)
	assert.Contains(t, plan.Query.SQL, "ORDER BY `test_executions`.`executed_at` DESC")
}

func TestDistinctRequiresMatchingSelect(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileFindMany(schema.EntityTestExecution, filter.Where{}, &query.Query{
		Select:   []string{"environment", "commitHash"},
		Distinct: []string{"environment", "commitHash"},
	})
	require.NoError(t, err)
	assert.Contains(t, plan.Query.SQL, "SELECT DISTINCT `test_executions`.`environment`")

	_, err = c.CompileFindMany(schema.EntityTestExecution, filter.Where{}, &query.Query{
		Distinct: []string{"environment"},
	})
	require.Error(t, err)
}
