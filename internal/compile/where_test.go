package compile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testhealth/pkg/filter"
	"testhealth/pkg/query"
	"testhealth/pkg/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.TestHealthWithAnalysis()
	require.NoError(t, err)
	return s
}

func testCompiler(t *testing.T) *Compiler {
	t.Helper()
	return New(testSchema(t))
}

func findManySQL(t *testing.T, c *Compiler, entity string, where filter.Where) (string, []any) {
	t.Helper()
	plan, err := c.CompileFindMany(entity, where, nil)
	require.NoError(t, err)
	return plan.Query.SQL, plan.Query.Args
}

func TestWhereScalarOperators(t *testing.T) {
	c := testCompiler(t)

	sql, args := findManySQL(t, c, schema.EntityTestFile, filter.Of(
		filter.Eq("healthScore", "POOR"),
		filter.Gt("totalRuns", 10),
	))
	assert.Contains(t, sql, "`test_files`.`health_score` = ?")
	assert.Contains(t, sql, "`test_files`.`total_runs` > ?")
	assert.Equal(t, []any{"POOR", 10}, args)

	sql, args = findManySQL(t, c, schema.EntityTestFile, filter.Of(
		filter.In("healthScore", "POOR", "CRITICAL"),
	))
	assert.Contains(t, sql, "`test_files`.`health_score` IN (?,?)")
	assert.Equal(t, []any{"POOR", "CRITICAL"}, args)
}

func TestWhereStringMatching(t *testing.T) {
	c := testCompiler(t)

	sql, args := findManySQL(t, c, schema.EntityTestFile, filter.Of(
		filter.Contains("filePath", "login"),
		filter.StartsWith("fileName", "auth"),
		filter.EndsWith("fileName", ".test.ts"),
	))
	assert.Contains(t, sql, "`test_files`.`file_path` LIKE ?")
	assert.Equal(t, []any{"%login%", "auth%", "%.test.ts"}, args)
}

func TestWhereLikeEscapesMetacharacters(t *testing.T) {
	c := testCompiler(t)

	_, args := findManySQL(t, c, schema.EntityTestFile, filter.Of(
		filter.Contains("filePath", "100%_done"),
	))
	assert.Equal(t, []any{`%100\%\_done%`}, args)
}

func TestWhereCaseInsensitive(t *testing.T) {
	c := testCompiler(t)

	sql, args := findManySQL(t, c, schema.EntityTestFile, filter.Of(
		filter.Contains("filePath", "Login").Insensitive(),
	))
	assert.Contains(t, sql, "LOWER(`test_files`.`file_path`) LIKE LOWER(?)")
	assert.Equal(t, []any{"%Login%"}, args)

	sql, _ = findManySQL(t, c, schema.EntityTestFile, filter.Of(
		filter.Eq("filePath", "/a/b.test.ts").Insensitive(),
	))
	assert.Contains(t, sql, "LOWER(`test_files`.`file_path`) = LOWER(?)")

	_, err := c.CompileFindMany(schema.EntityTestFile, filter.Of(
		filter.Eq("totalRuns", 3).Insensitive(),
	), nil)
	assert.Error(t, err)
}

func TestWhereNullHandling(t *testing.T) {
	c := testCompiler(t)

	sql, _ := findManySQL(t, c, schema.EntityTestFile, filter.Of(
		filter.IsNull("lastRun", true),
	))
	assert.Contains(t, sql, "`test_files`.`last_run` IS NULL")

	sql, _ = findManySQL(t, c, schema.EntityTestFile, filter.Of(
		filter.IsNull("lastRun", false),
	))
	assert.Contains(t, sql, "`test_files`.`last_run` IS NOT NULL")

	// equals null is SQL NULL equality, lowered to IS NULL.
	sql, _ = findManySQL(t, c, schema.EntityTestFile, filter.Of(
		filter.Eq("lastFailureReason", nil),
	))
	assert.Contains(t, sql, "`test_files`.`last_failure_reason` IS NULL")
}

func TestWhereCombinators(t *testing.T) {
	c := testCompiler(t)

	sql, args := findManySQL(t, c, schema.EntityTestFile, filter.Any(
		filter.Of(filter.Eq("healthScore", "POOR")),
		filter.Of(filter.Eq("healthScore", "CRITICAL")),
	))
	assert.Contains(t, sql, "(`test_files`.`health_score` = ? OR `test_files`.`health_score` = ?)")
	assert.Equal(t, []any{"POOR", "CRITICAL"}, args)

	sql, _ = findManySQL(t, c, schema.EntityTestFile, filter.Negate(
		filter.Of(filter.Eq("healthScore", "GOOD")),
	))
	assert.Contains(t, sql, "NOT (`test_files`.`health_score` = ?)")
}

func TestWhereEmptyMatchesEverything(t *testing.T) {
	c := testCompiler(t)

	sql, args := findManySQL(t, c, schema.EntityTestFile, filter.Where{})
	assert.NotContains(t, sql, "WHERE")
	assert.Empty(t, args)

	// The empty conjunction is true as well.
	sql, args = findManySQL(t, c, schema.EntityTestFile, filter.All())
	assert.NotContains(t, sql, "WHERE")
	assert.Empty(t, args)
}

func TestWhereEmptyDisjunctionMatchesNothing(t *testing.T) {
	c := testCompiler(t)

	sql, args := findManySQL(t, c, schema.EntityTestFile, filter.Any())
	assert.Contains(t, sql, "WHERE 1=0")
	assert.Empty(t, args)
}

func TestWhereRejectsUnknownField(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileFindMany(schema.EntityTestFile, filter.Of(filter.Eq("nope", 1)), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestWhereRejectsEnumOutsideDomain(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileFindMany(schema.EntityTestFile, filter.Of(
		filter.Eq("healthScore", "WONDERFUL"),
	), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the declared enum")
}

func TestWhereJSONPathFilters(t *testing.T) {
	c := testCompiler(t)

	sql, args := findManySQL(t, c, schema.EntityTestFile, filter.Where{JSON: []filter.JSONCond{
		filter.JSONEq("metadata", []string{"ci", "runner"}, "github"),
	}})
	assert.Contains(t, sql, "JSON_EXTRACT(`test_files`.`metadata`, ?) = CAST(? AS JSON)")
	assert.Equal(t, []any{`$."ci"."runner"`, `"github"`}, args)

	sql, args = findManySQL(t, c, schema.EntityTestFile, filter.Where{JSON: []filter.JSONCond{
		filter.JSONHasString("metadata", []string{"owner"}, "platform"),
	}})
	assert.Contains(t, sql, "JSON_UNQUOTE(JSON_EXTRACT(`test_files`.`metadata`, ?)) LIKE ?")
	assert.Equal(t, []any{`$."owner"`, "%platform%"}, args)

	sql, args = findManySQL(t, c, schema.EntityTestFile, filter.Where{JSON: []filter.JSONCond{
		filter.JSONHasElement("metadata", []string{"tags"}, "flaky"),
	}})
	assert.Contains(t, sql, "JSON_CONTAINS(`test_files`.`metadata`, CAST(? AS JSON), ?)")
	assert.Equal(t, []any{`"flaky"`, `$."tags"`}, args)

	sql, args = findManySQL(t, c, schema.EntityTestFile, filter.Where{JSON: []filter.JSONCond{
		filter.JSONFirstElement("metadata", []string{"tags"}, "slow"),
	}})
	assert.Contains(t, sql, "JSON_EXTRACT(`test_files`.`metadata`, ?) = CAST(? AS JSON)")
	assert.Equal(t, []any{`$."tags"[0]`, `"slow"`}, args)

	sql, args = findManySQL(t, c, schema.EntityTestFile, filter.Where{JSON: []filter.JSONCond{
		filter.JSONLastElement("metadata", []string{"tags"}, "slow"),
	}})
	assert.Equal(t, []any{`$."tags"[last]`, `"slow"`}, args)
	_ = sql
}

func TestWhereJSONThreeWayNull(t *testing.T) {
	c := testCompiler(t)

	sql, _ := findManySQL(t, c, schema.EntityTestFile, filter.Where{JSON: []filter.JSONCond{
		filter.JSONIsNull("metadata", filter.DBNull),
	}})
	assert.Contains(t, sql, "`test_files`.`metadata` IS NULL")
	assert.NotContains(t, sql, "JSON_TYPE")

	sql, _ = findManySQL(t, c, schema.EntityTestFile, filter.Where{JSON: []filter.JSONCond{
		filter.JSONIsNull("metadata", filter.JSONNull),
	}})
	assert.Contains(t, sql, "JSON_TYPE(`test_files`.`metadata`) = 'NULL'")
	assert.NotContains(t, sql, "IS NULL")

	sql, _ = findManySQL(t, c, schema.EntityTestFile, filter.Where{JSON: []filter.JSONCond{
		filter.JSONIsNull("metadata", filter.AnyNull),
	}})
	assert.Contains(t, sql, "`test_files`.`metadata` IS NULL OR JSON_TYPE(`test_files`.`metadata`) = 'NULL'")
}

func TestWhereJSONRejectsScalarOperator(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileFindMany(schema.EntityTestFile, filter.Of(
		filter.Eq("metadata", "{}"),
	), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use a JSON condition")
}

func TestWhereRelationQuantifiers(t *testing.T) {
	c := testCompiler(t)
	failed := filter.Of(filter.Eq("passed", false))

	sql, args := findManySQL(t, c, schema.EntityTestFile, filter.Where{Relations: []filter.RelationCond{
		filter.Some("executions", failed),
	}})
	assert.Contains(t, sql, "EXISTS (SELECT 1 FROM `test_executions` AS `__test_executions_1`")
	assert.Contains(t, sql, "`__test_executions_1`.`test_file_id` = `test_files`.`id`")
	assert.Contains(t, sql, "`__test_executions_1`.`passed` = ?")
	assert.Equal(t, []any{false}, args)

	sql, _ = findManySQL(t, c, schema.EntityTestFile, filter.Where{Relations: []filter.RelationCond{
		filter.None("executions", failed),
	}})
	assert.Contains(t, sql, "NOT EXISTS (SELECT 1 FROM `test_executions`")

	// every(p) lowers to "no counterexample": NOT EXISTS rows failing p.
	sql, _ = findManySQL(t, c, schema.EntityTestFile, filter.Where{Relations: []filter.RelationCond{
		filter.Every("executions", filter.Of(filter.Eq("passed", true))),
	}})
	assert.Contains(t, sql, "NOT EXISTS (SELECT 1 FROM `test_executions`")
	assert.Contains(t, sql, "NOT (`__test_executions_1`.`passed` = ?)")
}

func TestWhereEveryWithEmptyPredicateIsTrue(t *testing.T) {
	c := testCompiler(t)

	sql, _ := findManySQL(t, c, schema.EntityTestFile, filter.Where{Relations: []filter.RelationCond{
		filter.Every("executions", filter.Where{}),
	}})
	assert.Contains(t, sql, "1=1")
	assert.NotContains(t, sql, "EXISTS")
}

func TestWhereManyToOneRelationFilter(t *testing.T) {
	c := testCompiler(t)

	sql, args := findManySQL(t, c, schema.EntityTestExecution, filter.Where{Relations: []filter.RelationCond{
		filter.Some("testFile", filter.Of(filter.Eq("healthScore", "CRITICAL"))),
	}})
	assert.Contains(t, sql, "EXISTS (SELECT 1 FROM `test_files` AS `__test_files_1`")
	assert.Contains(t, sql, "`__test_files_1`.`id` = `test_executions`.`test_file_id`")
	assert.Equal(t, []any{"CRITICAL"}, args)
}

func TestWhereManyToManyRelationFilter(t *testing.T) {
	c := testCompiler(t)

	sql, _ := findManySQL(t, c, schema.EntityAnalysisSession, filter.Where{Relations: []filter.RelationCond{
		filter.Some("files", filter.Of(filter.Eq("healthScore", "POOR"))),
	}})
	assert.Contains(t, sql, "EXISTS (SELECT 1 FROM `analysis_session_files`")
	assert.Contains(t, sql, "JOIN `test_files` AS `__test_files_1`")
	assert.Contains(t, sql, "`session_id` = `analysis_sessions`.`id`")
}

func TestWhereNestedRelationFilterAliasesStayDistinct(t *testing.T) {
	c := testCompiler(t)

	sql, _ := findManySQL(t, c, schema.EntityTestFile, filter.Where{Relations: []filter.RelationCond{
		filter.Some("analyses", filter.Where{Relations: []filter.RelationCond{
			filter.Some("session", filter.Of(filter.Eq("status", "ACTIVE"))),
		}}),
	}})
	assert.Contains(t, sql, "`__test_analyses_1`")
	assert.Contains(t, sql, "`__analysis_sessions_2`")
}

func TestWhereMatchesInterpreterAgreesOnScalars(t *testing.T) {
	// The SQL lowering and the in-memory interpreter must agree on scalar
	// semantics; spot-check the SQL-null equality rule both directions.
	w := filter.Of(filter.Eq("healthScore", "POOR"), filter.Gt("totalRuns", 5))

	match, err := w.Matches(map[string]any{"healthScore": "POOR", "totalRuns": 6})
	require.NoError(t, err)
	assert.True(t, match)

	match, err = w.Matches(map[string]any{"healthScore": nil, "totalRuns": 6})
	require.NoError(t, err)
	assert.False(t, match)
}

func TestFindManyOrderingAndPagination(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileFindMany(schema.EntityTestFile, filter.Where{}, &query.Query{
		OrderBy: []query.Order{query.OrderDesc("totalRuns")},
		Page:    query.Page{Take: 20, Skip: 40},
	})
	require.NoError(t, err)
	assert.Contains(t, plan.Query.SQL, "ORDER BY `test_files`.`total_runs` DESC, `test_files`.`id` ASC")
	assert.Contains(t, plan.Query.SQL, "LIMIT 20")
	assert.Contains(t, plan.Query.SQL, "OFFSET 40")
	assert.Equal(t, "totalRuns:DESC,id:ASC", plan.OrderKey)
}

func TestFindManyNullPlacement(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileFindMany(schema.EntityTestFile, filter.Where{}, &query.Query{
		OrderBy: []query.Order{{Field: "lastRun", Direction: query.Desc, Nulls: query.NullsLast}},
	})
	require.NoError(t, err)
	assert.Contains(t, plan.Query.SQL, "ORDER BY ISNULL(`test_files`.`last_run`) ASC, `test_files`.`last_run` DESC")
}

func TestFindManyRelationCountOrdering(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileFindMany(schema.EntityTestFile, filter.Where{}, &query.Query{
		OrderBy: []query.Order{query.ByRelationCount("executions", query.Desc)},
	})
	require.NoError(t, err)
	assert.Contains(t, plan.Query.SQL,
		"(SELECT COUNT(*) FROM `test_executions` WHERE `test_executions`.`test_file_id` = `test_files`.`id`) DESC")

	_, err = c.CompileFindMany(schema.EntityTestExecution, filter.Where{}, &query.Query{
		OrderBy: []query.Order{query.ByRelationCount("testFile", query.Desc)},
	})
	assert.Error(t, err, "relation-count ordering is one-to-many only")
}
