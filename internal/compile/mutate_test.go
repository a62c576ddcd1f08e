package compile

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testhealth/pkg/filter"
	"testhealth/pkg/mutation"
	"testhealth/pkg/schema"
)

func TestCreateFillsGeneratedDefaults(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileCreate(schema.EntityTestFile, mutation.Create{
		Data: mutation.Data{
			"filePath": "/a/b.test.ts",
			"fileName": "b.test.ts",
		},
	})
	require.NoError(t, err)
	require.Len(t, plan.Statements, 1)

	stmt := plan.Statements[0]
	assert.Contains(t, stmt.SQL, "INSERT INTO `test_files`")
	assert.Contains(t, stmt.SQL, "`id`")
	assert.Contains(t, stmt.SQL, "`health_score`")

	// id is generated at compile time and addresses the read back.
	require.NotNil(t, plan.ReadBack)
	id, ok := plan.ReadBack.Fields["id"].(string)
	require.True(t, ok)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
	assert.Contains(t, stmt.Args, id)
	assert.Contains(t, stmt.Args, "GOOD")
}

func TestCreateRejectsEnumOutsideDomain(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileCreate(schema.EntityTestFile, mutation.Create{
		Data: mutation.Data{
			"filePath":    "/a/b.test.ts",
			"fileName":    "b.test.ts",
			"healthScore": "SPLENDID",
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the declared enum")
}

func TestCreateRejectsNullIntoNonNullable(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileCreate(schema.EntityTestFile, mutation.Create{
		Data: mutation.Data{"filePath": nil, "fileName": "b.test.ts"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not nullable")
}

func TestCreateWithNestedChildCreates(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileCreate(schema.EntityTestFile, mutation.Create{
		Data: mutation.Data{"filePath": "/a/b.test.ts", "fileName": "b.test.ts"},
		Relations: []mutation.RelationWrite{{
			Relation: "executions",
			Create: []mutation.Create{{
				Data: mutation.Data{"passed": true, "duration": 1.5, "testResults": "{}"},
			}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Statements, 2)
	assert.Contains(t, plan.Statements[0].SQL, "INSERT INTO `test_files`")
	assert.Contains(t, plan.Statements[1].SQL, "INSERT INTO `test_executions`")
	assert.Contains(t, plan.Statements[1].SQL, "`test_file_id`")
	// The child insert carries the parent's generated id.
	assert.Contains(t, plan.Statements[1].Args, plan.ReadBack.Fields["id"])
}

func TestCreateWithToOneConnect(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileCreate(schema.EntityTestExecution, mutation.Create{
		Data: mutation.Data{"passed": true, "duration": 0.2, "testResults": "{}"},
		Relations: []mutation.RelationWrite{{
			Relation: "testFile",
			Connect:  []filter.Unique{filter.By("filePath", "/a/b.test.ts")},
		}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Statements, 1)
	// Connect by non-id unique key resolves through a scalar subquery.
	assert.Contains(t, plan.Statements[0].SQL, "(SELECT `id` FROM `test_files` WHERE `file_path` = ?)")
	assert.Contains(t, plan.Statements[0].Args, "/a/b.test.ts")
}

func TestCreateManyBatchesRows(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileCreateMany(schema.EntityTestExecution, mutation.CreateMany{
		Rows: []mutation.Data{
			{"testFileId": "tf-1", "passed": true, "duration": 0.5, "testResults": "{}"},
			{"testFileId": "tf-1", "passed": false, "duration": 0.9, "testResults": "{}"},
		},
	})
	require.NoError(t, err)
	require.Len(t, plan.Statements, 1)
	assert.Contains(t, plan.Statements[0].SQL, "INSERT INTO `test_executions`")
	assert.Contains(t, plan.Statements[0].SQL, "),(")
	assert.Nil(t, plan.ReadBack)
}

func TestCreateManySkipDuplicates(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileCreateMany(schema.EntityTestFile, mutation.CreateMany{
		Rows:           []mutation.Data{{"filePath": "/a.ts", "fileName": "a.ts"}},
		SkipDuplicates: true,
	})
	require.NoError(t, err)
	assert.Contains(t, plan.Statements[0].SQL, "INSERT IGNORE INTO `test_files`")
}

func TestCreateManyRejectsMissingRequiredField(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileCreateMany(schema.EntityTestExecution, mutation.CreateMany{
		Rows: []mutation.Data{{"passed": true}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "misses non-nullable field")
}

func TestUpdateAtomicNumericOps(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileUpdate(schema.EntityTestFile, filter.ByID("tf-1"), mutation.Update{
		Data: mutation.Data{
			"totalRuns":   mutation.Increment(1),
			"avgPassRate": mutation.Multiply(0.9),
			"lastRun":     time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	require.Len(t, plan.Statements, 1)

	stmt := plan.Statements[0]
	assert.Contains(t, stmt.SQL, "`total_runs` = `total_runs` + ?")
	assert.Contains(t, stmt.SQL, "`avg_pass_rate` = `avg_pass_rate` * ?")
	assert.True(t, stmt.ExpectRow)
	assert.Equal(t, schema.EntityTestFile, stmt.Entity)
}

func TestUpdateRejectsAtomicOpOnNonNumeric(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileUpdate(schema.EntityTestFile, filter.ByID("tf-1"), mutation.Update{
		Data: mutation.Data{"filePath": mutation.Increment(1)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-numeric")
}

func TestUpdateManyAppliesFilter(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileUpdateMany(schema.EntityTestFile,
		filter.Of(filter.Eq("healthScore", "POOR")),
		mutation.Data{"healthScore": "CRITICAL"})
	require.NoError(t, err)
	require.Len(t, plan.Statements, 1)
	assert.Contains(t, plan.Statements[0].SQL, "UPDATE `test_files` SET `health_score` = ?")
	assert.Contains(t, plan.Statements[0].SQL, "`test_files`.`health_score` = ?")
	assert.Equal(t, []any{"CRITICAL", "POOR"}, plan.Statements[0].Args)
	assert.False(t, plan.Statements[0].ExpectRow)
}

func TestUpsertIsSingleStatement(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileUpsert(schema.EntityTestFile, filter.By("filePath", "/a/b.test.ts"), mutation.Upsert{
		Create: mutation.Data{"fileName": "b.test.ts"},
		Update: mutation.Data{"totalRuns": mutation.Increment(1)},
	})
	require.NoError(t, err)
	require.Len(t, plan.Statements, 1)

	stmt := plan.Statements[0]
	assert.Contains(t, stmt.SQL, "INSERT INTO `test_files`")
	assert.Contains(t, stmt.SQL, "ON DUPLICATE KEY UPDATE `total_runs` = `total_runs` + ?")
	// The unique filter's fields land in the insert payload.
	assert.Contains(t, stmt.Args, "/a/b.test.ts")
	require.NotNil(t, plan.ReadBack)
	assert.Equal(t, "/a/b.test.ts", plan.ReadBack.Fields["filePath"])
	// The update arm may move the addressed key, so the executor pins the
	// row id first; the generated id covers the insert arm.
	assert.True(t, plan.ResolveReadBack)
	assert.NotNil(t, plan.InsertedID)
}

func TestUpsertRejectsConflictingCreateValue(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileUpsert(schema.EntityTestFile, filter.By("filePath", "/a.ts"), mutation.Upsert{
		Create: mutation.Data{"filePath": "/b.ts", "fileName": "b.ts"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different from its unique filter")
}

func TestDeleteCascadesChildrenFirst(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileDelete(schema.EntityTestFile, filter.ByID("tf-1"))
	require.NoError(t, err)

	// executions, coverage, fixes, generations, analyses, junction edges,
	// then the file row itself.
	require.Len(t, plan.Statements, 7)
	assert.Contains(t, plan.Statements[0].SQL, "DELETE FROM `test_executions` WHERE `test_file_id` IN (SELECT `test_files`.`id` FROM `test_files` WHERE `test_files`.`id` = ?)")
	assert.Contains(t, plan.Statements[5].SQL, "DELETE FROM `analysis_session_files`")

	last := plan.Statements[len(plan.Statements)-1]
	assert.Equal(t, "DELETE FROM `test_files` WHERE `id` = ?", last.SQL)
	assert.True(t, last.ExpectRow)
}

func TestDeleteRestrictEmitsNoCascade(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileDelete(schema.EntityTestPattern, filter.ByID("pat-1"))
	require.NoError(t, err)
	require.Len(t, plan.Statements, 1)
	assert.Equal(t, "DELETE FROM `test_patterns` WHERE `id` = ?", plan.Statements[0].SQL)
}

func TestDeleteManyCascadesThroughFilter(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileDeleteMany(schema.EntityTestFile,
		filter.Of(filter.Eq("healthScore", "CRITICAL")))
	require.NoError(t, err)
	require.True(t, len(plan.Statements) > 1)

	first := plan.Statements[0]
	assert.Contains(t, first.SQL, "DELETE FROM `test_executions` WHERE `test_file_id` IN (SELECT `test_files`.`id` FROM `test_files` WHERE `test_files`.`health_score` = ?)")
	assert.Equal(t, []any{"CRITICAL"}, first.Args)

	last := plan.Statements[len(plan.Statements)-1]
	assert.Contains(t, last.SQL, "DELETE FROM `test_files` WHERE `test_files`.`health_score` = ?")
	assert.False(t, last.ExpectRow)
}

func TestNestedWritesKeepFixedOrder(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileUpdate(schema.EntityTestFile, filter.ByID("tf-1"), mutation.Update{
		Relations: []mutation.RelationWrite{{
			Relation:   "executions",
			Create:     []mutation.Create{{Data: mutation.Data{"passed": true, "duration": 1.0, "testResults": "{}"}}},
			Delete:     []filter.Unique{filter.ByID("ex-9")},
			Disconnect: nil,
			Update: []mutation.NestedUpdate{{
				Where: filter.ByID("ex-5"),
				Data:  mutation.Data{"passed": false},
			}},
		}},
	})
	require.NoError(t, err)

	// Parent touch, then create before update before delete.
	require.Len(t, plan.Statements, 4)
	assert.Contains(t, plan.Statements[0].SQL, "UPDATE `test_files`")
	assert.Contains(t, plan.Statements[1].SQL, "INSERT INTO `test_executions`")
	assert.Contains(t, plan.Statements[2].SQL, "UPDATE `test_executions` SET `passed` = ?")
	assert.Contains(t, plan.Statements[3].SQL, "DELETE FROM `test_executions`")
	assert.True(t, plan.Statements[2].ExpectRow)
	assert.True(t, plan.Statements[3].ExpectRow)
}

func TestNestedDisconnectRequiresNullableForeignKey(t *testing.T) {
	c := testCompiler(t)

	_, err := c.CompileUpdate(schema.EntityTestFile, filter.ByID("tf-1"), mutation.Update{
		Relations: []mutation.RelationWrite{{
			Relation:   "executions",
			Disconnect: []filter.Unique{filter.ByID("ex-1")},
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nullable foreign key")
}

func TestManyToManyConnect(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileUpdate(schema.EntityAnalysisSession, filter.ByID("s-1"), mutation.Update{
		Relations: []mutation.RelationWrite{{
			Relation: "files",
			Connect:  []filter.Unique{filter.By("filePath", "/a/b.test.ts")},
		}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Statements, 2)

	edge := plan.Statements[1]
	assert.Contains(t, edge.SQL, "INSERT INTO `analysis_session_files` (`session_id`, `test_file_id`) SELECT ?, `test_files`.`id` FROM `test_files` WHERE `file_path` = ?")
	assert.Equal(t, []any{"s-1", "/a/b.test.ts"}, edge.Args)
	assert.True(t, edge.ExpectRow, "connecting a missing row is not found")
}

func TestManyToManySetClearsExistingEdges(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileUpdate(schema.EntityAnalysisSession, filter.ByID("s-1"), mutation.Update{
		Relations: []mutation.RelationWrite{{
			Relation: "files",
			Set:      []filter.Unique{filter.By("filePath", "/a.ts")},
		}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Statements, 3)
	assert.Equal(t, "DELETE FROM `analysis_session_files` WHERE `session_id` = ?", plan.Statements[1].SQL)
	assert.Contains(t, plan.Statements[2].SQL, "INSERT INTO `analysis_session_files`")
}

func TestManyToManyNestedDeleteOnlyReachesConnectedRows(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileUpdate(schema.EntityAnalysisSession, filter.ByID("s-1"), mutation.Update{
		Relations: []mutation.RelationWrite{{
			Relation: "files",
			Delete:   []filter.Unique{filter.By("filePath", "/a.ts")},
		}},
	})
	require.NoError(t, err)

	edge := plan.Statements[1]
	assert.Contains(t, edge.SQL, "DELETE FROM `analysis_session_files` WHERE `session_id` = ?")
	assert.Contains(t, edge.SQL, "`test_file_id` IN (SELECT `test_files`.`id` FROM `test_files` WHERE `file_path` = ?)")
	// A target that was never connected to this parent must not be deleted;
	// the missing edge aborts the plan before the row delete.
	assert.True(t, edge.ExpectRow, "deleting through the relation requires the edge")
	assert.Equal(t, schema.EntityTestFile, edge.Entity)

	last := plan.Statements[len(plan.Statements)-1]
	assert.Contains(t, last.SQL, "DELETE FROM `test_files` WHERE")
	assert.True(t, last.ExpectRow)
}

func TestConnectOrCreateDegradesToNoOp(t *testing.T) {
	c := testCompiler(t)

	plan, err := c.CompileCreate(schema.EntityTestExecution, mutation.Create{
		Data: mutation.Data{"passed": true, "duration": 0.1, "testResults": "{}"},
		Relations: []mutation.RelationWrite{{
			Relation: "testFile",
			ConnectOrCreate: []mutation.ConnectOrCreate{{
				Where:  filter.By("filePath", "/a/b.test.ts"),
				Create: mutation.Data{"fileName": "b.test.ts"},
			}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Statements, 2)
	assert.Contains(t, plan.Statements[0].SQL, "ON DUPLICATE KEY UPDATE `id` = `id`")
	assert.Contains(t, plan.Statements[1].SQL, "INSERT INTO `test_executions`")
	assert.Contains(t, plan.Statements[1].SQL, "(SELECT `id` FROM `test_files` WHERE `file_path` = ?)")
}
