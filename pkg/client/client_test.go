package client_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testhealth/internal/dberr"
	"testhealth/pkg/client"
	"testhealth/pkg/filter"
	"testhealth/pkg/mutation"
	"testhealth/pkg/query"
	"testhealth/pkg/schema"
)

func newTestClient(t *testing.T) (*client.Client, sqlmock.Sqlmock) {
	t.Helper()
	s, err := schema.TestHealthWithAnalysis()
	require.NoError(t, err)
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return client.New(db, s), mock
}

// Tracks a file through its lifecycle: register it, record three runs, then
// count the passing ones.
func TestCreateRecordCountFlow(t *testing.T) {
	c, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `test_files`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .+ FROM `test_files` WHERE").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "filePath"}).
			AddRow("tf-1", "/src/auth.test.ts"))
	mock.ExpectCommit()

	file, err := c.TestFiles().Create(ctx, mutation.Create{Data: mutation.Data{
		"filePath": "/src/auth.test.ts",
		"fileName": "auth.test.ts",
	}}, &query.Query{Select: []string{"id", "filePath"}})
	require.NoError(t, err)
	assert.Equal(t, "tf-1", file.ID)
	assert.Equal(t, "/src/auth.test.ts", file.FilePath)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `test_executions`").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	run := func(passed bool) mutation.Data {
		return mutation.Data{
			"testFileId":  "tf-1",
			"passed":      passed,
			"duration":    120.0,
			"testResults": json.RawMessage(`{"total":3}`),
		}
	}
	inserted, err := c.TestExecutions().CreateMany(ctx, mutation.CreateMany{
		Rows: []mutation.Data{run(true), run(false), run(true)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), inserted)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) AS `_count_all` FROM `test_executions`").
		WithArgs("tf-1", true).
		WillReturnRows(sqlmock.NewRows([]string{"_count_all"}).AddRow(2))

	passing, err := c.TestExecutions().Count(ctx, filter.Of(
		filter.Eq("testFileId", "tf-1"),
		filter.Eq("passed", true),
	))
	require.NoError(t, err)
	assert.Equal(t, int64(2), passing)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingRowIsNotFound(t *testing.T) {
	c, mock := newTestClient(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `test_files`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := c.TestFiles().Update(context.Background(), filter.ByID("missing"), mutation.Update{
		Data: mutation.Data{"totalRuns": mutation.Increment(1)},
	}, nil)
	require.Error(t, err)
	assert.True(t, dberr.IsNotFound(err))

	// A non-id unique address is resolved to the row id before the update
	// runs, so the miss surfaces without touching the table.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `test_files`.`id` FROM `test_files` WHERE").
		WithArgs("/src/gone.test.ts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err = c.TestFiles().Update(context.Background(), filter.By("filePath", "/src/gone.test.ts"), mutation.Update{
		Data: mutation.Data{"totalRuns": mutation.Increment(1)},
	}, nil)
	require.Error(t, err)
	assert.True(t, dberr.IsNotFound(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

// An update may move the very unique key it is addressed by; the read back
// must follow the row's id, not the stale key value.
func TestUpdateMovingItsOwnUniqueKey(t *testing.T) {
	c, mock := newTestClient(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `test_files`.`id` FROM `test_files` WHERE").
		WithArgs("/src/old.test.ts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("tf-9"))
	mock.ExpectExec("UPDATE `test_files` SET `file_path`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .+ FROM `test_files` WHERE `test_files`.`id`").
		WithArgs("tf-9").
		WillReturnRows(sqlmock.NewRows([]string{"id", "filePath"}).
			AddRow("tf-9", "/src/new.test.ts"))
	mock.ExpectCommit()

	file, err := c.TestFiles().Update(context.Background(),
		filter.By("filePath", "/src/old.test.ts"),
		mutation.Update{Data: mutation.Data{"filePath": "/src/new.test.ts"}},
		&query.Query{Select: []string{"id", "filePath"}})
	require.NoError(t, err)
	assert.Equal(t, "tf-9", file.ID)
	assert.Equal(t, "/src/new.test.ts", file.FilePath)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMutationRollsBackOnConstraintViolation(t *testing.T) {
	c, mock := newTestClient(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `test_executions`").
		WillReturnError(&mysql.MySQLError{Number: 1452, Message: "a foreign key constraint fails"})
	mock.ExpectRollback()

	_, err := c.TestExecutions().Create(context.Background(), mutation.Create{Data: mutation.Data{
		"testFileId":  "no-such-file",
		"passed":      true,
		"duration":    5.0,
		"testResults": json.RawMessage(`{}`),
	}}, nil)
	require.Error(t, err)
	kind, ok := dberr.AsConstraint(err)
	require.True(t, ok)
	assert.Equal(t, dberr.ConstraintForeignKey, kind)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteReturnsRowBeforeCascade(t *testing.T) {
	c, mock := newTestClient(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM `test_patterns` WHERE").
		WithArgs("tp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "description"}).
			AddRow("tp-1", "retry without backoff"))
	mock.ExpectExec("DELETE FROM `test_patterns`").
		WithArgs("tp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pattern, err := c.TestPatterns().Delete(context.Background(), filter.ByID("tp-1"),
		&query.Query{Select: []string{"id", "description"}})
	require.NoError(t, err)
	assert.Equal(t, "retry without backoff", pattern.Description)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMissingRowIsNotFound(t *testing.T) {
	c, mock := newTestClient(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM `test_patterns` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := c.TestPatterns().Delete(context.Background(), filter.ByID("gone"), nil)
	require.Error(t, err)
	assert.True(t, dberr.IsNotFound(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindUniqueMissingReturnsNil(t *testing.T) {
	c, mock := newTestClient(t)

	mock.ExpectQuery("SELECT .+ FROM `test_files` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	file, err := c.TestFiles().FindUnique(context.Background(), filter.By("filePath", "/gone.test.ts"),
		&query.Query{Select: []string{"id"}})
	require.NoError(t, err)
	assert.Nil(t, file)

	mock.ExpectQuery("SELECT .+ FROM `test_files` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = c.TestFiles().FindUniqueOrThrow(context.Background(), filter.By("filePath", "/gone.test.ts"),
		&query.Query{Select: []string{"id"}})
	require.Error(t, err)
	assert.True(t, dberr.IsNotFound(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindManyAttachesIncludedRelations(t *testing.T) {
	c, mock := newTestClient(t)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .+ FROM `analysis_sessions`").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "startedAt", "endedAt", "status", "context", "decisions", "operations",
		}).
			AddRow("s-1", started, nil, "ACTIVE", nil, []byte(`[]`), []byte(`[]`)).
			AddRow("s-2", started, nil, "COMPLETED", nil, []byte(`[]`), []byte(`[]`)))
	mock.ExpectQuery("SELECT .+ FROM `test_analyses`").
		WithArgs("s-1", "s-2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sessionId", "__parent_key"}).
			AddRow("a-1", "s-1", "s-1").
			AddRow("a-2", "s-1", "s-1").
			AddRow("a-3", "s-2", "s-2"))

	page, err := c.AnalysisSessions().FindMany(context.Background(), filter.Where{}, &query.Query{
		Include: map[string]*query.Query{
			"analyses": {Select: []string{"id", "sessionId"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Len(t, page.Items[0].Analyses, 2)
	require.Len(t, page.Items[1].Analyses, 1)
	assert.Equal(t, "a-3", page.Items[1].Analyses[0].ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindManyCursorPagination(t *testing.T) {
	c, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT .+ FROM `test_files` ORDER BY .+ LIMIT 2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "totalRuns"}).
			AddRow("tf-1", int64(50)).
			AddRow("tf-2", int64(40)))

	shape := &query.Query{
		Select:  []string{"id", "totalRuns"},
		OrderBy: []query.Order{query.OrderDesc("totalRuns")},
	}
	first, err := c.TestFiles().FindMany(ctx, filter.Where{}, &query.Query{
		Select:  shape.Select,
		OrderBy: shape.OrderBy,
		Page:    query.Page{Take: 2},
	})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)

	// The cursor fetch asks for one row past the window to detect a next page.
	mock.ExpectQuery("SELECT .+ FROM `test_files` WHERE .+ ORDER BY .+ LIMIT 3").
		WillReturnRows(sqlmock.NewRows([]string{"id", "totalRuns"}).
			AddRow("tf-3", int64(30)))

	second, err := c.TestFiles().FindMany(ctx, filter.Where{}, &query.Query{
		Select:  shape.Select,
		OrderBy: shape.OrderBy,
		Page:    query.Page{Take: 2, Cursor: first.NextCursor},
	})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, "tf-3", second.Items[0].ID)
	assert.Equal(t, int64(30), second.Items[0].TotalRuns)

	require.NoError(t, mock.ExpectationsWereMet())
}
