package repo

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/kbimport/internal/model"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, mock
}

func TestInTxCommit(t *testing.T) {
	db, mock := newMock(t)
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SET outstanding = outstanding + $1")).
		WithArgs(2, int64(10), "imp-1").
		WillReturnRows(sqlmock.NewRows([]string{"outstanding"}).AddRow(3))
	mock.ExpectCommit()

	var got int
	err := store.InTx(context.Background(), func(tx Tx) error {
		var err error
		got, err = tx.AddOutstanding(context.Background(), "imp-1", 2, 10)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 3, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollbackOnError(t *testing.T) {
	db, mock := newMock(t)
	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.InTx(context.Background(), func(tx Tx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetImport(t *testing.T) {
	db, mock := newMock(t)
	r := NewImportRepo(db)

	rows := sqlmock.NewRows([]string{"id", "team_id", "service", "state", "created_by", "integration_id", "input_json", "outstanding", "error", "ctime", "mtime"}).
		AddRow("imp-1", "team-1", "notion", model.ImportStateInProgress, "user-1", "integ-1", `{"permission":"read"}`, 2, "", 1, 2)
	mock.ExpectQuery(regexp.QuoteMeta("FROM imports WHERE id = $1")).WithArgs("imp-1").WillReturnRows(rows)

	imp, err := r.GetImport(context.Background(), "imp-1")
	require.NoError(t, err)
	require.Equal(t, "team-1", imp.TeamID)
	require.Equal(t, "read", imp.Input.Permission)
	require.Equal(t, 2, imp.Outstanding)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetImportNotFound(t *testing.T) {
	db, mock := newMock(t)
	r := NewImportRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM imports WHERE id = $1")).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := r.GetImport(context.Background(), "missing")
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestLockImportUsesRowLock(t *testing.T) {
	db, mock := newMock(t)
	r := NewImportRepo(db)

	rows := sqlmock.NewRows([]string{"id", "team_id", "service", "state", "created_by", "integration_id", "input_json", "outstanding", "error", "ctime", "mtime"}).
		AddRow("imp-1", "team-1", "notion", model.ImportStateCreated, "user-1", "integ-1", `{}`, 1, "", 1, 1)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 FOR UPDATE")).WithArgs("imp-1").WillReturnRows(rows)

	imp, err := r.LockImport(context.Background(), "imp-1")
	require.NoError(t, err)
	require.Equal(t, model.ImportStateCreated, imp.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateImportStateExpandsFromStates(t *testing.T) {
	db, mock := newMock(t)
	r := NewImportRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE imports SET state = $1, error = $2, mtime = $3 WHERE id = $4 AND state IN ($5, $6)")).
		WithArgs(model.ImportStateProcessed, "", int64(5), "imp-1", model.ImportStateCreated, model.ImportStateInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE imports SET state")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	from := []string{model.ImportStateCreated, model.ImportStateInProgress}
	ok, err := r.UpdateImportState(context.Background(), "imp-1", from, model.ImportStateProcessed, "", 5)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.UpdateImportState(context.Background(), "imp-1", from, model.ImportStateProcessed, "", 6)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStateClaim(t *testing.T) {
	db, mock := newMock(t)
	r := NewImportTaskRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE import_tasks")).
		WithArgs(model.TaskStateProcessing, int64(7), "task-1", model.TaskStateCreated).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE import_tasks")).
		WithArgs(model.TaskStateProcessing, int64(8), "task-1", model.TaskStateCreated).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := r.UpdateTaskState(context.Background(), "task-1", model.TaskStateCreated, model.TaskStateProcessing, 7)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.UpdateTaskState(context.Background(), "task-1", model.TaskStateCreated, model.TaskStateProcessing, 8)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishTaskRequiresProcessing(t *testing.T) {
	db, mock := newMock(t)
	r := NewImportTaskRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("SET state = $1, output_json = $2, error = $3, mtime = $4")).
		WithArgs(model.TaskStateCompleted, `[{"external_id":"p1","title":"Page"}]`, "", int64(9), "task-1", model.TaskStateProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := r.FinishTask(context.Background(), "task-1", model.TaskStateCompleted, []model.TaskOutput{{ExternalID: "p1", Title: "Page"}}, "", 9)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountOutstandingTasks(t *testing.T) {
	db, mock := newMock(t)
	r := NewImportTaskRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(1) FROM import_tasks WHERE import_id = $1 AND state IN ($2, $3)")).
		WithArgs("imp-1", model.TaskStateCreated, model.TaskStateProcessing).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	cnt, err := r.CountOutstandingTasks(context.Background(), "imp-1")
	require.NoError(t, err)
	require.Equal(t, 4, cnt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasksDecodesJSON(t *testing.T) {
	db, mock := newMock(t)
	r := NewImportTaskRepo(db)

	rows := sqlmock.NewRows([]string{"id", "import_id", "state", "input_json", "output_json", "error", "ctime", "mtime"}).
		AddRow("task-1", "imp-1", model.TaskStateCompleted, `[{"type":"page","external_id":"p1"}]`, `[{"external_id":"p1","title":"One"}]`, "", 1, 2).
		AddRow("task-2", "imp-1", model.TaskStateCreated, `[{"type":"database","external_id":"d1","collection_external_id":"d1"}]`, `[]`, "", 3, 3)
	mock.ExpectQuery(regexp.QuoteMeta("FROM import_tasks WHERE import_id = $1")).WithArgs("imp-1").WillReturnRows(rows)

	tasks, err := r.ListTasks(context.Background(), "imp-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "p1", tasks[0].Input[0].ExternalID)
	require.Equal(t, "One", tasks[0].Output[0].Title)
	require.Equal(t, model.ItemTypeDatabase, tasks[1].Input[0].Type)
	require.Equal(t, "d1", tasks[1].Input[0].CollectionExternalID)
	require.Empty(t, tasks[1].Output)
}

func TestCountTasksByState(t *testing.T) {
	db, mock := newMock(t)
	r := NewImportTaskRepo(db)

	rows := sqlmock.NewRows([]string{"state", "count"}).
		AddRow(model.TaskStateCompleted, 3).
		AddRow(model.TaskStateErrored, 1)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY state")).WithArgs("imp-1").WillReturnRows(rows)

	counts, err := r.CountTasksByState(context.Background(), "imp-1")
	require.NoError(t, err)
	require.Equal(t, map[string]int{model.TaskStateCompleted: 3, model.TaskStateErrored: 1}, counts)
}

func TestCreateTasksEmptyIsNoop(t *testing.T) {
	db, mock := newMock(t)
	r := NewImportTaskRepo(db)
	require.NoError(t, r.CreateTasks(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAttachmentsBatch(t *testing.T) {
	db, mock := newMock(t)
	r := NewAttachmentRepo(db)

	mock.ExpectExec("INSERT INTO .?attachments.?").WillReturnResult(sqlmock.NewResult(0, 2))

	err := r.CreateAttachments(context.Background(), []model.Attachment{
		{ID: "a1", TeamID: "t", Key: "k1", Status: model.AttachmentStatusPending},
		{ID: "a2", TeamID: "t", Key: "k2", Status: model.AttachmentStatusPending},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkUploadedMissing(t *testing.T) {
	db, mock := newMock(t)
	r := NewAttachmentRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE attachments")).
		WithArgs(model.AttachmentStatusUploaded, "image/png", int64(12), int64(3), "a1", model.AttachmentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := r.MarkUploaded(context.Background(), "a1", "image/png", 12, 3)
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestDeleteExpiredPending(t *testing.T) {
	db, mock := newMock(t)
	r := NewAttachmentRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM attachments")).
		WithArgs(model.AttachmentStatusPending, int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := r.DeleteExpiredPending(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}
