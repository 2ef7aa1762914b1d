package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/kbimport/internal/model"
	"github.com/xxxsen/kbimport/internal/pkg/dbutil"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
)

const taskColumns = `id, import_id, state, input_json, output_json, error, ctime, mtime`

var outstandingTaskStates = []string{model.TaskStateCreated, model.TaskStateProcessing}

type ImportTaskRepo struct {
	db Querier
}

func NewImportTaskRepo(db Querier) *ImportTaskRepo {
	return &ImportTaskRepo{db: db}
}

func (r *ImportTaskRepo) CreateTasks(ctx context.Context, tasks []model.ImportTask) error {
	if len(tasks) == 0 {
		return nil
	}
	data := make([]map[string]interface{}, 0, len(tasks))
	for _, task := range tasks {
		inputJSON, err := json.Marshal(nonNilInputs(task.Input))
		if err != nil {
			return err
		}
		outputJSON, err := json.Marshal(nonNilOutputs(task.Output))
		if err != nil {
			return err
		}
		data = append(data, map[string]interface{}{
			"id":          task.ID,
			"import_id":   task.ImportID,
			"state":       task.State,
			"input_json":  string(inputJSON),
			"output_json": string(outputJSON),
			"error":       task.Error,
			"ctime":       task.Ctime,
			"mtime":       task.Mtime,
		})
	}
	sqlStr, args, err := builder.BuildInsert("import_tasks", data)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	if dbutil.IsConflict(err) {
		return appErr.ErrConflict
	}
	return err
}

func (r *ImportTaskRepo) GetTask(ctx context.Context, id string) (*model.ImportTask, error) {
	query := `SELECT ` + taskColumns + ` FROM import_tasks WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id)
	task, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

func (r *ImportTaskRepo) ListTasks(ctx context.Context, importID string) ([]model.ImportTask, error) {
	query := `SELECT ` + taskColumns + ` FROM import_tasks WHERE import_id = $1 ORDER BY ctime ASC, id ASC`
	return r.queryTasks(ctx, query, importID)
}

// ListTasksByState returns up to limit tasks in state whose last change is
// older than before, oldest first.
func (r *ImportTaskRepo) ListTasksByState(ctx context.Context, state string, before int64, limit int) ([]model.ImportTask, error) {
	query := `SELECT ` + taskColumns + ` FROM import_tasks WHERE state = $1 AND mtime < $2 ORDER BY mtime ASC LIMIT $3`
	return r.queryTasks(ctx, query, state, before, limit)
}

func (r *ImportTaskRepo) CountTasksByState(ctx context.Context, importID string) (map[string]int, error) {
	const query = `SELECT state, COUNT(1) FROM import_tasks WHERE import_id = $1 GROUP BY state`
	rows, err := r.db.QueryContext(ctx, query, importID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var cnt int
		if err := rows.Scan(&state, &cnt); err != nil {
			return nil, err
		}
		counts[state] = cnt
	}
	return counts, rows.Err()
}

// CountOutstandingTasks counts the tasks of an import that are not yet in a
// terminal state.
func (r *ImportTaskRepo) CountOutstandingTasks(ctx context.Context, importID string) (int, error) {
	query, args, err := dbutil.ExpandIn(
		`SELECT COUNT(1) FROM import_tasks WHERE import_id = ? AND state IN (?)`,
		importID, outstandingTaskStates,
	)
	if err != nil {
		return 0, err
	}
	var cnt int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&cnt); err != nil {
		return 0, err
	}
	return cnt, nil
}

// UpdateTaskState is a compare-and-set on the task state.
func (r *ImportTaskRepo) UpdateTaskState(ctx context.Context, id, from, to string, mtime int64) (bool, error) {
	const query = `
		UPDATE import_tasks
		SET state = $1, mtime = $2
		WHERE id = $3 AND state = $4
	`
	return r.execAffected(ctx, query, to, mtime, id, from)
}

// FinishTask moves a processing task to a terminal state together with its
// output. It reports false when the task was not processing anymore.
func (r *ImportTaskRepo) FinishTask(ctx context.Context, id, to string, output []model.TaskOutput, errMsg string, mtime int64) (bool, error) {
	outputJSON, err := json.Marshal(nonNilOutputs(output))
	if err != nil {
		return false, err
	}
	const query = `
		UPDATE import_tasks
		SET state = $1, output_json = $2, error = $3, mtime = $4
		WHERE id = $5 AND state = $6
	`
	return r.execAffected(ctx, query, to, string(outputJSON), errMsg, mtime, id, model.TaskStateProcessing)
}

func (r *ImportTaskRepo) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *ImportTaskRepo) queryTasks(ctx context.Context, query string, args ...interface{}) ([]model.ImportTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := make([]model.ImportTask, 0)
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(scan func(dest ...interface{}) error) (*model.ImportTask, error) {
	var task model.ImportTask
	var inputJSON, outputJSON string
	if err := scan(
		&task.ID,
		&task.ImportID,
		&task.State,
		&inputJSON,
		&outputJSON,
		&task.Error,
		&task.Ctime,
		&task.Mtime,
	); err != nil {
		return nil, err
	}
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &task.Input); err != nil {
			return nil, err
		}
	}
	if outputJSON != "" {
		if err := json.Unmarshal([]byte(outputJSON), &task.Output); err != nil {
			return nil, err
		}
	}
	return &task, nil
}

func nonNilInputs(items []model.TaskInput) []model.TaskInput {
	if items == nil {
		return []model.TaskInput{}
	}
	return items
}

func nonNilOutputs(items []model.TaskOutput) []model.TaskOutput {
	if items == nil {
		return []model.TaskOutput{}
	}
	return items
}
