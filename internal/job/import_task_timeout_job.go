package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/kbimport/internal/model"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
)

type taskAborter interface {
	Abort(ctx context.Context, taskID string, cause error) error
}

// ImportTaskTimeoutJob fails tasks that stayed in processing longer than the
// timeout so their import can still finish.
type ImportTaskTimeoutJob struct {
	tasks   taskLister
	aborter taskAborter
	timeout time.Duration
}

func NewImportTaskTimeoutJob(tasks taskLister, aborter taskAborter, timeout time.Duration) *ImportTaskTimeoutJob {
	return &ImportTaskTimeoutJob{tasks: tasks, aborter: aborter, timeout: timeout}
}

func (j *ImportTaskTimeoutJob) Name() string {
	return "import_task_timeout"
}

func (j *ImportTaskTimeoutJob) Run(ctx context.Context) error {
	timeout := j.timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	cutoff := time.Now().Add(-timeout).Unix()
	tasks, err := j.tasks.ListTasksByState(ctx, model.TaskStateProcessing, cutoff, scanBatch)
	if err != nil {
		return err
	}
	logger := logutil.GetLogger(ctx).With(zap.String("job", j.Name()))
	for _, task := range tasks {
		if err := j.aborter.Abort(ctx, task.ID, appErr.ErrTaskTimeout); err != nil {
			logger.Error("abort stuck task failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		logger.Warn("stuck task aborted", zap.String("task_id", task.ID), zap.String("import_id", task.ImportID))
	}
	return nil
}
