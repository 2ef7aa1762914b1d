package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/kbimport/internal/model"
)

const scanBatch = 500

type taskLister interface {
	ListTasksByState(ctx context.Context, state string, before int64, limit int) ([]model.ImportTask, error)
}

type dispatcher interface {
	Enqueue(ctx context.Context, taskID string) error
}

// ImportRedeliverJob re-enqueues tasks that were created but never claimed,
// e.g. because the process restarted before a worker picked them up.
type ImportRedeliverJob struct {
	tasks      taskLister
	dispatcher dispatcher
	after      time.Duration
}

func NewImportRedeliverJob(tasks taskLister, dispatcher dispatcher, after time.Duration) *ImportRedeliverJob {
	return &ImportRedeliverJob{tasks: tasks, dispatcher: dispatcher, after: after}
}

func (j *ImportRedeliverJob) Name() string {
	return "import_redeliver"
}

func (j *ImportRedeliverJob) Run(ctx context.Context) error {
	after := j.after
	if after <= 0 {
		after = 5 * time.Minute
	}
	cutoff := time.Now().Add(-after).Unix()
	tasks, err := j.tasks.ListTasksByState(ctx, model.TaskStateCreated, cutoff, scanBatch)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	logger := logutil.GetLogger(ctx).With(zap.String("job", j.Name()))
	for _, task := range tasks {
		if err := j.dispatcher.Enqueue(ctx, task.ID); err != nil {
			return err
		}
	}
	logger.Info("redelivered waiting tasks", zap.Int("count", len(tasks)))
	return nil
}
