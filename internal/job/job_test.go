package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/kbimport/internal/model"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
	"github.com/xxxsen/kbimport/internal/testutil"
)

type recorder struct {
	mu    sync.Mutex
	ids   []string
	cause error
	err   error
}

func (r *recorder) Enqueue(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, taskID)
	return nil
}

func (r *recorder) Abort(ctx context.Context, taskID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cause = cause
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, taskID)
	return nil
}

func seedTasks(t *testing.T, store *testutil.MemStore) {
	t.Helper()
	now := time.Now().Unix()
	old := now - 3600
	require.NoError(t, store.CreateTasks(context.Background(), []model.ImportTask{
		{ID: "created-old", ImportID: "imp", State: model.TaskStateCreated, Ctime: old, Mtime: old},
		{ID: "created-new", ImportID: "imp", State: model.TaskStateCreated, Ctime: now, Mtime: now},
		{ID: "processing-old", ImportID: "imp", State: model.TaskStateProcessing, Ctime: old, Mtime: old},
		{ID: "processing-new", ImportID: "imp", State: model.TaskStateProcessing, Ctime: now, Mtime: now},
		{ID: "done-old", ImportID: "imp", State: model.TaskStateCompleted, Ctime: old, Mtime: old},
	}))
}

func TestImportRedeliverJob(t *testing.T) {
	store := testutil.NewMemStore()
	seedTasks(t, store)
	rec := &recorder{}
	job := NewImportRedeliverJob(store, rec, 10*time.Minute)
	require.Equal(t, "import_redeliver", job.Name())

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, []string{"created-old"}, rec.ids)

	rec.err = errors.New("stopped")
	require.Error(t, job.Run(context.Background()))
}

func TestImportTaskTimeoutJob(t *testing.T) {
	store := testutil.NewMemStore()
	seedTasks(t, store)
	rec := &recorder{}
	job := NewImportTaskTimeoutJob(store, rec, 30*time.Minute)
	require.Equal(t, "import_task_timeout", job.Name())

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, []string{"processing-old"}, rec.ids)
	require.ErrorIs(t, rec.cause, appErr.ErrTaskTimeout)

	rec.ids = nil
	rec.err = errors.New("db down")
	require.NoError(t, job.Run(context.Background()))
	require.Empty(t, rec.ids)
}

func TestAttachmentCleanupJob(t *testing.T) {
	store := testutil.NewMemStore()
	now := time.Now().Unix()
	require.NoError(t, store.CreateAttachments(context.Background(), []model.Attachment{
		{ID: "expired", Status: model.AttachmentStatusPending, ExpiresAt: now - 60, Ctime: now - 7200},
		{ID: "fresh", Status: model.AttachmentStatusPending, ExpiresAt: now + 3600, Ctime: now},
		{ID: "uploaded", Status: model.AttachmentStatusUploaded, Ctime: now - 7200},
	}))
	job := NewAttachmentCleanupJob(store)
	require.Equal(t, "attachment_cleanup", job.Name())

	require.NoError(t, job.Run(context.Background()))
	var ids []string
	for _, a := range store.Attachments() {
		ids = append(ids, a.ID)
	}
	require.ElementsMatch(t, []string{"fresh", "uploaded"}, ids)
}
