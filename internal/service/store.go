package service

import (
	"context"

	"github.com/xxxsen/kbimport/internal/model"
	"github.com/xxxsen/kbimport/internal/repo"
	"github.com/xxxsen/kbimport/internal/upload"
)

type (
	Store   = repo.Store
	StoreTx = repo.Tx
)

// Dispatcher schedules a task for processing by some worker.
type Dispatcher interface {
	Enqueue(ctx context.Context, taskID string) error
}

type Converter interface {
	Convert(ctx context.Context, page *model.RawPage) (*model.Doc, error)
}

type UploadScheduler interface {
	Schedule(ctx context.Context, reqs []upload.Request) (upload.Job, error)
}
