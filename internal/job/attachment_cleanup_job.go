package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type attachmentCleaner interface {
	DeleteExpiredPending(ctx context.Context, now int64) (int64, error)
}

// AttachmentCleanupJob drops placeholders whose upload never finished.
type AttachmentCleanupJob struct {
	repo attachmentCleaner
}

func NewAttachmentCleanupJob(repo attachmentCleaner) *AttachmentCleanupJob {
	return &AttachmentCleanupJob{repo: repo}
}

func (j *AttachmentCleanupJob) Name() string {
	return "attachment_cleanup"
}

func (j *AttachmentCleanupJob) Run(ctx context.Context) error {
	if j.repo == nil {
		return nil
	}
	n, err := j.repo.DeleteExpiredPending(ctx, time.Now().Unix())
	if err != nil {
		return err
	}
	if n > 0 {
		logutil.GetLogger(ctx).Info("expired attachment placeholders removed", zap.Int64("count", n))
	}
	return nil
}
