package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xxxsen/kbimport/internal/model"
	"github.com/xxxsen/kbimport/internal/pkg/timeutil"
)

// CompletionDetector decides, inside the transaction that made a task
// terminal, whether that task was the last one of its import.
type CompletionDetector struct{}

func NewCompletionDetector() *CompletionDetector {
	return &CompletionDetector{}
}

// Check must run with the import row locked. remaining is the outstanding
// counter after the caller applied its delta. The import is finalized only
// when the counter is drained and no task is left in a non-terminal state,
// so the finalizing write happens once.
func (d *CompletionDetector) Check(ctx context.Context, logger *zap.Logger, tx StoreTx, imp *model.Import, remaining int) (bool, error) {
	if remaining > 0 {
		return false, nil
	}
	if remaining < 0 {
		logger.Warn("outstanding task counter below zero", zap.Int("remaining", remaining))
	}
	open, err := tx.CountOutstandingTasks(ctx, imp.ID)
	if err != nil {
		return false, err
	}
	if open > 0 {
		logger.Warn("outstanding task counter drained with open tasks", zap.Int("open", open))
		return false, nil
	}
	if imp.IsTerminal() {
		return false, nil
	}
	changed, err := tx.UpdateImportState(ctx, imp.ID, activeImportStates, model.ImportStateProcessed, "", timeutil.NowUnix())
	if err != nil {
		return false, err
	}
	if changed {
		logger.Info("import processed")
	}
	return changed, nil
}
