package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/kbimport/internal/model"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
	"github.com/xxxsen/kbimport/internal/pkg/timeutil"
	"github.com/xxxsen/kbimport/internal/source"
)

const untitled = "Untitled"

type ProcessorOptions struct {
	PagePerTask     int
	ItemConcurrency int
}

// TaskProcessor runs one import task: it claims the task, imports every
// input item, then records the output and fans out child tasks in a single
// transaction.
type TaskProcessor struct {
	store           Store
	resolver        *ConnectorResolver
	converter       Converter
	rehomer         *AttachmentRehomer
	dispatcher      Dispatcher
	completion      *CompletionDetector
	pagePerTask     int
	itemConcurrency int
}

func NewTaskProcessor(store Store, resolver *ConnectorResolver, converter Converter, rehomer *AttachmentRehomer, dispatcher Dispatcher, completion *CompletionDetector, opts ProcessorOptions) *TaskProcessor {
	if opts.PagePerTask <= 0 {
		opts.PagePerTask = 25
	}
	if opts.ItemConcurrency <= 0 {
		opts.ItemConcurrency = 4
	}
	return &TaskProcessor{
		store:           store,
		resolver:        resolver,
		converter:       converter,
		rehomer:         rehomer,
		dispatcher:      dispatcher,
		completion:      completion,
		pagePerTask:     opts.PagePerTask,
		itemConcurrency: opts.ItemConcurrency,
	}
}

// Process is safe under duplicate delivery: a task that is not in the
// created state is left alone.
func (p *TaskProcessor) Process(ctx context.Context, taskID string) error {
	logger := logutil.GetLogger(ctx).With(zap.String("task_id", taskID))
	claimed, err := p.store.UpdateTaskState(ctx, taskID, model.TaskStateCreated, model.TaskStateProcessing, timeutil.NowUnix())
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		logger.Debug("task not claimable, skip")
		return nil
	}
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	logger = logger.With(zap.String("import_id", task.ImportID))

	imp, err := p.store.GetImport(ctx, task.ImportID)
	if err != nil {
		return p.settle(ctx, logger, task, fmt.Errorf("load import: %w", err))
	}
	if imp.State == model.ImportStateCreated {
		if _, err := p.store.UpdateImportState(ctx, imp.ID, []string{model.ImportStateCreated}, model.ImportStateInProgress, "", timeutil.NowUnix()); err != nil {
			logger.Warn("mark import in progress failed", zap.Error(err))
		}
	}

	outputs, children, err := p.processItems(ctx, logger, imp, task)
	if err == nil {
		err = p.complete(ctx, logger, task, outputs, children)
	}
	if err != nil {
		return p.settle(ctx, logger, task, err)
	}
	return nil
}

// settle records a failed attempt. An attempt cut short because ctx was
// cancelled goes back to created, so redelivery runs it again later.
func (p *TaskProcessor) settle(ctx context.Context, logger *zap.Logger, task *model.ImportTask, cause error) error {
	if ctx.Err() == nil {
		return p.fail(ctx, logger, task, cause)
	}
	released, err := p.store.UpdateTaskState(context.WithoutCancel(ctx), task.ID, model.TaskStateProcessing, model.TaskStateCreated, timeutil.NowUnix())
	if err != nil {
		return fmt.Errorf("release interrupted task: %w", err)
	}
	if released {
		logger.Info("task interrupted, released for redelivery", zap.Error(cause))
	}
	return nil
}

// Abort moves a task that is stuck in processing to errored through the
// regular failure path.
func (p *TaskProcessor) Abort(ctx context.Context, taskID string, cause error) error {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != model.TaskStateProcessing {
		return nil
	}
	logger := logutil.GetLogger(ctx).With(zap.String("task_id", task.ID), zap.String("import_id", task.ImportID))
	return p.fail(ctx, logger, task, cause)
}

func (p *TaskProcessor) processItems(ctx context.Context, logger *zap.Logger, imp *model.Import, task *model.ImportTask) ([]model.TaskOutput, []model.TaskInput, error) {
	conn, err := p.resolver.Resolve(ctx, imp)
	if err != nil {
		return nil, nil, err
	}
	outputs := make([]model.TaskOutput, len(task.Input))
	childSets := make([][]model.TaskInput, len(task.Input))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.itemConcurrency)
	for i := range task.Input {
		in := task.Input[i]
		g.Go(func() error {
			out, children, err := p.processItem(gctx, logger, conn, in)
			if err != nil {
				return fmt.Errorf("item %s: %w", in.ExternalID, err)
			}
			outputs[i] = *out
			childSets[i] = children
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	docs := make([]*model.Doc, 0, len(outputs))
	for i := range outputs {
		if outputs[i].Content != nil {
			docs = append(docs, outputs[i].Content)
		}
	}
	if err := p.rehomer.Rehome(ctx, imp, docs...); err != nil {
		return nil, nil, fmt.Errorf("rehome attachments: %w", err)
	}
	var children []model.TaskInput
	for _, set := range childSets {
		children = append(children, set...)
	}
	return outputs, children, nil
}

func (p *TaskProcessor) processItem(ctx context.Context, logger *zap.Logger, conn source.Connector, in model.TaskInput) (*model.TaskOutput, []model.TaskInput, error) {
	collectionID := in.CollectionExternalID
	if collectionID == "" {
		collectionID = in.ExternalID
	}
	out := &model.TaskOutput{
		ExternalID:           in.ExternalID,
		ParentExternalID:     in.ParentExternalID,
		CollectionExternalID: collectionID,
	}
	page, err := conn.FetchPage(ctx, model.ChildRef{Type: in.Type, ExternalID: in.ExternalID})
	if err != nil {
		if errors.Is(err, appErr.ErrPageNotFound) {
			logger.Warn("external page vanished, skip",
				zap.String("external_id", in.ExternalID),
				zap.Error(err),
			)
			out.Error = err.Error()
			return out, nil, nil
		}
		return nil, nil, err
	}
	doc, err := p.converter.Convert(ctx, page)
	if err != nil {
		return nil, nil, err
	}
	out.Title = page.Title
	if out.Title == "" {
		out.Title = untitled
	}
	out.Emoji = page.Emoji
	out.Content = doc
	return out, CollectChildren(page.Blocks, in.ExternalID, collectionID), nil
}

// complete stores the output and creates the child tasks atomically. The
// children are enqueued only after the transaction committed.
func (p *TaskProcessor) complete(ctx context.Context, logger *zap.Logger, task *model.ImportTask, outputs []model.TaskOutput, children []model.TaskInput) error {
	var created []model.ImportTask
	var finished bool
	err := p.store.InTx(ctx, func(tx StoreTx) error {
		created = nil
		now := timeutil.NowUnix()
		imp, err := tx.LockImport(ctx, task.ImportID)
		if err != nil {
			return err
		}
		finished, err = tx.FinishTask(ctx, task.ID, model.TaskStateCompleted, outputs, "", now)
		if err != nil || !finished {
			return err
		}
		if !imp.IsTerminal() {
			for _, chunk := range chunkInputs(children, p.pagePerTask) {
				created = append(created, model.ImportTask{
					ID:       newID(),
					ImportID: imp.ID,
					State:    model.TaskStateCreated,
					Input:    chunk,
					Ctime:    now,
					Mtime:    now,
				})
			}
			if err := tx.CreateTasks(ctx, created); err != nil {
				return err
			}
		} else if len(children) > 0 {
			logger.Info("import already finished, drop child pages", zap.Int("children", len(children)))
		}
		remaining, err := tx.AddOutstanding(ctx, imp.ID, len(created)-1, now)
		if err != nil {
			return err
		}
		_, err = p.completion.Check(ctx, logger, tx, imp, remaining)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if !finished {
		logger.Warn("task left processing state before completion, drop result")
		return nil
	}
	logger.Info("task completed", zap.Int("items", len(outputs)), zap.Int("child_tasks", len(created)))
	p.enqueue(ctx, logger, created)
	return nil
}

// fail records cause on the task. Authentication failures also fail the
// whole import so no other task fans out any further.
func (p *TaskProcessor) fail(ctx context.Context, logger *zap.Logger, task *model.ImportTask, cause error) error {
	logger.Error("task failed", zap.Error(cause))
	authExpired := errors.Is(cause, appErr.ErrAuthenticationExpired)
	err := p.store.InTx(ctx, func(tx StoreTx) error {
		now := timeutil.NowUnix()
		imp, err := tx.LockImport(ctx, task.ImportID)
		if err != nil {
			return err
		}
		finished, err := tx.FinishTask(ctx, task.ID, model.TaskStateErrored, nil, cause.Error(), now)
		if err != nil || !finished {
			return err
		}
		if authExpired {
			changed, err := tx.UpdateImportState(ctx, imp.ID, activeImportStates, model.ImportStateErrored, cause.Error(), now)
			if err != nil {
				return err
			}
			if changed {
				imp.State = model.ImportStateErrored
				logger.Warn("import errored, integration no longer authenticated")
			}
		}
		remaining, err := tx.AddOutstanding(ctx, imp.ID, -1, now)
		if err != nil {
			return err
		}
		_, err = p.completion.Check(ctx, logger, tx, imp, remaining)
		return err
	})
	if err != nil {
		return fmt.Errorf("record task failure: %w", err)
	}
	return nil
}

func (p *TaskProcessor) enqueue(ctx context.Context, logger *zap.Logger, tasks []model.ImportTask) {
	for _, task := range tasks {
		if err := p.dispatcher.Enqueue(ctx, task.ID); err != nil {
			logger.Error("enqueue child task failed", zap.String("child_task_id", task.ID), zap.Error(err))
		}
	}
}
