package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/kbimport/internal/model"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
	"github.com/xxxsen/kbimport/internal/pkg/timeutil"
	"github.com/xxxsen/kbimport/internal/source"
)

var activeImportStates = []string{model.ImportStateCreated, model.ImportStateInProgress}

type CreateImportRequest struct {
	TeamID        string
	Service       string
	IntegrationID string
	CreatedBy     string
	Input         model.ImportInput
}

type ImportStatus struct {
	Import     *model.Import  `json:"import"`
	TaskCounts map[string]int `json:"task_counts"`
}

// TaskItemView is one input item of a task with the outcome recorded for it.
type TaskItemView struct {
	Type       string `json:"type"`
	ExternalID string `json:"external_id"`
	Title      string `json:"title,omitempty"`
	Error      string `json:"error,omitempty"`
}

type TaskView struct {
	ID    string         `json:"id"`
	State string         `json:"state"`
	Items []TaskItemView `json:"items"`
	Error string         `json:"error,omitempty"`
	Ctime int64          `json:"ctime"`
	Mtime int64          `json:"mtime"`
}

type ImportService struct {
	store      Store
	resolver   *ConnectorResolver
	dispatcher Dispatcher
}

func NewImportService(store Store, resolver *ConnectorResolver, dispatcher Dispatcher) *ImportService {
	return &ImportService{store: store, resolver: resolver, dispatcher: dispatcher}
}

// Create starts an import: it lists the workspace roots, persists the import
// with one root task holding them and schedules that task.
func (s *ImportService) Create(ctx context.Context, req CreateImportRequest) (*model.Import, error) {
	req.Service = strings.ToLower(strings.TrimSpace(req.Service))
	if req.TeamID == "" || req.IntegrationID == "" || req.CreatedBy == "" || !source.Supported(req.Service) {
		return nil, appErr.ErrInvalid
	}
	integ, err := s.resolver.Integration(ctx, req.IntegrationID, req.Service)
	if err != nil {
		if errors.Is(err, appErr.ErrAuthenticationExpired) || errors.Is(err, appErr.ErrInvalidIntegration) {
			return nil, appErr.ErrInvalidIntegration
		}
		return nil, err
	}
	if integ.TeamID != req.TeamID {
		return nil, appErr.ErrInvalidIntegration
	}
	conn, err := s.resolver.Connector(integ)
	if err != nil {
		return nil, err
	}
	roots, err := conn.FetchRootPages(ctx)
	if err != nil {
		if errors.Is(err, appErr.ErrAuthenticationExpired) {
			return nil, appErr.ErrInvalidIntegration
		}
		return nil, fmt.Errorf("list root pages: %w", err)
	}

	now := timeutil.NowUnix()
	imp := &model.Import{
		ID:            newID(),
		TeamID:        req.TeamID,
		Service:       req.Service,
		State:         model.ImportStateCreated,
		CreatedBy:     req.CreatedBy,
		IntegrationID: integ.ID,
		Input:         req.Input,
		Outstanding:   1,
		Ctime:         now,
		Mtime:         now,
	}
	input := make([]model.TaskInput, 0, len(roots))
	for _, ref := range roots {
		itemType := ref.Type
		if itemType != model.ItemTypeDatabase {
			itemType = model.ItemTypePage
		}
		input = append(input, model.TaskInput{Type: itemType, ExternalID: ref.ID})
	}
	root := model.ImportTask{
		ID:       newID(),
		ImportID: imp.ID,
		State:    model.TaskStateCreated,
		Input:    input,
		Ctime:    now,
		Mtime:    now,
	}
	if err := s.store.InTx(ctx, func(tx StoreTx) error {
		if err := tx.CreateImport(ctx, imp); err != nil {
			return err
		}
		return tx.CreateTasks(ctx, []model.ImportTask{root})
	}); err != nil {
		return nil, err
	}
	logger := logutil.GetLogger(ctx).With(zap.String("import_id", imp.ID), zap.String("task_id", root.ID))
	logger.Info("import created", zap.String("service", imp.Service), zap.Int("roots", len(input)))
	if err := s.dispatcher.Enqueue(ctx, root.ID); err != nil {
		logger.Error("enqueue root task failed", zap.Error(err))
	}
	return imp, nil
}

// MarkProcessed finalizes an import. It reports false when the import was
// already terminal.
func (s *ImportService) MarkProcessed(ctx context.Context, importID string) (bool, error) {
	var changed bool
	err := s.store.InTx(ctx, func(tx StoreTx) error {
		if _, err := tx.LockImport(ctx, importID); err != nil {
			return err
		}
		var err error
		changed, err = tx.UpdateImportState(ctx, importID, activeImportStates, model.ImportStateProcessed, "", timeutil.NowUnix())
		return err
	})
	return changed, err
}

// MarkErrored fails an import. Tasks already scheduled still run but no
// longer fan out.
func (s *ImportService) MarkErrored(ctx context.Context, importID, reason string) (bool, error) {
	var changed bool
	err := s.store.InTx(ctx, func(tx StoreTx) error {
		if _, err := tx.LockImport(ctx, importID); err != nil {
			return err
		}
		var err error
		changed, err = tx.UpdateImportState(ctx, importID, activeImportStates, model.ImportStateErrored, reason, timeutil.NowUnix())
		return err
	})
	return changed, err
}

func (s *ImportService) Get(ctx context.Context, teamID, importID string) (*ImportStatus, error) {
	imp, err := s.getOwned(ctx, teamID, importID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountTasksByState(ctx, importID)
	if err != nil {
		return nil, err
	}
	return &ImportStatus{Import: imp, TaskCounts: counts}, nil
}

func (s *ImportService) ListTasks(ctx context.Context, teamID, importID string) ([]TaskView, error) {
	if _, err := s.getOwned(ctx, teamID, importID); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, importID)
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, taskView(task))
	}
	return views, nil
}

// Requeue schedules a task that is still waiting to be claimed.
func (s *ImportService) Requeue(ctx context.Context, teamID, importID, taskID string) error {
	if _, err := s.getOwned(ctx, teamID, importID); err != nil {
		return err
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.ImportID != importID {
		return appErr.ErrNotFound
	}
	if task.State != model.TaskStateCreated {
		return appErr.ErrConflict
	}
	return s.dispatcher.Enqueue(ctx, task.ID)
}

func (s *ImportService) getOwned(ctx context.Context, teamID, importID string) (*model.Import, error) {
	imp, err := s.store.GetImport(ctx, importID)
	if err != nil {
		return nil, err
	}
	if imp.TeamID != teamID {
		return nil, appErr.ErrNotFound
	}
	return imp, nil
}

func taskView(task model.ImportTask) TaskView {
	view := TaskView{
		ID:    task.ID,
		State: task.State,
		Items: make([]TaskItemView, 0, len(task.Input)),
		Error: task.Error,
		Ctime: task.Ctime,
		Mtime: task.Mtime,
	}
	outputs := make(map[string]model.TaskOutput, len(task.Output))
	for _, out := range task.Output {
		outputs[out.ExternalID] = out
	}
	for _, in := range task.Input {
		item := TaskItemView{Type: in.Type, ExternalID: in.ExternalID}
		if out, ok := outputs[in.ExternalID]; ok {
			item.Title = out.Title
			item.Error = out.Error
		}
		view.Items = append(view.Items, item)
	}
	return view
}
