package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/xxxsen/kbimport/internal/model"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
	"github.com/xxxsen/kbimport/internal/repo"
)

// MemStore is an in-memory repo.Store. Transactions are serialized by one
// mutex and a failing transaction restores the state it started from, which
// gives the same visibility as row locks for the pipeline's access pattern.
type MemStore struct {
	mu sync.Mutex
	st *memState

	// FailCreateAttachments makes CreateAttachments fail when set.
	FailCreateAttachments error
}

type memState struct {
	owner        *MemStore
	integrations map[string]model.Integration
	imports      map[string]model.Import
	tasks        map[string]model.ImportTask
	attachments  map[string]model.Attachment
}

var (
	_ repo.Store = (*MemStore)(nil)
	_ repo.Tx    = (*memState)(nil)
)

func NewMemStore() *MemStore {
	s := &MemStore{}
	s.st = &memState{
		owner:        s,
		integrations: map[string]model.Integration{},
		imports:      map[string]model.Import{},
		tasks:        map[string]model.ImportTask{},
		attachments:  map[string]model.Attachment{},
	}
	return s
}

func (st *memState) clone() *memState {
	cp := &memState{
		owner:        st.owner,
		integrations: make(map[string]model.Integration, len(st.integrations)),
		imports:      make(map[string]model.Import, len(st.imports)),
		tasks:        make(map[string]model.ImportTask, len(st.tasks)),
		attachments:  make(map[string]model.Attachment, len(st.attachments)),
	}
	for k, v := range st.integrations {
		cp.integrations[k] = v
	}
	for k, v := range st.imports {
		cp.imports[k] = v
	}
	for k, v := range st.tasks {
		cp.tasks[k] = v
	}
	for k, v := range st.attachments {
		cp.attachments[k] = v
	}
	return cp
}

func (s *MemStore) InTx(ctx context.Context, fn func(tx repo.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *MemStore) AddIntegration(integ model.Integration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.integrations[integ.ID] = integ
}

func (s *MemStore) Tasks(importID string) []model.ImportTask {
	tasks, _ := s.ListTasks(context.Background(), importID)
	return tasks
}

func (s *MemStore) Attachments() []model.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Attachment, 0, len(s.st.attachments))
	for _, a := range s.st.attachments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ctime < out[j].Ctime || (out[i].Ctime == out[j].Ctime && out[i].ID < out[j].ID) })
	return out
}

func (s *MemStore) GetIntegration(ctx context.Context, id string) (*model.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetIntegration(ctx, id)
}

func (s *MemStore) CreateImport(ctx context.Context, imp *model.Import) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateImport(ctx, imp)
}

func (s *MemStore) GetImport(ctx context.Context, id string) (*model.Import, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetImport(ctx, id)
}

func (s *MemStore) LockImport(ctx context.Context, id string) (*model.Import, error) {
	return s.GetImport(ctx, id)
}

func (s *MemStore) UpdateImportState(ctx context.Context, id string, from []string, to, errMsg string, mtime int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpdateImportState(ctx, id, from, to, errMsg, mtime)
}

func (s *MemStore) AddOutstanding(ctx context.Context, id string, delta int, mtime int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.AddOutstanding(ctx, id, delta, mtime)
}

func (s *MemStore) CreateTasks(ctx context.Context, tasks []model.ImportTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateTasks(ctx, tasks)
}

func (s *MemStore) GetTask(ctx context.Context, id string) (*model.ImportTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetTask(ctx, id)
}

func (s *MemStore) ListTasks(ctx context.Context, importID string) ([]model.ImportTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListTasks(ctx, importID)
}

func (s *MemStore) ListTasksByState(ctx context.Context, state string, before int64, limit int) ([]model.ImportTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListTasksByState(ctx, state, before, limit)
}

func (s *MemStore) CountTasksByState(ctx context.Context, importID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CountTasksByState(ctx, importID)
}

func (s *MemStore) CountOutstandingTasks(ctx context.Context, importID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CountOutstandingTasks(ctx, importID)
}

func (s *MemStore) UpdateTaskState(ctx context.Context, id, from, to string, mtime int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpdateTaskState(ctx, id, from, to, mtime)
}

func (s *MemStore) FinishTask(ctx context.Context, id, to string, output []model.TaskOutput, errMsg string, mtime int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.FinishTask(ctx, id, to, output, errMsg, mtime)
}

func (s *MemStore) CreateAttachments(ctx context.Context, items []model.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateAttachments(ctx, items)
}

func (s *MemStore) GetAttachment(ctx context.Context, id string) (*model.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.attachments[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return &a, nil
}

func (s *MemStore) MarkUploaded(ctx context.Context, id, contentType string, size int64, mtime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.attachments[id]
	if !ok || a.Status != model.AttachmentStatusPending {
		return appErr.ErrNotFound
	}
	a.Status = model.AttachmentStatusUploaded
	a.ContentType = contentType
	a.Size = size
	a.ExpiresAt = 0
	a.Mtime = mtime
	s.st.attachments[id] = a
	return nil
}

func (s *MemStore) MarkFailed(ctx context.Context, id string, mtime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.attachments[id]
	if ok && a.Status == model.AttachmentStatusPending {
		a.Status = model.AttachmentStatusFailed
		a.Mtime = mtime
		s.st.attachments[id] = a
	}
	return nil
}

func (s *MemStore) DeleteExpiredPending(ctx context.Context, now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, a := range s.st.attachments {
		if a.Status == model.AttachmentStatusPending && a.ExpiresAt > 0 && a.ExpiresAt < now {
			delete(s.st.attachments, id)
			n++
		}
	}
	return n, nil
}

func (st *memState) GetIntegration(ctx context.Context, id string) (*model.Integration, error) {
	integ, ok := st.integrations[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return &integ, nil
}

func (st *memState) CreateImport(ctx context.Context, imp *model.Import) error {
	if _, ok := st.imports[imp.ID]; ok {
		return appErr.ErrConflict
	}
	st.imports[imp.ID] = *imp
	return nil
}

func (st *memState) GetImport(ctx context.Context, id string) (*model.Import, error) {
	imp, ok := st.imports[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return &imp, nil
}

func (st *memState) LockImport(ctx context.Context, id string) (*model.Import, error) {
	return st.GetImport(ctx, id)
}

func (st *memState) UpdateImportState(ctx context.Context, id string, from []string, to, errMsg string, mtime int64) (bool, error) {
	imp, ok := st.imports[id]
	if !ok || !contains(from, imp.State) {
		return false, nil
	}
	imp.State = to
	imp.Error = errMsg
	imp.Mtime = mtime
	st.imports[id] = imp
	return true, nil
}

func (st *memState) AddOutstanding(ctx context.Context, id string, delta int, mtime int64) (int, error) {
	imp, ok := st.imports[id]
	if !ok {
		return 0, appErr.ErrNotFound
	}
	imp.Outstanding += delta
	imp.Mtime = mtime
	st.imports[id] = imp
	return imp.Outstanding, nil
}

func (st *memState) CreateTasks(ctx context.Context, tasks []model.ImportTask) error {
	for _, task := range tasks {
		if _, ok := st.tasks[task.ID]; ok {
			return appErr.ErrConflict
		}
	}
	for _, task := range tasks {
		task.Input = append([]model.TaskInput(nil), task.Input...)
		task.Output = append([]model.TaskOutput(nil), task.Output...)
		st.tasks[task.ID] = task
	}
	return nil
}

func (st *memState) GetTask(ctx context.Context, id string) (*model.ImportTask, error) {
	task, ok := st.tasks[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return &task, nil
}

func (st *memState) ListTasks(ctx context.Context, importID string) ([]model.ImportTask, error) {
	out := make([]model.ImportTask, 0)
	for _, task := range st.tasks {
		if task.ImportID == importID {
			out = append(out, task)
		}
	}
	sortTasks(out, func(t model.ImportTask) int64 { return t.Ctime })
	return out, nil
}

func (st *memState) ListTasksByState(ctx context.Context, state string, before int64, limit int) ([]model.ImportTask, error) {
	out := make([]model.ImportTask, 0)
	for _, task := range st.tasks {
		if task.State == state && task.Mtime < before {
			out = append(out, task)
		}
	}
	sortTasks(out, func(t model.ImportTask) int64 { return t.Mtime })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *memState) CountTasksByState(ctx context.Context, importID string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, task := range st.tasks {
		if task.ImportID == importID {
			counts[task.State]++
		}
	}
	return counts, nil
}

func (st *memState) CountOutstandingTasks(ctx context.Context, importID string) (int, error) {
	cnt := 0
	for _, task := range st.tasks {
		if task.ImportID == importID && !task.IsTerminal() {
			cnt++
		}
	}
	return cnt, nil
}

func (st *memState) UpdateTaskState(ctx context.Context, id, from, to string, mtime int64) (bool, error) {
	task, ok := st.tasks[id]
	if !ok || task.State != from {
		return false, nil
	}
	task.State = to
	task.Mtime = mtime
	st.tasks[id] = task
	return true, nil
}

func (st *memState) FinishTask(ctx context.Context, id, to string, output []model.TaskOutput, errMsg string, mtime int64) (bool, error) {
	task, ok := st.tasks[id]
	if !ok || task.State != model.TaskStateProcessing {
		return false, nil
	}
	task.State = to
	task.Output = append([]model.TaskOutput(nil), output...)
	task.Error = errMsg
	task.Mtime = mtime
	st.tasks[id] = task
	return true, nil
}

func (st *memState) CreateAttachments(ctx context.Context, items []model.Attachment) error {
	if st.owner.FailCreateAttachments != nil {
		return st.owner.FailCreateAttachments
	}
	for _, item := range items {
		if _, ok := st.attachments[item.ID]; ok {
			return appErr.ErrConflict
		}
		st.attachments[item.ID] = item
	}
	return nil
}

func sortTasks(tasks []model.ImportTask, key func(model.ImportTask) int64) {
	sort.Slice(tasks, func(i, j int) bool {
		ki, kj := key(tasks[i]), key(tasks[j])
		if ki != kj {
			return ki < kj
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func contains(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
