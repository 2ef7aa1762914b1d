package repo

import (
	"context"
	"database/sql"

	"github.com/xxxsen/kbimport/internal/model"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is the set of persistence operations the import pipeline needs. Every
// method is usable both standalone and inside a transaction.
type Tx interface {
	GetIntegration(ctx context.Context, id string) (*model.Integration, error)

	CreateImport(ctx context.Context, imp *model.Import) error
	GetImport(ctx context.Context, id string) (*model.Import, error)
	LockImport(ctx context.Context, id string) (*model.Import, error)
	UpdateImportState(ctx context.Context, id string, from []string, to, errMsg string, mtime int64) (bool, error)
	AddOutstanding(ctx context.Context, id string, delta int, mtime int64) (int, error)

	CreateTasks(ctx context.Context, tasks []model.ImportTask) error
	GetTask(ctx context.Context, id string) (*model.ImportTask, error)
	ListTasks(ctx context.Context, importID string) ([]model.ImportTask, error)
	ListTasksByState(ctx context.Context, state string, before int64, limit int) ([]model.ImportTask, error)
	CountTasksByState(ctx context.Context, importID string) (map[string]int, error)
	CountOutstandingTasks(ctx context.Context, importID string) (int, error)
	UpdateTaskState(ctx context.Context, id, from, to string, mtime int64) (bool, error)
	FinishTask(ctx context.Context, id, to string, output []model.TaskOutput, errMsg string, mtime int64) (bool, error)

	CreateAttachments(ctx context.Context, items []model.Attachment) error
}

// Store adds transaction support on top of Tx. A failing fn rolls back every
// write it made.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

type repos struct {
	*IntegrationRepo
	*ImportRepo
	*ImportTaskRepo
	*AttachmentRepo
}

func newRepos(q Querier) repos {
	return repos{
		IntegrationRepo: NewIntegrationRepo(q),
		ImportRepo:      NewImportRepo(q),
		ImportTaskRepo:  NewImportTaskRepo(q),
		AttachmentRepo:  NewAttachmentRepo(q),
	}
}

// PostgresStore implements Store over a *sql.DB.
type PostgresStore struct {
	repos
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{repos: newRepos(db), db: db}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	txRepos := newRepos(tx)
	if err := fn(&txRepos); err != nil {
		return err
	}
	return tx.Commit()
}
