package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/xxxsen/kbimport/internal/model"
	"github.com/xxxsen/kbimport/internal/pkg/dbutil"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
)

const importColumns = `id, team_id, service, state, created_by, integration_id, input_json, outstanding, error, ctime, mtime`

type ImportRepo struct {
	db Querier
}

func NewImportRepo(db Querier) *ImportRepo {
	return &ImportRepo{db: db}
}

func (r *ImportRepo) CreateImport(ctx context.Context, imp *model.Import) error {
	inputJSON, err := json.Marshal(imp.Input)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO imports (id, team_id, service, state, created_by, integration_id, input_json, outstanding, error, ctime, mtime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		imp.ID,
		imp.TeamID,
		imp.Service,
		imp.State,
		imp.CreatedBy,
		imp.IntegrationID,
		string(inputJSON),
		imp.Outstanding,
		imp.Error,
		imp.Ctime,
		imp.Mtime,
	)
	if dbutil.IsConflict(err) {
		return appErr.ErrConflict
	}
	return err
}

func (r *ImportRepo) GetImport(ctx context.Context, id string) (*model.Import, error) {
	query := `SELECT ` + importColumns + ` FROM imports WHERE id = $1`
	return scanImport(r.db.QueryRowContext(ctx, query, id))
}

// LockImport reads the import and holds a row lock on it until the enclosing
// transaction ends. Outside a transaction it behaves like GetImport.
func (r *ImportRepo) LockImport(ctx context.Context, id string) (*model.Import, error) {
	query := `SELECT ` + importColumns + ` FROM imports WHERE id = $1 FOR UPDATE`
	return scanImport(r.db.QueryRowContext(ctx, query, id))
}

// UpdateImportState moves the import to `to` only when its current state is
// one of `from`. It reports whether a row changed.
func (r *ImportRepo) UpdateImportState(ctx context.Context, id string, from []string, to, errMsg string, mtime int64) (bool, error) {
	query, args, err := dbutil.ExpandIn(
		`UPDATE imports SET state = ?, error = ?, mtime = ? WHERE id = ? AND state IN (?)`,
		to, errMsg, mtime, id, from,
	)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// AddOutstanding adjusts the number of unfinished tasks of an import and
// returns the new value.
func (r *ImportRepo) AddOutstanding(ctx context.Context, id string, delta int, mtime int64) (int, error) {
	const query = `
		UPDATE imports
		SET outstanding = outstanding + $1, mtime = $2
		WHERE id = $3
		RETURNING outstanding
	`
	var outstanding int
	if err := r.db.QueryRowContext(ctx, query, delta, mtime, id).Scan(&outstanding); err != nil {
		if err == sql.ErrNoRows {
			return 0, appErr.ErrNotFound
		}
		return 0, err
	}
	return outstanding, nil
}

func scanImport(row *sql.Row) (*model.Import, error) {
	var imp model.Import
	var inputJSON string
	if err := row.Scan(
		&imp.ID,
		&imp.TeamID,
		&imp.Service,
		&imp.State,
		&imp.CreatedBy,
		&imp.IntegrationID,
		&inputJSON,
		&imp.Outstanding,
		&imp.Error,
		&imp.Ctime,
		&imp.Mtime,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &imp.Input); err != nil {
			return nil, err
		}
	}
	return &imp, nil
}
