package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/kbimport/internal/model"
	"github.com/xxxsen/kbimport/internal/pkg/dbutil"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
)

var integrationFields = []string{"id", "team_id", "service", "access_token", "expires_at", "revoked", "ctime", "mtime"}

type IntegrationRepo struct {
	db Querier
}

func NewIntegrationRepo(db Querier) *IntegrationRepo {
	return &IntegrationRepo{db: db}
}

func (r *IntegrationRepo) CreateIntegration(ctx context.Context, integ *model.Integration) error {
	data := map[string]interface{}{
		"id":           integ.ID,
		"team_id":      integ.TeamID,
		"service":      integ.Service,
		"access_token": integ.AccessToken,
		"expires_at":   integ.ExpiresAt,
		"revoked":      boolToInt(integ.Revoked),
		"ctime":        integ.Ctime,
		"mtime":        integ.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("integrations", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	if dbutil.IsConflict(err) {
		return appErr.ErrConflict
	}
	return err
}

func (r *IntegrationRepo) GetIntegration(ctx context.Context, id string) (*model.Integration, error) {
	sqlStr, args, err := builder.BuildSelect("integrations", map[string]interface{}{"id": id}, integrationFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	var integ model.Integration
	var revoked int
	err = r.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&integ.ID,
		&integ.TeamID,
		&integ.Service,
		&integ.AccessToken,
		&integ.ExpiresAt,
		&revoked,
		&integ.Ctime,
		&integ.Mtime,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	integ.Revoked = revoked == 1
	return &integ, nil
}

func (r *IntegrationRepo) Revoke(ctx context.Context, id string, mtime int64) error {
	const query = `UPDATE integrations SET revoked = 1, mtime = $1 WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, mtime, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
