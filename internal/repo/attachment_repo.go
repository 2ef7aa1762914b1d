package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/kbimport/internal/model"
	"github.com/xxxsen/kbimport/internal/pkg/dbutil"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
)

var attachmentFields = []string{"id", "team_id", "import_id", "file_key", "name", "content_type", "size", "status", "expires_at", "ctime", "mtime"}

type AttachmentRepo struct {
	db Querier
}

func NewAttachmentRepo(db Querier) *AttachmentRepo {
	return &AttachmentRepo{db: db}
}

func (r *AttachmentRepo) CreateAttachments(ctx context.Context, items []model.Attachment) error {
	if len(items) == 0 {
		return nil
	}
	data := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		data = append(data, map[string]interface{}{
			"id":           item.ID,
			"team_id":      item.TeamID,
			"import_id":    item.ImportID,
			"file_key":     item.Key,
			"name":         item.Name,
			"content_type": item.ContentType,
			"size":         item.Size,
			"status":       item.Status,
			"expires_at":   item.ExpiresAt,
			"ctime":        item.Ctime,
			"mtime":        item.Mtime,
		})
	}
	sqlStr, args, err := builder.BuildInsert("attachments", data)
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

func (r *AttachmentRepo) GetAttachment(ctx context.Context, id string) (*model.Attachment, error) {
	sqlStr, args, err := builder.BuildSelect("attachments", map[string]interface{}{"id": id}, attachmentFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	var item model.Attachment
	if err := r.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&item.ID,
		&item.TeamID,
		&item.ImportID,
		&item.Key,
		&item.Name,
		&item.ContentType,
		&item.Size,
		&item.Status,
		&item.ExpiresAt,
		&item.Ctime,
		&item.Mtime,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

// MarkUploaded finalizes a pending placeholder. Expiry is cleared so the
// cleanup job leaves it alone.
func (r *AttachmentRepo) MarkUploaded(ctx context.Context, id, contentType string, size int64, mtime int64) error {
	const query = `
		UPDATE attachments
		SET status = $1, content_type = $2, size = $3, expires_at = 0, mtime = $4
		WHERE id = $5 AND status = $6
	`
	res, err := r.db.ExecContext(ctx, query, model.AttachmentStatusUploaded, contentType, size, mtime, id, model.AttachmentStatusPending)
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

func (r *AttachmentRepo) MarkFailed(ctx context.Context, id string, mtime int64) error {
	const query = `UPDATE attachments SET status = $1, mtime = $2 WHERE id = $3 AND status = $4`
	_, err := r.db.ExecContext(ctx, query, model.AttachmentStatusFailed, mtime, id, model.AttachmentStatusPending)
	return err
}

// DeleteExpiredPending removes placeholders whose upload never finished.
func (r *AttachmentRepo) DeleteExpiredPending(ctx context.Context, now int64) (int64, error) {
	const query = `DELETE FROM attachments WHERE status = $1 AND expires_at > 0 AND expires_at < $2`
	res, err := r.db.ExecContext(ctx, query, model.AttachmentStatusPending, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
