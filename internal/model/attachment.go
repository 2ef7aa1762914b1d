package model

const (
	AttachmentStatusPending  = "pending"
	AttachmentStatusUploaded = "uploaded"
	AttachmentStatusFailed   = "failed"
)

const DefaultAttachmentContentType = "application/octet-stream"

type Attachment struct {
	ID          string `json:"id"`
	TeamID      string `json:"team_id"`
	ImportID    string `json:"import_id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Status      string `json:"status"`
	ExpiresAt   int64  `json:"expires_at"`
	Ctime       int64  `json:"ctime"`
	Mtime       int64  `json:"mtime"`
}
