package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/kbimport/internal/filestore"
	"github.com/xxxsen/kbimport/internal/model"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
)

type attachmentReader interface {
	GetAttachment(ctx context.Context, id string) (*model.Attachment, error)
}

// AttachmentHandler serves the stable attachment URLs written into imported
// documents by redirecting to the stored object.
type AttachmentHandler struct {
	attachments attachmentReader
	store       filestore.Store
	baseURL     string
	ttl         time.Duration
}

func NewAttachmentHandler(attachments attachmentReader, store filestore.Store, publicBaseURL string, ttl time.Duration) *AttachmentHandler {
	return &AttachmentHandler{attachments: attachments, store: store, baseURL: publicBaseURL, ttl: ttl}
}

func (h *AttachmentHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	att, err := h.attachments.GetAttachment(ctx, id)
	if err != nil {
		if errors.Is(err, appErr.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		logutil.GetLogger(ctx).Error("load attachment failed", zap.String("attachment_id", id), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	switch att.Status {
	case model.AttachmentStatusUploaded:
	case model.AttachmentStatusPending:
		c.Header("Retry-After", "5")
		c.Status(http.StatusServiceUnavailable)
		return
	default:
		c.Status(http.StatusNotFound)
		return
	}
	link, err := h.store.URL(ctx, att.Key, h.baseURL, h.ttl)
	if err != nil {
		logutil.GetLogger(ctx).Error("build attachment url failed", zap.String("attachment_id", id), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, link)
}
