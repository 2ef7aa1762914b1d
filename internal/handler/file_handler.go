package handler

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/kbimport/internal/filestore"
)

// FileHandler serves objects of the local store. Other stores hand out
// their own URLs.
type FileHandler struct {
	store filestore.Store
}

func NewFileHandler(store filestore.Store) *FileHandler {
	return &FileHandler{store: store}
}

func (h *FileHandler) Get(c *gin.Context) {
	if h.store.Type() != "local" {
		c.Status(http.StatusNotFound)
		return
	}
	key := c.Param("key")
	if !filestore.ValidKey(key) {
		c.Status(http.StatusBadRequest)
		return
	}
	file, err := h.store.Open(c.Request.Context(), key)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	defer file.Close()
	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, file)
}
