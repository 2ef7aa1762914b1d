package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/kbimport/internal/model"
	"github.com/xxxsen/kbimport/internal/pkg/errcode"
	"github.com/xxxsen/kbimport/internal/pkg/response"
	"github.com/xxxsen/kbimport/internal/service"
)

type ImportHandler struct {
	imports *service.ImportService
}

func NewImportHandler(imports *service.ImportService) *ImportHandler {
	return &ImportHandler{imports: imports}
}

type createImportRequest struct {
	Service            string `json:"service" binding:"required"`
	IntegrationID      string `json:"integration_id" binding:"required"`
	Permission         string `json:"permission"`
	ParentCollectionID string `json:"parent_collection_id"`
}

func (h *ImportHandler) Create(c *gin.Context) {
	var req createImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	imp, err := h.imports.Create(c.Request.Context(), service.CreateImportRequest{
		TeamID:        getTeamID(c),
		Service:       req.Service,
		IntegrationID: req.IntegrationID,
		CreatedBy:     getUserID(c),
		Input: model.ImportInput{
			Permission:         req.Permission,
			ParentCollectionID: req.ParentCollectionID,
		},
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, importView(imp))
}

func (h *ImportHandler) Get(c *gin.Context) {
	status, err := h.imports.Get(c.Request.Context(), getTeamID(c), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{
		"import":      importView(status.Import),
		"task_counts": status.TaskCounts,
	})
}

func (h *ImportHandler) ListTasks(c *gin.Context) {
	tasks, err := h.imports.ListTasks(c.Request.Context(), getTeamID(c), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"tasks": tasks})
}

func (h *ImportHandler) Retry(c *gin.Context) {
	if err := h.imports.Requeue(c.Request.Context(), getTeamID(c), c.Param("id"), c.Param("task_id")); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"task_id": c.Param("task_id")})
}

func importView(imp *model.Import) gin.H {
	return gin.H{
		"id":             imp.ID,
		"service":        imp.Service,
		"state":          imp.State,
		"integration_id": imp.IntegrationID,
		"created_by":     imp.CreatedBy,
		"input":          imp.Input,
		"error":          imp.Error,
		"ctime":          imp.Ctime,
		"mtime":          imp.Mtime,
	}
}
