package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/kbimport/internal/middleware"
)

type RouterDeps struct {
	Imports      *ImportHandler
	Attachments  *AttachmentHandler
	Files        *FileHandler
	JWTSecret    []byte
	CreateWindow time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	authGroup := api.Group("")
	authGroup.Use(middleware.JWTAuth(deps.JWTSecret))
	authGroup.POST("/imports", middleware.RateLimit(deps.CreateWindow), deps.Imports.Create)
	authGroup.GET("/imports/:id", deps.Imports.Get)
	authGroup.GET("/imports/:id/tasks", deps.Imports.ListTasks)
	authGroup.POST("/imports/:id/tasks/:task_id/retry", deps.Imports.Retry)

	// referenced from imported documents, fetched without credentials
	api.GET("/attachments/:id", deps.Attachments.Get)
	api.GET("/files/:key", deps.Files.Get)
}
