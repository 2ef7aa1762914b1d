package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/kbimport/internal/middleware"
	"github.com/xxxsen/kbimport/internal/pkg/errcode"
	"github.com/xxxsen/kbimport/internal/pkg/response"
)

func getUserID(c *gin.Context) string {
	return c.GetString(middleware.ContextUserIDKey)
}

func getTeamID(c *gin.Context) string {
	return c.GetString(middleware.ContextTeamIDKey)
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	code, msg := response.CodeOf(err)
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("user_id", getUserID(c)),
		zap.Error(err),
	)
	if code == errcode.ErrInternal {
		logger.Error("request failed")
	} else {
		logger.Debug("request rejected")
	}
	response.Error(c, code, msg)
}
