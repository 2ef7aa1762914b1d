package response

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/webapi/proxyutil"

	"github.com/xxxsen/kbimport/internal/pkg/errcode"
	appErr "github.com/xxxsen/kbimport/internal/pkg/errors"
)

type codeErr struct {
	code uint32
	msg  string
}

func (e codeErr) Error() string {
	return e.msg
}

func (e codeErr) Code() uint32 {
	return e.code
}

func AsCodeErr(code uint32, msg string) error {
	return codeErr{code: code, msg: msg}
}

func Success(c *gin.Context, data interface{}) {
	proxyutil.SuccessJson(c, data)
}

func Error(c *gin.Context, code int, message string) {
	proxyutil.FailJson(c, 200, AsCodeErr(uint32(code), message))
}

// CodeOf maps a service error onto the public error code and message.
func CodeOf(err error) (int, string) {
	switch {
	case errors.Is(err, appErr.ErrUnauthorized):
		return errcode.ErrUnauthorized, "unauthorized"
	case errors.Is(err, appErr.ErrForbidden):
		return errcode.ErrForbidden, "forbidden"
	case errors.Is(err, appErr.ErrNotFound):
		return errcode.ErrNotFound, "not found"
	case errors.Is(err, appErr.ErrInvalidIntegration):
		return errcode.ErrInvalidIntegration, "integration is not authenticated for this service"
	case errors.Is(err, appErr.ErrAttachmentNotReady):
		return errcode.ErrAttachmentNotReady, "attachment not ready"
	case errors.Is(err, appErr.ErrInvalid):
		return errcode.ErrInvalid, "invalid request"
	case errors.Is(err, appErr.ErrConflict):
		return errcode.ErrConflict, "conflict"
	case errors.Is(err, appErr.ErrTooMany):
		return errcode.ErrTooMany, "too many requests"
	default:
		return errcode.ErrInternal, "internal error"
	}
}
