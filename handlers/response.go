package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Yulian302/lfusys-services-transfer/apperror"
	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/gin-gonic/gin"
)

// Response is the JSON envelope of every non-streaming endpoint.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func SuccessResponse(code int, data any) Response {
	return Response{
		Code:    code,
		Message: "success",
		Data:    data,
	}
}

func ErrorResponse(code int, msg string, data any) Response {
	return Response{
		Code:    code,
		Message: msg,
		Data:    data,
	}
}

func respond(c *gin.Context, code int, data any) {
	c.JSON(code, SuccessResponse(code, data))
}

// statusOf maps an error to its HTTP status. Unknown errors are 500.
func statusOf(err error) int {
	switch {
	case errors.Is(err, apperror.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrSessionNotFound), errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, apperror.ErrInvalidState), errors.Is(err, apperror.ErrRetryableConflict):
		return http.StatusConflict
	case errors.Is(err, apperror.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperror.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// renderError writes err as an envelope. Internal errors are logged and
// hidden from the client.
func renderError(c *gin.Context, l logging.Logger, err error) {
	code := statusOf(err)
	msg := err.Error()

	var data any
	var incomplete *apperror.IncompleteUploadError
	if errors.As(err, &incomplete) {
		data = gin.H{
			"missing_chunks":   incomplete.Missing,
			"duplicate_chunks": incomplete.Duplicates,
		}
	}

	if errors.Is(err, apperror.ErrRetryableConflict) {
		c.Header("Retry-After", "1")
	}

	if code == http.StatusInternalServerError {
		l.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		if !errors.Is(err, apperror.ErrAssembly) && !errors.Is(err, apperror.ErrSessionFailed) {
			msg = "internal error"
		}
	}

	c.AbortWithStatusJSON(code, ErrorResponse(code, msg, data))
}
