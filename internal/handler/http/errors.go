package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/service"
)

// HandleServiceError 把服务层错误映射为 HTTP 状态码
func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		ErrorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrIncorrectSecret):
		ErrorResponse(c, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrAccessDenied):
		ErrorResponse(c, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrInvalidRoomName), errors.Is(err, service.ErrInvalidIdentity):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	default:
		logrus.WithError(err).Error("Unhandled internal server error")
		ErrorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
