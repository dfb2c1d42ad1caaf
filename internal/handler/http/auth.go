package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/service"
)

// AuthHandler 封装了匿名登录的 HTTP 处理逻辑
type AuthHandler struct {
	authService *service.AuthService
}

// NewAuthHandler 创建 AuthHandler 实例
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	if authService == nil {
		panic("AuthService cannot be nil for AuthHandler")
	}
	return &AuthHandler{authService: authService}
}

// AnonymousRequest 是匿名登录请求，请求体可以为空
type AnonymousRequest struct {
	DisplayName string `json:"display_name" binding:"omitempty,max=40"`
}

// SignInAnonymous 签发一个随机参与者身份
func (h *AuthHandler) SignInAnonymous(c *gin.Context) {
	var req AnonymousRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			logrus.WithError(err).Warn("Handler.SignInAnonymous: Invalid input format")
			ErrorResponse(c, http.StatusBadRequest, "Invalid input")
			return
		}
	}

	identity, err := h.authService.SignInAnonymous(c.Request.Context(), req.DisplayName)
	if err != nil {
		HandleServiceError(c, err)
		return
	}

	logrus.WithField("participant_id", identity.ParticipantID).Info("Handler.SignInAnonymous: Participant signed in")
	SuccessResponse(c, http.StatusOK, identity)
}
