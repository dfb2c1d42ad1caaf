package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
)

// ErrMissingAuthHeader 表示请求既没有 Authorization 头也没有 token 参数
var ErrMissingAuthHeader = errors.New("missing Authorization header")

// JWT claim 名和 gin.Context 中的键
const (
	ClaimParticipantID = "participant_id"
	ClaimDisplayName   = "name"

	ContextParticipantID = "participant_id"
	ContextDisplayName   = "display_name"
)

// Auth 返回校验匿名参与者 JWT 的中间件。通过后 Context 中带有参与者 ID 和可选的显示名。
func Auth(jwtSecret string) gin.HandlerFunc {
	if jwtSecret == "" {
		panic("JWT secret cannot be empty for Auth middleware")
	}

	return func(c *gin.Context) {
		tokenStr, err := extractToken(c)
		if err != nil {
			switch {
			case errors.Is(err, ErrMissingAuthHeader):
				logrus.Warn("Auth middleware: Missing Authorization header")
				unauthorized(c, "Authorization header is required")
			case errors.Is(err, jwt.ErrTokenMalformed):
				logrus.Warnf("Auth middleware: Malformed token format: %v", err)
				unauthorized(c, "Invalid token format")
			default:
				logrus.WithError(err).Warn("Auth middleware: Error extracting token")
				unauthorized(c, "Could not process token")
			}
			return
		}

		claims, err := validateToken(tokenStr, jwtSecret)
		if err != nil {
			logCtx := logrus.WithError(err)
			var ve *jwt.ValidationError
			if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
				logCtx = logCtx.WithField("reason", "expired")
			}
			logCtx.Warn("Auth middleware: Invalid token")
			unauthorized(c, "Invalid or expired token")
			return
		}

		participantID, _ := claims[ClaimParticipantID].(string)
		if participantID == "" {
			logrus.Errorf("Auth middleware: '%s' claim missing or not a string", ClaimParticipantID)
			unauthorized(c, "Invalid token: missing participant id")
			return
		}
		c.Set(ContextParticipantID, participantID)
		if name, ok := claims[ClaimDisplayName].(string); ok && name != "" {
			c.Set(ContextDisplayName, name)
		}
		logrus.WithField("participant_id", participantID).Debug("Auth middleware: Participant authenticated")
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

// extractToken 读取 "Bearer <token>"。
// 浏览器的 WebSocket 握手无法设置请求头，因此也接受 ?token= 查询参数。
func extractToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingAuthHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", jwt.ErrTokenMalformed
	}
	return token, nil
}

// validateToken 校验签名 (仅接受 HMAC) 和有效期
func validateToken(tokenStr string, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token or claims type")
	}
	return claims, nil
}
