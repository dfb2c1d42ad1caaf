package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxDisplayNameLength 限制匿名登录时自带的显示名长度 (按 rune 计)
const maxDisplayNameLength = 40

// Identity 是一次匿名登录得到的身份
type Identity struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
	Token         string `json:"token"`
}

// AuthService 负责匿名身份的签发。
type AuthService struct {
	jwtSecret []byte        // 存储密钥的字节形式
	jwtExpiry time.Duration // JWT 过期时间
}

// NewAuthService 创建 AuthService 实例。
// jwtSecretKey 应从安全配置中获取。
// jwtExpiryHours 定义 token 过期的小时数。
func NewAuthService(jwtSecretKey string, jwtExpiryHours int) (*AuthService, error) {
	if jwtSecretKey == "" {
		return nil, fmt.Errorf("JWT secret key cannot be empty")
	}
	if jwtExpiryHours <= 0 {
		jwtExpiryHours = 24 // 默认 24 小时
	}
	return &AuthService{
		jwtSecret: []byte(jwtSecretKey),
		jwtExpiry: time.Duration(jwtExpiryHours) * time.Hour,
	}, nil
}

// SignInAnonymous 生成一个随机参与者 ID 并签发 token。
// displayName 可以为空，此时进入房间时由在线状态模块生成名字。
func (s *AuthService) SignInAnonymous(ctx context.Context, displayName string) (*Identity, error) {
	displayName = strings.TrimSpace(displayName)
	if len([]rune(displayName)) > maxDisplayNameLength {
		return nil, ErrInvalidIdentity
	}

	participantID := uuid.NewString()
	logCtx := logrus.WithField("participant_id", participantID)

	token, err := s.generateJWT(participantID, displayName)
	if err != nil {
		logCtx.WithError(err).Error("Failed to generate JWT token during anonymous sign-in")
		return nil, ErrInternalServer
	}

	logCtx.Info("Anonymous participant signed in")
	return &Identity{ParticipantID: participantID, DisplayName: displayName, Token: token}, nil
}

// generateJWT 为参与者生成 JWT Token
func (s *AuthService) generateJWT(participantID, displayName string) (string, error) {
	claims := jwt.MapClaims{
		"participant_id": participantID,
		"exp":            time.Now().Add(s.jwtExpiry).Unix(),
		"iat":            time.Now().Unix(),
	}
	if displayName != "" {
		claims["name"] = displayName
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}
