package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "sudooom.im.sync/internal/errors"
)

const tokenTypeAccess = "access"

// Claims JWT 声明
type Claims struct {
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id,omitempty"`
	Platform  string `json:"platform,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Identity 经过验证的调用方身份
// 同步核心只消费 UserID / DeviceID，不关心令牌本身
type Identity struct {
	UserID   string
	DeviceID string // 令牌绑定的设备，为空表示不限制
	Platform string
	Verified bool
}

// Valid 身份是否可用于注册设备或发送消息
func (i Identity) Valid() bool {
	return i.Verified && i.UserID != ""
}

// Service JWT 服务
type Service struct {
	secretKey    []byte
	issuer       string
	accessExpire time.Duration
	now          func() time.Time
}

// NewService 创建 JWT 服务
func NewService(secretKey, issuer string, accessExpire time.Duration) *Service {
	return &Service{
		secretKey:    []byte(secretKey),
		issuer:       issuer,
		accessExpire: accessExpire,
		now:          time.Now,
	}
}

// GenerateAccessToken 签发 Access Token（开发工具与测试使用，生产环境由认证服务签发）
func (s *Service) GenerateAccessToken(userID, deviceID, platform string) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID:    userID,
		DeviceID:  deviceID,
		Platform:  platform,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpire)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
}

// Verify 验证 Access Token 并返回身份
func (s *Service) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, apperrors.ErrUnauthorized
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.ErrTokenInvalid
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, apperrors.ErrTokenExpired
		}
		return Identity{}, apperrors.ErrTokenInvalid.Wrap(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != tokenTypeAccess || claims.UserID == "" {
		return Identity{}, apperrors.ErrTokenInvalid
	}

	return Identity{
		UserID:   claims.UserID,
		DeviceID: claims.DeviceID,
		Platform: claims.Platform,
		Verified: true,
	}, nil
}
