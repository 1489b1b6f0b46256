package httpapi

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"sudooom.im.sync/internal/auth"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/pkg/response"
)

const identityKey = "identity"

// JWTAuth 校验 Bearer 令牌并把身份写入上下文
func JWTAuth(authSvc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.GetHeader("Authorization"))
		if token == "" {
			response.Unauthorized(c, apperrors.ErrUnauthorized)
			return
		}

		identity, err := authSvc.Verify(token)
		if err != nil {
			response.Unauthorized(c, err)
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// extractToken 从 Authorization header 提取 token
func extractToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// GetIdentity 从 context 获取身份
func GetIdentity(c *gin.Context) auth.Identity {
	v, exists := c.Get(identityKey)
	if !exists {
		return auth.Identity{}
	}
	identity, _ := v.(auth.Identity)
	return identity
}

// CORS 跨域中间件，origins 含 "*" 时放行全部来源
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           24 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// RequestLogger 请求日志
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if identity := GetIdentity(c); identity.UserID != "" {
			attrs = append(attrs, "user_id", identity.UserID)
		}
		switch {
		case status >= 500:
			logger.Error("HTTP request", attrs...)
		case status >= 400:
			logger.Info("HTTP request", attrs...)
		default:
			logger.Debug("HTTP request", attrs...)
		}
	}
}
