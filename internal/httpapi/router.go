package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/health"
)

// Options 路由依赖，WebSocket 为 nil 时不挂载 /ws
type Options struct {
	Mode           string
	AllowedOrigins []string
	Auth           *auth.Service
	Sync           *SyncHandler
	Devices        *DeviceHandler
	Health         *health.Checker
	WebSocket      http.HandlerFunc
	Logger         *slog.Logger
}

// SetupRouter 设置路由
func SetupRouter(opts Options) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(opts.Logger.With("component", "http")))
	r.Use(CORS(opts.AllowedOrigins))

	if opts.Health != nil {
		r.GET("/health", gin.WrapH(opts.Health))
		r.GET("/ready", func(c *gin.Context) {
			if opts.Health.IsHealthy(c.Request.Context()) {
				c.String(http.StatusOK, "OK")
				return
			}
			c.String(http.StatusServiceUnavailable, "Not Ready")
		})
	}

	if opts.WebSocket != nil {
		r.GET("/ws", gin.WrapF(opts.WebSocket))
	}

	v1 := r.Group("/api/v1")
	v1.Use(JWTAuth(opts.Auth))
	{
		v1.GET("/sync", opts.Sync.Sync)
		v1.POST("/sync/ack", opts.Sync.Ack)

		devices := v1.Group("/devices")
		{
			devices.POST("", opts.Devices.Register)
			devices.GET("", opts.Devices.List)
			devices.DELETE("/:deviceId", opts.Devices.Deactivate)
			devices.GET("/:deviceId/queue", opts.Devices.QueueCount)
		}
	}

	return r
}
