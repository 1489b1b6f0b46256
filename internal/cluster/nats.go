package cluster

import (
	"log/slog"

	"github.com/nats-io/nats.go"

	"sudooom.im.sync/internal/config"
)

// Connect 连接 NATS，断线与重连只记录日志
func Connect(cfg config.NATSConfig, name string, logger *slog.Logger) (*nats.Conn, error) {
	logger = logger.With("component", "nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	return nats.Connect(cfg.URL, opts...)
}
