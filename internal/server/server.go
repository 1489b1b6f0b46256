package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/quic-go/webtransport-go"

	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/config"
	"sudooom.im.sync/internal/connection"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/handler"
	"sudooom.im.sync/internal/protocol"
)

// Server 实时通道接入：WebSocket 挂在 HTTP 服务上，WebTransport 独立监听 UDP
type Server struct {
	cfg              *config.Config
	auth             *auth.Service
	handler          *handler.Handler
	logger           *slog.Logger
	connMgr          *connection.Manager
	httpServer       *http.Server
	wtServer         *webtransport.Server
	heartbeatChecker *connection.HeartbeatChecker
	wg               sync.WaitGroup

	mu      sync.Mutex
	baseCtx context.Context
}

func New(cfg *config.Config, authSvc *auth.Service, h *handler.Handler, logger *slog.Logger) *Server {
	logger = logger.With("component", "server")
	s := &Server{
		cfg:     cfg,
		auth:    authSvc,
		handler: h,
		logger:  logger,
		connMgr: connection.NewManager(),
		baseCtx: context.Background(),
	}
	s.heartbeatChecker = connection.NewHeartbeatChecker(
		s.connMgr,
		cfg.Heartbeat.Timeout,
		cfg.Heartbeat.CheckInterval,
		clock.Real{},
		logger,
		func(conn *connection.Connection) {
			s.logger.Info("Closing idle connection",
				"conn_id", conn.ID(),
				"user_id", conn.UserID(),
				"device_id", conn.DeviceID())
		},
	)
	return s
}

// Start 启动 HTTP（含 /ws）与可选的 WebTransport 监听，阻塞直到任一监听退出
func (s *Server) Start(ctx context.Context, api http.Handler) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: api,
	}
	s.mu.Unlock()

	go s.heartbeatChecker.Start(ctx)

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("HTTP server starting", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if s.cfg.QUIC.Enabled {
		wt, err := s.newWebTransport(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.wtServer = wt
		s.mu.Unlock()
		go func() {
			s.logger.Info("WebTransport server starting", "addr", s.cfg.QUIC.Addr)
			if err := wt.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// serve 连接的读循环，事件在本协程内按到达顺序处理
func (s *Server) serve(c *connection.Connection, read func() ([]byte, error)) {
	ctx := s.context()
	s.connMgr.Add(c)
	s.logger.Debug("Connection opened",
		"conn_id", c.ID(),
		"user_id", c.UserID(),
		"remote_addr", c.RemoteAddr())

	defer func() {
		c.Close()
		s.handler.Disconnect(context.WithoutCancel(ctx), c)
		s.connMgr.Remove(c.ID())
		s.logger.Debug("Connection closed",
			"conn_id", c.ID(),
			"user_id", c.UserID(),
			"device_id", c.DeviceID())
	}()

	for {
		data, err := read()
		if err != nil {
			return
		}
		s.handler.Dispatch(ctx, c, data)
	}
}

// authenticate 从 token 查询参数或 Bearer 头解析身份
func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return auth.Identity{}, apperrors.ErrUnauthorized
	}
	return s.auth.Verify(token)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ConnManager 返回连接管理器
func (s *Server) ConnManager() *connection.Manager {
	return s.connMgr
}

// Shutdown 关闭监听并断开所有连接
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer, wtServer := s.httpServer, s.wtServer
	s.mu.Unlock()

	var errs []error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if wtServer != nil {
		if err := wtServer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.connMgr.CloseAll(protocol.CloseNormal, "server shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
