package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"sudooom.im.sync/internal/auth"
	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/cluster"
	"sudooom.im.sync/internal/config"
	"sudooom.im.sync/internal/dispatcher"
	"sudooom.im.sync/internal/handler"
	"sudooom.im.sync/internal/health"
	"sudooom.im.sync/internal/httpapi"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/presence"
	"sudooom.im.sync/internal/queue"
	"sudooom.im.sync/internal/registry"
	"sudooom.im.sync/internal/room"
	"sudooom.im.sync/internal/server"
	"sudooom.im.sync/internal/snowflake"
	"sudooom.im.sync/internal/store"
	"sudooom.im.sync/internal/syncer"
	"sudooom.im.sync/internal/workerpool"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a sync node (WebSocket, optional WebTransport, REST sync API)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, flush, err := loadConfig()
		if err != nil {
			return err
		}
		defer flush()
		return serve(cmd.Context(), cfg, logger)
	},
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real{}

	// 存储
	repo, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer repo.Close()
	logger.Info("Storage ready", "driver", cfg.Storage.Driver)

	// Redis（共享离线队列、设备位置表）
	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = cluster.NewRedisClient(cfg.Redis)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	// NATS（跨节点转发、资料更新）
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = cluster.Connect(cfg.NATS, cfg.App.NodeID, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	}

	reg := registry.New(repo, clk, logger)
	restored, err := reg.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore device sessions: %w", err)
	}
	logger.Info("Device sessions restored", "count", restored)

	var q queue.Queue
	switch cfg.Queue.Backend {
	case "redis":
		q = queue.NewRedis(redisClient, cfg.Queue.Policy(), clk)
	default:
		q = queue.NewMemory(cfg.Queue.Policy(), clk)
	}

	pool := workerpool.New(cfg.Server.Workers, cfg.Server.WorkerQueue, logger)
	defer pool.Shutdown()

	drainer := queue.NewDrainer(q, reg, pool, clk, queue.DrainerConfig{
		Batch:       cfg.Queue.DrainBatch,
		Retry:       cfg.Queue.DrainRetry.Policy(),
		MaxAttempts: cfg.Queue.DrainAttempts,
	}, logger)

	// 位置表监听须先于在线状态注册，下线时先删除本节点条目再判断其他节点
	var (
		locator *cluster.Locator
		tracker presence.Locator
	)
	if redisClient != nil {
		locator = cluster.NewLocator(redisClient, cfg.App.NodeID, cfg.Redis.LocationTTL, clk, logger)
		locator.Attach(reg)
		tracker = locator
	}

	rooms := room.NewManager(repo, reg, logger)
	typing := presence.NewTyping(clk, cfg.Presence.TypingTTL, nil)
	d := dispatcher.New(repo, reg, rooms, q, typing, snowflake.NewNode(cfg.App.SnowflakeNode), clk, dispatcher.Config{
		EnqueuePresence: cfg.Delivery.EnqueuePresence,
		PersistRetry:    cfg.Delivery.PersistRetry.Policy(),
		PersistAttempts: cfg.Delivery.PersistAttempts,
	}, logger)
	drainer.OnAcknowledged(d.Acknowledged)

	presenceTracker := presence.NewTracker(reg, tracker, typing, clk, logger)
	presenceTracker.OnChange(d.PresenceChanged)

	var relay *cluster.Relay
	switch {
	case nc != nil && locator != nil:
		relay = cluster.NewRelay(nc, cfg.App.NodeID, locator, d, logger)
		if err := relay.Start(); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
		defer relay.Stop()
		d.SetRelay(relay)
		logger.Info("Cluster relay enabled", "node_id", cfg.App.NodeID)
	case nc != nil:
		logger.Warn("NATS configured without Redis, cross-node relay disabled")
	}

	h := handler.New(reg, rooms, d, drainer, q, clk, logger)
	if locator != nil {
		h.SetHeartbeatHook(func(ctx context.Context, key model.DeviceKey) {
			if err := locator.Refresh(ctx, key); err != nil {
				logger.Warn("Failed to refresh device location", "user_id", key.UserID, "device_id", key.DeviceID, "error", err)
			}
		})
	}

	authSvc := auth.NewService(cfg.Auth.TokenSecret, cfg.Auth.Issuer, cfg.Auth.TokenExpire)
	srv := server.New(cfg, authSvc, h, logger)
	checker := health.NewChecker(cfg.App.NodeID, repo, nc, redisClient, srv.ConnManager(), reg)

	mode := gin.ReleaseMode
	if cfg.Development() {
		mode = gin.DebugMode
	}
	router := httpapi.SetupRouter(httpapi.Options{
		Mode:           mode,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth:           authSvc,
		Sync: httpapi.NewSyncHandler(syncer.New(repo, clk, syncer.Config{
			PageSize:    cfg.Sync.PageSize,
			MaxPageSize: cfg.Sync.MaxPageSize,
		}, logger)),
		Devices:   httpapi.NewDeviceHandler(reg, q),
		Health:    checker,
		WebSocket: srv.ServeWS,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx, router)
	}()

	logger.Info("Sync node started",
		"addr", cfg.Server.Addr,
		"node_id", cfg.App.NodeID,
		"quic", cfg.QUIC.Enabled,
		"queue", cfg.Queue.Backend)

	select {
	case err = <-errCh:
		if err != nil {
			logger.Error("Server failed", "error", err)
		}
	case <-ctx.Done():
	}

	// 优雅关闭
	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	logger.Info("Server stopped")
	return err
}

// openStorage 按驱动打开存储
func openStorage(ctx context.Context, cfg config.StorageConfig) (store.Repository, error) {
	switch cfg.Driver {
	case "sqlite":
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, err
			}
		}
		return store.OpenSQLite(ctx, cfg.SQLitePath)
	case "postgres":
		pg, err := store.ConnectPostgres(ctx, cfg.Postgres.Store())
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return pg, nil
	default:
		return store.NewMemory(), nil
	}
}
