package syncer

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"sudooom.im.sync/internal/clock"
	apperrors "sudooom.im.sync/internal/errors"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/store"
)

const (
	DefaultPageSize    = 100
	DefaultMaxPageSize = 500
)

// 允许客户端时间戳领先服务端的最大偏差
const maxCursorSkew = time.Minute

// Config 分页参数
type Config struct {
	PageSize    int
	MaxPageSize int
}

// Coordinator 基于游标的增量同步
// 游标只由 Commit 显式推进，Sync 本身不修改任何状态，可随时放弃重试
type Coordinator struct {
	repo   store.Repository
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger
}

// New 创建同步协调器
func New(repo store.Repository, clk clock.Clock, cfg Config, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPageSize < cfg.PageSize {
		cfg.MaxPageSize = max(DefaultMaxPageSize, cfg.PageSize)
	}
	return &Coordinator{
		repo:   repo,
		clock:  clk,
		cfg:    cfg,
		logger: logger.With("component", "syncer"),
	}
}

func epoch() time.Time {
	return time.Unix(0, 0).UTC()
}

func (c *Coordinator) validateCursor(ts time.Time) error {
	if ts.After(c.clock.Now().Add(maxCursorSkew)) {
		return apperrors.ErrInvalidCursor.WithMessage("sync timestamp is in the future")
	}
	return nil
}

// Sync 返回 since 之后（不含）的一页变更
// since 为 nil 时使用设备已提交的游标，没有游标则从头同步
func (c *Coordinator) Sync(ctx context.Context, userID, deviceID string, since *time.Time, limit int) (model.SyncResult, error) {
	if userID == "" || deviceID == "" {
		return model.SyncResult{}, apperrors.ErrInvalidParams.WithMessage("userId and deviceId are required")
	}
	if limit <= 0 {
		limit = c.cfg.PageSize
	}
	limit = min(limit, c.cfg.MaxPageSize)

	var from time.Time
	if since != nil {
		if err := c.validateCursor(*since); err != nil {
			return model.SyncResult{}, err
		}
		from = model.Timestamp(*since)
	} else {
		cursor, found, err := c.repo.GetCursor(ctx, userID, deviceID)
		if err != nil {
			return model.SyncResult{}, err
		}
		from = epoch()
		if found {
			from = cursor.LastSyncTimestamp
		}
	}

	items, err := c.repo.ListChanges(ctx, userID, from, limit)
	if err != nil {
		return model.SyncResult{}, err
	}

	result := model.SyncResult{SyncTimestamp: from, HasMore: len(items) >= limit}
	if len(items) == 0 {
		result.Items = []model.SyncItem{}
		return result, nil
	}

	last := items[len(items)-1].Timestamp
	if result.HasMore {
		// 页尾时间戳相同的变更必须整组返回，否则下一页 "> last" 会漏掉它们
		items, err = c.extendBoundary(ctx, userID, items, last)
		if err != nil {
			return model.SyncResult{}, err
		}
	}
	result.SyncTimestamp = last
	result.Items = filterDelivered(items, model.DeviceKey{UserID: userID, DeviceID: deviceID})

	c.logger.Debug("Sync page served",
		"user_id", userID,
		"device_id", deviceID,
		"since", from,
		"examined", len(items),
		"returned", len(result.Items),
		"has_more", result.HasMore)
	return result, nil
}

func (c *Coordinator) extendBoundary(ctx context.Context, userID string, items []model.SyncItem, last time.Time) ([]model.SyncItem, error) {
	group, err := c.repo.ListChangesAt(ctx, userID, last)
	if err != nil {
		return nil, err
	}
	cut := len(items)
	for cut > 0 && items[cut-1].Timestamp.Equal(last) {
		cut--
	}
	out := append(slices.Clone(items[:cut]), group...)
	slices.SortStableFunc(out[cut:], store.CompareItems)
	return out, nil
}

// filterDelivered 跳过已实时送达该设备且之后未被编辑或删除的消息
func filterDelivered(items []model.SyncItem, key model.DeviceKey) []model.SyncItem {
	out := make([]model.SyncItem, 0, len(items))
	for _, it := range items {
		if it.Kind == model.SyncMessage && it.Message != nil &&
			it.Message.DeliveredToDevice(key) && !it.Message.Changed() {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Commit 设备处理完一页后提交游标，游标只前进不后退
func (c *Coordinator) Commit(ctx context.Context, userID, deviceID string, ts time.Time) (model.SyncCursor, error) {
	if userID == "" || deviceID == "" {
		return model.SyncCursor{}, apperrors.ErrInvalidParams.WithMessage("userId and deviceId are required")
	}
	if ts.IsZero() {
		return model.SyncCursor{}, apperrors.ErrInvalidCursor
	}
	if err := c.validateCursor(ts); err != nil {
		return model.SyncCursor{}, err
	}
	cursor, err := c.repo.AdvanceCursor(ctx, userID, deviceID, model.Timestamp(ts))
	if err != nil {
		return model.SyncCursor{}, err
	}
	c.logger.Debug("Sync cursor committed",
		"user_id", userID,
		"device_id", deviceID,
		"cursor", cursor.LastSyncTimestamp)
	return cursor, nil
}

// Cursor 查询设备当前游标
func (c *Coordinator) Cursor(ctx context.Context, userID, deviceID string) (model.SyncCursor, bool, error) {
	return c.repo.GetCursor(ctx, userID, deviceID)
}
