package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.sync/internal/clock"
	"sudooom.im.sync/internal/model"
	"sudooom.im.sync/internal/registry"
)

const (
	// DefaultLocationTTL 设备位置有效期，心跳续期
	DefaultLocationTTL = 3 * time.Minute

	listenerTimeout = 2 * time.Second
)

// Location 设备当前所在节点
type Location struct {
	NodeID    string    `json:"nodeId"`
	DeviceID  string    `json:"deviceId"`
	Platform  string    `json:"platform"`
	LoginTime time.Time `json:"loginTime"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// unregisterScript 仅当位置仍属于本节点时删除，避免覆盖设备在其他节点的新登录
// KEYS[1]=位置 HASH ARGV[1]=deviceId ARGV[2]=nodeId
var unregisterScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then return 0 end
local ok, loc = pcall(cjson.decode, v)
if ok and loc.nodeId ~= ARGV[2] then return 0 end
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// Locator 基于 Redis 的集群设备定位表
// Key: im:sync:location:{userId}，HASH deviceId -> Location JSON
type Locator struct {
	client redis.UniversalClient
	nodeID string
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

func NewLocator(client redis.UniversalClient, nodeID string, ttl time.Duration, clk clock.Clock, logger *slog.Logger) *Locator {
	if ttl <= 0 {
		ttl = DefaultLocationTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Locator{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		clock:  clk,
		logger: logger.With("component", "locator", "node_id", nodeID),
	}
}

func locationKey(userID string) string {
	return "im:sync:location:{" + userID + "}"
}

// NodeID 本节点 ID
func (l *Locator) NodeID() string {
	return l.nodeID
}

// Attach 订阅注册表上下线事件，自动维护本节点设备的位置
func (l *Locator) Attach(reg *registry.Registry) {
	reg.OnRegister(func(s model.DeviceSession) {
		ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
		defer cancel()
		if err := l.Register(ctx, s); err != nil {
			l.logger.Warn("Failed to register device location",
				"user_id", s.UserID,
				"device_id", s.DeviceID,
				"error", err)
		}
	})
	reg.OnDeregister(func(s model.DeviceSession) {
		ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
		defer cancel()
		if err := l.Unregister(ctx, s.Key()); err != nil {
			l.logger.Warn("Failed to unregister device location",
				"user_id", s.UserID,
				"device_id", s.DeviceID,
				"error", err)
		}
	})
}

// Register 记录设备在本节点在线
func (l *Locator) Register(ctx context.Context, s model.DeviceSession) error {
	now := l.clock.Now()
	loginTime := s.LastActivityAt
	if loginTime.IsZero() {
		loginTime = now
	}
	return l.write(ctx, Location{
		NodeID:    l.nodeID,
		DeviceID:  s.DeviceID,
		Platform:  s.Platform,
		LoginTime: loginTime,
		ExpiresAt: now.Add(l.ttl),
	}, s.UserID)
}

// Refresh 心跳续期，位置已被其他节点接管时不覆盖
func (l *Locator) Refresh(ctx context.Context, key model.DeviceKey) error {
	loc, found, err := l.Locate(ctx, key)
	if err != nil {
		return err
	}
	if found && loc.NodeID != l.nodeID {
		return nil
	}
	if !found {
		loc = Location{NodeID: l.nodeID, DeviceID: key.DeviceID, LoginTime: l.clock.Now()}
	}
	loc.ExpiresAt = l.clock.Now().Add(l.ttl)
	return l.write(ctx, loc, key.UserID)
}

func (l *Locator) write(ctx context.Context, loc Location, userID string) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	key := locationKey(userID)
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, key, loc.DeviceID, data)
	pipe.Expire(ctx, key, l.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Unregister 移除本节点持有的设备位置
func (l *Locator) Unregister(ctx context.Context, key model.DeviceKey) error {
	return unregisterScript.Run(ctx, l.client, []string{locationKey(key.UserID)}, key.DeviceID, l.nodeID).Err()
}

// Locate 查询设备位置，过期条目视为不存在
func (l *Locator) Locate(ctx context.Context, key model.DeviceKey) (Location, bool, error) {
	data, err := l.client.HGet(ctx, locationKey(key.UserID), key.DeviceID).Result()
	if errors.Is(err, redis.Nil) {
		return Location{}, false, nil
	}
	if err != nil {
		return Location{}, false, err
	}
	var loc Location
	if err := json.Unmarshal([]byte(data), &loc); err != nil {
		return Location{}, false, fmt.Errorf("unmarshal location: %w", err)
	}
	if !loc.ExpiresAt.After(l.clock.Now()) {
		return Location{}, false, nil
	}
	return loc, true, nil
}

// Devices 用户全部未过期的设备位置
func (l *Locator) Devices(ctx context.Context, userID string) ([]Location, error) {
	all, err := l.client.HGetAll(ctx, locationKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	out := make([]Location, 0, len(all))
	for deviceID, data := range all {
		var loc Location
		if err := json.Unmarshal([]byte(data), &loc); err != nil {
			l.logger.Debug("Skipping malformed location",
				"user_id", userID,
				"device_id", deviceID,
				"error", err)
			continue
		}
		if loc.ExpiresAt.After(now) {
			out = append(out, loc)
		}
	}
	return out, nil
}

// OnlineElsewhere 用户是否有设备在其他节点在线
func (l *Locator) OnlineElsewhere(ctx context.Context, userID string) (bool, error) {
	locs, err := l.Devices(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, loc := range locs {
		if loc.NodeID != l.nodeID {
			return true, nil
		}
	}
	return false, nil
}
