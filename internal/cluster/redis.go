package cluster

import (
	"github.com/redis/go-redis/v9"

	"sudooom.im.sync/internal/config"
)

// NewRedisClient 创建 Redis 客户端，定位表与离线队列共用
func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}
