package database

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"tinydist/internal/config"
	"tinydist/pkg/log"
)

// NewRedis 初始化 Redis 客户端连接。未配置地址时返回 nil，调用方应退化为仅使用数据库。
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	log.Infof("[NewRedis] Redis 已连接: %s", cfg.Addr)
	return rdb, nil
}
