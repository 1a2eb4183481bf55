package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/y001j/fault-engine/internal/actor"
	"github.com/y001j/fault-engine/internal/config"
)

// RedisStore 以 JSON 保存 Actor 快照，键为 前缀+snapshot:+实例ID
type RedisStore struct {
	client     *redis.Client
	prefix     string
	expiration time.Duration
}

// NewRedisStore 连接 Redis 并检查可用性
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Str("prefix", cfg.KeyPrefix).Msg("Redis快照存储已连接")
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, expiration: cfg.Expiration.Duration()}, nil
}

// SnapshotKey 快照键名
func (r *RedisStore) SnapshotKey(instanceID string) string {
	return r.prefix + "snapshot:" + instanceID
}

// SaveSnapshots 通过 pipeline 批量写入
func (r *RedisStore) SaveSnapshots(ctx context.Context, snaps []actor.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, s := range snaps {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("序列化快照 %s 失败: %w", s.InstanceID, err)
		}
		pipe.Set(ctx, r.SnapshotKey(s.InstanceID), data, r.expiration)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入快照失败: %w", err)
	}
	return nil
}

// LoadSnapshot 读取快照
func (r *RedisStore) LoadSnapshot(ctx context.Context, instanceID string) (actor.Snapshot, error) {
	data, err := r.client.Get(ctx, r.SnapshotKey(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return actor.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return actor.Snapshot{}, fmt.Errorf("读取快照失败: %w", err)
	}
	var snap actor.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return actor.Snapshot{}, fmt.Errorf("解析快照失败: %w", err)
	}
	return snap, nil
}

// Close 关闭客户端
func (r *RedisStore) Close() error {
	return r.client.Close()
}
