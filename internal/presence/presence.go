package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/charging-platform/central-system/internal/config"
)

// Mirror 将充电桩在线状态镜像到Redis，供运维观察哪个实例持有连接。
// 纯粹是尽力而为的可见性数据，绝不参与消息路由，
// 连接真实性始终以本进程的注册表为准。
type Mirror struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

// NewMirror 创建Redis在线状态镜像
func NewMirror(cfg config.RedisConfig) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return &Mirror{Client: client, Prefix: "presence:", TTL: cfg.PresenceTTL}, nil
}

// MarkOnline 写入充电桩到实例的映射，带TTL自动过期
func (m *Mirror) MarkOnline(ctx context.Context, chargePointID string, instanceID string) error {
	key := fmt.Sprintf("%s%s", m.Prefix, chargePointID)
	return m.Client.Set(ctx, key, instanceID, m.TTL).Err()
}

// MarkOffline 删除充电桩的映射
func (m *Mirror) MarkOffline(ctx context.Context, chargePointID string) error {
	key := fmt.Sprintf("%s%s", m.Prefix, chargePointID)
	return m.Client.Del(ctx, key).Err()
}

// Lookup 查询持有指定充电桩连接的实例ID。
// 键不存在时返回redis.Nil。
func (m *Mirror) Lookup(ctx context.Context, chargePointID string) (string, error) {
	key := fmt.Sprintf("%s%s", m.Prefix, chargePointID)
	val, err := m.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", redis.Nil
	}
	return val, err
}

// Close 关闭Redis连接
func (m *Mirror) Close() error {
	return m.Client.Close()
}
