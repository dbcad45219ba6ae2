// Package presence 把 Hub 的在线状态镜像到 Redis，便于其他进程只读查询。
package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultKey = "presence:online"

// RedisMirror 用一个 Redis Set 记录在线用户 ID。
type RedisMirror struct {
	client *redis.Client
	key    string
}

func NewRedisMirror(client *redis.Client, key string) *RedisMirror {
	if key == "" {
		key = DefaultKey
	}
	return &RedisMirror{client: client, key: key}
}

// Dial 连接 Redis 并检查可用性。
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (m *RedisMirror) SetOnline(ctx context.Context, userID string) error {
	return m.client.SAdd(ctx, m.key, userID).Err()
}

func (m *RedisMirror) SetOffline(ctx context.Context, userID string) error {
	return m.client.SRem(ctx, m.key, userID).Err()
}

// Members 返回镜像中的在线用户。
func (m *RedisMirror) Members(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, m.key).Result()
}

// Reset 清空镜像；进程启动时没有任何连接，旧数据一律作废。
func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.client.Del(ctx, m.key).Err()
}
