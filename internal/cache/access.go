// Package cache содержит кэш положительных решений о доступе в Redis.
package cache

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	accessKeyPrefix = "access:"
	accessTTL       = 24 * time.Hour
)

// AccessCache кэширует только положительные решения: запись о покупке
// никогда не удаляется, поэтому подтверждённый доступ не устаревает.
type AccessCache struct {
	client *goredis.Client
}

// NewAccessCache создаёт кэш доступа поверх указанного клиента Redis.
func NewAccessCache(client *goredis.Client) *AccessCache {
	return &AccessCache{client: client}
}

func accessKey(userID, courseID string) string {
	return accessKeyPrefix + userID + ":" + courseID
}

// IsGranted сообщает, закэширован ли подтверждённый доступ пользователя к курсу.
// Отсутствие ключа не означает отказ — только необходимость сходить в хранилище.
func (c *AccessCache) IsGranted(ctx context.Context, userID, courseID string) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}

	_, err := c.client.Get(ctx, accessKey(userID, courseID)).Result()
	if err != nil {
		if err == goredis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("get access key: %w", err)
	}

	return true, nil
}

// SetGranted отмечает подтверждённый доступ пользователя к курсу.
func (c *AccessCache) SetGranted(ctx context.Context, userID, courseID string) error {
	if c == nil || c.client == nil {
		return nil
	}

	if err := c.client.Set(ctx, accessKey(userID, courseID), "1", accessTTL).Err(); err != nil {
		return fmt.Errorf("set access key: %w", err)
	}

	return nil
}
