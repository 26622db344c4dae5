// Package ratelimit ограничивает частоту запросов скользящим окном в Redis.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const keyPrefix = "starsgate:ratelimit:"

// RedisLimiter реализует ограничение по скользящему окну на сортированных множествах Redis.
// Проверка и учёт запроса выполняются атомарно Lua-скриптом.
type RedisLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	now    func() time.Time
}

// NewRedisLimiter подключается к Redis и проверяет соединение.
func NewRedisLimiter(ctx context.Context, addr, password string) (*RedisLimiter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisLimiter{
		rdb:    rdb,
		script: redis.NewScript(slidingWindowLua),
		now:    time.Now,
	}, nil
}

// Allow учитывает запрос по ключу и сообщает, укладывается ли он в limit запросов за window.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := l.script.Run(ctx, l.rdb,
		[]string{keyPrefix + key},
		l.now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, fmt.Errorf("rate limit %s: unexpected result length %d", key, len(res))
	}
	return res[0] == 1, nil
}

// Close закрывает соединение с Redis.
func (l *RedisLimiter) Close() error {
	return l.rdb.Close()
}
