// Package cache — общий кэш процессов поверх Redis.
//
// Используется кэшем идемпотентности и throttler'ами. Все процессы,
// работающие с одним Redis, видят одни и те же ключи.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss — ключа нет в кэше.
var ErrMiss = errors.New("cache miss")

// Cache — тонкая обёртка над redis.Cmdable с типизированными ключами.
type Cache struct {
	client redis.Cmdable
	logger *slog.Logger
}

// Option настраивает Cache.
type Option func(*Cache)

// WithLogger задаёт логгер.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New создаёт Cache. Жизненным циклом клиента владеет вызывающий код.
func New(client redis.Cmdable, opts ...Option) *Cache {
	c := &Cache{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewClient создаёт redis.Client из REDIS_URL и проверяет соединение.
func NewClient(ctx context.Context) (*redis.Client, error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Client возвращает нижележащий клиент (для скриптов и пайплайнов).
func (c *Cache) Client() redis.Cmdable { return c.client }

// Ping проверяет доступность Redis.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get возвращает значение ключа или ErrMiss.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, error) {
	b, err := c.client.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	return b, nil
}

// Set записывает значение с TTL.
func (c *Cache) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key.String(), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete удаляет ключ. Отсутствующий ключ — не ошибка.
func (c *Cache) Delete(ctx context.Context, key Key) error {
	if err := c.client.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// TTL возвращает оставшееся время жизни ключа (0 — ключа нет или нет TTL).
func (c *Cache) TTL(ctx context.Context, key Key) (time.Duration, error) {
	d, err := c.client.PTTL(ctx, key.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("cache ttl %s: %w", key, err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
