package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/config"
)

const pingTimeout = 3 * time.Second

// NewClient connects to the Redis compatible cache. A failed ping is only
// logged; callers degrade until the cache comes back.
func NewClient(cfg config.CacheConfig) *goredis.Client {
	client := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if pong, err := client.Ping(ctx).Result(); err != nil {
		log.Warnf("[Cache] Could not connect to %s: %v", client.Options().Addr, err)
	} else {
		log.Infof("[Cache] Connected to %s: %s", client.Options().Addr, pong)
	}
	return client
}

// NewLimiterStorage returns fiber limiter storage on the same cache, in its
// own key space.
func NewLimiterStorage(cfg config.CacheConfig) *redis.Storage {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: cfg.DB,
		Reset:    false,
	})
}
