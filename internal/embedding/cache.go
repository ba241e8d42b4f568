package embedding

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"

	"github.com/comigor/mioo-go/internal/logger"
)

// Cache stores model embeddings by key. Implementations are best-effort:
// failures surface as misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

// CacheKey derives the cache key for text embedded by model.
func CacheKey(model, text string) string {
	sum := blake3.Sum256([]byte(model + "\x00" + text))
	return "mioo:emb:" + hex.EncodeToString(sum[:])
}

// RedisOptions configures RedisCache.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache keeps packed vectors in redis.
type RedisCache struct {
	inner *redis.Client
	ttl   time.Duration
	log   *slog.Logger
}

// NewRedisCache connects to redis and verifies the connection with a ping.
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return newRedisCache(client, opts.TTL), nil
}

func newRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{inner: client, ttl: ttl, log: logger.Component("embedding_cache")}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := c.inner.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Debug("embedding cache get failed", "error", err)
		}
		return nil, false
	}
	vec := Unpack(b, 0)
	if len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

func (c *RedisCache) Set(ctx context.Context, key string, vec []float32) {
	buf, _ := Pack(vec)
	if err := c.inner.Set(ctx, key, buf, c.ttl).Err(); err != nil {
		c.log.Debug("embedding cache set failed", "error", err)
	}
}

// Close closes the redis connection.
func (c *RedisCache) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
