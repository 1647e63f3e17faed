package embedcache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "deskhand:embed:"

// RedisCache is a shared cache tier backed by Redis so replicas warm each
// other's entries. Redis failures degrade to a plain compute: the cache is
// pure memoization and a broken tier must only cost latency.
type RedisCache struct {
	embedder Embedder
	client   *redis.Client
	ttl      time.Duration
	logger   *log.Logger
}

// NewRedisCache wraps an embedder with a Redis-backed memoization tier.
func NewRedisCache(embedder Embedder, client *redis.Client, ttl time.Duration, logger *log.Logger) *RedisCache {
	if logger == nil {
		logger = log.New(log.Writer(), "[EMBEDCACHE] ", log.LstdFlags)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{embedder: embedder, client: client, ttl: ttl, logger: logger}
}

// Conn opens and pings a Redis client.
func Conn(ctx context.Context, addr, password string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: timeout,
		Password:    password,
		DB:          db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func redisKey(normalized string) string {
	sum := sha1.Sum([]byte(normalized))
	return redisKeyPrefix + hex.EncodeToString(sum[:])
}

// GetOrCompute implements Cache.
func (c *RedisCache) GetOrCompute(ctx context.Context, query string) ([]float32, bool, error) {
	key := redisKey(NormalizeKey(query))

	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var vec []float32
		if jsonErr := json.Unmarshal([]byte(val), &vec); jsonErr == nil && len(vec) > 0 {
			// Touch recency so hot queries survive TTL-based eviction.
			if expErr := c.client.Expire(ctx, key, c.ttl).Err(); expErr != nil {
				c.logger.Printf("warn: touch %s: %v", key, expErr)
			}
			return vec, true, nil
		}
		c.logger.Printf("warn: corrupt cache value at %s, recomputing", key)
	} else if err != redis.Nil {
		c.logger.Printf("warn: redis get: %v", err)
	}

	vectors, err := c.embedder.CreateEmbedding(ctx, []string{query})
	if err != nil {
		return nil, false, err
	}
	if len(vectors) == 0 {
		return nil, false, errNoVectors
	}
	vec := vectors[0]

	data, err := json.Marshal(vec)
	if err == nil {
		if setErr := c.client.Set(ctx, key, data, c.ttl).Err(); setErr != nil {
			c.logger.Printf("warn: redis set: %v", setErr)
		}
	}
	return vec, false, nil
}

// Sweep implements Cache. Redis evicts by TTL on its own; nothing to do here.
func (c *RedisCache) Sweep(_ context.Context) (int, error) { return 0, nil }

// Len implements Cache. Entry counts are not tracked for the remote tier.
func (c *RedisCache) Len() int { return 0 }
