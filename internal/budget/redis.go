package budget

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-cli/internal/model"
)

const redisKeyPrefix = "budget:"

// redisClient is the subset of *redis.Client the cache uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisCache shares verdicts across processes through Redis.
type RedisCache struct {
	client redisClient
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "budget: connect redis %s", cfg.Addr)
	}
	zap.L().Info("budget: redis cache connected", zap.String("addr", cfg.Addr))
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, agentID string) (model.BudgetStatus, bool, error) {
	var status model.BudgetStatus
	data, err := c.client.Get(ctx, redisKeyPrefix+agentID).Bytes()
	if err == redis.Nil {
		return status, false, nil
	}
	if err != nil {
		return status, false, eris.Wrap(err, "budget: redis get")
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, false, eris.Wrap(err, "budget: unmarshal cached verdict")
	}
	return status, true, nil
}

func (c *RedisCache) Set(ctx context.Context, agentID string, status model.BudgetStatus, ttl time.Duration) error {
	data, err := json.Marshal(status)
	if err != nil {
		return eris.Wrap(err, "budget: marshal verdict")
	}
	return eris.Wrap(c.client.Set(ctx, redisKeyPrefix+agentID, data, ttl).Err(), "budget: redis set")
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
