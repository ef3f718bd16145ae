package storage

import (
	"context"
	"fmt"
	"time"

	"resume-batch-go/internal/config"
	"resume-batch-go/internal/constants"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key is not found in Redis.
// It wraps the underlying redis.Nil error for abstraction.
var ErrNotFound = redis.Nil

// Redis wraps the Redis client
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter creates a new Redis client connection
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		// 重试设置
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,

		// 连接生命周期
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// IncrCounter 原子地递增并返回指定Key的计数值
func (r *Redis) IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return r.IncrCounterBy(ctx, key, 1, ttl)
}

// IncrCounterBy 原子地把指定Key的计数值加delta并返回新值。
// INCRBY 是单条不可分割的命令，并发调用方各自拿到互不重叠的序列号区间；
// 新值等于delta时说明Key是本次新建的，顺带打上TTL，限制按日滚动的Key数量。
func (r *Redis) IncrCounterBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if r.Client == nil {
		return 0, fmt.Errorf("redis client is not initialized")
	}
	if delta <= 0 {
		return 0, fmt.Errorf("计数器增量必须为正数: %d", delta)
	}

	count, err := r.Client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("递增计数器 %s 失败: %w", key, err)
	}

	if count == delta && ttl > 0 {
		if err := r.Client.Expire(ctx, key, ttl).Err(); err != nil {
			// TTL设置失败不影响序列号的正确性，只影响Key回收
			return count, nil
		}
	}
	return count, nil
}

// GetHashExpireDuration 返回配置的去重哈希记录过期时间
func (r *Redis) GetHashExpireDuration() time.Duration {
	days := r.config.HashRecordExpireDays
	if days <= 0 {
		days = 365 // 默认1年
	}
	return time.Duration(days) * 24 * time.Hour
}

// AddResumeHash 添加简历内容哈希到去重集合并刷新过期时间
func (r *Redis) AddResumeHash(ctx context.Context, hashHex string) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	if hashHex == "" {
		return nil
	}

	key := constants.KeyResumeHashSet
	pipe := r.Client.Pipeline()
	pipe.SAdd(ctx, key, hashHex)
	pipe.Expire(ctx, key, r.GetHashExpireDuration())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("添加哈希到去重集合失败: %w", err)
	}
	return nil
}

// CheckResumeHashExists 检查简历内容哈希是否已在去重集合中。
// 这只是去重的快速预检；权威判定始终走MySQL的复合索引查询。
func (r *Redis) CheckResumeHashExists(ctx context.Context, hashHex string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	return r.Client.SIsMember(ctx, constants.KeyResumeHashSet, hashHex).Result()
}
