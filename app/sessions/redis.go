package sessions

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "oci:"

// RedisConfig defines redis connection params
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is Cache implementation backed by redis server, expiration is done by redis itself
type Redis struct {
	client redis.UniversalClient
}

// NewRedis connects to redis server and checks connection with PING
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", cfg.Addr)
	}
	return &Redis{client: client}, nil
}

// Put sets key with PX expiration
func (r *Redis) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.Errorf("ttl required for key %s", key)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to set %s", key)
	}
	return nil
}

// Get returns value of live key
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	return r.result(r.client.Get(ctx, redisKeyPrefix+key), key)
}

// Invalidate deletes key
func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return errors.Wrapf(err, "failed to delete %s", key)
	}
	return nil
}

// Consume uses GETDEL, it's atomic on redis side
func (r *Redis) Consume(ctx context.Context, key string) (string, bool, error) {
	return r.result(r.client.GetDel(ctx, redisKeyPrefix+key), key)
}

// DeleteExpired does nothing, redis expires keys itself
func (r *Redis) DeleteExpired(context.Context) error { return nil }

// Close closes redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) result(cmd *redis.StringCmd, key string) (string, bool, error) {
	v, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to get %s", key)
	}
	return v, true, nil
}
