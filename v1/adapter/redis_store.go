package adapter

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	muralerrors "github.com/mirkobrombin/go-mural/v1/errors"
	"github.com/mirkobrombin/go-mural/v1/lock"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisKeyPrefix = "mural:tile:"
)

// RedisTileStore implements TileStore using a Redis backend.
type RedisTileStore struct {
	client  *redis.Client
	timeout time.Duration
	prefix  string
}

// RedisOption configures a RedisTileStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithKeyPrefix sets the Redis key prefix for tile entries.
func WithKeyPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = prefix
	}
}

// NewRedisTileStore returns a new RedisTileStore using the provided Redis client.
func NewRedisTileStore(client *redis.Client, opts ...RedisOption) *RedisTileStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, prefix: defaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisTileStore{client: client, timeout: o.timeout, prefix: o.prefix}
}

func (s *RedisTileStore) redisKey(key lock.TileKey) string {
	return s.prefix + key.String()
}

// Save implements TileStore.Save.
func (s *RedisTileStore) Save(ctx context.Context, key lock.TileKey, pixels []byte) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return muralerrors.ErrTimeout
		}
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(cctx, s.redisKey(key), pixels, 0).Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return muralerrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return muralerrors.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Load implements TileStore.Load.
func (s *RedisTileStore) Load(ctx context.Context, key lock.TileKey) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, false, muralerrors.ErrTimeout
		}
		return nil, false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, false, muralerrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return nil, false, muralerrors.ErrConnectionClosed
		}
		return nil, false, err
	}
	return data, true, nil
}
