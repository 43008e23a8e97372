// Package presets wires common deployment shapes of the coordinator so
// callers do not have to assemble stores and caches by hand.
package presets

import (
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-mural/v1/adapter"
	"github.com/mirkobrombin/go-mural/v1/core"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewStandalone creates a coordinator that runs entirely in memory with
// no external dependencies. Useful for local development and tests;
// tiles do not survive a restart.
func NewStandalone(opts ...core.Option) *core.Coordinator {
	return core.New(adapter.NewInMemoryTileStore(), opts...)
}

// NewRedis creates a coordinator persisting tiles in Redis with the
// ristretto cache in front of the store. This is the usual production
// shape for a single coordinator instance.
func NewRedis(opts RedisOptions, coreOpts ...core.Option) *core.Coordinator {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	store := adapter.NewRedisTileStore(client)

	coreOpts = append([]core.Option{core.WithTileCache()}, coreOpts...)
	return core.New(store, coreOpts...)
}

// NewSQLite creates a coordinator persisting tiles in a SQLite file.
// Suits small deployments that want durable tiles without extra
// services; pass ":memory:" for a throwaway database.
func NewSQLite(path string, coreOpts ...core.Option) (*core.Coordinator, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	store := adapter.NewGormTileStore(db)
	return core.New(store, coreOpts...), nil
}
