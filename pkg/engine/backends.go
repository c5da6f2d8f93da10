package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jdziat/jobengine/internal/config"
	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/lock/redislock"
	"github.com/jdziat/jobengine/pkg/storage"
	"github.com/jdziat/jobengine/pkg/storage/mongostore"
)

// closeTimeout bounds client shutdown.
const closeTimeout = 10 * time.Second

// openStore connects the configured backend. The returned func releases the
// connection.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.Store, func() error, error) {
	db := cfg.Database
	switch db.Driver {
	case "sqlite", "postgres":
		var dialector gorm.Dialector
		if db.Driver == "postgres" {
			dialector = postgres.Open(db.DSN)
		} else {
			dialector = sqlite.Open(db.DSN)
		}
		gdb, err := gorm.Open(dialector, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", db.Driver, err)
		}
		slots := cfg.Worker.Concurrency * max(1, len(cfg.Worker.Queues))
		store, err := storage.NewGormStorageWithPool(gdb,
			[]storage.PoolOption{storage.WithPoolConfig(db.Pool), storage.ForWorkers(slots)},
			storage.WithLogger(logger),
			storage.WithRetryPolicy(cfg.Retry),
			storage.WithJobBackoff(cfg.Backoff),
		)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, nil, err
		}
		return store, sqlDB.Close, nil

	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(db.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		store := mongostore.New(client.Database(db.Name),
			mongostore.WithLogger(logger),
			mongostore.WithRetryPolicy(cfg.Retry),
			mongostore.WithJobBackoff(cfg.Backoff),
		)
		closeFn := func() error {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
			defer cancel()
			return client.Disconnect(ctx)
		}
		return store, closeFn, nil
	}
	return nil, nil, fmt.Errorf("unsupported database driver %q", db.Driver)
}

// openLockStore returns the lock backend. The store backend reuses the job
// store; redis opens its own client.
func openLockStore(cfg config.LockConfig, store core.LockStore, logger *slog.Logger) (core.LockStore, func() error, error) {
	switch cfg.Backend {
	case "", "store":
		return store, nil, nil
	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, nil, fmt.Errorf("redis lock backend requires lock.redis.addr")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts := []redislock.Option{redislock.WithLogger(logger)}
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, redislock.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		return redislock.New(client, opts...), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported lock backend %q", cfg.Backend)
}
