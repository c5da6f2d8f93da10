package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// poolReserve covers connections used outside job slots: pollers between
// leases, lock renewals and maintenance tasks.
const poolReserve = 4

// PoolConfig sizes the *sql.DB pool behind a GormStorage.
type PoolConfig struct {
	// MaxOpenConns caps open connections. Zero sizes the pool from the worker
	// slot count (see ForWorkers) or leaves it unlimited.
	MaxOpenConns int `mapstructure:"max_open_conns" validate:"gte=0"`
	// MaxIdleConns is clamped to MaxOpenConns.
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DefaultPoolConfig suits a handful of workers sharing one database.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// PoolOption adjusts a PoolConfig.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// WithPoolConfig replaces every pool setting at once.
func WithPoolConfig(cfg PoolConfig) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { *c = cfg })
}

// MaxOpenConns caps open connections. Zero means unlimited.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxOpenConns = n })
}

// MaxIdleConns sets how many idle connections stay warm.
func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxIdleConns = n })
}

// ForWorkers sizes an unset pool for slots concurrently running jobs. A
// running job holds at most one connection at a time, for its heartbeat or
// its terminal write. An explicit MaxOpenConns is left alone.
func ForWorkers(slots int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if c.MaxOpenConns > 0 || slots <= 0 {
			return
		}
		c.MaxOpenConns = slots + poolReserve
		if c.MaxIdleConns == 0 {
			c.MaxIdleConns = slots
		}
	})
}

func (c PoolConfig) normalized() PoolConfig {
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	return c
}

// ConfigurePool applies DefaultPoolConfig, then opts, to db's pool.
func ConfigurePool(db *gorm.DB, opts ...PoolOption) error {
	cfg := DefaultPoolConfig()
	for _, opt := range opts {
		opt.applyPool(&cfg)
	}
	cfg = cfg.normalized()

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("jobengine/gorm: get underlying *sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return nil
}

// NewGormStorageWithPool configures db's pool and wraps it in a GormStorage.
//
//	store, err := storage.NewGormStorageWithPool(db,
//	    []storage.PoolOption{storage.ForWorkers(16)},
//	    storage.WithLogger(logger),
//	)
func NewGormStorageWithPool(db *gorm.DB, poolOpts []PoolOption, opts ...Option) (*GormStorage, error) {
	if err := ConfigurePool(db, poolOpts...); err != nil {
		return nil, err
	}
	return NewGormStorage(db, opts...), nil
}
