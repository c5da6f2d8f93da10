package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openMemoryDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func apply(opts ...PoolOption) PoolConfig {
	var cfg PoolConfig
	for _, opt := range opts {
		opt.applyPool(&cfg)
	}
	return cfg
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 10, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, time.Minute, cfg.ConnMaxIdleTime)
}

func TestPoolOptions(t *testing.T) {
	cfg := apply(MaxOpenConns(50), MaxIdleConns(20))
	assert.Equal(t, PoolConfig{MaxOpenConns: 50, MaxIdleConns: 20}, cfg)

	cfg = apply(MaxOpenConns(50), WithPoolConfig(PoolConfig{MaxOpenConns: 3}))
	assert.Equal(t, PoolConfig{MaxOpenConns: 3}, cfg)
}

func TestForWorkers(t *testing.T) {
	t.Run("sizes an unset pool", func(t *testing.T) {
		cfg := apply(ForWorkers(16))
		assert.Equal(t, 16+poolReserve, cfg.MaxOpenConns)
		assert.Equal(t, 16, cfg.MaxIdleConns)
	})
	t.Run("keeps explicit limits", func(t *testing.T) {
		cfg := apply(MaxOpenConns(8), ForWorkers(16))
		assert.Equal(t, 8, cfg.MaxOpenConns)
		assert.Zero(t, cfg.MaxIdleConns)
	})
	t.Run("ignores empty worker sets", func(t *testing.T) {
		assert.Equal(t, PoolConfig{}, apply(ForWorkers(0)))
	})
}

func TestPoolConfig_IdleClampedToOpen(t *testing.T) {
	cfg := PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}.normalized()
	assert.Equal(t, 5, cfg.MaxIdleConns)

	unlimited := PoolConfig{MaxIdleConns: 10}.normalized()
	assert.Equal(t, 10, unlimited.MaxIdleConns)
}

func TestConfigurePool(t *testing.T) {
	db := openMemoryDB(t)

	require.NoError(t, ConfigurePool(db, MaxOpenConns(30), MaxIdleConns(15)))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 30, sqlDB.Stats().MaxOpenConnections)
}

func TestConfigurePool_DefaultValues(t *testing.T) {
	db := openMemoryDB(t)

	require.NoError(t, ConfigurePool(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 25, sqlDB.Stats().MaxOpenConnections)
}

func TestNewGormStorageWithPool(t *testing.T) {
	db := openMemoryDB(t)

	store, err := NewGormStorageWithPool(db, []PoolOption{
		WithPoolConfig(PoolConfig{}),
		ForWorkers(6),
	})
	require.NoError(t, err)
	require.NotNil(t, store)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 6+poolReserve, sqlDB.Stats().MaxOpenConnections)
}
