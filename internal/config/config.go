package config

import (
	"time"

	"github.com/jdziat/jobengine/pkg/retry"
	"github.com/jdziat/jobengine/pkg/storage"
)

// Config holds all engine configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" validate:"required"`
	Worker      WorkerConfig      `mapstructure:"worker" validate:"required"`
	Retry       retry.Policy      `mapstructure:"retry"`
	Backoff     retry.Policy      `mapstructure:"backoff"`
	Lock        LockConfig        `mapstructure:"lock" validate:"required"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Log         LogConfig         `mapstructure:"log" validate:"required"`
}

// DatabaseConfig selects and tunes the job store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite postgres mongo"`
	DSN    string `mapstructure:"dsn" validate:"required"`
	// Name is the MongoDB database name.
	Name string             `mapstructure:"name" validate:"required_if=Driver mongo"`
	Pool storage.PoolConfig `mapstructure:"pool"`
}

// WorkerConfig controls job leasing.
type WorkerConfig struct {
	ID                string        `mapstructure:"id"`
	Queues            []string      `mapstructure:"queues" validate:"dive,required"`
	Concurrency       int           `mapstructure:"concurrency" validate:"gte=1,lte=1000"`
	Lease             time.Duration `mapstructure:"lease" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gte=0,ltfield=Lease"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	PollJitter        time.Duration `mapstructure:"poll_jitter" validate:"gte=0"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"gte=0,lte=100"`
}

// LockConfig selects the distributed lock backend.
type LockConfig struct {
	Backend string        `mapstructure:"backend" validate:"required,oneof=store redis"`
	Lease   time.Duration `mapstructure:"lease" validate:"gt=0"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig is used when Lock.Backend is redis.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MaintenanceConfig controls the housekeeping scheduler.
type MaintenanceConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	PurgeSchedule string        `mapstructure:"purge_schedule" validate:"required_if=Enabled true"`
	Retention     time.Duration `mapstructure:"retention" validate:"gte=0"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}
