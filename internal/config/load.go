package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. JOBENGINE_DATABASE_DSN.
const EnvPrefix = "JOBENGINE"

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply. Environment variables take precedence over the
// file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// setDefaults registers every key so that AutomaticEnv can override it
// even when no file is read.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:jobengine.db?_busy_timeout=5000&_journal_mode=WAL")
	v.SetDefault("database.name", "jobengine")
	v.SetDefault("database.pool.max_open_conns", 25)
	v.SetDefault("database.pool.max_idle_conns", 10)
	v.SetDefault("database.pool.conn_max_lifetime", "5m")
	v.SetDefault("database.pool.conn_max_idle_time", "1m")

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.queues", []string{})
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.lease", "5m")
	v.SetDefault("worker.heartbeat_interval", "0s")
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.poll_jitter", "500ms")
	v.SetDefault("worker.max_retries", 3)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff", "100ms")
	v.SetDefault("retry.max_backoff", "5s")
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.1)

	v.SetDefault("backoff.max_attempts", 0)
	v.SetDefault("backoff.initial_backoff", "5s")
	v.SetDefault("backoff.max_backoff", "10m")
	v.SetDefault("backoff.backoff_multiplier", 2.0)
	v.SetDefault("backoff.jitter_fraction", 0.2)

	v.SetDefault("lock.backend", "store")
	v.SetDefault("lock.lease", "1m")
	v.SetDefault("lock.redis.addr", "")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)
	v.SetDefault("lock.redis.key_prefix", "jobengine:lock:")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.purge_schedule", "@daily")
	v.SetDefault("maintenance.retention", "720h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
