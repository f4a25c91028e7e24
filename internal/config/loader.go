package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by Loader.
const EnvPrefix = "FLUXHIST"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader using an existing viper instance, so
// cobra flags bound to it take precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources and validates it.
// Precedence (highest to lowest):
// 1. Flags bound via viper.BindPFlag
// 2. Environment variables (FLUXHIST_*)
// 3. Config file (explicit path, or fluxhist.yaml in the working directory)
// 4. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("fluxhist")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// setDefaults configures default values. Every key needs a default so that
// AutomaticEnv can override it during Unmarshal.
func (l *Loader) setDefaults() {
	l.v.SetDefault("history.level", "audit")

	l.v.SetDefault("executor.worker_id", "")
	l.v.SetDefault("executor.concurrency", 2)
	l.v.SetDefault("executor.lease_ttl", "30s")
	l.v.SetDefault("executor.heartbeat_interval", "0s")
	l.v.SetDefault("executor.max_retries", 5)
	l.v.SetDefault("executor.base_backoff", "100ms")
	l.v.SetDefault("executor.max_backoff", "30s")
	l.v.SetDefault("executor.defer_delay", "10ms")
	l.v.SetDefault("executor.drain_interval", "100ms")

	l.v.SetDefault("store.backend", "sqlite")
	l.v.SetDefault("store.queue", "sqlite")
	l.v.SetDefault("store.sqlite_path", "fluxhist.db")
	l.v.SetDefault("store.postgres_dsn", "")
	l.v.SetDefault("store.redis_addr", "localhost:6379")
	l.v.SetDefault("store.redis_password", "")
	l.v.SetDefault("store.redis_db", 0)
	l.v.SetDefault("store.redis_prefix", "fluxhist:")
	l.v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	l.v.SetDefault("store.mongo_database", "fluxhist")
	l.v.SetDefault("store.mongo_collection", "activity_instances")

	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "json")
	l.v.SetDefault("log.output", "stderr")
	l.v.SetDefault("log.add_source", false)

	l.v.SetDefault("admin.addr", ":8089")
	l.v.SetDefault("admin.redrive_schedule", "")
}
