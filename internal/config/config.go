// Package config loads fluxhist settings from defaults, a YAML file,
// FLUXHIST_* environment variables and bound command-line flags.
package config

import (
	"time"

	"github.com/petrijr/fluxhist/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Log      logging.Config `mapstructure:"log" yaml:"log"`
	Admin    AdminConfig    `mapstructure:"admin" yaml:"admin"`
}

// HistoryConfig selects what is captured.
type HistoryConfig struct {
	// Level is one of none, activity, audit, full.
	Level string `mapstructure:"level" yaml:"level"`
}

// ExecutorConfig configures the history job workers.
type ExecutorConfig struct {
	WorkerID          string        `mapstructure:"worker_id" yaml:"worker_id"`
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	DeferDelay        time.Duration `mapstructure:"defer_delay" yaml:"defer_delay"`
	DrainInterval     time.Duration `mapstructure:"drain_interval" yaml:"drain_interval"`
}

// StoreConfig selects and configures the activity store and job queue.
type StoreConfig struct {
	// Backend is the activity store: memory, sqlite, postgres, redis, mongo.
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Queue is the job queue: memory, sqlite, postgres.
	Queue string `mapstructure:"queue" yaml:"queue"`

	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`

	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix" yaml:"redis_prefix"`

	MongoURI        string `mapstructure:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase   string `mapstructure:"mongo_database" yaml:"mongo_database"`
	MongoCollection string `mapstructure:"mongo_collection" yaml:"mongo_collection"`
}

// AdminConfig configures the admin HTTP endpoint of the worker command.
type AdminConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `mapstructure:"addr" yaml:"addr"`
	// RedriveSchedule is a cron spec for re-driving dead jobs; empty disables it.
	RedriveSchedule string `mapstructure:"redrive_schedule" yaml:"redrive_schedule"`
}
