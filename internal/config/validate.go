package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/petrijr/fluxhist/pkg/api"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	storeBackends = []string{"memory", "sqlite", "postgres", "redis", "mongo"}
	queueBackends = []string{"memory", "sqlite", "postgres"}
)

// Validate rejects unknown levels and backends and settings that cannot
// work together.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if _, err := api.ParseHistoryLevel(c.History.Level); err != nil {
		add("history.level", c.History.Level, "must be one of none, activity, audit, full")
	}

	if c.Executor.Concurrency < 1 {
		add("executor.concurrency", c.Executor.Concurrency, "must be at least 1")
	}
	if c.Executor.MaxRetries < 0 {
		add("executor.max_retries", c.Executor.MaxRetries, "must not be negative")
	}
	if c.Executor.LeaseTTL <= 0 {
		add("executor.lease_ttl", c.Executor.LeaseTTL, "must be positive")
	}
	if c.Executor.HeartbeatInterval >= c.Executor.LeaseTTL && c.Executor.LeaseTTL > 0 {
		add("executor.heartbeat_interval", c.Executor.HeartbeatInterval, "must be shorter than lease_ttl")
	}
	if c.Executor.MaxBackoff < c.Executor.BaseBackoff {
		add("executor.max_backoff", c.Executor.MaxBackoff, "must not be shorter than base_backoff")
	}

	if !slices.Contains(storeBackends, c.Store.Backend) {
		add("store.backend", c.Store.Backend, "must be one of "+strings.Join(storeBackends, ", "))
	}
	if !slices.Contains(queueBackends, c.Store.Queue) {
		add("store.queue", c.Store.Queue, "must be one of "+strings.Join(queueBackends, ", "))
	}
	if c.uses("sqlite") && c.Store.SQLitePath == "" {
		add("store.sqlite_path", c.Store.SQLitePath, "required for the sqlite backend")
	}
	if c.uses("postgres") && c.Store.PostgresDSN == "" {
		add("store.postgres_dsn", c.Store.PostgresDSN, "required for the postgres backend")
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		add("store.redis_addr", c.Store.RedisAddr, "required for the redis backend")
	}
	if c.Store.Backend == "mongo" && c.Store.MongoURI == "" {
		add("store.mongo_uri", c.Store.MongoURI, "required for the mongo backend")
	}

	if err := c.Log.Validate(); err != nil {
		add("log", c.Log, err.Error())
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// HistoryLevel returns the parsed history level. Call after Validate.
func (c *Config) HistoryLevel() api.HistoryLevel {
	level, _ := api.ParseHistoryLevel(c.History.Level)
	return level
}

func (c *Config) uses(backend string) bool {
	return c.Store.Backend == backend || c.Store.Queue == backend
}
