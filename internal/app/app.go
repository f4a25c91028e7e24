// Package app builds a ready-to-run history service from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/fluxhist"
	"github.com/petrijr/fluxhist/internal/config"
	"github.com/petrijr/fluxhist/internal/jobqueue"
	"github.com/petrijr/fluxhist/internal/logging"
	"github.com/petrijr/fluxhist/internal/metrics"
	"github.com/petrijr/fluxhist/internal/persistence"
	"github.com/petrijr/fluxhist/pkg/api"
)

// App owns a Service and the connections it was built on.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Service  *fluxhist.Service
	Registry *prometheus.Registry

	sqlite   *sql.DB
	postgres *sql.DB
	closers  []func(context.Context) error
}

// Options overrides parts of what New would build from the config.
type Options struct {
	// Logger replaces the logger built from cfg.Log.
	Logger *slog.Logger
}

// New connects to the configured backends and builds the Service. On error
// every connection opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	q, err := a.openQueue(ctx)
	if err != nil {
		return nil, err
	}
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	a.Registry, err = metrics.NewRegistry()
	if err != nil {
		return nil, err
	}
	promObserver, err := metrics.NewObserver(a.Registry)
	if err != nil {
		return nil, err
	}
	if err := metrics.RegisterQueueGauges(a.Registry, q); err != nil {
		return nil, err
	}

	a.Service = fluxhist.NewWithBackends(q, s, fluxhist.Options{
		Level:    cfg.HistoryLevel(),
		Executor: executorConfig(cfg.Executor),
		Logger:   logger,
		Observer: api.NewCompositeObserver(api.NewLoggingObserver(logger), promObserver),
	})
	logger.Info("history_service_ready",
		"level", cfg.HistoryLevel().String(),
		"store", cfg.Store.Backend,
		"queue", cfg.Store.Queue,
	)
	return a, nil
}

func executorConfig(c config.ExecutorConfig) fluxhist.ExecutorConfig {
	return fluxhist.ExecutorConfig{
		WorkerID:          c.WorkerID,
		Concurrency:       c.Concurrency,
		LeaseTTL:          c.LeaseTTL,
		HeartbeatInterval: c.HeartbeatInterval,
		MaxRetries:        c.MaxRetries,
		BaseBackoff:       c.BaseBackoff,
		MaxBackoff:        c.MaxBackoff,
		DeferDelay:        c.DeferDelay,
	}
}

// Close releases every backend connection.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openQueue(ctx context.Context) (jobqueue.Queue, error) {
	switch a.Config.Store.Queue {
	case "memory":
		return jobqueue.NewInMemoryQueue(), nil
	case "sqlite":
		db, err := a.sqliteDB(ctx)
		if err != nil {
			return nil, err
		}
		q, err := jobqueue.NewSQLiteQueue(db)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "postgres":
		db, err := a.postgresDB(ctx)
		if err != nil {
			return nil, err
		}
		q, err := jobqueue.NewPostgresQueue(db)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", a.Config.Store.Queue)
	}
}

func (a *App) openStore(ctx context.Context) (persistence.ActivityStore, error) {
	sc := a.Config.Store
	switch sc.Backend {
	case "memory":
		return persistence.NewInMemoryStore(), nil
	case "sqlite":
		db, err := a.sqliteDB(ctx)
		if err != nil {
			return nil, err
		}
		store, err := persistence.NewSQLiteActivityStore(db)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		db, err := a.postgresDB(ctx)
		if err != nil {
			return nil, err
		}
		store, err := persistence.NewPostgresActivityStore(db)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", sc.RedisAddr, err)
		}
		return persistence.NewRedisActivityStore(client, sc.RedisPrefix), nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(sc.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		store, err := persistence.NewMongoActivityStore(ctx, client, sc.MongoDatabase, sc.MongoCollection)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", sc.Backend)
	}
}
