package fluxhist

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/fluxhist/internal/capture"
	"github.com/petrijr/fluxhist/internal/executor"
	"github.com/petrijr/fluxhist/internal/jobqueue"
	"github.com/petrijr/fluxhist/internal/persistence"
	"github.com/petrijr/fluxhist/pkg/api"
	"github.com/petrijr/fluxhist/pkg/query"
)

// Re-export key types so users don't need to dig into pkg/api or the
// internal packages.

type (
	HistoricActivityInstance      = api.HistoricActivityInstance
	ActivityEvent                 = api.ActivityEvent
	HistoryLevel                  = api.HistoryLevel
	ValidationError               = api.ValidationError
	ExecutionError                = api.ExecutionError
	Observer                      = api.Observer
	JobInfo                       = api.JobInfo
	LoggingObserver               = api.LoggingObserver
	BasicMetrics                  = api.BasicMetrics
	BasicMetricsSnapshot          = api.BasicMetricsSnapshot
	CompositeObserver             = api.CompositeObserver
	NoopObserver                  = api.NoopObserver
	Capturer                      = capture.Capturer
	HistoricActivityInstanceQuery = query.Query
	Ordering                      = query.Ordering
	Queue                         = jobqueue.Queue
	Job                           = jobqueue.Job
	ActivityStore                 = persistence.ActivityStore
	ExecutorConfig                = executor.Config
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	ParseHistoryLevel    = api.ParseHistoryLevel
)

// Re-export history levels.

const (
	LevelNone     = api.LevelNone
	LevelActivity = api.LevelActivity
	LevelAudit    = api.LevelAudit
	LevelFull     = api.LevelFull
)

// Re-export sentinel errors.

var (
	ErrValidation        = api.ErrValidation
	ErrTooManyResults    = api.ErrTooManyResults
	ErrDuplicateInstance = api.ErrDuplicateInstance
	ErrInstanceNotFound  = api.ErrInstanceNotFound
	ErrCaptureMismatch   = api.ErrCaptureMismatch
	ErrDrainTimeout      = api.ErrDrainTimeout
	ErrJobNotFound       = jobqueue.ErrJobNotFound
)

// Service constructors.
// These wrap the internal queue and store packages so external callers
// never need to import internal packages.

// NewInMemory returns a Service whose queue and store live in process
// memory. Nothing survives a restart; it is meant for tests and embedding.
func NewInMemory(opts Options) *Service {
	return NewWithBackends(jobqueue.NewInMemoryQueue(), persistence.NewInMemoryStore(), opts)
}

// NewSQLite returns a Service that keeps both history jobs and history rows
// in the given SQLite database.
func NewSQLite(db *sql.DB, opts Options) (*Service, error) {
	q, err := jobqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	s, err := persistence.NewSQLiteActivityStore(db)
	if err != nil {
		return nil, err
	}
	return NewWithBackends(q, s, opts), nil
}

// NewPostgres returns a Service that keeps both history jobs and history
// rows in PostgreSQL.
func NewPostgres(db *sql.DB, opts Options) (*Service, error) {
	q, err := jobqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	s, err := persistence.NewPostgresActivityStore(db)
	if err != nil {
		return nil, err
	}
	return NewWithBackends(q, s, opts), nil
}

// Queue and store constructors for NewWithBackends.

// NewInMemoryQueue returns a non-durable history job queue.
func NewInMemoryQueue() Queue {
	return jobqueue.NewInMemoryQueue()
}

// NewSQLiteQueue returns a history job queue stored in SQLite.
func NewSQLiteQueue(db *sql.DB) (Queue, error) {
	q, err := jobqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// NewPostgresQueue returns a history job queue stored in PostgreSQL.
func NewPostgresQueue(db *sql.DB) (Queue, error) {
	q, err := jobqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// NewInMemoryStore returns a non-durable activity store.
func NewInMemoryStore() ActivityStore {
	return persistence.NewInMemoryStore()
}

// NewRedisStore returns an activity store kept in Redis under the given key
// prefix. An empty prefix uses "fluxhist:".
func NewRedisStore(client *redis.Client, prefix string) ActivityStore {
	return persistence.NewRedisActivityStore(client, prefix)
}

// NewMongoStore returns an activity store backed by the
// "fluxhist.activity_instances" collection. It creates the indexes it needs.
func NewMongoStore(ctx context.Context, client *mongo.Client) (ActivityStore, error) {
	s, err := persistence.NewMongoActivityStore(ctx, client, "", "")
	if err != nil {
		return nil, err
	}
	return s, nil
}
