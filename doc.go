// Package fluxhist records the history of process activity instances
// without slowing down the process runtime that produces them.
//
// A runtime engine reports activity lifecycle callbacks to a Capturer. The
// capturer never touches the history store; it only appends a history job
// to a queue. Background workers claim those jobs, apply them to the store
// and acknowledge them. A query builder then reads the resulting
// HistoricActivityInstance rows.
//
// # Core Concepts
//
// The fluxhist programming model is intentionally small:
//
//  1. Service
//  2. Capturer
//  3. Queue
//  4. ActivityStore
//  5. HistoricActivityInstanceQuery
//
// # Service
//
// Service is the explicit context object that ties the pieces together.
// There is no global state; every component is reached through the
// Service that created it. Constructors exist for each backend:
//
//   - NewInMemory (non-durable, best for tests)
//   - NewSQLite (embedded durability)
//   - NewPostgres
//   - NewWithBackends (any Queue with any ActivityStore, including the
//     Redis and MongoDB stores)
//
// # History levels
//
// The configured HistoryLevel decides what is captured. Activity history
// requires LevelActivity or above. At LevelNone the capturer is a no-op and
// nothing is queued or stored.
//
// # Ordering and retries
//
// Jobs carry a correlation key (execution id plus activity id) and a
// sequence number. A job is deferred while an earlier job with the same key
// is outstanding, so an end is never applied before its start. Failed jobs
// are retried with exponential backoff and dead-lettered once their retry
// budget is spent. Dead jobs are listed with Service.DeadJobs and re-driven
// with Service.RetryDeadJob.
//
// # Queries
//
// History is eventually consistent. Call Service.WaitForHistoryJobs before
// querying when a caller needs to observe everything captured so far:
//
//	if err := svc.WaitForHistoryJobs(ctx, 5*time.Second, 20*time.Millisecond); err != nil {
//	    return err
//	}
//	rows, err := svc.CreateHistoricActivityInstanceQuery().
//	    ProcessInstanceID(pid).
//	    Finished().
//	    OrderByHistoricActivityInstanceEndTime().Desc().
//	    List(ctx)
//
// Malformed queries, such as a sort property without a direction, fail with
// a *ValidationError.
//
// For runnable programs, see the /examples directory.
package fluxhist
