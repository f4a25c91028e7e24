package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/fluxhist/internal/sqldialect"
)

const (
	statePending = "pending"
	stateDead    = "dead"

	claimBatch = 8
)

// SQLQueue is a persistent Queue on top of database/sql. Claims use an
// optimistic lock on (lease_owner, lease_until), so several processes may
// share one table.
type SQLQueue struct {
	db           *sql.DB
	dialect      sqldialect.Dialect
	pollInterval time.Duration
	nowFunc      func() time.Time
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

func newSQLQueue(db *sql.DB, d sqldialect.Dialect) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		dialect:      d,
		pollInterval: 20 * time.Millisecond,
		nowFunc:      time.Now,
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s job queue schema: %w", d.Name, err)
	}
	return q, nil
}

func (q *SQLQueue) initSchema() error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS history_jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			correlation_key TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			payload %s,
			attempts INTEGER NOT NULL DEFAULT 0,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until BIGINT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'pending'
		)`, q.dialect.Blob),
		`CREATE INDEX IF NOT EXISTS idx_history_jobs_due ON history_jobs(state, not_before, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_history_jobs_key ON history_jobs(correlation_key, sequence)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *SQLQueue) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.dialect.Rebind(query), args...)
}

func (q *SQLQueue) Enqueue(ctx context.Context, j Job) error {
	payload, err := EncodeEvent(j.Event)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}

	now := q.nowFunc()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	enqueuedAt := j.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = now
	}

	_, err = q.exec(ctx, `
		INSERT INTO history_jobs (id, type, correlation_key, sequence, instance_id, payload, attempts, enqueued_at, not_before, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		string(j.Type),
		j.CorrelationKey,
		j.Sequence,
		j.InstanceID,
		payload,
		j.Attempts,
		enqueuedAt.UnixNano(),
		dueTime(j, now).UnixNano(),
		statePending,
	)
	return err
}

// Dequeue polls for a claimable job and leases it to owner.
func (q *SQLQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Job, error) {
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		job, err := q.tryClaim(ctx, owner, leaseTTL)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *SQLQueue) tryClaim(ctx context.Context, owner string, leaseTTL time.Duration) (*Job, error) {
	now := q.nowFunc()
	nowN := now.UnixNano()

	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(`
		SELECT id FROM history_jobs
		WHERE state = ? AND not_before <= ? AND (lease_owner = '' OR lease_until < ?)
		ORDER BY not_before, sequence, id
		LIMIT ?`),
		statePending, nowN, nowN, claimBatch,
	)
	if err != nil {
		return nil, err
	}
	// Collect ids first: the claim UPDATE may need the same connection.
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, id := range ids {
		res, err := q.exec(ctx, `
			UPDATE history_jobs SET lease_owner = ?, lease_until = ?
			WHERE id = ? AND state = ? AND (lease_owner = '' OR lease_until < ?)`,
			owner, now.Add(leaseTTL).UnixNano(), id, statePending, nowN,
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return q.load(ctx, id)
		}
		// Another worker won the race for this row; try the next one.
	}
	return nil, nil
}

const jobColumns = `id, type, correlation_key, sequence, instance_id, payload, attempts, enqueued_at, not_before, lease_owner, lease_until, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		typ         string
		payload     []byte
		enqueuedAt  int64
		notBefore   int64
		leaseUntilN int64
	)
	if err := row.Scan(&j.ID, &typ, &j.CorrelationKey, &j.Sequence, &j.InstanceID, &payload,
		&j.Attempts, &enqueuedAt, &notBefore, &j.LeaseOwner, &leaseUntilN, &j.LastError); err != nil {
		return nil, err
	}
	ev, err := DecodeEvent(payload)
	if err != nil {
		return nil, fmt.Errorf("decode job %s payload: %w", j.ID, err)
	}
	j.Type = JobType(typ)
	j.Event = ev
	j.EnqueuedAt = time.Unix(0, enqueuedAt)
	j.NotBefore = time.Unix(0, notBefore)
	if leaseUntilN > 0 {
		j.LeaseUntil = time.Unix(0, leaseUntilN)
	}
	return &j, nil
}

func (q *SQLQueue) load(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, q.dialect.Rebind(`SELECT `+jobColumns+` FROM history_jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// guarded runs an UPDATE/DELETE that only applies while owner holds a live
// lease, translating zero affected rows into ErrJobNotFound or ErrLeaseLost.
func (q *SQLQueue) guarded(ctx context.Context, jobID, owner, stmt string, args ...any) error {
	now := q.nowFunc().UnixNano()
	args = append(args, jobID, owner, now, statePending)
	res, err := q.exec(ctx, stmt+` WHERE id = ? AND lease_owner = ? AND lease_until >= ? AND state = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = q.db.QueryRowContext(ctx, q.dialect.Rebind(`SELECT COUNT(*) FROM history_jobs WHERE id = ?`), jobID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrJobNotFound
	}
	return ErrLeaseLost
}

func (q *SQLQueue) Ack(ctx context.Context, jobID string, owner string) error {
	return q.guarded(ctx, jobID, owner, `DELETE FROM history_jobs`)
}

func (q *SQLQueue) Nack(ctx context.Context, jobID string, owner string, notBefore time.Time, attempts int, lastErr string) error {
	return q.guarded(ctx, jobID, owner,
		`UPDATE history_jobs SET lease_owner = '', lease_until = 0, not_before = ?, attempts = ?, last_error = ?`,
		notBefore.UnixNano(), attempts, lastErr,
	)
}

func (q *SQLQueue) RenewLease(ctx context.Context, jobID string, owner string, leaseTTL time.Duration) error {
	return q.guarded(ctx, jobID, owner,
		`UPDATE history_jobs SET lease_until = ?`,
		q.nowFunc().Add(leaseTTL).UnixNano(),
	)
}

func (q *SQLQueue) DeadLetter(ctx context.Context, jobID string, owner string, lastErr string) error {
	return q.guarded(ctx, jobID, owner,
		`UPDATE history_jobs SET state = '`+stateDead+`', lease_owner = '', lease_until = 0, last_error = ?`,
		lastErr,
	)
}

func (q *SQLQueue) HasPredecessor(ctx context.Context, correlationKey string, sequence int64) (bool, error) {
	return q.hasEarlier(ctx, correlationKey, sequence, statePending)
}

func (q *SQLQueue) HasDeadPredecessor(ctx context.Context, correlationKey string, sequence int64) (bool, error) {
	return q.hasEarlier(ctx, correlationKey, sequence, stateDead)
}

func (q *SQLQueue) hasEarlier(ctx context.Context, correlationKey string, sequence int64, state string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, q.dialect.Rebind(`
		SELECT COUNT(*) FROM history_jobs
		WHERE correlation_key = ? AND sequence < ? AND state = ?`),
		correlationKey, sequence, state,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *SQLQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, q.dialect.Rebind(`SELECT COUNT(*) FROM history_jobs WHERE state = ?`), statePending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count history jobs: %w", err)
	}
	return n, nil
}

func (q *SQLQueue) Dead(ctx context.Context) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(`
		SELECT `+jobColumns+` FROM history_jobs
		WHERE state = ?
		ORDER BY enqueued_at, id`), stateDead)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (q *SQLQueue) RetryDead(ctx context.Context, jobID string) error {
	res, err := q.exec(ctx, `
		UPDATE history_jobs SET state = ?, attempts = 0, not_before = ?
		WHERE id = ? AND state = ?`,
		statePending, q.nowFunc().UnixNano(), jobID, stateDead,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}
