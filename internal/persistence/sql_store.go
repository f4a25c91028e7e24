package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/fluxhist/internal/sqldialect"
	"github.com/petrijr/fluxhist/pkg/api"
)

// SQLActivityStore is an ActivityStore on top of database/sql. Times are
// stored as Unix nanoseconds; a NULL end_time means the activity is running.
type SQLActivityStore struct {
	db      *sql.DB
	dialect sqldialect.Dialect
}

// Ensure SQLActivityStore implements ActivityStore.
var _ ActivityStore = (*SQLActivityStore)(nil)

func newSQLActivityStore(db *sql.DB, d sqldialect.Dialect) (*SQLActivityStore, error) {
	s := &SQLActivityStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s history schema: %w", d.Name, err)
	}
	return s, nil
}

func (s *SQLActivityStore) initSchema() error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS history_activity_instances (
			row_seq %s,
			id TEXT NOT NULL UNIQUE,
			activity_id TEXT NOT NULL,
			activity_name TEXT NOT NULL DEFAULT '',
			activity_type TEXT NOT NULL DEFAULT '',
			proc_def_id TEXT NOT NULL DEFAULT '',
			proc_def_key TEXT NOT NULL DEFAULT '',
			proc_inst_id TEXT NOT NULL DEFAULT '',
			execution_id TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			assignee TEXT NOT NULL DEFAULT '',
			called_proc_inst_id TEXT NOT NULL DEFAULT '',
			start_time BIGINT NOT NULL,
			end_time BIGINT,
			duration_ms BIGINT,
			delete_reason TEXT NOT NULL DEFAULT '',
			closed_by_job TEXT NOT NULL DEFAULT ''
		)`, s.dialect.Serial),
	}
	for _, col := range []string{
		"activity_id", "activity_name", "activity_type", "proc_def_id", "proc_def_key",
		"proc_inst_id", "execution_id", "task_id", "assignee", "called_proc_inst_id",
		"start_time", "end_time", "closed_by_job",
	} {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_hai_%s ON history_activity_instances(%s)`, col, col))
	}
	stmts = append(stmts,
		`CREATE INDEX IF NOT EXISTS idx_hai_open ON history_activity_instances(execution_id, activity_id, end_time)`)

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const instanceColumns = `id, activity_id, activity_name, activity_type, proc_def_id, proc_def_key,
	proc_inst_id, execution_id, task_id, assignee, called_proc_inst_id,
	start_time, end_time, duration_ms, delete_reason`

func scanInstance(row interface{ Scan(dest ...any) error }) (*api.HistoricActivityInstance, error) {
	var (
		inst     api.HistoricActivityInstance
		start    int64
		end      sql.NullInt64
		duration sql.NullInt64
	)
	if err := row.Scan(
		&inst.ID, &inst.ActivityID, &inst.ActivityName, &inst.ActivityType,
		&inst.ProcessDefinitionID, &inst.ProcessDefinitionKey, &inst.ProcessInstanceID,
		&inst.ExecutionID, &inst.TaskID, &inst.Assignee, &inst.CalledProcessInstanceID,
		&start, &end, &duration, &inst.DeleteReason,
	); err != nil {
		return nil, err
	}
	inst.StartTime = time.Unix(0, start).UTC()
	if end.Valid {
		t := time.Unix(0, end.Int64).UTC()
		inst.EndTime = &t
	}
	if duration.Valid {
		d := duration.Int64
		inst.DurationInMillis = &d
	}
	return &inst, nil
}

func (s *SQLActivityStore) CreateOnStart(ctx context.Context, inst *api.HistoricActivityInstance) error {
	var end, duration any
	if inst.EndTime != nil {
		end = inst.EndTime.UnixNano()
	}
	if inst.DurationInMillis != nil {
		duration = *inst.DurationInMillis
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO history_activity_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		inst.ID, inst.ActivityID, inst.ActivityName, inst.ActivityType,
		inst.ProcessDefinitionID, inst.ProcessDefinitionKey, inst.ProcessInstanceID,
		inst.ExecutionID, inst.TaskID, inst.Assignee, inst.CalledProcessInstanceID,
		inst.StartTime.UnixNano(), end, duration, inst.DeleteReason,
	)
	if err != nil {
		return fmt.Errorf("insert activity instance %s: %w", inst.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrDuplicateInstance
	}
	return nil
}

func (s *SQLActivityStore) CompleteOnEnd(ctx context.Context, c Completion) (*api.HistoricActivityInstance, error) {
	target, err := s.findTarget(ctx, c)
	if err != nil {
		return nil, err
	}
	if target.Finished() {
		return target, nil
	}

	target.Complete(c.EndTime, c.DeleteReason)
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE history_activity_instances
		SET end_time = ?, duration_ms = ?, delete_reason = ?, closed_by_job = ?
		WHERE id = ? AND end_time IS NULL`),
		target.EndTime.UnixNano(), *target.DurationInMillis, target.DeleteReason, c.JobID, target.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("complete activity instance %s: %w", target.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return target, nil
	}

	// The row was completed between our read and write.
	if c.InstanceID != "" {
		return s.GetInstance(ctx, c.InstanceID)
	}
	return nil, api.ErrCaptureMismatch
}

// findTarget loads the row a completion applies to. A fallback completion
// whose job already closed a row gets that row back.
func (s *SQLActivityStore) findTarget(ctx context.Context, c Completion) (*api.HistoricActivityInstance, error) {
	if c.InstanceID == "" && c.JobID != "" {
		row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
			SELECT `+instanceColumns+` FROM history_activity_instances WHERE closed_by_job = ?`),
			c.JobID)
		inst, err := scanInstance(row)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	var row *sql.Row
	if c.InstanceID != "" {
		row = s.db.QueryRowContext(ctx, s.dialect.Rebind(`
			SELECT `+instanceColumns+` FROM history_activity_instances WHERE id = ?`),
			c.InstanceID)
	} else {
		row = s.db.QueryRowContext(ctx, s.dialect.Rebind(`
			SELECT `+instanceColumns+` FROM history_activity_instances
			WHERE execution_id = ? AND activity_id = ? AND end_time IS NULL
			ORDER BY start_time DESC, row_seq DESC
			LIMIT 1`),
			c.ExecutionID, c.ActivityID)
	}

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrCaptureMismatch
	}
	return inst, err
}

func (s *SQLActivityStore) GetInstance(ctx context.Context, id string) (*api.HistoricActivityInstance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+instanceColumns+` FROM history_activity_instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLActivityStore) FindInstances(ctx context.Context, f InstanceFilter) ([]*api.HistoricActivityInstance, error) {
	where, args := whereClause(f)
	limit, pageArgs := s.dialect.Page(f.FirstResult, f.MaxResults)
	args = append(args, pageArgs...)

	q := `SELECT ` + instanceColumns + ` FROM history_activity_instances` + where + orderClause(f) + limit
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("find activity instances: %w", err)
	}
	defer rows.Close()

	var out []*api.HistoricActivityInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLActivityStore) CountInstances(ctx context.Context, f InstanceFilter) (int64, error) {
	where, args := whereClause(f)
	var n int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COUNT(*) FROM history_activity_instances`+where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count activity instances: %w", err)
	}
	return n, nil
}

func whereClause(f InstanceFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}
	add("id", f.ActivityInstanceID)
	add("activity_id", f.ActivityID)
	add("activity_type", f.ActivityType)
	add("activity_name", f.ActivityName)
	add("execution_id", f.ExecutionID)
	add("proc_inst_id", f.ProcessInstanceID)
	add("proc_def_id", f.ProcessDefinitionID)
	add("proc_def_key", f.ProcessDefinitionKey)
	add("task_id", f.TaskID)
	add("assignee", f.TaskAssignee)
	add("called_proc_inst_id", f.CalledProcessInstanceID)

	if f.Finished != nil {
		if *f.Finished {
			conds = append(conds, "end_time IS NOT NULL")
		} else {
			conds = append(conds, "end_time IS NULL")
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var sortColumns = map[SortField]string{
	SortByID:                  "id",
	SortByStartTime:           "start_time",
	SortByEndTime:             "end_time",
	SortByDuration:            "duration_ms",
	SortByExecutionID:         "execution_id",
	SortByProcessDefinitionID: "proc_def_id",
	SortByProcessInstanceID:   "proc_inst_id",
}

// orderClause puts NULLs last for ascending and first for descending order
// on both SQLite and Postgres, then breaks ties by id.
func orderClause(f InstanceFilter) string {
	col, ok := sortColumns[f.SortBy]
	if !ok {
		return " ORDER BY start_time ASC, id ASC"
	}
	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}
	if f.SortBy == SortByID {
		return " ORDER BY id " + dir
	}
	if f.SortBy == SortByEndTime || f.SortBy == SortByDuration {
		return fmt.Sprintf(" ORDER BY (%s IS NULL) %s, %s %s, id ASC", col, dir, col, dir)
	}
	return fmt.Sprintf(" ORDER BY %s %s, id ASC", col, dir)
}
