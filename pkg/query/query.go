// Package query provides a fluent, validated query over historic activity
// instances.
//
//	rows, err := query.New(store).
//		ProcessInstanceID(pid).
//		ActivityType("userTask").
//		Finished().
//		OrderByHistoricActivityInstanceStartTime().Desc().
//		List(ctx)
//
// A sort property is chosen with an OrderBy method, which returns an
// *Ordering; only its Asc or Desc method returns to the query. Selecting a
// property and never choosing a direction is reported as an
// *api.ValidationError by the terminal operations.
package query

import (
	"context"
	"strings"

	"github.com/petrijr/fluxhist/internal/persistence"
	"github.com/petrijr/fluxhist/pkg/api"
)

// Query accumulates predicates and an optional ordering. Methods mutate and
// return the receiver; a Query is not safe for concurrent use.
type Query struct {
	store  persistence.ActivityStore
	filter persistence.InstanceFilter

	// pending is a sort property still waiting for its direction.
	pending persistence.SortField
	err     error
}

// New returns an empty query over store. Without predicates it matches
// every row.
func New(store persistence.ActivityStore) *Query {
	return &Query{store: store}
}

func (q *Query) set(field string, dst *string, value string) *Query {
	if value == "" {
		q.fail(field, "value must not be empty")
		return q
	}
	*dst = value
	return q
}

// fail records the first validation error.
func (q *Query) fail(field, reason string) {
	if q.err == nil {
		q.err = &api.ValidationError{Field: field, Reason: reason}
	}
}

// ActivityInstanceID matches the row with the given instance id.
func (q *Query) ActivityInstanceID(id string) *Query {
	return q.set("activityInstanceId", &q.filter.ActivityInstanceID, id)
}

// ActivityID matches rows of the given activity definition.
func (q *Query) ActivityID(id string) *Query {
	return q.set("activityId", &q.filter.ActivityID, id)
}

// ActivityType matches rows by activity type, e.g. "userTask".
func (q *Query) ActivityType(typ string) *Query {
	return q.set("activityType", &q.filter.ActivityType, typ)
}

// ActivityName matches rows by display name.
func (q *Query) ActivityName(name string) *Query {
	return q.set("activityName", &q.filter.ActivityName, name)
}

// ExecutionID matches rows of one execution.
func (q *Query) ExecutionID(id string) *Query {
	return q.set("executionId", &q.filter.ExecutionID, id)
}

// ProcessInstanceID matches rows of one process instance.
func (q *Query) ProcessInstanceID(id string) *Query {
	return q.set("processInstanceId", &q.filter.ProcessInstanceID, id)
}

// ProcessDefinitionID matches rows of one deployed process definition.
func (q *Query) ProcessDefinitionID(id string) *Query {
	return q.set("processDefinitionId", &q.filter.ProcessDefinitionID, id)
}

// ProcessDefinitionKey matches rows of every version of a process definition.
func (q *Query) ProcessDefinitionKey(key string) *Query {
	return q.set("processDefinitionKey", &q.filter.ProcessDefinitionKey, key)
}

// TaskID matches the row of a user task by task id.
func (q *Query) TaskID(id string) *Query {
	return q.set("taskId", &q.filter.TaskID, id)
}

// TaskAssignee matches user task rows by assignee.
func (q *Query) TaskAssignee(assignee string) *Query {
	return q.set("taskAssignee", &q.filter.TaskAssignee, assignee)
}

// CalledProcessInstanceID matches the call activity that started the given
// process instance.
func (q *Query) CalledProcessInstanceID(id string) *Query {
	return q.set("calledProcessInstanceId", &q.filter.CalledProcessInstanceID, id)
}

var predicates = map[string]func(*Query, string) *Query{
	"activityinstanceid":      (*Query).ActivityInstanceID,
	"activityid":              (*Query).ActivityID,
	"activitytype":            (*Query).ActivityType,
	"activityname":            (*Query).ActivityName,
	"executionid":             (*Query).ExecutionID,
	"processinstanceid":       (*Query).ProcessInstanceID,
	"processdefinitionid":     (*Query).ProcessDefinitionID,
	"processdefinitionkey":    (*Query).ProcessDefinitionKey,
	"taskid":                  (*Query).TaskID,
	"taskassignee":            (*Query).TaskAssignee,
	"calledprocessinstanceid": (*Query).CalledProcessInstanceID,
}

// Where applies an equality predicate given by name, e.g.
// Where("processInstanceId", pid). Names are case-insensitive. An unknown
// name is a validation error.
func (q *Query) Where(name, value string) *Query {
	apply, ok := predicates[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		q.fail(name, "unknown query parameter")
		return q
	}
	return apply(q, value)
}

// PredicateNames lists the names accepted by Where.
func PredicateNames() []string {
	return []string{
		"activityInstanceId", "activityId", "activityType", "activityName",
		"executionId", "processInstanceId", "processDefinitionId", "processDefinitionKey",
		"taskId", "taskAssignee", "calledProcessInstanceId",
	}
}

// Finished restricts to rows with an end time. It replaces an earlier
// Unfinished call.
func (q *Query) Finished() *Query {
	finished := true
	q.filter.Finished = &finished
	return q
}

// Unfinished restricts to rows without an end time. It replaces an earlier
// Finished call.
func (q *Query) Unfinished() *Query {
	finished := false
	q.filter.Finished = &finished
	return q
}

// Ordering is a selected sort property awaiting its direction.
type Ordering struct {
	q     *Query
	field persistence.SortField
}

// Asc sorts ascending. Rows without an end time or duration come last.
func (o *Ordering) Asc() *Query {
	return o.q.setOrder(o.field, false)
}

// Desc sorts descending. Rows without an end time or duration come first.
func (o *Ordering) Desc() *Query {
	return o.q.setOrder(o.field, true)
}

func (q *Query) orderBy(field persistence.SortField) *Ordering {
	q.pending = field
	return &Ordering{q: q, field: field}
}

func (q *Query) setOrder(field persistence.SortField, desc bool) *Query {
	q.pending = persistence.SortNone
	q.filter.SortBy = field
	q.filter.Descending = desc
	return q
}

// OrderByHistoricActivityInstanceID sorts by instance id.
func (q *Query) OrderByHistoricActivityInstanceID() *Ordering {
	return q.orderBy(persistence.SortByID)
}

// OrderByHistoricActivityInstanceStartTime sorts by start time.
func (q *Query) OrderByHistoricActivityInstanceStartTime() *Ordering {
	return q.orderBy(persistence.SortByStartTime)
}

// OrderByHistoricActivityInstanceEndTime sorts by end time. Unfinished rows
// have none.
func (q *Query) OrderByHistoricActivityInstanceEndTime() *Ordering {
	return q.orderBy(persistence.SortByEndTime)
}

// OrderByHistoricActivityInstanceDuration sorts by duration. Unfinished rows
// have none.
func (q *Query) OrderByHistoricActivityInstanceDuration() *Ordering {
	return q.orderBy(persistence.SortByDuration)
}

// OrderByExecutionID sorts by execution id.
func (q *Query) OrderByExecutionID() *Ordering {
	return q.orderBy(persistence.SortByExecutionID)
}

// OrderByProcessDefinitionID sorts by process definition id.
func (q *Query) OrderByProcessDefinitionID() *Ordering {
	return q.orderBy(persistence.SortByProcessDefinitionID)
}

// OrderByProcessInstanceID sorts by process instance id.
func (q *Query) OrderByProcessInstanceID() *Ordering {
	return q.orderBy(persistence.SortByProcessInstanceID)
}

var sortProperties = map[string]persistence.SortField{
	"id":                  persistence.SortByID,
	"instanceid":          persistence.SortByID,
	"starttime":           persistence.SortByStartTime,
	"endtime":             persistence.SortByEndTime,
	"duration":            persistence.SortByDuration,
	"executionid":         persistence.SortByExecutionID,
	"processdefinitionid": persistence.SortByProcessDefinitionID,
	"processinstanceid":   persistence.SortByProcessInstanceID,
}

// SortProperties lists the names accepted by Sort.
func SortProperties() []string {
	return []string{"instanceId", "startTime", "endTime", "duration", "executionId", "processDefinitionId", "processInstanceId"}
}

// Sort applies an ordering given by name, for callers that receive the
// sort as text (command line, HTTP). Property names are case-insensitive;
// direction is "asc" or "desc". Both empty means no ordering. A direction
// without a property, a property without a direction, or an unknown name
// is a validation error.
func (q *Query) Sort(property, direction string) *Query {
	property = strings.TrimSpace(property)
	direction = strings.ToLower(strings.TrimSpace(direction))

	switch {
	case property == "" && direction == "":
		return q
	case property == "":
		q.fail("sort", "direction "+direction+" given without a sort property")
		return q
	case direction == "":
		q.fail("sort", "sort property "+property+" given without a direction")
		return q
	}

	field, ok := sortProperties[strings.ToLower(property)]
	if !ok {
		q.fail("sort", "unknown sort property "+property)
		return q
	}
	switch direction {
	case "asc", "ascending":
		return q.setOrder(field, false)
	case "desc", "descending":
		return q.setOrder(field, true)
	default:
		q.fail("sort", "unknown sort direction "+direction)
		return q
	}
}

// Validate reports the first composition error, if any.
func (q *Query) Validate() error {
	if q.err != nil {
		return q.err
	}
	if q.pending != persistence.SortNone {
		return &api.ValidationError{
			Field:  string(q.pending),
			Reason: "sort property selected without a direction",
		}
	}
	return nil
}

// Filter returns the store filter built so far.
func (q *Query) Filter() persistence.InstanceFilter {
	return q.filter
}

// List returns every matching row in query order; an empty slice when
// nothing matches.
func (q *Query) List(ctx context.Context) ([]*api.HistoricActivityInstance, error) {
	return q.ListPage(ctx, 0, 0)
}

// ListPage returns at most max rows after skipping first. max <= 0 means no
// limit.
func (q *Query) ListPage(ctx context.Context, first, max int) ([]*api.HistoricActivityInstance, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if first < 0 {
		return nil, &api.ValidationError{Field: "firstResult", Reason: "must not be negative"}
	}

	f := q.filter
	f.FirstResult = first
	f.MaxResults = max
	rows, err := q.store.FindInstances(ctx, f)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*api.HistoricActivityInstance{}
	}
	return rows, nil
}

// Count returns the number of matching rows. Ordering is ignored, including
// a property still waiting for its direction.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return q.store.CountInstances(ctx, q.filter)
}

// SingleResult returns the only matching row, nil if none matches, or
// api.ErrTooManyResults if several do.
func (q *Query) SingleResult(ctx context.Context) (*api.HistoricActivityInstance, error) {
	rows, err := q.ListPage(ctx, 0, 2)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		return nil, api.ErrTooManyResults
	}
}
