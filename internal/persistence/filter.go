package persistence

import (
	"sort"
	"strings"

	"github.com/petrijr/fluxhist/pkg/api"
)

// Matches reports whether inst satisfies every predicate set on f.
func (f InstanceFilter) Matches(inst *api.HistoricActivityInstance) bool {
	eq := func(want, got string) bool { return want == "" || want == got }

	if !eq(f.ActivityInstanceID, inst.ID) ||
		!eq(f.ActivityID, inst.ActivityID) ||
		!eq(f.ActivityType, inst.ActivityType) ||
		!eq(f.ActivityName, inst.ActivityName) ||
		!eq(f.ExecutionID, inst.ExecutionID) ||
		!eq(f.ProcessInstanceID, inst.ProcessInstanceID) ||
		!eq(f.ProcessDefinitionID, inst.ProcessDefinitionID) ||
		!eq(f.ProcessDefinitionKey, inst.ProcessDefinitionKey) ||
		!eq(f.TaskID, inst.TaskID) ||
		!eq(f.TaskAssignee, inst.Assignee) ||
		!eq(f.CalledProcessInstanceID, inst.CalledProcessInstanceID) {
		return false
	}
	if f.Finished != nil && *f.Finished != inst.Finished() {
		return false
	}
	return true
}

// compareBy orders a and b on field, ascending. Rows without an end time
// or duration compare greater than rows with one.
func compareBy(field SortField, a, b *api.HistoricActivityInstance) int {
	switch field {
	case SortByID:
		return strings.Compare(a.ID, b.ID)
	case SortByStartTime, SortNone:
		return a.StartTime.Compare(b.StartTime)
	case SortByEndTime:
		return compareNullable(a.EndTime == nil, b.EndTime == nil, func() int {
			return a.EndTime.Compare(*b.EndTime)
		})
	case SortByDuration:
		return compareNullable(a.DurationInMillis == nil, b.DurationInMillis == nil, func() int {
			return compareInt64(*a.DurationInMillis, *b.DurationInMillis)
		})
	case SortByExecutionID:
		return strings.Compare(a.ExecutionID, b.ExecutionID)
	case SortByProcessDefinitionID:
		return strings.Compare(a.ProcessDefinitionID, b.ProcessDefinitionID)
	case SortByProcessInstanceID:
		return strings.Compare(a.ProcessInstanceID, b.ProcessInstanceID)
	}
	return 0
}

func compareNullable(aNull, bNull bool, cmp func() int) int {
	switch {
	case aNull && bNull:
		return 0
	case aNull:
		return 1
	case bNull:
		return -1
	}
	return cmp()
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// sortInstances applies the filter's order in place: the chosen field in
// the chosen direction, then id ascending. Without a sort field rows are
// ordered by start time ascending.
func sortInstances(list []*api.HistoricActivityInstance, f InstanceFilter) {
	sort.SliceStable(list, func(i, j int) bool {
		c := compareBy(f.SortBy, list[i], list[j])
		if f.SortBy != SortNone && f.Descending {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return list[i].ID < list[j].ID
	})
}

// page slices list according to FirstResult and MaxResults.
func page(list []*api.HistoricActivityInstance, f InstanceFilter) []*api.HistoricActivityInstance {
	if f.FirstResult > 0 {
		if f.FirstResult >= len(list) {
			return nil
		}
		list = list[f.FirstResult:]
	}
	if f.MaxResults > 0 && f.MaxResults < len(list) {
		list = list[:f.MaxResults]
	}
	return list
}

// selectInstances filters, sorts and pages candidates, returning clones.
func selectInstances(candidates []*api.HistoricActivityInstance, f InstanceFilter) []*api.HistoricActivityInstance {
	out := make([]*api.HistoricActivityInstance, 0, len(candidates))
	for _, inst := range candidates {
		if f.Matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out, f)
	return page(out, f)
}
