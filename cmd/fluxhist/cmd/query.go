package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxhist/pkg/query"
)

type queryFlags struct {
	where      []string
	finished   bool
	unfinished bool
	sortBy     string
	sortOrder  string
	first      int
	max        int
	count      bool
	output     string
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	qf := &queryFlags{}
	c := &cobra.Command{
		Use:   "query",
		Short: "Query historic activity instances",
		Example: `  fluxhist query --where processInstanceId=pi-7 --finished --sort-by endTime --sort-order desc
  fluxhist query --where activityType=userTask --count`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			q, err := qf.build(a.Service.CreateHistoricActivityInstanceQuery())
			if err != nil {
				return err
			}
			if qf.count {
				n, err := q.Count(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
				return err
			}
			rows, err := q.ListPage(cmd.Context(), qf.first, qf.max)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), qf.output, rows)
		},
	}

	f := c.Flags()
	f.StringArrayVar(&qf.where, "where", nil,
		"predicate as name=value; repeatable (names: "+strings.Join(query.PredicateNames(), ", ")+")")
	f.BoolVar(&qf.finished, "finished", false, "only finished instances")
	f.BoolVar(&qf.unfinished, "unfinished", false, "only unfinished instances")
	f.StringVar(&qf.sortBy, "sort-by", "", "sort property ("+strings.Join(query.SortProperties(), ", ")+")")
	f.StringVar(&qf.sortOrder, "sort-order", "", "sort direction (asc, desc)")
	f.IntVar(&qf.first, "first", 0, "index of the first result")
	f.IntVar(&qf.max, "max", 0, "maximum number of results (0 means all)")
	f.BoolVar(&qf.count, "count", false, "print the number of matches instead of the rows")
	f.StringVarP(&qf.output, "output", "o", formatJSON, "output format (json, yaml)")
	c.MarkFlagsMutuallyExclusive("finished", "unfinished")
	return c
}

func (qf *queryFlags) build(q *query.Query) (*query.Query, error) {
	for _, w := range qf.where {
		name, value, ok := strings.Cut(w, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --where %q: want name=value", w)
		}
		q.Where(name, value)
	}
	if qf.finished {
		q.Finished()
	}
	if qf.unfinished {
		q.Unfinished()
	}
	q.Sort(qf.sortBy, qf.sortOrder)
	if qf.first < 0 || qf.max < 0 {
		return nil, errors.New("--first and --max must not be negative")
	}
	return q, nil
}
