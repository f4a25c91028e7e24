package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxhist/internal/adminapi"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	c := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and re-drive history jobs",
	}
	c.AddCommand(
		newJobsPendingCmd(opts),
		newJobsDeadCmd(opts),
		newJobsRetryCmd(opts),
	)
	return c
}

func newJobsPendingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print the number of pending and in-flight history jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			n, err := a.Service.PendingJobCount(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}
}

func newJobsDeadCmd(opts *rootOptions) *cobra.Command {
	var output string
	c := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered history jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			dead, err := a.Service.DeadJobs(cmd.Context())
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, adminapi.NewJobViews(dead))
		},
	}
	c.Flags().StringVarP(&output, "output", "o", formatJSON, "output format (json, yaml)")
	return c
}

func newJobsRetryCmd(opts *rootOptions) *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "retry [job-id...]",
		Short: "Move dead-lettered jobs back to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("give job ids or --all, not both")
			}

			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			moved := 0
			if all {
				moved, err = a.Service.RetryAllDeadJobs(cmd.Context())
			} else {
				for _, id := range args {
					if err = a.Service.RetryDeadJob(cmd.Context(), id); err != nil {
						err = fmt.Errorf("retry %s: %w", id, err)
						break
					}
					moved++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried %d job(s)\n", moved)
			return err
		},
	}
	c.Flags().BoolVar(&all, "all", false, "retry every dead job")
	return c
}
