// Package cmd implements the fluxhist command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/petrijr/fluxhist/internal/app"
	"github.com/petrijr/fluxhist/internal/config"
)

// rootOptions is shared by every subcommand of one command tree.
type rootOptions struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

// NewRootCmd builds the fluxhist command tree with its own viper instance.
func NewRootCmd(version, commit string) *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	root := &cobra.Command{
		Use:   "fluxhist",
		Short: "Asynchronous activity history capture and query",
		Long: `fluxhist applies queued history jobs to an activity store and answers
queries over historic activity instances.

Configuration is read from fluxhist.yaml in the working directory (or
--config), FLUXHIST_* environment variables and the flags below, in
increasing order of precedence.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.NewLoaderWithViper(opts.v).WithConfigFile(opts.cfgFile).Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.cfgFile, "config", "", "config file (default: ./fluxhist.yaml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "json", "log format (json, text)")
	pf.String("history-level", "audit", "history level (none, activity, audit, full)")
	pf.String("store", "sqlite", "activity store backend (memory, sqlite, postgres, redis, mongo)")
	pf.String("queue", "sqlite", "history job queue backend (memory, sqlite, postgres)")
	pf.String("sqlite-path", "fluxhist.db", "SQLite database file")
	pf.String("postgres-dsn", "", "PostgreSQL connection string")

	bindFlags(opts.v, pf, map[string]string{
		"log.level":          "log-level",
		"log.format":         "log-format",
		"history.level":      "history-level",
		"store.backend":      "store",
		"store.queue":        "queue",
		"store.sqlite_path":  "sqlite-path",
		"store.postgres_dsn": "postgres-dsn",
	})

	root.AddCommand(
		newWorkerCmd(opts),
		newJobsCmd(opts),
		newQueryCmd(opts),
	)
	return root
}

// bindFlags binds config keys to flags so a flag set on the command line
// overrides env and file values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		_ = v.BindPFlag(key, fs.Lookup(name))
	}
}

// openApp builds the service described by the loaded configuration.
func (o *rootOptions) openApp(ctx context.Context) (*app.App, error) {
	return app.New(ctx, o.cfg, app.Options{})
}
