// Package cli implements the jobengine command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/jdziat/jobengine/pkg/engine"
)

// NewRootCommand builds the jobengine command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "jobengine",
		Short: "Durable job engine CLI",
		Long: "jobengine inspects and operates a durable job store: schema migration, " +
			"job and group control, partitions, locks and maintenance tasks.\n\n" +
			"Settings come from --config and JOBENGINE_* environment variables.",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to a config file (yaml, json or toml)")

	root.AddCommand(NewMigrateCommand())
	root.AddCommand(NewJobCommand())
	root.AddCommand(NewGroupCommand())
	root.AddCommand(NewPartitionCommand())
	root.AddCommand(NewLockCommand())
	root.AddCommand(NewMaintenanceCommand())
	return root
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *engine.Engine) error {
				if err := e.Migrate(cmd.Context()); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"migrated": true,
					"driver":   e.Config().Database.Driver,
				})
			})
		},
	}
}
