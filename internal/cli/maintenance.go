package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/jobengine/internal/logger"
	"github.com/jdziat/jobengine/pkg/engine"
)

// NewMaintenanceCommand creates the maintenance command group.
func NewMaintenanceCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "maintenance", Short: "Scheduled maintenance tasks"}
	cmd.AddCommand(newMaintenanceListCommand())
	cmd.AddCommand(newMaintenanceRunCommand())
	cmd.AddCommand(newMaintenanceServeCommand())
	return cmd
}

func newMaintenanceListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tasks and their next run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *engine.Engine) error {
				sched := e.Maintenance()
				now := time.Now()
				out := make([]map[string]any, 0)
				for _, name := range sched.Tasks() {
					next, err := sched.Next(name, now)
					if err != nil {
						return err
					}
					out = append(out, map[string]any{
						"name":     name,
						"next_run": next.UTC().Format(time.RFC3339),
					})
				}
				return printJSON(cmd, out)
			})
		},
	}
}

func newMaintenanceRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "Run a task once under its lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *engine.Engine) error {
				start := time.Now()
				if err := e.Maintenance().RunNow(cmd.Context(), args[0]); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"task":     args[0],
					"duration": time.Since(start).String(),
				})
			})
		},
	}
}

func newMaintenanceServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the maintenance scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := logger.Setup(cfg.Log)
			return runEngine(cmd, cfg, log, func(e *engine.Engine) error {
				err := e.Maintenance().Start(cmd.Context())
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}
