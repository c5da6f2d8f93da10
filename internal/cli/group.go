package cli

import (
	"github.com/spf13/cobra"

	"github.com/jdziat/jobengine/pkg/engine"
	"github.com/jdziat/jobengine/pkg/orchestrator"
)

// NewGroupCommand creates the group command group.
func NewGroupCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Group operations"}
	cmd.AddCommand(newGroupStatusCommand())
	cmd.AddCommand(newGroupCancelCommand())
	return cmd
}

func newGroupStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <group-id>",
		Short: "Show the aggregate status of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, _ := cmd.Flags().GetFloat64("threshold")
			wait, _ := cmd.Flags().GetDuration("wait")
			children, _ := cmd.Flags().GetBool("children")

			var opts []orchestrator.Option
			if cmd.Flags().Changed("threshold") {
				opts = append(opts, orchestrator.Threshold(threshold))
			}
			return withEngine(cmd, func(e *engine.Engine) error {
				tracker := orchestrator.NewTracker(e.Queue(), opts...)
				var (
					status *orchestrator.GroupStatus
					err    error
				)
				if wait > 0 {
					status, err = tracker.Wait(cmd.Context(), args[0], wait)
				} else {
					status, err = tracker.Poll(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, groupView(status, children))
			})
		},
	}
	cmd.Flags().Float64("threshold", 0, "Resolve as completed when this fraction of children succeeded")
	cmd.Flags().Duration("wait", 0, "Poll at this interval until the group is done")
	cmd.Flags().Bool("children", false, "Include every child job")
	return cmd
}

func newGroupCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <group-id>",
		Short: "Request cancellation of every live job in a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *engine.Engine) error {
				n, err := e.Queue().CancelGroup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"group_id": args[0], "affected": n})
			})
		},
	}
}

func groupView(s *orchestrator.GroupStatus, children bool) map[string]any {
	failures := make([]map[string]any, 0, len(s.Failures))
	for _, f := range s.Failures {
		failures = append(failures, map[string]any{
			"index":    f.Index,
			"job_id":   f.JobID,
			"error":    f.Error,
			"attempts": f.Attempts,
		})
	}
	out := map[string]any{
		"group_id":  s.GroupID,
		"done":      s.Done,
		"status":    string(s.Status),
		"total":     s.Total,
		"pending":   s.Pending,
		"completed": s.Completed,
		"failed":    s.Failed,
		"cancelled": s.Cancelled,
		"failures":  failures,
	}
	if children {
		jobs := make([]map[string]any, 0, len(s.Children))
		for _, j := range s.Children {
			jobs = append(jobs, jobView(j))
		}
		out["children"] = jobs
	}
	return out
}
