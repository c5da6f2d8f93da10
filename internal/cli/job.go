package cli

import (
	"github.com/spf13/cobra"

	"github.com/jdziat/jobengine/pkg/engine"
	"github.com/jdziat/jobengine/pkg/queue"
)

// NewJobCommand creates the job command group.
func NewJobCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Job operations"}
	cmd.AddCommand(newJobEnqueueCommand())
	cmd.AddCommand(newJobGetCommand())
	cmd.AddCommand(newJobCancelCommand())
	return cmd
}

func newJobEnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <queue-type> [payload]",
		Short: "Enqueue a job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			unique, _ := cmd.Flags().GetString("unique")
			delay, _ := cmd.Flags().GetDuration("delay")

			var opts []queue.Option
			if group != "" {
				opts = append(opts, queue.Group(group))
			}
			if unique != "" {
				opts = append(opts, queue.Unique(unique))
			}
			if delay > 0 {
				opts = append(opts, queue.Delay(delay))
			}
			if cmd.Flags().Changed("retries") {
				retries, _ := cmd.Flags().GetInt("retries")
				opts = append(opts, queue.Retries(retries))
			}

			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}
			return withEngine(cmd, func(e *engine.Engine) error {
				job, err := e.Queue().Enqueue(cmd.Context(), args[0], payload, opts...)
				if err != nil {
					return err
				}
				return printJSON(cmd, jobView(job))
			})
		},
	}
	cmd.Flags().String("group", "", "Group ID (defaults to a new group)")
	cmd.Flags().String("unique", "", "Dedup key; rejected while a live job holds it")
	cmd.Flags().Duration("delay", 0, "Delay before the job becomes available")
	cmd.Flags().Int("retries", 0, "Retry budget (defaults to worker.max_retries)")
	return cmd
}

func newJobGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *engine.Engine) error {
				job, err := e.Queue().GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, jobView(job))
			})
		},
	}
}

func newJobCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *engine.Engine) error {
				n, err := e.Queue().CancelJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"job_id": args[0], "affected": n})
			})
		},
	}
}
