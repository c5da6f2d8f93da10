package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/jobengine/pkg/engine"
)

// NewPartitionCommand creates the partition command group.
func NewPartitionCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "partition", Short: "Partition operations"}
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <name>",
		Short: "Return the id of a partition, creating it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *engine.Engine) error {
				id, err := e.Partitions().GetOrCreatePartitionID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"name": args[0], "id": id})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(e *engine.Engine) error {
				parts, err := e.Partitions().List(cmd.Context())
				if err != nil {
					return err
				}
				out := make([]map[string]any, 0, len(parts))
				for _, p := range parts {
					out = append(out, map[string]any{
						"id":          p.ID,
						"name":        p.Name,
						"create_date": p.CreateDate.UTC().Format(time.RFC3339Nano),
					})
				}
				return printJSON(cmd, out)
			})
		},
	})
	return cmd
}
