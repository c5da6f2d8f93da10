package cli

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/jobengine/pkg/engine"
	"github.com/jdziat/jobengine/pkg/lock"
)

// NewLockCommand creates the lock command group.
func NewLockCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "lock", Short: "Distributed lock operations"}
	cmd.AddCommand(newLockAcquireCommand())
	cmd.AddCommand(newLockReleaseCommand())
	return cmd
}

func newLockAcquireCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire <name>",
		Short: "Take a lock and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, _ := cmd.Flags().GetString("holder")
			lease, _ := cmd.Flags().GetDuration("lease")
			if holder == "" {
				holder, _ = os.Hostname()
			}
			return withEngine(cmd, func(e *engine.Engine) error {
				if lease <= 0 {
					lease = e.Config().Lock.Lease
				}
				tok, err := e.Locker().Acquire(cmd.Context(), args[0], holder, lease)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"name":       tok.Name,
					"holder":     tok.Holder,
					"token":      tok.Value,
					"expires_at": time.Now().Add(tok.Lease).UTC().Format(time.RFC3339Nano),
				})
			})
		},
	}
	cmd.Flags().String("holder", "", "Holder name (defaults to the hostname)")
	cmd.Flags().Duration("lease", 0, "Lease duration (defaults to lock.lease)")
	return cmd
}

func newLockReleaseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <name>",
		Short: "Release a lock held by token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				return errors.New("--token is required")
			}
			return withEngine(cmd, func(e *engine.Engine) error {
				err := e.Locker().Release(cmd.Context(), &lock.Token{Name: args[0], Value: token})
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"name": args[0], "released": true})
			})
		},
	}
	cmd.Flags().String("token", "", "Token printed by lock acquire")
	return cmd
}
