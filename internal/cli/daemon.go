package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newDaemonCmd creates the 'daemon' command group: a long-running process
// that resumes the tasks the previous run left unfinished, then keeps the
// scheduler and folder coordinator running until the process is signalled.
// Folders restored from the state directory stay Paused.
func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the background transfer daemon",
	}
	cmd.AddCommand(newDaemonRunCmd())
	return cmd
}

func newDaemonRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the daemon in the foreground",
		Long: `Scans the state directory for tasks and folders left unfinished by a
previous run, resumes each recovered task, and keeps running until
interrupted. Restored folders are left paused.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := GetLogger()
			a, err := newApp(log)
			if err != nil {
				return err
			}
			ctx := GetContext()
			a.run(ctx)

			restored, err := a.restoreFromDisk()
			if err != nil {
				return fmt.Errorf("restoring prior state: %w", err)
			}
			log.Info().Int("count", len(restored)).Msg("resuming recovered tasks")
			for _, taskID := range restored {
				if err := a.tasks.Resume(taskID); err != nil {
					log.Warn().Str("task_id", taskID).Err(err).Msg("failed to resume recovered task")
				}
			}

			log.Info().Msg("daemon running, waiting for signal")
			<-ctx.Done()
			log.Info().Msg("daemon shutting down")
			return nil
		},
	}
}
