package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the 'status' command: list every task known to the
// state directory, including ones not currently running.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List known tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(GetLogger())
			if err != nil {
				return err
			}
			if _, err := a.restoreFromDisk(); err != nil {
				return fmt.Errorf("reading state dir: %w", err)
			}
			for _, t := range a.tasks.List() {
				fmt.Printf("%s  %-7s  %-12s  %d/%d bytes  %s\n", t.ID, t.Kind, t.Status, t.TransferredSize, t.TotalSize, firstNonEmpty(t.RemotePath, t.TargetPath))
			}
			return nil
		},
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
