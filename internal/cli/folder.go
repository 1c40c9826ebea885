package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newFolderCmd creates the 'folder' command group for recursive transfers.
func newFolderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage recursive folder downloads",
	}
	cmd.AddCommand(newFolderDownloadCmd())
	cmd.AddCommand(newFolderListCmd())
	cmd.AddCommand(newFolderPauseCmd())
	cmd.AddCommand(newFolderResumeCmd())
	cmd.AddCommand(newFolderCancelCmd())
	return cmd
}

func newFolderDownloadCmd() *cobra.Command {
	var localRoot string
	cmd := &cobra.Command{
		Use:   "download <remote-path>",
		Short: "Start a recursive folder download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if localRoot == "" {
				return fmt.Errorf("--local is required")
			}
			a, err := newApp(GetLogger())
			if err != nil {
				return err
			}
			ctx := GetContext()
			a.run(ctx)

			folder, err := a.folders.CreateFolder(ctx, args[0], localRoot)
			if err != nil {
				return fmt.Errorf("creating folder transfer: %w", err)
			}
			if err := a.folders.ScanAndPopulate(ctx, folder.ID); err != nil {
				return fmt.Errorf("scanning folder: %w", err)
			}
			fmt.Printf("folder %s started: %s -> %s\n", folder.ID, args[0], localRoot)
			return nil
		},
	}
	cmd.Flags().StringVar(&localRoot, "local", "", "local destination root")
	return cmd
}

func newFolderListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active folder transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(GetLogger())
			if err != nil {
				return err
			}
			for _, f := range a.folders.List() {
				fmt.Printf("%s  %-10s  %d/%d files  %s\n", f.ID, f.Status, f.CompletedCount, f.TotalFiles, f.RemoteRoot)
			}
			return nil
		},
	}
}

func newFolderPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <folder-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Pause a folder transfer",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(GetLogger())
			if err != nil {
				return err
			}
			return a.folders.Pause(args[0])
		},
	}
}

func newFolderResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <folder-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Resume a paused folder transfer",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(GetLogger())
			if err != nil {
				return err
			}
			ctx := GetContext()
			a.run(ctx)
			return a.folders.Resume(args[0])
		},
	}
}

func newFolderCancelCmd() *cobra.Command {
	var deleteFiles bool
	cmd := &cobra.Command{
		Use:   "cancel <folder-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Cancel a folder transfer",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(GetLogger())
			if err != nil {
				return err
			}
			return a.folders.Cancel(args[0], deleteFiles)
		},
	}
	cmd.Flags().BoolVar(&deleteFiles, "delete-files", false, "also delete locally downloaded files")
	return cmd
}
