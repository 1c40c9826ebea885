package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baiducore/netcore/internal/chunk"
	"github.com/baiducore/netcore/internal/taskmanager"
)

// newUploadCmd creates the 'upload' command: push one local file to a
// remote path, blocking until the task finishes.
func newUploadCmd() *cobra.Command {
	var (
		localPath  string
		remotePath string
		tier       string
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a local file",
		Long: `Upload a single local file to a remote path, using the rapid-upload
fast path when the vendor already holds matching content.

Example:
  netcore upload --local ./file.zip --remote /path/on/vendor/file.zip`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if localPath == "" || remotePath == "" {
				return fmt.Errorf("--local and --remote are both required")
			}
			info, err := os.Stat(localPath)
			if err != nil {
				return fmt.Errorf("stat local file: %w", err)
			}

			a, err := newApp(GetLogger())
			if err != nil {
				return err
			}
			ctx := GetContext()
			a.run(ctx)

			chunkSize := chunk.TierChunkSize(parseTier(tier), info.Size())
			task, err := a.tasks.Create(taskmanager.CreateArgs{
				Kind:       taskmanager.KindUpload,
				SourcePath: localPath,
				TargetPath: remotePath,
				TotalSize:  info.Size(),
				ChunkSize:  chunkSize,
			})
			if err != nil {
				return fmt.Errorf("creating upload task: %w", err)
			}
			if err := a.tasks.Start(task.ID); err != nil {
				return fmt.Errorf("starting upload task: %w", err)
			}

			return waitForTask(ctx, a, task.ID, info.Size())
		},
	}

	cmd.Flags().StringVar(&localPath, "local", "", "source local file")
	cmd.Flags().StringVar(&remotePath, "remote", "", "destination remote path")
	cmd.Flags().StringVar(&tier, "tier", "normal", "account tier: normal, vip, svip")

	return cmd
}
