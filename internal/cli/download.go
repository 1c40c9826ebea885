package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/baiducore/netcore/internal/chunk"
	"github.com/baiducore/netcore/internal/diskspace"
	"github.com/baiducore/netcore/internal/progress"
	"github.com/baiducore/netcore/internal/taskmanager"
)

// diskSpaceSafetyMargin pads the required byte count before a download
// starts, so a task doesn't fail chunks-deep into a transfer over a disk
// that was already nearly full.
const diskSpaceSafetyMargin = 1.05

// newDownloadCmd creates the 'download' command: fetch one remote file by
// its vendor fs_id into a local path, blocking until the task finishes.
func newDownloadCmd() *cobra.Command {
	var (
		fsID       uint64
		remotePath string
		localPath  string
		totalSize  int64
		tier       string
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download a remote file",
		Long: `Download a single remote file identified by its vendor fs_id.

Example:
  netcore download --fs-id 123456 --remote /path/on/vendor/file.zip --local ./file.zip --size 104857600`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fsID == 0 || remotePath == "" || localPath == "" || totalSize <= 0 {
				return fmt.Errorf("--fs-id, --remote, --local, and --size are all required")
			}
			if err := diskspace.CheckAvailableSpace(localPath, totalSize, diskSpaceSafetyMargin); err != nil {
				return err
			}

			a, err := newApp(GetLogger())
			if err != nil {
				return err
			}
			ctx := GetContext()
			a.run(ctx)

			chunkSize := chunk.TierChunkSize(parseTier(tier), totalSize)
			task, err := a.tasks.Create(taskmanager.CreateArgs{
				Kind:       taskmanager.KindDownload,
				FsID:       fsID,
				RemotePath: remotePath,
				LocalPath:  localPath,
				TotalSize:  totalSize,
				ChunkSize:  chunkSize,
			})
			if err != nil {
				return fmt.Errorf("creating download task: %w", err)
			}
			if err := a.tasks.Start(task.ID); err != nil {
				return fmt.Errorf("starting download task: %w", err)
			}

			return waitForTask(ctx, a, task.ID, totalSize)
		},
	}

	cmd.Flags().Uint64Var(&fsID, "fs-id", 0, "vendor file id (fs_id)")
	cmd.Flags().StringVar(&remotePath, "remote", "", "remote path (for display/WAL bookkeeping)")
	cmd.Flags().StringVar(&localPath, "local", "", "destination local path")
	cmd.Flags().Int64Var(&totalSize, "size", 0, "file size in bytes")
	cmd.Flags().StringVar(&tier, "tier", "normal", "account tier: normal, vip, svip")

	return cmd
}

func parseTier(s string) chunk.AccountTier {
	switch s {
	case "vip":
		return chunk.TierVIP
	case "svip":
		return chunk.TierSVIP
	default:
		return chunk.TierNormal
	}
}

// waitForTask polls the task manager until taskID reaches a terminal
// state, rendering a progress bar against its cumulative transferred
// bytes. The engine drives the transfer asynchronously; this is just the
// CLI's blocking wait.
func waitForTask(ctx context.Context, a *app, taskID string, totalSize int64) error {
	bar := progress.NewCLIProgress()
	bar.Start(totalSize, taskID)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("cancelled")
		case <-ticker.C:
			snap, ok := a.tasks.Get(taskID)
			if !ok {
				return fmt.Errorf("task %s disappeared", taskID)
			}
			bar.Update(snap.TransferredSize)
			switch snap.Status {
			case taskmanager.StatusCompleted:
				bar.Finish()
				return nil
			case taskmanager.StatusFailed:
				bar.Error(errors.New(snap.ErrorMsg))
				return fmt.Errorf("task failed: %s", snap.ErrorMsg)
			}
		}
	}
}
