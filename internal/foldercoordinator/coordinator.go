package foldercoordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/baiducore/netcore/internal/chunk"
	"github.com/baiducore/netcore/internal/events"
	"github.com/baiducore/netcore/internal/logging"
	"github.com/baiducore/netcore/internal/progressthrottle"
	"github.com/baiducore/netcore/internal/taskmanager"
	"github.com/baiducore/netcore/internal/taskslot"
	"github.com/baiducore/netcore/internal/validation"
	"github.com/baiducore/netcore/internal/wal"
)

// ErrNotFound is returned by any operation addressing an unknown folder id.
var ErrNotFound = errors.New("foldercoordinator: folder not found")

// maxBorrowedSlots bounds how many extra slots one folder may hold beyond
// its fixed slot, so a single large folder cannot starve the pool.
const maxBorrowedSlots = 4

// defaultRefillTarget is the number of concurrently active subtasks a
// folder tries to maintain.
const defaultRefillTarget = 10

// reclaimWaitBudget is how long CreateFolder/Resume wait for a peer's
// paused subtask to quiesce before giving up on reclamation.
const (
	reclaimWaitBudget = 10 * time.Second
	reclaimPollEvery  = 50 * time.Millisecond
)

// DirEntry is one remote directory listing entry, returned by Scanner.
type DirEntry struct {
	FsID   uint64
	Name   string
	Path   string
	IsDir  bool
	Size   int64
}

// Scanner lists one remote directory's immediate children. The
// coordinator recurses into subdirectories itself, mirroring the vendor
// client's page-at-a-time directory listing wrapped behind one call per
// directory.
type Scanner interface {
	ListDir(ctx context.Context, path string) ([]DirEntry, error)
}

// Coordinator owns every active and recently-finished folder transfer. It
// bridges the task manager (which runs subtasks) and the task-slot pool
// (which bounds how many folders/tasks may run concurrently), generalizing
// the original client's FolderDownloadManager to the transfer core's
// unified download/upload task manager.
type Coordinator struct {
	mu      sync.Mutex
	folders map[string]*Folder

	pool    *taskslot.Pool
	tasks   *taskmanager.Manager
	scanner Scanner
	walDir  string
	tier    chunk.AccountTier

	eventBus *events.EventBus
	log      *logging.Logger

	throttleMu       sync.Mutex
	throttles        map[string]*progressthrottle.Throttle
	throttleInterval time.Duration
}

// New builds a folder coordinator. tier selects the adaptive chunk-size
// staircase used for subtask creation. throttleInterval sets the aggregate
// progress event throttle window (progress_throttle_ms); zero uses
// progressthrottle.DefaultInterval.
func New(pool *taskslot.Pool, tasks *taskmanager.Manager, scanner Scanner, walDir string, tier chunk.AccountTier, eventBus *events.EventBus, log *logging.Logger, throttleInterval time.Duration) *Coordinator {
	c := &Coordinator{
		folders:          make(map[string]*Folder),
		pool:             pool,
		tasks:            tasks,
		scanner:          scanner,
		walDir:           walDir,
		tier:             tier,
		eventBus:         eventBus,
		log:              log,
		throttles:        make(map[string]*progressthrottle.Throttle),
		throttleInterval: throttleInterval,
	}
	tasks.SetLifecycleHandler(c.onSubtaskLifecycle)
	return c
}

func (c *Coordinator) folderName(remotePath string) string {
	name := remotePath
	for len(name) > 0 && name[len(name)-1] == '/' {
		name = name[:len(name)-1]
	}
	if idx := lastSlash(name); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" {
		return "download"
	}
	return name
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// CreateFolder registers a new folder transfer, claims a fixed slot
// (reclaiming a peer's borrowed slot if the pool is saturated), persists
// the folder, and kicks off an asynchronous recursive scan.
func (c *Coordinator) CreateFolder(ctx context.Context, remotePath, localRoot string) (*Folder, error) {
	folder := newFolder(remotePath, localRoot, c.folderName(remotePath))
	folder.ID = uuid.NewString()

	c.mu.Lock()
	c.folders[folder.ID] = folder
	c.mu.Unlock()

	c.claimFixedSlot(folder)
	c.claimBorrowedSlots(folder)

	if err := c.persist(folder); err != nil && c.log != nil {
		c.log.Warn().Str("folder_id", folder.ID).Err(err).Msg("failed to persist new folder")
	}
	c.publish(folder, events.VariantCreated, "")

	go func() {
		if err := c.ScanAndPopulate(context.Background(), folder.ID); err != nil {
			c.failFolder(folder.ID, err)
		}
	}()

	return folder, nil
}

// claimFixedSlot tries to allocate a fixed slot for folder.ID; if the pool
// is saturated, it reclaims one borrowed slot from a peer folder and
// retries once. If nothing can be reclaimed or the retry also fails, the
// folder is left without a fixed slot (FixedSlotID stays nil).
func (c *Coordinator) claimFixedSlot(folder *Folder) {
	if slotID, ok := c.pool.AllocateFixed(folder.ID, true); ok {
		folder.mu.Lock()
		folder.FixedSlotID = &slotID
		folder.mu.Unlock()
		return
	}

	if !c.reclaimBorrowedSlot() {
		if c.log != nil {
			c.log.Warn().Str("folder_id", folder.ID).Msg("no fixed slot available and nothing to reclaim")
		}
		return
	}

	if slotID, ok := c.pool.AllocateFixed(folder.ID, true); ok {
		folder.mu.Lock()
		folder.FixedSlotID = &slotID
		folder.mu.Unlock()
	}
}

// claimBorrowedSlots borrows up to maxBorrowedSlots additional slots for
// folder.ID from whatever the pool has free.
func (c *Coordinator) claimBorrowedSlots(folder *Folder) {
	available := c.pool.AvailableSlots()
	toBorrow := available
	if toBorrow > maxBorrowedSlots {
		toBorrow = maxBorrowedSlots
	}
	if toBorrow <= 0 {
		return
	}
	ids := c.pool.AllocateBorrowed(folder.ID, toBorrow)
	if len(ids) == 0 {
		return
	}
	folder.mu.Lock()
	folder.BorrowedSlotIDs = append(folder.BorrowedSlotIDs, ids...)
	folder.mu.Unlock()
}

// reclaimBorrowedSlot finds a peer folder holding a borrowed slot, asks
// the task manager to pause one subtask occupying it, waits up to
// reclaimWaitBudget for the subtask to quiesce, then releases the slot
// back to the pool. The paused subtask is turned back into a pending file
// on its owning folder rather than left dangling.
func (c *Coordinator) reclaimBorrowedSlot() bool {
	peerID, ok := c.pool.FindFolderWithBorrowedSlots()
	if !ok {
		return false
	}

	c.mu.Lock()
	peer := c.folders[peerID]
	c.mu.Unlock()
	if peer == nil {
		return false
	}

	peer.mu.Lock()
	var subtaskID string
	var slotID int
	for tid, sid := range peer.BorrowedSubtaskMap {
		subtaskID, slotID = tid, sid
		break
	}
	peer.mu.Unlock()
	if subtaskID == "" {
		return false
	}

	if err := c.tasks.Pause(subtaskID); err != nil {
		return false
	}

	deadline := time.Now().Add(reclaimWaitBudget)
	for time.Now().Before(deadline) {
		task, ok := c.tasks.Get(subtaskID)
		if ok && task.Status == taskmanager.StatusPaused {
			break
		}
		time.Sleep(reclaimPollEvery)
	}

	requeued, ok := c.tasks.Get(subtaskID)
	if !ok {
		return false
	}

	peer.mu.Lock()
	delete(peer.BorrowedSubtaskMap, subtaskID)
	for i, id := range peer.BorrowedSlotIDs {
		if id == slotID {
			peer.BorrowedSlotIDs = append(peer.BorrowedSlotIDs[:i], peer.BorrowedSlotIDs[i+1:]...)
			break
		}
	}
	if requeued.Group != nil {
		peer.PendingFiles = append([]PendingFile{{
			FsID:         requeued.FsID,
			RemotePath:   requeued.RemotePath,
			RelativePath: requeued.Group.RelativePath,
			Size:         requeued.TotalSize,
		}}, peer.PendingFiles...)
	}
	peer.mu.Unlock()

	c.pool.ReleaseBorrowed(peerID, slotID)
	_ = c.tasks.Delete(subtaskID, false)
	_ = c.persist(peer)
	return true
}

// ScanAndPopulate recursively lists remotePath, appending every file found
// to the folder's pending-file queue, then marks the scan complete and
// creates the first batch of subtasks.
func (c *Coordinator) ScanAndPopulate(ctx context.Context, folderID string) error {
	folder, ok := c.get(folderID)
	if !ok {
		return ErrNotFound
	}

	if err := c.scanRecursive(ctx, folder, folder.RemoteRoot, folder.RemoteRoot); err != nil {
		return err
	}

	folder.mu.Lock()
	sort.Slice(folder.PendingFiles, func(i, j int) bool {
		return folder.PendingFiles[i].RelativePath < folder.PendingFiles[j].RelativePath
	})
	folder.ScanCompleted = true
	wasScanning := folder.Status == StatusScanning
	folder.mu.Unlock()

	if wasScanning {
		folder.markTransferring()
		c.publish(folder, events.VariantStatusChanged, "")
	}

	c.refill(folderID, defaultRefillTarget)
	if err := c.persist(folder); err != nil && c.log != nil {
		c.log.Warn().Str("folder_id", folderID).Err(err).Msg("failed to persist scanned folder")
	}
	c.publishScanCompleted(folder)
	return nil
}

// scanDirConcurrency bounds how many subdirectories of one level are
// listed at once, so a wide folder tree does not open unbounded
// concurrent requests against the vendor API.
const scanDirConcurrency = 4

// scanRecursive lists currentPath and recurses into every subdirectory it
// finds, fanning the subdirectory listings out across a small worker pool
// (a directory's entries are independent requests once its own listing
// call returns).
func (c *Coordinator) scanRecursive(ctx context.Context, folder *Folder, rootPath, currentPath string) error {
	if folder.IsTerminal() {
		return nil
	}
	folder.mu.Lock()
	folder.ScanProgress = currentPath
	folder.mu.Unlock()

	entries, err := c.scanner.ListDir(ctx, currentPath)
	if err != nil {
		return fmt.Errorf("foldercoordinator: list %s: %w", currentPath, err)
	}

	var files []PendingFile
	var batchSize int64
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir {
			dirs = append(dirs, entry.Path)
			continue
		}
		files = append(files, PendingFile{
			FsID:         entry.FsID,
			Filename:     entry.Name,
			RemotePath:   entry.Path,
			RelativePath: relativeTo(rootPath, entry.Path),
			Size:         entry.Size,
		})
		batchSize += entry.Size
	}

	if len(files) > 0 {
		folder.mu.Lock()
		folder.PendingFiles = append(folder.PendingFiles, files...)
		folder.TotalFiles += len(files)
		folder.TotalSize += batchSize
		folder.mu.Unlock()
	}

	if len(dirs) == 0 {
		return nil
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(scanDirConcurrency)
	for _, dir := range dirs {
		dir := dir
		group.Go(func() error {
			return c.scanRecursive(gctx, folder, rootPath, dir)
		})
	}
	return group.Wait()
}

func relativeTo(root, path string) string {
	if len(path) > len(root) && path[:len(root)] == root {
		rel := path[len(root):]
		for len(rel) > 0 && rel[0] == '/' {
			rel = rel[1:]
		}
		return rel
	}
	return path
}

func (c *Coordinator) publishScanCompleted(folder *Folder) {
	if c.eventBus == nil {
		return
	}
	ev := events.NewCoreEvent(events.CategoryFolder, events.VariantProgress)
	ev.FolderID = folder.ID
	folder.mu.Lock()
	ev.TotalBytes = folder.TotalSize
	folder.mu.Unlock()
	c.eventBus.PublishCore(ev)
}

// refill tops a folder's active subtask count up to target, pulling files
// off its pending queue and assigning each a free slot (a free borrowed
// slot first, otherwise the fixed slot if idle; see pickFreeSlot).
func (c *Coordinator) refill(folderID string, target int) {
	folder, ok := c.get(folderID)
	if !ok {
		return
	}

	folder.mu.Lock()
	status := folder.Status
	folder.mu.Unlock()
	if status == StatusPaused || status == StatusCancelled || status == StatusFailed {
		return
	}

	liveTasks := c.tasks.TasksInGroup(folderID)
	activeCount := 0
	usedSlots := make(map[int]bool)
	for _, t := range liveTasks {
		if !t.IsTerminal() {
			activeCount++
		}
		if t.Slot != nil {
			usedSlots[t.Slot.SlotID] = true
		}
	}
	if activeCount >= target {
		return
	}
	needed := target - activeCount

	for needed > 0 {
		folder.mu.Lock()
		if folder.Status == StatusPaused || folder.Status == StatusCancelled || folder.Status == StatusFailed {
			folder.mu.Unlock()
			break
		}
		if len(folder.PendingFiles) == 0 {
			folder.mu.Unlock()
			break
		}

		slotID, isBorrowed, found := c.pickFreeSlot(folder, usedSlots)
		if !found {
			folder.mu.Unlock()
			break
		}

		file := folder.PendingFiles[0]
		folder.PendingFiles = folder.PendingFiles[1:]
		folder.mu.Unlock()

		localPath := folder.LocalRoot + string(os.PathSeparator) + file.RelativePath
		if err := validation.ValidatePathInDirectory(file.RelativePath, folder.LocalRoot); err != nil {
			if c.log != nil {
				c.log.Warn().Str("folder_id", folderID).Str("remote_path", file.RemotePath).Err(err).
					Msg("remote entry escapes local root, skipping")
			}
			needed--
			continue
		}
		chunkSize := chunk.TierChunkSize(c.tier, file.Size)

		task, err := c.tasks.Create(taskmanager.CreateArgs{
			Kind:       taskmanager.KindDownload,
			FsID:       file.FsID,
			RemotePath: file.RemotePath,
			LocalPath:  localPath,
			TotalSize:  file.Size,
			ChunkSize:  chunkSize,
			Group: &taskmanager.GroupInfo{
				GroupID:      folderID,
				GroupRoot:    folder.RemoteRoot,
				RelativePath: file.RelativePath,
			},
		})
		if err != nil {
			if c.log != nil {
				c.log.Warn().Str("folder_id", folderID).Err(err).Msg("failed to create subtask during refill")
			}
			needed--
			continue
		}

		c.tasks.AssignSlot(task.ID, taskmanager.SlotInfo{SlotID: slotID, IsBorrowed: isBorrowed})
		usedSlots[slotID] = true

		folder.mu.Lock()
		if isBorrowed {
			folder.BorrowedSubtaskMap[task.ID] = slotID
		}
		folder.CreatedCount++
		folder.mu.Unlock()

		if err := c.tasks.Start(task.ID); err != nil && c.log != nil {
			c.log.Warn().Str("task_id", task.ID).Err(err).Msg("failed to start refilled subtask")
		}
		needed--
	}

	if err := c.persist(folder); err != nil && c.log != nil {
		c.log.Warn().Str("folder_id", folderID).Err(err).Msg("failed to persist folder after refill")
	}
}

// pickFreeSlot prefers an unused borrowed slot, falling back to the fixed
// slot if it is not already occupied by a live subtask.
func (c *Coordinator) pickFreeSlot(folder *Folder, usedSlots map[int]bool) (slotID int, isBorrowed bool, found bool) {
	for _, id := range folder.freeBorrowedSlots(usedSlots) {
		if !usedSlots[id] {
			return id, true, true
		}
	}
	if folder.FixedSlotID != nil && !usedSlots[*folder.FixedSlotID] {
		return *folder.FixedSlotID, false, true
	}
	return 0, false, false
}

// onSubtaskLifecycle is wired into the task manager as its lifecycle
// handler: it reclaims the subtask's slot and refills the folder whenever
// one of its subtasks reaches a terminal state.
func (c *Coordinator) onSubtaskLifecycle(groupID, taskID string, status taskmanager.Status) {
	if groupID == "" {
		return
	}
	folder, ok := c.get(groupID)
	if !ok {
		return
	}

	switch status {
	case taskmanager.StatusCompleted:
		c.releaseSubtaskSlot(folder, taskID)
		folder.mu.Lock()
		folder.CompletedCount++
		folder.mu.Unlock()
	case taskmanager.StatusFailed:
		c.releaseSubtaskSlot(folder, taskID)
		folder.mu.Lock()
		folder.FailedCount++
		folder.mu.Unlock()
	default:
		return
	}

	if c.isFolderDone(folder) {
		c.completeFolder(folder)
		return
	}
	c.refill(folder.ID, defaultRefillTarget)
}

func (c *Coordinator) releaseSubtaskSlot(folder *Folder, taskID string) {
	folder.mu.Lock()
	slotID, ok := folder.BorrowedSubtaskMap[taskID]
	if ok {
		delete(folder.BorrowedSubtaskMap, taskID)
	}
	folder.mu.Unlock()
	if ok {
		c.pool.ReleaseBorrowed(folder.ID, slotID)
	}
}

func (c *Coordinator) isFolderDone(folder *Folder) bool {
	folder.mu.Lock()
	scanDone := folder.ScanCompleted
	pendingEmpty := len(folder.PendingFiles) == 0
	folder.mu.Unlock()
	if !scanDone || !pendingEmpty {
		return false
	}
	for _, t := range c.tasks.TasksInGroup(folder.ID) {
		if !t.IsTerminal() {
			return false
		}
	}
	return true
}

func (c *Coordinator) completeFolder(folder *Folder) {
	folder.markCompleted()
	c.pool.ReleaseAll(folder.ID)
	folder.mu.Lock()
	folder.FixedSlotID = nil
	folder.BorrowedSlotIDs = nil
	folder.BorrowedSubtaskMap = make(map[string]int)
	folder.mu.Unlock()

	if err := c.persist(folder); err != nil && c.log != nil {
		c.log.Warn().Str("folder_id", folder.ID).Err(err).Msg("failed to persist completed folder")
	}
	c.publish(folder, events.VariantCompleted, "")
}

func (c *Coordinator) failFolder(folderID string, cause error) {
	folder, ok := c.get(folderID)
	if !ok {
		return
	}
	folder.markFailed(cause.Error())
	if err := c.persist(folder); err != nil && c.log != nil {
		c.log.Warn().Str("folder_id", folderID).Err(err).Msg("failed to persist failed folder")
	}
	c.publish(folder, events.VariantFailed, cause.Error())
}

// Pause marks the folder Paused, cancels every live subtask (they remain
// Paused, not deleted — resume reuses them), and releases every slot the
// folder holds back to the pool.
func (c *Coordinator) Pause(folderID string) error {
	folder, ok := c.get(folderID)
	if !ok {
		return ErrNotFound
	}
	folder.markPaused()

	for _, t := range c.tasks.TasksInGroup(folderID) {
		if !t.IsTerminal() {
			_ = c.tasks.Pause(t.ID)
		}
	}

	c.pool.ReleaseAll(folderID)
	folder.mu.Lock()
	folder.FixedSlotID = nil
	folder.BorrowedSlotIDs = nil
	folder.BorrowedSubtaskMap = make(map[string]int)
	folder.mu.Unlock()

	if err := c.persist(folder); err != nil {
		return fmt.Errorf("foldercoordinator: failed to persist paused folder: %w", err)
	}
	c.publish(folder, events.VariantPaused, "")
	return nil
}

// Resume reclaims a fixed slot (and up to maxBorrowedSlots borrowed slots)
// for the folder, reassigns them to its paused subtasks — or, if the
// initial scan never finished, restarts the scan — and refills any
// remaining capacity from the pending-file queue.
func (c *Coordinator) Resume(folderID string) error {
	folder, ok := c.get(folderID)
	if !ok {
		return ErrNotFound
	}
	folder.mu.Lock()
	if folder.Status != StatusPaused {
		folder.mu.Unlock()
		return fmt.Errorf("foldercoordinator: folder %s is not paused", folderID)
	}
	scanDone := folder.ScanCompleted
	folder.mu.Unlock()

	c.claimFixedSlot(folder)
	c.claimBorrowedSlots(folder)

	if scanDone {
		folder.markTransferring()
	} else {
		folder.mu.Lock()
		folder.Status = StatusScanning
		folder.mu.Unlock()
	}

	usedSlots := make(map[int]bool)
	paused := c.tasks.TasksInGroup(folderID)
	for _, t := range paused {
		if t.Status != taskmanager.StatusPaused {
			continue
		}
		folder.mu.Lock()
		slotID, isBorrowed, found := c.pickFreeSlot(folder, usedSlots)
		if found && isBorrowed {
			folder.BorrowedSubtaskMap[t.ID] = slotID
		}
		folder.mu.Unlock()
		if !found {
			continue
		}
		usedSlots[slotID] = true
		c.tasks.AssignSlot(t.ID, taskmanager.SlotInfo{SlotID: slotID, IsBorrowed: isBorrowed})
		if err := c.tasks.Resume(t.ID); err != nil && c.log != nil {
			c.log.Warn().Str("task_id", t.ID).Err(err).Msg("failed to resume subtask")
		}
	}

	if err := c.persist(folder); err != nil {
		return fmt.Errorf("foldercoordinator: failed to persist resumed folder: %w", err)
	}
	c.publish(folder, events.VariantResumed, "")

	if !scanDone {
		go func() {
			if err := c.ScanAndPopulate(context.Background(), folderID); err != nil {
				c.failFolder(folderID, err)
			}
		}()
	} else {
		c.refill(folderID, defaultRefillTarget)
	}
	return nil
}

// Cancel marks the folder Cancelled, drops its pending-file queue, deletes
// every live subtask (optionally unlinking their local files), and
// releases all slots.
func (c *Coordinator) Cancel(folderID string, deleteFiles bool) error {
	folder, ok := c.get(folderID)
	if !ok {
		return ErrNotFound
	}
	folder.markCancelled()
	folder.mu.Lock()
	folder.PendingFiles = nil
	localRoot := folder.LocalRoot
	folder.mu.Unlock()

	for _, t := range c.tasks.TasksInGroup(folderID) {
		_ = c.tasks.Delete(t.ID, deleteFiles)
	}

	c.pool.ReleaseAll(folderID)
	folder.mu.Lock()
	folder.FixedSlotID = nil
	folder.BorrowedSlotIDs = nil
	folder.BorrowedSubtaskMap = make(map[string]int)
	folder.mu.Unlock()

	if deleteFiles && localRoot != "" {
		if err := os.RemoveAll(localRoot); err != nil && c.log != nil {
			c.log.Warn().Str("folder_id", folderID).Str("path", localRoot).Err(err).Msg("failed to delete folder directory")
		}
	}

	if err := c.persist(folder); err != nil && c.log != nil {
		c.log.Warn().Str("folder_id", folderID).Err(err).Msg("failed to persist cancelled folder")
	}
	c.publish(folder, events.VariantDeleted, "")
	return nil
}

// RestoreFolders reloads every persisted folder from the WAL directory into
// memory on startup, skipping Completed and Cancelled ones. Every restored
// folder, scan-completed or not, is registered as Paused with its counters
// and pending queue, so an explicit Resume call re-enters the scan or
// refills rather than a background goroutine racing at process start.
func (c *Coordinator) RestoreFolders() error {
	metas, err := wal.ScanAllFolders(c.walDir)
	if err != nil {
		return fmt.Errorf("foldercoordinator: failed to scan persisted folders: %w", err)
	}

	for _, meta := range metas {
		if meta.Status == wal.FolderCompleted || meta.Status == wal.FolderCancelled {
			continue
		}

		folder := newFolder(meta.RemoteRoot, meta.LocalRoot, meta.Name)
		folder.ID = meta.FolderID
		folder.TotalFiles = meta.TotalFiles
		folder.TotalSize = meta.TotalSize
		folder.CreatedCount = meta.CreatedCount
		folder.CompletedCount = meta.CompletedCount
		folder.FailedCount = meta.FailedCount
		folder.TransferredSize = meta.TransferredSize
		folder.ScanCompleted = meta.ScanCompleted
		folder.CreatedAt = meta.CreatedAt
		for _, pf := range meta.PendingFiles {
			folder.PendingFiles = append(folder.PendingFiles, PendingFile{
				FsID:         pf.FsID,
				Filename:     pf.Filename,
				RemotePath:   pf.RemotePath,
				RelativePath: pf.RelativePath,
				Size:         pf.Size,
			})
		}
		folder.Status = StatusPaused

		c.mu.Lock()
		c.folders[folder.ID] = folder
		c.mu.Unlock()

		if c.log != nil {
			c.log.Info().Str("folder_id", folder.ID).Int("pending_files", len(folder.PendingFiles)).Msg("restored folder from persisted state")
		}
	}
	return nil
}

// Delete removes the folder record entirely, from memory and from disk.
func (c *Coordinator) Delete(folderID string) error {
	c.mu.Lock()
	_, ok := c.folders[folderID]
	delete(c.folders, folderID)
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return wal.DeleteFolderMetadata(c.walDir, folderID)
}

// Get returns a snapshot of one folder by id.
func (c *Coordinator) Get(folderID string) (Folder, bool) {
	folder, ok := c.get(folderID)
	if !ok {
		return Folder{}, false
	}
	return folder.Snapshot(), true
}

func (c *Coordinator) get(folderID string) (*Folder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	folder, ok := c.folders[folderID]
	return folder, ok
}

// List returns a snapshot of every tracked folder.
func (c *Coordinator) List() []Folder {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Folder, 0, len(c.folders))
	for _, folder := range c.folders {
		out = append(out, folder.Snapshot())
	}
	return out
}

// OnSubtaskProgress recomputes and — subject to a once-per-200ms
// per-folder throttle — publishes the aggregate progress of groupID. The
// transfer engine calls this whenever one of the folder's subtasks
// reports a progress update that passed its own per-task throttle.
func (c *Coordinator) OnSubtaskProgress(groupID string) {
	folder, ok := c.get(groupID)
	if !ok {
		return
	}
	if !c.throttleFor(groupID).ShouldEmit() {
		return
	}

	tasks := c.tasks.TasksInGroup(groupID)
	var transferred int64
	var speed float64
	var completed int
	for _, t := range tasks {
		transferred += t.TransferredSize
		if t.Status == taskmanager.StatusTransferring {
			speed += t.Speed
		}
		if t.Status == taskmanager.StatusCompleted {
			completed++
		}
	}

	folder.mu.Lock()
	folder.TransferredSize = transferred
	folder.CompletedCount = completed
	totalSize := folder.TotalSize
	totalFiles := folder.TotalFiles
	folder.mu.Unlock()

	if c.eventBus == nil {
		return
	}
	ev := events.NewCoreEvent(events.CategoryFolder, events.VariantProgress)
	ev.FolderID = groupID
	ev.TransferredBytes = transferred
	ev.TotalBytes = totalSize
	ev.SpeedBytesPerSec = speed
	if totalFiles > 0 {
		ev.Progress = float64(completed) / float64(totalFiles)
	}
	c.eventBus.PublishCore(ev)
}

func (c *Coordinator) throttleFor(folderID string) *progressthrottle.Throttle {
	c.throttleMu.Lock()
	defer c.throttleMu.Unlock()
	t, ok := c.throttles[folderID]
	if !ok {
		t = progressthrottle.New(c.throttleInterval)
		c.throttles[folderID] = t
	}
	return t
}

func (c *Coordinator) persist(folder *Folder) error {
	folder.mu.Lock()
	meta := &wal.FolderMetadata{
		FolderID:        folder.ID,
		Name:            folder.Name,
		RemoteRoot:      folder.RemoteRoot,
		LocalRoot:       folder.LocalRoot,
		Status:          wal.FolderStatus(folder.Status),
		TotalFiles:      folder.TotalFiles,
		TotalSize:       folder.TotalSize,
		CreatedCount:    folder.CreatedCount,
		CompletedCount:  folder.CompletedCount,
		FailedCount:     folder.FailedCount,
		TransferredSize: folder.TransferredSize,
		ScanCompleted:   folder.ScanCompleted,
		CreatedAt:       folder.CreatedAt,
	}
	for _, f := range folder.PendingFiles {
		meta.PendingFiles = append(meta.PendingFiles, wal.PendingFileMetadata{
			FsID:         f.FsID,
			Filename:     f.Filename,
			RemotePath:   f.RemotePath,
			RelativePath: f.RelativePath,
			Size:         f.Size,
		})
	}
	folder.mu.Unlock()
	return wal.SaveFolderMetadata(c.walDir, meta)
}

func (c *Coordinator) publish(folder *Folder, variant events.Variant, reason string) {
	if c.eventBus == nil {
		return
	}
	ev := events.NewCoreEvent(events.CategoryFolder, variant)
	ev.FolderID = folder.ID
	folder.mu.Lock()
	ev.TotalBytes = folder.TotalSize
	ev.TransferredBytes = folder.TransferredSize
	ev.NewStatus = string(folder.Status)
	folder.mu.Unlock()
	ev.Reason = reason
	c.eventBus.PublishCore(ev)
}
