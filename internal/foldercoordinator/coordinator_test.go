package foldercoordinator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/baiducore/netcore/internal/chunk"
	"github.com/baiducore/netcore/internal/scheduler"
	"github.com/baiducore/netcore/internal/taskmanager"
	"github.com/baiducore/netcore/internal/taskslot"
)

// fakeTaskEngine is a test double standing in for the transfer engine: it
// just records every task handed to it, matching the pattern used to test
// the task manager in isolation.
type fakeTaskEngine struct {
	started []*taskmanager.Task
}

func (f *fakeTaskEngine) StartTask(ctx context.Context, task *taskmanager.Task) {
	f.started = append(f.started, task)
}

// fakeScanner is an in-memory Scanner backed by a path -> children map,
// standing in for a real remote directory listing.
type fakeScanner struct {
	children map[string][]DirEntry
}

func (s *fakeScanner) ListDir(ctx context.Context, path string) ([]DirEntry, error) {
	return s.children[path], nil
}

func newTestCoordinator(t *testing.T, maxSlots int, scanner Scanner) (*Coordinator, *taskmanager.Manager, *fakeTaskEngine) {
	t.Helper()
	walDir := t.TempDir()

	sched := scheduler.New(50, 20, nil)
	engine := &fakeTaskEngine{}
	tasks := taskmanager.New(sched, engine, walDir, nil, nil, 0)
	pool := taskslot.NewPool(maxSlots)
	coord := New(pool, tasks, scanner, walDir, chunk.TierNormal, nil, nil, 0)
	return coord, tasks, engine
}

// addFolder inserts a folder directly and claims its slots, bypassing
// CreateFolder's background scan goroutine so the test can drive the scan
// synchronously.
func (c *Coordinator) addFolder(id, remoteRoot, localRoot string) *Folder {
	folder := newFolder(remoteRoot, localRoot, id)
	folder.ID = id
	c.mu.Lock()
	c.folders[id] = folder
	c.mu.Unlock()
	c.claimFixedSlot(folder)
	c.claimBorrowedSlots(folder)
	return folder
}

func twoLevelScanner(root string) *fakeScanner {
	sub := root + "/sub"
	return &fakeScanner{children: map[string][]DirEntry{
		root: {
			{Name: "a.bin", Path: root + "/a.bin", Size: 100},
			{Name: "sub", Path: sub, IsDir: true},
		},
		sub: {
			{Name: "b.bin", Path: sub + "/b.bin", Size: 200},
		},
	}}
}

func TestScanAndPopulateWalksSubdirectoriesAndCreatesSubtasks(t *testing.T) {
	root := "/remote/folder"
	local := t.TempDir()
	coord, tasks, _ := newTestCoordinator(t, 5, twoLevelScanner(root))
	folder := coord.addFolder("folder-1", root, local)

	if err := coord.ScanAndPopulate(context.Background(), folder.ID); err != nil {
		t.Fatalf("ScanAndPopulate failed: %v", err)
	}

	got, ok := coord.Get(folder.ID)
	if !ok {
		t.Fatal("expected folder to be retrievable")
	}
	if got.TotalFiles != 2 {
		t.Errorf("expected 2 files discovered, got %d", got.TotalFiles)
	}
	if !got.ScanCompleted {
		t.Error("expected scan_completed to be true")
	}
	if got.Status != StatusTransferring {
		t.Errorf("expected folder to move to transferring, got %v", got.Status)
	}

	live := tasks.TasksInGroup(folder.ID)
	if len(live) != 2 {
		t.Fatalf("expected 2 subtasks created by refill, got %d", len(live))
	}
}

func TestRefillRespectsTarget(t *testing.T) {
	root := "/remote/folder"
	local := t.TempDir()
	coord, tasks, _ := newTestCoordinator(t, 5, twoLevelScanner(root))
	folder := coord.addFolder("folder-1", root, local)

	folder.mu.Lock()
	folder.PendingFiles = []PendingFile{
		{Filename: "a.bin", RemotePath: root + "/a.bin", RelativePath: "a.bin", Size: 10},
		{Filename: "b.bin", RemotePath: root + "/b.bin", RelativePath: "b.bin", Size: 10},
		{Filename: "c.bin", RemotePath: root + "/c.bin", RelativePath: "c.bin", Size: 10},
	}
	folder.ScanCompleted = true
	folder.mu.Unlock()

	coord.refill(folder.ID, 1)

	live := tasks.TasksInGroup(folder.ID)
	if len(live) != 1 {
		t.Fatalf("expected refill to stop at target 1, got %d subtasks", len(live))
	}
	if got := len(folder.Snapshot().PendingFiles); got != 2 {
		t.Errorf("expected 2 files left pending, got %d", got)
	}
}

func TestSubtaskCompletionRefillsThenCompletesFolder(t *testing.T) {
	root := "/remote/folder"
	local := t.TempDir()
	coord, tasks, _ := newTestCoordinator(t, 5, twoLevelScanner(root))
	folder := coord.addFolder("folder-1", root, local)

	folder.mu.Lock()
	folder.PendingFiles = []PendingFile{
		{Filename: "a.bin", RemotePath: root + "/a.bin", RelativePath: "a.bin", Size: 10},
	}
	folder.ScanCompleted = true
	folder.mu.Unlock()

	coord.refill(folder.ID, 1)
	live := tasks.TasksInGroup(folder.ID)
	if len(live) != 1 {
		t.Fatalf("expected 1 subtask created, got %d", len(live))
	}

	tasks.MarkCompleted(live[0].ID)

	got, _ := coord.Get(folder.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected folder to complete once its only subtask finishes, got %v", got.Status)
	}
	if got.CompletedCount != 1 {
		t.Errorf("expected completed_count 1, got %d", got.CompletedCount)
	}
	if got.FixedSlotID != nil || len(got.BorrowedSlotIDs) != 0 {
		t.Error("expected all slots released once the folder completes")
	}
}

func TestPauseReleasesSlotsAndCancelsSubtasks(t *testing.T) {
	root := "/remote/folder"
	local := t.TempDir()
	coord, tasks, _ := newTestCoordinator(t, 5, twoLevelScanner(root))
	pool := coord.pool
	folder := coord.addFolder("folder-1", root, local)

	folder.mu.Lock()
	folder.PendingFiles = []PendingFile{
		{Filename: "a.bin", RemotePath: root + "/a.bin", RelativePath: "a.bin", Size: 10},
	}
	folder.ScanCompleted = true
	folder.mu.Unlock()
	coord.refill(folder.ID, 1)

	usedBefore := pool.UsedSlots()
	if usedBefore == 0 {
		t.Fatal("expected the folder to hold at least one slot before pausing")
	}

	if err := coord.Pause(folder.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	got, _ := coord.Get(folder.ID)
	if got.Status != StatusPaused {
		t.Errorf("expected folder paused, got %v", got.Status)
	}
	if pool.UsedSlots() != 0 {
		t.Errorf("expected all slots released after pause, got %d in use", pool.UsedSlots())
	}

	for _, task := range tasks.TasksInGroup(folder.ID) {
		if task.Status != taskmanager.StatusPaused {
			t.Errorf("expected subtask %s paused, got %v", task.ID, task.Status)
		}
	}
}

func TestResumeReclaimsSlotsAndRestartsSubtasks(t *testing.T) {
	root := "/remote/folder"
	local := t.TempDir()
	coord, tasks, engine := newTestCoordinator(t, 5, twoLevelScanner(root))
	folder := coord.addFolder("folder-1", root, local)

	folder.mu.Lock()
	folder.PendingFiles = []PendingFile{
		{Filename: "a.bin", RemotePath: root + "/a.bin", RelativePath: "a.bin", Size: 10},
	}
	folder.ScanCompleted = true
	folder.mu.Unlock()
	coord.refill(folder.ID, 1)

	if err := coord.Pause(folder.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	startedBeforeResume := len(engine.started)

	if err := coord.Resume(folder.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	got, _ := coord.Get(folder.ID)
	if got.Status != StatusTransferring {
		t.Errorf("expected folder transferring again after resume, got %v", got.Status)
	}
	if got.FixedSlotID == nil {
		t.Error("expected resume to reclaim a fixed slot")
	}
	if len(engine.started) <= startedBeforeResume {
		t.Error("expected resume to hand the paused subtask back to the engine")
	}
}

func TestCancelClearsPendingFilesAndDeletesSubtasks(t *testing.T) {
	root := "/remote/folder"
	local := t.TempDir()
	coord, tasks, _ := newTestCoordinator(t, 5, twoLevelScanner(root))
	folder := coord.addFolder("folder-1", root, local)

	folder.mu.Lock()
	folder.PendingFiles = []PendingFile{
		{Filename: "a.bin", RemotePath: root + "/a.bin", RelativePath: "a.bin", Size: 10},
		{Filename: "b.bin", RemotePath: root + "/b.bin", RelativePath: "b.bin", Size: 10},
	}
	folder.ScanCompleted = true
	folder.mu.Unlock()
	coord.refill(folder.ID, 1)

	if err := coord.Cancel(folder.ID, false); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, _ := coord.Get(folder.ID)
	if got.Status != StatusCancelled {
		t.Errorf("expected folder cancelled, got %v", got.Status)
	}
	if len(got.PendingFiles) != 0 {
		t.Errorf("expected pending files cleared, got %d", len(got.PendingFiles))
	}
	if len(tasks.TasksInGroup(folder.ID)) != 0 {
		t.Error("expected every subtask deleted on cancel")
	}
}

func TestReclaimBorrowedSlotFreesRoomForNewFolder(t *testing.T) {
	rootA := "/remote/a"
	rootB := "/remote/b"
	localA := t.TempDir()
	localB := t.TempDir()
	coord, tasks, _ := newTestCoordinator(t, 2, &fakeScanner{children: map[string][]DirEntry{}})

	folderA := coord.addFolder("folder-a", rootA, localA)
	if folderA.FixedSlotID == nil {
		t.Fatal("expected folder A to claim the fixed slot")
	}
	if len(folderA.BorrowedSlotIDs) != 1 {
		t.Fatalf("expected folder A to borrow the one remaining slot, got %d", len(folderA.BorrowedSlotIDs))
	}

	folderA.mu.Lock()
	folderA.PendingFiles = []PendingFile{
		{Filename: "x.bin", RemotePath: rootA + "/x.bin", RelativePath: "x.bin", Size: 10},
	}
	folderA.ScanCompleted = true
	folderA.mu.Unlock()
	coord.refill(folderA.ID, 1)

	if len(folderA.BorrowedSubtaskMap) != 1 {
		t.Fatalf("expected folder A's borrowed slot to be occupied by a subtask, got %d", len(folderA.BorrowedSubtaskMap))
	}

	folderB := newFolder(rootB, localB, "folder-b")
	folderB.ID = "folder-b"
	coord.mu.Lock()
	coord.folders[folderB.ID] = folderB
	coord.mu.Unlock()

	coord.claimFixedSlot(folderB)

	if folderB.FixedSlotID == nil {
		t.Fatal("expected folder B to obtain a fixed slot by reclaiming folder A's borrowed slot")
	}

	remaining := tasks.TasksInGroup(folderA.ID)
	pausedCount := 0
	for _, task := range remaining {
		if task.Status == taskmanager.StatusPaused {
			pausedCount++
		}
	}
	if pausedCount != 0 {
		t.Errorf("expected the reclaimed subtask to be deleted, not left paused, got %d paused", pausedCount)
	}
	if len(folderA.Snapshot().PendingFiles) != 1 {
		t.Error("expected the reclaimed subtask's file to be re-queued on folder A's pending list")
	}
}

func TestRestoreFoldersReloadsPendingFilesAsPaused(t *testing.T) {
	root := "/remote/folder"
	local := t.TempDir()
	walDir := t.TempDir()

	sched := scheduler.New(50, 20, nil)
	tasks := taskmanager.New(sched, &fakeTaskEngine{}, walDir, nil, nil, 0)
	pool := taskslot.NewPool(5)
	coord := New(pool, tasks, twoLevelScanner(root), walDir, chunk.TierNormal, nil, nil, 0)

	folder := coord.addFolder("folder-1", root, local)
	folder.mu.Lock()
	folder.PendingFiles = []PendingFile{
		{Filename: "a.bin", RemotePath: root + "/a.bin", RelativePath: "a.bin", Size: 10},
	}
	folder.ScanCompleted = true
	folder.TotalFiles = 1
	folder.mu.Unlock()
	if err := coord.persist(folder); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	restored := New(pool, tasks, twoLevelScanner(root), walDir, chunk.TierNormal, nil, nil, 0)
	if err := restored.RestoreFolders(); err != nil {
		t.Fatalf("RestoreFolders failed: %v", err)
	}

	got, ok := restored.Get(folder.ID)
	if !ok {
		t.Fatal("expected restored folder to be present")
	}
	if got.Status != StatusPaused {
		t.Errorf("expected restored folder paused, got %v", got.Status)
	}
	if len(got.PendingFiles) != 1 {
		t.Fatalf("expected 1 pending file to survive restore, got %d", len(got.PendingFiles))
	}
	if got.PendingFiles[0].RelativePath != "a.bin" {
		t.Errorf("expected pending file a.bin to round-trip, got %q", got.PendingFiles[0].RelativePath)
	}
}

func TestFolderNameDerivesFromRemotePath(t *testing.T) {
	cases := map[string]string{
		"/remote/photos":  "photos",
		"/remote/photos/": "photos",
		"/":                "download",
	}
	coord, _, _ := newTestCoordinator(t, 5, &fakeScanner{children: map[string][]DirEntry{}})
	for input, want := range cases {
		if got := coord.folderName(input); got != want {
			t.Errorf("folderName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestLocalPathJoinsRelativePath(t *testing.T) {
	root := "/remote/folder"
	local := t.TempDir()
	coord, tasks, _ := newTestCoordinator(t, 5, twoLevelScanner(root))
	folder := coord.addFolder("folder-1", root, local)

	if err := coord.ScanAndPopulate(context.Background(), folder.ID); err != nil {
		t.Fatalf("ScanAndPopulate failed: %v", err)
	}

	live := tasks.TasksInGroup(folder.ID)
	want := filepath.Join(local, "sub", "b.bin")
	found := false
	for _, task := range live {
		if task.LocalPath == want || task.LocalPath == filepath.Join(local, "a.bin") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected one subtask local path to match %q, got %+v", want, live)
	}
}
