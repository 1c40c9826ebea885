package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/baiducore/netcore/internal/chunk"
	"github.com/baiducore/netcore/internal/config"
	"github.com/baiducore/netcore/internal/endpointhealth"
	"github.com/baiducore/netcore/internal/events"
	"github.com/baiducore/netcore/internal/foldercoordinator"
	"github.com/baiducore/netcore/internal/logging"
	"github.com/baiducore/netcore/internal/recovery"
	"github.com/baiducore/netcore/internal/resources"
	"github.com/baiducore/netcore/internal/scheduler"
	"github.com/baiducore/netcore/internal/taskmanager"
	"github.com/baiducore/netcore/internal/taskslot"
	"github.com/baiducore/netcore/internal/transferengine"
	"github.com/baiducore/netcore/internal/vendorapi/httpvendor"
	"github.com/baiducore/netcore/internal/vendorhttp"
	"github.com/baiducore/netcore/internal/wal"
)

// app bundles every long-lived component one process needs: the scheduler
// and task manager driving transfers, the transfer engine implementing
// them against the real vendor API, and the folder coordinator layered on
// top for recursive transfers. Built once per process by newApp.
type app struct {
	log       *logging.Logger
	cfg       *config.Config
	sched     *scheduler.Scheduler
	tasks     *taskmanager.Manager
	engine    *transferengine.Engine
	folders   *foldercoordinator.Coordinator
	vendor    *httpvendor.Client
	resolver  *httpvendor.Resolver
	eventBus  *events.EventBus
	resources *resources.Manager
}

// dirScanner adapts httpvendor's paginated ListDir into foldercoordinator's
// single-call-per-directory Scanner, looping cursors until the vendor
// reports no more pages.
type dirScanner struct {
	client *httpvendor.Client
}

func (s dirScanner) ListDir(ctx context.Context, path string) ([]foldercoordinator.DirEntry, error) {
	var out []foldercoordinator.DirEntry
	cursor := ""
	for {
		entries, next, hasMore, err := s.client.ListDir(ctx, path, cursor)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, foldercoordinator.DirEntry{
				FsID:  uint64(e.FsID),
				Name:  e.ServerFilename,
				Path:  e.Path,
				IsDir: e.IsDir,
				Size:  e.Size,
			})
		}
		if !hasMore {
			return out, nil
		}
		cursor = next
	}
}

// uploadURLFor returns the fixed PCS chunk-upload endpoint; unlike downloads the
// vendor does not hand out multiple upload mirrors.
func uploadURLFor(base string) string {
	return base + "/file"
}

// newApp wires every component together and replays any on-disk WAL state
// left by a previous run, restoring recoverable tasks as Paused (not
// resumed automatically — callers decide whether to resume).
func newApp(log *logging.Logger) (*app, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("cli: --access-token (or NETCORE_ACCESS_TOKEN) is required")
	}
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, fmt.Errorf("cli: creating state dir %q: %w", walDir, err)
	}

	cfg, err := config.Load(filepath.Join(walDir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("cli: loading config: %w", err)
	}

	threads := maxThreads
	resMgr := resources.NewManager(resources.Config{MaxThreads: maxThreads, AutoScale: !noAutoScale})
	if threads == 0 {
		threads = resMgr.GetTotalThreads()
	}
	if threads == 0 {
		threads = cfg.SnapshotGlobalMaxThreads()
	}
	if threads == 0 {
		threads = runtime.NumCPU() * 4
	}
	maxTasks := maxConcurrentTask
	if maxTasks == 0 {
		maxTasks = cfg.SnapshotMaxConcurrentTasks()
	}
	cfg.SetGlobalMaxThreads(threads)
	cfg.SetMaxConcurrentTasks(maxTasks)

	eventBus := events.NewEventBus(256)
	sched := scheduler.New(threads, maxTasks, log.Named("scheduler"))

	vendorCfg := httpvendor.DefaultConfig()
	vendorCfg.PCSBaseURL = pcsBaseURL
	vendorCfg.AccessToken = accessToken
	vendorCfg.Proxy = vendorhttp.ProxyConfig{Mode: vendorhttp.ParseProxyMode(os.Getenv("NETCORE_PROXY_MODE"))}
	vendor := httpvendor.New(vendorCfg, log.Named("vendor"))
	resolver := httpvendor.NewResolver(vendor, uploadURLFor(pcsBaseURL))

	tasks := taskmanager.New(sched, nil, walDir, eventBus, log.Named("taskmanager"), cfg.ProgressThrottle())

	pool := taskslot.NewPool(maxTasks)
	folders := foldercoordinator.New(pool, tasks, dirScanner{client: vendor}, walDir, chunk.TierNormal, eventBus, log.Named("foldercoordinator"), cfg.ProgressThrottle())

	cooldownMin, cooldownMax := cfg.EndpointCooldownBounds()
	endpointCfg := endpointhealth.DefaultConfig()
	endpointCfg.MinLiveEndpoints = cfg.MinAvailableEndpoints
	endpointCfg.CooldownMin = cooldownMin
	endpointCfg.CooldownMax = cooldownMax

	engineCfg := transferengine.DefaultConfig()
	engineCfg.MaxChunkRetries = cfg.MaxRetries
	engineCfg.FlushInterval = cfg.WALFlushInterval()
	engineCfg.EndpointConfig = endpointCfg

	engine := transferengine.New(transferengine.Deps{
		Scheduler: sched,
		Tasks:     tasks,
		Folders:   folders,
		Prober:    vendor,
		Ranges:    vendor,
		Precreate: vendor,
		Upload:    vendor,
		Commit:    vendor,
		Resolver:  resolver,
		Cookie:    func() string { return "BDUSS=" + bdussCookie },
		WALDir:    walDir,
		EventBus:  eventBus,
		Log:       log.Named("transferengine"),
		Config:    engineCfg,
	})
	tasks.SetEngine(engine)

	if hist, err := wal.OpenHistory(filepath.Join(walDir, "history.db")); err != nil {
		log.Warn().Err(err).Msg("opening history store for retention prune")
	} else {
		pruned, err := hist.PruneOlderThan(cfg.HistoryRetention())
		if err != nil {
			log.Warn().Err(err).Msg("history retention prune failed")
		} else if pruned > 0 {
			log.Info().Int("pruned", pruned).Msg("pruned expired history entries")
		}
		hist.Close()
	}

	a := &app{
		log:       log,
		cfg:       cfg,
		sched:     sched,
		tasks:     tasks,
		engine:    engine,
		folders:   folders,
		vendor:    vendor,
		resolver:  resolver,
		eventBus:  eventBus,
		resources: resMgr,
	}
	return a, nil
}

// run starts the scheduler loop and the waiting-queue monitor, both
// long-lived goroutines that must run for the lifetime of the process.
func (a *app) run(ctx context.Context) {
	go a.sched.Run(ctx)
	go a.sched.RunWaitingQueueMonitor(ctx, a.tasks.TryStartNext)
}

// restoreFromDisk scans walDir for recoverable tasks left by a previous
// run, rehydrates each into the task manager via Manager.Restore, and
// seeds the transfer engine's preload so it does not re-transfer chunks
// the WAL already marked complete. Restored tasks land Paused; the caller
// decides whether to call Resume on each id.
func (a *app) restoreFromDisk() ([]string, error) {
	result, err := recovery.Scan(walDir, a.log.Named("recovery"))
	if err != nil {
		return nil, fmt.Errorf("cli: scanning state dir: %w", err)
	}

	var restored []string
	for _, rt := range append(append([]*recovery.RecoveredTask{}, result.DownloadTasks...), result.UploadTasks...) {
		if rt.IsAllCompleted() {
			continue
		}
		task := a.tasks.Restore(rt.Metadata, nil)
		a.engine.PreloadChunkManager(task.ID, rt.ChunkManager())
		if rt.ChunkMD5s != nil {
			a.engine.PreloadBlockMD5s(task.ID, rt.ChunkMD5s)
		}
		restored = append(restored, task.ID)
	}

	if err := a.folders.RestoreFolders(); err != nil {
		return restored, fmt.Errorf("cli: restoring folders: %w", err)
	}
	return restored, nil
}
