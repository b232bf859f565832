// Package orchestrator owns process state and wires every subsystem: store,
// queue, channels, pipeline, runner, IPC, worktrees and scheduler.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pynchy/pynchy/internal/channel"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/internal/pipeline"
	"github.com/pynchy/pynchy/internal/queue"
	"github.com/pynchy/pynchy/internal/runner"
	"github.com/pynchy/pynchy/internal/scheduler"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/internal/worktree"
)

const shutdownGrace = 10 * time.Second

// Orchestrator is the host process core.
type Orchestrator struct {
	cfg      *config.Config
	cfgPath  string
	store    *store.Store
	queue    *queue.Queue
	bcast    *channel.Broadcaster
	renderer *channel.Renderer
	ipcBus   *ipc.Bus
	watcher  *ipc.Watcher
	disp     *ipc.Dispatcher
	runner   *runner.Runner
	trees    *worktree.Manager
	sched    *scheduler.Scheduler
	hostJobs *scheduler.HostJobRunner
	pipe     *pipeline.Pipeline

	dispatchCh chan string

	mu      sync.Mutex
	notices map[string][]string // folder -> pending system notices
}

// New wires the orchestrator from its leaf dependencies. channels are the
// already-constructed adapters; api is the container engine. cfgPath is the
// loaded config document, bind-mounted read-write into admin containers.
func New(cfg *config.Config, cfgPath string, st *store.Store, channels []channel.Channel, api runner.ContainerAPI) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		cfgPath:    cfgPath,
		store:      st,
		renderer:   channel.NewRenderer(),
		ipcBus:     ipc.NewBus(filepath.Join(cfg.Paths.DataDir, "ipc")),
		trees:      worktree.NewManager(cfg.Paths.WorktreesDir, cfg.Repos),
		dispatchCh: make(chan string, 64),
		notices:    make(map[string][]string),
	}

	o.queue = queue.New(o.forwardInput, o.closeInput)
	o.bcast = channel.NewBroadcaster(channels, st,
		channel.NewSendLimiter(cfg.Channels.Discord.RateLimitPS), cfg.Agent.Name)
	o.runner = runner.New(api, cfg.Container, filepath.Join(cfg.Paths.DataDir, "logs"))
	o.runner.OnStart = func(folder string, h *runner.Handle) {
		if ws, err := st.GetWorkspaceByFolder(folder); err == nil && ws != nil {
			o.queue.RegisterProcess(ws.JID, h.Stop)
		}
	}

	o.disp = ipc.NewDispatcher(st, o.ipcBus, o, scheduler.FirstRun)
	o.watcher = ipc.NewWatcher(o.ipcBus, cfg.Intervals.IPCPoll.Duration, o.notifyIPC)
	o.sched = scheduler.New(st, o.queue, cfg.Scheduler.PollInterval.Duration, o.RunScheduledTask, func(ctx context.Context, jid, text string) {
		if err := o.bcast.BroadcastHostMessage(ctx, jid, text); err != nil {
			slog.Error("orchestrator: task notice failed", "jid", jid, "error", err)
		}
	})
	o.hostJobs = scheduler.NewHostJobRunner(st, cfg.Scheduler.PollInterval.Duration)
	o.pipe = pipeline.New(st, cfg, o.queue, o.bcast, o.ipcBus, o.runAgent, o.TriggerDeploy, o.publishWorktree)
	o.queue.SetProcessMessagesFn(o.pipe.ProcessMessages)

	return o
}

// Run executes the startup sequence, runs every loop, and shuts down when
// ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.startup(ctx); err != nil {
		o.rollbackFailedDeploy(err)
		return err
	}

	g, loopCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.pipe.Run(loopCtx) })
	g.Go(func() error { return o.pipe.RunReconciliation(loopCtx) })
	g.Go(func() error { return o.sched.Run(loopCtx) })
	g.Go(func() error { return o.hostJobs.Run(loopCtx) })
	g.Go(func() error { return o.watcher.Run(loopCtx) })
	g.Go(func() error { return o.gitSyncLoop(loopCtx) })
	g.Go(func() error { return o.dispatchLoop(loopCtx) })

	err := g.Wait()
	o.shutdown()
	if err == context.Canceled {
		return nil
	}
	return err
}

// startup is the boot sequence: state load, channel attach, first-run
// bootstrap, reconciliation, recovery.
func (o *Orchestrator) startup(ctx context.Context) error {
	for _, dir := range []string{o.cfg.Paths.DataDir, o.cfg.Paths.GroupsDir, o.cfg.Paths.WorktreesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	for _, ch := range o.bcast.Channels() {
		if err := ch.Connect(ctx); err != nil {
			slog.Warn("orchestrator: channel connect failed", "channel", ch.Name(), "error", err)
		}
	}

	if err := o.bootstrapAdmin(ctx); err != nil {
		return err
	}
	if err := o.reconcileConfig(ctx); err != nil {
		return err
	}
	o.reconcileWorktrees(ctx)

	workspaces, err := o.store.ListWorkspaces()
	if err != nil {
		return err
	}
	for _, ws := range workspaces {
		if err := o.watcher.Add(ws.Folder); err != nil {
			slog.Warn("orchestrator: ipc watch failed", "folder", ws.Folder, "error", err)
		}
		o.RefreshSnapshots(ws.Folder)
	}

	o.bootNotify(ctx)
	o.recoverPending(workspaces)
	o.checkDeployContinuation(ctx)
	return nil
}

// bootstrapAdmin creates the admin workspace on first run.
func (o *Orchestrator) bootstrapAdmin(ctx context.Context) error {
	workspaces, err := o.store.ListWorkspaces()
	if err != nil {
		return err
	}
	if len(workspaces) > 0 {
		return nil
	}

	jid := "tui:admin"
	for _, ch := range o.bcast.Channels() {
		gc, ok := ch.(channel.GroupChannel)
		if !ok || !ch.IsConnected() {
			continue
		}
		created, err := gc.CreateGroup(ctx, "pynchy-admin")
		if err != nil {
			slog.Warn("orchestrator: admin group creation failed", "channel", ch.Name(), "error", err)
			continue
		}
		jid = created
		break
	}

	folder, ok := o.cfg.AdminFolder()
	if !ok {
		folder = "admin"
	}
	slog.Info("orchestrator: first run, creating admin workspace", "jid", jid, "folder", folder)
	return o.store.UpsertWorkspace(store.Workspace{
		JID:     jid,
		Name:    "Admin",
		Folder:  folder,
		IsAdmin: true,
	})
}

// reconcileConfig mirrors declared workspaces, seed tasks and host jobs into
// the store.
func (o *Orchestrator) reconcileConfig(ctx context.Context) error {
	for folder, wsCfg := range o.cfg.Workspace {
		jid := wsCfg.JID
		if jid == "" {
			if existing, err := o.store.GetWorkspaceByFolder(folder); err == nil && existing != nil {
				jid = existing.JID
			} else {
				jid = o.createGroupFor(ctx, folder, wsCfg.Name)
			}
		}
		if jid == "" {
			slog.Warn("orchestrator: workspace has no chat yet", "folder", folder)
			continue
		}
		trigger := wsCfg.Trigger
		if trigger == config.TriggerMention || trigger == "" {
			trigger = o.cfg.Agent.Trigger
		} else {
			trigger = ""
		}
		if err := o.store.UpsertWorkspace(store.Workspace{
			JID:            jid,
			Name:           wsCfg.Name,
			Folder:         folder,
			TriggerPattern: trigger,
			IsAdmin:        wsCfg.IsAdmin,
		}); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(o.cfg.Paths.GroupsDir, folder), 0o755); err != nil {
			return err
		}
		o.seedTasks(folder, jid, wsCfg.SeedTasks)
	}

	for name, job := range o.cfg.CronJobs {
		if err := o.store.UpsertHostJob(store.HostJob{
			Name:        name,
			Schedule:    job.Schedule,
			Command:     job.Command,
			WorkDir:     job.WorkDir,
			TimeoutSecs: job.TimeoutSecs,
			Enabled:     job.Enabled,
		}); err != nil {
			slog.Error("orchestrator: host job upsert failed", "job", name, "error", err)
		}
	}
	return nil
}

// createGroupFor makes a chat group for a declared workspace that has none.
func (o *Orchestrator) createGroupFor(ctx context.Context, folder, name string) string {
	if name == "" {
		name = folder
	}
	for _, ch := range o.bcast.Channels() {
		gc, ok := ch.(channel.GroupChannel)
		if !ok || !ch.IsConnected() {
			continue
		}
		jid, err := gc.CreateGroup(ctx, name)
		if err != nil {
			slog.Warn("orchestrator: group creation failed", "channel", ch.Name(), "folder", folder, "error", err)
			continue
		}
		return jid
	}
	return ""
}

// seedTasks creates configured tasks that do not exist yet. Seed IDs are
// deterministic so repeated boots cannot duplicate them.
func (o *Orchestrator) seedTasks(folder, jid string, seeds []config.SeedTaskConfig) {
	for i, seed := range seeds {
		id := fmt.Sprintf("seed:%s:%d", folder, i)
		if existing, err := o.store.GetTask(id); err != nil || existing != nil {
			continue
		}
		next, err := scheduler.FirstRun(seed.ScheduleType, seed.ScheduleValue, time.Now())
		if err != nil {
			slog.Error("orchestrator: bad seed task schedule", "folder", folder, "error", err)
			continue
		}
		if err := o.store.CreateTask(store.ScheduledTask{
			ID:            id,
			GroupFolder:   folder,
			ChatJID:       jid,
			Prompt:        seed.Prompt,
			ScheduleType:  seed.ScheduleType,
			ScheduleValue: seed.ScheduleValue,
			ContextMode:   seed.ContextMode,
			NextRun:       next,
			RepoAccess:    seed.RepoAccess,
		}); err != nil {
			slog.Error("orchestrator: seed task failed", "folder", folder, "error", err)
		}
	}
}

// reconcileWorktrees ensures every repo-access workspace has a healthy
// worktree and stages advisory notices for the next session.
func (o *Orchestrator) reconcileWorktrees(ctx context.Context) {
	folders := make(map[string]string)
	for folder := range o.cfg.Workspace {
		res := o.cfg.Resolve(folder)
		if res.RepoAccess != "" && res.CanLaunch() {
			folders[folder] = res.RepoAccess
		}
	}
	for folder, notices := range o.trees.Reconcile(ctx, folders) {
		o.addNotices(folder, notices...)
	}
}

func (o *Orchestrator) bootNotify(ctx context.Context) {
	folder, ok := o.cfg.AdminFolder()
	if !ok {
		return
	}
	ws, err := o.store.GetWorkspaceByFolder(folder)
	if err != nil || ws == nil {
		return
	}
	if err := o.bcast.BroadcastHostMessage(ctx, ws.JID, "Pynchy host started."); err != nil {
		slog.Debug("orchestrator: boot notice failed", "error", err)
	}
}

// recoverPending re-queues workspaces whose newest user message postdates
// their agent cursor, so messages that arrived while the host was down are
// processed immediately.
func (o *Orchestrator) recoverPending(workspaces []store.Workspace) {
	for _, ws := range workspaces {
		cursor, err := o.store.GetAgentCursor(ws.JID)
		if err != nil {
			continue
		}
		last, err := o.store.LastUserMessage(ws.JID)
		if err != nil || last == nil {
			continue
		}
		if last.Timestamp.After(cursor) {
			slog.Info("orchestrator: recovering pending messages", "folder", ws.Folder)
			o.queue.EnqueueMessageCheck(ws.JID)
		}
	}
}

// gitSyncLoop periodically fast-forwards external repos so upstream changes
// surface in worktrees.
func (o *Orchestrator) gitSyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Intervals.GitSync.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.trees.SyncAll(ctx)
		}
	}
}

// notifyIPC is the watcher callback; dispatch is serialized through one
// consumer so per-folder request order holds.
func (o *Orchestrator) notifyIPC(folder string) {
	select {
	case o.dispatchCh <- folder:
	default:
	}
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case folder := <-o.dispatchCh:
			ws, err := o.store.GetWorkspaceByFolder(folder)
			if err != nil || ws == nil {
				continue
			}
			res := o.cfg.Resolve(folder)
			o.disp.DispatchFolder(ctx, ipc.Origin{
				Folder:  folder,
				ChatJID: ws.JID,
				IsAdmin: res.IsAdmin,
			})
		}
	}
}

// forwardInput delivers text into a running container via the IPC input
// directory.
func (o *Orchestrator) forwardInput(jid, text string) bool {
	ws, err := o.store.GetWorkspace(jid)
	if err != nil || ws == nil {
		return false
	}
	if err := o.ipcBus.WriteInput(ws.Folder, ipc.InputMessage{Type: "message", Text: text}); err != nil {
		slog.Error("orchestrator: input forward failed", "folder", ws.Folder, "error", err)
		return false
	}
	return true
}

// closeInput drops the close sentinel for a workspace's running container.
func (o *Orchestrator) closeInput(jid string) {
	ws, err := o.store.GetWorkspace(jid)
	if err != nil || ws == nil {
		return
	}
	if err := o.ipcBus.WriteCloseSentinel(ws.Folder); err != nil {
		slog.Error("orchestrator: close sentinel failed", "folder", ws.Folder, "error", err)
	}
}

// addNotices stages system notices for a workspace's next agent session.
func (o *Orchestrator) addNotices(folder string, notices ...string) {
	if len(notices) == 0 {
		return
	}
	o.mu.Lock()
	o.notices[folder] = append(o.notices[folder], notices...)
	o.mu.Unlock()
}

// takeNotices drains staged notices for a folder.
func (o *Orchestrator) takeNotices(folder string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	notices := o.notices[folder]
	delete(o.notices, folder)
	return notices
}

// shutdown drains the queue and disconnects channels, bounded by the grace
// period. The caller's watchdog handles a hang beyond it.
func (o *Orchestrator) shutdown() {
	slog.Info("orchestrator: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if folder, ok := o.cfg.AdminFolder(); ok {
		if ws, err := o.store.GetWorkspaceByFolder(folder); err == nil && ws != nil {
			_ = o.bcast.BroadcastHostMessage(ctx, ws.JID, "Pynchy host shutting down.")
		}
	}
	if err := o.queue.Shutdown(ctx); err != nil {
		slog.Warn("orchestrator: queue drain incomplete", "error", err)
	}
	for _, ch := range o.bcast.Channels() {
		if err := ch.Disconnect(ctx); err != nil {
			slog.Debug("orchestrator: disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
}
