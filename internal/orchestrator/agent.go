package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/channel"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/runner"
	"github.com/pynchy/pynchy/internal/store"
)

// launchOpts tunes one container launch beyond what the workspace resolves.
type launchOpts struct {
	isolated   bool  // ignore the stored session
	repoAccess *bool // override the workspace's repo mount
}

// runAgent is the pipeline's launch hook for user-triggered turns.
func (o *Orchestrator) runAgent(ctx context.Context, ws store.Workspace, msgs []bus.Message, source bus.InputSource) (bool, bus.RunResult) {
	return o.launch(ctx, ws, msgs, source, launchOpts{})
}

// RunScheduledTask executes one scheduled task prompt inside the workspace's
// queue slot and maps the outcome to a run log.
func (o *Orchestrator) RunScheduledTask(ctx context.Context, task store.ScheduledTask) store.TaskRunLog {
	ws, err := o.store.GetWorkspace(task.ChatJID)
	if err != nil || ws == nil {
		return store.TaskRunLog{Status: "error", Error: "workspace not found for chat " + task.ChatJID}
	}

	msgs := []bus.Message{{
		ID:        uuid.NewString(),
		ChatJID:   task.ChatJID,
		Sender:    "scheduler",
		Content:   task.Prompt,
		Timestamp: time.Now(),
		Type:      bus.TypeSystem,
	}}

	repo := task.RepoAccess
	sent, result := o.launch(ctx, *ws, msgs, bus.SourceScheduledTask, launchOpts{
		isolated:   task.ContextMode == "isolated",
		repoAccess: &repo,
	})
	_ = sent

	log := store.TaskRunLog{
		Status: result.Status,
		Result: result.Result,
		Error:  result.Error,
	}
	if log.Status == "" {
		log.Status = "error"
	}
	return log
}

// launch runs one agent container turn: it prepares the workspace
// directories and snapshots, assembles the input document and mounts, streams
// rendered output to the chat, and persists the resulting session.
func (o *Orchestrator) launch(ctx context.Context, ws store.Workspace, msgs []bus.Message, source bus.InputSource, opts launchOpts) (bool, bus.RunResult) {
	res := o.cfg.Resolve(ws.Folder)
	if err := o.cfg.ValidateMounts(ws.Folder, res.Mounts); err != nil {
		return false, bus.RunResult{Status: "error", Error: err.Error()}
	}

	groupDir := filepath.Join(o.cfg.Paths.GroupsDir, ws.Folder)
	claudeDir := filepath.Join(o.cfg.Paths.DataDir, "claude", ws.Folder)
	for _, dir := range []string{groupDir, claudeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, bus.RunResult{Status: "error", Error: "workspace dir: " + err.Error()}
		}
	}
	if err := o.prepareClaudeDir(claudeDir, res.Skills); err != nil {
		slog.Warn("orchestrator: claude dir prep failed", "folder", ws.Folder, "error", err)
	}
	ipcDir, err := o.ipcBus.WorkspaceDir(ws.Folder)
	if err != nil {
		return false, bus.RunResult{Status: "error", Error: "ipc dir: " + err.Error()}
	}
	if err := o.ipcBus.ClearInput(ws.Folder); err != nil {
		slog.Warn("orchestrator: stale input clear failed", "folder", ws.Folder, "error", err)
	}
	o.RefreshSnapshots(ws.Folder)

	notices := o.takeNotices(ws.Folder)
	if prompt, err := o.ipcBus.ConsumeResetPrompt(ws.Folder); err != nil {
		slog.Warn("orchestrator: reset prompt read failed", "folder", ws.Folder, "error", err)
	} else if prompt != "" {
		notices = append(notices, "Context was reset. Handoff from the previous session: "+prompt)
	}
	if o.ipcBus.ConsumeNeedsDirtyCheck(ws.Folder) {
		notices = append(notices,
			"The main branch moved since your last session. Check your worktree for uncommitted changes and rebase if needed.")
	}

	repoAccess := res.RepoAccess
	if opts.repoAccess != nil && !*opts.repoAccess {
		repoAccess = ""
	}
	worktreeDir, gitDir := "", ""
	if repoAccess != "" {
		path, wtNotices, err := o.trees.Ensure(ctx, ws.Folder, repoAccess)
		if err != nil {
			slog.Error("orchestrator: worktree unavailable", "folder", ws.Folder, "error", err)
			notices = append(notices, "Project worktree unavailable: "+err.Error())
			repoAccess = ""
		} else {
			worktreeDir = path
			notices = append(notices, wtNotices...)
			if gd, err := o.trees.GitDir(repoAccess); err == nil {
				gitDir = gd
			}
		}
	}

	session := ""
	if !opts.isolated {
		if session, err = o.store.GetSession(ws.Folder); err != nil {
			slog.Warn("orchestrator: session read failed", "folder", ws.Folder, "error", err)
		}
	}

	input := bus.ContainerInput{
		Messages:         containerMessages(msgs),
		GroupFolder:      ws.Folder,
		ChatJID:          ws.JID,
		IsAdmin:          res.IsAdmin,
		SessionID:        session,
		IsScheduledTask:  source == bus.SourceScheduledTask,
		SystemNotices:    notices,
		RepoAccess:       repoAccess,
		AgentCoreModule:  o.cfg.Agent.CoreModule,
		AgentCoreClass:   o.cfg.Agent.CoreClass,
		PluginMCPServers: res.MCPServers,
	}

	plan := runner.MountPlan{
		GroupDir:    groupDir,
		GlobalDir:   filepath.Join(o.cfg.Paths.GroupsDir, "global"),
		IsAdmin:     res.IsAdmin,
		WorktreeDir: worktreeDir,
		GitDir:      gitDir,
		ClaudeDir:   claudeDir,
		IPCDir:      ipcDir,
		ScriptsDir:  o.cfg.Paths.ScriptsDir,
		EnvDir:      o.cfg.Paths.EnvDir,
		AgentSrc:    o.cfg.Paths.AgentSrcDir,
	}
	if res.IsAdmin {
		plan.AdminConfigPath = o.cfgPath
	}
	for _, src := range res.MCPServers {
		plan.PluginMCPSources = append(plan.PluginMCPSources, config.ExpandHome(src))
	}
	for _, m := range res.Mounts {
		plan.Extra = append(plan.Extra, runner.Mount{
			Source:   config.ExpandHome(m.Source),
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var (
		sent           bool
		capturedSession string
	)
	idleTimeout := o.cfg.Container.IdleTimeout.Duration
	idle := time.AfterFunc(idleTimeout, func() {
		if err := o.ipcBus.WriteCloseSentinel(ws.Folder); err != nil {
			slog.Warn("orchestrator: idle close failed", "folder", ws.Folder, "error", err)
		}
	})
	defer idle.Stop()

	onOutput := func(ev bus.AgentEvent) bool {
		idle.Reset(idleTimeout)
		if ev.Type == bus.EventSystem && ev.SystemSubtype == "init" && len(ev.SystemData) > 0 {
			var d struct {
				SessionID string `json:"session_id"`
			}
			if json.Unmarshal(ev.SystemData, &d) == nil && d.SessionID != "" {
				capturedSession = d.SessionID
			}
			return false
		}
		visible := false
		for _, line := range o.renderer.Render(ws.JID, ev) {
			var err error
			if line.Kind == channel.OutHost {
				err = o.bcast.BroadcastHostMessage(ctx, ws.JID, line.Text)
			} else {
				err = o.bcast.BroadcastAgentMessage(ctx, ws.JID, line.Text)
			}
			if err != nil {
				slog.Error("orchestrator: output broadcast failed", "jid", ws.JID, "error", err)
				continue
			}
			visible = true
		}
		if visible {
			sent = true
		}
		return visible
	}

	result, err := o.runner.Run(ctx, runner.RunSpec{
		Folder:   ws.Folder,
		Input:    input,
		Mounts:   runner.BuildMounts(plan),
		OnOutput: onOutput,
	})
	o.queue.UnregisterProcess(ws.JID)
	if err != nil {
		slog.Error("orchestrator: container launch failed", "folder", ws.Folder, "error", err)
		result = bus.RunResult{Status: "error", Error: err.Error()}
	}

	if !opts.isolated {
		if sid := firstNonEmpty(result.NewSessionID, capturedSession); sid != "" && sid != session {
			if err := o.store.SetSession(ws.Folder, sid); err != nil {
				slog.Error("orchestrator: session save failed", "folder", ws.Folder, "error", err)
			}
		}
	}

	// Requests written right before exit may have raced the watcher.
	o.notifyIPC(ws.Folder)
	return sent, result
}

// prepareClaudeDir seeds the container's .claude dir from the agent source
// tree: shared settings files plus only the skill directories selected for
// this workspace. Session state already in the dir stays; the skills tree is
// rebuilt so deselected skills disappear on the next launch.
func (o *Orchestrator) prepareClaudeDir(dir string, skills []string) error {
	src := filepath.Join(o.cfg.Paths.AgentSrcDir, ".claude")
	entries, err := os.ReadDir(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}

	dst := filepath.Join(dir, "skills")
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	for _, name := range skills {
		if err := copyDir(filepath.Join(src, "skills", name), filepath.Join(dst, name)); err != nil {
			return fmt.Errorf("skill %s: %w", name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

// containerMessages formats chat messages for the agent core.
func containerMessages(msgs []bus.Message) []bus.ContainerMessage {
	out := make([]bus.ContainerMessage, 0, len(msgs))
	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		out = append(out, bus.ContainerMessage{
			Sender:    sender,
			Content:   m.Content,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
