package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/internal/worktree"
)

const (
	deployStateKey    = "deploy_continuation"
	deployTimeout     = 10 * time.Minute
	deployScript      = "deploy.sh"
)

// BroadcastAgentMessage implements ipc.Host. sender is an optional role label
// carried by cross-workspace and sub-agent messages.
func (o *Orchestrator) BroadcastAgentMessage(ctx context.Context, chatJID, text, sender string) error {
	if sender != "" && sender != o.cfg.Agent.Name {
		text = sender + ": " + text
	}
	return o.bcast.BroadcastAgentMessage(ctx, chatJID, text)
}

// BroadcastHostMessage implements ipc.Host.
func (o *Orchestrator) BroadcastHostMessage(ctx context.Context, chatJID, text string) error {
	return o.bcast.BroadcastHostMessage(ctx, chatJID, text)
}

// EnqueueRecheck implements ipc.Host.
func (o *Orchestrator) EnqueueRecheck(chatJID string) {
	o.queue.EnqueueMessageCheck(chatJID)
}

// ResetContext implements ipc.Host: it forgets the stored session, stages the
// handoff prompt for the next launch, and ends the current turn.
func (o *Orchestrator) ResetContext(ctx context.Context, folder, chatJID, reason string) error {
	if err := o.store.ClearSession(folder); err != nil {
		return err
	}
	if reason != "" {
		if err := o.ipcBus.WriteResetPrompt(folder, reason); err != nil {
			return err
		}
	}
	o.queue.CloseStdin(chatJID)
	o.queue.EnqueueMessageCheck(chatJID)
	return nil
}

// CloseStdin implements ipc.Host.
func (o *Orchestrator) CloseStdin(chatJID string) {
	o.queue.CloseStdin(chatJID)
}

// ResolveGroupJID implements ipc.Host: it accepts a canonical JID or any
// channel alias of a registered workspace.
func (o *Orchestrator) ResolveGroupJID(jid string) (string, bool) {
	if ws, err := o.store.GetWorkspace(jid); err == nil && ws != nil {
		return jid, true
	}
	canonical, err := o.store.ResolveJID(jid)
	if err != nil {
		return "", false
	}
	if ws, err := o.store.GetWorkspace(canonical); err == nil && ws != nil {
		return canonical, true
	}
	return "", false
}

// AskUser implements ipc.Host.
func (o *Orchestrator) AskUser(ctx context.Context, chatJID, requestID string, questions []string) error {
	return o.bcast.AskUser(ctx, chatJID, requestID, questions)
}

// RegisterGroup implements ipc.Host: it adopts a chat as a workspace with its
// own folder, records any per-channel alias JIDs, watches its IPC namespace,
// and seeds the snapshots.
func (o *Orchestrator) RegisterGroup(ctx context.Context, jid, name, folder, trigger string, aliases []string) error {
	pattern := ""
	if trigger == "" || trigger == config.TriggerMention {
		pattern = o.cfg.Agent.Trigger
	}
	if err := o.store.UpsertWorkspace(store.Workspace{
		JID:            jid,
		Name:           name,
		Folder:         folder,
		TriggerPattern: pattern,
	}); err != nil {
		return err
	}
	for _, alias := range aliases {
		if alias == "" || alias == jid {
			continue
		}
		if err := o.store.UpsertAlias(alias, jid, o.channelOf(alias)); err != nil {
			slog.Warn("orchestrator: alias record failed", "alias", alias, "error", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(o.cfg.Paths.GroupsDir, folder), 0o755); err != nil {
		return err
	}
	if err := o.watcher.Add(folder); err != nil {
		slog.Warn("orchestrator: ipc watch failed", "folder", folder, "error", err)
	}
	o.RefreshSnapshots(folder)
	return nil
}

// channelOf names the adapter owning a JID, falling back to the JID's
// namespace prefix.
func (o *Orchestrator) channelOf(jid string) string {
	for _, ch := range o.bcast.Channels() {
		if ch.OwnsJID(jid) {
			return ch.Name()
		}
	}
	if i := strings.Index(jid, ":"); i > 0 {
		return jid[:i]
	}
	return ""
}

// SyncWorktree implements ipc.Host: it publishes the workspace branch per its
// git policy and fans the aftermath out to sibling worktrees.
func (o *Orchestrator) SyncWorktree(ctx context.Context, folder string) (bool, string) {
	res := o.cfg.Resolve(folder)
	if res.RepoAccess == "" {
		return false, "workspace has no repo access"
	}
	pr := o.trees.Publish(ctx, folder, res.RepoAccess, res.GitPolicy)
	if pr.Success && pr.MainMoved {
		o.afterMainMoved(folder, res.RepoAccess, pr.ChangedFiles)
	}
	return pr.Success, pr.Message
}

// publishWorktree is the pipeline's background hook after a successful run in
// a repo-access workspace: merge-policy workspaces publish automatically.
func (o *Orchestrator) publishWorktree(folder string) {
	res := o.cfg.Resolve(folder)
	if res.RepoAccess == "" || res.GitPolicy == config.GitPolicyPullRequest {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	has, err := o.trees.HasUnpublished(ctx, folder, res.RepoAccess)
	if err != nil || !has {
		return
	}
	pr := o.trees.Publish(ctx, folder, res.RepoAccess, res.GitPolicy)
	if !pr.Success {
		slog.Warn("orchestrator: auto publish failed", "folder", folder, "message", pr.Message)
		if ws, err := o.store.GetWorkspaceByFolder(folder); err == nil && ws != nil {
			_ = o.bcast.BroadcastHostMessage(ctx, ws.JID, "⚠️ Publishing your changes failed: "+pr.Message)
		}
		return
	}
	if pr.MainMoved {
		o.afterMainMoved(folder, res.RepoAccess, pr.ChangedFiles)
	}
}

// afterMainMoved flags sibling worktrees on the same repo for a dirty check
// and triggers a redeploy when the image inputs changed.
func (o *Orchestrator) afterMainMoved(folder, slug string, changed []string) {
	for other, wsCfg := range o.cfg.Workspace {
		if other == folder || wsCfg.RepoAccess != slug {
			continue
		}
		if err := o.ipcBus.MarkNeedsDirtyCheck(other); err != nil {
			slog.Warn("orchestrator: dirty-check flag failed", "folder", other, "error", err)
		}
		o.addNotices(other, "The main branch advanced with changes from another workspace.")
	}
	if worktree.DeployTriggered(changed) {
		slog.Info("orchestrator: deploy-triggering files changed on main", "folder", folder)
		o.TriggerDeploy(folder)
	}
}

// TriggerDeploy implements ipc.Host: it records a continuation marker so the
// restarted host can confirm completion, then runs the deploy script.
func (o *Orchestrator) TriggerDeploy(folder string) {
	ws, err := o.store.GetWorkspaceByFolder(folder)
	if err != nil || ws == nil {
		slog.Error("orchestrator: deploy for unknown folder", "folder", folder)
		return
	}
	if err := o.store.SetState(deployStateKey, folder); err != nil {
		slog.Error("orchestrator: deploy marker failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = o.bcast.BroadcastHostMessage(ctx, ws.JID, "🚀 Redeploying the agent image. Back shortly.")
	cancel()

	script := filepath.Join(o.cfg.Paths.ScriptsDir, deployScript)
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), deployTimeout)
		defer cancel()
		cmd := exec.CommandContext(runCtx, "sh", script)
		cmd.Dir = o.cfg.Paths.ScriptsDir
		out, err := cmd.CombinedOutput()
		if err != nil {
			slog.Error("orchestrator: deploy script failed", "error", err, "output", string(out))
			nctx, ncancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = o.bcast.BroadcastHostMessage(nctx, ws.JID, "⚠️ Deploy failed: "+err.Error())
			ncancel()
			_ = o.store.DeleteState(deployStateKey)
		}
		// On success the script restarts this process; the continuation
		// marker is resolved on the next boot.
	}()
}

// rollbackFailedDeploy reverts the deployed repo to its previous commit when
// the host cannot start right after a deploy-restart, then re-runs the deploy
// script so the prior build comes back up. The marker is cleared first so a
// second failing boot cannot loop the rollback.
func (o *Orchestrator) rollbackFailedDeploy(startupErr error) {
	folder, err := o.store.GetState(deployStateKey)
	if err != nil || folder == "" {
		return
	}
	if err := o.store.DeleteState(deployStateKey); err != nil {
		slog.Warn("orchestrator: deploy marker clear failed", "error", err)
	}
	res := o.cfg.Resolve(folder)
	if res.RepoPath == "" {
		slog.Error("orchestrator: startup failed after deploy, no repo to roll back",
			"folder", folder, "error", startupErr)
		return
	}
	slog.Error("orchestrator: startup failed after deploy, rolling back",
		"folder", folder, "repo", res.RepoPath, "error", startupErr)

	ctx, cancel := context.WithTimeout(context.Background(), deployTimeout)
	defer cancel()
	reset := exec.CommandContext(ctx, "git", "-C", res.RepoPath, "reset", "--hard", "HEAD~1")
	if out, err := reset.CombinedOutput(); err != nil {
		slog.Error("orchestrator: rollback reset failed", "error", err, "output", string(out))
		return
	}
	redeploy := exec.CommandContext(ctx, "sh", filepath.Join(o.cfg.Paths.ScriptsDir, deployScript))
	redeploy.Dir = o.cfg.Paths.ScriptsDir
	if out, err := redeploy.CombinedOutput(); err != nil {
		slog.Error("orchestrator: rollback redeploy failed", "error", err, "output", string(out))
	}
}

// checkDeployContinuation closes the loop after a deploy-restart: the marker
// written before the restart turns into a completion notice.
func (o *Orchestrator) checkDeployContinuation(ctx context.Context) {
	folder, err := o.store.GetState(deployStateKey)
	if err != nil || folder == "" {
		return
	}
	if err := o.store.DeleteState(deployStateKey); err != nil {
		slog.Warn("orchestrator: deploy marker clear failed", "error", err)
	}
	ws, err := o.store.GetWorkspaceByFolder(folder)
	if err != nil || ws == nil {
		return
	}
	if err := o.bcast.BroadcastHostMessage(ctx, ws.JID, "✅ Deploy complete. Host restarted."); err != nil {
		slog.Warn("orchestrator: deploy notice failed", "error", err)
	}
	o.addNotices(folder, "The host redeployed and restarted since your last session.")
}
