// Package pipeline polls the message store and decides, per workspace, what
// a new batch of messages does: launch an agent, forward into a running
// container, intercept a command, or wait.
package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/channel"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/internal/queue"
	"github.com/pynchy/pynchy/internal/store"
)

// RunAgentFunc launches an agent turn for a batch of messages. It reports
// whether any user-visible output was sent, which decides cursor-rollback
// safety, and the run outcome.
type RunAgentFunc func(ctx context.Context, ws store.Workspace, msgs []bus.Message, source bus.InputSource) (bool, bus.RunResult)

// Pipeline is the inbound message path.
type Pipeline struct {
	store   *store.Store
	cfg     *config.Config
	queue   *queue.Queue
	bcast   *channel.Broadcaster
	ipcBus  *ipc.Bus
	runner  RunAgentFunc
	deploy  func(folder string)         // manual redeploy trigger
	publish func(folder string)         // background worktree publish after success

	mu       sync.Mutex
	triggers map[string]*regexp.Regexp
}

// New wires the pipeline. deploy and publish are orchestrator callbacks.
func New(st *store.Store, cfg *config.Config, q *queue.Queue, bcast *channel.Broadcaster,
	ipcBus *ipc.Bus, runner RunAgentFunc, deploy, publish func(folder string)) *Pipeline {
	return &Pipeline{
		store:    st,
		cfg:      cfg,
		queue:    q,
		bcast:    bcast,
		ipcBus:   ipcBus,
		runner:   runner,
		deploy:   deploy,
		publish:  publish,
		triggers: make(map[string]*regexp.Regexp),
	}
}

// Run is the polling loop. Blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Intervals.MessagePoll.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				slog.Error("pipeline: poll failed", "error", err)
			}
		}
	}
}

// Poll reads messages newer than the global cursor, persists the advanced
// cursor before any dispatch, and routes one batch per workspace.
func (p *Pipeline) Poll(ctx context.Context) error {
	last, err := p.store.GetLastTimestamp()
	if err != nil {
		return err
	}
	jids, err := p.registeredJIDs()
	if err != nil {
		return err
	}
	msgs, err := p.store.GetNewMessages(last, jids)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	// Persist before dispatch so a crash cannot re-deliver.
	newest := msgs[len(msgs)-1].Timestamp
	if err := p.store.SetLastTimestamp(newest); err != nil {
		return err
	}

	batches := make(map[string][]bus.Message)
	for _, m := range msgs {
		canonical, err := p.store.ResolveJID(m.ChatJID)
		if err != nil {
			slog.Warn("pipeline: alias resolve failed", "jid", m.ChatJID, "error", err)
			continue
		}
		batches[canonical] = append(batches[canonical], m)
	}
	for canonical, batch := range batches {
		p.handleBatch(ctx, canonical, batch)
	}
	return nil
}

// registeredJIDs returns every canonical JID plus its channel aliases.
func (p *Pipeline) registeredJIDs() ([]string, error) {
	workspaces, err := p.store.ListWorkspaces()
	if err != nil {
		return nil, err
	}
	var jids []string
	for _, ws := range workspaces {
		aliases, err := p.store.AliasesFor(ws.JID)
		if err != nil {
			return nil, err
		}
		jids = append(jids, aliases...)
	}
	return jids, nil
}

// handleBatch applies the per-workspace routing rules to one polled batch.
func (p *Pipeline) handleBatch(ctx context.Context, canonical string, batch []bus.Message) {
	ws, err := p.store.GetWorkspace(canonical)
	if err != nil || ws == nil {
		slog.Debug("pipeline: unknown workspace, message stored only", "jid", canonical)
		return
	}
	res := p.cfg.Resolve(ws.Folder)
	if !res.CanLaunch() {
		return
	}
	if !p.triggered(*ws, res, batch) {
		return
	}

	last := batch[len(batch)-1]

	if p.queue.IsActive(canonical) {
		p.handleActive(ctx, *ws, canonical, last)
		return
	}

	if p.intercept(ctx, *ws, canonical, last) {
		p.advanceCursor(canonical, last.Timestamp)
		return
	}
	p.queue.EnqueueMessageCheck(canonical)
}

// handleActive applies the interrupt policy while a container runs.
func (p *Pipeline) handleActive(ctx context.Context, ws store.Workspace, canonical string, last bus.Message) {
	content := trimmedContent(last)
	switch {
	case hasPrefixFold(content, "btw "):
		if !p.queue.SendMessage(canonical, content) {
			slog.Warn("pipeline: forward to container failed", "jid", canonical)
		}
		p.queue.EnqueueMessageCheck(canonical)

	case hasPrefixFold(content, "todo "):
		todo := content[len("todo "):]
		if err := p.ipcBus.AppendTodo(ws.Folder, todo); err != nil {
			slog.Error("pipeline: todo append failed", "folder", ws.Folder, "error", err)
		}
		_ = p.ipcBus.WriteInput(ws.Folder, ipc.InputMessage{
			Type: "system_notice",
			Text: "A todo was added to your list: " + todo,
		})
		p.queue.EnqueueMessageCheck(canonical)

	case p.queue.IsActiveTask(canonical):
		p.queue.ClearPendingTasks(canonical)
		p.queue.StopActiveProcess(canonical)
		p.queue.EnqueueMessageCheck(canonical)

	default:
		if !p.queue.SendMessage(canonical, content) {
			p.queue.ClearPendingTasks(canonical)
			p.queue.StopActiveProcess(canonical)
		}
		p.queue.EnqueueMessageCheck(canonical)
	}
}

// ProcessMessages is the queue's per-workspace handler: it owns the cursor
// dance around one agent turn. Returns false only when the run failed with
// nothing shown to the user, so the next inbound message retries.
func (p *Pipeline) ProcessMessages(ctx context.Context, canonical string) bool {
	ws, err := p.store.GetWorkspace(canonical)
	if err != nil || ws == nil {
		return true
	}
	res := p.cfg.Resolve(ws.Folder)
	if !res.CanLaunch() {
		return true
	}

	cursor, err := p.store.GetAgentCursor(canonical)
	if err != nil {
		slog.Error("pipeline: cursor read failed", "jid", canonical, "error", err)
		return false
	}
	msgs, err := p.messagesSince(canonical, cursor)
	if err != nil {
		slog.Error("pipeline: batch read failed", "jid", canonical, "error", err)
		return false
	}
	if len(msgs) == 0 {
		return true
	}
	if !p.triggered(*ws, res, msgs) {
		// Untriggered messages stay as context for the next triggered batch.
		return true
	}

	last := msgs[len(msgs)-1]
	if p.intercept(ctx, *ws, canonical, last) {
		p.advanceCursor(canonical, last.Timestamp)
		return true
	}

	p.bcast.SendReaction(ctx, last.ChatJID, last.ID, "👀")
	p.bcast.SetTyping(ctx, canonical, true)
	defer p.bcast.SetTyping(ctx, canonical, false)

	// Advance with rollback: a cursor that cannot be saved must not launch.
	if err := p.store.SetAgentCursor(canonical, last.Timestamp); err != nil {
		slog.Error("pipeline: cursor advance failed", "jid", canonical, "error", err)
		return false
	}

	sent, result := p.runner(ctx, *ws, msgs, bus.SourceUser)

	if result.Status == "error" && !sent {
		if err := p.store.SetAgentCursor(canonical, cursor); err != nil {
			slog.Error("pipeline: cursor rollback failed", "jid", canonical, "error", err)
		}
		if err := p.bcast.BroadcastHostMessage(ctx, canonical,
			"⚠️ Agent error occurred. Will retry on next message."); err != nil {
			slog.Error("pipeline: error notice failed", "jid", canonical, "error", err)
		}
		return false
	}

	// Auto-publish only follows a successful run; a failed run with partial
	// output keeps its cursor but must not push half-done work.
	if result.Status != "error" && res.RepoAccess != "" && p.publish != nil {
		go p.publish(ws.Folder)
	}
	return true
}

// messagesSince merges user-origin messages across the canonical JID and
// its aliases, oldest first.
func (p *Pipeline) messagesSince(canonical string, since time.Time) ([]bus.Message, error) {
	aliases, err := p.store.AliasesFor(canonical)
	if err != nil {
		return nil, err
	}
	var msgs []bus.Message
	for _, jid := range aliases {
		batch, err := p.store.GetMessagesSince(jid, since)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, batch...)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs, nil
}

// triggered applies the mention gate. Admin workspaces and always-mode skip
// it; magic commands bypass it.
func (p *Pipeline) triggered(ws store.Workspace, res config.Resolved, batch []bus.Message) bool {
	if res.IsAdmin || res.TriggerMode == config.TriggerAlways {
		return true
	}
	re := p.triggerPattern(ws)
	for _, m := range batch {
		if re.MatchString(m.Content) {
			return true
		}
		if v, ok := m.Metadata["mentioned"].(bool); ok && v {
			return true
		}
	}
	return isMagicCommand(trimmedContent(batch[len(batch)-1]))
}

// triggerPattern compiles (and caches) the workspace's anchored trigger.
func (p *Pipeline) triggerPattern(ws store.Workspace) *regexp.Regexp {
	pattern := ws.TriggerPattern
	if pattern == "" {
		pattern = "@" + p.cfg.Agent.Name
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	re, ok := p.triggers[pattern]
	if !ok {
		re = regexp.MustCompile(`(?i)(^|\s)` + regexp.QuoteMeta(pattern) + `($|[\s.,!?:])`)
		p.triggers[pattern] = re
	}
	return re
}

func (p *Pipeline) advanceCursor(canonical string, t time.Time) {
	if err := p.store.SetAgentCursor(canonical, t); err != nil {
		slog.Error("pipeline: cursor advance failed", "jid", canonical, "error", err)
	}
}
