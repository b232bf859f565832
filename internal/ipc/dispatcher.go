package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pynchy/pynchy/internal/store"
)

// Origin identifies the workspace whose container produced a request. The
// dispatcher trusts the directory the request arrived in, never the request
// body, for authorization.
type Origin struct {
	Folder  string
	ChatJID string
	IsAdmin bool
}

// Host is the orchestrator-side surface the dispatcher drives. All methods
// must be safe to call from the dispatch goroutine.
type Host interface {
	// BroadcastAgentMessage delivers agent-authored text to a chat across
	// all connected channels and stores it.
	BroadcastAgentMessage(ctx context.Context, chatJID, text, sender string) error
	// BroadcastHostMessage delivers an orchestrator notice to a chat.
	BroadcastHostMessage(ctx context.Context, chatJID, text string) error
	// EnqueueRecheck asks the queue to re-examine pending messages.
	EnqueueRecheck(chatJID string)
	// ResetContext clears the stored session and stages a handoff prompt.
	ResetContext(ctx context.Context, folder, chatJID, reason string) error
	// TriggerDeploy starts a host redeploy.
	TriggerDeploy(folder string)
	// SyncWorktree publishes the workspace worktree per its git policy.
	SyncWorktree(ctx context.Context, folder string) (bool, string)
	// RegisterGroup creates or adopts a chat group as a workspace. aliases
	// are further per-channel JIDs of the same chat.
	RegisterGroup(ctx context.Context, jid, name, folder, trigger string, aliases []string) error
	// CloseStdin ends the running container's current turn.
	CloseStdin(chatJID string)
	// RefreshSnapshots rewrites current_tasks.json for the folder.
	RefreshSnapshots(folder string)
	// ResolveGroupJID maps a registered group JID to its canonical chat JID.
	ResolveGroupJID(jid string) (string, bool)
	// AskUser posts interactive questions to the workspace chat.
	AskUser(ctx context.Context, chatJID, requestID string, questions []string) error
}

// NextRunFunc computes the first run time for a schedule, nil for "once in
// the past" style schedules that should not run.
type NextRunFunc func(scheduleType, scheduleValue string, now time.Time) (*time.Time, error)

// Dispatcher routes container requests to store mutations, host broadcasts
// and process side effects, enforcing admin/self authorization.
type Dispatcher struct {
	store   *store.Store
	bus     *Bus
	host    Host
	nextRun NextRunFunc
}

// NewDispatcher wires a Dispatcher. nextRun is the scheduler's schedule
// evaluation, injected to keep this package free of cron specifics.
func NewDispatcher(st *store.Store, bus *Bus, host Host, nextRun NextRunFunc) *Dispatcher {
	return &Dispatcher{store: st, bus: bus, host: host, nextRun: nextRun}
}

// DispatchFolder drains both request directories for one workspace and
// handles every request in creation order. Individual request failures are
// reported to the chat and never abort the drain.
func (d *Dispatcher) DispatchFolder(ctx context.Context, o Origin) {
	for _, sub := range []string{SubMessages, SubTasks} {
		reqs, err := d.bus.ConsumeRequests(o.Folder, sub)
		if err != nil {
			slog.Error("ipc: consume requests failed", "folder", o.Folder, "sub", sub, "error", err)
			continue
		}
		for _, req := range reqs {
			if err := d.dispatch(ctx, o, req); err != nil {
				slog.Warn("ipc: request failed", "folder", o.Folder, "type", req.Type, "error", err)
				d.notifyErr(ctx, o, req, err)
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, o Origin, req Request) error {
	switch req.Type {
	case TypeMessage:
		return d.handleMessage(ctx, o, req)
	case TypeScheduleTask:
		return d.handleScheduleTask(ctx, o, req)
	case TypeScheduleHostJob:
		return d.handleScheduleHostJob(ctx, o, req)
	case TypePauseTask:
		return d.handleTaskStatus(ctx, o, req.TaskID, store.TaskPaused)
	case TypeResumeTask:
		return d.handleTaskStatus(ctx, o, req.TaskID, store.TaskActive)
	case TypeCancelTask:
		return d.handleCancelTask(ctx, o, req.TaskID)
	case TypeRegisterGroup:
		return d.handleRegisterGroup(ctx, o, req)
	case TypeResetContext:
		return d.host.ResetContext(ctx, o.Folder, o.ChatJID, req.Reason)
	case TypeFinishedWork:
		d.host.CloseStdin(o.ChatJID)
		return nil
	case TypeSyncWorktree:
		return d.handleSyncWorktree(ctx, o, req)
	case TypeDeploy:
		if !o.IsAdmin {
			return errNotAuthorized("deploy")
		}
		d.host.TriggerDeploy(o.Folder)
		return nil
	case TypeAskUser:
		if req.RequestID == "" || len(req.Questions) == 0 {
			return fmt.Errorf("ask_user requires request_id and questions")
		}
		return d.host.AskUser(ctx, o.ChatJID, req.RequestID, req.Questions)
	case TypeAskUserAnswer:
		if req.Answer == "" {
			return fmt.Errorf("ask_user_answer requires answer")
		}
		return d.bus.WriteInput(o.Folder, InputMessage{
			Type:   "message",
			Text:   req.Answer,
			Sender: req.Sender,
		})
	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, o Origin, req Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("message requires text")
	}
	target := o.ChatJID
	if req.TargetGroupJID != "" && req.TargetGroupJID != o.ChatJID {
		if !o.IsAdmin {
			return errNotAuthorized("cross-workspace message")
		}
		jid, ok := d.host.ResolveGroupJID(req.TargetGroupJID)
		if !ok {
			return fmt.Errorf("unknown target group %s", req.TargetGroupJID)
		}
		target = jid
	}
	return d.host.BroadcastAgentMessage(ctx, target, req.Text, req.Sender)
}

func (d *Dispatcher) handleScheduleTask(ctx context.Context, o Origin, req Request) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("schedule_task requires prompt")
	}
	switch req.ScheduleType {
	case store.ScheduleCron, store.ScheduleInterval, store.ScheduleOnce:
	default:
		return fmt.Errorf("invalid schedule_type %q", req.ScheduleType)
	}
	next, err := d.nextRun(req.ScheduleType, req.ScheduleValue, time.Now())
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", req.ScheduleValue, err)
	}

	folder, chatJID := o.Folder, o.ChatJID
	if req.TargetGroupJID != "" && req.TargetGroupJID != o.ChatJID {
		if !o.IsAdmin {
			return errNotAuthorized("cross-workspace schedule_task")
		}
		jid, ok := d.host.ResolveGroupJID(req.TargetGroupJID)
		if !ok {
			return fmt.Errorf("unknown target group %s", req.TargetGroupJID)
		}
		ws, err := d.store.GetWorkspace(jid)
		if err != nil {
			return err
		}
		if ws == nil {
			return fmt.Errorf("unknown target group %s", req.TargetGroupJID)
		}
		folder, chatJID = ws.Folder, ws.JID
	}

	task := store.ScheduledTask{
		ID:            uuid.NewString(),
		GroupFolder:   folder,
		ChatJID:       chatJID,
		Prompt:        req.Prompt,
		ScheduleType:  req.ScheduleType,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   req.ContextMode,
		NextRun:       next,
		Status:        store.TaskActive,
		RepoAccess:    req.RepoAccess,
	}
	if err := d.store.CreateTask(task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	d.host.RefreshSnapshots(folder)
	if folder != o.Folder {
		d.host.RefreshSnapshots(o.Folder)
	}

	when := "never"
	if next != nil {
		when = next.UTC().Format(time.RFC3339)
	}
	return d.host.BroadcastHostMessage(ctx, o.ChatJID,
		fmt.Sprintf("⏱ Task scheduled (%s %s), first run %s.", req.ScheduleType, req.ScheduleValue, when))
}

func (d *Dispatcher) handleScheduleHostJob(ctx context.Context, o Origin, req Request) error {
	if !o.IsAdmin {
		return errNotAuthorized("schedule_host_job")
	}
	if req.JobName == "" || req.Command == "" {
		return fmt.Errorf("schedule_host_job requires job_name and command")
	}
	next, err := d.nextRun(store.ScheduleCron, req.ScheduleValue, time.Now())
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", req.ScheduleValue, err)
	}
	job := store.HostJob{
		Name:        req.JobName,
		Schedule:    req.ScheduleValue,
		Command:     req.Command,
		WorkDir:     req.WorkDir,
		TimeoutSecs: req.TimeoutSecs,
		Enabled:     true,
		NextRun:     next,
	}
	if err := d.store.UpsertHostJob(job); err != nil {
		return fmt.Errorf("upsert host job: %w", err)
	}
	d.host.RefreshSnapshots(o.Folder)
	return d.host.BroadcastHostMessage(ctx, o.ChatJID,
		fmt.Sprintf("⏱ Host job %q scheduled (%s).", req.JobName, req.ScheduleValue))
}

func (d *Dispatcher) handleTaskStatus(ctx context.Context, o Origin, taskID, status string) error {
	if err := d.authorizeTask(o, taskID); err != nil {
		return err
	}
	if err := d.store.SetTaskStatus(taskID, status); err != nil {
		return err
	}
	d.host.RefreshSnapshots(o.Folder)
	return nil
}

func (d *Dispatcher) handleCancelTask(ctx context.Context, o Origin, taskID string) error {
	if err := d.authorizeTask(o, taskID); err != nil {
		return err
	}
	if err := d.store.DeleteTask(taskID); err != nil {
		return err
	}
	d.host.RefreshSnapshots(o.Folder)
	return nil
}

// authorizeTask enforces self-only task control: a workspace may manage only
// its own tasks, the admin workspace any task.
func (d *Dispatcher) authorizeTask(o Origin, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("missing task_id")
	}
	task, err := d.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}
	if !o.IsAdmin && task.GroupFolder != o.Folder {
		return errNotAuthorized("task " + taskID)
	}
	return nil
}

func (d *Dispatcher) handleRegisterGroup(ctx context.Context, o Origin, req Request) error {
	if !o.IsAdmin {
		return errNotAuthorized("register_group")
	}
	if req.GroupJID == "" || req.GroupFolder == "" {
		return fmt.Errorf("register_group requires group_jid and group_folder")
	}
	return d.host.RegisterGroup(ctx, req.GroupJID, req.GroupName, req.GroupFolder, req.Trigger, req.AliasJIDs)
}

func (d *Dispatcher) handleSyncWorktree(ctx context.Context, o Origin, req Request) error {
	if req.RequestID == "" {
		return fmt.Errorf("sync_worktree_to_main requires request_id")
	}
	ok, msg := d.host.SyncWorktree(ctx, o.Folder)
	return d.bus.WriteMergeResult(o.Folder, req.RequestID, MergeResult{Success: ok, Message: msg})
}

// notifyErr surfaces a failed request back to the workspace chat. For
// worktree syncs the container is blocked on the response file, so the error
// goes there instead.
func (d *Dispatcher) notifyErr(ctx context.Context, o Origin, req Request, reqErr error) {
	if req.Type == TypeSyncWorktree && req.RequestID != "" {
		_ = d.bus.WriteMergeResult(o.Folder, req.RequestID, MergeResult{Success: false, Message: reqErr.Error()})
		return
	}
	msg := "⚠️ Request " + req.Type + " failed: " + reqErr.Error()
	if err := d.host.BroadcastHostMessage(ctx, o.ChatJID, msg); err != nil {
		slog.Error("ipc: error notice failed", "folder", o.Folder, "error", err)
	}
}

func errNotAuthorized(what string) error {
	return fmt.Errorf("not authorized: %s requires the admin workspace", what)
}
