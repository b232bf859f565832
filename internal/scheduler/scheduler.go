package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/pynchy/pynchy/internal/queue"
	"github.com/pynchy/pynchy/internal/store"
)

// RunTaskFunc executes one scheduled task inside the workspace's queue slot
// and returns its run log. Implemented by the orchestrator's agent-run path.
type RunTaskFunc func(ctx context.Context, task store.ScheduledTask) store.TaskRunLog

// BroadcastFunc posts a host notice to a chat.
type BroadcastFunc func(ctx context.Context, chatJID, text string)

// Scheduler polls for due tasks and feeds them through the per-workspace
// queues.
type Scheduler struct {
	store     *store.Store
	queue     *queue.Queue
	runTask   RunTaskFunc
	broadcast BroadcastFunc
	interval  time.Duration
}

// New creates a Scheduler polling every interval.
func New(st *store.Store, q *queue.Queue, interval time.Duration, runTask RunTaskFunc, broadcast BroadcastFunc) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{store: st, queue: q, runTask: runTask, broadcast: broadcast, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick processes every due task once. Exported for tests and for an eager
// first pass at startup.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.DueTasks(now)
	if err != nil {
		slog.Error("scheduler: due query failed", "error", err)
		return
	}
	for _, task := range due {
		s.launch(ctx, task, now)
	}
}

func (s *Scheduler) launch(ctx context.Context, task store.ScheduledTask, now time.Time) {
	// Advance before running so a slow run cannot re-queue itself on the
	// next tick. "once" tasks advance to null.
	next, err := NextRun(task.ScheduleType, task.ScheduleValue, now)
	if err != nil {
		slog.Error("scheduler: bad schedule, pausing task", "task_id", task.ID, "error", err)
		_ = s.store.SetTaskStatus(task.ID, store.TaskPaused)
		return
	}
	if err := s.store.AdvanceNextRun(task.ID, next); err != nil {
		slog.Error("scheduler: advance failed", "task_id", task.ID, "error", err)
		return
	}

	ws, err := s.store.GetWorkspace(task.ChatJID)
	if err != nil || ws == nil {
		_ = s.store.AppendTaskRunLog(store.TaskRunLog{
			TaskID: task.ID,
			RunAt:  now,
			Status: "error",
			Error:  "workspace not found for chat " + task.ChatJID,
		})
		slog.Error("scheduler: no workspace for task", "task_id", task.ID, "chat_jid", task.ChatJID)
		return
	}

	once := task.ScheduleType == store.ScheduleOnce
	s.queue.EnqueueTask(task.ChatJID, task.ID, func(ctx context.Context) error {
		if s.broadcast != nil {
			s.broadcast(ctx, task.ChatJID, "⏱ Scheduled task starting.")
		}
		start := time.Now()
		log := s.runTask(ctx, task)
		if log.RunAt.IsZero() {
			log.RunAt = start
		}
		log.TaskID = task.ID
		log.DurationMS = time.Since(start).Milliseconds()
		if err := s.store.RecordTaskRun(task.ID, log, once); err != nil {
			slog.Error("scheduler: record run failed", "task_id", task.ID, "error", err)
		}
		return nil
	})
}
