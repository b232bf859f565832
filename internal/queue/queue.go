// Package queue serializes container activity per workspace. Each canonical
// JID owns one lane: at most one active container or dispatcher at a time,
// FIFO for queued scheduled tasks, and a coalescing pending-messages bit.
// Lanes are independent; work for different workspaces runs in parallel.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProcessMessagesFunc is the pipeline's per-workspace handler. It returns
// true when pending messages were consumed; false suppresses pending-check
// consumption so the next inbound message triggers a retry.
type ProcessMessagesFunc func(ctx context.Context, jid string) bool

// StopFunc cooperatively terminates an active container process.
type StopFunc func(ctx context.Context) error

// ForwardFunc delivers text into a running container (IPC input file).
type ForwardFunc func(jid, text string) bool

// CloseFunc signals a running container to end its current turn.
type CloseFunc func(jid string)

type pendingTask struct {
	id  string
	fn  func(ctx context.Context) error
}

type lane struct {
	active  bool
	kind    string // "message" or "task"
	taskID  string
	recheck bool
	pending []pendingTask
	cancel  context.CancelFunc
	stop    StopFunc
}

// Queue coordinates per-workspace container launches.
type Queue struct {
	mu        sync.Mutex
	lanes     map[string]*lane
	processFn ProcessMessagesFunc
	forward   ForwardFunc
	closeIn   CloseFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// New creates a Queue. forward and closeIn are the IPC input hooks used by
// SendMessage and CloseStdin for workspaces with an active container.
func New(forward ForwardFunc, closeIn CloseFunc) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:   make(map[string]*lane),
		forward: forward,
		closeIn: closeIn,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetProcessMessagesFn injects the pipeline's per-workspace handler. Must be
// called before any EnqueueMessageCheck.
func (q *Queue) SetProcessMessagesFn(fn ProcessMessagesFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processFn = fn
}

func (q *Queue) lane(jid string) *lane {
	l, ok := q.lanes[jid]
	if !ok {
		l = &lane{}
		q.lanes[jid] = l
	}
	return l
}

// EnqueueMessageCheck signals the pipeline to re-examine pending messages for
// the workspace once the current activity ends. Idempotent; coalesces.
func (q *Queue) EnqueueMessageCheck(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.lane(jid).recheck = true
	q.kick(jid)
}

// EnqueueTask schedules fn to run when the workspace lane is idle. Multiple
// pending tasks run FIFO.
func (q *Queue) EnqueueTask(jid, taskID string, fn func(ctx context.Context) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	l := q.lane(jid)
	l.pending = append(l.pending, pendingTask{id: taskID, fn: fn})
	q.kick(jid)
}

// IsActiveTask reports whether a scheduled task is currently running for the
// workspace.
func (q *Queue) IsActiveTask(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[jid]
	return ok && l.active && l.kind == "task"
}

// IsActive reports whether any container activity is running for the
// workspace.
func (q *Queue) IsActive(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[jid]
	return ok && l.active
}

// SendMessage attempts to deliver text into a running container's input.
// Returns true if forwarded.
func (q *Queue) SendMessage(jid, text string) bool {
	q.mu.Lock()
	l, ok := q.lanes[jid]
	active := ok && l.active
	q.mu.Unlock()
	if !active || q.forward == nil {
		return false
	}
	return q.forward(jid, text)
}

// CloseStdin idle-signals the running container, ending its current turn.
func (q *Queue) CloseStdin(jid string) {
	q.mu.Lock()
	l, ok := q.lanes[jid]
	active := ok && l.active
	q.mu.Unlock()
	if active && q.closeIn != nil {
		q.closeIn(jid)
	}
}

// ClearPendingTasks drops all queued work for the workspace.
func (q *Queue) ClearPendingTasks(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[jid]; ok {
		l.pending = nil
	}
}

// RegisterProcess attaches the active container's stop handle to the lane.
// Called by the run pipeline when a container starts.
func (q *Queue) RegisterProcess(jid string, stop StopFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[jid]; ok {
		l.stop = stop
	}
}

// UnregisterProcess detaches the stop handle once the container exits.
func (q *Queue) UnregisterProcess(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[jid]; ok {
		l.stop = nil
	}
}

// StopActiveProcess cooperatively terminates the active process for the
// workspace. Non-blocking; the stop runs in its own goroutine.
func (q *Queue) StopActiveProcess(jid string) {
	q.mu.Lock()
	l, ok := q.lanes[jid]
	var stop StopFunc
	var cancel context.CancelFunc
	if ok {
		stop = l.stop
		cancel = l.cancel
	}
	q.mu.Unlock()

	if stop == nil && cancel == nil {
		return
	}
	go func() {
		if stop != nil {
			ctx, done := context.WithTimeout(context.Background(), 20*time.Second)
			defer done()
			if err := stop(ctx); err != nil {
				slog.Warn("queue: stop active process failed", "jid", jid, "error", err)
			}
		}
		if cancel != nil {
			cancel()
		}
	}()
}

// kick starts the next unit of work for a lane. Pending-message rechecks win
// over queued tasks. Caller must hold q.mu.
func (q *Queue) kick(jid string) {
	l := q.lane(jid)
	if l.active || q.closed {
		return
	}
	switch {
	case l.recheck:
		l.recheck = false
		l.active = true
		l.kind = "message"
		ctx, cancel := context.WithCancel(q.baseCtx)
		l.cancel = cancel
		q.wg.Add(1)
		go q.runMessages(ctx, jid)
	case len(l.pending) > 0:
		t := l.pending[0]
		l.pending = l.pending[1:]
		l.active = true
		l.kind = "task"
		l.taskID = t.id
		ctx, cancel := context.WithCancel(q.baseCtx)
		l.cancel = cancel
		q.wg.Add(1)
		go q.runTask(ctx, jid, t)
	}
}

func (q *Queue) runMessages(ctx context.Context, jid string) {
	defer q.wg.Done()

	q.mu.Lock()
	fn := q.processFn
	q.mu.Unlock()

	processed := true
	if fn != nil {
		processed = fn(ctx, jid)
	}

	q.mu.Lock()
	l := q.lane(jid)
	l.active = false
	l.kind = ""
	l.cancel = nil
	l.stop = nil
	if !processed {
		// Failed run: leave the messages for the next inbound trigger
		// instead of spinning on them.
		l.recheck = false
	}
	q.kick(jid)
	q.mu.Unlock()
}

func (q *Queue) runTask(ctx context.Context, jid string, t pendingTask) {
	defer q.wg.Done()

	if err := t.fn(ctx); err != nil {
		slog.Error("queue: task failed", "jid", jid, "task_id", t.id, "error", err)
	}

	q.mu.Lock()
	l := q.lane(jid)
	l.active = false
	l.kind = ""
	l.taskID = ""
	l.cancel = nil
	l.stop = nil
	q.kick(jid)
	q.mu.Unlock()
}

// Shutdown cancels queued work and waits for active work to drain, bounded
// by ctx.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	for _, l := range q.lanes {
		l.pending = nil
		l.recheck = false
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}
