package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pynchy/pynchy/internal/queue"
	"github.com/pynchy/pynchy/internal/store"
)

func newSchedulerTest(t *testing.T, runTask RunTaskFunc) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.UpsertWorkspace(store.Workspace{JID: "g@g.us", Name: "dev", Folder: "dev"}); err != nil {
		t.Fatal(err)
	}
	q := queue.New(nil, nil)
	return New(st, q, time.Second, runTask, nil), st
}

func dueTask(t *testing.T, st *store.Store, id, schedType, schedValue string) {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	if err := st.CreateTask(store.ScheduledTask{
		ID: id, GroupFolder: "dev", ChatJID: "g@g.us", Prompt: "do the thing",
		ScheduleType: schedType, ScheduleValue: schedValue, NextRun: &past,
	}); err != nil {
		t.Fatal(err)
	}
}

func waitForLogs(t *testing.T, st *store.Store, taskID string, n int) []store.TaskRunLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		logs, err := st.TaskRunLogs(taskID, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(logs) >= n {
			return logs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s: run log never appeared", taskID)
	return nil
}

func TestTickAdvancesBeforeRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s, st := newSchedulerTest(t, func(ctx context.Context, task store.ScheduledTask) store.TaskRunLog {
		close(started)
		<-release
		return store.TaskRunLog{Status: "success", Result: "ok"}
	})
	dueTask(t, st, "t1", store.ScheduleInterval, "3600000")

	s.Tick(context.Background(), time.Now())
	<-started

	// next_run already moved forward while the run is still in flight, so a
	// second tick finds nothing due.
	got, err := st.GetTask("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.NextRun == nil || !got.NextRun.After(time.Now()) {
		t.Errorf("next_run = %v, want future", got.NextRun)
	}
	due, err := st.DueTasks(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("due while running = %v", due)
	}
	close(release)

	logs := waitForLogs(t, st, "t1", 1)
	if logs[0].Status != "success" || logs[0].Result != "ok" {
		t.Errorf("log = %+v", logs[0])
	}
}

func TestOnceTaskCompletesAfterRun(t *testing.T) {
	s, st := newSchedulerTest(t, func(ctx context.Context, task store.ScheduledTask) store.TaskRunLog {
		return store.TaskRunLog{Status: "success"}
	})
	dueTask(t, st, "t1", store.ScheduleOnce, time.Now().Add(-time.Minute).Format(time.RFC3339))

	s.Tick(context.Background(), time.Now())
	waitForLogs(t, st, "t1", 1)

	got, err := st.GetTask("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.TaskCompleted || got.NextRun != nil {
		t.Errorf("task = status %q next_run %v", got.Status, got.NextRun)
	}
}

func TestBadSchedulePausesTask(t *testing.T) {
	var ran bool
	var mu sync.Mutex
	s, st := newSchedulerTest(t, func(ctx context.Context, task store.ScheduledTask) store.TaskRunLog {
		mu.Lock()
		ran = true
		mu.Unlock()
		return store.TaskRunLog{}
	})
	dueTask(t, st, "t1", store.ScheduleCron, "not a cron")

	s.Tick(context.Background(), time.Now())
	time.Sleep(50 * time.Millisecond)

	got, err := st.GetTask("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.TaskPaused {
		t.Errorf("status = %q, want paused", got.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if ran {
		t.Error("task with bad schedule ran")
	}
}

func TestMissingWorkspaceRecordsErrorRun(t *testing.T) {
	s, st := newSchedulerTest(t, func(ctx context.Context, task store.ScheduledTask) store.TaskRunLog {
		t.Error("task ran without a workspace")
		return store.TaskRunLog{}
	})
	past := time.Now().Add(-time.Minute)
	if err := st.CreateTask(store.ScheduledTask{
		ID: "orphan", GroupFolder: "ghost", ChatJID: "nobody@g.us", Prompt: "p",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "60000", NextRun: &past,
	}); err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background(), time.Now())

	logs := waitForLogs(t, st, "orphan", 1)
	if logs[0].Status != "error" {
		t.Errorf("log = %+v", logs[0])
	}
}
