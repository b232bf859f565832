package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMessageCheckCoalesces(t *testing.T) {
	q := New(nil, nil)

	var mu sync.Mutex
	runs := 0
	release := make(chan struct{})
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		mu.Lock()
		runs++
		mu.Unlock()
		<-release
		return true
	})

	q.EnqueueMessageCheck("a")
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return runs == 1 })

	// Rechecks while active coalesce into a single follow-up run.
	q.EnqueueMessageCheck("a")
	q.EnqueueMessageCheck("a")
	q.EnqueueMessageCheck("a")
	close(release)

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return runs == 2 })
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if runs != 2 {
		t.Fatalf("runs = %d, want 2", runs)
	}
}

func TestLaneSerialization(t *testing.T) {
	q := New(nil, nil)

	var active, maxActive int32
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		cur := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return true
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		q.EnqueueTask("a", "t", func(ctx context.Context) error {
			defer wg.Done()
			cur := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
	}
	q.EnqueueMessageCheck("a")
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not finish")
	}
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("max concurrent lane activity = %d, want 1", got)
	}
}

func TestLanesRunInParallel(t *testing.T) {
	q := New(nil, nil)

	started := make(chan string, 2)
	release := make(chan struct{})
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		started <- jid
		<-release
		return true
	})

	q.EnqueueMessageCheck("a")
	q.EnqueueMessageCheck("b")

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case jid := <-started:
			got[jid] = true
		case <-time.After(2 * time.Second):
			t.Fatal("lanes did not run in parallel")
		}
	}
	close(release)
	if !got["a"] || !got["b"] {
		t.Fatalf("started = %v", got)
	}
}

func TestRecheckWinsOverTasks(t *testing.T) {
	q := New(nil, nil)

	order := make(chan string, 4)
	gate := make(chan struct{})
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		order <- "message"
		return true
	})
	// Occupy the lane so both kinds queue behind it.
	q.EnqueueTask("a", "hold", func(ctx context.Context) error {
		<-gate
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	q.EnqueueTask("a", "t1", func(ctx context.Context) error {
		order <- "task"
		return nil
	})
	q.EnqueueMessageCheck("a")
	close(gate)

	first := <-order
	if first != "message" {
		t.Fatalf("first after hold = %q, want message", first)
	}
	if second := <-order; second != "task" {
		t.Fatalf("second = %q, want task", second)
	}
}

func TestSendMessageOnlyWhenActive(t *testing.T) {
	var forwarded []string
	var mu sync.Mutex
	q := New(func(jid, text string) bool {
		mu.Lock()
		forwarded = append(forwarded, text)
		mu.Unlock()
		return true
	}, nil)

	if q.SendMessage("a", "idle") {
		t.Error("forwarded with no active process")
	}

	release := make(chan struct{})
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		<-release
		return true
	})
	q.EnqueueMessageCheck("a")
	waitFor(t, func() bool { return q.IsActive("a") })

	if !q.SendMessage("a", "btw hello") {
		t.Error("forward to active process failed")
	}
	close(release)
	waitFor(t, func() bool { return !q.IsActive("a") })

	mu.Lock()
	defer mu.Unlock()
	if len(forwarded) != 1 || forwarded[0] != "btw hello" {
		t.Errorf("forwarded = %v", forwarded)
	}
}

func TestClearPendingTasks(t *testing.T) {
	q := New(nil, nil)

	gate := make(chan struct{})
	ran := make(chan string, 2)
	q.EnqueueTask("a", "hold", func(ctx context.Context) error {
		<-gate
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	q.EnqueueTask("a", "dropped", func(ctx context.Context) error {
		ran <- "dropped"
		return nil
	})
	q.ClearPendingTasks("a")
	close(gate)

	time.Sleep(100 * time.Millisecond)
	select {
	case id := <-ran:
		t.Fatalf("cleared task ran: %q", id)
	default:
	}
}

func TestFailedRunDoesNotSpin(t *testing.T) {
	q := New(nil, nil)

	var runs int32
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) bool {
		atomic.AddInt32(&runs, 1)
		return false
	})
	q.EnqueueMessageCheck("a")
	waitFor(t, func() bool { return atomic.LoadInt32(&runs) == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("failed run retried immediately: %d runs", got)
	}
	// The next inbound trigger retries.
	q.EnqueueMessageCheck("a")
	waitFor(t, func() bool { return atomic.LoadInt32(&runs) == 2 })
}

func TestShutdownDrains(t *testing.T) {
	q := New(nil, nil)

	finished := make(chan struct{})
	q.EnqueueTask("a", "slow", func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		close(finished)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Error("shutdown returned before active work finished")
	}
	// Post-shutdown enqueues are ignored.
	q.EnqueueMessageCheck("a")
	if q.IsActive("a") {
		t.Error("work started after shutdown")
	}
}
