package scheduler

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/pynchy/pynchy/internal/store"
)

const defaultJobTimeout = 5 * time.Minute

// HostJobRunner polls enabled host cron jobs and spawns their shell
// commands. Host jobs never touch a container; they exist for maintenance
// work like backups and log rotation, admin-only by construction.
type HostJobRunner struct {
	store    *store.Store
	interval time.Duration
}

// NewHostJobRunner creates a runner polling every interval.
func NewHostJobRunner(st *store.Store, interval time.Duration) *HostJobRunner {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HostJobRunner{store: st, interval: interval}
}

// Run blocks until ctx is cancelled.
func (h *HostJobRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Tick(ctx, time.Now())
		}
	}
}

// Tick runs every enabled job whose schedule is due.
func (h *HostJobRunner) Tick(ctx context.Context, now time.Time) {
	jobs, err := h.store.ListHostJobs()
	if err != nil {
		slog.Error("scheduler: host job query failed", "error", err)
		return
	}
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		if job.NextRun == nil {
			// First sighting; seed next_run without running.
			next, err := NextRun(store.ScheduleCron, job.Schedule, now)
			if err != nil {
				slog.Error("scheduler: bad host job cron", "job", job.Name, "error", err)
				continue
			}
			_ = h.store.TouchHostJob(job.Name, now, next)
			continue
		}
		if job.NextRun.After(now) {
			continue
		}
		next, err := NextRun(store.ScheduleCron, job.Schedule, now)
		if err != nil {
			slog.Error("scheduler: bad host job cron", "job", job.Name, "error", err)
			continue
		}
		if err := h.store.TouchHostJob(job.Name, now, next); err != nil {
			slog.Error("scheduler: touch host job failed", "job", job.Name, "error", err)
			continue
		}
		go h.runJob(ctx, job, now)
	}
}

func (h *HostJobRunner) runJob(ctx context.Context, job store.HostJob, now time.Time) {
	timeout := defaultJobTimeout
	if job.TimeoutSecs > 0 {
		timeout = time.Duration(job.TimeoutSecs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", job.Command)
	if job.WorkDir != "" {
		cmd.Dir = job.WorkDir
	}
	out, err := cmd.CombinedOutput()

	log := store.TaskRunLog{
		TaskID:     "hostjob:" + job.Name,
		RunAt:      now,
		DurationMS: time.Since(now).Milliseconds(),
		Status:     "success",
		Result:     tail(string(out), 2000),
	}
	if err != nil {
		log.Status = "error"
		log.Error = err.Error()
		slog.Warn("scheduler: host job failed", "job", job.Name, "error", err)
	}
	if err := h.store.AppendTaskRunLog(log); err != nil {
		slog.Error("scheduler: host job log failed", "job", job.Name, "error", err)
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
