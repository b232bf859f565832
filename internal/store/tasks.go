package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// ScheduledTask is an agent task owned by one workspace.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string // cron, interval, once
	ScheduleValue string // cron expr, ms integer, or ISO-8601 timestamp
	ContextMode   string // group, isolated
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	Status        string // active, paused, completed
	RepoAccess    bool
	CreatedAt     time.Time
}

// TaskRunLog is one append-only task execution record.
type TaskRunLog struct {
	TaskID     string
	RunAt      time.Time
	DurationMS int64
	Status     string // success, error
	Result     string
	Error      string
}

// HostJob is an admin-only scheduled shell command. Never runs in a container.
type HostJob struct {
	Name        string
	Schedule    string
	Command     string
	WorkDir     string
	TimeoutSecs int
	Enabled     bool
	Status      string
	LastRun     *time.Time
	NextRun     *time.Time
}

// CreateTask inserts a scheduled task.
func (s *Store) CreateTask(t ScheduledTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = "group"
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO scheduled_tasks
			 (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
			  next_run, last_run, last_result, status, repo_access, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode,
			timePtr(t.NextRun), timePtr(t.LastRun), t.LastResult, t.Status, boolInt(t.RepoAccess), FormatTime(t.CreatedAt),
		)
		return err
	})
}

// GetTask fetches one task by id, or nil.
func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	rows, err := s.db.Query(taskSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return &tasks[0], nil
}

// ListTasks returns tasks, optionally filtered to one workspace folder
// (empty folder = all).
func (s *Store) ListTasks(folder string) ([]ScheduledTask, error) {
	q := taskSelect + ` ORDER BY created_at ASC`
	args := []any{}
	if folder != "" {
		q = taskSelect + ` WHERE group_folder = ? ORDER BY created_at ASC`
		args = append(args, folder)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.Query(
		taskSelect+` WHERE status = ? AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run ASC`,
		TaskActive, FormatTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// AdvanceNextRun moves a task's next_run forward. Done before the run starts
// so a slow run cannot re-queue itself on the next tick.
func (s *Store) AdvanceNextRun(id string, next *time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`, timePtr(next), id)
		return err
	})
}

// RecordTaskRun updates last_run/last_result and appends a run log entry in
// one transaction. "once" tasks transition to completed with next_run null.
func (s *Store) RecordTaskRun(id string, log TaskRunLog, once bool) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE scheduled_tasks SET last_run = ?, last_result = ? WHERE id = ?`,
			FormatTime(log.RunAt), log.Result, id,
		); err != nil {
			return err
		}
		if once {
			if _, err := tx.Exec(
				`UPDATE scheduled_tasks SET status = ?, next_run = NULL WHERE id = ?`,
				TaskCompleted, id,
			); err != nil {
				return err
			}
		}
		_, err := tx.Exec(
			`INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, FormatTime(log.RunAt), log.DurationMS, log.Status, log.Result, log.Error,
		)
		return err
	})
}

// AppendTaskRunLog records a run log entry on its own (e.g. a skipped run).
func (s *Store) AppendTaskRunLog(log TaskRunLog) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			log.TaskID, FormatTime(log.RunAt), log.DurationMS, log.Status, log.Result, log.Error,
		)
		return err
	})
}

// TaskRunLogs returns the run history for a task, newest first.
func (s *Store) TaskRunLogs(taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT task_id, run_at, duration_ms, status, result, error
		 FROM task_run_logs WHERE task_id = ? ORDER BY run_at DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var (
			l      TaskRunLog
			runAt  string
			result sql.NullString
			errStr sql.NullString
		)
		if err := rows.Scan(&l.TaskID, &runAt, &l.DurationMS, &l.Status, &result, &errStr); err != nil {
			return nil, err
		}
		if t, err := ParseTime(runAt); err == nil {
			l.RunAt = t
		}
		l.Result = nullStr(result)
		l.Error = nullStr(errStr)
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetTaskStatus pauses or resumes a task.
func (s *Store) SetTaskStatus(id, status string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("task %s not found", id)
		}
		return nil
	})
}

// DeleteTask removes a task and its run logs.
func (s *Store) DeleteTask(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("task %s not found", id)
		}
		return nil
	})
}

// UpsertHostJob registers or updates a host cron job from config.
func (s *Store) UpsertHostJob(j HostJob) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO host_jobs (name, schedule, command, workdir, timeout_secs, enabled, status, last_run, next_run)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET
			   schedule = excluded.schedule,
			   command = excluded.command,
			   workdir = excluded.workdir,
			   timeout_secs = excluded.timeout_secs,
			   enabled = excluded.enabled`,
			j.Name, j.Schedule, j.Command, j.WorkDir, j.TimeoutSecs, boolInt(j.Enabled),
			orDefault(j.Status, TaskActive), timePtr(j.LastRun), timePtr(j.NextRun),
		)
		return err
	})
}

// ListHostJobs returns all host jobs.
func (s *Store) ListHostJobs() ([]HostJob, error) {
	rows, err := s.db.Query(
		`SELECT name, schedule, command, workdir, timeout_secs, enabled, status, last_run, next_run FROM host_jobs ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HostJob
	for rows.Next() {
		var (
			j        HostJob
			enabled  int
			lastRun  sql.NullString
			nextRun  sql.NullString
		)
		if err := rows.Scan(&j.Name, &j.Schedule, &j.Command, &j.WorkDir, &j.TimeoutSecs, &enabled, &j.Status, &lastRun, &nextRun); err != nil {
			return nil, err
		}
		j.Enabled = enabled != 0
		j.LastRun = nullTime(lastRun)
		j.NextRun = nullTime(nextRun)
		out = append(out, j)
	}
	return out, rows.Err()
}

// TouchHostJob records a host job execution time.
func (s *Store) TouchHostJob(name string, lastRun time.Time, nextRun *time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE host_jobs SET last_run = ?, next_run = ? WHERE name = ?`,
			FormatTime(lastRun), timePtr(nextRun), name,
		)
		return err
	})
}

const taskSelect = `SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
 next_run, last_run, last_result, status, repo_access, created_at FROM scheduled_tasks`

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		var (
			t          ScheduledTask
			nextRun    sql.NullString
			lastRun    sql.NullString
			lastResult sql.NullString
			repo       int
			created    string
		)
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
			&t.ContextMode, &nextRun, &lastRun, &lastResult, &t.Status, &repo, &created); err != nil {
			return nil, err
		}
		t.NextRun = nullTime(nextRun)
		t.LastRun = nullTime(lastRun)
		t.LastResult = nullStr(lastResult)
		t.RepoAccess = repo != 0
		if ct, err := ParseTime(created); err == nil {
			t.CreatedAt = ct
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
