// Package ipc is the file-based request/response surface between the host
// and the agent containers. Every write is atomic (tmp + rename) so readers
// observe either nothing or a complete JSON object.
package ipc

import "encoding/json"

// Request type tags (container → host).
const (
	TypeMessage         = "message"
	TypeScheduleTask    = "schedule_task"
	TypeScheduleHostJob = "schedule_host_job"
	TypePauseTask       = "pause_task"
	TypeResumeTask      = "resume_task"
	TypeCancelTask      = "cancel_task"
	TypeRegisterGroup   = "register_group"
	TypeResetContext    = "reset_context"
	TypeFinishedWork    = "finished_work"
	TypeSyncWorktree    = "sync_worktree_to_main"
	TypeDeploy          = "deploy"
	TypeAskUser         = "ask_user"
	TypeAskUserAnswer   = "ask_user_answer"
)

// Request is one container → host request file. The Type tag selects which
// fields are meaningful; per-type validation happens in the dispatcher.
type Request struct {
	Type string `json:"type"`

	// message
	Text           string `json:"text,omitempty"`
	Sender         string `json:"sender,omitempty"` // optional role label
	TargetGroupJID string `json:"target_group_jid,omitempty"` // cross-workspace, admin-only

	// schedule_task / pause/resume/cancel
	TaskID        string `json:"task_id,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`  // cron, interval, once
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"` // group, isolated
	RepoAccess    bool   `json:"repo_access,omitempty"`

	// schedule_host_job
	JobName     string `json:"job_name,omitempty"`
	Command     string `json:"command,omitempty"`
	WorkDir     string `json:"workdir,omitempty"`
	TimeoutSecs int    `json:"timeout_secs,omitempty"`

	// register_group
	GroupJID    string   `json:"group_jid,omitempty"`
	GroupName   string   `json:"group_name,omitempty"`
	GroupFolder string   `json:"group_folder,omitempty"`
	Trigger     string   `json:"trigger,omitempty"`
	AliasJIDs   []string `json:"alias_jids,omitempty"` // per-channel JIDs of the same chat

	// sync_worktree_to_main
	RequestID string `json:"request_id,omitempty"`

	// reset_context
	Reason string `json:"reason,omitempty"`

	// ask_user / ask_user_answer
	Questions []string `json:"questions,omitempty"`
	Answer    string   `json:"answer,omitempty"`

	// Extra carries unknown fields through without loss.
	Extra json.RawMessage `json:"-"`
}

// MergeResult is the blocking response written to
// merge_results/<requestId>.json for a sync_worktree_to_main request. The
// container polls it with a 120-second deadline.
type MergeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// InputMessage is one host → container input file. Files in input/ are
// drained on the container's next turn and concatenated into the follow-up
// prompt.
type InputMessage struct {
	Type   string `json:"type"` // "message" or "system_notice"
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

// TaskSnapshot is one row of the current_tasks.json snapshot.
type TaskSnapshot struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"group_folder"`
	ChatJID       string `json:"chat_jid"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	NextRun       string `json:"next_run,omitempty"`
	Status        string `json:"status"`
}

// HostJobSnapshot is one host job row in the admin task snapshot.
type HostJobSnapshot struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Command  string `json:"command"`
	Enabled  bool   `json:"enabled"`
}

// TasksSnapshot is the authoritative task view written before each launch.
type TasksSnapshot struct {
	Tasks    []TaskSnapshot    `json:"tasks"`
	HostJobs []HostJobSnapshot `json:"host_jobs,omitempty"`
}

// GroupSnapshot is one row of available_groups.json (admin only).
type GroupSnapshot struct {
	JID    string `json:"jid"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
}

// TodoItem is one entry of the container-visible todo list.
type TodoItem struct {
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}
