package orchestrator

import (
	"log/slog"
	"time"

	"github.com/pynchy/pynchy/internal/ipc"
)

// RefreshSnapshots implements ipc.Host: it rewrites the authoritative
// current_tasks.json (and, for the admin workspace, available_groups.json)
// before a launch and after every task mutation.
func (o *Orchestrator) RefreshSnapshots(folder string) {
	res := o.cfg.Resolve(folder)

	taskFolder := folder
	if res.IsAdmin {
		taskFolder = "" // admin sees every workspace's tasks
	}
	tasks, err := o.store.ListTasks(taskFolder)
	if err != nil {
		slog.Error("orchestrator: task snapshot query failed", "folder", folder, "error", err)
		return
	}

	snap := ipc.TasksSnapshot{Tasks: make([]ipc.TaskSnapshot, 0, len(tasks))}
	for _, t := range tasks {
		row := ipc.TaskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			ChatJID:       t.ChatJID,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
		}
		if t.NextRun != nil {
			row.NextRun = t.NextRun.UTC().Format(time.RFC3339)
		}
		snap.Tasks = append(snap.Tasks, row)
	}

	if res.IsAdmin {
		jobs, err := o.store.ListHostJobs()
		if err != nil {
			slog.Error("orchestrator: host job snapshot query failed", "error", err)
		}
		for _, j := range jobs {
			snap.HostJobs = append(snap.HostJobs, ipc.HostJobSnapshot{
				Name:     j.Name,
				Schedule: j.Schedule,
				Command:  j.Command,
				Enabled:  j.Enabled,
			})
		}
	}

	if err := o.ipcBus.WriteTasksSnapshot(folder, snap); err != nil {
		slog.Error("orchestrator: task snapshot write failed", "folder", folder, "error", err)
	}

	// Non-admin workspaces get an empty group list, never a missing file, so
	// a demoted admin cannot keep a stale full listing.
	groups := make([]ipc.GroupSnapshot, 0)
	if res.IsAdmin {
		workspaces, err := o.store.ListWorkspaces()
		if err != nil {
			slog.Error("orchestrator: group snapshot query failed", "error", err)
			return
		}
		for _, ws := range workspaces {
			groups = append(groups, ipc.GroupSnapshot{JID: ws.JID, Name: ws.Name, Folder: ws.Folder})
		}
	}
	if err := o.ipcBus.WriteGroupsSnapshot(folder, groups); err != nil {
		slog.Error("orchestrator: group snapshot write failed", "folder", folder, "error", err)
	}
}
