package ipc

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Per-workspace subdirectories.
const (
	SubMessages     = "messages"
	SubTasks        = "tasks"
	SubInput        = "input"
	SubMergeResults = "merge_results"
)

// Snapshot and control file names.
const (
	FileCurrentTasks    = "current_tasks.json"
	FileAvailableGroups = "available_groups.json"
	FileTodos           = "todos.json"
	FileResetPrompt     = "reset_prompt.json"
	FileNeedsDirtyCheck = "needs_dirty_check.json"
	CloseSentinel       = "_close"
)

// requestNamePattern is the on-disk request file naming contract:
// <unix_ms>-<3-byte-hex>.json, lexical order equals creation order.
var requestNamePattern = regexp.MustCompile(`^\d+-[0-9a-f]{6}\.json$`)

// Bus manages the per-workspace IPC directories under one root.
type Bus struct {
	root string
}

// NewBus creates a Bus rooted at dir (usually <data>/ipc).
func NewBus(dir string) *Bus {
	return &Bus{root: dir}
}

// Root returns the bus root directory.
func (b *Bus) Root() string { return b.root }

// WorkspaceDir returns (and creates) the namespace for one workspace folder.
func (b *Bus) WorkspaceDir(folder string) (string, error) {
	dir := filepath.Join(b.root, folder)
	for _, sub := range []string{SubMessages, SubTasks, SubInput, SubMergeResults} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create ipc dir: %w", err)
		}
	}
	return dir, nil
}

// requestName builds a creation-ordered request file name.
func requestName() string {
	var b [3]byte
	rand.Read(b[:])
	return fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}

// writeAtomic writes v as JSON to path via tmp + rename.
func writeAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// WriteRequest drops a request file into a workspace subdirectory. Used by
// tests and host-side producers; containers write the same format.
func (b *Bus) WriteRequest(folder, sub string, req Request) (string, error) {
	dir, err := b.WorkspaceDir(folder)
	if err != nil {
		return "", err
	}
	name := requestName()
	if err := writeAtomic(filepath.Join(dir, sub, name), req); err != nil {
		return "", err
	}
	return name, nil
}

// ConsumeRequests reads, parses and unlinks every request file in a
// workspace subdirectory, in creation order. Unparseable files are logged
// and removed so one bad file cannot wedge the bus.
func (b *Bus) ConsumeRequests(folder, sub string) ([]Request, error) {
	dir := filepath.Join(b.root, folder, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ipc dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !requestNamePattern.MatchString(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Request
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("ipc: read request failed", "file", path, "error", err)
			continue
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Warn("ipc: bad request file, dropping", "file", path, "error", err)
			os.Remove(path)
			continue
		}
		os.Remove(path)
		out = append(out, req)
	}
	return out, nil
}

// WriteInput queues a host → container input message; the container drains
// input/ on its next turn.
func (b *Bus) WriteInput(folder string, msg InputMessage) error {
	dir, err := b.WorkspaceDir(folder)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, SubInput, requestName()), msg)
}

// WriteCloseSentinel drops the zero-byte _close file ending the container's
// session.
func (b *Bus) WriteCloseSentinel(folder string) error {
	dir, err := b.WorkspaceDir(folder)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, SubInput, CloseSentinel), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("write close sentinel: %w", err)
	}
	return f.Close()
}

// ClearInput removes stale input files and the close sentinel, used before a
// fresh container launch.
func (b *Bus) ClearInput(folder string) error {
	dir := filepath.Join(b.root, folder, SubInput)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		os.Remove(filepath.Join(dir, e.Name()))
	}
	return nil
}

// WriteTasksSnapshot atomically replaces the authoritative current_tasks
// view for a workspace.
func (b *Bus) WriteTasksSnapshot(folder string, snap TasksSnapshot) error {
	dir, err := b.WorkspaceDir(folder)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, FileCurrentTasks), snap)
}

// WriteGroupsSnapshot atomically replaces the available_groups view.
func (b *Bus) WriteGroupsSnapshot(folder string, groups []GroupSnapshot) error {
	dir, err := b.WorkspaceDir(folder)
	if err != nil {
		return err
	}
	if groups == nil {
		groups = []GroupSnapshot{}
	}
	return writeAtomic(filepath.Join(dir, FileAvailableGroups), groups)
}

// WriteMergeResult writes the blocking response for a worktree-sync request.
func (b *Bus) WriteMergeResult(folder, requestID string, res MergeResult) error {
	dir, err := b.WorkspaceDir(folder)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, SubMergeResults, requestID+".json"), res)
}

// WriteResetPrompt stages the handoff prompt for the next session after a
// reset_context request.
func (b *Bus) WriteResetPrompt(folder, prompt string) error {
	dir, err := b.WorkspaceDir(folder)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, FileResetPrompt), map[string]string{"prompt": prompt})
}

// ConsumeResetPrompt reads and removes a staged handoff prompt. Returns ""
// when none is staged.
func (b *Bus) ConsumeResetPrompt(folder string) (string, error) {
	path := filepath.Join(b.root, folder, FileResetPrompt)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	os.Remove(path)
	var v struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("parse reset prompt: %w", err)
	}
	return v.Prompt, nil
}

// MarkNeedsDirtyCheck flags the workspace so the next agent session verifies
// its worktree for uncommitted changes.
func (b *Bus) MarkNeedsDirtyCheck(folder string) error {
	dir, err := b.WorkspaceDir(folder)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, FileNeedsDirtyCheck), map[string]bool{"needs_check": true})
}

// ConsumeNeedsDirtyCheck reports and clears the dirty-check flag.
func (b *Bus) ConsumeNeedsDirtyCheck(folder string) bool {
	path := filepath.Join(b.root, folder, FileNeedsDirtyCheck)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	os.Remove(path)
	return true
}

// ReadTodos loads the container-visible todo list.
func (b *Bus) ReadTodos(folder string) ([]TodoItem, error) {
	data, err := os.ReadFile(filepath.Join(b.root, folder, FileTodos))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var items []TodoItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse todos: %w", err)
	}
	return items, nil
}

// AppendTodo adds one entry to the on-disk todo list. This is the host-side
// path for "todo " prefixed messages.
func (b *Bus) AppendTodo(folder, text string) error {
	items, err := b.ReadTodos(folder)
	if err != nil {
		return err
	}
	items = append(items, TodoItem{Text: text, CreatedAt: time.Now().UTC().Format(time.RFC3339)})
	dir, err := b.WorkspaceDir(folder)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, FileTodos), items)
}
