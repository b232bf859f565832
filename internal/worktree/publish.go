package worktree

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pynchy/pynchy/internal/config"
)

// PublishResult reports one publish attempt. MainMoved distinguishes the two
// policies: merges advance main, pull requests do not.
type PublishResult struct {
	Success      bool
	Message      string
	MainMoved    bool
	ChangedFiles []string
}

// Paths whose change on main triggers a redeploy of the agent image.
var deployTriggerNames = map[string]bool{
	"Dockerfile":    true,
	"entrypoint.sh": true,
}

// DeployTriggered reports whether any changed file requires a redeploy.
func DeployTriggered(changed []string) bool {
	for _, f := range changed {
		if deployTriggerNames[filepath.Base(f)] {
			return true
		}
	}
	return false
}

// Publish moves the workspace branch toward main per the workspace policy.
func (m *Manager) Publish(ctx context.Context, folder, slug, policy string) PublishResult {
	switch policy {
	case config.GitPolicyPullRequest:
		return m.publishPullRequest(ctx, folder, slug)
	default:
		return m.publishMerge(ctx, folder, slug)
	}
}

// HasUnpublished reports whether the branch holds commits main lacks.
func (m *Manager) HasUnpublished(ctx context.Context, folder, slug string) (bool, error) {
	repo, ok := m.repos[slug]
	if !ok {
		return false, fmt.Errorf("unknown repo %q", slug)
	}
	out, err := git(ctx, repo, "rev-list", "--count", mainRef(ctx, repo)+".."+Branch(folder))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "0", nil
}

// publishMerge merges the worktree branch into main with a merge commit and
// pushes. The caller fans out worktree notifications and the deploy check
// from the result.
func (m *Manager) publishMerge(ctx context.Context, folder, slug string) PublishResult {
	repo, ok := m.repos[slug]
	if !ok {
		return PublishResult{Message: fmt.Sprintf("unknown repo %q", slug)}
	}
	lock := m.repoLock(slug)
	lock.Lock()
	defer lock.Unlock()

	branch := Branch(folder)

	if dirty, err := isDirty(ctx, repo); err != nil {
		return PublishResult{Message: "main checkout unreadable: " + err.Error()}
	} else if dirty {
		return PublishResult{Message: "main checkout has uncommitted changes; refusing to merge"}
	}

	if _, err := git(ctx, repo, "merge", "--no-ff", branch, "-m", "Merge "+branch); err != nil {
		git(ctx, repo, "merge", "--abort")
		return PublishResult{Message: "merge failed: " + err.Error()}
	}

	changed := changedInMerge(ctx, repo)

	pushed := ""
	if _, err := git(ctx, repo, "push"); err != nil {
		slog.Warn("worktree: push after merge failed", "folder", folder, "error", err)
		pushed = " (push failed: " + firstLine(err.Error()) + ")"
	}

	return PublishResult{
		Success:      true,
		Message:      fmt.Sprintf("Merged %s into main%s", branch, pushed),
		MainMoved:    true,
		ChangedFiles: changed,
	}
}

// publishPullRequest pushes the branch and opens or reuses a pull request
// via the platform CLI. Main does not move.
func (m *Manager) publishPullRequest(ctx context.Context, folder, slug string) PublishResult {
	lock := m.repoLock(slug)
	lock.Lock()
	defer lock.Unlock()

	wt := m.Path(folder)
	branch := Branch(folder)

	if _, err := git(ctx, wt, "push", "-u", "origin", branch); err != nil {
		return PublishResult{Message: "push failed: " + err.Error()}
	}

	if url, err := gh(ctx, wt, "pr", "view", "--json", "url", "--jq", ".url"); err == nil && strings.TrimSpace(url) != "" {
		return PublishResult{Success: true, Message: "Pushed; existing PR updated: " + strings.TrimSpace(url)}
	}
	url, err := gh(ctx, wt, "pr", "create", "--fill", "--head", branch)
	if err != nil {
		return PublishResult{Message: "pushed, but PR creation failed: " + err.Error()}
	}
	return PublishResult{Success: true, Message: "Pushed; PR created: " + strings.TrimSpace(url)}
}

// changedInMerge lists files changed by the merge commit relative to its
// first parent.
func changedInMerge(ctx context.Context, repo string) []string {
	out, err := git(ctx, repo, "diff", "--name-only", "HEAD^", "HEAD")
	if err != nil {
		slog.Warn("worktree: diff after merge failed", "error", err)
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// gh runs the platform CLI in dir.
func gh(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
