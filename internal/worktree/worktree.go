// Package worktree maintains the per-workspace git worktrees and the publish
// policies that move agent commits back to main.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// BranchPrefix namespaces agent branches.
const BranchPrefix = "worktree/"

// Manager owns worktree lifecycle for every repo-access workspace. All git
// mutation on one repo is serialized through a per-repo lock.
type Manager struct {
	worktreesDir string
	repos        map[string]string // repo slug -> main checkout path

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager. repos maps repo-access slugs to main
// checkout paths on the host.
func NewManager(worktreesDir string, repos map[string]string) *Manager {
	return &Manager{
		worktreesDir: worktreesDir,
		repos:        repos,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Path returns the worktree directory for a workspace folder.
func (m *Manager) Path(folder string) string {
	return filepath.Join(m.worktreesDir, folder)
}

// Branch returns the worktree branch name for a workspace folder.
func Branch(folder string) string { return BranchPrefix + folder }

// GitDir returns the main repo's .git directory for a slug. The same host
// path is bind-mounted into the container so the worktree's gitdir pointer
// resolves there too.
func (m *Manager) GitDir(slug string) (string, error) {
	repo, ok := m.repos[slug]
	if !ok {
		return "", fmt.Errorf("unknown repo %q", slug)
	}
	return filepath.Join(repo, ".git"), nil
}

func (m *Manager) repoLock(slug string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[slug]
	if !ok {
		l = &sync.Mutex{}
		m.locks[slug] = l
	}
	return l
}

// Ensure creates or repairs the worktree for a workspace and returns its
// path plus any advisory notices about surviving uncommitted state.
func (m *Manager) Ensure(ctx context.Context, folder, slug string) (string, []string, error) {
	repo, ok := m.repos[slug]
	if !ok {
		return "", nil, fmt.Errorf("unknown repo %q", slug)
	}
	lock := m.repoLock(slug)
	lock.Lock()
	defer lock.Unlock()

	path := m.Path(folder)
	branch := Branch(folder)
	var notices []string

	healthy := false
	if _, err := os.Stat(path); err == nil {
		if _, err := git(ctx, path, "status", "--porcelain"); err == nil {
			healthy = true
		} else {
			// Stale gitdir pointer from a deleted or moved checkout.
			slog.Warn("worktree: repairing stale worktree", "folder", folder, "error", err)
			if _, err := git(ctx, repo, "worktree", "prune"); err != nil {
				return "", nil, fmt.Errorf("worktree prune: %w", err)
			}
			os.RemoveAll(path)
		}
	} else {
		// The checkout may be gone while the repo still lists it.
		if _, err := git(ctx, repo, "worktree", "prune"); err != nil {
			return "", nil, fmt.Errorf("worktree prune: %w", err)
		}
	}

	if !healthy {
		if err := os.MkdirAll(m.worktreesDir, 0o755); err != nil {
			return "", nil, err
		}
		main, err := mainBranch(ctx, repo)
		if err != nil {
			return "", nil, err
		}
		if _, err := git(ctx, repo, "worktree", "add", "-B", branch, path, main); err != nil {
			return "", nil, fmt.Errorf("worktree add %s: %w", folder, err)
		}
		slog.Info("worktree: created", "folder", folder, "path", path, "branch", branch)
		return path, nil, nil
	}

	if dirty, _ := isDirty(ctx, path); dirty {
		notices = append(notices,
			"Your project worktree has uncommitted changes from a previous session. Review them with git status before continuing.")
	} else if diverged, err := m.diverged(ctx, repo, branch); err == nil && diverged {
		if _, err := git(ctx, path, "rebase", mainRef(ctx, repo)); err != nil {
			git(ctx, path, "rebase", "--abort")
			notices = append(notices,
				"Your worktree branch conflicts with main. Rebase it manually before publishing.")
		} else {
			notices = append(notices, "Worktree rebased onto current main.")
		}
	}
	return path, notices, nil
}

// Reconcile ensures every folder's worktree at startup and returns advisory
// notices keyed by folder.
func (m *Manager) Reconcile(ctx context.Context, folders map[string]string) map[string][]string {
	out := make(map[string][]string)
	for folder, slug := range folders {
		_, notices, err := m.Ensure(ctx, folder, slug)
		if err != nil {
			slog.Error("worktree: reconcile failed", "folder", folder, "error", err)
			out[folder] = []string{"Worktree setup failed: " + err.Error()}
			continue
		}
		if len(notices) > 0 {
			out[folder] = notices
		}
	}
	return out
}

// SyncAll fast-forwards every clean main checkout from its remote, so
// upstream changes surface without manual pulls.
func (m *Manager) SyncAll(ctx context.Context) {
	for slug, repo := range m.repos {
		lock := m.repoLock(slug)
		lock.Lock()
		if dirty, err := isDirty(ctx, repo); err != nil || dirty {
			lock.Unlock()
			continue
		}
		if _, err := git(ctx, repo, "pull", "--ff-only"); err != nil {
			slog.Debug("worktree: periodic pull failed", "repo", slug, "error", err)
		}
		lock.Unlock()
	}
}

// diverged reports whether main has commits the branch lacks.
func (m *Manager) diverged(ctx context.Context, repo, branch string) (bool, error) {
	main := mainRef(ctx, repo)
	out, err := git(ctx, repo, "rev-list", "--count", branch+".."+main)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "0", nil
}

// mainBranch resolves the repo's primary branch name.
func mainBranch(ctx context.Context, repo string) (string, error) {
	if out, err := git(ctx, repo, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		return strings.TrimPrefix(strings.TrimSpace(out), "origin/"), nil
	}
	for _, cand := range []string{"main", "master"} {
		if _, err := git(ctx, repo, "rev-parse", "--verify", cand); err == nil {
			return cand, nil
		}
	}
	out, err := git(ctx, repo, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve main branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func mainRef(ctx context.Context, repo string) string {
	name, err := mainBranch(ctx, repo)
	if err != nil {
		return "main"
	}
	return name
}

func isDirty(ctx context.Context, dir string) (bool, error) {
	out, err := git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// git runs one git command in dir and returns its stdout.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
