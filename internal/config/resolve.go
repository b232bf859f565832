package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Git publish policies.
const (
	GitPolicyMerge       = "merge-to-main"
	GitPolicyPullRequest = "pull-request"
)

// Access modes.
const (
	AccessRead      = "read"
	AccessWrite     = "write"
	AccessReadWrite = "read-write"
)

// Trigger modes.
const (
	TriggerAlways  = "always"
	TriggerMention = "mention"
)

// Resolved is the effective policy for one workspace, computed on demand.
type Resolved struct {
	Folder      string
	TriggerMode string // "always" or "mention"
	Access      string // "read", "write", "read-write"
	GitPolicy   string // "merge-to-main" or "pull-request"
	RepoAccess  string // slug, empty = no repo mount
	RepoPath    string // host path for the slug
	Skills      []string
	MCPServers  map[string]string
	Mounts      []MountConfig
	IsAdmin     bool
}

// Resolve computes the effective workspace policy for a folder. Unknown
// folders resolve to the open defaults: non-admin, mention-triggered,
// read-write, merge-to-main, no repo access.
func (c *Config) Resolve(folder string) Resolved {
	ws := c.Workspace[folder]

	r := Resolved{
		Folder:      folder,
		TriggerMode: ws.Trigger,
		Access:      ws.Access,
		GitPolicy:   ws.GitPolicy,
		RepoAccess:  ws.RepoAccess,
		Skills:      ws.Skills,
		MCPServers:  ws.MCPServers,
		Mounts:      ws.AdditionalMounts,
		IsAdmin:     ws.IsAdmin,
	}
	if r.TriggerMode == "" {
		r.TriggerMode = TriggerMention
	}
	// Admin workspaces never require a trigger.
	if r.IsAdmin {
		r.TriggerMode = TriggerAlways
	}
	if r.Access == "" {
		r.Access = AccessReadWrite
	}
	if r.GitPolicy == "" {
		r.GitPolicy = GitPolicyMerge
	}
	if r.RepoAccess != "" {
		r.RepoPath = c.Repos[r.RepoAccess]
	}
	return r
}

// CanLaunch reports whether messages in this workspace may start a container.
// Read-only and write-only workspaces store messages without launching.
func (r Resolved) CanLaunch() bool {
	return r.Access == AccessReadWrite
}

// ValidateMounts checks additional mounts against the allowed roots. A mount
// source must live under one of the configured path roots or a declared repo;
// anything else is rejected so workspace config cannot exfiltrate host paths.
func (c *Config) ValidateMounts(folder string, mounts []MountConfig) error {
	roots := []string{
		c.Paths.DataDir,
		c.Paths.GroupsDir,
		c.Paths.WorktreesDir,
		c.Paths.ScriptsDir,
		c.Paths.AgentSrcDir,
	}
	for _, p := range c.Repos {
		roots = append(roots, p)
	}
	for _, m := range mounts {
		src := ExpandHome(m.Source)
		abs, err := filepath.Abs(src)
		if err != nil {
			return fmt.Errorf("workspace %q: mount %q: %w", folder, m.Source, err)
		}
		if strings.Contains(m.Target, "..") || !strings.HasPrefix(m.Target, "/") {
			return fmt.Errorf("workspace %q: mount target %q must be absolute", folder, m.Target)
		}
		ok := false
		for _, root := range roots {
			if root == "" {
				continue
			}
			if rel, err := filepath.Rel(root, abs); err == nil && rel != ".." && !strings.HasPrefix(rel, "../") {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("workspace %q: mount source %q escapes allowed roots", folder, m.Source)
		}
	}
	return nil
}
