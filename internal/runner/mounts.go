package runner

import "path/filepath"

// MountPlan carries every host path that can appear in an agent container.
// Empty optional paths are skipped.
type MountPlan struct {
	GroupDir  string // workspace folder, rw
	GlobalDir string // shared directory, ro, non-admin only
	IsAdmin   bool

	// Repo access. WorktreeDir mounts at /workspace/project; GitDir is the
	// main repo's .git, bind-mounted at its own host path so worktree gitdir
	// references resolve inside the container.
	WorktreeDir string
	GitDir      string

	ClaudeDir  string // per-workspace session dir, rw
	IPCDir     string // per-workspace IPC namespace, rw
	ScriptsDir string // hook scripts, ro
	EnvDir     string // credentials env dir, ro
	AgentSrc   string // agent-runner source tree, ro

	AdminConfigPath string // repo config.toml, rw, admin only

	PluginMCPSources []string // plugin MCP source paths, ro

	// Extra mounts from workspace config; must already have passed
	// config.ValidateMounts.
	Extra []Mount
}

// Container-side mount targets.
const (
	TargetGroup   = "/workspace/group"
	TargetGlobal  = "/workspace/global"
	TargetProject = "/workspace/project"
	TargetClaude  = "/home/agent/.claude"
	TargetIPC     = "/workspace/ipc"
	TargetScripts = "/workspace/scripts"
	TargetEnvDir  = "/workspace/env-dir"
	TargetAppSrc  = "/app/src"
	TargetConfig  = "/workspace/config.toml"
)

// BuildMounts assembles the bind-mount list for one launch.
func BuildMounts(p MountPlan) []Mount {
	mounts := []Mount{{Source: p.GroupDir, Target: TargetGroup}}

	if !p.IsAdmin && p.GlobalDir != "" {
		mounts = append(mounts, Mount{Source: p.GlobalDir, Target: TargetGlobal, ReadOnly: true})
	}
	if p.WorktreeDir != "" {
		mounts = append(mounts, Mount{Source: p.WorktreeDir, Target: TargetProject})
		if p.GitDir != "" {
			mounts = append(mounts, Mount{Source: p.GitDir, Target: p.GitDir})
		}
	}
	if p.ClaudeDir != "" {
		mounts = append(mounts, Mount{Source: p.ClaudeDir, Target: TargetClaude})
	}
	if p.IPCDir != "" {
		mounts = append(mounts, Mount{Source: p.IPCDir, Target: TargetIPC})
	}
	if p.ScriptsDir != "" {
		mounts = append(mounts, Mount{Source: p.ScriptsDir, Target: TargetScripts, ReadOnly: true})
	}
	if p.EnvDir != "" {
		mounts = append(mounts, Mount{Source: p.EnvDir, Target: TargetEnvDir, ReadOnly: true})
	}
	if p.AgentSrc != "" {
		mounts = append(mounts, Mount{Source: p.AgentSrc, Target: TargetAppSrc, ReadOnly: true})
	}
	if p.IsAdmin && p.AdminConfigPath != "" {
		mounts = append(mounts, Mount{Source: p.AdminConfigPath, Target: TargetConfig})
	}
	for _, src := range p.PluginMCPSources {
		mounts = append(mounts, Mount{
			Source:   src,
			Target:   filepath.Join("/workspace/plugins", filepath.Base(src)),
			ReadOnly: true,
		})
	}
	mounts = append(mounts, p.Extra...)
	return mounts
}
