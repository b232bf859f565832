// Package config loads the Pynchy host configuration document and resolves
// per-workspace policy from it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
)

// Config is the root configuration for the Pynchy host.
type Config struct {
	Agent     AgentConfig                `toml:"agent"`
	Container ContainerConfig            `toml:"container"`
	Scheduler SchedulerConfig            `toml:"scheduler"`
	Intervals IntervalsConfig            `toml:"intervals"`
	Paths     PathsConfig                `toml:"paths"`
	Channels  ChannelsConfig             `toml:"channels"`
	Repos     map[string]string          `toml:"repos"`     // repo-access slug → host repo path
	Workspace map[string]WorkspaceConfig `toml:"workspaces"` // keyed by folder name
	CronJobs  map[string]CronJobConfig   `toml:"cron_jobs"`  // keyed by job name
}

// AgentConfig names the assistant and its default activation trigger.
type AgentConfig struct {
	Name            string `toml:"name"`              // e.g. "Pynchy"
	Trigger         string `toml:"trigger"`           // e.g. "@Pynchy"
	CoreModule      string `toml:"core_module"`       // agent core module inside the container
	CoreClass       string `toml:"core_class"`        // agent core class inside the container
	NamePrefixEmoji string `toml:"name_prefix_emoji"` // prepended on prefixing channels, e.g. "🦞"
}

// ContainerConfig bounds the agent container runtime.
type ContainerConfig struct {
	Image            string   `toml:"image"`
	MaxOutputSize    int      `toml:"max_output_size"`   // bytes per stream
	ContainerTimeout Duration `toml:"container_timeout"` // hard wall clock
	IdleTimeout      Duration `toml:"idle_timeout"`      // no-event window
}

// SchedulerConfig controls the due-task loop.
type SchedulerConfig struct {
	PollInterval Duration `toml:"poll_interval"`
}

// IntervalsConfig controls the polling loops.
type IntervalsConfig struct {
	MessagePoll Duration `toml:"message_poll"`
	HistorySync Duration `toml:"history_sync"`
	IPCPoll     Duration `toml:"ipc_poll"`
	GitSync     Duration `toml:"git_sync"`
}

// PathsConfig roots the on-disk layout.
type PathsConfig struct {
	DataDir      string `toml:"data_dir"`      // database, ipc, logs
	GroupsDir    string `toml:"groups_dir"`    // per-workspace folders
	WorktreesDir string `toml:"worktrees_dir"` // git worktrees
	ScriptsDir   string `toml:"scripts_dir"`   // hook scripts (ro mount)
	AgentSrcDir  string `toml:"agent_src_dir"` // agent runner source (ro mount)
	EnvDir       string `toml:"env_dir"`       // credentials env dir (ro mount)
}

// ChannelsConfig holds per-adapter settings. Adapters are pluggable; only the
// reference Discord adapter is configured here.
type ChannelsConfig struct {
	Discord DiscordConfig `toml:"discord"`
}

// DiscordConfig configures the reference Discord adapter.
type DiscordConfig struct {
	Enabled     bool    `toml:"enabled"`
	Token       string  `toml:"-"` // env PYNCHY_DISCORD_TOKEN only, never persisted
	GuildID     string  `toml:"guild_id"` // required for group creation
	PrefixName  bool    `toml:"prefix_assistant_name"`
	RateLimitPS float64 `toml:"rate_limit_per_second"`
}

// WorkspaceConfig is the declared policy for one workspace folder.
type WorkspaceConfig struct {
	Name             string   `toml:"name"`
	JID              string   `toml:"jid"` // canonical JID; empty until group created
	IsAdmin          bool     `toml:"is_admin"`
	Trigger          string   `toml:"trigger"`     // "always" or "mention"
	Access           string   `toml:"access"`      // "read", "write", "read-write"
	GitPolicy        string   `toml:"git_policy"`  // "merge-to-main" or "pull-request"
	RepoAccess       string   `toml:"repo_access"` // slug into [repos]
	Skills           []string `toml:"skills"`
	MCPServers       map[string]string `toml:"mcp_servers"`
	AdditionalMounts []MountConfig     `toml:"additional_mounts"`
	SeedTasks        []SeedTaskConfig  `toml:"seed_tasks"`
}

// MountConfig is an extra bind mount requested by workspace config.
type MountConfig struct {
	Source   string `toml:"source"`
	Target   string `toml:"target"`
	ReadOnly bool   `toml:"read_only"`
}

// SeedTaskConfig declares a scheduled task created on startup if absent.
type SeedTaskConfig struct {
	Prompt        string `toml:"prompt"`
	ScheduleType  string `toml:"schedule_type"`  // cron, interval, once
	ScheduleValue string `toml:"schedule_value"`
	ContextMode   string `toml:"context_mode"` // group, isolated
	RepoAccess    bool   `toml:"repo_access"`
}

// CronJobConfig is an admin-only host shell job.
type CronJobConfig struct {
	Schedule    string   `toml:"schedule"` // cron expression
	Command     string   `toml:"command"`
	WorkDir     string   `toml:"workdir"`
	TimeoutSecs int      `toml:"timeout_secs"`
	Enabled     bool     `toml:"enabled"`
}

// Duration wraps time.Duration for TOML strings like "500ms" or "2m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements toml's text unmarshaling for durations.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:            "Pynchy",
			Trigger:         "@Pynchy",
			CoreModule:      "pynchy_agent.core",
			CoreClass:       "ClaudeAgentCore",
			NamePrefixEmoji: "🦞",
		},
		Container: ContainerConfig{
			Image:            "pynchy-agent:latest",
			MaxOutputSize:    1024 * 1024,
			ContainerTimeout: Duration{10 * time.Minute},
			IdleTimeout:      Duration{90 * time.Second},
		},
		Scheduler: SchedulerConfig{
			PollInterval: Duration{15 * time.Second},
		},
		Intervals: IntervalsConfig{
			MessagePoll: Duration{time.Second},
			HistorySync: Duration{10 * time.Second},
			IPCPoll:     Duration{500 * time.Millisecond},
			GitSync:     Duration{5 * time.Minute},
		},
		Paths: PathsConfig{
			DataDir:      "~/.pynchy/data",
			GroupsDir:    "~/.pynchy/groups",
			WorktreesDir: "~/.pynchy/worktrees",
			ScriptsDir:   "~/.pynchy/scripts",
			AgentSrcDir:  "~/.pynchy/agent-src",
			EnvDir:       "~/.pynchy/env",
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{PrefixName: true, RateLimitPS: 1},
		},
		Repos:     map[string]string{},
		Workspace: map[string]WorkspaceConfig{},
		CronJobs:  map[string]CronJobConfig{},
	}
}

// Load reads config from a TOML file, then overlays env-only secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays secrets that are never stored in the config document.
func (c *Config) applyEnv() {
	if v := os.Getenv("PYNCHY_DISCORD_TOKEN"); v != "" {
		c.Channels.Discord.Token = v
	}
}

func (c *Config) expandPaths() {
	c.Paths.DataDir = ExpandHome(c.Paths.DataDir)
	c.Paths.GroupsDir = ExpandHome(c.Paths.GroupsDir)
	c.Paths.WorktreesDir = ExpandHome(c.Paths.WorktreesDir)
	c.Paths.ScriptsDir = ExpandHome(c.Paths.ScriptsDir)
	c.Paths.AgentSrcDir = ExpandHome(c.Paths.AgentSrcDir)
	c.Paths.EnvDir = ExpandHome(c.Paths.EnvDir)
	for slug, p := range c.Repos {
		c.Repos[slug] = ExpandHome(p)
	}
}

// Validate rejects malformed workspace and cron declarations early.
func (c *Config) Validate() error {
	admins := 0
	for folder, ws := range c.Workspace {
		if strings.ContainsAny(folder, "/\\ ") {
			return fmt.Errorf("workspace %q: folder name must be filesystem-safe", folder)
		}
		if ws.IsAdmin {
			admins++
		}
		switch ws.Trigger {
		case "", "always", "mention":
		default:
			return fmt.Errorf("workspace %q: invalid trigger %q", folder, ws.Trigger)
		}
		switch ws.Access {
		case "", "read", "write", "read-write":
		default:
			return fmt.Errorf("workspace %q: invalid access %q", folder, ws.Access)
		}
		switch ws.GitPolicy {
		case "", GitPolicyMerge, GitPolicyPullRequest:
		default:
			return fmt.Errorf("workspace %q: invalid git_policy %q", folder, ws.GitPolicy)
		}
		if ws.RepoAccess != "" {
			if _, ok := c.Repos[ws.RepoAccess]; !ok {
				return fmt.Errorf("workspace %q: unknown repo_access %q", folder, ws.RepoAccess)
			}
		}
		if err := c.ValidateMounts(folder, ws.AdditionalMounts); err != nil {
			return err
		}
	}
	if admins > 1 {
		return fmt.Errorf("at most one admin workspace is expected, found %d", admins)
	}
	g := gronx.New()
	for name, job := range c.CronJobs {
		if !g.IsValid(job.Schedule) {
			return fmt.Errorf("cron job %q: invalid schedule %q", name, job.Schedule)
		}
	}
	return nil
}

// AdminFolder returns the folder name of the admin workspace, if declared.
func (c *Config) AdminFolder() (string, bool) {
	for folder, ws := range c.Workspace {
		if ws.IsAdmin {
			return folder, true
		}
	}
	return "", false
}

// ExpandHome expands a leading "~/" against the current user's home dir.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
