package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/channel"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/internal/runner"
	"github.com/pynchy/pynchy/internal/store"
)

// stubAPI satisfies the container engine interface; orchestrator tests never
// launch containers.
type stubAPI struct{}

func (stubAPI) Create(ctx context.Context, name, image string, env []string, mounts []runner.Mount) (string, error) {
	return "", context.Canceled
}
func (stubAPI) Start(ctx context.Context, id string) error { return nil }
func (stubAPI) Attach(ctx context.Context, id string) (runner.AttachStreams, error) {
	return runner.AttachStreams{}, nil
}
func (stubAPI) Wait(ctx context.Context, id string) (int64, error)                  { return 0, nil }
func (stubAPI) Stop(ctx context.Context, id string, timeout time.Duration) error    { return nil }
func (stubAPI) Kill(ctx context.Context, id string) error                           { return nil }
func (stubAPI) Remove(ctx context.Context, id string) error                         { return nil }

type memoryChannel struct {
	mu   sync.Mutex
	sent []string
}

func (m *memoryChannel) Name() string                         { return "mem" }
func (m *memoryChannel) Connect(ctx context.Context) error    { return nil }
func (m *memoryChannel) Disconnect(ctx context.Context) error { return nil }
func (m *memoryChannel) Reconnect(ctx context.Context) error  { return nil }
func (m *memoryChannel) IsConnected() bool                    { return true }
func (m *memoryChannel) OwnsJID(jid string) bool              { return true }
func (m *memoryChannel) PrefixAssistantName() bool            { return false }

func (m *memoryChannel) SendMessage(ctx context.Context, jid, text string) error {
	m.mu.Lock()
	m.sent = append(m.sent, jid+"|"+text)
	m.mu.Unlock()
	return nil
}

func (m *memoryChannel) sentMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func newOrchestratorTest(t *testing.T) (*Orchestrator, *store.Store, *memoryChannel) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	root := t.TempDir()
	cfg.Paths.DataDir = filepath.Join(root, "data")
	cfg.Paths.GroupsDir = filepath.Join(root, "groups")
	cfg.Paths.WorktreesDir = filepath.Join(root, "worktrees")
	cfg.Paths.ScriptsDir = filepath.Join(root, "scripts")
	cfg.Paths.AgentSrcDir = filepath.Join(root, "agent-src")
	cfg.Paths.EnvDir = filepath.Join(root, "env")

	ch := &memoryChannel{}
	o := New(cfg, filepath.Join(root, "config.toml"), st, []channel.Channel{ch}, stubAPI{})
	return o, st, ch
}

func TestRegisterGroup(t *testing.T) {
	o, st, _ := newOrchestratorTest(t)

	if err := o.RegisterGroup(context.Background(), "g@g.us", "Dev Crew", "dev", "", []string{"dc:555"}); err != nil {
		t.Fatal(err)
	}
	ws, err := st.GetWorkspace("g@g.us")
	if err != nil || ws == nil {
		t.Fatalf("workspace = %v, %v", ws, err)
	}
	if ws.Folder != "dev" || ws.TriggerPattern != o.cfg.Agent.Trigger {
		t.Errorf("workspace = %+v", ws)
	}
	if _, err := os.Stat(filepath.Join(o.cfg.Paths.GroupsDir, "dev")); err != nil {
		t.Error("group dir not created")
	}
	if _, err := os.Stat(filepath.Join(o.cfg.Paths.DataDir, "ipc", "dev", ipc.FileCurrentTasks)); err != nil {
		t.Error("task snapshot not seeded")
	}
	if canonical, err := st.ResolveJID("dc:555"); err != nil || canonical != "g@g.us" {
		t.Errorf("alias resolve = %q, %v", canonical, err)
	}

	// always-trigger groups carry no mention pattern.
	if err := o.RegisterGroup(context.Background(), "g2@g.us", "Ops", "ops", "always", nil); err != nil {
		t.Fatal(err)
	}
	ws, _ = st.GetWorkspace("g2@g.us")
	if ws.TriggerPattern != "" {
		t.Errorf("always trigger pattern = %q", ws.TriggerPattern)
	}
}

func TestResolveGroupJID(t *testing.T) {
	o, st, _ := newOrchestratorTest(t)
	if err := st.UpsertWorkspace(store.Workspace{JID: "g@g.us", Folder: "dev"}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertAlias("dc:555", "g@g.us", "discord"); err != nil {
		t.Fatal(err)
	}

	if got, ok := o.ResolveGroupJID("g@g.us"); !ok || got != "g@g.us" {
		t.Errorf("canonical = %q, %v", got, ok)
	}
	if got, ok := o.ResolveGroupJID("dc:555"); !ok || got != "g@g.us" {
		t.Errorf("alias = %q, %v", got, ok)
	}
	if _, ok := o.ResolveGroupJID("stranger@g.us"); ok {
		t.Error("unknown jid resolved")
	}
}

func TestBroadcastAgentMessageSenderLabel(t *testing.T) {
	o, st, _ := newOrchestratorTest(t)

	if err := o.BroadcastAgentMessage(context.Background(), "g@g.us", "found it", "researcher"); err != nil {
		t.Fatal(err)
	}
	if err := o.BroadcastAgentMessage(context.Background(), "g@g.us", "plain", o.cfg.Agent.Name); err != nil {
		t.Fatal(err)
	}

	hist, err := st.GetChatHistory("g@g.us", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].Content != "researcher: found it" {
		t.Errorf("labelled = %q", hist[0].Content)
	}
	if hist[1].Content != "plain" {
		t.Errorf("own-name message = %q", hist[1].Content)
	}
}

func TestResetContextStagesHandoff(t *testing.T) {
	o, st, _ := newOrchestratorTest(t)
	if err := st.UpsertWorkspace(store.Workspace{JID: "g@g.us", Folder: "dev"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSession("dev", "sess-1"); err != nil {
		t.Fatal(err)
	}

	if err := o.ResetContext(context.Background(), "dev", "g@g.us", "deployed v2, watch the logs"); err != nil {
		t.Fatal(err)
	}
	if sess, _ := st.GetSession("dev"); sess != "" {
		t.Errorf("session = %q", sess)
	}
	prompt, err := o.ipcBus.ConsumeResetPrompt("dev")
	if err != nil || prompt != "deployed v2, watch the logs" {
		t.Errorf("prompt = %q, %v", prompt, err)
	}
}

func TestCheckDeployContinuation(t *testing.T) {
	o, st, ch := newOrchestratorTest(t)
	if err := st.UpsertWorkspace(store.Workspace{JID: "g@g.us", Folder: "dev"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetState("deploy_continuation", "dev"); err != nil {
		t.Fatal(err)
	}

	o.checkDeployContinuation(context.Background())

	if v, _ := st.GetState("deploy_continuation"); v != "" {
		t.Errorf("marker survived: %q", v)
	}
	var confirmed bool
	for _, s := range ch.sentMessages() {
		if strings.Contains(s, "Deploy complete") {
			confirmed = true
		}
	}
	if !confirmed {
		t.Errorf("no completion notice: %v", ch.sentMessages())
	}
	notices := o.takeNotices("dev")
	if len(notices) != 1 || !strings.Contains(notices[0], "redeployed") {
		t.Errorf("notices = %v", notices)
	}

	// Without a marker the check is silent.
	o.checkDeployContinuation(context.Background())
	if got := o.takeNotices("dev"); len(got) != 0 {
		t.Errorf("second check staged notices: %v", got)
	}
}

func TestRollbackFailedDeployResetsRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	o, st, _ := newOrchestratorTest(t)

	repo := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatal(err)
	}
	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	git("init")
	git("config", "user.email", "test@example.com")
	git("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(repo, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git("add", ".")
	git("commit", "-m", "first")
	if err := os.WriteFile(filepath.Join(repo, "b.txt"), []byte("two\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	git("add", ".")
	git("commit", "-m", "second")

	o.cfg.Repos = map[string]string{"code": repo}
	o.cfg.Workspace["dev"] = config.WorkspaceConfig{RepoAccess: "code"}
	if err := os.MkdirAll(o.cfg.Paths.ScriptsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(o.cfg.Paths.ScriptsDir, "redeployed")
	script := "#!/bin/sh\ntouch " + marker + "\n"
	if err := os.WriteFile(filepath.Join(o.cfg.Paths.ScriptsDir, "deploy.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := st.SetState("deploy_continuation", "dev"); err != nil {
		t.Fatal(err)
	}

	o.rollbackFailedDeploy(context.Canceled)

	if _, err := os.Stat(filepath.Join(repo, "b.txt")); err == nil {
		t.Error("repo not rolled back to the previous commit")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("deploy script not re-run after rollback")
	}
	if v, _ := st.GetState("deploy_continuation"); v != "" {
		t.Errorf("marker survived: %q", v)
	}

	// Without a marker the rollback is a no-op.
	o.rollbackFailedDeploy(context.Canceled)
}

func TestLaunchRejectsEscapingMount(t *testing.T) {
	o, st, _ := newOrchestratorTest(t)
	o.cfg.Workspace["dev"] = config.WorkspaceConfig{
		AdditionalMounts: []config.MountConfig{{Source: "/etc", Target: "/host-etc"}},
	}
	if err := st.UpsertWorkspace(store.Workspace{JID: "g@g.us", Folder: "dev"}); err != nil {
		t.Fatal(err)
	}

	msgs := []bus.Message{{ID: "m1", ChatJID: "g@g.us", Sender: "alice@s.net", Content: "hi", Timestamp: time.Now(), Type: bus.TypeUser}}
	ws, _ := st.GetWorkspace("g@g.us")
	sent, result := o.runAgent(context.Background(), *ws, msgs, bus.SourceUser)
	if sent {
		t.Error("output reported for a refused launch")
	}
	if result.Status != "error" || !strings.Contains(result.Error, "escapes allowed roots") {
		t.Errorf("result = %+v", result)
	}
}

func TestPrepareClaudeDirFiltersSkills(t *testing.T) {
	o, _, _ := newOrchestratorTest(t)
	src := filepath.Join(o.cfg.Paths.AgentSrcDir, ".claude")
	for _, dir := range []string{
		filepath.Join(src, "skills", "search"),
		filepath.Join(src, "skills", "deploy"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("skill\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(src, "settings.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	if err := o.prepareClaudeDir(dst, []string{"search"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dst, "settings.json")); err != nil {
		t.Error("settings not copied")
	}
	if _, err := os.Stat(filepath.Join(dst, "skills", "search", "SKILL.md")); err != nil {
		t.Error("selected skill missing")
	}
	if _, err := os.Stat(filepath.Join(dst, "skills", "deploy")); err == nil {
		t.Error("unselected skill copied")
	}

	// Deselecting rebuilds the skills tree.
	if err := o.prepareClaudeDir(dst, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dst, "skills", "search")); err == nil {
		t.Error("deselected skill survived")
	}
}

func TestNoticesDrainOnce(t *testing.T) {
	o, _, _ := newOrchestratorTest(t)
	o.addNotices("dev", "first", "second")
	o.addNotices("dev", "third")

	got := o.takeNotices("dev")
	if len(got) != 3 || got[0] != "first" || got[2] != "third" {
		t.Errorf("notices = %v", got)
	}
	if again := o.takeNotices("dev"); len(again) != 0 {
		t.Errorf("notices not drained: %v", again)
	}
}

func TestRefreshSnapshotsAdminSeesEverything(t *testing.T) {
	o, st, _ := newOrchestratorTest(t)
	o.cfg.Workspace["boss"] = config.WorkspaceConfig{IsAdmin: true}
	if err := st.UpsertWorkspace(store.Workspace{JID: "a@g.us", Folder: "boss", IsAdmin: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertWorkspace(store.Workspace{JID: "g@g.us", Folder: "dev"}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateTask(store.ScheduledTask{
		ID: "t1", GroupFolder: "dev", ChatJID: "g@g.us", Prompt: "p",
		ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * *",
	}); err != nil {
		t.Fatal(err)
	}

	o.RefreshSnapshots("boss")

	data, err := os.ReadFile(filepath.Join(o.cfg.Paths.DataDir, "ipc", "boss", ipc.FileCurrentTasks))
	if err != nil {
		t.Fatal(err)
	}
	var snap ipc.TasksSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].GroupFolder != "dev" {
		t.Errorf("admin snapshot = %+v", snap)
	}

	data, err = os.ReadFile(filepath.Join(o.cfg.Paths.DataDir, "ipc", "boss", ipc.FileAvailableGroups))
	if err != nil {
		t.Fatal(err)
	}
	var groups []ipc.GroupSnapshot
	if err := json.Unmarshal(data, &groups); err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Errorf("groups = %+v", groups)
	}

	// Non-admin folders see only their own tasks and no group list.
	o.RefreshSnapshots("dev")
	data, err = os.ReadFile(filepath.Join(o.cfg.Paths.DataDir, "ipc", "dev", ipc.FileCurrentTasks))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Tasks) != 1 {
		t.Errorf("dev snapshot = %+v", snap)
	}

	// Non-admin workspaces read an empty group list, not a missing file.
	data, err = os.ReadFile(filepath.Join(o.cfg.Paths.DataDir, "ipc", "dev", ipc.FileAvailableGroups))
	if err != nil {
		t.Fatal(err)
	}
	groups = nil
	if err := json.Unmarshal(data, &groups); err != nil {
		t.Fatal(err)
	}
	if len(groups) != 0 {
		t.Errorf("group list leaked to non-admin workspace: %+v", groups)
	}
}
