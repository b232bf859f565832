package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/channel"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/internal/queue"
	"github.com/pynchy/pynchy/internal/store"
)

type recordChannel struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordChannel) Name() string                         { return "test" }
func (r *recordChannel) Connect(ctx context.Context) error    { return nil }
func (r *recordChannel) Disconnect(ctx context.Context) error { return nil }
func (r *recordChannel) Reconnect(ctx context.Context) error  { return nil }
func (r *recordChannel) IsConnected() bool                    { return true }
func (r *recordChannel) OwnsJID(jid string) bool              { return true }
func (r *recordChannel) PrefixAssistantName() bool            { return false }

func (r *recordChannel) SendMessage(ctx context.Context, jid, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	return nil
}

func (r *recordChannel) sentMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type pipeEnv struct {
	pipe  *Pipeline
	store *store.Store
	queue *queue.Queue
	ch    *recordChannel
	bus   *ipc.Bus
	cfg   *config.Config

	mu        sync.Mutex
	ran       [][]bus.Message
	runSent   bool
	runRes    bus.RunResult
	deployed  []string
	published []string
}

func newPipeEnv(t *testing.T) *pipeEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	env := &pipeEnv{
		store:  st,
		queue:  queue.New(nil, nil),
		ch:     &recordChannel{},
		bus:    ipc.NewBus(t.TempDir()),
		runRes: bus.RunResult{Status: "success"},
	}
	cfg := config.Default()
	cfg.Paths.GroupsDir = t.TempDir()
	env.cfg = cfg

	runner := func(ctx context.Context, ws store.Workspace, msgs []bus.Message, source bus.InputSource) (bool, bus.RunResult) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.ran = append(env.ran, msgs)
		return env.runSent, env.runRes
	}
	deploy := func(folder string) {
		env.mu.Lock()
		env.deployed = append(env.deployed, folder)
		env.mu.Unlock()
	}
	publish := func(folder string) {
		env.mu.Lock()
		env.published = append(env.published, folder)
		env.mu.Unlock()
	}
	bcast := channel.NewBroadcaster([]channel.Channel{env.ch}, st, nil, "Pynchy")
	env.pipe = New(st, cfg, env.queue, bcast, env.bus, runner, deploy, publish)
	env.queue.SetProcessMessagesFn(env.pipe.ProcessMessages)
	return env
}

func (e *pipeEnv) runs() [][]bus.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]bus.Message(nil), e.ran...)
}

func (e *pipeEnv) publishedList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.published...)
}

func (e *pipeEnv) addWorkspace(t *testing.T, jid, folder, trigger string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(e.cfg.Paths.GroupsDir, folder), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := e.store.UpsertWorkspace(store.Workspace{
		JID: jid, Name: folder, Folder: folder, TriggerPattern: trigger,
	}); err != nil {
		t.Fatal(err)
	}
}

func (e *pipeEnv) addMessage(t *testing.T, jid, sender, content string, at time.Time) {
	t.Helper()
	if err := e.store.StoreMessage(bus.Message{
		ID: jid + content + at.String(), ChatJID: jid, Sender: sender,
		Content: content, Timestamp: at, Type: bus.TypeUser,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestTrimmedContent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"reset context", "reset context"},
		{"  reset context  ", "reset context"},
		{"@Pynchy reset context", "reset context"},
		{"@Pynchy", "@Pynchy"},
	}
	for _, tt := range tests {
		got := trimmedContent(bus.Message{Content: tt.in})
		if got != tt.want {
			t.Errorf("trimmedContent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsMagicCommand(t *testing.T) {
	for _, s := range []string{"reset context", "Clear Context", "end session", "REDEPLOY", "!ls"} {
		if !isMagicCommand(s) {
			t.Errorf("%q not recognized", s)
		}
	}
	for _, s := range []string{"please reset context later", "redeploy the thing", "hello"} {
		if isMagicCommand(s) {
			t.Errorf("%q wrongly recognized", s)
		}
	}
}

func TestTriggerPatternAnchoring(t *testing.T) {
	env := newPipeEnv(t)
	ws := store.Workspace{JID: "g@g.us", Folder: "dev", TriggerPattern: "@Pynchy"}
	res := config.Resolved{TriggerMode: config.TriggerMention}

	batch := func(content string) []bus.Message {
		return []bus.Message{{Content: content}}
	}
	tests := []struct {
		content string
		want    bool
	}{
		{"hey @Pynchy look at this", true},
		{"@pynchy status?", true},
		{"@Pynchy, got a sec", true},
		{"mail me at x@Pynchyhq.com", false},
		{"plain message", false},
		{"reset context", true}, // magic command bypasses the gate
	}
	for _, tt := range tests {
		if got := env.pipe.triggered(ws, res, batch(tt.content)); got != tt.want {
			t.Errorf("triggered(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}

	// Platform-native mentions arrive as metadata.
	meta := []bus.Message{{Content: "no text mention", Metadata: map[string]any{"mentioned": true}}}
	if !env.pipe.triggered(ws, res, meta) {
		t.Error("metadata mention ignored")
	}

	if !env.pipe.triggered(ws, config.Resolved{TriggerMode: config.TriggerAlways}, batch("anything")) {
		t.Error("always mode gated")
	}
	if !env.pipe.triggered(ws, config.Resolved{IsAdmin: true, TriggerMode: config.TriggerMention}, batch("anything")) {
		t.Error("admin gated")
	}
}

func TestInterceptResetContext(t *testing.T) {
	env := newPipeEnv(t)
	env.addWorkspace(t, "g@g.us", "dev", "")
	if err := env.store.SetSession("dev", "sess-1"); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	env.addMessage(t, "g@g.us", "alice@s.net", "old talk", now.Add(-time.Minute))

	ws := store.Workspace{JID: "g@g.us", Folder: "dev"}
	msg := bus.Message{ChatJID: "g@g.us", Content: "reset context", Timestamp: now}
	if !env.pipe.intercept(context.Background(), ws, "g@g.us", msg) {
		t.Fatal("reset context not intercepted")
	}

	if sess, _ := env.store.GetSession("dev"); sess != "" {
		t.Errorf("session survived reset: %q", sess)
	}
	hist, err := env.store.GetChatHistory("g@g.us", 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range hist {
		if m.Content == "old talk" {
			t.Error("cleared history still visible")
		}
	}
	sent := env.ch.sentMessages()
	if len(sent) == 0 || !strings.Contains(sent[0], "Context reset") {
		t.Errorf("sent = %v", sent)
	}
}

func TestInterceptRedeploy(t *testing.T) {
	env := newPipeEnv(t)
	ws := store.Workspace{JID: "g@g.us", Folder: "dev"}
	if !env.pipe.intercept(context.Background(), ws, "g@g.us", bus.Message{Content: "@Pynchy redeploy"}) {
		t.Fatal("redeploy not intercepted")
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.deployed) != 1 || env.deployed[0] != "dev" {
		t.Errorf("deployed = %v", env.deployed)
	}
}

func TestInterceptShellCommand(t *testing.T) {
	env := newPipeEnv(t)
	env.addWorkspace(t, "g@g.us", "dev", "")
	ws := store.Workspace{JID: "g@g.us", Folder: "dev"}

	if !env.pipe.intercept(context.Background(), ws, "g@g.us", bus.Message{Content: "!echo shell works"}) {
		t.Fatal("shell command not intercepted")
	}

	hist, err := env.store.GetChatHistory("g@g.us", 10)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, m := range hist {
		if m.Sender == "command_output" && m.Content == "shell works" {
			found = true
		}
	}
	if !found {
		t.Errorf("command output not stored: %+v", hist)
	}
	sent := env.ch.sentMessages()
	if len(sent) != 1 || !strings.Contains(sent[0], "✅ shell works") {
		t.Errorf("sent = %v", sent)
	}
}

func TestProcessMessagesAdvancesCursor(t *testing.T) {
	env := newPipeEnv(t)
	env.addWorkspace(t, "g@g.us", "dev", "")
	now := time.Now()
	env.addMessage(t, "g@g.us", "alice@s.net", "@Pynchy build it", now)

	if !env.pipe.ProcessMessages(context.Background(), "g@g.us") {
		t.Fatal("run reported failure")
	}
	runs := env.runs()
	if len(runs) != 1 || len(runs[0]) != 1 || runs[0][0].Content != "@Pynchy build it" {
		t.Fatalf("runs = %+v", runs)
	}
	cursor, err := env.store.GetAgentCursor("g@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if !cursor.Equal(now) {
		t.Errorf("cursor = %v, want %v", cursor, now)
	}

	// Same batch never dispatches twice.
	if !env.pipe.ProcessMessages(context.Background(), "g@g.us") {
		t.Fatal("idle run reported failure")
	}
	if got := env.runs(); len(got) != 1 {
		t.Errorf("batch re-dispatched: %d runs", len(got))
	}
}

func TestFailedSilentRunRollsBackCursor(t *testing.T) {
	env := newPipeEnv(t)
	env.addWorkspace(t, "g@g.us", "dev", "")
	env.runRes = bus.RunResult{Status: "error", Error: "container died"}
	env.runSent = false
	now := time.Now()
	env.addMessage(t, "g@g.us", "alice@s.net", "@Pynchy try this", now)

	if env.pipe.ProcessMessages(context.Background(), "g@g.us") {
		t.Fatal("silent failure reported success")
	}
	cursor, err := env.store.GetAgentCursor("g@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if cursor.Equal(now) {
		t.Error("cursor not rolled back")
	}
	var notice bool
	for _, s := range env.ch.sentMessages() {
		if strings.Contains(s, "Agent error") {
			notice = true
		}
	}
	if !notice {
		t.Errorf("no retry notice: %v", env.ch.sentMessages())
	}

	// The failure with visible output keeps the cursor.
	env.runSent = true
	env.addMessage(t, "g@g.us", "alice@s.net", "@Pynchy again", now.Add(time.Second))
	if !env.pipe.ProcessMessages(context.Background(), "g@g.us") {
		t.Fatal("visible failure should not retry")
	}
	cursor, _ = env.store.GetAgentCursor("g@g.us")
	if !cursor.Equal(now.Add(time.Second)) {
		t.Errorf("cursor = %v", cursor)
	}
}

func TestPublishGatedOnRunSuccess(t *testing.T) {
	env := newPipeEnv(t)
	env.pipe.cfg.Repos["code"] = t.TempDir()
	env.pipe.cfg.Workspace["dev"] = config.WorkspaceConfig{RepoAccess: "code"}
	env.addWorkspace(t, "g@g.us", "dev", "")
	now := time.Now()

	// A failed run with partial output keeps its cursor but must not push
	// half-done work.
	env.runSent = true
	env.runRes = bus.RunResult{Status: "error", Error: "container died"}
	env.addMessage(t, "g@g.us", "alice@s.net", "@Pynchy build it", now)
	if !env.pipe.ProcessMessages(context.Background(), "g@g.us") {
		t.Fatal("visible failure should not retry")
	}
	time.Sleep(20 * time.Millisecond)
	if got := env.publishedList(); len(got) != 0 {
		t.Fatalf("published after failed run: %v", got)
	}

	env.mu.Lock()
	env.runRes = bus.RunResult{Status: "success"}
	env.mu.Unlock()
	env.addMessage(t, "g@g.us", "alice@s.net", "@Pynchy again", now.Add(time.Second))
	if !env.pipe.ProcessMessages(context.Background(), "g@g.us") {
		t.Fatal("successful run reported retry")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := env.publishedList(); len(got) == 1 && got[0] == "dev" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("publish not called after success: %v", env.publishedList())
}

func TestUntriggeredMessagesWaitAsContext(t *testing.T) {
	env := newPipeEnv(t)
	env.addWorkspace(t, "g@g.us", "dev", "@Pynchy")
	now := time.Now()
	env.addMessage(t, "g@g.us", "alice@s.net", "just chatting", now)

	if !env.pipe.ProcessMessages(context.Background(), "g@g.us") {
		t.Fatal("untriggered batch reported failure")
	}
	if got := env.runs(); len(got) != 0 {
		t.Fatalf("untriggered batch dispatched: %+v", got)
	}
	// Cursor stays so the messages ride along with the next mention.
	cursor, _ := env.store.GetAgentCursor("g@g.us")
	if !cursor.IsZero() {
		t.Errorf("cursor moved: %v", cursor)
	}

	env.addMessage(t, "g@g.us", "alice@s.net", "@Pynchy now do it", now.Add(time.Second))
	if !env.pipe.ProcessMessages(context.Background(), "g@g.us") {
		t.Fatal("triggered batch failed")
	}
	runs := env.runs()
	if len(runs) != 1 || len(runs[0]) != 2 {
		t.Fatalf("context messages missing: %+v", runs)
	}
}

func TestPollPersistsGlobalCursorBeforeDispatch(t *testing.T) {
	env := newPipeEnv(t)
	env.addWorkspace(t, "g@g.us", "dev", "")
	now := time.Now()
	env.addMessage(t, "g@g.us", "alice@s.net", "@Pynchy hello", now)

	if err := env.pipe.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	last, err := env.store.GetLastTimestamp()
	if err != nil {
		t.Fatal(err)
	}
	if !last.Equal(now) {
		t.Errorf("global cursor = %v, want %v", last, now)
	}

	// A second poll with nothing new is a no-op.
	if err := env.pipe.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
}
