package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/pynchy/pynchy/internal/store"
)

// fakeChannel implements Channel for one platform name; it owns JIDs carrying
// that name as a prefix, or everything when owns is empty.
type fakeChannel struct {
	name    string
	owns    string
	prefix  bool
	sendErr error

	mu   sync.Mutex
	sent []string
}

func (f *fakeChannel) Name() string                          { return f.name }
func (f *fakeChannel) Connect(ctx context.Context) error     { return nil }
func (f *fakeChannel) Disconnect(ctx context.Context) error  { return nil }
func (f *fakeChannel) Reconnect(ctx context.Context) error   { return nil }
func (f *fakeChannel) IsConnected() bool                     { return true }
func (f *fakeChannel) PrefixAssistantName() bool             { return f.prefix }

func (f *fakeChannel) OwnsJID(jid string) bool {
	return f.owns == "" || strings.HasPrefix(jid, f.owns)
}

func (f *fakeChannel) SendMessage(ctx context.Context, jid, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, jid+"|"+text)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newBroadcasterTest(t *testing.T, channels ...Channel) (*Broadcaster, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return NewBroadcaster(channels, st, nil, "Pynchy"), st
}

func TestAgentBroadcastPrefixPerChannel(t *testing.T) {
	discord := &fakeChannel{name: "discord", prefix: true}
	tui := &fakeChannel{name: "tui"}
	b, st := newBroadcasterTest(t, discord, tui)

	if err := b.BroadcastAgentMessage(context.Background(), "g@g.us", "hello"); err != nil {
		t.Fatal(err)
	}
	if got := discord.sentMessages(); len(got) != 1 || got[0] != "g@g.us|"+AssistantPrefix+"hello" {
		t.Errorf("discord sent = %v", got)
	}
	if got := tui.sentMessages(); len(got) != 1 || got[0] != "g@g.us|hello" {
		t.Errorf("tui sent = %v", got)
	}

	// The stored copy is unprefixed.
	msgs, err := st.GetChatHistory("g@g.us", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].Sender != "Pynchy" {
		t.Errorf("stored = %+v", msgs)
	}
}

func TestInternalOnlyContentNeverLeaves(t *testing.T) {
	ch := &fakeChannel{name: "discord"}
	b, st := newBroadcasterTest(t, ch)

	if err := b.BroadcastAgentMessage(context.Background(), "g@g.us", "<internal>scratch</internal>"); err != nil {
		t.Fatal(err)
	}
	if got := ch.sentMessages(); len(got) != 0 {
		t.Errorf("sent = %v", got)
	}
	msgs, _ := st.GetChatHistory("g@g.us", 10)
	if len(msgs) != 0 {
		t.Errorf("stored = %+v", msgs)
	}
}

func TestHostMessageIdenticalEverywhere(t *testing.T) {
	discord := &fakeChannel{name: "discord", prefix: true}
	tui := &fakeChannel{name: "tui"}
	b, _ := newBroadcasterTest(t, discord, tui)

	if err := b.BroadcastHostMessage(context.Background(), "g@g.us", "restarting"); err != nil {
		t.Fatal(err)
	}
	want := "g@g.us|" + HostPrefix + "restarting"
	if got := discord.sentMessages(); len(got) != 1 || got[0] != want {
		t.Errorf("discord sent = %v", got)
	}
	if got := tui.sentMessages(); len(got) != 1 || got[0] != want {
		t.Errorf("tui sent = %v", got)
	}
}

func TestBroadcastOnlyToOwningChannels(t *testing.T) {
	discord := &fakeChannel{name: "discord", owns: "dc:"}
	tui := &fakeChannel{name: "tui", owns: "tui:"}
	b, _ := newBroadcasterTest(t, discord, tui)

	if err := b.BroadcastAgentMessage(context.Background(), "dc:123", "hi"); err != nil {
		t.Fatal(err)
	}
	if got := tui.sentMessages(); len(got) != 0 {
		t.Errorf("non-owning channel received: %v", got)
	}
	if got := discord.sentMessages(); len(got) != 1 {
		t.Errorf("owning channel sent = %v", got)
	}
}

func TestFailedSendRetriedOnReconnect(t *testing.T) {
	ch := &fakeChannel{name: "discord", sendErr: errors.New("socket closed")}
	b, st := newBroadcasterTest(t, ch)

	if err := b.BroadcastAgentMessage(context.Background(), "g@g.us", "important"); err != nil {
		t.Fatal(err)
	}
	if got := ch.sentMessages(); len(got) != 0 {
		t.Fatalf("sent despite error: %v", got)
	}
	owed, err := st.UndeliveredFor("discord", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(owed) != 1 {
		t.Fatalf("undelivered = %v", owed)
	}

	// Reconnect path: the channel comes back and the debt is replayed.
	ch.sendErr = nil
	b.RetryUndelivered(context.Background(), ch)

	got := ch.sentMessages()
	if len(got) != 1 || !strings.Contains(got[0], "important") {
		t.Fatalf("retry sent = %v", got)
	}
	owed, _ = st.UndeliveredFor("discord", 5)
	if len(owed) != 0 {
		t.Errorf("still owed after retry: %v", owed)
	}
}

func TestAskUserFallsBackToPlainMessage(t *testing.T) {
	ch := &fakeChannel{name: "tui"}
	b, _ := newBroadcasterTest(t, ch)

	if err := b.AskUser(context.Background(), "g@g.us", "q1", []string{"Which env?", "Which region?"}); err != nil {
		t.Fatal(err)
	}
	got := ch.sentMessages()
	if len(got) != 1 || !strings.Contains(got[0], "❓ Which env?\n❓ Which region?") {
		t.Errorf("sent = %v", got)
	}
}
